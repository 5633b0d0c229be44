package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Runs the full pipeline once",
		Long: `Creates a new run folder and runs index, fetch, change detection,
conversion and metadata association, then advances the ledger. The run
summary is written to run_summary.json in the folder.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			summary, err := appInstance.RunPipeline(cmd.Context())
			if err != nil {
				return err
			}
			appInstance.Logger().Info("run command finished",
				zap.String("run_id", summary.RunID),
				zap.String("folder", summary.Folder),
			)
			return nil
		},
	}
}
