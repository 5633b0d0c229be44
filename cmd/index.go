package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newIndexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "index",
		Short: "Crawls the index pages into a new run folder",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			layout, links, err := appInstance.IndexOnly(cmd.Context())
			if err != nil {
				return err
			}
			appInstance.Logger().Info("index command finished",
				zap.String("folder", layout.Root),
				zap.Int("links", len(links)),
			)
			return nil
		},
	}
}
