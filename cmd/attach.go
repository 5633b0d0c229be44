package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newAttachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attach <folder>",
		Short: "Re-attaches front matter to the Markdown of a run folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			res, err := appInstance.AttachFolder(args[0])
			if err != nil {
				return err
			}
			appInstance.Logger().Info("attach command finished",
				zap.String("folder", args[0]),
				zap.Int("attached", res.Stats.Attached),
				zap.Int("unmatched", res.Stats.Unmatched),
			)
			return nil
		},
	}
}
