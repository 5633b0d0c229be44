package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl <folder>",
		Short: "Fetches the documents listed in a run folder",
		Long: `Reads all_links.csv from an existing run folder and downloads every
linked document into it. Documents already saved are kept, so the command
can resume an interrupted crawl.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			res, err := appInstance.CrawlFolder(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			appInstance.Logger().Info("crawl command finished",
				zap.String("folder", args[0]),
				zap.Int("fetched", res.Stats.Fetched),
				zap.Int("skipped_existing", res.Stats.SkippedExisting),
				zap.Int("failed", res.Stats.Failed),
			)
			return nil
		},
	}
}
