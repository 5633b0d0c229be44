// Package cmd defines and implements the CLI commands for the pathway-indexer executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/pathway-indexer/internal/app"
	"github.com/JakeFAU/pathway-indexer/internal/config"
	"github.com/JakeFAU/pathway-indexer/internal/fetch"
	"github.com/JakeFAU/pathway-indexer/internal/logging"
	"github.com/JakeFAU/pathway-indexer/internal/metadata"
	"github.com/JakeFAU/pathway-indexer/internal/orchestrator"
	"github.com/JakeFAU/pathway-indexer/internal/pipeline"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is what the commands need from the application. Tests inject a fake.
type App interface {
	Logger() *zap.Logger
	RunPipeline(ctx context.Context) (*orchestrator.Summary, error)
	IndexOnly(ctx context.Context) (pipeline.Layout, []pipeline.SourceLink, error)
	CrawlFolder(ctx context.Context, folder string) (fetch.Result, error)
	AttachFolder(folder string) (metadata.Result, error)
	Serve(ctx context.Context) error
	Close(ctx context.Context) error
}

// newApp is the application factory, replaced in tests.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.Build(ctx, cfg, logger)
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "pathway-indexer",
		Short: "Builds the Markdown knowledge corpus from the Pathway help sites.",
		Long: `pathway-indexer crawls the configured index pages, downloads every linked
document, converts new and changed documents to Markdown with front matter,
and records the run so the next one only reprocesses what changed.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return err
			}
			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				logger := appInstance.Logger()
				if err := appInstance.Close(context.WithoutCancel(cmd.Context())); err != nil {
					logger.Warn("close failed", zap.Error(err))
				}
				_ = logger.Sync() //nolint:errcheck // stderr sync fails on some platforms
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, toml or json)")

	cmd.AddCommand(
		newRunCmd(),
		newIndexCmd(),
		newCrawlCmd(),
		newAttachCmd(),
		newServeCmd(),
	)
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the command.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
