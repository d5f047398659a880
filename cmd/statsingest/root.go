package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-stats-ingest/internal/config"
	"github.com/JakeFAU/realtime-stats-ingest/internal/ingest"
	"github.com/JakeFAU/realtime-stats-ingest/internal/scrape"
	"github.com/JakeFAU/realtime-stats-ingest/internal/server"
)

// App is what the commands need from the wired application. Tests replace
// newApp to inject a fake.
type App interface {
	Run(ctx context.Context) error
	RunConsumer(ctx context.Context) error
	Scrape(ctx context.Context, jobType ingest.JobType, categories []string) (scrape.Result, error)
	Logger() *zap.Logger
	Close()
}

var newApp = func(ctx context.Context, cfg config.Config, mode server.Mode) (App, error) {
	return server.Build(ctx, cfg, mode)
}

type configKeyType struct{}

var configKey configKeyType

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "statsingest",
		Short: "Scrapes statistics tables and serves the latest figures.",
		Long: `statsingest fetches statistics pages and publication PDFs, extracts
their tables, tracks every item through the ETL queues and serves the
freshest figures through a cached HTTP API.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")

	cmd.AddCommand(newServeCmd(), newScrapeCmd(), newConsumeCmd())
	return cmd
}

// buildApp wires the application for mode from the config loaded by the
// root command.
func buildApp(cmd *cobra.Command, mode server.Mode) (App, error) {
	cfg, ok := cmd.Context().Value(configKey).(config.Config)
	if !ok {
		return nil, errors.New("configuration not loaded")
	}
	app, err := newApp(cmd.Context(), cfg, mode)
	if err != nil {
		return nil, fmt.Errorf("initialize application: %w", err)
	}
	return app, nil
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
