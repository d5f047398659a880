package main

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/realtime-stats-ingest/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the scheduler",
		Long: `Serves the real-time and job endpoints, runs scheduled scrapes and,
when RabbitMQ is disabled, processes queued items in process. Stops on
SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := buildApp(cmd, server.ModeServe)
			if err != nil {
				return err
			}
			defer app.Close()
			return app.Run(cmd.Context())
		},
	}
}
