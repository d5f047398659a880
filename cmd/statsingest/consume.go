package main

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/realtime-stats-ingest/internal/server"
)

func newConsumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "consume",
		Short: "Process queued items from RabbitMQ",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := buildApp(cmd, server.ModeConsume)
			if err != nil {
				return err
			}
			defer app.Close()
			return app.RunConsumer(cmd.Context())
		},
	}
}
