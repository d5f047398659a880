package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-stats-ingest/internal/ingest"
	"github.com/JakeFAU/realtime-stats-ingest/internal/server"
)

type scrapeSummary struct {
	Job       ingest.Job `json:"job"`
	Items     int        `json:"items"`
	Published int        `json:"published"`
}

func newScrapeCmd() *cobra.Command {
	var (
		jobType    string
		categories []string
	)
	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Run one scrape job in the foreground",
		Long: `Runs a single statistics or publications job and prints the finished
job as JSON. Without RabbitMQ the items are processed before the command
returns.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := ingest.ParseJobType(jobType)
			if err != nil {
				return err
			}
			app, err := buildApp(cmd, server.ModeScrape)
			if err != nil {
				return err
			}
			defer app.Close()

			res, err := app.Scrape(cmd.Context(), t, categories)
			if err != nil {
				app.Logger().Error("scrape failed", zap.String("job_type", jobType), zap.Error(err))
				if res.Job.ID == 0 {
					return fmt.Errorf("scrape %s: %w", jobType, err)
				}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(scrapeSummary{Job: res.Job, Items: len(res.Items), Published: res.Published}); encErr != nil {
				return fmt.Errorf("write summary: %w", encErr)
			}
			if err != nil {
				return fmt.Errorf("scrape %s: %w", jobType, err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&jobType, "type", string(ingest.JobTypeStatistics), "job type: statistics or publications")
	cmd.Flags().StringSliceVar(&categories, "categories", nil, "statistics categories to scrape (default: all configured)")
	return cmd
}
