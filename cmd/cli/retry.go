package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

var retryQueue string

var retryCmd = &cobra.Command{
	Use:   "retry [job-id]",
	Short: "Requeue a dead job for another run",
	Long:  `Moves a dead-lettered job back into its queue with a fresh retry budget.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		ctx := context.Background()
		jobID := args[0]

		store, cleanup, err := openStore(ctx, retryQueue)
		if err != nil {
			return fmt.Errorf("failed to open queue %s: %w", retryQueue, err)
		}
		defer cleanup()

		if err := store.RetryDead(ctx, jobID); err != nil {
			return fmt.Errorf("failed to retry job %s: %w", jobID, err)
		}

		slog.Info("job requeued", "queue", retryQueue, "job_id", jobID)
		return nil
	},
}

func init() { //nolint:gochecknoinits // Cobra command registration
	retryCmd.Flags().StringVarP(&retryQueue, "queue", "q", "messages", "Queue the dead job belongs to")
	rootCmd.AddCommand(retryCmd)
}
