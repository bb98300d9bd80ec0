package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/sevigo/chat-relay/internal/core"
	"github.com/sevigo/chat-relay/internal/dispatch"
	"github.com/sevigo/chat-relay/internal/queue"
)

var (
	enqueueURL     string
	enqueuePayload string
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue-webhook",
	Short: "Queue a test webhook delivery",
	Long:  `Queues an outbound webhook job, useful for smoke-testing delivery and retry behavior against a local receiver.`,
	RunE: func(_ *cobra.Command, _ []string) error {
		ctx := context.Background()

		var payload map[string]any
		if err := json.Unmarshal([]byte(enqueuePayload), &payload); err != nil {
			return fmt.Errorf("invalid payload JSON: %w", err)
		}

		store, cleanup, err := openStore(ctx, "webhooks")
		if err != nil {
			return fmt.Errorf("failed to open webhook queue: %w", err)
		}
		defer cleanup()

		job, err := store.Enqueue(ctx, dispatch.TypeSendWebhook, core.WebhookJob{
			URL:     enqueueURL,
			Payload: payload,
		}, queue.Options{})
		if err != nil {
			return fmt.Errorf("failed to enqueue webhook: %w", err)
		}

		slog.Info("webhook queued", "job_id", job.ID, "url", enqueueURL)
		return nil
	},
}

func init() { //nolint:gochecknoinits // Cobra command registration
	enqueueCmd.Flags().StringVarP(&enqueueURL, "url", "u", "", "Webhook destination URL")
	enqueueCmd.Flags().StringVarP(&enqueuePayload, "payload", "p", "{}", "JSON payload to deliver")
	_ = enqueueCmd.MarkFlagRequired("url")
	rootCmd.AddCommand(enqueueCmd)
}
