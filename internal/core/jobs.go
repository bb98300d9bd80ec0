// Package core defines the essential interfaces and data structures that form
// the backbone of the application. These components are designed to be
// abstract, allowing for flexible and decoupled implementations of the
// application's logic.
package core

import "context"

// MessageJob is the payload of a queued inbound chat message. It carries
// everything a worker needs to generate and deliver a reply without going
// back to the originating webhook or poller.
type MessageJob struct {
	OrganizationID string         `json:"organization_id"`
	ChannelID      string         `json:"channel_id"`
	ConversationID string         `json:"conversation_id"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// WebhookJob is the payload of a queued outbound webhook delivery.
// Retries counts deliveries that were explicitly re-enqueued by a caller,
// not the queue-level retry attempts of this job.
type WebhookJob struct {
	URL     string            `json:"url"`
	Payload map[string]any    `json:"payload"`
	Headers map[string]string `json:"headers,omitempty"`
	Retries int               `json:"retries,omitempty"`
}

// JobDispatcher defines the contract for a system that accepts jobs for
// asynchronous processing. It decouples the event sources (webhook handlers,
// channel pollers) from the job execution mechanism. Both methods return as
// soon as the job is durably queued; callers never wait for execution.
type JobDispatcher interface {
	// AddMessageJob queues an inbound message for processing and returns the
	// assigned job ID.
	AddMessageJob(ctx context.Context, job MessageJob) (string, error)

	// AddWebhookJob queues an outbound webhook delivery and returns the
	// assigned job ID. Deliveries marked as retried are queued ahead of
	// fresh arrivals.
	AddWebhookJob(ctx context.Context, job WebhookJob) (string, error)
}
