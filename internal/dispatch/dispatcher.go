// Package dispatch provides the producer-side API over the job queues. It
// hides the asynchronous queue from callers such as webhook handlers, which
// must acknowledge quickly and never wait on job execution.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sevigo/chat-relay/internal/core"
	"github.com/sevigo/chat-relay/internal/queue"
)

// Job type tags routed to the matching worker pools.
const (
	TypeProcessMessage = "process-message"
	TypeSendWebhook    = "send-webhook"
)

// Priorities: lower values dequeue sooner. Retried webhook deliveries jump
// ahead of fresh arrivals so a backlog of new work cannot starve them.
const (
	priorityRetry = 0
	priorityFresh = 1
)

// Dispatcher enqueues typed jobs into their queues. It implements
// core.JobDispatcher.
type Dispatcher struct {
	messages *queue.Store
	webhooks *queue.Store
	log      *slog.Logger
}

// New creates a Dispatcher over the message and webhook job stores.
func New(messages, webhooks *queue.Store, log *slog.Logger) *Dispatcher {
	return &Dispatcher{messages: messages, webhooks: webhooks, log: log}
}

// AddMessageJob queues an inbound message for processing and returns the job
// ID. It returns as soon as the job is durably stored.
func (d *Dispatcher) AddMessageJob(ctx context.Context, job core.MessageJob) (string, error) {
	j, err := d.messages.Enqueue(ctx, TypeProcessMessage, job, queue.Options{Priority: priorityFresh})
	if err != nil {
		return "", fmt.Errorf("enqueue message job: %w", err)
	}
	d.log.Info("added message job to queue",
		"job_id", j.ID, "organization_id", job.OrganizationID, "conversation_id", job.ConversationID)
	return j.ID, nil
}

// AddWebhookJob queues an outbound webhook delivery and returns the job ID.
// Deliveries with Retries > 0 are queued ahead of fresh arrivals.
func (d *Dispatcher) AddWebhookJob(ctx context.Context, job core.WebhookJob) (string, error) {
	prio := priorityFresh
	if job.Retries > 0 {
		prio = priorityRetry
	}
	j, err := d.webhooks.Enqueue(ctx, TypeSendWebhook, job, queue.Options{Priority: prio})
	if err != nil {
		return "", fmt.Errorf("enqueue webhook job: %w", err)
	}
	d.log.Info("added webhook job to queue", "job_id", j.ID, "url", job.URL, "priority", prio)
	return j.ID, nil
}
