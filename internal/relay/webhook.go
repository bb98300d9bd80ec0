package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sevigo/chat-relay/internal/core"
	"github.com/sevigo/chat-relay/internal/queue"
)

const webhookTimeout = 30 * time.Second

// WebhookSender delivers queued outbound webhooks as JSON POSTs.
type WebhookSender struct {
	client *http.Client
	log    *slog.Logger
}

// NewWebhookSender creates a webhook sender.
func NewWebhookSender(log *slog.Logger) *WebhookSender {
	return &WebhookSender{
		client: &http.Client{Timeout: webhookTimeout},
		log:    log,
	}
}

// NewWebhookHandler adapts the sender to the worker pool.
func NewWebhookHandler(s *WebhookSender) queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		var hook core.WebhookJob
		if err := json.Unmarshal(job.Payload, &hook); err != nil {
			return queue.Permanent(fmt.Errorf("decode webhook job: %w", err))
		}
		return s.Send(ctx, hook)
	}
}

// Send POSTs the payload to the webhook URL. Any response below 500 counts
// as delivered; the receiver owns its 4xx semantics and retrying those would
// only repeat the same rejection.
func (s *WebhookSender) Send(ctx context.Context, hook core.WebhookJob) error {
	body, err := json.Marshal(hook.Payload)
	if err != nil {
		return queue.Permanent(fmt.Errorf("marshal webhook payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return queue.Permanent(fmt.Errorf("build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for name, value := range hook.Headers {
		req.Header.Set(name, value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook to %s: %w", hook.URL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode >= 500 {
		return fmt.Errorf("webhook %s returned status %d", hook.URL, resp.StatusCode)
	}

	s.log.Info("webhook delivered", "url", hook.URL, "status", resp.StatusCode)
	return nil
}
