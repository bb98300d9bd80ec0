package relay

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sevigo/chat-relay/internal/core"
	"github.com/sevigo/chat-relay/internal/queue"
)

func TestWebhookDelivery(t *testing.T) {
	var gotBody []byte
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeader = r.Header.Get("X-Relay-Event")
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	s := NewWebhookSender(slog.Default())
	err := s.Send(context.Background(), core.WebhookJob{
		URL:     srv.URL,
		Payload: map[string]any{"event": "message.replied", "conversation_id": "conv-1"},
		Headers: map[string]string{"X-Relay-Event": "message.replied"},
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"event": "message.replied", "conversation_id": "conv-1"}`, string(gotBody))
	require.Equal(t, "message.replied", gotHeader)
}

func TestWebhookClientErrorCountsAsDelivered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	t.Cleanup(srv.Close)

	s := NewWebhookSender(slog.Default())
	err := s.Send(context.Background(), core.WebhookJob{URL: srv.URL, Payload: map[string]any{}})
	require.NoError(t, err)
}

func TestWebhookServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	s := NewWebhookSender(slog.Default())
	err := s.Send(context.Background(), core.WebhookJob{URL: srv.URL, Payload: map[string]any{}})
	require.Error(t, err)
	require.False(t, queue.IsPermanent(err))
}

func TestWebhookConnectionErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	s := NewWebhookSender(slog.Default())
	err := s.Send(context.Background(), core.WebhookJob{URL: srv.URL, Payload: map[string]any{}})
	require.Error(t, err)
	require.False(t, queue.IsPermanent(err))
}

func TestWebhookHandlerRejectsMalformedPayload(t *testing.T) {
	handler := NewWebhookHandler(NewWebhookSender(slog.Default()))

	err := handler(context.Background(), &queue.Job{Payload: json.RawMessage(`{broken`)})
	require.Error(t, err)
	require.True(t, queue.IsPermanent(err))
}
