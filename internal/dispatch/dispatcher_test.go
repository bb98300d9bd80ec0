package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/sevigo/chat-relay/internal/core"
	"github.com/sevigo/chat-relay/internal/queue"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *queue.Store, *queue.Store) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	messages := queue.NewStore(rdb, queue.StoreConfig{Queue: "messages", MoverInterval: 10 * time.Millisecond}, slog.Default())
	t.Cleanup(messages.Close)
	webhooks := queue.NewStore(rdb, queue.StoreConfig{Queue: "webhooks", MoverInterval: 10 * time.Millisecond}, slog.Default())
	t.Cleanup(webhooks.Close)

	return New(messages, webhooks, slog.Default()), messages, webhooks
}

func TestAddMessageJobQueuesPayload(t *testing.T) {
	d, messages, _ := newTestDispatcher(t)
	ctx := context.Background()

	id, err := d.AddMessageJob(ctx, core.MessageJob{
		OrganizationID: "org-1",
		ChannelID:      "ch-1",
		ConversationID: "conv-1",
		Content:        "hello there",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	dctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	job, err := messages.Dequeue(dctx)
	require.NoError(t, err)
	require.Equal(t, id, job.ID)
	require.Equal(t, TypeProcessMessage, job.Type)

	var msg core.MessageJob
	require.NoError(t, json.Unmarshal(job.Payload, &msg))
	require.Equal(t, "conv-1", msg.ConversationID)
	require.Equal(t, "hello there", msg.Content)
}

func TestRetriedWebhookJumpsAheadOfFresh(t *testing.T) {
	d, _, webhooks := newTestDispatcher(t)
	ctx := context.Background()

	freshID, err := d.AddWebhookJob(ctx, core.WebhookJob{URL: "https://example.com/a"})
	require.NoError(t, err)
	retriedID, err := d.AddWebhookJob(ctx, core.WebhookJob{URL: "https://example.com/b", Retries: 1})
	require.NoError(t, err)

	dctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	first, err := webhooks.Dequeue(dctx)
	require.NoError(t, err)
	require.Equal(t, retriedID, first.ID)

	second, err := webhooks.Dequeue(dctx)
	require.NoError(t, err)
	require.Equal(t, freshID, second.ID)
}
