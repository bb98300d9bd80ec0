// Package monitor implements polling-based ingestion for channels that lack
// push webhooks. A Poller periodically fetches recent channel activity,
// computes the delta against a last-seen cursor, and synthesizes the same
// message jobs the push path would have created. The Manager keeps the
// process-wide registry of running pollers.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sevigo/chat-relay/internal/core"
)

const (
	defaultFetchLimit = 20
	defaultInterval   = 10 * time.Second
)

// Fetcher retrieves recent activity from an external channel. Items are
// returned newest-first, the platform's native order.
type Fetcher interface {
	FetchRecent(ctx context.Context, channelID string, limit int) ([]core.ChannelMessage, error)
}

// ConversationStore is the narrow persistence surface the poller needs to
// mirror what the push path does before enqueuing a job.
type ConversationStore interface {
	OrganizationBySlug(ctx context.Context, slug string) (*core.Organization, error)
	ChannelByTypeAndConfig(ctx context.Context, orgID, channelType, configKey, configValue string) (*core.Channel, error)
	GetOrCreateConversation(ctx context.Context, orgID, channelID, externalID string, metadata map[string]any) (string, error)
	AppendMessage(ctx context.Context, orgID, conversationID, role, content string, metadata map[string]any) (string, error)
}

// Config describes one monitored resource.
type Config struct {
	// Key identifies the monitor in the Manager registry; empty defaults
	// to "<org-slug>:<channel-id>".
	Key string
	// OrgSlug is the owning organization.
	OrgSlug string
	// ChannelID is the external channel to poll.
	ChannelID string
	// Interval is the tick period.
	Interval time.Duration
	// FetchLimit is how many recent items each tick fetches; it must be at
	// least the expected arrivals per interval. Defaults to 20.
	FetchLimit int
}

func (c Config) key() string {
	if c.Key != "" {
		return c.Key
	}
	return c.OrgSlug + ":" + c.ChannelID
}

type pollerState int

const (
	stateStopped pollerState = iota
	stateStarting
	stateRunning
)

// Poller is the polling ingestion loop for one channel. It owns the cursor
// for that channel exclusively.
//
// The cursor is advanced to the newest fetched item before the batch is
// synthesized into jobs. This favors at-most-once ingestion: a crash between
// the cursor update and job synthesis drops the batch instead of replaying
// it on restart. Acceptable for a best-effort monitor; not a
// guaranteed-delivery path.
type Poller struct {
	cfg        Config
	fetcher    Fetcher
	store      ConversationStore
	dispatcher core.JobDispatcher
	log        *slog.Logger

	mu     sync.Mutex
	state  pollerState
	cursor string
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller creates a stopped poller for cfg.
func NewPoller(cfg Config, fetcher Fetcher, store ConversationStore, dispatcher core.JobDispatcher, log *slog.Logger) *Poller {
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = defaultFetchLimit
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	return &Poller{
		cfg:        cfg,
		fetcher:    fetcher,
		store:      store,
		dispatcher: dispatcher,
		log:        log.With("monitor", cfg.key()),
	}
}

// Start primes the cursor from the channel's newest item (so history is not
// replayed on first start) and begins ticking at the configured interval.
// Starting an already-running poller is a no-op with a warning.
func (p *Poller) Start() {
	p.mu.Lock()
	if p.state != stateStopped {
		p.log.Warn("poller already running; ignoring Start")
		p.mu.Unlock()
		return
	}
	p.state = stateStarting
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	p.mu.Unlock()

	p.log.Info("starting channel monitor",
		"channel_id", p.cfg.ChannelID, "interval", p.cfg.Interval)

	p.prime(ctx)

	// Stop may have landed while the prime fetch ran without the lock. In
	// that case the poller stays stopped and the tick loop never launches.
	p.mu.Lock()
	if p.state != stateStarting {
		p.mu.Unlock()
		close(p.done)
		return
	}
	p.state = stateRunning
	p.mu.Unlock()

	go p.run(ctx)
}

// prime records the newest item's timestamp as the initial cursor without
// processing it. A failed prime is logged and left alone: the first tick
// then ingests only the newest item.
func (p *Poller) prime(ctx context.Context) {
	items, err := p.fetcher.FetchRecent(ctx, p.cfg.ChannelID, 1)
	if err != nil {
		p.log.Error("cursor prime fetch failed", "error", err)
		return
	}
	if len(items) > 0 {
		p.cursor = items[0].Timestamp
		p.log.Info("cursor primed", "cursor", p.cursor)
	}
}

// run ticks until the context is cancelled. A single goroutine consumes the
// ticker, so a slow tick delays the next one but never overlaps it; overdue
// ticks are dropped, not queued.
func (p *Poller) run(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.checkForNewItems(ctx); err != nil {
				// Per-tick errors never terminate the loop.
				p.log.Error("monitor tick failed", "error", err)
			}
		}
	}
}

// checkForNewItems performs one tick: fetch, delta against the cursor,
// advance the cursor, then synthesize jobs oldest-first.
func (p *Poller) checkForNewItems(ctx context.Context) error {
	items, err := p.fetcher.FetchRecent(ctx, p.cfg.ChannelID, p.cfg.FetchLimit)
	if err != nil {
		return fmt.Errorf("fetch recent: %w", err)
	}
	if len(items) == 0 {
		return nil
	}

	var fresh []core.ChannelMessage
	if p.cursor == "" {
		// No cursor (prime failed on an empty or unreachable channel):
		// take only the newest item rather than the whole window.
		fresh = items[:1]
	} else {
		for _, it := range items {
			if it.TimestampAfter(p.cursor) {
				fresh = append(fresh, it)
			}
		}
	}
	if len(fresh) == 0 {
		return nil
	}

	// Cursor first, synthesis second: see the trade-off note on Poller.
	p.cursor = fresh[0].Timestamp

	for i := len(fresh) - 1; i >= 0; i-- {
		item := fresh[i]
		if skipItem(item) {
			continue
		}
		if err := p.ingest(ctx, item); err != nil {
			p.log.Error("failed to ingest channel message",
				"item_id", item.ID, "author", item.Author, "error", err)
		}
	}
	return nil
}

// skipItem filters non-content events and the bot's own traffic so the relay
// does not answer itself.
func skipItem(m core.ChannelMessage) bool {
	if m.Type != "message" || m.Author == "" || m.Text == "" {
		return true
	}
	return strings.HasPrefix(m.Author, "B") || m.Author == "USLACKBOT"
}

// ingest mirrors the push path for one item: persist the inbound message,
// then hand a message job to the dispatcher.
func (p *Poller) ingest(ctx context.Context, item core.ChannelMessage) error {
	org, err := p.store.OrganizationBySlug(ctx, p.cfg.OrgSlug)
	if err != nil {
		return fmt.Errorf("resolve organization %q: %w", p.cfg.OrgSlug, err)
	}

	ch, err := p.store.ChannelByTypeAndConfig(ctx, org.ID, "slack", "channel_id", p.cfg.ChannelID)
	if err != nil {
		return fmt.Errorf("resolve channel %q: %w", p.cfg.ChannelID, err)
	}

	// Replies always go into the thread anchored at the triggering message;
	// a top-level message starts its own thread.
	threadTS := item.ThreadTS
	if threadTS == "" {
		threadTS = item.Timestamp
	}

	meta := map[string]any{
		"slack_user":    item.Author,
		"slack_channel": p.cfg.ChannelID,
		"thread_ts":     threadTS,
	}

	convID, err := p.store.GetOrCreateConversation(ctx, org.ID, ch.ID, item.Author, meta)
	if err != nil {
		return fmt.Errorf("get or create conversation: %w", err)
	}

	msgMeta := map[string]any{
		"slack_ts":   item.Timestamp,
		"slack_user": item.Author,
		"thread_ts":  threadTS,
	}
	if _, err := p.store.AppendMessage(ctx, org.ID, convID, "user", item.Text, msgMeta); err != nil {
		return fmt.Errorf("append message: %w", err)
	}

	jobMeta := map[string]any{
		"slack_ts":      item.Timestamp,
		"slack_user":    item.Author,
		"slack_channel": p.cfg.ChannelID,
		"thread_ts":     threadTS,
	}
	_, err = p.dispatcher.AddMessageJob(ctx, core.MessageJob{
		OrganizationID: org.ID,
		ChannelID:      ch.ID,
		ConversationID: convID,
		Content:        item.Text,
		Metadata:       jobMeta,
	})
	if err != nil {
		return fmt.Errorf("dispatch message job: %w", err)
	}
	return nil
}

// Stop cancels the tick loop and waits for it to exit. It is idempotent.
func (p *Poller) Stop() {
	p.mu.Lock()
	if p.state == stateStopped {
		p.mu.Unlock()
		return
	}
	p.state = stateStopped
	cancel := p.cancel
	done := p.done
	p.mu.Unlock()

	cancel()
	if done != nil {
		<-done
	}
	p.log.Info("channel monitor stopped")
}

// Running reports whether the poller is currently ticking.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == stateRunning
}
