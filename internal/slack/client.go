// Package slack implements the subset of the Slack Web API the relay needs:
// reading channel history for the monitor and posting replies.
package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sevigo/chat-relay/internal/core"
)

const defaultBaseURL = "https://slack.com/api"

// Config holds the client settings.
type Config struct {
	BotToken string
	BaseURL  string        // defaults to the public API
	Timeout  time.Duration // defaults to 30s
}

// Client is a thin Slack Web API client. Safe for concurrent use.
type Client struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger
}

// NewClient creates a Slack client.
func NewClient(cfg Config, log *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log,
	}
}

type historyResponse struct {
	OK       bool   `json:"ok"`
	Error    string `json:"error"`
	Messages []struct {
		Type     string `json:"type"`
		Subtype  string `json:"subtype"`
		User     string `json:"user"`
		BotID    string `json:"bot_id"`
		Text     string `json:"text"`
		TS       string `json:"ts"`
		ThreadTS string `json:"thread_ts"`
	} `json:"messages"`
}

// FetchRecent returns the newest messages in a channel, newest first, up to
// limit. This is the fetch function the channel monitor polls with.
func (c *Client) FetchRecent(ctx context.Context, channelID string, limit int) ([]core.ChannelMessage, error) {
	form := url.Values{}
	form.Set("channel", channelID)
	form.Set("limit", fmt.Sprintf("%d", limit))

	var parsed historyResponse
	if err := c.call(ctx, "conversations.history", form, &parsed); err != nil {
		return nil, err
	}

	out := make([]core.ChannelMessage, 0, len(parsed.Messages))
	for _, m := range parsed.Messages {
		author := m.User
		if author == "" {
			author = m.BotID
		}
		msgType := m.Type
		if m.Subtype != "" {
			msgType = m.Subtype
		}
		out = append(out, core.ChannelMessage{
			ID:        m.TS,
			Author:    author,
			Text:      m.Text,
			Timestamp: m.TS,
			ThreadTS:  m.ThreadTS,
			Type:      msgType,
		})
	}
	return out, nil
}

type postResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	TS    string `json:"ts"`
}

// PostMessage sends text to a channel. When threadTS is non-empty the message
// is posted as a thread reply.
func (c *Client) PostMessage(ctx context.Context, channelID, text, threadTS string) error {
	form := url.Values{}
	form.Set("channel", channelID)
	form.Set("text", text)
	if threadTS != "" {
		form.Set("thread_ts", threadTS)
	}

	var parsed postResponse
	if err := c.call(ctx, "chat.postMessage", form, &parsed); err != nil {
		return err
	}
	c.log.Debug("slack message posted", "channel", channelID, "ts", parsed.TS)
	return nil
}

// AddReaction adds an emoji reaction to the message identified by timestamp.
func (c *Client) AddReaction(ctx context.Context, channelID, timestamp, name string) error {
	form := url.Values{}
	form.Set("channel", channelID)
	form.Set("timestamp", timestamp)
	form.Set("name", name)

	var parsed postResponse
	return c.call(ctx, "reactions.add", form, &parsed)
}

type apiStatus interface{ status() (bool, string) }

func (r *historyResponse) status() (bool, string) { return r.OK, r.Error }
func (r *postResponse) status() (bool, string)    { return r.OK, r.Error }

func (c *Client) call(ctx context.Context, method string, form url.Values, out apiStatus) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/"+method, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("slack %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+c.cfg.BotToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("slack %s: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("slack %s: read response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack %s: unexpected status %d", method, resp.StatusCode)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("slack %s: decode response: %w", method, err)
	}
	if ok, apiErr := out.status(); !ok {
		return fmt.Errorf("slack %s: api error: %s", method, apiErr)
	}
	return nil
}
