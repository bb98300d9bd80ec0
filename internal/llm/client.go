// Package llm provides the client for the hosted language-model completion
// API. Failures are classified so job handlers can decide between retrying
// and giving up.
package llm

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
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	defaultModel     = "claude-3-sonnet-20240229"
	defaultMaxTokens = 1000
	apiVersion       = "2023-06-01"
)

// ErrorKind classifies a completion-API failure.
type ErrorKind string

const (
	// AuthError means the credentials were rejected; retrying cannot help.
	AuthError ErrorKind = "auth"
	// RateLimited means the API asked us to slow down; retry after backoff.
	RateLimited ErrorKind = "rate_limited"
	// BadRequest means the request itself was malformed; retrying cannot help.
	BadRequest ErrorKind = "bad_request"
	// Unknown covers transport failures and unexpected server responses.
	Unknown ErrorKind = "unknown"
)

// APIError is a classified completion-API failure.
type APIError struct {
	Kind    ErrorKind
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("completion api: %s (status %d): %s", e.Kind, e.Status, e.Message)
}

// Retryable reports whether the failure is worth retrying.
func (e *APIError) Retryable() bool {
	return e.Kind == RateLimited || e.Kind == Unknown
}

// ModelConfig selects the model and generation limits for one request.
type ModelConfig struct {
	Model     string
	MaxTokens int
}

// Config holds the client settings.
type Config struct {
	APIKey  string
	BaseURL string        // defaults to the hosted API endpoint
	Timeout time.Duration // defaults to 60s
}

// Client talks to an Anthropic-style messages API over HTTP. It is stateless
// and safe for concurrent use by multiple workers.
type Client struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger
}

// NewClient creates a completion client.
func NewClient(cfg Config, log *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log,
	}
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiRequest struct {
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens"`
	System    string       `json:"system,omitempty"`
	Messages  []apiMessage `json:"messages"`
}

type apiResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// GenerateReply sends the conversation history (oldest-first) to the
// completion API and returns the generated text. System messages in the
// history are skipped; the conversation must start with a user turn.
func (c *Client) GenerateReply(ctx context.Context, history []core.Message, systemPrompt string, cfg ModelConfig) (string, error) {
	msgs := make([]apiMessage, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case "user":
			msgs = append(msgs, apiMessage{Role: "user", Content: m.Content})
		case "assistant":
			msgs = append(msgs, apiMessage{Role: "assistant", Content: m.Content})
		}
	}
	if len(msgs) == 0 || msgs[0].Role != "user" {
		return "", &APIError{Kind: BadRequest, Message: "conversation must start with a user message"}
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	body, err := json.Marshal(apiRequest{
		Model:     model,
		MaxTokens: maxTokens,
		System:    systemPrompt,
		Messages:  msgs,
	})
	if err != nil {
		return "", &APIError{Kind: BadRequest, Message: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", &APIError{Kind: Unknown, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.cfg.APIKey)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &APIError{Kind: Unknown, Message: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &APIError{Kind: Unknown, Status: resp.StatusCode, Message: err.Error()}
	}

	var parsed apiResponse
	if resp.StatusCode != http.StatusOK {
		_ = json.Unmarshal(data, &parsed)
		return "", &APIError{
			Kind:    classifyStatus(resp.StatusCode),
			Status:  resp.StatusCode,
			Message: parsed.Error.Message,
		}
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", &APIError{Kind: Unknown, Status: resp.StatusCode, Message: err.Error()}
	}

	var text string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			if text != "" {
				text += "\n"
			}
			text += block.Text
		}
	}
	if text == "" {
		return "", &APIError{Kind: Unknown, Status: resp.StatusCode, Message: "empty completion"}
	}

	c.log.Debug("completion generated", "model", model, "chars", len(text))
	return text, nil
}

func classifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return AuthError
	case status == http.StatusTooManyRequests:
		return RateLimited
	case status >= 400 && status < 500:
		return BadRequest
	default:
		return Unknown
	}
}
