package core

import (
	"encoding/json"
	"time"
)

// Organization is a tenant of the relay. Channels, conversations, and agents
// all hang off an organization.
type Organization struct {
	ID   string `db:"id"`
	Slug string `db:"slug"`
	Name string `db:"name"`
}

// Channel is one configured messaging surface of an organization, e.g. a
// WhatsApp number or a Slack channel. Config holds platform-specific settings
// as JSON (phone_number for whatsapp, channel_id for slack).
type Channel struct {
	ID             string          `db:"id"`
	OrganizationID string          `db:"organization_id"`
	Type           string          `db:"type"`
	Name           string          `db:"name"`
	Config         json.RawMessage `db:"configuration"`
	Active         bool            `db:"is_active"`
}

// ConfigString returns a string field from the channel's JSON configuration,
// or "" if the field is absent or not a string.
func (c Channel) ConfigString(key string) string {
	var m map[string]any
	if err := json.Unmarshal(c.Config, &m); err != nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// Agent is the language-model configuration bound to a channel.
type Agent struct {
	ID           string `db:"agent_id"`
	SystemPrompt string `db:"system_prompt"`
	Model        string `db:"model"`
	MaxTokens    int    `db:"max_tokens"`
}

// Message is one stored conversation message. Role is "user", "assistant",
// or "system".
type Message struct {
	ID        string          `db:"id"`
	Role      string          `db:"role"`
	Content   string          `db:"content"`
	Metadata  json.RawMessage `db:"metadata"`
	CreatedAt time.Time       `db:"created_at"`
}
