package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/sevigo/chat-relay/internal/core"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("storage: not found")

// Store defines the interface for all database operations.
type Store interface {
	OrganizationBySlug(ctx context.Context, slug string) (*core.Organization, error)
	ChannelByID(ctx context.Context, channelID string) (*core.Channel, error)
	ChannelByTypeAndConfig(ctx context.Context, orgID, channelType, configKey, configValue string) (*core.Channel, error)
	AgentForChannel(ctx context.Context, channelID string) (*core.Agent, error)
	GetOrCreateConversation(ctx context.Context, orgID, channelID, externalID string, metadata map[string]any) (string, error)
	AppendMessage(ctx context.Context, orgID, conversationID, role, content string, metadata map[string]any) (string, error)
	GetHistory(ctx context.Context, conversationID string, limit int) ([]core.Message, error)
}

type postgresStore struct {
	db *sqlx.DB
}

// NewStore creates a new Store backed by PostgreSQL.
func NewStore(db *DB) Store {
	return &postgresStore{db: db.DB}
}

// OrganizationBySlug resolves a tenant by its URL slug.
func (s *postgresStore) OrganizationBySlug(ctx context.Context, slug string) (*core.Organization, error) {
	query := `SELECT id, slug, name FROM organizations WHERE slug = $1`

	var org core.Organization
	if err := s.db.GetContext(ctx, &org, query, slug); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("organization %q: %w", slug, ErrNotFound)
		}
		return nil, err
	}
	return &org, nil
}

// ChannelByID loads a single channel row.
func (s *postgresStore) ChannelByID(ctx context.Context, channelID string) (*core.Channel, error) {
	query := `
		SELECT id, organization_id, type, name, configuration, is_active
		FROM channels
		WHERE id = $1`

	var ch core.Channel
	if err := s.db.GetContext(ctx, &ch, query, channelID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("channel %q: %w", channelID, ErrNotFound)
		}
		return nil, err
	}
	return &ch, nil
}

// ChannelByTypeAndConfig finds an active channel of the given type whose JSON
// configuration has configKey set to configValue, e.g. the whatsapp channel
// for a phone number or the slack channel for a channel ID.
func (s *postgresStore) ChannelByTypeAndConfig(ctx context.Context, orgID, channelType, configKey, configValue string) (*core.Channel, error) {
	query := `
		SELECT id, organization_id, type, name, configuration, is_active
		FROM channels
		WHERE organization_id = $1 AND type = $2 AND configuration->>$3 = $4 AND is_active = true
		LIMIT 1`

	var ch core.Channel
	if err := s.db.GetContext(ctx, &ch, query, orgID, channelType, configKey, configValue); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s channel with %s=%s: %w", channelType, configKey, configValue, ErrNotFound)
		}
		return nil, err
	}
	return &ch, nil
}

// AgentForChannel returns the agent configuration assigned to a channel.
func (s *postgresStore) AgentForChannel(ctx context.Context, channelID string) (*core.Agent, error) {
	query := `
		SELECT a.id AS agent_id, a.system_prompt, a.model, a.max_tokens
		FROM agents a
		JOIN channel_agents ca ON ca.agent_id = a.id
		WHERE ca.channel_id = $1
		LIMIT 1`

	var agent core.Agent
	if err := s.db.GetContext(ctx, &agent, query, channelID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("agent for channel %q: %w", channelID, ErrNotFound)
		}
		return nil, err
	}
	return &agent, nil
}

// GetOrCreateConversation returns the open conversation for an external user
// on a channel, creating one when none exists. The externalID is the platform
// identity of the remote party (phone number, slack user ID).
func (s *postgresStore) GetOrCreateConversation(ctx context.Context, orgID, channelID, externalID string, metadata map[string]any) (string, error) {
	selectQuery := `
		SELECT id FROM conversations
		WHERE organization_id = $1 AND channel_id = $2 AND external_user_id = $3 AND status = 'active'
		ORDER BY created_at DESC
		LIMIT 1`

	var id string
	err := s.db.GetContext(ctx, &id, selectQuery, orgID, channelID, externalID)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}

	meta, err := marshalMetadata(metadata)
	if err != nil {
		return "", err
	}

	insertQuery := `
		INSERT INTO conversations (id, organization_id, channel_id, external_user_id, status, metadata, created_at)
		VALUES ($1, $2, $3, $4, 'active', $5, $6)`

	id = uuid.NewString()
	if _, err := s.db.ExecContext(ctx, insertQuery, id, orgID, channelID, externalID, meta, time.Now().UTC()); err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	return id, nil
}

// AppendMessage stores one message in a conversation and returns its ID.
func (s *postgresStore) AppendMessage(ctx context.Context, orgID, conversationID, role, content string, metadata map[string]any) (string, error) {
	meta, err := marshalMetadata(metadata)
	if err != nil {
		return "", err
	}

	query := `
		INSERT INTO messages (id, organization_id, conversation_id, role, content, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	id := uuid.NewString()
	if _, err := s.db.ExecContext(ctx, query, id, orgID, conversationID, role, content, meta, time.Now().UTC()); err != nil {
		return "", fmt.Errorf("append message: %w", err)
	}
	return id, nil
}

// GetHistory returns the newest limit messages of a conversation, ordered
// oldest first so they can be fed straight to the completion API.
func (s *postgresStore) GetHistory(ctx context.Context, conversationID string, limit int) ([]core.Message, error) {
	query := `
		SELECT id, role, content, metadata, created_at FROM (
			SELECT id, role, content, metadata, created_at
			FROM messages
			WHERE conversation_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC`

	var msgs []core.Message
	if err := s.db.SelectContext(ctx, &msgs, query, conversationID, limit); err != nil {
		return nil, err
	}
	return msgs, nil
}

func marshalMetadata(metadata map[string]any) ([]byte, error) {
	if metadata == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return data, nil
}
