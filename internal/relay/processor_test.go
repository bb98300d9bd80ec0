package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sevigo/chat-relay/internal/core"
	"github.com/sevigo/chat-relay/internal/llm"
	"github.com/sevigo/chat-relay/internal/queue"
	"github.com/sevigo/chat-relay/internal/storage"
)

type fakeStore struct {
	channel  *core.Channel
	agent    *core.Agent
	history  []core.Message
	appended []appendedMessage
}

type appendedMessage struct {
	role    string
	content string
}

func (s *fakeStore) OrganizationBySlug(context.Context, string) (*core.Organization, error) {
	return &core.Organization{ID: "org-1"}, nil
}

func (s *fakeStore) ChannelByID(_ context.Context, id string) (*core.Channel, error) {
	if s.channel == nil || s.channel.ID != id {
		return nil, storage.ErrNotFound
	}
	return s.channel, nil
}

func (s *fakeStore) ChannelByTypeAndConfig(context.Context, string, string, string, string) (*core.Channel, error) {
	return s.channel, nil
}

func (s *fakeStore) AgentForChannel(context.Context, string) (*core.Agent, error) {
	if s.agent == nil {
		return nil, storage.ErrNotFound
	}
	return s.agent, nil
}

func (s *fakeStore) GetOrCreateConversation(context.Context, string, string, string, map[string]any) (string, error) {
	return "conv-1", nil
}

func (s *fakeStore) AppendMessage(_ context.Context, _, _, role, content string, _ map[string]any) (string, error) {
	s.appended = append(s.appended, appendedMessage{role: role, content: content})
	return "msg-1", nil
}

func (s *fakeStore) GetHistory(context.Context, string, int) ([]core.Message, error) {
	return s.history, nil
}

type fakeCompleter struct {
	reply string
	err   error

	gotSystem string
	gotModel  llm.ModelConfig
	gotTurns  int
}

func (c *fakeCompleter) GenerateReply(_ context.Context, history []core.Message, systemPrompt string, cfg llm.ModelConfig) (string, error) {
	c.gotSystem = systemPrompt
	c.gotModel = cfg
	c.gotTurns = len(history)
	if c.err != nil {
		return "", c.err
	}
	return c.reply, nil
}

type fakeSlack struct {
	channel  string
	text     string
	threadTS string
	calls    int

	reactions   []string
	reactionTS  string
	reactionErr error
}

func (s *fakeSlack) PostMessage(_ context.Context, channelID, text, threadTS string) error {
	s.calls++
	s.channel, s.text, s.threadTS = channelID, text, threadTS
	return nil
}

func (s *fakeSlack) AddReaction(_ context.Context, _, timestamp, name string) error {
	if s.reactionErr != nil {
		return s.reactionErr
	}
	s.reactions = append(s.reactions, name)
	s.reactionTS = timestamp
	return nil
}

type fakeWhatsApp struct {
	to    string
	text  string
	calls int
	err   error
}

func (w *fakeWhatsApp) Send(_ context.Context, to, text string) error {
	w.calls++
	w.to, w.text = to, text
	return w.err
}

func slackStore() *fakeStore {
	return &fakeStore{
		channel: &core.Channel{
			ID:     "ch-1",
			Type:   "slack",
			Config: json.RawMessage(`{"channel_id": "C123"}`),
		},
		agent: &core.Agent{
			ID:           "agent-1",
			SystemPrompt: "Be helpful.",
			Model:        "claude-3-haiku-20240307",
			MaxTokens:    256,
		},
		history: []core.Message{
			{Role: "user", Content: "earlier"},
			{Role: "assistant", Content: "earlier reply"},
			{Role: "user", Content: "hi"},
		},
	}
}

func whatsappStore() *fakeStore {
	s := slackStore()
	s.channel.Type = "whatsapp"
	s.channel.Config = json.RawMessage(`{"phone_number": "+15550001111"}`)
	return s
}

func TestProcessRepliesOverSlack(t *testing.T) {
	store := slackStore()
	completer := &fakeCompleter{reply: "generated reply"}
	slackOut := &fakeSlack{}
	p := NewProcessor(store, completer, slackOut, &fakeWhatsApp{}, slog.Default())

	err := p.Process(context.Background(), core.MessageJob{
		OrganizationID: "org-1",
		ChannelID:      "ch-1",
		ConversationID: "conv-1",
		Content:        "hi",
		Metadata:       map[string]any{"thread_ts": "1700000000.000100"},
	})
	require.NoError(t, err)

	require.Equal(t, "Be helpful.", completer.gotSystem)
	require.Equal(t, "claude-3-haiku-20240307", completer.gotModel.Model)
	require.Equal(t, 256, completer.gotModel.MaxTokens)
	require.Equal(t, 3, completer.gotTurns)

	require.Equal(t, 1, slackOut.calls)
	require.Equal(t, "C123", slackOut.channel)
	require.Equal(t, "generated reply", slackOut.text)
	require.Equal(t, "1700000000.000100", slackOut.threadTS)

	require.Len(t, store.appended, 1)
	require.Equal(t, "assistant", store.appended[0].role)
	require.Equal(t, "generated reply", store.appended[0].content)
}

func TestProcessedSlackMessageGetsReaction(t *testing.T) {
	store := slackStore()
	slackOut := &fakeSlack{}
	p := NewProcessor(store, &fakeCompleter{reply: "ok"}, slackOut, &fakeWhatsApp{}, slog.Default())

	err := p.Process(context.Background(), core.MessageJob{
		OrganizationID: "org-1",
		ChannelID:      "ch-1",
		ConversationID: "conv-1",
		Metadata:       map[string]any{"slack_ts": "1700000000.000200"},
	})
	require.NoError(t, err)

	require.Equal(t, []string{"robot_face"}, slackOut.reactions)
	require.Equal(t, "1700000000.000200", slackOut.reactionTS)
}

func TestFailedSlackMessageGetsErrorReaction(t *testing.T) {
	store := slackStore()
	completer := &fakeCompleter{err: &llm.APIError{Kind: llm.RateLimited, Status: 429}}
	slackOut := &fakeSlack{}
	p := NewProcessor(store, completer, slackOut, &fakeWhatsApp{}, slog.Default())

	err := p.Process(context.Background(), core.MessageJob{
		OrganizationID: "org-1",
		ChannelID:      "ch-1",
		ConversationID: "conv-1",
		Metadata:       map[string]any{"slack_ts": "1700000000.000300"},
	})
	require.Error(t, err)
	require.Equal(t, []string{"x"}, slackOut.reactions)
}

func TestReactionFailureDoesNotFailTheJob(t *testing.T) {
	store := slackStore()
	slackOut := &fakeSlack{reactionErr: errors.New("reactions disabled")}
	p := NewProcessor(store, &fakeCompleter{reply: "ok"}, slackOut, &fakeWhatsApp{}, slog.Default())

	err := p.Process(context.Background(), core.MessageJob{
		OrganizationID: "org-1",
		ChannelID:      "ch-1",
		ConversationID: "conv-1",
		Metadata:       map[string]any{"slack_ts": "1700000000.000400"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, slackOut.calls)
}

func TestProcessRepliesOverWhatsApp(t *testing.T) {
	store := whatsappStore()
	waOut := &fakeWhatsApp{}
	p := NewProcessor(store, &fakeCompleter{reply: "hola"}, &fakeSlack{}, waOut, slog.Default())

	err := p.Process(context.Background(), core.MessageJob{
		OrganizationID: "org-1",
		ChannelID:      "ch-1",
		ConversationID: "conv-1",
		Content:        "hi",
		Metadata:       map[string]any{"from": "+15552223333"},
	})
	require.NoError(t, err)

	require.Equal(t, 1, waOut.calls)
	require.Equal(t, "+15552223333", waOut.to)
	require.Equal(t, "hola", waOut.text)
}

func TestAuthFailureIsTerminalAndApologizes(t *testing.T) {
	store := slackStore()
	completer := &fakeCompleter{err: &llm.APIError{Kind: llm.AuthError, Status: 401, Message: "bad key"}}
	slackOut := &fakeSlack{}
	p := NewProcessor(store, completer, slackOut, &fakeWhatsApp{}, slog.Default())

	err := p.Process(context.Background(), core.MessageJob{
		OrganizationID: "org-1",
		ChannelID:      "ch-1",
		ConversationID: "conv-1",
	})
	require.Error(t, err)
	require.True(t, queue.IsPermanent(err))

	// The user gets an apology and the failure is recorded.
	require.Equal(t, 1, slackOut.calls)
	require.Equal(t, apologyText, slackOut.text)
	require.Len(t, store.appended, 1)
	require.Equal(t, "system", store.appended[0].role)
}

func TestRateLimitFailureKeepsRetryBudget(t *testing.T) {
	store := slackStore()
	completer := &fakeCompleter{err: &llm.APIError{Kind: llm.RateLimited, Status: 429}}
	slackOut := &fakeSlack{}
	p := NewProcessor(store, completer, slackOut, &fakeWhatsApp{}, slog.Default())

	err := p.Process(context.Background(), core.MessageJob{
		OrganizationID: "org-1",
		ChannelID:      "ch-1",
		ConversationID: "conv-1",
	})
	require.Error(t, err)
	require.False(t, queue.IsPermanent(err))

	// No apology while the job can still succeed on a later attempt.
	require.Zero(t, slackOut.calls)
}

func TestUnknownChannelIsTerminal(t *testing.T) {
	p := NewProcessor(&fakeStore{}, &fakeCompleter{}, &fakeSlack{}, &fakeWhatsApp{}, slog.Default())

	err := p.Process(context.Background(), core.MessageJob{ChannelID: "gone"})
	require.Error(t, err)
	require.True(t, queue.IsPermanent(err))
}

func TestUnsupportedChannelTypeIsTerminal(t *testing.T) {
	store := slackStore()
	store.channel.Type = "telegram"
	p := NewProcessor(store, &fakeCompleter{reply: "x"}, &fakeSlack{}, &fakeWhatsApp{}, slog.Default())

	err := p.Process(context.Background(), core.MessageJob{
		OrganizationID: "org-1",
		ChannelID:      "ch-1",
		ConversationID: "conv-1",
	})
	require.Error(t, err)
	require.True(t, queue.IsPermanent(err))
}

func TestWhatsAppMessageWithoutSenderIsTerminal(t *testing.T) {
	store := whatsappStore()
	p := NewProcessor(store, &fakeCompleter{reply: "x"}, &fakeSlack{}, &fakeWhatsApp{}, slog.Default())

	err := p.Process(context.Background(), core.MessageJob{
		OrganizationID: "org-1",
		ChannelID:      "ch-1",
		ConversationID: "conv-1",
	})
	require.Error(t, err)
	require.True(t, queue.IsPermanent(err))
}

func TestDeliveryFailureIsRetryable(t *testing.T) {
	store := whatsappStore()
	waOut := &fakeWhatsApp{err: errors.New("twilio down")}
	p := NewProcessor(store, &fakeCompleter{reply: "x"}, &fakeSlack{}, waOut, slog.Default())

	err := p.Process(context.Background(), core.MessageJob{
		OrganizationID: "org-1",
		ChannelID:      "ch-1",
		ConversationID: "conv-1",
		Metadata:       map[string]any{"from": "+1555"},
	})
	require.Error(t, err)
	require.False(t, queue.IsPermanent(err))
}

func TestMessageHandlerRejectsMalformedPayload(t *testing.T) {
	p := NewProcessor(&fakeStore{}, &fakeCompleter{}, &fakeSlack{}, &fakeWhatsApp{}, slog.Default())
	handler := NewMessageHandler(p)

	err := handler(context.Background(), &queue.Job{Payload: json.RawMessage(`not json`)})
	require.Error(t, err)
	require.True(t, queue.IsPermanent(err))
}
