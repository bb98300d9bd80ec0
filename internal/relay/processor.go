// Package relay contains the job handlers that turn queued work into side
// effects: generating replies for inbound messages and delivering outbound
// webhooks.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sevigo/chat-relay/internal/core"
	"github.com/sevigo/chat-relay/internal/llm"
	"github.com/sevigo/chat-relay/internal/queue"
	"github.com/sevigo/chat-relay/internal/storage"
)

const historyLimit = 20

const apologyText = "Sorry, I wasn't able to process your message. Please try again in a moment."

// Completer generates a reply from a conversation history.
type Completer interface {
	GenerateReply(ctx context.Context, history []core.Message, systemPrompt string, cfg llm.ModelConfig) (string, error)
}

// SlackSender posts messages and reactions to Slack channels.
type SlackSender interface {
	PostMessage(ctx context.Context, channelID, text, threadTS string) error
	AddReaction(ctx context.Context, channelID, timestamp, name string) error
}

// WhatsAppSender delivers messages to WhatsApp numbers.
type WhatsAppSender interface {
	Send(ctx context.Context, to, text string) error
}

// Processor handles queued inbound messages: it loads the conversation
// context, asks the completion API for a reply, persists it, and sends it
// back over the channel the message arrived on.
type Processor struct {
	store    storage.Store
	llm      Completer
	slack    SlackSender
	whatsapp WhatsAppSender
	log      *slog.Logger
}

// NewProcessor creates a message processor.
func NewProcessor(store storage.Store, completer Completer, slack SlackSender, whatsapp WhatsAppSender, log *slog.Logger) *Processor {
	return &Processor{
		store:    store,
		llm:      completer,
		slack:    slack,
		whatsapp: whatsapp,
		log:      log,
	}
}

// NewMessageHandler adapts the processor to the worker pool. A payload that
// does not decode is dead-lettered immediately; retrying cannot fix it.
func NewMessageHandler(p *Processor) queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		var msg core.MessageJob
		if err := json.Unmarshal(job.Payload, &msg); err != nil {
			return queue.Permanent(fmt.Errorf("decode message job: %w", err))
		}
		return p.Process(ctx, msg)
	}
}

// Process runs one inbound message end to end.
func (p *Processor) Process(ctx context.Context, msg core.MessageJob) error {
	ch, err := p.store.ChannelByID(ctx, msg.ChannelID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return queue.Permanent(err)
		}
		return err
	}

	agent, err := p.store.AgentForChannel(ctx, ch.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return queue.Permanent(err)
		}
		return err
	}

	history, err := p.store.GetHistory(ctx, msg.ConversationID, historyLimit)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	reply, err := p.llm.GenerateReply(ctx, history, agent.SystemPrompt, llm.ModelConfig{
		Model:     agent.Model,
		MaxTokens: agent.MaxTokens,
	})
	if err != nil {
		return p.handleCompletionFailure(ctx, ch, msg, err)
	}

	if _, err := p.store.AppendMessage(ctx, msg.OrganizationID, msg.ConversationID, "assistant", reply, nil); err != nil {
		return fmt.Errorf("persist reply: %w", err)
	}

	if err := p.deliver(ctx, ch, msg, reply); err != nil {
		return fmt.Errorf("deliver reply: %w", err)
	}
	p.react(ctx, ch, msg, "robot_face")

	p.log.Info("reply delivered",
		"conversation_id", msg.ConversationID,
		"channel_type", ch.Type,
		"chars", len(reply),
	)
	return nil
}

// handleCompletionFailure records the failure in the conversation, lets the
// user know best-effort, and maps the error onto the retry policy: auth and
// request errors are dead-lettered, everything else keeps its retry budget.
func (p *Processor) handleCompletionFailure(ctx context.Context, ch *core.Channel, msg core.MessageJob, cause error) error {
	p.log.Error("completion failed",
		"conversation_id", msg.ConversationID,
		"error", cause,
	)

	failMeta := map[string]any{"error": cause.Error()}
	if _, err := p.store.AppendMessage(ctx, msg.OrganizationID, msg.ConversationID, "system", "completion failed", failMeta); err != nil {
		p.log.Error("failed to record completion failure", "error", err)
	}
	p.react(ctx, ch, msg, "x")

	var apiErr *llm.APIError
	if errors.As(cause, &apiErr) && !apiErr.Retryable() {
		// Terminal for this job. Tell the user before giving up.
		if err := p.deliver(ctx, ch, msg, apologyText); err != nil {
			p.log.Error("failed to send apology", "error", err)
		}
		return queue.Permanent(cause)
	}
	return cause
}

// react marks the triggering Slack message with a status emoji. Reactions are
// visual feedback only, so failures are logged and never affect the job.
func (p *Processor) react(ctx context.Context, ch *core.Channel, msg core.MessageJob, name string) {
	if ch.Type != "slack" {
		return
	}
	ts, _ := msg.Metadata["slack_ts"].(string)
	channelID := ch.ConfigString("channel_id")
	if ts == "" || channelID == "" {
		return
	}
	if err := p.slack.AddReaction(ctx, channelID, ts, name); err != nil {
		p.log.Warn("failed to add reaction", "reaction", name, "error", err)
	}
}

// deliver routes the reply over the channel the inbound message came from.
// Slack replies stay in the thread when the message had one; WhatsApp replies
// go to the sender's number.
func (p *Processor) deliver(ctx context.Context, ch *core.Channel, msg core.MessageJob, text string) error {
	switch ch.Type {
	case "slack":
		channelID := ch.ConfigString("channel_id")
		if channelID == "" {
			return queue.Permanent(fmt.Errorf("slack channel %s has no channel_id configured", ch.ID))
		}
		threadTS, _ := msg.Metadata["thread_ts"].(string)
		return p.slack.PostMessage(ctx, channelID, text, threadTS)

	case "whatsapp":
		to, _ := msg.Metadata["from"].(string)
		if to == "" {
			return queue.Permanent(fmt.Errorf("whatsapp message has no sender number"))
		}
		return p.whatsapp.Send(ctx, to, text)

	default:
		return queue.Permanent(fmt.Errorf("unsupported channel type %q", ch.Type))
	}
}
