// Package processor runs the inbound message pipeline: throttle,
// conversation lookup, agent turn, reply delivery.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/agent"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/bus"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/channels"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/store"
)

const rateLimitNotice = "You're sending messages faster than I can keep up. Give me a minute and try again."

// ConnectorSource resolves the connector a reply should go out on.
// Satisfied by *channels.Manager.
type ConnectorSource interface {
	Get(key channels.Key) (channels.Connector, bool)
}

// Processor handles messages for one running channel. The service
// installs Process as the channel manager's message handler.
type Processor struct {
	conversations store.ConversationStore
	pipeline      agent.Pipeline
	limiter       *channels.RateLimiter
	connectors    ConnectorSource
	tracer        trace.Tracer

	// resolved once at channel start
	provider string
	model    string
}

// Options carries the per-channel pipeline configuration.
type Options struct {
	Conversations store.ConversationStore
	Pipeline      agent.Pipeline
	Limiter       *channels.RateLimiter
	Connectors    ConnectorSource
	Provider      string
	Model         string
}

func New(opts Options) *Processor {
	return &Processor{
		conversations: opts.Conversations,
		pipeline:      opts.Pipeline,
		limiter:       opts.Limiter,
		connectors:    opts.Connectors,
		tracer:        otel.Tracer("maiachat/processor"),
		provider:      opts.Provider,
		model:         opts.Model,
	}
}

// Process runs one inbound message through the pipeline. Errors are
// logged and surfaced to the chat as a notice; they never propagate to
// the connector's read loop.
func (p *Processor) Process(ctx context.Context, msg bus.InboundMessage) error {
	ctx, span := p.tracer.Start(ctx, "processor.Process",
		trace.WithAttributes(
			attribute.String("channel.type", msg.ChannelType),
			attribute.String("tenant.id", msg.UserID),
		))
	defer span.End()

	if p.limiter != nil {
		res := p.limiter.Check(msg.UserID)
		if !res.Allowed {
			span.SetAttributes(attribute.Bool("rate_limited", true))
			slog.Info("message rate limited",
				"user", msg.UserID,
				"channel", msg.ChannelType,
				"reset_at", res.ResetAt.Format(time.RFC3339),
			)
			p.notify(ctx, msg, rateLimitNotice)
			return nil
		}
	}

	reply, err := p.runTurn(ctx, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "turn failed")
		slog.Error("message processing failed",
			"user", msg.UserID,
			"channel", msg.ChannelType,
			"chat", msg.ChatID,
			"error", err,
		)
		p.notify(ctx, msg, "Sorry, something went wrong handling that message. Please try again.")
		return err
	}
	if reply == "" {
		return nil
	}

	if err := p.send(ctx, msg, reply); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delivery failed")
		slog.Error("reply delivery failed", "user", msg.UserID, "chat", msg.ChatID, "error", err)
		return err
	}
	return nil
}

func (p *Processor) runTurn(ctx context.Context, msg bus.InboundMessage) (string, error) {
	conv, err := p.conversations.GetOrCreate(ctx, msg.UserID, msg.ChannelType, msg.ChannelID, msg.ChatID)
	if err != nil {
		return "", fmt.Errorf("resolve conversation: %w", err)
	}

	if err := p.conversations.AppendMessage(ctx, conv.ID, "user", msg.Content); err != nil {
		// History is best effort; the turn still runs.
		slog.Warn("append inbound message failed", "conversation", conv.ID, "error", err)
	}

	resp, err := p.pipeline.RunTurn(ctx, agent.TurnRequest{
		UserID:         msg.UserID,
		ConversationID: conv.ID.String(),
		ChannelType:    msg.ChannelType,
		Provider:       p.provider,
		Model:          p.model,
		SenderName:     msg.SenderName,
		Content:        msg.Content,
	})
	if err != nil {
		return "", fmt.Errorf("agent turn: %w", err)
	}

	if resp.Content != "" {
		if err := p.conversations.AppendMessage(ctx, conv.ID, "assistant", resp.Content); err != nil {
			slog.Warn("append reply failed", "conversation", conv.ID, "error", err)
		}
	}
	return resp.Content, nil
}

func (p *Processor) send(ctx context.Context, msg bus.InboundMessage, content string) error {
	key := channels.Key{UserID: msg.UserID, ChannelType: msg.ChannelType, ChannelID: msg.ChannelID}
	conn, ok := p.connectors.Get(key)
	if !ok {
		return fmt.Errorf("connector %s is gone", key)
	}
	out := bus.OutboundMessage{ChatID: msg.ChatID, Content: content, Metadata: msg.Metadata}
	return conn.Send(ctx, out)
}

// notify sends an operational notice back to the chat, best effort.
func (p *Processor) notify(ctx context.Context, msg bus.InboundMessage, text string) {
	if err := p.send(ctx, msg, text); err != nil {
		slog.Debug("notice delivery failed", "chat", msg.ChatID, "error", err)
	}
}
