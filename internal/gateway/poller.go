package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/arogyamitra/arogyabot/internal/dispatch"
	"github.com/arogyamitra/arogyabot/internal/pipeline"
)

// MessageSource lists and deletes pending gateway messages. *Client
// implements it; tests substitute a double.
type MessageSource interface {
	List(ctx context.Context) ([]Message, error)
	Delete(ctx context.Context, id int64) error
}

// Handler receives normalized inbound messages. The pipeline Orchestrator
// implements it.
type Handler interface {
	Process(ctx context.Context, msg pipeline.InboundMessage) (string, error)
}

// Poller drains the gateway queue one cycle at a time. Cycles are scheduled
// strictly sequentially by the caller, so a slow cycle delays the next one
// instead of overlapping it.
type Poller struct {
	source  MessageSource
	handler Handler
	log     *slog.Logger
}

// NewPoller creates a Poller.
func NewPoller(source MessageSource, handler Handler, log *slog.Logger) *Poller {
	return &Poller{
		source:  source,
		handler: handler,
		log:     log.With("component", "gateway_poller"),
	}
}

// PollOnce runs a single poll cycle: list pending messages, hand each to the
// pipeline, and delete from the gateway only after a successful handoff. A
// message whose handoff fails stays queued and is retried next cycle.
func (p *Poller) PollOnce(ctx context.Context) error {
	messages, err := p.source.List(ctx)
	if err != nil {
		return fmt.Errorf("gateway list failed: %w", err)
	}
	if len(messages) == 0 {
		return nil
	}

	p.log.InfoContext(ctx, "Processing gateway messages", "count", len(messages))

	for _, m := range messages {
		if m.From == "" || m.Text == "" {
			p.log.WarnContext(ctx, "Skipping malformed gateway message", "id", m.ID)
			if err := p.source.Delete(ctx, m.ID); err != nil {
				p.log.ErrorContext(ctx, "Failed to delete malformed gateway message", "id", m.ID, "error", err)
			}
			continue
		}

		_, err := p.handler.Process(ctx, pipeline.InboundMessage{
			Address: m.From,
			Text:    m.Text,
			Channel: dispatch.ChannelGateway,
		})
		if err != nil {
			p.log.ErrorContext(ctx, "Gateway message handoff failed, leaving queued for retry",
				"id", m.ID, "error", err)
			continue
		}

		if err := p.source.Delete(ctx, m.ID); err != nil {
			// The message will be re-listed and re-processed next cycle.
			p.log.ErrorContext(ctx, "Failed to delete consumed gateway message", "id", m.ID, "error", err)
		}
	}

	return nil
}
