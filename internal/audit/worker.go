package audit

import (
	"context"
	"log/slog"
	"time"
)

// ChannelPublisher decouples emitters from the sink: Emit never blocks the
// request path, the worker drains the inbox in the background. Events are
// dropped (with a log line) when the buffer is full rather than stalling a
// mutation on a slow broker.
type ChannelPublisher struct {
	inbox  chan Event
	logger *slog.Logger
}

func NewChannelPublisher(buffer int, logger *slog.Logger) *ChannelPublisher {
	return &ChannelPublisher{
		inbox:  make(chan Event, buffer),
		logger: logger,
	}
}

func (p *ChannelPublisher) Emit(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case p.inbox <- event:
	default:
		p.logger.WarnContext(ctx, "audit inbox full, dropping event",
			"action", event.Action,
			"subject", event.Subject,
		)
	}
	return nil
}

// Run forwards buffered events to the sink until ctx is cancelled. Sink
// failures are logged and skipped; the audit trail is best-effort and must
// never wedge the service.
func (p *ChannelPublisher) Run(ctx context.Context, sink Publisher) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-p.inbox:
			if err := sink.Emit(ctx, event); err != nil {
				p.logger.ErrorContext(ctx, "failed to publish audit event",
					"action", event.Action,
					"subject", event.Subject,
					"error", err,
				)
			}
		}
	}
}
