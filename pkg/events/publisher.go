package events

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/morezero/delegate-tunnel/pkg/tunnel"
)

// EventPublisher is the interface for publishing tunnel events.
type EventPublisher interface {
	Publish(ctx context.Context, event *TunnelEvent) error
}

// NoOpPublisher is an EventPublisher that does nothing (for in-process usage without events).
type NoOpPublisher struct{}

// Publish is a no-op.
func (p *NoOpPublisher) Publish(_ context.Context, _ *TunnelEvent) error {
	return nil
}

// CallbackPublisher is an EventPublisher that calls a callback function (for testing).
type CallbackPublisher struct {
	callback func(ctx context.Context, event *TunnelEvent) error
}

// NewCallbackPublisher creates a new CallbackPublisher.
func NewCallbackPublisher(cb func(ctx context.Context, event *TunnelEvent) error) *CallbackPublisher {
	return &CallbackPublisher{callback: cb}
}

// Publish calls the callback.
func (p *CallbackPublisher) Publish(ctx context.Context, event *TunnelEvent) error {
	return p.callback(ctx, event)
}

// PublishAll publishes each event, logging rather than returning failures.
// Events are observability only and never fail the operation that emitted them.
func PublishAll(ctx context.Context, pub EventPublisher, evs []tunnel.Event) {
	if pub == nil {
		return
	}
	for _, ev := range evs {
		if err := pub.Publish(ctx, FromEvent(ev)); err != nil {
			slog.Warn(fmt.Sprintf("events:publisher - failed to publish %s: %v", ev.Type, err))
		}
	}
}
