package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/morezero/delegate-tunnel/pkg/tunnel"
)

const publisherTestPrefix = "events:publisher_test"

func TestNoOpPublisher(t *testing.T) {
	pub := &NoOpPublisher{}
	if err := pub.Publish(context.Background(), FromEvent(tunnel.NewEvent(TypeTunnelInstantiated))); err != nil {
		t.Errorf("%s - expected no error, got %v", publisherTestPrefix, err)
	}
}

func TestCallbackPublisher(t *testing.T) {
	var captured *TunnelEvent
	pub := NewCallbackPublisher(func(_ context.Context, event *TunnelEvent) error {
		captured = event
		return nil
	})

	ev := tunnel.NewEvent(TypeDispatchRequested, "channel_id", "channel-0", "job_id", "j1")
	if err := pub.Publish(context.Background(), FromEvent(ev)); err != nil {
		t.Fatalf("%s - expected no error, got %v", publisherTestPrefix, err)
	}
	if captured == nil {
		t.Fatalf("%s - expected callback to be called", publisherTestPrefix)
	}
	if captured.Type != TypeDispatchRequested {
		t.Errorf("%s - Type = %q", publisherTestPrefix, captured.Type)
	}
	if v, _ := captured.Attr("job_id"); v != "j1" {
		t.Errorf("%s - job_id = %q, want j1", publisherTestPrefix, v)
	}
	if _, err := time.Parse(time.RFC3339, captured.Timestamp); err != nil {
		t.Errorf("%s - Timestamp not RFC3339: %v", publisherTestPrefix, err)
	}
}

func TestFromEvent_NilAttributes(t *testing.T) {
	got := FromEvent(tunnel.Event{Type: TypeChannel})
	if got.Attributes == nil {
		t.Errorf("%s - expected non-nil attributes", publisherTestPrefix)
	}
}

func TestPublishAll_ContinuesOnError(t *testing.T) {
	var types []string
	pub := NewCallbackPublisher(func(_ context.Context, event *TunnelEvent) error {
		types = append(types, event.Type)
		return errors.New("broker down")
	})

	PublishAll(context.Background(), pub, []tunnel.Event{
		tunnel.NewEvent(TypeInstantiationRequested),
		tunnel.NewEvent(TypeMigrationRequested),
	})
	if len(types) != 2 {
		t.Errorf("%s - published %d events, want 2", publisherTestPrefix, len(types))
	}

	// Nil publisher is tolerated.
	PublishAll(context.Background(), nil, []tunnel.Event{tunnel.NewEvent(TypeChannel)})
}
