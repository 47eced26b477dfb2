package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/morezero/delegate-tunnel/pkg/channel"
	"github.com/morezero/delegate-tunnel/pkg/events"
	"github.com/morezero/delegate-tunnel/pkg/tunnel"
)

const acksLogPrefix = "controller:acks"

// DefaultAckLogSize bounds the number of outcomes an AckLog keeps.
const DefaultAckLogSize = 1024

// AckHandler is told how each sent packet ended.
type AckHandler interface {
	OnAcknowledgement(ctx context.Context, packet channel.Packet, ack []byte)
	OnTimeout(ctx context.Context, packet channel.Packet)
}

// Outcome is the recorded end of one packet.
type Outcome struct {
	ChannelID string          `json:"channelId"`
	Sequence  uint64          `json:"sequence"`
	TimedOut  bool            `json:"timedOut"`
	Success   bool            `json:"success"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Received  time.Time       `json:"received"`
}

type outcomeKey struct {
	channelID string
	sequence  uint64
}

// AckLog is an AckHandler that publishes an event per outcome and keeps the
// most recent outcomes for lookup.
type AckLog struct {
	mu        sync.Mutex
	byKey     map[outcomeKey]Outcome
	order     []outcomeKey
	size      int
	publisher events.EventPublisher
}

// NewAckLog creates an AckLog keeping at most size outcomes.
func NewAckLog(size int, publisher events.EventPublisher) *AckLog {
	if size <= 0 {
		size = DefaultAckLogSize
	}
	if publisher == nil {
		publisher = &events.NoOpPublisher{}
	}
	return &AckLog{byKey: make(map[outcomeKey]Outcome), size: size, publisher: publisher}
}

// OnAcknowledgement records the acknowledgement for packet.
func (l *AckLog) OnAcknowledgement(ctx context.Context, packet channel.Packet, ack []byte) {
	out := Outcome{ChannelID: packet.Src.ChannelID, Sequence: packet.Sequence, Received: time.Now().UTC()}
	decoded, err := tunnel.DecodeAck(ack)
	switch {
	case err != nil:
		out.Error = err.Error()
	case decoded.IsSuccess():
		out.Success = true
		out.Result = json.RawMessage(decoded.Result)
	default:
		out.Error = decoded.ErrorMessage()
	}
	l.record(out)

	slog.Debug(fmt.Sprintf("%s - ack for packet %d on %s: success=%t", acksLogPrefix, out.Sequence, out.ChannelID, out.Success))
	events.PublishAll(ctx, l.publisher, []tunnel.Event{tunnel.NewEvent(events.TypePacketAcknowledged,
		"action", "ibc_packet_ack",
		"channel_id", out.ChannelID,
		"sequence", strconv.FormatUint(out.Sequence, 10),
		"success", strconv.FormatBool(out.Success),
	)})
}

// OnTimeout records that packet was never acknowledged. Nothing is retried.
func (l *AckLog) OnTimeout(ctx context.Context, packet channel.Packet) {
	out := Outcome{ChannelID: packet.Src.ChannelID, Sequence: packet.Sequence, TimedOut: true, Received: time.Now().UTC()}
	l.record(out)

	slog.Info(fmt.Sprintf("%s - packet %d on %s timed out", acksLogPrefix, out.Sequence, out.ChannelID))
	events.PublishAll(ctx, l.publisher, []tunnel.Event{tunnel.NewEvent(events.TypePacketTimedOut,
		"action", "ibc_packet_timeout",
		"channel_id", out.ChannelID,
		"sequence", strconv.FormatUint(out.Sequence, 10),
	)})
}

// Outcome returns the recorded outcome of a packet sent on channelID.
func (l *AckLog) Outcome(channelID string, sequence uint64) (Outcome, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out, ok := l.byKey[outcomeKey{channelID, sequence}]
	return out, ok
}

// Len returns the number of outcomes kept.
func (l *AckLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byKey)
}

func (l *AckLog) record(out Outcome) {
	key := outcomeKey{out.ChannelID, out.Sequence}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.byKey[key]; !ok {
		l.order = append(l.order, key)
	}
	l.byKey[key] = out
	for len(l.order) > l.size {
		delete(l.byKey, l.order[0])
		l.order = l.order[1:]
	}
}
