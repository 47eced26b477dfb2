// Package host drives the executor: it runs each inbound packet as one unit
// of work, from receive through sub-operation execution to the deferred
// acknowledgement, and rolls the unit back when it fails.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/morezero/delegate-tunnel/pkg/channel"
	"github.com/morezero/delegate-tunnel/pkg/delegate"
	"github.com/morezero/delegate-tunnel/pkg/events"
	"github.com/morezero/delegate-tunnel/pkg/executor"
	"github.com/morezero/delegate-tunnel/pkg/metrics"
	"github.com/morezero/delegate-tunnel/pkg/ratelimit"
	"github.com/morezero/delegate-tunnel/pkg/tunnel"
)

const logPrefix = "host:host"

var (
	// ErrPacketTimeout is acknowledged for packets that arrive after their timeout.
	ErrPacketTimeout = errors.New("packet timed out")
	// ErrRateLimited is acknowledged for packets over the channel's rate limit.
	ErrRateLimited = errors.New("packet rate limit exceeded")
)

// Host serializes units of work against one executor.
type Host struct {
	mu        sync.Mutex
	executor  *executor.Executor
	runtime   *delegate.Runtime
	keeper    *channel.Keeper
	portID    string
	limiter   *ratelimit.MapLimiter
	metrics   *metrics.Metrics
	publisher events.EventPublisher
	now       func() time.Time
}

// NewHostParams holds parameters for NewHost.
type NewHostParams struct {
	Executor *executor.Executor
	Runtime  *delegate.Runtime
	Keeper   *channel.Keeper
	// PortID is the local port channels are opened on.
	PortID string
	// Limiter, Metrics and Publisher are optional.
	Limiter   *ratelimit.MapLimiter
	Metrics   *metrics.Metrics
	Publisher events.EventPublisher
	Now       func() time.Time
}

// NewHost creates a new Host.
func NewHost(params NewHostParams) *Host {
	pub := params.Publisher
	if pub == nil {
		pub = &events.NoOpPublisher{}
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Host{
		executor:  params.Executor,
		runtime:   params.Runtime,
		keeper:    params.Keeper,
		portID:    params.PortID,
		limiter:   params.Limiter,
		metrics:   params.Metrics,
		publisher: pub,
		now:       now,
	}
}

// PortID returns the local port.
func (h *Host) PortID() string {
	return h.portID
}

// HandlePacket runs one packet to completion and returns its acknowledgement.
// Every packet gets exactly one acknowledgement.
func (h *Host) HandlePacket(ctx context.Context, packet channel.Packet) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()

	kind := packetKind(packet.Data)
	h.metrics.PacketReceived(kind)

	ack := h.handle(ctx, packet)
	h.metrics.Ack(kind, succeeded(ack))
	h.metrics.SetPending(h.executor.Pending())
	return ack
}

func (h *Host) handle(ctx context.Context, packet channel.Packet) []byte {
	if packet.Expired(h.now()) {
		resp := h.executor.OnTimeout(packet)
		slog.Info(fmt.Sprintf("%s - packet %d on %s expired %v",
			logPrefix, packet.Sequence, packet.Dest.ChannelID, resp.Attributes))
		h.publish(ctx, tunnel.NewEvent(events.TypePacketTimedOut,
			"channel_id", packet.Dest.ChannelID,
			"sequence", fmt.Sprintf("%d", packet.Sequence),
		))
		return failAck(ErrPacketTimeout)
	}

	if !h.limiter.Allow(packet.Dest.ChannelID, h.now()) {
		h.metrics.RateLimited(packet.Dest.ChannelID)
		slog.Warn(fmt.Sprintf("%s - packet %d on %s rate limited", logPrefix, packet.Sequence, packet.Dest.ChannelID))
		return failAck(ErrRateLimited)
	}

	resp := h.executor.Receive(ctx, packet)
	if !resp.Deferred() {
		return resp.Ack
	}
	if len(resp.SubOps) == 0 {
		return failAck(errors.New("no acknowledgement produced"))
	}

	var undos []func()
	rollback := func() {
		for i := len(undos) - 1; i >= 0; i-- {
			undos[i]()
		}
	}

	var ack []byte
	for i, op := range resp.SubOps {
		res, undo := h.runtime.Run(ctx, op.Op)
		if undo != nil {
			undos = append(undos, undo)
		}

		if op.ReplyOn == executor.ReplyOnSuccess && !res.IsOk() {
			for _, rest := range resp.SubOps[i:] {
				h.executor.Discard(rest.Token)
			}
			rollback()
			slog.Info(fmt.Sprintf("%s - sub-operation %d for packet %d failed: %s",
				logPrefix, op.ID, packet.Sequence, subOpError(res)))
			return failAck(fmt.Errorf("sub-operation failed: %s", subOpError(res)))
		}

		out, err := h.executor.Complete(ctx, executor.Reply{ID: op.ID, Token: op.Token, Result: res})
		if err != nil {
			slog.Error(fmt.Sprintf("%s - completion for packet %d aborted: %v", logPrefix, packet.Sequence, err))
		}
		if out.Failed {
			for _, rest := range resp.SubOps[i+1:] {
				h.executor.Discard(rest.Token)
			}
			rollback()
			return out.Ack
		}
		if op.ID == executor.InstantiateReplyID {
			h.metrics.DelegateRegistered()
		}
		h.publish(ctx, out.Events...)
		ack = out.Ack
	}
	return ack
}

// HandleHandshake opens or closes a channel on the local port.
func (h *Host) HandleHandshake(ctx context.Context, req channel.HandshakeRequest) channel.HandshakeResponse {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch req.Action {
	case channel.ActionOpen:
		return h.open(ctx, req)
	case channel.ActionClose:
		return h.close(ctx, req)
	}
	h.metrics.Handshake("rejected")
	return channel.HandshakeResponse{Error: fmt.Sprintf("unknown handshake action %q", req.Action)}
}

func (h *Host) open(ctx context.Context, req channel.HandshakeRequest) channel.HandshakeResponse {
	proposed := channel.Channel{
		Endpoint:             channel.Endpoint{PortID: h.portID},
		CounterpartyEndpoint: req.Counterparty,
		Order:                req.Order,
		Version:              req.Version,
		ConnectionID:         req.ConnectionID,
		State:                channel.StateInit,
	}
	version, err := h.executor.OnChannelOpen(proposed, req.Version)
	if err != nil {
		h.metrics.Handshake("rejected")
		slog.Info(fmt.Sprintf("%s - channel open from %s/%s rejected: %v",
			logPrefix, req.Counterparty.PortID, req.Counterparty.ChannelID, err))
		return channel.HandshakeResponse{Error: err.Error()}
	}

	opened := h.keeper.Open(channel.OpenParams{
		PortID:               h.portID,
		CounterpartyEndpoint: req.Counterparty,
		Order:                req.Order,
		Version:              version,
		ConnectionID:         req.ConnectionID,
	})
	confirmed, err := h.keeper.Confirm(opened.Endpoint)
	if err != nil {
		h.metrics.Handshake("rejected")
		return channel.HandshakeResponse{Error: err.Error()}
	}

	resp := h.executor.OnChannelConnect(*confirmed)
	h.publish(ctx, resp.Events...)
	h.metrics.Handshake("open")
	slog.Info(fmt.Sprintf("%s - channel %s open to %s/%s over %s",
		logPrefix, confirmed.Endpoint.ChannelID, req.Counterparty.PortID, req.Counterparty.ChannelID, req.ConnectionID))
	return channel.HandshakeResponse{Channel: confirmed, Version: version}
}

func (h *Host) close(ctx context.Context, req channel.HandshakeRequest) channel.HandshakeResponse {
	closed, err := h.keeper.Close(channel.Endpoint{PortID: h.portID, ChannelID: req.ChannelID})
	if err != nil {
		h.metrics.Handshake("rejected")
		return channel.HandshakeResponse{Error: err.Error()}
	}
	resp := h.executor.OnChannelClose(*closed)
	h.publish(ctx, resp.Events...)
	h.metrics.Handshake("close")
	slog.Info(fmt.Sprintf("%s - channel %s closed", logPrefix, closed.Endpoint.ChannelID))
	return channel.HandshakeResponse{Channel: closed, Version: closed.Version}
}

func (h *Host) publish(ctx context.Context, evs ...tunnel.Event) {
	events.PublishAll(ctx, h.publisher, evs)
}

func packetKind(data []byte) string {
	msg, err := tunnel.DecodePacket(data)
	if err != nil {
		return "invalid"
	}
	return msg.Kind()
}

func succeeded(ack []byte) bool {
	decoded, err := tunnel.DecodeAck(ack)
	return err == nil && decoded.IsSuccess()
}

func subOpError(res tunnel.SubOpResult) string {
	if res.Err != nil {
		return *res.Err
	}
	return "unknown error"
}

func failAck(err error) []byte {
	return tunnel.AckFail(executor.AckErrorPrefix + err.Error())
}
