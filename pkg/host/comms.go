package host

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/delegate-tunnel/pkg/channel"
	"github.com/morezero/delegate-tunnel/pkg/commsutil"
)

const commsLogPrefix = "host:comms"

// Subscriptions are the COMMS subscriptions serving a Host.
type Subscriptions struct {
	subs []*comms.Subscription
}

// Unsubscribe removes every subscription.
func (s *Subscriptions) Unsubscribe() {
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Warn(fmt.Sprintf("%s - unsubscribe %s: %v", commsLogPrefix, sub.Subject, err))
		}
	}
}

// ServeOpts configures Serve. Zero values use defaults.
type ServeOpts struct {
	// HandshakeSubject overrides commsutil.SubjectChannel.
	HandshakeSubject string
	// RequestTimeout bounds the handling of one request.
	RequestTimeout time.Duration
}

// Serve answers handshakes and packets arriving on COMMS. A packet's reply
// is its acknowledgement.
func Serve(ctx context.Context, nc *comms.Conn, h *Host, opts ServeOpts) (*Subscriptions, error) {
	subject := opts.HandshakeSubject
	if subject == "" {
		subject = commsutil.SubjectChannel
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 25 * time.Second
	}

	hsSub, err := nc.Subscribe(subject, func(msg *comms.Msg) {
		var req channel.HandshakeRequest
		if err := commsutil.DecodePayload(msg.Data, &req); err != nil {
			slog.Error(fmt.Sprintf("%s - failed to decode handshake: %v", commsLogPrefix, err))
			respond(msg, channel.HandshakeResponse{Error: "failed to decode handshake"})
			return
		}
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		respond(msg, h.HandleHandshake(reqCtx, req))
	})
	if err != nil {
		return nil, fmt.Errorf("%s - failed to subscribe to %s: %w", commsLogPrefix, subject, err)
	}

	packetSub, err := nc.Subscribe(commsutil.PacketSubjectWildcard(), func(msg *comms.Msg) {
		var packet channel.Packet
		if err := commsutil.DecodePayload(msg.Data, &packet); err != nil {
			slog.Error(fmt.Sprintf("%s - failed to decode packet: %v", commsLogPrefix, err))
			replyAck(msg, failAck(fmt.Errorf("decode packet: %v", err)))
			return
		}
		if ch, ok := commsutil.ChannelFromPacketSubject(msg.Subject); !ok || ch != packet.Dest.ChannelID {
			replyAck(msg, failAck(fmt.Errorf("packet for %s delivered on %s", packet.Dest.ChannelID, msg.Subject)))
			return
		}
		if packet.Dest.PortID == "" {
			packet.Dest.PortID = h.PortID()
		}
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		replyAck(msg, h.HandlePacket(reqCtx, packet))
	})
	if err != nil {
		_ = hsSub.Unsubscribe()
		return nil, fmt.Errorf("%s - failed to subscribe to packets: %w", commsLogPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Serving handshakes on %s and packets on %s",
		commsLogPrefix, subject, commsutil.PacketSubjectWildcard()))
	return &Subscriptions{subs: []*comms.Subscription{hsSub, packetSub}}, nil
}

func respond(msg *comms.Msg, v interface{}) {
	if err := commsutil.RespondJSON(msg, v); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to respond: %v", commsLogPrefix, err))
	}
}

func replyAck(msg *comms.Msg, ack []byte) {
	if err := msg.Respond(ack); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to send ack: %v", commsLogPrefix, err))
	}
}
