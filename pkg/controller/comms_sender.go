package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/delegate-tunnel/pkg/channel"
	"github.com/morezero/delegate-tunnel/pkg/commsutil"
	"github.com/morezero/delegate-tunnel/pkg/tunnel"
)

const senderLogPrefix = "controller:comms_sender"

// ErrChannelNotOpen is returned when sending on a channel that is not open.
var ErrChannelNotOpen = errors.New("channel not open")

// CommsSender sends packets as COMMS requests. The reply to a request is the
// packet's acknowledgement; no reply before the packet's timeout is a timeout.
type CommsSender struct {
	nc               *comms.Conn
	keeper           *channel.Keeper
	portID           string
	handshakeSubject string
	handler          AckHandler

	mu   sync.Mutex
	seqs map[string]uint64
}

// CommsSenderOpts configures CommsSender. Zero values use defaults.
type CommsSenderOpts struct {
	// PortID is the local port channels are opened on.
	PortID string
	// HandshakeSubject overrides commsutil.SubjectChannel.
	HandshakeSubject string
	// Keeper defaults to a new, empty channel table.
	Keeper  *channel.Keeper
	Handler AckHandler
}

// NewCommsSender creates a new CommsSender.
func NewCommsSender(nc *comms.Conn, opts CommsSenderOpts) *CommsSender {
	keeper := opts.Keeper
	if keeper == nil {
		keeper = channel.NewKeeper()
	}
	subject := opts.HandshakeSubject
	if subject == "" {
		subject = commsutil.SubjectChannel
	}
	portID := opts.PortID
	if portID == "" {
		portID = "controller"
	}
	return &CommsSender{
		nc:               nc,
		keeper:           keeper,
		portID:           portID,
		handshakeSubject: subject,
		handler:          opts.Handler,
		seqs:             make(map[string]uint64),
	}
}

// Channels returns the local channel table.
func (s *CommsSender) Channels() *channel.Keeper {
	return s.keeper
}

// OpenChannel runs the open handshake with the executor over connectionID and
// returns the local end of the new channel.
func (s *CommsSender) OpenChannel(ctx context.Context, connectionID string) (*channel.Channel, error) {
	local := s.keeper.Open(channel.OpenParams{
		PortID:       s.portID,
		Order:        tunnel.AppOrder,
		Version:      tunnel.AppVersion,
		ConnectionID: connectionID,
	})

	req := channel.HandshakeRequest{
		Action:       channel.ActionOpen,
		ConnectionID: connectionID,
		Counterparty: local.Endpoint,
		Order:        tunnel.AppOrder,
		Version:      tunnel.AppVersion,
	}
	var resp channel.HandshakeResponse
	if err := s.request(ctx, s.handshakeSubject, req, &resp); err != nil {
		_, _ = s.keeper.Close(local.Endpoint)
		return nil, err
	}
	if resp.Error != "" || resp.Channel == nil {
		_, _ = s.keeper.Close(local.Endpoint)
		return nil, fmt.Errorf("%s - channel open rejected: %s", senderLogPrefix, resp.Error)
	}
	if err := tunnel.CheckVersion(resp.Version); err != nil {
		_, _ = s.keeper.Close(local.Endpoint)
		return nil, fmt.Errorf("%s - channel open: %w", senderLogPrefix, err)
	}

	if err := s.keeper.SetCounterparty(local.Endpoint, resp.Channel.Endpoint); err != nil {
		return nil, err
	}
	open, err := s.keeper.Confirm(local.Endpoint)
	if err != nil {
		return nil, err
	}
	slog.Info(fmt.Sprintf("%s - channel %s open to %s/%s over %s",
		senderLogPrefix, open.Endpoint.ChannelID, resp.Channel.Endpoint.PortID, resp.Channel.Endpoint.ChannelID, connectionID))
	return open, nil
}

// CloseChannel runs the close handshake for a local channel.
func (s *CommsSender) CloseChannel(ctx context.Context, channelID string) error {
	ch, err := s.keeper.QueryChannel(ctx, s.portID, channelID)
	if err != nil {
		return err
	}
	req := channel.HandshakeRequest{
		Action:       channel.ActionClose,
		Counterparty: ch.Endpoint,
		ChannelID:    ch.CounterpartyEndpoint.ChannelID,
	}
	var resp channel.HandshakeResponse
	if err := s.request(ctx, s.handshakeSubject, req, &resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("%s - channel close rejected: %s", senderLogPrefix, resp.Error)
	}
	_, err = s.keeper.Close(ch.Endpoint)
	return err
}

// SendPacket implements Sender. It blocks until the acknowledgement arrives
// or the timeout passes, and reports either to the AckHandler.
func (s *CommsSender) SendPacket(ctx context.Context, channelID string, data []byte, timeout time.Time) (uint64, error) {
	ch, err := s.keeper.QueryChannel(ctx, s.portID, channelID)
	if err != nil {
		return 0, err
	}
	if ch.State != channel.StateOpen {
		return 0, fmt.Errorf("%w: %s is %s", ErrChannelNotOpen, channelID, ch.State)
	}

	packet := channel.Packet{
		Sequence:         s.nextSequence(channelID),
		Src:              ch.Endpoint,
		Dest:             ch.CounterpartyEndpoint,
		Data:             data,
		TimeoutTimestamp: timeout,
	}
	payload, err := commsutil.EncodePayload(packet)
	if err != nil {
		return 0, fmt.Errorf("%s - encode packet: %w", senderLogPrefix, err)
	}

	reqCtx, cancel := context.WithDeadline(ctx, timeout)
	defer cancel()
	reply, err := s.nc.RequestWithContext(reqCtx, commsutil.BuildPacketSubject(packet.Dest.ChannelID), payload)
	switch {
	case err == nil:
		if s.handler != nil {
			s.handler.OnAcknowledgement(ctx, packet, reply.Data)
		}
	case errors.Is(err, context.DeadlineExceeded) && !time.Now().Before(timeout):
		if s.handler != nil {
			s.handler.OnTimeout(ctx, packet)
		}
	default:
		return packet.Sequence, fmt.Errorf("%s - packet %d on %s: %w", senderLogPrefix, packet.Sequence, channelID, err)
	}
	return packet.Sequence, nil
}

func (s *CommsSender) nextSequence(channelID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs[channelID]++
	return s.seqs[channelID]
}

func (s *CommsSender) request(ctx context.Context, subject string, req, resp interface{}) error {
	data, err := commsutil.EncodePayload(req)
	if err != nil {
		return fmt.Errorf("%s - encode request: %w", senderLogPrefix, err)
	}
	msg, err := s.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("%s - request %s: %w", senderLogPrefix, subject, err)
	}
	if err := commsutil.DecodePayload(msg.Data, resp); err != nil {
		return fmt.Errorf("%s - decode reply from %s: %w", senderLogPrefix, subject, err)
	}
	return nil
}
