// Package controller is the requesting end of the tunnel. It turns caller
// commands into packets, hands them to a Sender and records what came back.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/morezero/delegate-tunnel/pkg/events"
	"github.com/morezero/delegate-tunnel/pkg/tunnel"
)

const logPrefix = "controller:controller"

// ErrUnauthorized is returned for commands without a caller identity.
var ErrUnauthorized = errors.New("unauthorized")

// ErrInvalidArgument is returned for commands missing a required field.
var ErrInvalidArgument = errors.New("invalid argument")

// Sender delivers packet data over a channel and returns the sequence the
// packet was sent with.
type Sender interface {
	SendPacket(ctx context.Context, channelID string, data []byte, timeout time.Time) (uint64, error)
}

// Controller builds tunnel packets on behalf of callers.
type Controller struct {
	sender    Sender
	publisher events.EventPublisher
	lifetime  time.Duration
	now       func() time.Time
}

// NewControllerParams holds parameters for NewController.
type NewControllerParams struct {
	Sender    Sender
	Publisher events.EventPublisher
	// PacketLifetime defaults to tunnel.PacketLifetime.
	PacketLifetime time.Duration
	Now            func() time.Time
}

// NewController creates a new Controller.
func NewController(params NewControllerParams) *Controller {
	pub := params.Publisher
	if pub == nil {
		pub = &events.NoOpPublisher{}
	}
	lifetime := params.PacketLifetime
	if lifetime <= 0 {
		lifetime = tunnel.PacketLifetime
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Controller{sender: params.Sender, publisher: pub, lifetime: lifetime, now: now}
}

// Announce publishes the controller's startup event.
func (c *Controller) Announce(ctx context.Context, portID string) {
	events.PublishAll(ctx, c.publisher, []tunnel.Event{
		tunnel.NewEvent(events.TypeTunnelInstantiated, "port_id", portID, "version", tunnel.AppVersion),
	})
}

// Sent describes a packet handed to the Sender.
type Sent struct {
	ChannelID string       `json:"channelId"`
	Sequence  uint64       `json:"sequence"`
	Timeout   time.Time    `json:"timeout"`
	Event     tunnel.Event `json:"event"`
}

// RemoteInstantiateParams holds parameters for RemoteInstantiate.
type RemoteInstantiateParams struct {
	Principal string
	ChannelID string
	InstMsg   json.RawMessage
	CodeID    uint64
	JobID     *string
}

// RemoteInstantiate asks the executor to create the principal's delegate.
func (c *Controller) RemoteInstantiate(ctx context.Context, p RemoteInstantiateParams) (*Sent, error) {
	msg := tunnel.InstantiateMsg{Controller: p.Principal, InstMsg: p.InstMsg, CodeID: p.CodeID, JobID: p.JobID}
	ev := tunnel.NewEvent(events.TypeInstantiationRequested, "channel_id", p.ChannelID, "job_id", tunnel.FormatJobID(p.JobID))
	return c.send(ctx, p.ChannelID, msg, ev)
}

// RemoteMigrateParams holds parameters for RemoteMigrate.
type RemoteMigrateParams struct {
	Principal    string
	ChannelID    string
	MigrationMsg json.RawMessage
	NewCodeID    uint64
	JobID        *string
}

// RemoteMigrate asks the executor to move the principal's delegate to new code.
func (c *Controller) RemoteMigrate(ctx context.Context, p RemoteMigrateParams) (*Sent, error) {
	msg := tunnel.MigrateMsg{Controller: p.Principal, MigrationMsg: p.MigrationMsg, NewCodeID: p.NewCodeID, JobID: p.JobID}
	ev := tunnel.NewEvent(events.TypeMigrationRequested, "channel_id", p.ChannelID, "job_id", tunnel.FormatJobID(p.JobID))
	return c.send(ctx, p.ChannelID, msg, ev)
}

// RemoteDispatchParams holds parameters for RemoteDispatch.
type RemoteDispatchParams struct {
	Principal string
	ChannelID string
	Msg       json.RawMessage
	JobID     *string
}

// RemoteDispatch asks the executor to run Msg on the principal's delegate.
func (c *Controller) RemoteDispatch(ctx context.Context, p RemoteDispatchParams) (*Sent, error) {
	msg := tunnel.DispatchMsg{Controller: p.Principal, Msg: p.Msg, JobID: p.JobID}
	ev := tunnel.NewEvent(events.TypeDispatchRequested, "channel_id", p.ChannelID, "job_id", tunnel.FormatJobID(p.JobID))
	return c.send(ctx, p.ChannelID, msg, ev)
}

// QueryRemoteAddr asks the executor for the principal's delegate address.
func (c *Controller) QueryRemoteAddr(ctx context.Context, principal, channelID string) (*Sent, error) {
	msg := tunnel.WhoAmIMsg{Controller: principal}
	ev := tunnel.NewEvent(events.TypeRemoteAddrRequested, "channel_id", channelID, "controller", principal)
	return c.send(ctx, channelID, msg, ev)
}

func (c *Controller) send(ctx context.Context, channelID string, msg tunnel.PacketMsg, ev tunnel.Event) (*Sent, error) {
	if strings.TrimSpace(msg.Principal()) == "" {
		return nil, ErrUnauthorized
	}
	if strings.TrimSpace(channelID) == "" {
		return nil, fmt.Errorf("%w: channel id is required", ErrInvalidArgument)
	}
	data, err := tunnel.EncodePacket(msg)
	if err != nil {
		return nil, fmt.Errorf("%s - encode %s packet: %w", logPrefix, msg.Kind(), err)
	}

	timeout := c.now().Add(c.lifetime)
	seq, err := c.sender.SendPacket(ctx, channelID, data, timeout)
	if err != nil {
		return nil, fmt.Errorf("%s - send %s packet on %s: %w", logPrefix, msg.Kind(), channelID, err)
	}

	events.PublishAll(ctx, c.publisher, []tunnel.Event{ev})
	slog.Debug(fmt.Sprintf("%s - sent %s packet %d on %s for %s", logPrefix, msg.Kind(), seq, channelID, msg.Principal()))
	return &Sent{ChannelID: channelID, Sequence: seq, Timeout: timeout, Event: ev}, nil
}
