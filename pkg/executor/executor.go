// Package executor implements the executor end of the tunnel: it validates
// channel handshakes, turns inbound packets into sub-operations run by
// per-principal delegates, and turns their outcomes into acknowledgements.
//
// Handling a packet is two steps. Receive decodes the packet and either
// acknowledges immediately or returns a SubOp and stores a pending request.
// Complete is called with the SubOp's outcome, consumes the pending request
// and produces the deferred acknowledgement.
package executor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/morezero/delegate-tunnel/pkg/channel"
	"github.com/morezero/delegate-tunnel/pkg/pending"
	"github.com/morezero/delegate-tunnel/pkg/registry"
	"github.com/morezero/delegate-tunnel/pkg/tunnel"
)

const logPrefix = "executor:executor"

// AckErrorPrefix starts the message of every failure acknowledgement.
const AckErrorPrefix = "IBC Packet Error: "

// Registry is the delegate mapping the executor reads and writes.
type Registry interface {
	Lookup(ctx context.Context, key registry.Key) (string, bool, error)
	Register(ctx context.Context, key registry.Key, delegate string) error
}

// Executor handles packets arriving over tunnel channels.
type Executor struct {
	address  string
	channels channel.Querier
	registry Registry
	pending  *pending.Tracker
}

// NewExecutorParams holds parameters for NewExecutor.
type NewExecutorParams struct {
	// Address is the executor's own identity; it becomes the admin of every
	// delegate it creates.
	Address  string
	Channels channel.Querier
	Registry Registry
	// Pending defaults to a new tracker.
	Pending *pending.Tracker
}

// NewExecutor creates a new Executor.
func NewExecutor(params NewExecutorParams) *Executor {
	p := params.Pending
	if p == nil {
		p = pending.NewTracker()
	}
	return &Executor{
		address:  params.Address,
		channels: params.Channels,
		registry: params.Registry,
		pending:  p,
	}
}

// ReceiveResponse is the result of Receive. Ack is nil when the
// acknowledgement is deferred until SubOps complete.
type ReceiveResponse struct {
	Ack        []byte
	SubOps     []SubOp
	Attributes []tunnel.Attribute
}

// Deferred reports whether the acknowledgement waits on a completion.
func (r ReceiveResponse) Deferred() bool {
	return r.Ack == nil
}

// BasicResponse carries the observability output of a handshake step.
type BasicResponse struct {
	Attributes []tunnel.Attribute
	Events     []tunnel.Event
}

// Pending returns the number of requests waiting on a completion.
func (e *Executor) Pending() int {
	return e.pending.Len()
}

// Discard drops the pending request stored under token. The host calls it
// when a unit of work is aborted before Complete runs.
func (e *Executor) Discard(token uint64) {
	e.pending.Discard(token)
}

// Receive handles an inbound packet. Any failure is returned as a failure
// acknowledgement; Receive never leaves partial state behind.
func (e *Executor) Receive(ctx context.Context, packet channel.Packet) ReceiveResponse {
	resp, err := e.receive(ctx, packet)
	if err != nil {
		slog.Info(fmt.Sprintf("%s - packet %d on %s/%s rejected: %v",
			logPrefix, packet.Sequence, packet.Dest.PortID, packet.Dest.ChannelID, err))
		return ReceiveResponse{Ack: failAck(err)}
	}
	return resp
}

func (e *Executor) receive(ctx context.Context, packet channel.Packet) (ReceiveResponse, error) {
	msg, err := tunnel.DecodePacket(packet.Data)
	if err != nil {
		return ReceiveResponse{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	ch, err := e.resolveChannel(ctx, packet)
	if err != nil {
		return ReceiveResponse{}, err
	}

	r := &receiver{e: e, ctx: ctx, connectionID: ch.ConnectionID, portID: ch.CounterpartyEndpoint.PortID}
	return tunnel.Visit[ReceiveResponse](msg, r)
}

// resolveChannel returns the open channel a packet arrived on. The caller's
// identity comes from the channel record, so the packet's source must match
// the recorded counterparty.
func (e *Executor) resolveChannel(ctx context.Context, packet channel.Packet) (*channel.Channel, error) {
	if e.channels == nil {
		return nil, ErrIdentityResolution
	}
	ep := packet.Dest
	ch, err := e.channels.QueryChannel(ctx, ep.PortID, ep.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIdentityResolution, err)
	}
	if ch == nil || ch.ConnectionID == "" {
		return nil, ErrIdentityResolution
	}
	if ch.State != channel.StateOpen {
		return nil, fmt.Errorf("%w: channel %s is %s", ErrIdentityResolution, ep.ChannelID, ch.State)
	}
	if packet.Src != ch.CounterpartyEndpoint {
		return nil, fmt.Errorf("%w: source %s/%s is not the counterparty of %s",
			ErrIdentityResolution, packet.Src.PortID, packet.Src.ChannelID, ep.ChannelID)
	}
	return ch, nil
}

// receiver routes one decoded packet. It implements tunnel.Visitor.
type receiver struct {
	e            *Executor
	ctx          context.Context
	connectionID string
	portID       string
}

func (r *receiver) key(principal string) registry.Key {
	return registry.Key{ConnectionID: r.connectionID, PortID: r.portID, Principal: principal}
}

func (r *receiver) lookup(principal string) (string, error) {
	addr, ok, err := r.e.registry.Lookup(r.ctx, r.key(principal))
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w for %s/%s/%s", ErrDelegateNotFound, r.connectionID, r.portID, principal)
	}
	return addr, nil
}

// deferAck stores the pending request last, once nothing else can fail.
func (r *receiver) deferAck(principal string, jobID *string, id uint64, replyOn ReplyOn, op Operation, action string) ReceiveResponse {
	token := r.e.pending.Put(pending.Request{
		ConnectionID: r.connectionID,
		PortID:       r.portID,
		Principal:    principal,
		JobID:        jobID,
	})
	return ReceiveResponse{
		SubOps:     []SubOp{{ID: id, Token: token, ReplyOn: replyOn, Op: op}},
		Attributes: []tunnel.Attribute{{Key: "action", Value: action}},
	}
}

func (r *receiver) VisitInstantiate(msg tunnel.InstantiateMsg) (ReceiveResponse, error) {
	op := InstantiateOp{
		Admin:  r.e.address,
		CodeID: msg.CodeID,
		Msg:    msg.InstMsg,
		Label:  fmt.Sprintf("delegate-tunnel-%s-%s-%s", r.connectionID, r.portID, msg.Controller),
	}
	return r.deferAck(msg.Controller, msg.JobID, InstantiateReplyID, ReplyOnSuccess, op, "receive_instantiate"), nil
}

func (r *receiver) VisitMigrate(msg tunnel.MigrateMsg) (ReceiveResponse, error) {
	addr, err := r.lookup(msg.Controller)
	if err != nil {
		return ReceiveResponse{}, err
	}
	op := MigrateOp{Delegate: addr, NewCodeID: msg.NewCodeID, Msg: msg.MigrationMsg}
	return r.deferAck(msg.Controller, msg.JobID, MigrateReplyID, ReplyAlways, op, "receive_migrate"), nil
}

func (r *receiver) VisitDispatch(msg tunnel.DispatchMsg) (ReceiveResponse, error) {
	addr, err := r.lookup(msg.Controller)
	if err != nil {
		return ReceiveResponse{}, err
	}
	op := ExecuteOp{Delegate: addr, Msg: msg.Msg}
	return r.deferAck(msg.Controller, msg.JobID, DispatchReplyID, ReplyAlways, op, "receive_dispatch"), nil
}

func (r *receiver) VisitWhoAmI(msg tunnel.WhoAmIMsg) (ReceiveResponse, error) {
	addr, err := r.lookup(msg.Controller)
	if err != nil {
		return ReceiveResponse{}, err
	}
	ack, err := tunnel.AckSuccess(tunnel.WhoAmIResponse{DelegateAddress: addr})
	if err != nil {
		return ReceiveResponse{}, err
	}
	return ReceiveResponse{
		Ack:        ack,
		Attributes: []tunnel.Attribute{{Key: "action", Value: "receive_who_am_i"}},
	}, nil
}

func failAck(err error) []byte {
	return tunnel.AckFail(AckErrorPrefix + err.Error())
}
