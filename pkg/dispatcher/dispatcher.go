package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/morezero/delegate-tunnel/pkg/channel"
	"github.com/morezero/delegate-tunnel/pkg/controller"
	"github.com/morezero/delegate-tunnel/pkg/registry"
)

const logPrefix = "dispatcher:dispatch"

// ChannelManager opens and closes controller channels.
type ChannelManager interface {
	OpenChannel(ctx context.Context, connectionID string) (*channel.Channel, error)
	CloseChannel(ctx context.Context, channelID string) error
}

// OutcomeLookup finds how a sent packet ended.
type OutcomeLookup interface {
	Outcome(channelID string, sequence uint64) (controller.Outcome, bool)
}

// Dispatcher routes COMMS requests. Components left nil answer their
// methods with UNAVAILABLE.
type Dispatcher struct {
	registry   *registry.Registry
	controller *controller.Controller
	channels   ChannelManager
	outcomes   OutcomeLookup
}

// NewDispatcherParams holds parameters for NewDispatcher.
type NewDispatcherParams struct {
	Registry   *registry.Registry
	Controller *controller.Controller
	Channels   ChannelManager
	Outcomes   OutcomeLookup
}

// NewDispatcher creates a new Dispatcher.
func NewDispatcher(params NewDispatcherParams) *Dispatcher {
	return &Dispatcher{
		registry:   params.Registry,
		controller: params.Controller,
		channels:   params.Channels,
		outcomes:   params.Outcomes,
	}
}

// CommandResult is the result of a command that sent a packet. Outcome is
// set when the packet ended before the command returned.
type CommandResult struct {
	Sent    *controller.Sent    `json:"sent"`
	Outcome *controller.Outcome `json:"outcome,omitempty"`
}

// Dispatch routes a request to the appropriate method and returns a response.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) *Response {
	slog.Debug(fmt.Sprintf("%s - method=%s id=%s", logPrefix, req.Method, req.ID))

	// Commands act for ctx.userId; without one the controller refuses them.
	var principal string
	if req.Ctx != nil {
		principal = req.Ctx.UserID
	}

	switch req.Method {
	case "getDelegate":
		return d.handleGetDelegate(ctx, req)
	case "listDelegates":
		return d.handleListDelegates(ctx, req)
	case "health":
		return d.handleHealth(ctx, req)
	case "remoteInstantiate":
		return d.handleRemoteInstantiate(ctx, req, principal)
	case "remoteMigrate":
		return d.handleRemoteMigrate(ctx, req, principal)
	case "remoteDispatch":
		return d.handleRemoteDispatch(ctx, req, principal)
	case "queryRemoteAddr":
		return d.handleQueryRemoteAddr(ctx, req, principal)
	case "openChannel":
		return d.handleOpenChannel(ctx, req)
	case "closeChannel":
		return d.handleCloseChannel(ctx, req)
	case "getPacketOutcome":
		return d.handleGetPacketOutcome(req)
	default:
		return errorResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("Unknown method: %s", req.Method), false)
	}
}

func (d *Dispatcher) handleGetDelegate(ctx context.Context, req *Request) *Response {
	if d.registry == nil {
		return unavailable(req.ID, "registry")
	}
	var input registry.GetDelegateInput
	if err := json.Unmarshal(req.Params, &input); err != nil {
		return errorResponse(req.ID, registry.CodeInvalidArgument, "Failed to parse getDelegate params", false)
	}

	result, err := d.registry.GetDelegate(ctx, input)
	if err != nil {
		return errorToResponse(req.ID, err)
	}
	return &Response{ID: req.ID, Ok: true, Result: result}
}

func (d *Dispatcher) handleListDelegates(ctx context.Context, req *Request) *Response {
	if d.registry == nil {
		return unavailable(req.ID, "registry")
	}
	var input registry.ListDelegatesInput
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &input); err != nil {
			return errorResponse(req.ID, registry.CodeInvalidArgument, "Failed to parse listDelegates params", false)
		}
	}

	result, err := d.registry.ListDelegates(ctx, input)
	if err != nil {
		return errorToResponse(req.ID, err)
	}
	return &Response{ID: req.ID, Ok: true, Result: result}
}

func (d *Dispatcher) handleHealth(ctx context.Context, req *Request) *Response {
	if d.registry == nil {
		return unavailable(req.ID, "registry")
	}
	return &Response{ID: req.ID, Ok: true, Result: d.registry.Health(ctx)}
}

func (d *Dispatcher) handleRemoteInstantiate(ctx context.Context, req *Request, principal string) *Response {
	if d.controller == nil {
		return unavailable(req.ID, "controller")
	}
	var input RemoteInstantiateParams
	if err := json.Unmarshal(req.Params, &input); err != nil {
		return errorResponse(req.ID, registry.CodeInvalidArgument, "Failed to parse remoteInstantiate params", false)
	}

	sent, err := d.controller.RemoteInstantiate(ctx, controller.RemoteInstantiateParams{
		Principal: principal,
		ChannelID: input.ChannelID,
		InstMsg:   rawOrEmpty(input.InstMsg),
		CodeID:    input.CodeID,
		JobID:     input.JobID,
	})
	return d.commandResponse(req.ID, sent, err)
}

func (d *Dispatcher) handleRemoteMigrate(ctx context.Context, req *Request, principal string) *Response {
	if d.controller == nil {
		return unavailable(req.ID, "controller")
	}
	var input RemoteMigrateParams
	if err := json.Unmarshal(req.Params, &input); err != nil {
		return errorResponse(req.ID, registry.CodeInvalidArgument, "Failed to parse remoteMigrate params", false)
	}

	sent, err := d.controller.RemoteMigrate(ctx, controller.RemoteMigrateParams{
		Principal:    principal,
		ChannelID:    input.ChannelID,
		MigrationMsg: rawOrEmpty(input.MigrateMsg),
		NewCodeID:    input.NewCodeID,
		JobID:        input.JobID,
	})
	return d.commandResponse(req.ID, sent, err)
}

func (d *Dispatcher) handleRemoteDispatch(ctx context.Context, req *Request, principal string) *Response {
	if d.controller == nil {
		return unavailable(req.ID, "controller")
	}
	var input RemoteDispatchParams
	if err := json.Unmarshal(req.Params, &input); err != nil {
		return errorResponse(req.ID, registry.CodeInvalidArgument, "Failed to parse remoteDispatch params", false)
	}

	sent, err := d.controller.RemoteDispatch(ctx, controller.RemoteDispatchParams{
		Principal: principal,
		ChannelID: input.ChannelID,
		Msg:       rawOrEmpty(input.DispatchMsg),
		JobID:     input.JobID,
	})
	return d.commandResponse(req.ID, sent, err)
}

func (d *Dispatcher) handleQueryRemoteAddr(ctx context.Context, req *Request, principal string) *Response {
	if d.controller == nil {
		return unavailable(req.ID, "controller")
	}
	var input ChannelParams
	if err := json.Unmarshal(req.Params, &input); err != nil {
		return errorResponse(req.ID, registry.CodeInvalidArgument, "Failed to parse queryRemoteAddr params", false)
	}

	sent, err := d.controller.QueryRemoteAddr(ctx, principal, input.ChannelID)
	return d.commandResponse(req.ID, sent, err)
}

func (d *Dispatcher) handleOpenChannel(ctx context.Context, req *Request) *Response {
	if d.channels == nil {
		return unavailable(req.ID, "channels")
	}
	var input OpenChannelParams
	if err := json.Unmarshal(req.Params, &input); err != nil || input.ConnectionID == "" {
		return errorResponse(req.ID, registry.CodeInvalidArgument, "openChannel requires connectionId", false)
	}

	ch, err := d.channels.OpenChannel(ctx, input.ConnectionID)
	if err != nil {
		return errorToResponse(req.ID, err)
	}
	return &Response{ID: req.ID, Ok: true, Result: ch}
}

func (d *Dispatcher) handleCloseChannel(ctx context.Context, req *Request) *Response {
	if d.channels == nil {
		return unavailable(req.ID, "channels")
	}
	var input ChannelParams
	if err := json.Unmarshal(req.Params, &input); err != nil || input.ChannelID == "" {
		return errorResponse(req.ID, registry.CodeInvalidArgument, "closeChannel requires channelId", false)
	}

	if err := d.channels.CloseChannel(ctx, input.ChannelID); err != nil {
		return errorToResponse(req.ID, err)
	}
	return &Response{ID: req.ID, Ok: true, Result: map[string]string{"channelId": input.ChannelID, "state": string(channel.StateClosed)}}
}

func (d *Dispatcher) handleGetPacketOutcome(req *Request) *Response {
	if d.outcomes == nil {
		return unavailable(req.ID, "outcomes")
	}
	var input PacketOutcomeParams
	if err := json.Unmarshal(req.Params, &input); err != nil {
		return errorResponse(req.ID, registry.CodeInvalidArgument, "Failed to parse getPacketOutcome params", false)
	}

	out, ok := d.outcomes.Outcome(input.ChannelID, input.Sequence)
	if !ok {
		return errorResponse(req.ID, registry.CodeNotFound,
			fmt.Sprintf("no outcome for packet %d on %s", input.Sequence, input.ChannelID), false)
	}
	return &Response{ID: req.ID, Ok: true, Result: out}
}

func (d *Dispatcher) commandResponse(id string, sent *controller.Sent, err error) *Response {
	if err != nil {
		return errorToResponse(id, err)
	}
	result := &CommandResult{Sent: sent}
	if d.outcomes != nil {
		if out, ok := d.outcomes.Outcome(sent.ChannelID, sent.Sequence); ok {
			result.Outcome = &out
		}
	}
	return &Response{ID: id, Ok: true, Result: result}
}

// --- helpers ---

func rawOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return json.RawMessage(`{}`)
	}
	return raw
}

func unavailable(id, component string) *Response {
	return errorResponse(id, CodeUnavailable, fmt.Sprintf("%s is not enabled on this instance", component), false)
}

func errorResponse(id, code, message string, retryable bool) *Response {
	return &Response{
		ID: id,
		Ok: false,
		Error: &ErrorDetail{
			Code:      code,
			Message:   message,
			Retryable: retryable,
		},
	}
}

func errorToResponse(id string, err error) *Response {
	var regErr *registry.RegistryError
	if errors.As(err, &regErr) {
		return &Response{
			ID: id,
			Ok: false,
			Error: &ErrorDetail{
				Code:      regErr.Code,
				Message:   regErr.Message,
				Details:   regErr.Details,
				Retryable: regErr.Code == registry.CodeInternal,
			},
		}
	}
	switch {
	case errors.Is(err, controller.ErrUnauthorized):
		return errorResponse(id, CodeUnauthorized, err.Error(), false)
	case errors.Is(err, controller.ErrInvalidArgument), errors.Is(err, controller.ErrChannelNotOpen):
		return errorResponse(id, registry.CodeInvalidArgument, err.Error(), false)
	case errors.Is(err, channel.ErrChannelNotFound):
		return errorResponse(id, registry.CodeNotFound, err.Error(), false)
	}
	return errorResponse(id, registry.CodeInternal, err.Error(), true)
}
