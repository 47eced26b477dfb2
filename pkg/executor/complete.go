package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/morezero/delegate-tunnel/pkg/events"
	"github.com/morezero/delegate-tunnel/pkg/registry"
	"github.com/morezero/delegate-tunnel/pkg/tunnel"
)

const completeLogPrefix = "executor:complete"

// CompletionResponse is the deferred acknowledgement for a packet. When
// Failed is set the acknowledgement is a failure and the host must roll back
// whatever the sub-operation created.
type CompletionResponse struct {
	Ack    []byte
	Events []tunnel.Event
	Failed bool
}

// Complete consumes the pending request for reply.Token and builds the
// packet's acknowledgement from the sub-operation outcome.
//
// Failures after the sub-operation ran degrade to a failure acknowledgement.
// Only an unknown completion id is returned as an error, alongside a failure
// acknowledgement so the channel is still answered.
func (e *Executor) Complete(ctx context.Context, reply Reply) (CompletionResponse, error) {
	switch reply.ID {
	case InstantiateReplyID:
		return e.completeInstantiate(ctx, reply), nil
	case MigrateReplyID, DispatchReplyID:
		return e.completeDispatchMigrate(reply), nil
	default:
		e.pending.Discard(reply.Token)
		err := fmt.Errorf("%w: %d", ErrInvalidCompletionID, reply.ID)
		slog.Error(fmt.Sprintf("%s - %v", completeLogPrefix, err))
		return CompletionResponse{Ack: failAck(err), Failed: true}, err
	}
}

func failed(err error) CompletionResponse {
	slog.Warn(fmt.Sprintf("%s - completion failed: %v", completeLogPrefix, err))
	return CompletionResponse{Ack: failAck(err), Failed: true}
}

func (e *Executor) completeInstantiate(ctx context.Context, reply Reply) CompletionResponse {
	req, err := e.pending.Take(reply.Token)
	if err != nil {
		return failed(err)
	}

	addr, err := instantiatedAddress(reply.Result)
	if err != nil {
		return failed(err)
	}

	key := registry.Key{ConnectionID: req.ConnectionID, PortID: req.PortID, Principal: req.Principal}
	if err := e.registry.Register(ctx, key, addr); err != nil {
		var regErr *registry.RegistryError
		if errors.As(err, &regErr) && regErr.Code == registry.CodeConflict {
			return failed(fmt.Errorf("%w for %s/%s/%s", ErrAlreadyRegistered, req.ConnectionID, req.PortID, req.Principal))
		}
		return failed(err)
	}

	ack, err := tunnel.AckSuccess(tunnel.InstantiateResponse{DelegateAddress: addr, JobID: req.JobID})
	if err != nil {
		return failed(err)
	}
	ev := tunnel.NewEvent(events.TypeDelegateInstantiated,
		"contract_addr", addr,
		"controller", fmt.Sprintf("%s-%s-%s", req.ConnectionID, req.PortID, req.Principal),
	)
	return CompletionResponse{Ack: ack, Events: []tunnel.Event{ev}}
}

func instantiatedAddress(res tunnel.SubOpResult) (string, error) {
	if !res.IsOk() {
		msg := "unknown error"
		if res.Err != nil {
			msg = *res.Err
		}
		return "", fmt.Errorf("%w: %s", ErrInvalidInstantiateResult, msg)
	}
	var out InstantiateResult
	if err := json.Unmarshal(res.Ok.Data, &out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInstantiateResult, err)
	}
	if out.Address == "" {
		return "", fmt.Errorf("%w: missing address", ErrInvalidInstantiateResult)
	}
	return out.Address, nil
}

// completeDispatchMigrate acknowledges success whatever the delegate did;
// the delegate's own outcome travels inside the payload.
func (e *Executor) completeDispatchMigrate(reply Reply) CompletionResponse {
	req, err := e.pending.Take(reply.Token)
	if err != nil {
		return failed(err)
	}
	ack, err := tunnel.AckSuccess(tunnel.DispatchMigrateResponse{Result: reply.Result, JobID: req.JobID})
	if err != nil {
		return failed(err)
	}
	return CompletionResponse{Ack: ack}
}
