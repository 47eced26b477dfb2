package executor

import (
	"encoding/json"

	"github.com/morezero/delegate-tunnel/pkg/tunnel"
)

// Completion ids. Each request kind that dispatches a sub-operation routes
// its outcome back through exactly one of these.
const (
	InstantiateReplyID uint64 = 7890
	MigrateReplyID     uint64 = 7899
	DispatchReplyID    uint64 = 1234
)

// ReplyOn selects which outcomes of a sub-operation are routed back to Complete.
type ReplyOn int

const (
	// ReplyOnSuccess routes only successes back; a failure aborts the whole
	// unit of work.
	ReplyOnSuccess ReplyOn = iota
	// ReplyAlways routes both successes and failures back.
	ReplyAlways
)

func (r ReplyOn) String() string {
	if r == ReplyAlways {
		return "always"
	}
	return "success"
}

// SubOp is a sub-operation the host must run on the executor's behalf.
type SubOp struct {
	// ID is the completion id the outcome must be reported with.
	ID uint64
	// Token is the pending-request token the outcome must be reported with.
	Token   uint64
	ReplyOn ReplyOn
	Op      Operation
}

// Operation is one of InstantiateOp, MigrateOp or ExecuteOp.
type Operation interface {
	isOperation()
}

// InstantiateOp creates a new delegate running CodeID.
type InstantiateOp struct {
	// Admin may later migrate the delegate.
	Admin  string
	CodeID uint64
	Msg    json.RawMessage
	Label  string
}

// MigrateOp moves Delegate to NewCodeID.
type MigrateOp struct {
	Delegate  string
	NewCodeID uint64
	Msg       json.RawMessage
}

// ExecuteOp runs Msg on Delegate.
type ExecuteOp struct {
	Delegate string
	Msg      json.RawMessage
}

func (InstantiateOp) isOperation() {}
func (MigrateOp) isOperation()     {}
func (ExecuteOp) isOperation()     {}

// InstantiateResult is the data an InstantiateOp success carries.
type InstantiateResult struct {
	Address string `json:"address"`
}

// Reply is the outcome of a SubOp, routed back to Complete.
type Reply struct {
	ID     uint64
	Token  uint64
	Result tunnel.SubOpResult
}
