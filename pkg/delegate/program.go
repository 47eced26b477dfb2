package delegate

import (
	"context"
	"encoding/json"
	"errors"
)

// Env describes the delegate a Program call runs as.
type Env struct {
	Address string
	Admin   string
	CodeID  uint64
	Label   string
}

// Program is the code a delegate runs. Returned data becomes the
// sub-operation's result data.
type Program interface {
	Instantiate(ctx context.Context, env Env, msg json.RawMessage) (json.RawMessage, error)
	Execute(ctx context.Context, env Env, msg json.RawMessage) (json.RawMessage, error)
	Migrate(ctx context.Context, env Env, msg json.RawMessage) (json.RawMessage, error)
}

// EchoProgram returns every execute payload as its result. A payload of the
// form {"fail": "<reason>"} makes Execute fail with that reason.
type EchoProgram struct{}

func (EchoProgram) Instantiate(_ context.Context, _ Env, _ json.RawMessage) (json.RawMessage, error) {
	return nil, nil
}

func (EchoProgram) Execute(_ context.Context, _ Env, msg json.RawMessage) (json.RawMessage, error) {
	var f struct {
		Fail *string `json:"fail"`
	}
	// Non-object payloads are echoed as is.
	if json.Unmarshal(msg, &f) == nil && f.Fail != nil {
		return nil, errors.New(*f.Fail)
	}
	return msg, nil
}

func (EchoProgram) Migrate(_ context.Context, _ Env, _ json.RawMessage) (json.RawMessage, error) {
	return nil, nil
}
