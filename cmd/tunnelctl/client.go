package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/delegate-tunnel/pkg/commsutil"
	"github.com/morezero/delegate-tunnel/pkg/dispatcher"
)

// requester is the part of a COMMS connection tunnelctl needs.
type requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*comms.Msg, error)
}

// dial connects to the COMMS server. Tests replace it.
var dial = func(url string) (requester, func(), error) {
	nc, err := commsutil.Connect(url, "tunnelctl")
	if err != nil {
		return nil, nil, err
	}
	return nc, nc.Close, nil
}

// reply mirrors dispatcher.Response with the result left undecoded.
type reply struct {
	ID     string                  `json:"id"`
	Ok     bool                    `json:"ok"`
	Result json.RawMessage         `json:"result,omitempty"`
	Error  *dispatcher.ErrorDetail `json:"error,omitempty"`
}

// newRequest builds an envelope with a fresh request id.
func newRequest(method string, params interface{}, user string, timeout time.Duration) (*dispatcher.Request, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode %s params: %w", method, err)
	}
	id := uuid.NewString()
	return &dispatcher.Request{
		ID:     id,
		Type:   "request",
		Method: method,
		Params: raw,
		Ctx: &dispatcher.InvocationContext{
			UserID:    user,
			RequestID: id,
			TimeoutMs: int(timeout / time.Millisecond),
		},
	}, nil
}

// call sends method to subject and writes the indented result to out. A
// response with ok=false becomes an error carrying its code.
func call(opts *options, out io.Writer, subject, method string, params interface{}) error {
	req, err := newRequest(method, params, opts.user, opts.timeout)
	if err != nil {
		return err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	r, closeConn, err := dial(opts.url)
	if err != nil {
		return fmt.Errorf("connect %s: %w", opts.url, err)
	}
	defer closeConn()

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()
	msg, err := r.RequestWithContext(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}

	var resp reply
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if !resp.Ok {
		if resp.Error == nil {
			return fmt.Errorf("%s failed", method)
		}
		return fmt.Errorf("%s: %s: %s", method, resp.Error.Code, resp.Error.Message)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, resp.Result, "", "  "); err != nil {
		pretty.Reset()
		pretty.Write(resp.Result)
	}
	pretty.WriteByte('\n')
	_, err = out.Write(pretty.Bytes())
	return err
}
