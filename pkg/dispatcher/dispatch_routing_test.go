package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/morezero/delegate-tunnel/pkg/channel"
	"github.com/morezero/delegate-tunnel/pkg/controller"
	"github.com/morezero/delegate-tunnel/pkg/registry"
	"github.com/morezero/delegate-tunnel/pkg/tunnel"
)

const routingTestPrefix = "dispatcher:dispatch_routing_test"

type recordingSender struct {
	packets []tunnel.PacketMsg
	err     error
}

func (s *recordingSender) SendPacket(_ context.Context, _ string, data []byte, _ time.Time) (uint64, error) {
	if s.err != nil {
		return 0, s.err
	}
	msg, err := tunnel.DecodePacket(data)
	if err != nil {
		return 0, err
	}
	s.packets = append(s.packets, msg)
	return uint64(len(s.packets)), nil
}

type fakeChannels struct {
	opened []string
	err    error
}

func (c *fakeChannels) OpenChannel(_ context.Context, connectionID string) (*channel.Channel, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.opened = append(c.opened, connectionID)
	return &channel.Channel{
		Endpoint:     channel.Endpoint{PortID: "controller", ChannelID: fmt.Sprintf("channel-%d", len(c.opened)-1)},
		ConnectionID: connectionID,
		State:        channel.StateOpen,
	}, nil
}

func (c *fakeChannels) CloseChannel(_ context.Context, channelID string) error {
	if channelID == "channel-404" {
		return fmt.Errorf("close: %w", channel.ErrChannelNotFound)
	}
	return c.err
}

type fakeOutcomes map[uint64]controller.Outcome

func (o fakeOutcomes) Outcome(channelID string, seq uint64) (controller.Outcome, bool) {
	out, ok := o[seq]
	if ok && out.ChannelID != channelID {
		return controller.Outcome{}, false
	}
	return out, ok
}

type routingFixture struct {
	disp     *Dispatcher
	reg      *registry.Registry
	sender   *recordingSender
	channels *fakeChannels
}

func newRoutingFixture(t *testing.T) *routingFixture {
	t.Helper()
	f := &routingFixture{
		reg:      registry.NewRegistry(registry.NewRegistryParams{}),
		sender:   &recordingSender{},
		channels: &fakeChannels{},
	}
	ctx := context.Background()
	for _, p := range []string{"alice", "bob"} {
		if err := f.reg.Register(ctx, registry.Key{ConnectionID: "conn-0", PortID: "controller", Principal: p}, "dlg-"+p); err != nil {
			t.Fatalf("%s - Register: %v", routingTestPrefix, err)
		}
	}
	f.disp = NewDispatcher(NewDispatcherParams{
		Registry:   f.reg,
		Controller: controller.NewController(controller.NewControllerParams{Sender: f.sender}),
		Channels:   f.channels,
		Outcomes: fakeOutcomes{
			1: {ChannelID: "channel-0", Sequence: 1, Success: true, Result: json.RawMessage(`{"account":"dlg-alice"}`)},
		},
	})
	return f
}

func (f *routingFixture) call(method, params string, ctx *InvocationContext) *Response {
	return f.disp.Dispatch(context.Background(), &Request{ID: "req-1", Method: method, Params: json.RawMessage(params), Ctx: ctx})
}

func requireError(t *testing.T, resp *Response, code string) {
	t.Helper()
	if resp.Ok || resp.Error == nil {
		t.Fatalf("%s - expected %s error, got %+v", routingTestPrefix, code, resp)
	}
	if resp.Error.Code != code {
		t.Errorf("%s - Code = %q, want %q (%s)", routingTestPrefix, resp.Error.Code, code, resp.Error.Message)
	}
}

func TestDispatch_UnknownMethod(t *testing.T) {
	disp := NewDispatcher(NewDispatcherParams{})
	for _, id := range []string{"req-1", "unique-abc-123", ""} {
		resp := disp.Dispatch(context.Background(), &Request{ID: id, Method: "nonexistent", Params: json.RawMessage(`{}`)})
		requireError(t, resp, CodeMethodNotFound)
		if resp.ID != id {
			t.Errorf("%s - ID = %q, want %q", routingTestPrefix, resp.ID, id)
		}
		if resp.Error.Retryable {
			t.Errorf("%s - METHOD_NOT_FOUND should not be retryable", routingTestPrefix)
		}
	}
}

func TestDispatch_DisabledComponents(t *testing.T) {
	disp := NewDispatcher(NewDispatcherParams{})
	for _, method := range []string{
		"getDelegate", "listDelegates", "health",
		"remoteInstantiate", "remoteMigrate", "remoteDispatch", "queryRemoteAddr",
		"openChannel", "closeChannel", "getPacketOutcome",
	} {
		t.Run(method, func(t *testing.T) {
			requireError(t, disp.Dispatch(context.Background(), &Request{ID: "x", Method: method, Params: json.RawMessage(`{}`)}), CodeUnavailable)
		})
	}
}

func TestDispatch_GetDelegate(t *testing.T) {
	f := newRoutingFixture(t)

	resp := f.call("getDelegate", `{"connectionId":"conn-0","portId":"controller","principal":"alice"}`, nil)
	if !resp.Ok {
		t.Fatalf("%s - getDelegate failed: %+v", routingTestPrefix, resp.Error)
	}
	if out := resp.Result.(*registry.GetDelegateOutput); out.Delegate != "dlg-alice" {
		t.Errorf("%s - delegate = %q", routingTestPrefix, out.Delegate)
	}

	requireError(t, f.call("getDelegate", `{"connectionId":"conn-0","portId":"controller","principal":"carol"}`, nil), registry.CodeNotFound)
	requireError(t, f.call("getDelegate", `{invalid json`, nil), registry.CodeInvalidArgument)
}

func TestDispatch_ListDelegates(t *testing.T) {
	f := newRoutingFixture(t)

	resp := f.call("listDelegates", `{"limit":1}`, nil)
	if !resp.Ok {
		t.Fatalf("%s - listDelegates failed: %+v", routingTestPrefix, resp.Error)
	}
	page := resp.Result.(*registry.ListDelegatesOutput)
	if len(page.Delegates) != 1 || page.Delegates[0].Principal != "alice" {
		t.Fatalf("%s - page = %+v", routingTestPrefix, page.Delegates)
	}

	resp = f.call("listDelegates", `{"startAfter":["conn-0","controller","alice"]}`, nil)
	page = resp.Result.(*registry.ListDelegatesOutput)
	if len(page.Delegates) != 1 || page.Delegates[0].Principal != "bob" {
		t.Errorf("%s - second page = %+v", routingTestPrefix, page.Delegates)
	}

	if resp := f.call("listDelegates", ``, nil); !resp.Ok {
		t.Errorf("%s - empty params should list with defaults: %+v", routingTestPrefix, resp.Error)
	}
	requireError(t, f.call("listDelegates", `{"startAfter":["conn-0"]}`, nil), registry.CodeInvalidArgument)
}

func TestDispatch_Health(t *testing.T) {
	f := newRoutingFixture(t)
	resp := f.call("health", `{}`, nil)
	out, ok := resp.Result.(*registry.HealthOutput)
	if !resp.Ok || !ok {
		t.Fatalf("%s - health = %+v", routingTestPrefix, resp)
	}
	if out.Status != "healthy" || out.Delegates != 2 {
		t.Errorf("%s - health = %+v", routingTestPrefix, out)
	}
}

func TestDispatch_CommandsUsePrincipalFromContext(t *testing.T) {
	f := newRoutingFixture(t)
	resp := f.call("queryRemoteAddr", `{"channelId":"channel-0"}`, &InvocationContext{UserID: "user-123"})
	if !resp.Ok {
		t.Fatalf("%s - queryRemoteAddr failed: %+v", routingTestPrefix, resp.Error)
	}
	if got := f.sender.packets[0].Principal(); got != "user-123" {
		t.Errorf("%s - principal = %q, want user-123", routingTestPrefix, got)
	}
}

func TestDispatch_CommandsWithoutCallerRejected(t *testing.T) {
	contexts := map[string]*InvocationContext{
		"nil context":  nil,
		"empty userId": {},
		"blank userId": {UserID: "   "},
	}
	commands := map[string]string{
		"remoteInstantiate": `{"channelId":"channel-0","instMsg":{},"codeId":7}`,
		"remoteMigrate":     `{"channelId":"channel-0","migrateMsg":{},"newCodeId":8}`,
		"remoteDispatch":    `{"channelId":"channel-0","dispatchMsg":{}}`,
		"queryRemoteAddr":   `{"channelId":"channel-0"}`,
	}
	for ctxName, ctx := range contexts {
		for method, params := range commands {
			t.Run(ctxName+"/"+method, func(t *testing.T) {
				f := newRoutingFixture(t)
				resp := f.call(method, params, ctx)
				requireError(t, resp, CodeUnauthorized)
				if resp.Error.Retryable {
					t.Errorf("%s - UNAUTHORIZED should not be retryable", routingTestPrefix)
				}
				if len(f.sender.packets) != 0 {
					t.Errorf("%s - rejected command sent %d packets", routingTestPrefix, len(f.sender.packets))
				}
			})
		}
	}
}

func TestDispatch_Commands(t *testing.T) {
	f := newRoutingFixture(t)
	alice := &InvocationContext{UserID: "alice"}

	resp := f.call("remoteInstantiate", `{"channelId":"channel-0","instMsg":{"count":1},"codeId":7,"jobId":"j1"}`, alice)
	if !resp.Ok {
		t.Fatalf("%s - remoteInstantiate failed: %+v", routingTestPrefix, resp.Error)
	}
	result := resp.Result.(*CommandResult)
	if result.Sent.Sequence != 1 || result.Outcome == nil || !result.Outcome.Success {
		t.Errorf("%s - result = %+v", routingTestPrefix, result)
	}
	inst, ok := f.sender.packets[0].(tunnel.InstantiateMsg)
	if !ok || inst.CodeID != 7 || *inst.JobID != "j1" || string(inst.InstMsg) != `{"count":1}` {
		t.Errorf("%s - instantiate packet = %#v", routingTestPrefix, f.sender.packets[0])
	}

	if resp := f.call("remoteMigrate", `{"channelId":"channel-0","newCodeId":8}`, alice); !resp.Ok {
		t.Fatalf("%s - remoteMigrate failed: %+v", routingTestPrefix, resp.Error)
	}
	mig, ok := f.sender.packets[1].(tunnel.MigrateMsg)
	if !ok || mig.NewCodeID != 8 || string(mig.MigrationMsg) != `{}` {
		t.Errorf("%s - migrate packet = %#v", routingTestPrefix, f.sender.packets[1])
	}

	resp = f.call("remoteDispatch", `{"channelId":"channel-0","dispatchMsg":{"ping":true}}`, alice)
	if !resp.Ok {
		t.Fatalf("%s - remoteDispatch failed: %+v", routingTestPrefix, resp.Error)
	}
	if resp.Result.(*CommandResult).Outcome != nil {
		t.Errorf("%s - no outcome recorded for sequence 3", routingTestPrefix)
	}
	if d, ok := f.sender.packets[2].(tunnel.DispatchMsg); !ok || string(d.Msg) != `{"ping":true}` {
		t.Errorf("%s - dispatch packet = %#v", routingTestPrefix, f.sender.packets[2])
	}
}

func TestDispatch_CommandErrors(t *testing.T) {
	f := newRoutingFixture(t)
	alice := &InvocationContext{UserID: "alice"}

	requireError(t, f.call("queryRemoteAddr", `{}`, alice), registry.CodeInvalidArgument)
	requireError(t, f.call("remoteDispatch", `{bad`, alice), registry.CodeInvalidArgument)

	f.sender.err = fmt.Errorf("send: %w", channel.ErrChannelNotFound)
	requireError(t, f.call("queryRemoteAddr", `{"channelId":"channel-9"}`, alice), registry.CodeNotFound)

	f.sender.err = fmt.Errorf("send: %w", controller.ErrChannelNotOpen)
	requireError(t, f.call("queryRemoteAddr", `{"channelId":"channel-0"}`, alice), registry.CodeInvalidArgument)

	f.sender.err = errors.New("nats: no responders available for request")
	resp := f.call("queryRemoteAddr", `{"channelId":"channel-0"}`, alice)
	requireError(t, resp, registry.CodeInternal)
	if !resp.Error.Retryable {
		t.Errorf("%s - transport failures should be retryable", routingTestPrefix)
	}
}

func TestDispatch_Channels(t *testing.T) {
	f := newRoutingFixture(t)

	resp := f.call("openChannel", `{"connectionId":"conn-3"}`, nil)
	if !resp.Ok {
		t.Fatalf("%s - openChannel failed: %+v", routingTestPrefix, resp.Error)
	}
	if ch := resp.Result.(*channel.Channel); ch.ConnectionID != "conn-3" {
		t.Errorf("%s - channel = %+v", routingTestPrefix, ch)
	}
	requireError(t, f.call("openChannel", `{}`, nil), registry.CodeInvalidArgument)

	if resp := f.call("closeChannel", `{"channelId":"channel-0"}`, nil); !resp.Ok {
		t.Errorf("%s - closeChannel failed: %+v", routingTestPrefix, resp.Error)
	}
	requireError(t, f.call("closeChannel", `{"channelId":"channel-404"}`, nil), registry.CodeNotFound)

	f.channels.err = errors.New("handshake rejected")
	requireError(t, f.call("openChannel", `{"connectionId":"conn-4"}`, nil), registry.CodeInternal)
}

func TestDispatch_GetPacketOutcome(t *testing.T) {
	f := newRoutingFixture(t)

	resp := f.call("getPacketOutcome", `{"channelId":"channel-0","sequence":1}`, nil)
	if !resp.Ok {
		t.Fatalf("%s - getPacketOutcome failed: %+v", routingTestPrefix, resp.Error)
	}
	if out := resp.Result.(controller.Outcome); !out.Success {
		t.Errorf("%s - outcome = %+v", routingTestPrefix, out)
	}
	requireError(t, f.call("getPacketOutcome", `{"channelId":"channel-0","sequence":2}`, nil), registry.CodeNotFound)
}

func TestErrorToResponse_RegistryError(t *testing.T) {
	tests := []struct {
		code          string
		wantRetryable bool
	}{
		{registry.CodeNotFound, false},
		{registry.CodeInternal, true},
		{registry.CodeInvalidArgument, false},
		{registry.CodeConflict, false},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			resp := errorToResponse("req-1", fmt.Errorf("wrapped: %w", registry.NewRegistryError(tt.code, "msg")))
			requireError(t, resp, tt.code)
			if resp.Error.Retryable != tt.wantRetryable {
				t.Errorf("%s - Retryable = %v, want %v", routingTestPrefix, resp.Error.Retryable, tt.wantRetryable)
			}
		})
	}
}

func TestErrorToResponse_Unauthorized(t *testing.T) {
	requireError(t, errorToResponse("req-1", controller.ErrUnauthorized), CodeUnauthorized)
}
