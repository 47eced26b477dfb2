package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/morezero/delegate-tunnel/internal/config"
	"github.com/morezero/delegate-tunnel/pkg/channel"
	"github.com/morezero/delegate-tunnel/pkg/commsutil"
	"github.com/morezero/delegate-tunnel/pkg/dispatcher"
	"github.com/morezero/delegate-tunnel/pkg/metrics"
	"github.com/morezero/delegate-tunnel/pkg/registry"
)

const serverTestPrefix = "server:server_test"

// mockRegistry implements registryForServer for failure paths.
type mockRegistry struct {
	health  *registry.HealthOutput
	list    *registry.ListDelegatesOutput
	listErr error
}

func (m *mockRegistry) Health(context.Context) *registry.HealthOutput {
	if m.health != nil {
		return m.health
	}
	return &registry.HealthOutput{Status: "unhealthy", Timestamp: time.Now().UTC().Format(time.RFC3339)}
}

func (m *mockRegistry) ListDelegates(context.Context, registry.ListDelegatesInput) (*registry.ListDelegatesOutput, error) {
	return m.list, m.listErr
}

func testConfig() *config.Config {
	return &config.Config{
		HealthCheckTimeout: 5 * time.Second,
		RequestTimeout:     5 * time.Second,
	}
}

// testServer returns a Server with the given registry and test config for HTTP handler tests.
func testServer(t *testing.T, reg registryForServer) *Server {
	t.Helper()
	return &Server{cfg: testConfig(), reg: reg}
}

// seededRegistry returns an in-memory registry holding three delegates.
func seededRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.NewRegistry(registry.NewRegistryParams{})
	for _, p := range []string{"alice", "bob", "carol"} {
		key := registry.Key{ConnectionID: "connection-0", PortID: "wasm.ctrl", Principal: p}
		if err := reg.Register(context.Background(), key, "dlg-"+p); err != nil {
			t.Fatalf("%s - Register %s: %v", serverTestPrefix, p, err)
		}
	}
	return reg
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleHome_Success(t *testing.T) {
	s := testServer(t, seededRegistry(t))
	s.hostChannels = channel.NewKeeper()
	s.hostChannels.Open(channel.OpenParams{
		PortID:               "tunnel",
		CounterpartyEndpoint: channel.Endpoint{PortID: "wasm.ctrl", ChannelID: "channel-3"},
		Order:                channel.OrderUnordered,
		Version:              "cw-tunnel-v1",
		ConnectionID:         "connection-0",
	})

	rec := get(t, s.routes(), "/")
	if rec.Code != http.StatusOK {
		t.Fatalf("%s - status = %d, want 200", serverTestPrefix, rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("%s - Content-Type = %q", serverTestPrefix, ct)
	}
	body := rec.Body.String()
	for _, want := range []string{"Delegate Tunnel", "status-healthy", "dlg-alice", "dlg-carol", "Executor channels", "wasm.ctrl/channel-3", "cw-tunnel-v1"} {
		if !strings.Contains(body, want) {
			t.Errorf("%s - home page missing %q", serverTestPrefix, want)
		}
	}
	if strings.Contains(body, "Controller channels") {
		t.Errorf("%s - controller table rendered while controller disabled", serverTestPrefix)
	}
}

func TestHandleHome_ListError(t *testing.T) {
	s := testServer(t, &mockRegistry{listErr: errors.New("store offline")})

	rec := get(t, s.routes(), "/")
	if rec.Code != http.StatusOK {
		t.Fatalf("%s - status = %d, want 200", serverTestPrefix, rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "Could not load delegates: store offline") {
		t.Errorf("%s - expected list error on page", serverTestPrefix)
	}
	if !strings.Contains(body, "status-unhealthy") {
		t.Errorf("%s - expected unhealthy status on page", serverTestPrefix)
	}
}

func TestHandleHome_OnlyRoot(t *testing.T) {
	s := testServer(t, seededRegistry(t))
	if rec := get(t, s.routes(), "/other"); rec.Code != http.StatusNotFound {
		t.Errorf("%s - status = %d, want 404", serverTestPrefix, rec.Code)
	}
}

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name   string
		reg    registryForServer
		status int
		want   string
	}{
		{"healthy", registry.NewRegistry(registry.NewRegistryParams{}), http.StatusOK, "healthy"},
		{"unhealthy", &mockRegistry{}, http.StatusServiceUnavailable, "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, testServer(t, tt.reg).routes(), "/health")
			if rec.Code != tt.status {
				t.Fatalf("%s - status = %d, want %d", serverTestPrefix, rec.Code, tt.status)
			}
			var h registry.HealthOutput
			if err := json.Unmarshal(rec.Body.Bytes(), &h); err != nil {
				t.Fatalf("%s - decode: %v", serverTestPrefix, err)
			}
			if h.Status != tt.want {
				t.Errorf("%s - Status = %q, want %q", serverTestPrefix, h.Status, tt.want)
			}
		})
	}
}

func TestReadyHandler(t *testing.T) {
	rec := get(t, testServer(t, &mockRegistry{}).routes(), "/ready")
	if rec.Code != http.StatusOK {
		t.Fatalf("%s - status = %d, want 200", serverTestPrefix, rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ready"`) {
		t.Errorf("%s - body = %q", serverTestPrefix, rec.Body.String())
	}
}

func TestDelegatesHandler(t *testing.T) {
	s := testServer(t, seededRegistry(t))
	h := s.routes()

	tests := []struct {
		name       string
		target     string
		status     int
		principals []string
	}{
		{"all", "/delegates", http.StatusOK, []string{"alice", "bob", "carol"}},
		{"limit", "/delegates?limit=2", http.StatusOK, []string{"alice", "bob"}},
		{"cursor", "/delegates?start_after=connection-0,wasm.ctrl,alice", http.StatusOK, []string{"bob", "carol"}},
		{"zero limit", "/delegates?limit=0", http.StatusOK, []string{}},
		{"bad cursor", "/delegates?start_after=connection-0,alice", http.StatusBadRequest, nil},
		{"bad limit", "/delegates?limit=ten", http.StatusBadRequest, nil},
		{"negative limit", "/delegates?limit=-1", http.StatusBadRequest, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, h, tt.target)
			if rec.Code != tt.status {
				t.Fatalf("%s - status = %d, want %d (body %s)", serverTestPrefix, rec.Code, tt.status, rec.Body.String())
			}
			if tt.principals == nil {
				return
			}
			var out registry.ListDelegatesOutput
			if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
				t.Fatalf("%s - decode: %v", serverTestPrefix, err)
			}
			if len(out.Delegates) != len(tt.principals) {
				t.Fatalf("%s - got %d delegates, want %d", serverTestPrefix, len(out.Delegates), len(tt.principals))
			}
			for i, p := range tt.principals {
				if out.Delegates[i].Principal != p {
					t.Errorf("%s - delegates[%d] = %q, want %q", serverTestPrefix, i, out.Delegates[i].Principal, p)
				}
			}
		})
	}
}

func TestDelegatesHandler_MethodNotAllowed(t *testing.T) {
	s := testServer(t, seededRegistry(t))
	req := httptest.NewRequest(http.MethodPost, "/delegates", nil)
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("%s - status = %d, want 405", serverTestPrefix, rec.Code)
	}
}

func TestDelegatesHandler_StoreError(t *testing.T) {
	s := testServer(t, &mockRegistry{listErr: errors.New("connection refused")})
	rec := get(t, s.routes(), "/delegates")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("%s - status = %d, want 500", serverTestPrefix, rec.Code)
	}
}

func TestMetricsHandler(t *testing.T) {
	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)
	m.PacketReceived("instantiate")

	s := testServer(t, &mockRegistry{})
	s.gatherer = promReg

	rec := get(t, s.routes(), "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("%s - status = %d, want 200", serverTestPrefix, rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `tunnel_packets_received_total{kind="instantiate"} 1`) {
		t.Errorf("%s - metrics output missing packet counter:\n%s", serverTestPrefix, rec.Body.String())
	}
}

func TestMetricsHandler_AbsentWithoutGatherer(t *testing.T) {
	s := testServer(t, &mockRegistry{})
	// Falls through to the home handler, which only serves "/".
	if rec := get(t, s.routes(), "/metrics"); rec.Code != http.StatusNotFound {
		t.Errorf("%s - status = %d, want 404", serverTestPrefix, rec.Code)
	}
}

func TestCallerTimeout(t *testing.T) {
	tests := []struct {
		name string
		ic   *dispatcher.InvocationContext
		want time.Duration
	}{
		{"nil", nil, 0},
		{"empty", &dispatcher.InvocationContext{}, 0},
		{"deadline", &dispatcher.InvocationContext{DeadlineMs: 1500}, 1500 * time.Millisecond},
		{"timeout", &dispatcher.InvocationContext{TimeoutMs: 200}, 200 * time.Millisecond},
		{"deadline wins", &dispatcher.InvocationContext{DeadlineMs: 100, TimeoutMs: 900}, 100 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := callerTimeout(tt.ic); got != tt.want {
				t.Errorf("%s - callerTimeout = %v, want %v", serverTestPrefix, got, tt.want)
			}
		})
	}
}

func TestDispatchHandler_OverCOMMS(t *testing.T) {
	ns, err := commsserver.NewServer(&commsserver.Options{Host: "127.0.0.1", Port: 14260, NoLog: true, NoSigs: true})
	if err != nil {
		t.Fatalf("%s - failed to create server: %v", serverTestPrefix, err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatalf("%s - server failed to start", serverTestPrefix)
	}
	defer ns.Shutdown()

	nc, err := commsutil.Connect(ns.ClientURL(), "server-test")
	if err != nil {
		t.Fatalf("%s - Connect: %v", serverTestPrefix, err)
	}
	defer nc.Close()

	reg := seededRegistry(t)
	s := &Server{cfg: testConfig(), nc: nc, reg: reg}
	disp := dispatcher.NewDispatcher(dispatcher.NewDispatcherParams{Registry: reg})
	if _, err := nc.Subscribe(commsutil.SubjectQuery, s.dispatchHandler(context.Background(), disp)); err != nil {
		t.Fatalf("%s - Subscribe: %v", serverTestPrefix, err)
	}

	t.Run("getDelegate", func(t *testing.T) {
		req, _ := json.Marshal(dispatcher.Request{
			ID:     "req-1",
			Method: "getDelegate",
			Params: json.RawMessage(`{"connectionId":"connection-0","portId":"wasm.ctrl","principal":"bob"}`),
			Ctx:    &dispatcher.InvocationContext{TimeoutMs: 2000},
		})
		msg, err := nc.Request(commsutil.SubjectQuery, req, 2*time.Second)
		if err != nil {
			t.Fatalf("%s - Request: %v", serverTestPrefix, err)
		}
		var resp struct {
			ID     string                     `json:"id"`
			Ok     bool                       `json:"ok"`
			Result registry.GetDelegateOutput `json:"result"`
		}
		if err := json.Unmarshal(msg.Data, &resp); err != nil {
			t.Fatalf("%s - decode: %v", serverTestPrefix, err)
		}
		if !resp.Ok || resp.ID != "req-1" || resp.Result.Delegate != "dlg-bob" {
			t.Errorf("%s - response = %+v", serverTestPrefix, resp)
		}
	})

	t.Run("command without controller", func(t *testing.T) {
		req, _ := json.Marshal(dispatcher.Request{ID: "req-2", Method: "queryRemoteAddr", Params: json.RawMessage(`{"channelId":"channel-0"}`)})
		msg, err := nc.Request(commsutil.SubjectQuery, req, 2*time.Second)
		if err != nil {
			t.Fatalf("%s - Request: %v", serverTestPrefix, err)
		}
		var resp dispatcher.Response
		if err := json.Unmarshal(msg.Data, &resp); err != nil {
			t.Fatalf("%s - decode: %v", serverTestPrefix, err)
		}
		if resp.Ok || resp.Error == nil || resp.Error.Code != dispatcher.CodeUnavailable {
			t.Errorf("%s - expected UNAVAILABLE, got %+v", serverTestPrefix, resp.Error)
		}
	})

	t.Run("malformed", func(t *testing.T) {
		msg, err := nc.Request(commsutil.SubjectQuery, []byte("{not json"), 2*time.Second)
		if err != nil {
			t.Fatalf("%s - Request: %v", serverTestPrefix, err)
		}
		var resp dispatcher.Response
		if err := json.Unmarshal(msg.Data, &resp); err != nil {
			t.Fatalf("%s - decode: %v", serverTestPrefix, err)
		}
		if resp.Ok || resp.Error == nil || resp.Error.Code != dispatcher.CodeInvalidRequest {
			t.Errorf("%s - expected INVALID_REQUEST, got %+v", serverTestPrefix, resp.Error)
		}
	})
}

func TestSubjectOr(t *testing.T) {
	if got := subjectOr("", commsutil.SubjectQuery); got != commsutil.SubjectQuery {
		t.Errorf("%s - subjectOr fallback = %q", serverTestPrefix, got)
	}
	if got := subjectOr("custom.query", commsutil.SubjectQuery); got != "custom.query" {
		t.Errorf("%s - subjectOr override = %q", serverTestPrefix, got)
	}
}
