package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/morezero/delegate-tunnel/pkg/channel"
	"github.com/morezero/delegate-tunnel/pkg/metrics"
	"github.com/morezero/delegate-tunnel/pkg/registry"
)

const httpLogPrefix = "server:http"

// homePageLimit caps the delegates listed on the home page.
const homePageLimit = 100

// routes builds the HTTP mux.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHome())
	mux.HandleFunc("/delegates", s.handleDelegates())
	mux.HandleFunc("/health", s.handleHealth())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
	})
	if s.gatherer != nil {
		mux.Handle("/metrics", metrics.Handler(s.gatherer))
	}
	return mux
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
		defer cancel()
		h := s.reg.Health(ctx)
		w.Header().Set("Content-Type", "application/json")
		if h.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(h)
	}
}

// handleDelegates serves one page of the registry as JSON. Query parameters:
// start_after=connection,port,principal and limit.
func (s *Server) handleDelegates() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			writeJSONError(w, http.StatusMethodNotAllowed, registry.CodeInvalidArgument, "method not allowed")
			return
		}

		input, err := parseListQuery(r)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, registry.CodeInvalidArgument, err.Error())
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
		defer cancel()
		out, err := s.reg.ListDelegates(ctx, input)
		if err != nil {
			status := http.StatusInternalServerError
			code := registry.CodeInternal
			var regErr *registry.RegistryError
			if errors.As(err, &regErr) {
				code = regErr.Code
				if regErr.Code == registry.CodeInvalidArgument {
					status = http.StatusBadRequest
				}
			}
			writeJSONError(w, status, code, err.Error())
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(out); err != nil {
			slog.Error(fmt.Sprintf("%s - delegates encode: %v", httpLogPrefix, err))
		}
	}
}

func parseListQuery(r *http.Request) (registry.ListDelegatesInput, error) {
	var input registry.ListDelegatesInput
	q := r.URL.Query()
	if after := q.Get("start_after"); after != "" {
		parts := strings.Split(after, ",")
		if len(parts) != 3 {
			return input, fmt.Errorf("start_after must be connection,port,principal")
		}
		input.StartAfter = parts
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return input, fmt.Errorf("limit must be an integer")
		}
		input.Limit = &n
	}
	return input, nil
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"code": code, "message": message})
}

// homePageTemplate is the HTML for the tunnel home page (white bg, black/blue text).
const homePageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>Delegate Tunnel</title>
  <style>
    * { box-sizing: border-box; }
    body { background: #fff; color: #000; font-family: system-ui, sans-serif; margin: 0; padding: 2rem; line-height: 1.5; }
    a { color: #0066cc; }
    h1, h2, h3 { color: #0066cc; }
    .status-healthy { color: #0066cc; font-weight: bold; }
    .status-unhealthy { color: #cc0000; font-weight: bold; }
    table { border-collapse: collapse; width: 100%; max-width: 900px; margin-top: 0.5rem; }
    th, td { text-align: left; padding: 0.5rem 0.75rem; border: 1px solid #ccc; }
    th { background: #f0f4f8; color: #0066cc; }
    .stat { font-weight: bold; color: #0066cc; }
    .meta { color: #333; font-size: 0.9rem; margin-top: 1rem; }
    section { margin-bottom: 2rem; }
    .error { color: #cc0000; }
  </style>
</head>
<body>
  <h1>Delegate Tunnel</h1>
  <p class="meta">Registry health, open channels, and registered delegates.</p>

  <section>
    <h2>Health</h2>
    <p>Status: <span class="status-{{.Health.Status}}">{{.Health.Status}}</span></p>
    <p>Store: {{if .Health.Checks.Store}}<span class="stat">OK</span>{{else}}<span class="error">Failed</span>{{end}}</p>
    <p>Delegates: <span class="stat">{{.Health.Delegates}}</span></p>
    <p>Timestamp: {{.Health.Timestamp}}</p>
  </section>

  {{range .Tables}}
  <section>
    <h2>{{.Title}}</h2>
    {{if not .Channels}}
    <p>No channels.</p>
    {{else}}
    <table>
      <thead>
        <tr><th>Channel</th><th>Port</th><th>Counterparty</th><th>Connection</th><th>Version</th><th>State</th></tr>
      </thead>
      <tbody>
        {{range .Channels}}
        <tr>
          <td>{{.Endpoint.ChannelID}}</td>
          <td>{{.Endpoint.PortID}}</td>
          <td>{{.CounterpartyEndpoint.PortID}}/{{.CounterpartyEndpoint.ChannelID}}</td>
          <td>{{.ConnectionID}}</td>
          <td>{{.Version}}</td>
          <td>{{.State}}</td>
        </tr>
        {{end}}
      </tbody>
    </table>
    {{end}}
  </section>
  {{end}}

  <section>
    <h2>Delegates</h2>
    {{if .ListError}}
    <p class="error">Could not load delegates: {{.ListError}}</p>
    {{else if not .Delegates}}
    <p>No delegates registered.</p>
    {{else}}
    <table>
      <thead>
        <tr><th>Delegate</th><th>Connection</th><th>Port</th><th>Principal</th></tr>
      </thead>
      <tbody>
        {{range .Delegates}}
        <tr>
          <td>{{.Delegate}}</td>
          <td>{{.Connection}}</td>
          <td>{{.Port}}</td>
          <td>{{.Principal}}</td>
        </tr>
        {{end}}
      </tbody>
    </table>
    {{end}}
  </section>
</body>
</html>
`

// channelTable is one channel table rendered on the home page.
type channelTable struct {
	Title    string
	Channels []channel.Channel
}

// homeData is the data passed to the home page template.
type homeData struct {
	Health    *registry.HealthOutput
	Tables    []channelTable
	Delegates []registry.Record
	ListError string
}

// handleHome returns an HTTP handler for the tunnel home page.
func (s *Server) handleHome() http.HandlerFunc {
	tmpl := template.Must(template.New("home").Parse(homePageTemplate))
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
		defer cancel()

		data := homeData{Health: s.reg.Health(ctx)}
		if s.hostChannels != nil {
			data.Tables = append(data.Tables, channelTable{Title: "Executor channels", Channels: s.hostChannels.List()})
		}
		if s.controllerChannels != nil {
			data.Tables = append(data.Tables, channelTable{Title: "Controller channels", Channels: s.controllerChannels.List()})
		}

		limit := homePageLimit
		list, err := s.reg.ListDelegates(ctx, registry.ListDelegatesInput{Limit: &limit})
		if err != nil {
			data.ListError = err.Error()
		} else {
			data.Delegates = list.Delegates
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.Execute(w, data); err != nil {
			slog.Error(fmt.Sprintf("%s - home template execute: %v", httpLogPrefix, err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}
