// Package server orchestrates all components: NATS client, registry store,
// executor host, controller, dispatcher, and the HTTP health surface.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	comms "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/morezero/delegate-tunnel/internal/config"
	"github.com/morezero/delegate-tunnel/pkg/channel"
	"github.com/morezero/delegate-tunnel/pkg/commsutil"
	"github.com/morezero/delegate-tunnel/pkg/controller"
	"github.com/morezero/delegate-tunnel/pkg/db"
	"github.com/morezero/delegate-tunnel/pkg/delegate"
	"github.com/morezero/delegate-tunnel/pkg/dispatcher"
	"github.com/morezero/delegate-tunnel/pkg/events"
	"github.com/morezero/delegate-tunnel/pkg/executor"
	"github.com/morezero/delegate-tunnel/pkg/host"
	"github.com/morezero/delegate-tunnel/pkg/metrics"
	"github.com/morezero/delegate-tunnel/pkg/ratelimit"
	"github.com/morezero/delegate-tunnel/pkg/registry"
)

const logPrefix = "server:server"

// limiterIdleTTL is how long an idle channel keeps its token bucket.
const limiterIdleTTL = 10 * time.Minute

// registryForServer is the registry surface the HTTP handlers read.
type registryForServer interface {
	Health(ctx context.Context) *registry.HealthOutput
	ListDelegates(ctx context.Context, input registry.ListDelegatesInput) (*registry.ListDelegatesOutput, error)
}

// Server is the delegate-tunnel orchestrator.
type Server struct {
	cfg        *config.Config
	nc         *comms.Conn
	pool       *pgxpool.Pool
	httpServer *http.Server
	reg        registryForServer
	gatherer   prometheus.Gatherer
	// instances persists delegates for the runtime; nil with the memory store.
	instances  delegate.Store

	// Channel tables shown on the home page; nil when the role is disabled.
	hostChannels       *channel.Keeper
	controllerChannels *channel.Keeper
}

// Run starts the server, blocks until shutdown signal, then cleans up.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	setupLogging(cfg.LogLevel)

	if err := cfg.ValidateForServe(); err != nil {
		return err
	}

	slog.Info(fmt.Sprintf("%s - Starting delegate-tunnel (executor=%t controller=%t)",
		logPrefix, cfg.ExecutorEnabled, cfg.ControllerEnabled))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := &Server{cfg: cfg}

	// Step 1: Connect to NATS
	nc, err := commsutil.Connect(cfg.COMMSURL, cfg.COMMSName)
	if err != nil {
		return fmt.Errorf("%s - failed to connect to NATS: %w", logPrefix, err)
	}
	s.nc = nc
	slog.Info(fmt.Sprintf("%s - Connected to NATS at %s", logPrefix, cfg.COMMSURL))

	// Step 2: Registry store
	store, err := s.openStore(ctx)
	if err != nil {
		nc.Close()
		return err
	}
	reg := registry.NewRegistry(registry.NewRegistryParams{
		Store:  store,
		Config: registry.DefaultConfig(),
	})
	s.reg = reg

	// Step 3: Events and metrics
	publisher := events.NewCommsPublisher(nc, &events.CommsPublisherOpts{GlobalSubject: cfg.EventSubject})
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)
	s.gatherer = promReg

	var cleanups []func()
	shutdown := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	// Step 4: Executor host
	if cfg.ExecutorEnabled {
		hostSubs, err := s.startHost(ctx, reg, publisher, m)
		if err != nil {
			s.closeBackends()
			return err
		}
		cleanups = append(cleanups, hostSubs.Unsubscribe)
	}

	// Step 5: Controller
	dispParams := dispatcher.NewDispatcherParams{Registry: reg}
	var sender *controller.CommsSender
	if cfg.ControllerEnabled {
		ackLog := controller.NewAckLog(cfg.AckLogSize, publisher)
		sender = controller.NewCommsSender(nc, controller.CommsSenderOpts{
			PortID:           cfg.ControllerPortID,
			HandshakeSubject: cfg.HandshakeSubject,
			Handler:          ackLog,
		})
		s.controllerChannels = sender.Channels()
		ctrl := controller.NewController(controller.NewControllerParams{
			Sender:         sender,
			Publisher:      publisher,
			PacketLifetime: cfg.PacketLifetime,
		})
		ctrl.Announce(ctx, cfg.ControllerPortID)
		dispParams.Controller = ctrl
		dispParams.Channels = sender
		dispParams.Outcomes = ackLog
	}

	// Step 6: Dispatcher on the query and command subjects
	disp := dispatcher.NewDispatcher(dispParams)
	for _, subject := range []string{
		subjectOr(cfg.QuerySubject, commsutil.SubjectQuery),
		subjectOr(cfg.ControllerSubject, commsutil.SubjectController),
	} {
		sub, err := nc.Subscribe(subject, s.dispatchHandler(ctx, disp))
		if err != nil {
			shutdown()
			s.closeBackends()
			return fmt.Errorf("%s - failed to subscribe to %s: %w", logPrefix, subject, err)
		}
		cleanups = append(cleanups, func() { sub.Unsubscribe() })
		slog.Info(fmt.Sprintf("%s - Subscribed to %s", logPrefix, subject))
	}

	if sender != nil && cfg.OpenChannelOnStart {
		openCtx, openCancel := context.WithTimeout(ctx, cfg.RequestTimeout)
		ch, err := sender.OpenChannel(openCtx, cfg.ConnectionID)
		openCancel()
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - failed to open channel over %s: %v", logPrefix, cfg.ConnectionID, err))
		} else {
			slog.Info(fmt.Sprintf("%s - Opened %s over %s", logPrefix, ch.Endpoint.ChannelID, cfg.ConnectionID))
		}
	}

	// Step 7: HTTP health server
	httpAddr := fmt.Sprintf(":%d", cfg.HTTPPort)
	s.httpServer = &http.Server{Addr: httpAddr, Handler: s.routes()}
	go func() {
		slog.Info(fmt.Sprintf("%s - HTTP health server listening on %s", logPrefix, httpAddr))
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error(fmt.Sprintf("%s - HTTP server error: %v", logPrefix, err))
		}
	}()

	slog.Info(fmt.Sprintf("%s - delegate-tunnel is ready", logPrefix))

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info(fmt.Sprintf("%s - Received signal %s, shutting down", logPrefix, sig))

	// Graceful shutdown
	shutdown()
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.HealthCheckTimeout)
	defer shutdownCancel()
	s.httpServer.Shutdown(shutdownCtx)
	nc.Drain()
	if s.pool != nil {
		s.pool.Close()
	}

	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return nil
}

func setupLogging(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}

// openStore returns the configured registry store, connecting to Postgres
// and applying migrations when enabled.
func (s *Server) openStore(ctx context.Context) (registry.Store, error) {
	if !s.cfg.UsesPostgres() {
		slog.Info(fmt.Sprintf("%s - Using in-memory registry store", logPrefix))
		return registry.NewMemoryStore(), nil
	}

	pool, err := db.NewPool(ctx, s.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to connect to database: %w", logPrefix, err)
	}
	s.pool = pool

	if s.cfg.RunMigrations {
		migrationSQL, err := db.LoadMigrationFiles(s.cfg.MigrationPath)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("%s - failed to load migrations: %w", logPrefix, err)
		}
		if err := db.RunMigrations(ctx, pool, migrationSQL); err != nil {
			pool.Close()
			return nil, fmt.Errorf("%s - failed to run migrations: %w", logPrefix, err)
		}
	}
	repo := db.NewRepository(pool)
	s.instances = delegate.NewPostgresStore(repo)
	return registry.NewPostgresStore(repo), nil
}

// startHost builds the executor side and subscribes it to the handshake and
// packet subjects.
func (s *Server) startHost(ctx context.Context, reg *registry.Registry, publisher events.EventPublisher, m *metrics.Metrics) (*host.Subscriptions, error) {
	cfg := s.cfg
	keeper := channel.NewKeeper()
	s.hostChannels = keeper

	runtime := delegate.NewRuntime()
	for _, codeID := range cfg.DelegateCodeIDs {
		runtime.RegisterCode(codeID, delegate.EchoProgram{})
	}
	if s.instances != nil {
		if _, err := runtime.Restore(ctx, s.instances); err != nil {
			return nil, fmt.Errorf("%s - failed to restore delegates: %w", logPrefix, err)
		}
	}

	exec := executor.NewExecutor(executor.NewExecutorParams{
		Address:  cfg.ExecutorAddress,
		Channels: keeper,
		Registry: reg,
	})
	h := host.NewHost(host.NewHostParams{
		Executor:  exec,
		Runtime:   runtime,
		Keeper:    keeper,
		PortID:    cfg.TunnelPortID,
		Limiter:   ratelimit.New(cfg.PacketRateLimitRPS, cfg.PacketRateLimitBurst, limiterIdleTTL),
		Metrics:   m,
		Publisher: publisher,
	})

	subs, err := host.Serve(ctx, s.nc, h, host.ServeOpts{
		HandshakeSubject: cfg.HandshakeSubject,
		RequestTimeout:   cfg.RequestTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%s - failed to serve tunnel port %s: %w", logPrefix, cfg.TunnelPortID, err)
	}
	slog.Info(fmt.Sprintf("%s - Executor serving port %s (%d delegate codes)", logPrefix, cfg.TunnelPortID, len(cfg.DelegateCodeIDs)))
	return subs, nil
}

func (s *Server) closeBackends() {
	if s.pool != nil {
		s.pool.Close()
	}
	s.nc.Close()
}

// dispatchHandler decodes envelope requests, bounds them by the configured
// request timeout (or the caller's tighter deadline), and replies.
func (s *Server) dispatchHandler(ctx context.Context, disp *dispatcher.Dispatcher) comms.MsgHandler {
	requestTimeout := s.cfg.RequestTimeout
	return func(msg *comms.Msg) {
		var req dispatcher.Request
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			slog.Error(fmt.Sprintf("%s - failed to decode request: %v", logPrefix, err))
			commsutil.RespondJSON(msg, &dispatcher.Response{
				Ok: false,
				Error: &dispatcher.ErrorDetail{
					Code:    dispatcher.CodeInvalidRequest,
					Message: "Failed to decode request",
				},
			})
			return
		}

		reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		if d := callerTimeout(req.Ctx); d > 0 && d < requestTimeout {
			cancel()
			reqCtx, cancel = context.WithTimeout(ctx, d)
		}
		defer cancel()

		resp := disp.Dispatch(reqCtx, &req)
		if err := commsutil.RespondJSON(msg, resp); err != nil {
			slog.Error(fmt.Sprintf("%s - failed to respond: %v", logPrefix, err))
		}
	}
}

// callerTimeout returns the caller's requested deadline, preferring
// DeadlineMs over TimeoutMs. Zero means none.
func callerTimeout(ic *dispatcher.InvocationContext) time.Duration {
	if ic == nil {
		return 0
	}
	ms := ic.DeadlineMs
	if ms <= 0 {
		ms = ic.TimeoutMs
	}
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

func subjectOr(subject, fallback string) string {
	if subject == "" {
		return fallback
	}
	return subject
}
