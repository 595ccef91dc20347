package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/a-essam23/go-courier/internal/call"
	"github.com/a-essam23/go-courier/internal/chat"
	"github.com/a-essam23/go-courier/internal/engine"
	"github.com/a-essam23/go-courier/internal/observability"
	"github.com/a-essam23/go-courier/internal/reaper"
	"github.com/a-essam23/go-courier/internal/router"
	"github.com/a-essam23/go-courier/internal/server/middleware"
	"github.com/a-essam23/go-courier/internal/store"
	"github.com/a-essam23/go-courier/pkg/config"
	"github.com/a-essam23/go-courier/pkg/state"
	"github.com/a-essam23/go-courier/pkg/state/statemanager"
	"github.com/a-essam23/go-courier/pkg/transport"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

const defaultShutdownTimeout = 10 * time.Second

type App struct {
	logger       *slog.Logger
	config       *config.Config
	store        *store.Store
	registry     *statemanager.InMemoryManager
	calls        *call.Coordinator
	metrics      *observability.Metrics
	reaper       *reaper.Reaper
	chatRouter   *router.EventRouter
	signalRouter *router.EventRouter

	mux  *http.ServeMux
	http *http.Server
	wg   sync.WaitGroup

	ctx context.Context
}

// NewApp wires the registry, the chat and call services and both routers
// over an opened, migrated store. The caller owns the store.
func NewApp(ctx context.Context, logger *slog.Logger, cfg *config.Config, st *store.Store) (*App, error) {
	app := &App{
		logger:   logger.With(slog.String("component", "server")),
		config:   cfg,
		store:    st,
		registry: statemanager.NewInMemoryManager(logger),
		ctx:      ctx,
	}

	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		// scraped only after the coordinator below exists
		app.metrics = observability.NewMetrics(reg, app.registry, func() int { return app.calls.Active() })
	}
	app.calls = call.NewCoordinator(st, app.registry, app.metrics, logger)

	actions := engine.New(logger)
	actions.RegisterCore(engine.Services{
		Registry:        app.registry,
		Bootstrapper:    chat.NewBootstrapper(st, logger),
		Dispatcher:      chat.NewDispatcher(st, app.registry, app.metrics, logger),
		Calls:           app.calls,
		ConnectionLimit: cfg.Server.ConnectionLimit,
	})
	if err := config.CompilePipelines(cfg, actions.Kinds(), actions.GetActionFunc, actions.GetModifierFactory); err != nil {
		return nil, fmt.Errorf("failed to compile event pipelines: %w", err)
	}

	opts := router.Options{Observer: app.metrics, Subject: middleware.SubjectFrom}
	app.chatRouter = router.NewEventRouter(logger, app.registry, cfg.Pipelines, opts)
	app.signalRouter = router.NewSignalRouter(logger, app.registry, cfg.Pipelines, opts)

	r, err := reaper.New(app.registry, app.metrics, cfg.Reaper.Interval, logger)
	if err != nil {
		return nil, err
	}
	app.reaper = r

	app.mux = http.NewServeMux()
	// the limit is per channel, so each route counts its own connections
	upgradeChain := func(channel state.Channel, rt *router.EventRouter) http.Handler {
		return middleware.Chain(app.upgradeHandler(channel, rt),
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(logger),
			middleware.NewAuthMiddleware(logger, cfg.Server.Auth.JWTSecret),
			middleware.NewConnectionLimiter(
				logger,
				func(userID string) int { return app.registry.UserConnectionCount(userID, channel) },
				func(userID string) { app.cycleOldest(userID, channel) },
				cfg.Server.ConnectionLimit,
			),
		)
	}
	app.mux.Handle("/ws", upgradeChain(state.ChannelChat, app.chatRouter))
	app.mux.Handle("/signal", upgradeChain(state.ChannelSignal, app.signalRouter))
	app.mux.HandleFunc("/healthz", app.healthHandler)
	if app.metrics != nil {
		app.mux.Handle(cfg.Metrics.Path, app.metrics.Handler())
	}

	app.http = &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           app.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(l net.Listener) context.Context {
			return app.ctx
		},
	}
	return app, nil
}

// Handler exposes the routes without a listener.
func (a *App) Handler() http.Handler {
	return a.mux
}

// Run serves until the app context is cancelled or the listener fails, then
// shuts down.
func (a *App) Run() error {
	a.reaper.Start()

	g, ctx := errgroup.WithContext(a.ctx)
	g.Go(func() error {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return a.Shutdown()
	})
	return g.Wait()
}

func (a *App) upgradeHandler(channel state.Channel, r *router.EventRouter) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		reqMeta, ok := middleware.ReqMetadataFrom(req.Context())
		if !ok {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		connLogger := a.logger.With(
			slog.String("remoteAddr", reqMeta.IP),
			slog.String("channel", string(channel)),
		)

		wsConn, err := websocket.Accept(w, req, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			connLogger.Error("Failed to accept websocket connection", slog.Any("error", err))
			return
		}

		conn := transport.NewConnection(
			req.Context(),
			&a.wg,
			wsConn,
			transport.ConnectionConfig(a.config.Transport),
			r.HandleMessage,
			nil,
			a.logger,
		)
		stateConn, err := a.registry.Add(conn, channel, reqMeta.IP)
		if err != nil {
			connLogger.Error("Failed to register connection state", slog.Any("error", err))
			conn.Close(err)
			return
		}
		conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
			connLogger.Info("Deregistering connection due to closure", slog.String("connID", id.String()))
			a.registry.Unregister(id, closeReason(err))
		})

		// a token subject identifies the connection up front
		if reqMeta.Subject != "" {
			if err := a.bindSubject(stateConn.ID, reqMeta.Subject, channel); err != nil {
				connLogger.Error("Failed to associate user with connection", slog.Any("error", err))
				conn.Close(err)
				return
			}
			connLogger = connLogger.With(slog.String("userID", reqMeta.Subject))
		}

		connLogger.Info("Connection established", slog.String("connID", stateConn.ID.String()))
		conn.Run()
		<-conn.Done()
	}
}

func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.store.Ping(ctx); err != nil {
		a.logger.Warn("Health check failed", slog.Any("error", err))
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	users, conns := a.registry.Counts()
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"status":"ok","users":%d,"connections":%d}`, users, conns)
}

// bindSubject registers a handshake-authenticated connection. The limiter
// middleware only pre-checks, so a concurrent upgrade for the same user is
// settled here.
func (a *App) bindSubject(connID uuid.UUID, subject string, channel state.Channel) error {
	limit := a.config.Server.ConnectionLimit
	_, err := a.registry.RegisterWithin(connID, subject, limit.MaxPerUser)
	if errors.Is(err, state.ErrLimitReached) && limit.Mode == "cycle" {
		a.cycleOldest(subject, channel)
		_, err = a.registry.RegisterWithin(connID, subject, limit.MaxPerUser)
	}
	return err
}

func (a *App) cycleOldest(userID string, channel state.Channel) {
	oldest, found := a.registry.FindOldestUserConnection(userID, channel)
	if !found {
		return
	}
	a.logger.Info("Cycling connection: closing oldest", slog.String("userID", userID), slog.String("connID", oldest.ID.String()))
	oldest.Transport.Close(errors.New("connection cycled by new connection"))
	a.registry.Unregister(oldest.ID, "cycled")
}

// graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	timeout := a.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := a.http.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := a.reaper.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("reaper stop: %w", err))
	}

	// hijacked websocket connections are not covered by http.Server.Shutdown
	conns := a.registry.AllConnections()
	a.logger.Info("Closing all active connections...", slog.Int("count", len(conns)))
	for _, conn := range conns {
		conn.Transport.Close(errors.New("graceful shutdown"))
	}

	// wait for all connection goroutines to finish their cleanup.
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for connections: %w", ctx.Err()))
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	a.logger.Info("Server shut down gracefully.")
	return nil
}

func closeReason(err error) string {
	if err == nil {
		return "closed"
	}
	if status := websocket.CloseStatus(err); status != -1 {
		return "peer closed: " + status.String()
	}
	return err.Error()
}
