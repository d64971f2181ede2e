// Package app assembles the signaling broker: store, peer registry, router,
// hub and the HTTP server that exposes them.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"livesession/internal/api"
	"livesession/internal/broker"
	"livesession/internal/config"
	"livesession/internal/store"
	"livesession/internal/telemetry"
)

// limiterIdle is how long a peer's rate bucket survives without traffic.
const limiterIdle = 10 * time.Minute

// Application coordinates all broker components
type Application struct {
	config     *config.Config
	logger     *slog.Logger
	store      *store.Store
	registry   *broker.Registry
	limiter    *broker.RateLimiter
	router     *broker.Router
	hub        *broker.Hub
	apiServer  *api.Server
	httpServer *http.Server
	listener   net.Listener
	janitor    chan struct{}
}

// NewApplication builds every component in dependency order:
// Store → Registry → Router → Hub → API → HTTP
func NewApplication(cfg *config.Config, logger *slog.Logger, metrics *telemetry.Metrics) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// STEP 1: store, migrations applied on open
	st, err := store.Open(cfg.StoreConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	// STEP 2: peer tracking and routing
	registry := broker.NewRegistry()
	limiter := broker.NewRateLimiter(cfg.Broker.RateLimit, cfg.Broker.RateBurst)
	router := broker.NewRouter(registry, limiter, logger)
	router.SetMetrics(metrics)
	hub := broker.NewHub(registry, router, logger)

	// STEP 3: HTTP surface
	apiServer := api.NewServer(st, registry, logger)
	handler := broker.NewHandler(cfg.Broker.Key, registry, hub, logger)

	mux := http.NewServeMux()
	mux.Handle(strings.TrimSuffix(cfg.Broker.Path, "/")+"/peerjs", handler)
	mux.Handle("/api/", apiServer)
	mux.Handle("/health", apiServer)

	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Broker.Host, fmt.Sprint(cfg.Broker.Port)),
		Handler:      mux,
		ReadTimeout:  cfg.Broker.ReadTimeout,
		WriteTimeout: cfg.Broker.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		logger:     logger.With("component", "app"),
		store:      st,
		registry:   registry,
		limiter:    limiter,
		router:     router,
		hub:        hub,
		apiServer:  apiServer,
		httpServer: httpServer,
		janitor:    make(chan struct{}),
	}, nil
}

// Start runs the hub and then begins accepting connections.
func (app *Application) Start(ctx context.Context) error {
	// STEP 1: hub first so frames have somewhere to go
	if err := app.hub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hub: %w", err)
	}

	// STEP 2: bind before returning so callers know the real address
	ln, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		_ = app.hub.Stop()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.listener = ln

	go func() {
		if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error("HTTP server error", "error", err)
		}
	}()
	go app.cleanLimiter()

	app.logger.Info("broker started", "addr", ln.Addr().String(), "path", app.config.Broker.Path)
	return nil
}

// cleanLimiter drops rate buckets of peers that went quiet.
func (app *Application) cleanLimiter() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			app.limiter.Cleanup(limiterIdle)
		case <-app.janitor:
			return
		}
	}
}

// Stop shuts down in reverse order: HTTP → Hub → Store
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info("shutting down broker")

	if err := app.httpServer.Shutdown(ctx); err != nil {
		app.logger.Warn("HTTP server shutdown error", "error", err)
	}
	select {
	case <-app.janitor:
	default:
		close(app.janitor)
	}
	if err := app.hub.Stop(); err != nil && !errors.Is(err, broker.ErrHubNotRunning) {
		app.logger.Warn("hub shutdown error", "error", err)
	}
	if err := app.store.Close(); err != nil {
		app.logger.Warn("store shutdown error", "error", err)
	}

	app.logger.Info("broker shutdown complete")
	return nil
}

// Addr is the bound address once started, the configured one before.
func (app *Application) Addr() string {
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Store is the broker's recording store.
func (app *Application) Store() *store.Store {
	return app.store
}
