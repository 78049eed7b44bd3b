// Package app wires the coordinator's components together and owns their
// start and stop order.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"lingualink/internal/api"
	"lingualink/internal/auth"
	"lingualink/internal/availability"
	"lingualink/internal/broker"
	"lingualink/internal/clock"
	"lingualink/internal/config"
	"lingualink/internal/directory"
	"lingualink/internal/hub"
	"lingualink/internal/matching"
	"lingualink/internal/router"
	"lingualink/internal/session"
	"lingualink/internal/settlement"
	"lingualink/internal/websocket"
)

const (
	reconcileMaxAttempts = 5
	rateLimitWindow      = time.Minute
	reservationTTL       = time.Minute
)

// Application coordinates all system components.
type Application struct {
	config     *config.Config
	logger     *zap.Logger
	clock      clock.Clock
	store      directory.Store
	ledger     *settlement.Ledger
	settler    *settlement.Service
	reconciler *settlement.Reconciler
	registry   *availability.Registry
	broker     *broker.Broker
	sessions   *session.Manager
	router     *router.Router
	hub        *hub.Hub
	issuer     *auth.Issuer
	scheduler  *cron.Cron
	httpServer *http.Server

	cancel  context.CancelFunc
	monitor sync.WaitGroup
}

// NewApplication builds every component in dependency order, starting from
// the stores and ending with the HTTP server.
func NewApplication(cfg *config.Config, logger *zap.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	clk := clock.Real()

	store, err := directory.Open(cfg.Directory.Backend, cfg.Database(), clk, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open directory store: %w", err)
	}

	ledger, err := settlement.OpenLedger(cfg.Settlement.LedgerDriver, cfg.Settlement.LedgerDSN, clk)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to open settlement ledger: %w", err)
	}

	issuer, err := newIssuer(cfg, clk, logger)
	if err != nil {
		ledger.Close()
		store.Close()
		return nil, err
	}

	client := settlement.NewHTTPClient(cfg.Settlement.BaseURL, cfg.Settlement.Timeout, logger)
	settler := settlement.NewService(client, ledger, logger)

	wsRegistry := websocket.NewRegistry()
	gateway := hub.NewHub(wsRegistry, hub.Config{
		QueueSize: cfg.WebSocket.RetryQueue,
		QueueTTL:  cfg.Heartbeat.DisconnectGrace,
	}, clk, logger)

	registry := availability.NewRegistry(store, clk, logger, cfg.Matching.AvailabilityTTL)
	b := broker.NewBroker(store, registry, gateway, clk, logger, cfg.Matching.RequestTTL)
	registry.SetSweeper(b)

	sessions := session.NewManager(store, registry, settler, gateway, clk, logger, session.Config{
		HeartbeatInterval: cfg.Heartbeat.Interval,
		HeartbeatTimeout:  cfg.Heartbeat.Timeout,
		MonitorInterval:   cfg.Heartbeat.MonitorInterval,
		DisconnectGrace:   cfg.Heartbeat.DisconnectGrace,
		MaxSkew:           cfg.Heartbeat.MaxSkew,
		ReservationTTL:    reservationTTL,
		// An end still inside its first Finalize call is never recovered.
		EndingRecoveryAfter: max(session.DefaultConfig().EndingRecoveryAfter, 4*cfg.Settlement.Timeout),
	})
	reconciler := settlement.NewReconciler(settler, sessions, clk, logger,
		reconcileMaxAttempts, 2*cfg.Settlement.Timeout)

	machine := matching.NewMachine(b, registry, sessions, gateway, clk, logger)
	limiter := router.NewRateLimiter(cfg.WebSocket.RateLimit, rateLimitWindow, clk)
	messageRouter := router.NewRouter(registry, b, machine, sessions, gateway, limiter, logger)
	messageRouter.Register(gateway)

	apiServer := api.NewServer(api.Deps{
		Store:      store,
		Registry:   registry,
		Broker:     b,
		Machine:    machine,
		Sessions:   sessions,
		Settlement: settler,
		Gateway:    gateway,
		Issuer:     issuer,
		Clock:      clk,
		Logger:     logger,
		DevTokens:  cfg.Environment != "production",
	})

	wsHandler := websocket.NewHandler(issuer, gateway, websocket.HandlerConfig{
		PingInterval: cfg.WebSocket.PingInterval,
		ReadTimeout:  cfg.WebSocket.ReadTimeout,
		Connection: websocket.Options{
			BufferSize:   cfg.WebSocket.BufferSize,
			WriteTimeout: cfg.WebSocket.WriteTimeout,
		},
	}, logger)

	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer)
	mux.Handle("/health", apiServer)
	mux.HandleFunc("/ws", wsHandler.HandleWebSocket)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	app := &Application{
		config:     cfg,
		logger:     logger.Named("app"),
		clock:      clk,
		store:      store,
		ledger:     ledger,
		settler:    settler,
		reconciler: reconciler,
		registry:   registry,
		broker:     b,
		sessions:   sessions,
		router:     messageRouter,
		hub:        gateway,
		issuer:     issuer,
		httpServer: httpServer,
	}
	if err := app.schedule(); err != nil {
		app.closeStores()
		return nil, err
	}
	return app, nil
}

// newIssuer falls back to a per-process secret outside production, so tokens
// do not survive a restart.
func newIssuer(cfg *config.Config, clk clock.Clock, logger *zap.Logger) (*auth.Issuer, error) {
	secret := cfg.Auth.JWTSecret
	if secret == "" && cfg.Environment != "production" {
		secret = uuid.NewString() + uuid.NewString()
		logger.Warn("no auth.jwt_secret configured, using an ephemeral secret")
	}
	issuer, err := auth.NewIssuer(secret, cfg.Auth.TokenTTL, clk)
	if err != nil {
		return nil, fmt.Errorf("failed to create token issuer: %w", err)
	}
	return issuer, nil
}

// schedule registers the periodic jobs. Each job skips a tick while its
// previous run is still going.
func (app *Application) schedule() error {
	app.scheduler = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	jobs := []struct {
		name string
		spec string
		run  func(ctx context.Context)
	}{
		{"reconcile", app.config.Settlement.ReconcileSchedule, app.reconcileJob},
		{"expire-requests", app.config.Matching.ExpirySchedule, app.expireJob},
		{"purge-directory", app.config.Directory.PurgeEvery, app.purgeJob},
	}
	for _, job := range jobs {
		run := job.run
		timeout := app.config.Settlement.Timeout * 3
		if _, err := app.scheduler.AddFunc(job.spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			run(ctx)
		}); err != nil {
			return fmt.Errorf("failed to schedule %s: %w", job.name, err)
		}
	}
	return nil
}

func (app *Application) reconcileJob(ctx context.Context) {
	report, err := app.reconciler.RunOnce(ctx)
	if err != nil {
		app.logger.Warn("reconciliation failed", zap.Error(err))
		return
	}
	if report.Checked > 0 {
		app.logger.Info("reconciliation pass",
			zap.Int("checked", report.Checked),
			zap.Int("confirmed", report.Confirmed),
			zap.Int("retried", report.Retried),
			zap.Int("abandoned", report.Abandoned))
	}
}

func (app *Application) expireJob(ctx context.Context) {
	if _, err := app.broker.ExpireRequests(ctx); err != nil {
		app.logger.Warn("request expiry failed", zap.Error(err))
	}
}

func (app *Application) purgeJob(ctx context.Context) {
	purged, err := app.store.PurgeExpired(ctx)
	if err != nil {
		app.logger.Warn("directory purge failed", zap.Error(err))
		return
	}
	app.router.Cleanup()
	if purged > 0 {
		app.logger.Debug("directory purged", zap.Int64("keys", purged))
	}
}

// Start runs the gateway, the heartbeat monitor, the scheduler and finally
// the HTTP listener.
func (app *Application) Start(ctx context.Context) error {
	app.logger.Info("starting lingualink", zap.String("addr", app.httpServer.Addr))

	if err := app.hub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start message hub: %w", err)
	}

	monitorCtx, cancel := context.WithCancel(context.Background())
	app.cancel = cancel
	app.monitor.Add(1)
	go func() {
		defer app.monitor.Done()
		app.sessions.RunMonitor(monitorCtx)
	}()
	app.scheduler.Start()

	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case err := <-serverErrCh:
		app.stopBackground()
		return err
	case <-time.After(100 * time.Millisecond):
		app.logger.Info("lingualink started")
		return nil
	case <-ctx.Done():
		app.stopBackground()
		return ctx.Err()
	}
}

func (app *Application) stopBackground() {
	<-app.scheduler.Stop().Done()
	if app.cancel != nil {
		app.cancel()
		app.monitor.Wait()
	}
	if err := app.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		app.logger.Warn("message hub shutdown error", zap.Error(err))
	}
}

// Stop shuts down in reverse order: HTTP, background work, stores.
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info("shutting down lingualink")

	if err := app.httpServer.Shutdown(ctx); err != nil {
		app.logger.Warn("HTTP server shutdown error", zap.Error(err))
	}
	app.stopBackground()
	app.closeStores()

	app.logger.Info("lingualink shutdown complete")
	return nil
}

func (app *Application) closeStores() {
	if err := app.ledger.Close(); err != nil {
		app.logger.Warn("settlement ledger close error", zap.Error(err))
	}
	if err := app.store.Close(); err != nil {
		app.logger.Warn("directory store close error", zap.Error(err))
	}
}

// ReconcileOnce runs a single reconciliation pass outside the scheduler.
func (app *Application) ReconcileOnce(ctx context.Context) (settlement.Report, error) {
	return app.reconciler.RunOnce(ctx)
}

// Close releases the stores of an application that was never started.
func (app *Application) Close() {
	app.closeStores()
}

// Issuer returns the token issuer bound to the configured secret.
func (app *Application) Issuer() *auth.Issuer {
	return app.issuer
}

// Handler returns the root HTTP handler.
func (app *Application) Handler() http.Handler {
	return app.httpServer.Handler
}

// GetAddr returns the server address for external connections.
func (app *Application) GetAddr() string {
	return app.httpServer.Addr
}
