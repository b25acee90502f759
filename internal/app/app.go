// Package app wires the dispatch engine together and runs it.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/foxzi/volley/internal/client"
	"github.com/foxzi/volley/internal/config"
	"github.com/foxzi/volley/internal/dispatch"
	"github.com/foxzi/volley/internal/health"
	"github.com/foxzi/volley/internal/metrics"
	"github.com/foxzi/volley/internal/proxy"
	"github.com/foxzi/volley/internal/ratelimit"
	"github.com/foxzi/volley/internal/sender"
	"github.com/foxzi/volley/internal/store"
	"github.com/foxzi/volley/internal/transport"
)

// App is the main application
type App struct {
	config        *config.Config
	store         *store.Store
	pool          *proxy.Pool
	leaser        *client.Leaser
	monitor       *health.Monitor
	sender        *sender.Sender
	manager       *dispatch.Manager
	rateLimiter   *ratelimit.Limiter
	metrics       *metrics.Metrics
	metricsServer *metrics.Server
	scheduler     *cron.Cron
	logger        *slog.Logger
}

// New creates a new application
func New(cfg *config.Config) (*App, error) {
	logger := setupLogger(cfg.Logging)

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	pool := proxy.NewPool(st, logger)
	connector := transport.NewSMTPConnector(cfg.Transport.SessionsDir, cfg.Transport.HelloName)
	leaser := client.NewLeaser(st, pool, connector, cfg.Transport.ConnectTimeout, logger)

	prober := &leaseProber{leaser: leaser, peer: cfg.Health.ProbePeer}
	monitor := health.NewMonitor(st, prober, cfg.Health.CacheTTL, logger)

	m := metrics.New()
	leaser.SetMetrics(m)

	snd := sender.New(st, leaser, monitor, m, logger)

	var rateLimiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		rateLimiter, err = ratelimit.NewLimiter(st.DB(), cfg.RateLimit.Limits)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to create rate limiter: %w", err)
		}
		snd.SetLimiter(rateLimiter)
		logger.Info("local pacing enabled")
	}

	manager := dispatch.NewManager(st, snd, monitor, m, logger)

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, logger)
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Maintenance.DailyResetSchedule, func() {
		reset, err := st.ResetDailyCounters()
		if err != nil {
			logger.Error("daily counter reset failed", "error", err)
			return
		}
		logger.Info("daily counters reset", "accounts", reset)
	}); err != nil {
		st.Close()
		return nil, fmt.Errorf("invalid daily reset schedule: %w", err)
	}
	if _, err := scheduler.AddFunc(fmt.Sprintf("@every %s", cfg.Maintenance.SweepInterval), func() {
		if removed := monitor.Sweep(); removed > 0 {
			logger.Debug("health cache swept", "removed", removed)
		}
	}); err != nil {
		st.Close()
		return nil, fmt.Errorf("invalid sweep interval: %w", err)
	}

	return &App{
		config:        cfg,
		store:         st,
		pool:          pool,
		leaser:        leaser,
		monitor:       monitor,
		sender:        snd,
		manager:       manager,
		rateLimiter:   rateLimiter,
		metrics:       m,
		metricsServer: metricsServer,
		scheduler:     scheduler,
		logger:        logger,
	}, nil
}

// Manager exposes the job manager for command handlers.
func (a *App) Manager() *dispatch.Manager {
	return a.manager
}

// Store exposes the persistent store for command handlers.
func (a *App) Store() *store.Store {
	return a.store
}

// Logger exposes the configured root logger.
func (a *App) Logger() *slog.Logger {
	return a.logger
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting volley",
		"hostname", a.config.Server.Hostname,
		"storage", a.config.Storage.Path,
		"metrics_enabled", a.config.Metrics.Enabled,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.scheduler.Start()

	errCh := make(chan error, 1)
	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Running jobs first: each gets the grace period, then a hard cancel.
	for _, jobID := range a.manager.Running() {
		if err := a.manager.StopJob(jobID); err != nil {
			a.logger.Error("failed to stop job", "job_id", jobID, "error", err)
		}
	}

	cronCtx := a.scheduler.Stop()
	select {
	case <-cronCtx.Done():
	case <-shutdownCtx.Done():
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	// Stop rate limiter (persists counters)
	if a.rateLimiter != nil {
		if err := a.rateLimiter.Stop(); err != nil {
			a.logger.Error("rate limiter stop error", "error", err)
		}
	}

	if err := a.store.Close(); err != nil {
		a.logger.Error("store close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// leaseProber checks an account's live status through the account's own
// connection, proxy assignment included.
type leaseProber struct {
	leaser *client.Leaser
	peer   string
}

func (p *leaseProber) Probe(ctx context.Context, accountID string) (string, error) {
	lease, err := p.leaser.Acquire(ctx, accountID)
	if err != nil {
		return "", err
	}
	defer lease.Release()
	return lease.Conn.Probe(ctx, p.peer)
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
