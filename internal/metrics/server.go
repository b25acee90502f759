package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server serves Prometheus metrics and the health endpoint over HTTP.
type Server struct {
	httpServer *http.Server
	metrics    *Metrics
	addr       string
	logger     *slog.Logger
	startedAt  time.Time
	stopCh     chan struct{}
}

// NewServer creates the metrics HTTP server.
func NewServer(m *Metrics, addr string, logger *slog.Logger) *Server {
	if addr == "" {
		addr = ":9090"
	}
	return &Server{
		metrics: m,
		addr:    addr,
		logger:  logger.With("component", "metrics_server"),
		stopCh:  make(chan struct{}),
	}
}

// ListenAndServe starts the server and the system-gauge refresher.
func (s *Server) ListenAndServe() error {
	s.startedAt = time.Now()
	go s.refreshLoop()

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(
		s.metrics.Registry(),
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: r,
	}

	s.logger.Info("starting metrics server", "addr", s.addr)
	return s.httpServer.ListenAndServe()
}

// refreshLoop keeps the system gauges current.
func (s *Server) refreshLoop() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.metrics.UptimeSeconds.Set(time.Since(s.startedAt).Seconds())
			s.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.stopCh)
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down metrics server")
	return s.httpServer.Shutdown(ctx)
}
