// Package exporters serves the Prometheus registry over HTTP.
package exporters

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kidcam/camhls/internal/logging"
)

// HealthCheck returns nil while the daemon can do its job.
type HealthCheck func(ctx context.Context) error

// Server exposes /metrics and /healthz on a dedicated listener.
type Server struct {
	srv    *http.Server
	health HealthCheck
	logger logging.Logger
}

// NewServer creates a metrics server for addr (host:port). A nil health
// check always reports healthy.
func NewServer(addr string, health HealthCheck, logger logging.Logger) *Server {
	s := &Server{health: health, logger: logger}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.InstrumentMetricHandler(
		prometheus.DefaultRegisterer,
		promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{ErrorLog: errorLog{logger}}),
	))
	mux.HandleFunc("GET /healthz", s.healthz)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			s.logger.Warn("Health check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "unhealthy: %v\n", err)
			return
		}
	}
	fmt.Fprintln(w, "ok")
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("metrics listen %s: %w", s.srv.Addr, err)
	}
	s.logger.Info("Metrics listening", "addr", ln.Addr().String())
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Metrics server failed", "error", err)
		}
	}()
	return nil
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// errorLog adapts promhttp's Println logger.
type errorLog struct{ logger logging.Logger }

func (l errorLog) Println(v ...any) {
	l.logger.Error("Metrics gathering failed", "error", fmt.Sprint(v...))
}
