// Package health serves the operational endpoints: JSON health, liveness
// and readiness probes, and the Prometheus metrics page.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Yvictor/tpp/internal/pool"
)

const shutdownTimeout = 5 * time.Second

// Response is the JSON health object.
type Response struct {
	Status string        `json:"status"`
	Pool   pool.Snapshot `json:"pool"`
}

// Server serves /health, /healthz, /livez, /readyz, and /metrics.
type Server struct {
	pool  *pool.Pool
	mux   *http.ServeMux
	ready atomic.Bool
}

// NewServer wires the health routes around the given pool and metric
// registry.
func NewServer(p *pool.Pool, reg *prometheus.Registry) *Server {
	s := &Server{pool: p}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/livez", s.handleLiveness)
	s.mux.HandleFunc("/readyz", s.handleReadiness)
	s.mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return s
}

// MarkReady records that the startup token fill completed. Readiness stays
// true for the rest of the process lifetime.
func (s *Server) MarkReady() {
	s.ready.Store(true)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.pool.Snapshot()

	// Degraded when the pool is exhausted and connections are queued.
	status := "healthy"
	if snap.Available == 0 && snap.Waiting > 0 {
		status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(Response{Status: status, Pool: snap})
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.ready.Load() && s.pool.Snapshot().Total >= 1 {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
}

// Handler returns the route mux, for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start listens on addr and serves until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is like Start but on a caller-provided listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("[INFO] health: listening on %s", ln.Addr())

	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
