// Package health serves the optional observability HTTP surface: a JSON
// health probe with the current metrics snapshot, and a Prometheus
// scrape endpoint.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Hideous-Monster/voxclaw/internal/observe"
)

// probeTimeouts bound slow or stuck probe clients.
const (
	readTimeout  = 5 * time.Second
	writeTimeout = 10 * time.Second
)

// sessionStatus is the per-session part of the health response.
type sessionStatus struct {
	DurationSec float64        `json:"duration"`
	Metrics     map[string]any `json:"metrics"`
}

// status is the health response body.
type status struct {
	Status         string        `json:"status"`
	UptimeSec      float64       `json:"uptime"`
	CurrentSession sessionStatus `json:"currentSession"`
}

// Server serves GET /health and GET /metrics on a dedicated port. Every
// other path returns 404.
type Server struct {
	metrics *observe.Metrics
	srv     *http.Server
}

// New creates a Server listening on the given port.
func New(port int, metrics *observe.Metrics) *Server {
	s := &Server{metrics: metrics}
	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	return s
}

// Handler returns the route table wrapped in the tracing middleware,
// exposed separately for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/health", getOnly(http.HandlerFunc(s.handleHealth)))
	mux.Handle("/metrics", getOnly(promhttp.Handler()))
	return observe.Middleware(s.metrics)(mux)
}

// getOnly restricts h to GET requests, matching the behaviour of the
// method-qualified mux patterns that require Go 1.22.
func getOnly(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// Start serves until Shutdown. It blocks.
func (s *Server) Start() error {
	slog.Info("health server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health: serve: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := status{
		Status:    "ok",
		UptimeSec: s.metrics.Uptime().Seconds(),
		CurrentSession: sessionStatus{
			DurationSec: float64(s.metrics.Gauge(observe.GaugeSessionDurationSec)),
			Metrics:     s.metrics.Snapshot(),
		},
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("health response write failed", "err", err)
	}
}
