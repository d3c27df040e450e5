package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trickstertwo/xqueue"
)

// Server serves Prometheus metrics and client health over HTTP.
type Server struct {
	httpServer *http.Server
}

// NewServer exposes /metrics from gatherer and /health from hc on addr
// (e.g. ":9090"). A nil hc always reports healthy.
func NewServer(addr string, gatherer prometheus.Gatherer, hc xqueue.HealthChecker) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if hc == nil {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok")) //nolint:errcheck // best-effort health response
			return
		}
		h := hc.Health(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if h.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":    h.Status,
			"message":   h.Message,
			"timestamp": h.Timestamp,
			"metrics":   h.Metrics,
		})
	})

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start begins serving. It does not block; the returned channel receives
// an error if the server fails and is closed when it stops.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
