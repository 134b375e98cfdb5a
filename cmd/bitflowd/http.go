package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bitflowhq/bitflow-core/engine"
	"github.com/bitflowhq/bitflow-core/metric"
)

// opsServer serves the operational HTTP surface: Prometheus metrics on
// /metrics and engine health on /healthz.
type opsServer struct {
	server *http.Server
	logger *slog.Logger
}

func newOpsServer(addr string, eng *engine.Engine, registry *metric.Registry, logger *slog.Logger) *opsServer {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.HandlerFor(
		registry.PrometheusRegistry(),
		promhttp.HandlerOpts{ErrorHandling: promhttp.ContinueOnError},
	))

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		status := eng.Health()

		w.Header().Set("Content-Type", "application/json")
		if !status.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(status); err != nil {
			logger.Warn("Failed to encode health response", "error", err)
		}
	})

	return &opsServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// start runs the listener in the background. Listen failures are reported
// on the returned channel since they happen after start returns.
func (s *opsServer) start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Operational HTTP server listening", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	return errCh
}

func (s *opsServer) stop(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("Operational HTTP server shutdown", "error", err)
	}
}
