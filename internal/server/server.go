// Package server runs the tangled hub: a websocket endpoint that lets remote
// windows share one registry store, plus metrics and health endpoints.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/nmxmxh/tangled/pkg/health"
	"github.com/nmxmxh/tangled/pkg/metrics"
)

// Server wires the hub, /metrics and /healthz onto one listener.
type Server struct {
	Hub     *Hub
	Health  *health.HealthChecker
	Metrics *metrics.Metrics
	log     *zap.Logger
}

// New creates a server. health and m may be nil to omit their endpoints.
func New(hub *Hub, checker *health.HealthChecker, m *metrics.Metrics, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{Hub: hub, Health: checker, Metrics: m, log: log.With(zap.String("module", "server"))}
}

// Handler returns the routing for every endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", s.Hub)
	if s.Metrics != nil {
		mux.Handle("/metrics", s.Metrics.Handler())
	}
	if s.Health != nil {
		mux.Handle("/healthz", s.Health.Handler())
	}
	return mux
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second, // Mitigate Slowloris
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.log.Info("Listening for WebSocket connections", zap.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		s.log.Info("Shutdown signal received. Initiating graceful server shutdown...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.Hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.log.Info("Server gracefully stopped.")
	return nil
}
