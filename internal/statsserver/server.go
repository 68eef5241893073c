// Package statsserver exposes the orchestrator's stats snapshot over
// HTTP for the out-of-scope inspector/Telegram glue to poll (spec.md's
// "statistics snapshot interface" external collaborator).
//
// Grounded on the teacher's internal/api/server.go http.Server
// construction (mux, fixed timeouts, graceful Shutdown) — simplified
// from a websocket-streaming trading dashboard to two read-only JSON
// endpoints, since this service has no fills/orders/positions to push
// live, only periodic counters.
package statsserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Provider is implemented by the orchestrator.
type Provider interface {
	Stats() any
}

// Server serves /health and /stats.
type Server struct {
	server *http.Server
	logger *slog.Logger
}

// New builds a stats server bound to port, backed by provider.
func New(port int, provider Provider, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(provider.Stats()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})

	return &Server{
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With("component", "stats_server"),
	}
}

// Start runs the HTTP server in the background. Listen errors other
// than a clean shutdown are logged.
func (s *Server) Start() {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("stats server failed", "error", err)
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
