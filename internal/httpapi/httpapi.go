// Package httpapi implements the introspection HTTP server named in
// SPEC_FULL.md §6: read-only /healthz, /status and /metrics endpoints.
// Grounded on the teacher's internal/app registerHandlers/gorilla-mux
// wiring, trimmed to this spec's read-only scope (no config-reload or
// log-ingest endpoints - those mutate state and belong to the supervisor's
// own reload path, not this introspection surface).
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"logcollector/internal/metrics"
	"logcollector/internal/types"
)

// StatusProvider supplies the live per-source and per-listener snapshot for
// GET /status.
type StatusProvider interface {
	SourceStats() map[string]types.SourceStats
	ListenerStatus() map[int]string
}

// Server wraps an http.Server exposing the three read-only endpoints.
type Server struct {
	httpServer *http.Server
	logger     *logrus.Logger
}

// New builds a configured but unstarted introspection server.
func New(addr string, logger *logrus.Logger, status StatusProvider) *Server {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", healthzHandler).Methods(http.MethodGet)
	router.HandleFunc("/status", statusHandler(status)).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	return &Server{
		httpServer: &http.Server{Addr: addr, Handler: router},
		logger:     logger,
	}
}

// ListenAndServe runs the server; returns http.ErrServerClosed on graceful Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("introspection server listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type statusResponse struct {
	Sources   map[string]types.SourceStats `json:"sources"`
	Listeners map[int]string               `json:"listeners"`
}

func statusHandler(status StatusProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		resp := statusResponse{
			Sources:   status.SourceStats(),
			Listeners: status.ListenerStatus(),
		}
		json.NewEncoder(w).Encode(resp)
	}
}
