// Package ops exposes the operational HTTP surface while a batch run is in
// flight: liveness and the Prometheus registry. There is no functional API;
// the crawler is driven entirely by its CLI entry points.
package ops

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mkalish/videodb-crawler/internal/logging"
)

// Server serves /healthz and /metrics on one listener.
type Server struct {
	srv *http.Server
}

// NewServer builds the router. addr follows net/http conventions
// (":9090", "127.0.0.1:9090").
func NewServer(addr string) *Server {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start serves in the background. Errors other than a clean shutdown are
// logged; the ops surface never takes down a run.
func (s *Server) Start() {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.L.Warn("ops server stopped", zap.Error(err))
		}
	}()
	logging.L.Info("ops server listening", zap.String("addr", s.srv.Addr))
}

// Shutdown drains the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
