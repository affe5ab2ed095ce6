// Package web serves the optional sysmqtt status endpoints: liveness,
// readiness and Prometheus metrics.
package web

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// ReadyFunc reports whether the bridge currently holds a live MQTT session.
type ReadyFunc func() bool

// Server is the HTTP status listener.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// New creates a status server. The metrics handler may be nil, in which
// case /metrics returns 404.
func New(listen string, ready ReadyFunc, metrics http.Handler, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if ready != nil && ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}

	return &Server{
		srv: &http.Server{
			Addr:              listen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	go func() {
		s.logger.Info("status server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("status server failed", "error", err)
		}
	}()
}

// Shutdown stops the listener, waiting briefly for in-flight requests.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s.srv.Shutdown(ctx)
}
