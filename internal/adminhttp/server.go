// Package adminhttp serves the local observability surface: health, readiness,
// liveness, Prometheus metrics and a debug page describing hardware AES
// support. It has no effect on archive or extract semantics and is never part
// of the wire or manifest formats.
package adminhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/pprof"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenchrcum/vaultbackup/internal/crypto"
	"github.com/kenchrcum/vaultbackup/internal/debug"
	"github.com/kenchrcum/vaultbackup/internal/metrics"
	"github.com/kenchrcum/vaultbackup/internal/middleware"
)

// ReadyCheck reports whether the engine is ready to accept work. It is
// consulted by the /ready endpoint; a nil check always reports ready.
type ReadyCheck func(context.Context) error

// Server is the admin HTTP listener. It is independent of the session
// transport and can be started and stopped without affecting an in-flight
// archive or extract run.
type Server struct {
	httpServer *http.Server
	logger     *logrus.Logger
}

// New builds the admin router. listen is the address to bind, e.g.
// "127.0.0.1:9102"; an empty listen address means the admin surface is
// disabled and New is never called.
func New(listen string, m *metrics.Metrics, hw crypto.HardwareAccel, ready ReadyCheck, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}

	router := mux.NewRouter()
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.LoggingMiddleware(logger, m))

	router.Handle("/health", metrics.HealthHandler()).Methods(http.MethodGet)
	router.Handle("/live", metrics.LivenessHandler()).Methods(http.MethodGet)
	router.Handle("/ready", metrics.ReadinessHandler(func(ctx context.Context) error {
		if ready == nil {
			return nil
		}
		return ready(ctx)
	})).Methods(http.MethodGet)
	router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/debug/info", debugInfoHandler(hw)).Methods(http.MethodGet)

	if debug.Enabled() {
		registerPprof(router)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:    listen,
			Handler: router,
		},
		logger: logger,
	}
}

// ListenAndServe starts the admin listener. It blocks until the server stops
// and returns http.ErrServerClosed on a clean Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("admin HTTP surface listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the admin listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func debugInfoHandler(hw crypto.HardwareAccel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info := hw.Info()
		info["debug_logging_enabled"] = debug.Enabled()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(info)
	}
}

func registerPprof(router *mux.Router) {
	router.HandleFunc("/debug/pprof/", pprof.Index)
	router.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	router.HandleFunc("/debug/pprof/profile", pprof.Profile)
	router.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	router.HandleFunc("/debug/pprof/trace", pprof.Trace)
	// Named runtime profiles (heap, goroutine, block, ...) are served by the
	// handlers pprof's own init() registers on http.DefaultServeMux.
	router.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)
}
