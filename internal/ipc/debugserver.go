package ipc

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"transferengine/internal/analytics"
	"transferengine/internal/taskstore"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// DebugServer is a loopback-only, read-only HTTP view onto engine state:
// lifetime/daily transfer stats and individual task lookups for operators
// and support tooling, never for task control. Grounded on the donor's
// ControlServer — same chi router plus loopback-enforcement middleware
// shape, minus the token auth and every mutating route (those live behind
// the Unix-socket Dispatcher instead).
type DebugServer struct {
	logger   *slog.Logger
	registry *taskstore.Registry
	stats    *analytics.StatsManager
	router   *chi.Mux
	port     int
}

func NewDebugServer(logger *slog.Logger, registry *taskstore.Registry, stats *analytics.StatsManager, port int) *DebugServer {
	s := &DebugServer{
		logger:   logger,
		registry: registry,
		stats:    stats,
		router:   chi.NewRouter(),
		port:     port,
	}
	s.routes()
	return s
}

func (s *DebugServer) routes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.loopbackOnly)
	s.router.Get("/v1/status", s.handleStatus)
	s.router.Get("/v1/tasks/{tid}", s.handleTask)
}

// loopbackOnly rejects anything not originating from 127.0.0.1/::1, the
// same enforcement the donor applies in its securityMiddleware, kept here
// even though this surface carries no token since it's still a local
// socket an unrelated process on the host could otherwise reach.
func (s *DebugServer) loopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, _ := net.SplitHostPort(r.RemoteAddr)
		if host != "127.0.0.1" && host != "::1" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *DebugServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.GetAnalytics())
}

func (s *DebugServer) handleTask(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "tid")
	tid, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		http.Error(w, "bad tid", http.StatusBadRequest)
		return
	}
	t, err := s.registry.Get(uint32(tid), "")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Start serves the debug listener on its own goroutine bound to loopback,
// matching the donor's ControlServer.Start.
func (s *DebugServer) Start() error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("debug server listen: %w", err)
	}
	go func() {
		if err := http.Serve(ln, s.router); err != nil && s.logger != nil {
			s.logger.Warn("debug server stopped", "error", err)
		}
	}()
	return nil
}
