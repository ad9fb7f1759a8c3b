package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/alejandrodnm/polycopy/internal/metrics"
)

// Server sirve el estado del loop en segundo plano.
type Server struct {
	state *State
	srv   *http.Server
	now   func() time.Time
}

// NewServer crea el servidor sobre addr (p.ej. ":8080").
func NewServer(addr string, state *State) *Server {
	s := &Server{state: state, now: time.Now}
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Router devuelve el handler con todas las rutas.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.Timeout(10 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/", s.handleHealth)
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Handle("/metrics", metrics.Handler())
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Not found"})
	})
	return r
}

// Start arranca el servidor en una goroutine.
func (s *Server) Start() {
	go func() {
		slog.Info("health: listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("health: server error", "err", err)
		}
	}()
}

// Shutdown para el servidor y marca el estado como no activo.
func (s *Server) Shutdown(ctx context.Context) error {
	s.state.SetRunning(false)
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("health.Shutdown: %w", err)
	}
	slog.Info("health: server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	code := http.StatusOK
	if !s.state.Running() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, s.state.Snapshot(s.now()))
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.state.Ready() {
		writeJSON(w, http.StatusOK, map[string]any{"ready": true})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "reason": "Not yet initialized"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("health: encode response", "err", err)
	}
}
