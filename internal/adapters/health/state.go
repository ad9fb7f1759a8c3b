// Package health expone el estado del loop por HTTP: /health, /ready y
// /metrics. El mismo *State se inyecta en el loop y en el servidor.
package health

import (
	"sync/atomic"
	"time"
)

// State es el estado compartido entre el loop de control y el servidor.
// Todos sus campos son atómicos.
type State struct {
	startedAt time.Time
	lastCheck atomic.Int64 // unix nanos, 0 = sin iteraciones
	lastError atomic.Pointer[string]
	running   atomic.Bool
	positions atomic.Int64
	trades    atomic.Int64
}

// NewState crea un estado en marcha.
func NewState(now time.Time) *State {
	s := &State{startedAt: now}
	s.running.Store(true)
	return s
}

// Update registra una iteración completada. Un err nil conserva el último error.
func (s *State) Update(now time.Time, positions, trades int, err error) {
	s.lastCheck.Store(now.UnixNano())
	s.positions.Store(int64(positions))
	s.trades.Store(int64(trades))
	if err != nil {
		msg := err.Error()
		s.lastError.Store(&msg)
	}
}

// SetRunning marca el loop como activo o parado.
func (s *State) SetRunning(v bool) { s.running.Store(v) }

// Running indica si el loop sigue activo.
func (s *State) Running() bool { return s.running.Load() }

// Ready es true tras la primera iteración completada.
func (s *State) Ready() bool { return s.lastCheck.Load() != 0 }

// Status es la vista JSON del estado.
type Status struct {
	Status         string     `json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	LastCheck      *time.Time `json:"last_check"`
	UptimeSeconds  float64    `json:"uptime_seconds"`
	PositionsCount int64      `json:"positions_count"`
	TradesCount    int64      `json:"trades_count"`
	LastError      *string    `json:"last_error"`
}

// Snapshot devuelve una copia consistente campo a campo del estado.
func (s *State) Snapshot(now time.Time) Status {
	st := Status{
		Status:         "healthy",
		StartedAt:      s.startedAt,
		UptimeSeconds:  now.Sub(s.startedAt).Seconds(),
		PositionsCount: s.positions.Load(),
		TradesCount:    s.trades.Load(),
		LastError:      s.lastError.Load(),
	}
	if !s.Running() {
		st.Status = "unhealthy"
	}
	if ns := s.lastCheck.Load(); ns != 0 {
		t := time.Unix(0, ns).UTC()
		st.LastCheck = &t
	}
	return st
}
