package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation marca entradas rechazadas antes de mutar estado.
	ErrValidation = errors.New("validation failed")
	// ErrIntegrity marca un desajuste entre filas del ledger y totales cacheados.
	ErrIntegrity = errors.New("ledger integrity violation")
	// ErrLiveHalt detiene el trading en modo live.
	ErrLiveHalt = errors.New("live trust gate failed: halting trading")
	// ErrGateAssertion hace fallar un run de backtest o dry_run.
	ErrGateAssertion = errors.New("trust gate assertion failed")
	// ErrNotFound indica que un recurso (fixture, mercado) no existe.
	ErrNotFound = errors.New("not found")
)

// ValidationError describe un campo inválido.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// GateMode es el modo en el que corre el trust gate del ledger.
type GateMode string

const (
	GateLive     GateMode = "live"
	GateBacktest GateMode = "backtest"
	GateDryRun   GateMode = "dry_run"
)

// ParseGateMode valida el modo del gate.
func ParseGateMode(s string) (GateMode, error) {
	switch m := GateMode(strings.ToLower(strings.TrimSpace(s))); m {
	case GateLive, GateBacktest, GateDryRun:
		return m, nil
	}
	return "", &ValidationError{Field: "mode", Reason: fmt.Sprintf("unknown gate mode %q", s)}
}

// GateError agrupa todas las violaciones encontradas por el trust gate.
// En live equivale a ErrLiveHalt, en backtest/dry_run a ErrGateAssertion.
type GateError struct {
	Mode   GateMode
	Issues []string
}

func (e *GateError) Error() string {
	prefix := ErrGateAssertion.Error()
	if e.Mode == GateLive {
		prefix = ErrLiveHalt.Error()
	}
	return fmt.Sprintf("%s (%d issues): %s", prefix, len(e.Issues), summarize(e.Issues, 5))
}

func (e *GateError) Is(target error) bool {
	switch target {
	case ErrIntegrity:
		return true
	case ErrLiveHalt:
		return e.Mode == GateLive
	case ErrGateAssertion:
		return e.Mode != GateLive
	}
	return false
}

// Fatal indica si el error debe detener el proceso.
func (e *GateError) Fatal() bool { return e.Mode == GateLive }

func summarize(issues []string, max int) string {
	if len(issues) <= max {
		return strings.Join(issues, "; ")
	}
	return strings.Join(issues[:max], "; ") + fmt.Sprintf("; ... (+%d more)", len(issues)-max)
}
