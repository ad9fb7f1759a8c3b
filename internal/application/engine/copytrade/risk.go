package copytrade

import (
	"fmt"
	"math"
	"time"
)

// RiskConfig son los límites de pérdida en fracción del budget inicial.
type RiskConfig struct {
	MaxDailyLossPct float64
	MaxTotalLossPct float64
	Cooldown        time.Duration
}

// DefaultRisk devuelve 10% diario, 25% total y 5 minutos de cooldown.
func DefaultRisk() RiskConfig {
	return RiskConfig{MaxDailyLossPct: 0.10, MaxTotalLossPct: 0.25, Cooldown: 300 * time.Second}
}

// RiskManager bloquea ciclos tras pérdidas. No es seguro para uso concurrente.
type RiskManager struct {
	cfg      RiskConfig
	budget   float64
	lastLoss time.Time
	now      func() time.Time
}

// NewRiskManager crea el manager para un budget inicial.
func NewRiskManager(budget float64, cfg RiskConfig) *RiskManager {
	def := DefaultRisk()
	if cfg.MaxDailyLossPct <= 0 {
		cfg.MaxDailyLossPct = def.MaxDailyLossPct
	}
	if cfg.MaxTotalLossPct <= 0 {
		cfg.MaxTotalLossPct = def.MaxTotalLossPct
	}
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}
	return &RiskManager{cfg: cfg, budget: budget, now: time.Now}
}

// Check devuelve "" si se puede operar o el motivo del bloqueo. Con varios
// motivos gana el último evaluado: diario, total, cooldown.
func (r *RiskManager) Check(totalPnL, dailyPnL float64) string {
	if r.budget <= 0 {
		return ""
	}
	var reason string
	if loss := math.Abs(math.Min(0, dailyPnL)) / r.budget; loss >= r.cfg.MaxDailyLossPct {
		reason = fmt.Sprintf("daily loss limit hit: %.1f%%", loss*100)
	}
	if loss := math.Abs(math.Min(0, totalPnL)) / r.budget; loss >= r.cfg.MaxTotalLossPct {
		reason = fmt.Sprintf("total loss limit hit: %.1f%%", loss*100)
	}
	if !r.lastLoss.IsZero() {
		if left := r.cfg.Cooldown - r.now().Sub(r.lastLoss); left > 0 {
			reason = fmt.Sprintf("cooldown: %ds remaining", int(left.Seconds()))
		}
	}
	return reason
}

// RecordLoss arranca el cooldown.
func (r *RiskManager) RecordLoss() { r.lastLoss = r.now() }

// SetClock reemplaza el reloj. Solo para tests.
func (r *RiskManager) SetClock(now func() time.Time) { r.now = now }
