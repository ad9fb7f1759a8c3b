package copytrade

import (
	"math"
	"sort"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

// SizingConfig son los límites del sizer proporcional, en fracción del budget.
type SizingConfig struct {
	MaxPositionPct float64
	MinPositionPct float64
	RebalancePct   float64
}

// DefaultSizing devuelve max 15%, min 1% y rebalanceo con diferencias > 10%.
func DefaultSizing() SizingConfig {
	return SizingConfig{MaxPositionPct: 0.15, MinPositionPct: 0.01, RebalancePct: 0.10}
}

// Sizer replica la asignación de la wallet objetivo escalada a nuestro budget.
type Sizer struct {
	budget float64
	cfg    SizingConfig
}

// NewSizer crea un sizer. Los campos a cero toman los valores por defecto.
func NewSizer(budget float64, cfg SizingConfig) *Sizer {
	def := DefaultSizing()
	if cfg.MaxPositionPct <= 0 {
		cfg.MaxPositionPct = def.MaxPositionPct
	}
	if cfg.MinPositionPct <= 0 {
		cfg.MinPositionPct = def.MinPositionPct
	}
	if cfg.RebalancePct <= 0 {
		cfg.RebalancePct = def.RebalancePct
	}
	return &Sizer{budget: budget, cfg: cfg}
}

// Size decide la acción por mercado. ours es el cost basis abierto por
// mercado. Un objetivo por debajo del mínimo cuenta como cero y los mercados
// de los que la wallet objetivo ya salió se venden completos.
func (s *Sizer) Size(targetValue float64, targets []domain.Position, ours map[string]float64) []domain.SizedPosition {
	out := make([]domain.SizedPosition, 0, len(targets))
	for _, t := range targets {
		var targetPct float64
		if targetValue > 0 {
			targetPct = t.Value / targetValue
		}

		want := math.Min(s.budget*targetPct, s.budget*s.cfg.MaxPositionPct)
		if want < s.budget*s.cfg.MinPositionPct {
			want = 0
		}
		have := ours[t.MarketID]

		sp := domain.SizedPosition{
			MarketID:   t.MarketID,
			Action:     domain.ActionHold,
			TargetSize: t.Size,
			TargetPct:  targetPct,
		}
		if s.budget > 0 {
			sp.OurPct = have / s.budget
		}

		switch {
		case have == 0 && want > 0:
			sp.Action, sp.OurSizeUSD = domain.ActionBuy, want
		case have > 0 && want == 0:
			sp.Action, sp.OurSizeUSD = domain.ActionSell, have
		case math.Abs(want-have)/math.Max(have, 1) > s.cfg.RebalancePct:
			sp.Action, sp.OurSizeUSD = domain.ActionSell, have-want
			if want > have {
				sp.Action, sp.OurSizeUSD = domain.ActionBuy, want-have
			}
		}
		out = append(out, sp)
	}

	seen := make(map[string]bool, len(targets))
	for _, t := range targets {
		seen[t.MarketID] = true
	}
	var exited []string
	for id, have := range ours {
		if !seen[id] && have > 0 {
			exited = append(exited, id)
		}
	}
	sort.Strings(exited)
	for _, id := range exited {
		sp := domain.SizedPosition{MarketID: id, Action: domain.ActionSell, OurSizeUSD: ours[id]}
		if s.budget > 0 {
			sp.OurPct = ours[id] / s.budget
		}
		out = append(out, sp)
	}
	return out
}
