package fill

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

// ProbabilisticConfig parametriza la curva de probabilidad de fill.
type ProbabilisticConfig struct {
	TickSize      float64
	Alpha         float64 // decaimiento por tick de distancia
	BaseLiquidity float64 // escala vertical de la curva
	PMax          float64 // techo por evaluación
	Seed          uint64
}

// DefaultProbabilisticConfig devuelve la calibración conservadora por defecto.
func DefaultProbabilisticConfig() ProbabilisticConfig {
	return ProbabilisticConfig{TickSize: 0.01, Alpha: 1.5, BaseLiquidity: 0.10, PMax: 0.20, Seed: 42}
}

// Probabilistic llena con p = min(PMax, BaseLiquidity·e^(−Alpha·dist_ticks)).
// El precio de fill es el punto medio entre la orden y la referencia, nunca
// el precio cotizado. Determinista para una misma semilla.
type Probabilistic struct {
	cfg ProbabilisticConfig
	mu  sync.Mutex
	rng *rand.Rand
}

// NewProbabilistic crea el modelo con su propio generador sembrado.
func NewProbabilistic(cfg ProbabilisticConfig) *Probabilistic {
	return &Probabilistic{
		cfg: cfg,
		rng: rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}
}

// Name implementa Model.
func (p *Probabilistic) Name() string { return "probabilistic" }

// ShouldFill implementa Model.
func (p *Probabilistic) ShouldFill(_ domain.OrderSide, orderPrice float64, snap domain.MarketSnapshot, _ time.Time) Result {
	var ref float64
	switch {
	case snap.LastTradePrice != nil && *snap.LastTradePrice != 0:
		ref = *snap.LastTradePrice
	case snap.Mid != nil:
		ref = *snap.Mid
	default:
		return Result{Reason: ReasonNoRefPrice}
	}

	dist := math.Abs(orderPrice - ref)
	distTicks := 0.0
	if p.cfg.TickSize > 0 {
		distTicks = dist / p.cfg.TickSize
	}
	pRaw := p.cfg.BaseLiquidity * math.Exp(-p.cfg.Alpha*distTicks)
	prob := math.Min(p.cfg.PMax, pRaw)

	p.mu.Lock()
	roll := p.rng.Float64()
	p.mu.Unlock()

	diag := map[string]float64{
		"ref_price":  ref,
		"dist":       dist,
		"dist_ticks": distTicks,
		"p_raw":      pRaw,
		"p_capped":   prob,
		"roll":       roll,
	}
	if roll >= prob {
		return Result{Reason: ReasonProbNoFill, Diagnostics: diag}
	}
	price := math.Max(0, math.Min(1, (orderPrice+ref)/2))
	return Result{Fill: true, Price: price, Reason: ReasonProbFill, Diagnostics: diag}
}
