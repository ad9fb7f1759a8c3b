package fill

import (
	"time"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

// Razones devueltas por los modelos.
const (
	ReasonNoLastTrade = "no_last_trade_price"
	ReasonCrossed     = "price_crossed"
	ReasonNoCrossing  = "no_crossing"
	ReasonNoRefPrice  = "no_ref_price"
	ReasonProbFill    = "prob_fill"
	ReasonProbNoFill  = "prob_no_fill"
)

// Model decide si una orden en reposo se habría ejecutado con el snapshot dado.
// Cada implementación define su propia regla de precio de fill.
type Model interface {
	// Name identifica el modelo en logs y diagnósticos.
	Name() string

	ShouldFill(side domain.OrderSide, orderPrice float64, snap domain.MarketSnapshot, now time.Time) Result
}

// Result es la decisión de un modelo de fill.
type Result struct {
	Fill        bool
	Price       float64 // solo válido si Fill
	Reason      string
	Diagnostics map[string]float64
}
