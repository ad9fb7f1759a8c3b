package fill

import (
	"time"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

// Deterministic llena cuando el último trade cruza el precio de la orden.
// El precio de fill es exactamente el último trade.
type Deterministic struct{}

// NewDeterministic crea el modelo de cruce exacto.
func NewDeterministic() Deterministic { return Deterministic{} }

// Name implementa Model.
func (Deterministic) Name() string { return "deterministic" }

// ShouldFill implementa Model.
func (Deterministic) ShouldFill(side domain.OrderSide, orderPrice float64, snap domain.MarketSnapshot, _ time.Time) Result {
	if snap.LastTradePrice == nil {
		return Result{Reason: ReasonNoLastTrade}
	}
	ltp := *snap.LastTradePrice

	var crossed bool
	if side == domain.OrderBuy {
		crossed = ltp <= orderPrice+domain.PriceEpsilon
	} else {
		crossed = ltp >= orderPrice-domain.PriceEpsilon
	}
	diag := map[string]float64{"ltp": ltp, "order_price": orderPrice}
	if !crossed {
		return Result{Reason: ReasonNoCrossing, Diagnostics: diag}
	}
	return Result{Fill: true, Price: ltp, Reason: ReasonCrossed, Diagnostics: diag}
}
