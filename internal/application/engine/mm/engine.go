// Package mm implementa el engine de market making pasivo: cotiza bid/ask
// alrededor del mid, simula fills y registra cada orden en diagnósticos.
package mm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/polycopy/internal/domain"
	"github.com/alejandrodnm/polycopy/internal/domain/fill"
	"github.com/alejandrodnm/polycopy/internal/metrics"
	"github.com/alejandrodnm/polycopy/internal/ports"
)

const (
	// TargetWallet marca en el ledger los lotes abiertos por el market maker.
	TargetWallet = "market_making"

	defaultQuoteSizeUSD = 10
	defaultTickSize     = 0.01
	defaultKTicks       = 2
	priceMoveEpsilon    = 1e-9
)

// Config contiene los parámetros de un run de market making.
type Config struct {
	RunID        string
	RunTag       string
	Outcome      domain.Outcome
	QuoteSizeUSD float64
	Quote        domain.QuoteParams
	MaxHold      time.Duration // 0 = sin límite
	FeeBps       float64
}

// Engine mantiene las órdenes en reposo del run y las aplica contra el ledger
// cuando el modelo de fill decide que se ejecutaron. No es seguro para uso
// concurrente: lo maneja un único loop de control.
type Engine struct {
	ledger ports.Ledger
	diag   ports.ExecutionRecorder
	data   ports.DataProvider
	fills  fill.Model
	cfg    Config
	now    func() time.Time

	orders map[orderKey]*Order
	seq    int
}

// New crea un engine de market making. fills nil usa el modelo determinista.
func New(
	ledger ports.Ledger,
	diag ports.ExecutionRecorder,
	data ports.DataProvider,
	fills fill.Model,
	cfg Config,
) *Engine {
	if fills == nil {
		fills = fill.NewDeterministic()
	}
	if cfg.RunTag == "" {
		cfg.RunTag = "default"
	}
	if cfg.Outcome == "" {
		cfg.Outcome = domain.OutcomeYes
	}
	if cfg.QuoteSizeUSD <= 0 {
		cfg.QuoteSizeUSD = defaultQuoteSizeUSD
	}
	if cfg.Quote.TickSize <= 0 {
		cfg.Quote.TickSize = defaultTickSize
	}
	if cfg.Quote.KTicks <= 0 {
		cfg.Quote.KTicks = defaultKTicks
	}
	return &Engine{
		ledger: ledger,
		diag:   diag,
		data:   data,
		fills:  fills,
		cfg:    cfg,
		now:    time.Now,
		orders: make(map[orderKey]*Order),
	}
}

// SetClock reemplaza el reloj del engine. Solo para tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// RunID devuelve el identificador del run.
func (e *Engine) RunID() string { return e.cfg.RunID }

// StepResult resume una iteración sobre un mercado.
type StepResult struct {
	MarketID string
	Decision domain.QuoteDecision
	Fills    int
}

// Step toma un snapshot nuevo, re-cotiza el mercado y evalúa fills contra
// ese mismo snapshot.
func (e *Engine) Step(ctx context.Context, marketID string) (StepResult, error) {
	snap, dec, err := e.RefreshMarket(ctx, marketID)
	if err != nil {
		return StepResult{}, err
	}
	dec, err = e.PlaceQuotes(ctx, snap, dec)
	if err != nil {
		return StepResult{}, err
	}
	n, err := e.PollFills(ctx, marketID, snap)
	if err != nil {
		return StepResult{}, err
	}
	return StepResult{MarketID: marketID, Decision: dec, Fills: n}, nil
}

// RefreshMarket avanza el snapshot del mercado y calcula la decisión de
// cotización. Un snapshot inválido devuelve una decisión en pausa.
func (e *Engine) RefreshMarket(ctx context.Context, marketID string) (domain.MarketSnapshot, domain.QuoteDecision, error) {
	snap, err := e.data.Snapshot(ctx, marketID, e.cfg.Outcome, true)
	if err != nil {
		return domain.MarketSnapshot{}, domain.QuoteDecision{}, fmt.Errorf("mm.RefreshMarket: snapshot %s: %w", marketID, err)
	}
	if snap.MarketID == "" {
		snap.MarketID = marketID
	}
	if reason := snap.Validate(); reason != "" {
		return snap, domain.QuoteDecision{PauseReason: reason}, nil
	}
	dec, err := e.BuildQuote(ctx, snap)
	if err != nil {
		return snap, domain.QuoteDecision{}, err
	}
	return snap, dec, nil
}

// BuildQuote aplica la decisión de precios, la regla de tiempo máximo de
// tenencia y la restricción long-only (sin ask sin inventario largo).
func (e *Engine) BuildQuote(ctx context.Context, snap domain.MarketSnapshot) (domain.QuoteDecision, error) {
	inv, err := e.Inventory(ctx, snap.MarketID)
	if err != nil {
		return domain.QuoteDecision{}, err
	}
	dec := domain.DecideQuotes(snap, inv, e.cfg.Quote)
	dec = domain.ApplyHoldLimit(dec, inv, e.cfg.MaxHold)
	if inv.NetUSD <= 0 {
		dec.PlaceAsk = false
	}
	return dec, nil
}

// PlaceQuotes aplica la decisión sobre las órdenes en reposo del mercado y
// devuelve la decisión final tras el control anti-cruce.
func (e *Engine) PlaceQuotes(ctx context.Context, snap domain.MarketSnapshot, dec domain.QuoteDecision) (domain.QuoteDecision, error) {
	if dec.PauseReason != "" || (!dec.PlaceBid && !dec.PlaceAsk) {
		if dec.PauseReason != "" {
			metrics.QuotePauses.WithLabelValues(dec.PauseReason).Inc()
			slog.Debug("mm: market paused", "market", snap.MarketID, "reason", dec.PauseReason)
		}
		e.CancelMarket(snap.MarketID)
		return dec, nil
	}

	dec, reason := domain.ApplyAntiCross(dec, snap)
	if reason != "" {
		dec.PauseReason = reason
		metrics.QuotePauses.WithLabelValues(reason).Inc()
	}

	now := e.now().UTC()
	if dec.PlaceBid && dec.HasPrices {
		if err := e.upsertOrder(ctx, snap, domain.OrderBuy, dec.Bid, now); err != nil {
			return dec, err
		}
	} else {
		e.cancelOrder(snap.MarketID, domain.OrderBuy)
	}
	if dec.PlaceAsk && dec.HasPrices {
		if err := e.upsertOrder(ctx, snap, domain.OrderSell, dec.Ask, now); err != nil {
			return dec, err
		}
	} else {
		e.cancelOrder(snap.MarketID, domain.OrderSell)
	}
	return dec, nil
}

// Inventory calcula la exposición neta y la edad del lote más viejo del
// mercado, y la exposición bruta sumando todos los mercados.
func (e *Engine) Inventory(ctx context.Context, marketID string) (domain.InventoryState, error) {
	open, err := e.ledger.OpenPositions(ctx)
	if err != nil {
		return domain.InventoryState{}, fmt.Errorf("mm.Inventory: %w", err)
	}
	now := e.now()
	var inv domain.InventoryState
	for _, t := range open {
		inv.GrossUSD += abs(t.CostBasis)
		if t.MarketID != marketID {
			continue
		}
		if t.Side == domain.SideSell {
			inv.NetUSD -= t.CostBasis
		} else {
			inv.NetUSD += t.CostBasis
		}
		if age := now.Sub(t.OpenedAt); age > inv.OldestHold {
			inv.OldestHold = age
		}
	}
	return inv, nil
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
