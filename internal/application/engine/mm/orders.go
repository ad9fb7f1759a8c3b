package mm

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/alejandrodnm/polycopy/internal/domain"
	"github.com/alejandrodnm/polycopy/internal/metrics"
)

type orderKey struct {
	market string
	side   domain.OrderSide
}

// Order es una quote simulada en reposo. Guarda el snapshot con el que se
// envió para que el registro de fill describa el book de la decisión.
type Order struct {
	ID        string
	MarketID  string
	Side      domain.OrderSide
	Price     float64
	QtyShares float64
	CreatedAt time.Time
	Snapshot  domain.MarketSnapshot
}

// ActiveOrders devuelve las órdenes en reposo ordenadas por mercado y lado.
func (e *Engine) ActiveOrders() []Order {
	out := make([]Order, 0, len(e.orders))
	for _, o := range e.orders {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MarketID != out[j].MarketID {
			return out[i].MarketID < out[j].MarketID
		}
		return out[i].Side < out[j].Side
	})
	return out
}

// CancelMarket retira ambas quotes del mercado.
func (e *Engine) CancelMarket(marketID string) {
	e.cancelOrder(marketID, domain.OrderBuy)
	e.cancelOrder(marketID, domain.OrderSell)
}

func (e *Engine) cancelOrder(marketID string, side domain.OrderSide) {
	key := orderKey{marketID, side}
	if o, ok := e.orders[key]; ok {
		slog.Debug("mm: order cancelled", "order_id", o.ID, "market", marketID, "side", side)
		delete(e.orders, key)
	}
}

func (e *Engine) nextOrderID() string {
	e.seq++
	return fmt.Sprintf("%s-%d", e.cfg.RunID, e.seq)
}

// upsertOrder solo reemplaza la orden existente si el precio se movió.
func (e *Engine) upsertOrder(ctx context.Context, snap domain.MarketSnapshot, side domain.OrderSide, price float64, now time.Time) error {
	key := orderKey{snap.MarketID, side}
	if cur, ok := e.orders[key]; ok && math.Abs(cur.Price-price) < priceMoveEpsilon {
		return nil
	}
	qty, err := domain.Shares(e.cfg.QuoteSizeUSD, price)
	if err != nil {
		return fmt.Errorf("mm.upsertOrder: %s %s: %w", snap.MarketID, side, err)
	}
	o := &Order{
		ID:        e.nextOrderID(),
		MarketID:  snap.MarketID,
		Side:      side,
		Price:     price,
		QtyShares: qty,
		CreatedAt: now,
		Snapshot:  snap.WithDerived(),
	}
	e.orders[key] = o

	rec := e.baseRecord(o)
	rec.EntrySource = domain.SourceQuote
	rec.CurrentSource = domain.SourceQuote
	rec.ExitSource = domain.SourceUnknown
	rec.FillSource = domain.SourceUnknown
	if err := e.diag.Record(ctx, rec); err != nil {
		return fmt.Errorf("mm.upsertOrder: record %s: %w", o.ID, err)
	}

	metrics.OrdersSent.WithLabelValues(string(side)).Inc()
	slog.Debug("mm: order sent",
		"order_id", o.ID,
		"market", o.MarketID,
		"side", side,
		"price", fmt.Sprintf("%.4f", price),
		"qty", fmt.Sprintf("%.4f", qty),
	)
	return nil
}

// baseRecord rellena los campos comunes al envío y al fill de una orden.
func (e *Engine) baseRecord(o *Order) domain.ExecutionRecord {
	rec := domain.ExecutionRecord{
		RunID:              e.cfg.RunID,
		RunTag:             e.cfg.RunTag,
		OrderID:            o.ID,
		MarketID:           o.MarketID,
		MarketSlug:         o.MarketID,
		Side:               o.Side,
		OrderType:          domain.OrderLimit,
		QtyShares:          o.QtyShares,
		IntendedLimitPrice: domain.Ptr(o.Price),
		TimeInForce:        "GTC",
		WhaleRefType:       domain.RefUnknown,
		DecisionTS:         domain.Ptr(o.CreatedAt),
		SentTS:             domain.Ptr(o.CreatedAt),
		AckTS:              domain.Ptr(o.CreatedAt),
	}
	rec.ApplySnapshot(o.Snapshot)
	return rec
}
