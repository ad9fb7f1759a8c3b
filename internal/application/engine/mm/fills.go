package mm

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/alejandrodnm/polycopy/internal/domain"
	"github.com/alejandrodnm/polycopy/internal/metrics"
)

// PollFills pregunta al modelo de fill por cada orden en reposo del mercado.
// Cada fill se aplica al ledger, retira la orden y se registra.
func (e *Engine) PollFills(ctx context.Context, marketID string, snap domain.MarketSnapshot) (int, error) {
	now := e.now().UTC()
	var n int
	for _, side := range []domain.OrderSide{domain.OrderBuy, domain.OrderSell} {
		key := orderKey{marketID, side}
		o, ok := e.orders[key]
		if !ok {
			continue
		}
		res := e.fills.ShouldFill(o.Side, o.Price, snap, now)
		if !res.Fill {
			continue
		}
		if err := e.handleFill(ctx, o, res.Price, now); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Drain re-evalúa fills en passes snapshots adicionales por mercado sin
// re-cotizar. Lo usan los runners offline al terminar el loop.
func (e *Engine) Drain(ctx context.Context, markets []string, passes int) (int, error) {
	var total int
	for i := 0; i < passes; i++ {
		for _, id := range markets {
			if err := ctx.Err(); err != nil {
				return total, err
			}
			snap, err := e.data.Snapshot(ctx, id, e.cfg.Outcome, true)
			if err != nil {
				return total, fmt.Errorf("mm.Drain: snapshot %s: %w", id, err)
			}
			n, err := e.PollFills(ctx, id, snap)
			if err != nil {
				return total, err
			}
			total += n
		}
	}
	if total > 0 {
		slog.Info("mm: drain finished", "passes", passes, "fills", total)
	}
	return total, nil
}

// handleFill aplica el fill al ledger. El inventario es long-only: una
// compra abre un lote y una venta cierra completo el lote BUY más antiguo
// del mercado. Una venta sin lote no abre cortos y no toca el ledger.
// La orden sale del libro en cuanto el ledger confirma, aunque falle el
// registro de diagnóstico: un re-poll no puede aplicar el mismo fill dos veces.
func (e *Engine) handleFill(ctx context.Context, o *Order, price float64, now time.Time) error {
	sizeUSD := o.QtyShares * price
	fees := math.Abs(sizeUSD) * e.cfg.FeeBps / 10000

	var tradeID *int64
	switch o.Side {
	case domain.OrderBuy:
		id, err := e.ledger.OpenTrade(ctx, domain.OpenRequest{
			MarketID:      o.MarketID,
			MarketSlug:    o.MarketID,
			Side:          string(domain.SideBuy),
			Outcome:       e.cfg.Outcome,
			CostUSD:       sizeUSD,
			Price:         price,
			TargetWallet:  TargetWallet,
			EntrySource:   domain.SourceFill,
			CurrentSource: domain.SourceFill,
			RunID:         e.cfg.RunID,
			RunTag:        e.cfg.RunTag,
		})
		if err != nil {
			return fmt.Errorf("mm.handleFill: open %s: %w", o.ID, err)
		}
		tradeID = &id
	case domain.OrderSell:
		lot, err := e.ledger.OldestOpenLot(ctx, o.MarketID, domain.SideBuy)
		if err != nil {
			return fmt.Errorf("mm.handleFill: lot %s: %w", o.ID, err)
		}
		if lot == nil {
			slog.Debug("mm: sell fill without open lot, skipping", "order_id", o.ID, "market", o.MarketID)
			break
		}
		if _, err := e.ledger.CloseTrade(ctx, lot.ID, price, domain.CloseOptions{
			ExitSource: domain.SourceFill,
			FillSource: domain.SourceFill,
		}); err != nil {
			return fmt.Errorf("mm.handleFill: close %d: %w", lot.ID, err)
		}
		tradeID = domain.Ptr(lot.ID)
	}
	delete(e.orders, orderKey{o.MarketID, o.Side})

	rec := e.baseRecord(o)
	rec.TradeID = tradeID
	rec.FillTS = domain.Ptr(now)
	rec.FillPrice = domain.Ptr(price)
	rec.EntrySource = domain.SourceFill
	rec.CurrentSource = domain.SourceFill
	rec.ExitSource = domain.SourceUnknown
	rec.FillSource = domain.SourceFill
	rec.FilledShares = domain.Ptr(o.QtyShares)
	rec.FeesUSD = fees
	rec.FillCount = 1
	if err := e.diag.Record(ctx, rec); err != nil {
		return fmt.Errorf("mm.handleFill: record %s: %w", o.ID, err)
	}

	metrics.Fills.WithLabelValues(string(o.Side)).Inc()
	slog.Info("mm: order filled",
		"order_id", o.ID,
		"market", o.MarketID,
		"side", o.Side,
		"price", fmt.Sprintf("%.4f", price),
		"size_usd", fmt.Sprintf("%.2f", sizeUSD),
		"fees_usd", fmt.Sprintf("%.4f", fees),
	)
	return nil
}
