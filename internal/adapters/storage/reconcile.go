package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

// ledgerSnapshot son filas y portfolio leídos en la misma transacción.
type ledgerSnapshot struct {
	trades    []domain.Trade
	portfolio domain.Portfolio
	hasRow    bool
}

func (s *SQLiteStorage) snapshot(ctx context.Context, op string) (ledgerSnapshot, error) {
	var snap ledgerSnapshot
	err := s.withTx(ctx, op, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT `+tradeColumns+` FROM trades ORDER BY id ASC`)
		if err != nil {
			return fmt.Errorf("storage.%s: query trades: %w", op, err)
		}
		if snap.trades, err = collectTrades(rows); err != nil {
			return fmt.Errorf("storage.%s: scan trades: %w", op, err)
		}
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM portfolio WHERE id = 1`).Scan(&n); err != nil {
			return fmt.Errorf("storage.%s: count portfolio: %w", op, err)
		}
		snap.hasRow = n > 0
		if snap.portfolio, err = s.portfolio(ctx, tx); err != nil {
			return fmt.Errorf("storage.%s: portfolio: %w", op, err)
		}
		return nil
	})
	return snap, err
}

// Reconcile recalcula los totales solo a partir de las filas del ledger.
// Un lote abierto sin current_price se valora a su precio de entrada.
func (s *SQLiteStorage) Reconcile(ctx context.Context, startingEquity *float64) (domain.Reconciliation, error) {
	snap, err := s.snapshot(ctx, "Reconcile")
	if err != nil {
		return domain.Reconciliation{}, err
	}

	openValue, unrealized, realized := decimal.Zero, decimal.Zero, decimal.Zero
	var rec domain.Reconciliation
	for _, t := range snap.trades {
		if t.IsOpen() {
			price := t.EntryPrice
			if t.CurrentPrice != nil {
				price = *t.CurrentPrice
			}
			pnl, err := domain.SidedPnL(t.Side, t.Shares, t.EntryPrice, price)
			if err != nil {
				return domain.Reconciliation{}, fmt.Errorf("storage.Reconcile: trade %d: %w", t.ID, err)
			}
			openValue = openValue.Add(decimal.NewFromFloat(t.Shares * price))
			unrealized = unrealized.Add(decimal.NewFromFloat(pnl))
			rec.OpenPositions++
			continue
		}
		realized = realized.Add(decimal.NewFromFloat(t.RealizedPnL))
		rec.ClosedPositions++
	}

	cash := decimal.NewFromFloat(snap.portfolio.Cash)
	total := cash.Add(openValue)
	rec.Cash = cash.InexactFloat64()
	rec.OpenValue = openValue.InexactFloat64()
	rec.Unrealized = unrealized.InexactFloat64()
	rec.Realized = realized.InexactFloat64()
	rec.TotalValue = total.InexactFloat64()
	if startingEquity != nil {
		rec.EquityPnL = domain.Ptr(total.Sub(decimal.NewFromFloat(*startingEquity)).InexactFloat64())
	}
	return rec, nil
}

// ValidateIntegrity devuelve todas las violaciones encontradas entre las
// filas del ledger y los totales cacheados. Lista vacía = ledger sano.
func (s *SQLiteStorage) ValidateIntegrity(ctx context.Context, eps float64) ([]string, error) {
	snap, err := s.snapshot(ctx, "ValidateIntegrity")
	if err != nil {
		return nil, err
	}
	return integrityIssues(snap, eps), nil
}

func integrityIssues(snap ledgerSnapshot, eps float64) []string {
	if eps <= 0 {
		eps = domain.DefaultEpsilon
	}
	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	openValue := decimal.Zero
	for _, t := range snap.trades {
		issues = append(issues, domain.ValidateTradeFields(t, eps)...)
		for field, src := range map[string]domain.PriceSource{
			"entry_price_source":   t.EntrySource,
			"current_price_source": t.CurrentSource,
			"exit_price_source":    t.ExitSource,
			"fill_price_source":    t.FillSource,
		} {
			if err := domain.CheckSource(field, src); err != nil {
				add("trade %d: %v", t.ID, err)
			}
		}

		switch {
		case t.IsOpen() && t.CurrentPrice != nil:
			cur := *t.CurrentPrice
			if want := t.Shares * cur; !domain.Near(t.CurrentValue, want, eps) {
				add("trade %d: current_value %.8f != shares*current_price %.8f", t.ID, t.CurrentValue, want)
			}
			if want, err := domain.SidedPnL(t.Side, t.Shares, t.EntryPrice, cur); err == nil && !domain.Near(t.UnrealizedPnL, want, eps) {
				add("trade %d: unrealized_pnl %.8f != expected %.8f", t.ID, t.UnrealizedPnL, want)
			}
			openValue = openValue.Add(decimal.NewFromFloat(t.Shares * cur))
		case !t.IsOpen() && t.ExitPrice != nil:
			exit := *t.ExitPrice
			if want := t.Shares * exit; !domain.Near(t.Proceeds, want, eps) {
				add("trade %d: proceeds %.8f != shares*exit_price %.8f", t.ID, t.Proceeds, want)
			}
			if want, err := domain.SidedPnL(t.Side, t.Shares, t.EntryPrice, exit); err == nil && !domain.Near(t.RealizedPnL, want, eps) {
				add("trade %d: realized_pnl %.8f != expected %.8f", t.ID, t.RealizedPnL, want)
			}
		}
	}

	if snap.hasRow {
		p := snap.portfolio
		want := decimal.NewFromFloat(p.Cash).Add(openValue)
		got := decimal.NewFromFloat(p.TotalValue)
		if got.Sub(want).Abs().GreaterThan(decimal.NewFromFloat(eps)) {
			add("portfolio: total_value %s != cash + open value %s", got.StringFixed(6), want.StringFixed(6))
		}
	}
	return issues
}

// RunGate valida el ledger y devuelve *domain.GateError si hay violaciones.
// En live además exige que todo cierre tenga exit y fill con fuente fill.
func (s *SQLiteStorage) RunGate(ctx context.Context, mode domain.GateMode, eps float64) error {
	mode, err := domain.ParseGateMode(string(mode))
	if err != nil {
		return err
	}
	snap, err := s.snapshot(ctx, "RunGate")
	if err != nil {
		return err
	}

	issues := integrityIssues(snap, eps)
	if mode == domain.GateLive {
		for _, t := range snap.trades {
			if t.IsOpen() {
				continue
			}
			if t.ExitPrice == nil {
				issues = append(issues, fmt.Sprintf("trade %d: live close without exit_price", t.ID))
			}
			if t.ExitSource != domain.SourceFill || t.FillSource != domain.SourceFill {
				issues = append(issues, fmt.Sprintf("trade %d: live close with exit_source=%q fill_source=%q, want fill",
					t.ID, t.ExitSource, t.FillSource))
			}
		}
	}

	if len(issues) == 0 {
		slog.Debug("storage: ledger gate passed", "mode", mode, "trades", len(snap.trades))
		return nil
	}
	gerr := &domain.GateError{Mode: mode, Issues: issues}
	slog.Error("storage: ledger gate failed", "mode", mode, "issues", len(issues), "err", gerr)
	return gerr
}
