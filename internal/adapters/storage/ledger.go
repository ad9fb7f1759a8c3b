package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

// fullCloseTolerance decide si un cierre cubre todo el lote.
const fullCloseTolerance = 1e-9

const tradeColumns = `id, timestamp, market, side, size, price, target_wallet, market_slug, outcome,
	shares, current_price, current_value, sell_price, closed_at, proceeds, realized_pnl,
	unrealized_pnl, status, entry_price_source, current_price_source, exit_price_source,
	fill_price_source, run_id, run_tag`

// rowScanner es lo común entre *sql.Row y *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrade(sc rowScanner) (domain.Trade, error) {
	var (
		t                                  domain.Trade
		opened                             string
		wallet, slug, outcome              sql.NullString
		currentPrice, sellPrice            sql.NullFloat64
		closedAt                           sql.NullString
		entrySrc, curSrc, exitSrc, fillSrc sql.NullString
		runID, runTag                      sql.NullString
		side, status                       string
	)
	err := sc.Scan(
		&t.ID, &opened, &t.MarketID, &side, &t.CostBasis, &t.EntryPrice, &wallet, &slug, &outcome,
		&t.Shares, &currentPrice, &t.CurrentValue, &sellPrice, &closedAt, &t.Proceeds, &t.RealizedPnL,
		&t.UnrealizedPnL, &status, &entrySrc, &curSrc, &exitSrc,
		&fillSrc, &runID, &runTag,
	)
	if err != nil {
		return domain.Trade{}, err
	}
	if t.OpenedAt, err = parseTime(opened); err != nil {
		return domain.Trade{}, fmt.Errorf("trade %d: timestamp: %w", t.ID, err)
	}
	if t.ClosedAt, err = parseNullTime(closedAt); err != nil {
		return domain.Trade{}, fmt.Errorf("trade %d: closed_at: %w", t.ID, err)
	}
	t.Side = domain.Side(side)
	t.Status = domain.TradeStatus(status)
	t.TargetWallet = wallet.String
	t.MarketSlug = slug.String
	t.Outcome = domain.Outcome(outcome.String)
	t.CurrentPrice = floatPtr(currentPrice)
	t.ExitPrice = floatPtr(sellPrice)
	t.EntrySource = domain.PriceSource(entrySrc.String)
	t.CurrentSource = domain.PriceSource(curSrc.String)
	t.ExitSource = domain.PriceSource(exitSrc.String)
	t.FillSource = domain.PriceSource(fillSrc.String)
	t.RunID = runID.String
	t.RunTag = runTag.String
	return t, nil
}

func collectTrades(rows *sql.Rows) ([]domain.Trade, error) {
	defer rows.Close()
	var out []domain.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// InitPortfolio (re)inicia la fila de portfolio con el presupuesto dado.
// Un sessionStart cero usa el reloj del storage.
func (s *SQLiteStorage) InitPortfolio(ctx context.Context, budget float64, sessionStart time.Time) error {
	if budget <= 0 || math.IsNaN(budget) {
		return &domain.ValidationError{Field: "initial_budget", Reason: fmt.Sprintf("must be > 0, got %v", budget)}
	}
	now := s.now()
	if sessionStart.IsZero() {
		sessionStart = now
	}
	return s.withTx(ctx, "InitPortfolio", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO portfolio
				(id, total_value, cash, initial_budget, pnl_24h, pnl_total, updated_at, session_started)
			VALUES (1, ?, ?, ?, 0, 0, ?, ?)`,
			budget, budget, budget, fmtTime(now), fmtTime(sessionStart),
		); err != nil {
			return fmt.Errorf("storage.InitPortfolio: upsert: %w", err)
		}
		return nil
	})
}

// OpenTrade valida la petición, inserta un lote abierto y ajusta cash en la
// misma transacción: BUY descuenta el coste, SELL lo abona.
func (s *SQLiteStorage) OpenTrade(ctx context.Context, req domain.OpenRequest) (int64, error) {
	side, err := domain.ParseSide(req.Side)
	if err != nil {
		return 0, err
	}
	if err := domain.ValidateMarketID(req.MarketID); err != nil {
		return 0, err
	}
	if !(req.CostUSD > 0) || math.IsInf(req.CostUSD, 0) {
		return 0, &domain.ValidationError{Field: "size", Reason: fmt.Sprintf("must be > 0, got %v", req.CostUSD)}
	}
	if !(req.Price > 0) {
		return 0, &domain.ValidationError{Field: "entry_price", Reason: fmt.Sprintf("must be > 0, got %v", req.Price)}
	}
	if err := domain.CheckPrice("entry_price", req.Price); err != nil {
		return 0, err
	}
	if err := domain.ValidateWallet(req.TargetWallet); err != nil {
		return 0, err
	}
	outcome := domain.Outcome(strings.ToUpper(string(req.Outcome)))
	if outcome != "" && outcome != domain.OutcomeYes && outcome != domain.OutcomeNo {
		return 0, &domain.ValidationError{Field: "outcome", Reason: fmt.Sprintf("must be YES or NO, got %q", req.Outcome)}
	}
	entrySrc := orUnknown(req.EntrySource)
	curSrc := orUnknown(req.CurrentSource)
	if err := domain.CheckSource("entry_price_source", entrySrc); err != nil {
		return 0, err
	}
	if err := domain.CheckSource("current_price_source", curSrc); err != nil {
		return 0, err
	}
	runTag := req.RunTag
	if runTag == "" {
		runTag = "default"
	}

	shares, err := domain.Shares(req.CostUSD, req.Price)
	if err != nil {
		return 0, err
	}
	cashDelta := -req.CostUSD
	if side == domain.SideSell {
		cashDelta = req.CostUSD
	}

	var id int64
	err = s.withTx(ctx, "OpenTrade", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO trades
				(timestamp, market, side, size, price, target_wallet, market_slug, outcome,
				 shares, current_price, current_value, proceeds, realized_pnl, unrealized_pnl, pnl, status,
				 entry_price_source, current_price_source, run_id, run_tag)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 0, 0, 'open', ?, ?, ?, ?)`,
			fmtTime(s.now()), req.MarketID, string(side), req.CostUSD, req.Price,
			req.TargetWallet, req.MarketSlug, nullString(string(outcome)),
			shares, req.Price, req.CostUSD,
			string(entrySrc), string(curSrc), nullString(req.RunID), runTag,
		)
		if err != nil {
			return fmt.Errorf("storage.OpenTrade: insert: %w", err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("storage.OpenTrade: last id: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE portfolio SET cash = cash + ?, updated_at = ? WHERE id = 1`,
			cashDelta, fmtTime(s.now()),
		); err != nil {
			return fmt.Errorf("storage.OpenTrade: update cash: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	slog.Debug("storage: trade opened", "id", id, "market", req.MarketID, "side", side, "cost", req.CostUSD, "price", req.Price)
	return id, nil
}

// MarkTrade revalúa un lote abierto a price. Devuelve el P&L no realizado;
// para un trade cerrado devuelve su realizado y para uno inexistente 0.
func (s *SQLiteStorage) MarkTrade(ctx context.Context, id int64, price float64, source domain.PriceSource) (float64, error) {
	if err := domain.CheckPrice("current_price", price); err != nil {
		return 0, err
	}
	if source == "" {
		source = domain.SourceMark
	}
	if err := domain.CheckSource("current_price_source", source); err != nil {
		return 0, err
	}

	var pnl float64
	err := s.withTx(ctx, "MarkTrade", func(tx *sql.Tx) error {
		t, err := scanTrade(tx.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("storage.MarkTrade: select: %w", err)
		}
		if !t.IsOpen() {
			pnl = t.RealizedPnL
			return nil
		}
		value, err := domain.CurrentValue(t.Shares, price)
		if err != nil {
			return err
		}
		if pnl, err = domain.SidedPnL(t.Side, t.Shares, t.EntryPrice, price); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE trades
			SET current_price = ?, current_value = ?, unrealized_pnl = ?, pnl = ?, current_price_source = ?
			WHERE id = ?`,
			price, value, pnl, pnl, string(source), id,
		); err != nil {
			return fmt.Errorf("storage.MarkTrade: update: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return pnl, nil
}

// CloseTrade cierra total o parcialmente un lote abierto a exitPrice.
// opts.Size es USD de cost basis y se recorta a [0, size]. Devuelve el
// realizado del tramo cerrado; 0 si el trade no existe o ya está cerrado.
func (s *SQLiteStorage) CloseTrade(ctx context.Context, id int64, exitPrice float64, opts domain.CloseOptions) (float64, error) {
	if err := domain.CheckPrice("exit_price", exitPrice); err != nil {
		return 0, err
	}
	exitSrc := orUnknown(opts.ExitSource)
	fillSrc := opts.FillSource
	if fillSrc == "" {
		fillSrc = exitSrc
	}
	if err := domain.CheckSource("exit_price_source", exitSrc); err != nil {
		return 0, err
	}
	if err := domain.CheckSource("fill_price_source", fillSrc); err != nil {
		return 0, err
	}

	var realized float64
	err := s.withTx(ctx, "CloseTrade", func(tx *sql.Tx) error {
		t, err := scanTrade(tx.QueryRowContext(ctx,
			`SELECT `+tradeColumns+` FROM trades WHERE id = ? AND status = 'open'`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("storage.CloseTrade: select: %w", err)
		}

		closeSize := t.CostBasis
		if opts.Size != nil {
			closeSize = math.Max(0, math.Min(*opts.Size, t.CostBasis))
		}
		if closeSize <= 0 || t.EntryPrice <= 0 {
			return nil
		}
		sharesToClose := closeSize / t.EntryPrice
		proceeds, err := domain.Proceeds(sharesToClose, exitPrice)
		if err != nil {
			return err
		}
		if realized, err = domain.SidedPnL(t.Side, sharesToClose, t.EntryPrice, exitPrice); err != nil {
			return err
		}
		closedAt := fmtTime(s.now())

		if math.Abs(closeSize-t.CostBasis) < fullCloseTolerance {
			if _, err := tx.ExecContext(ctx, `
				UPDATE trades
				SET status = 'closed', sell_price = ?, closed_at = ?, current_price = NULL,
				    current_value = ?, proceeds = ?, realized_pnl = ?, unrealized_pnl = 0, pnl = ?,
				    exit_price_source = ?, fill_price_source = ?
				WHERE id = ?`,
				exitPrice, closedAt, proceeds, proceeds, realized, realized,
				string(exitSrc), string(fillSrc), id,
			); err != nil {
				return fmt.Errorf("storage.CloseTrade: full close: %w", err)
			}
		} else {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO trades
					(timestamp, market, side, size, price, target_wallet, market_slug, outcome,
					 shares, current_price, current_value, sell_price, closed_at, proceeds,
					 realized_pnl, unrealized_pnl, pnl, status,
					 entry_price_source, current_price_source, exit_price_source, fill_price_source,
					 run_id, run_tag)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, ?, ?, ?, 0, ?, 'closed', ?, NULL, ?, ?, ?, ?)`,
				closedAt, t.MarketID, string(t.Side), closeSize, t.EntryPrice,
				t.TargetWallet, t.MarketSlug, nullString(string(t.Outcome)),
				sharesToClose, proceeds, exitPrice, closedAt, proceeds,
				realized, realized,
				string(orUnknown(t.EntrySource)), string(exitSrc), string(fillSrc),
				nullString(t.RunID), nullString(t.RunTag),
			); err != nil {
				return fmt.Errorf("storage.CloseTrade: insert closed slice: %w", err)
			}

			remSize := t.CostBasis - closeSize
			remShares := t.Shares - sharesToClose
			remUnrealized, err := domain.SidedPnL(t.Side, remShares, t.EntryPrice, exitPrice)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE trades
				SET size = ?, shares = ?, current_price = ?, current_value = ?,
				    unrealized_pnl = ?, pnl = ?, current_price_source = ?
				WHERE id = ?`,
				remSize, remShares, exitPrice, remShares*exitPrice,
				remUnrealized, remUnrealized, string(exitSrc), id,
			); err != nil {
				return fmt.Errorf("storage.CloseTrade: shrink open lot: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE portfolio SET cash = cash + ?, pnl_total = pnl_total + ?, updated_at = ?
			WHERE id = 1`,
			proceeds, realized, closedAt,
		); err != nil {
			return fmt.Errorf("storage.CloseTrade: update portfolio: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return realized, nil
}

// UpdatePortfolio actualiza los totales cacheados. Nunca toca pnl_total:
// ese campo solo lo mueven los cierres.
func (s *SQLiteStorage) UpdatePortfolio(ctx context.Context, totalValue, cash, pnl24h float64) error {
	return s.withTx(ctx, "UpdatePortfolio", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE portfolio SET total_value = ?, cash = ?, pnl_24h = ?, updated_at = ?
			WHERE id = 1`,
			totalValue, cash, pnl24h, fmtTime(s.now()),
		); err != nil {
			return fmt.Errorf("storage.UpdatePortfolio: %w", err)
		}
		return nil
	})
}

// ResetPnLTotal pone pnl_total a 0 y devuelve el valor anterior.
// Solo para reparar un portfolio corrompido.
func (s *SQLiteStorage) ResetPnLTotal(ctx context.Context) (float64, error) {
	var old float64
	err := s.withTx(ctx, "ResetPnLTotal", func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `SELECT pnl_total FROM portfolio WHERE id = 1`).Scan(&old)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("storage.ResetPnLTotal: select: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE portfolio SET pnl_total = 0 WHERE id = 1`); err != nil {
			return fmt.Errorf("storage.ResetPnLTotal: update: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	slog.Warn("storage: pnl_total reset", "old_value", old)
	return old, nil
}

func orUnknown(s domain.PriceSource) domain.PriceSource {
	if s == "" {
		return domain.SourceUnknown
	}
	return s
}
