package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

// OpenPositions devuelve los lotes abiertos, más recientes primero.
func (s *SQLiteStorage) OpenPositions(ctx context.Context) ([]domain.Trade, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE status = 'open' ORDER BY timestamp DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("storage.OpenPositions: query: %w", err)
	}
	trades, err := collectTrades(rows)
	if err != nil {
		return nil, fmt.Errorf("storage.OpenPositions: scan: %w", err)
	}
	return trades, nil
}

// PositionByMarket devuelve el lote abierto más reciente del mercado, o nil.
func (s *SQLiteStorage) PositionByMarket(ctx context.Context, marketID string) (*domain.Trade, error) {
	t, err := scanTrade(s.q.QueryRowContext(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE market = ? AND status = 'open'
		ORDER BY timestamp DESC, id DESC LIMIT 1`, marketID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage.PositionByMarket: %w", err)
	}
	return &t, nil
}

// OldestOpenLot devuelve el lote abierto más antiguo del mercado con ese
// lado (FIFO del engine de market making), o nil.
func (s *SQLiteStorage) OldestOpenLot(ctx context.Context, marketID string, side domain.Side) (*domain.Trade, error) {
	t, err := scanTrade(s.q.QueryRowContext(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE market = ? AND side = ? AND status = 'open'
		ORDER BY timestamp ASC, id ASC LIMIT 1`, marketID, string(side)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage.OldestOpenLot: %w", err)
	}
	return &t, nil
}

// RecentTrades devuelve los últimos limit trades, más recientes primero.
func (s *SQLiteStorage) RecentTrades(ctx context.Context, limit int) ([]domain.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+tradeColumns+` FROM trades ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage.RecentTrades: query: %w", err)
	}
	trades, err := collectTrades(rows)
	if err != nil {
		return nil, fmt.Errorf("storage.RecentTrades: scan: %w", err)
	}
	return trades, nil
}

// AllTrades devuelve todo el ledger en orden cronológico.
func (s *SQLiteStorage) AllTrades(ctx context.Context) ([]domain.Trade, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+tradeColumns+` FROM trades ORDER BY timestamp ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage.AllTrades: query: %w", err)
	}
	trades, err := collectTrades(rows)
	if err != nil {
		return nil, fmt.Errorf("storage.AllTrades: scan: %w", err)
	}
	return trades, nil
}

// TradesByRun devuelve los trades de un run de market making.
func (s *SQLiteStorage) TradesByRun(ctx context.Context, runID string) ([]domain.Trade, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE run_id = ? ORDER BY timestamp ASC, id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("storage.TradesByRun: query: %w", err)
	}
	trades, err := collectTrades(rows)
	if err != nil {
		return nil, fmt.Errorf("storage.TradesByRun: scan: %w", err)
	}
	return trades, nil
}

// CountTrades cuenta filas abiertas y cerradas.
func (s *SQLiteStorage) CountTrades(ctx context.Context) (open, closed int, err error) {
	err = s.q.QueryRowContext(ctx, `
		SELECT COUNT(CASE WHEN status = 'open' THEN 1 END),
		       COUNT(CASE WHEN status = 'closed' THEN 1 END)
		FROM trades`).Scan(&open, &closed)
	if err != nil {
		return 0, 0, fmt.Errorf("storage.CountTrades: %w", err)
	}
	return open, closed, nil
}

// PortfolioStats devuelve la fila de portfolio con el P&L semanal calculado
// desde los cierres. Sin portfolio inicializado devuelve ceros.
func (s *SQLiteStorage) PortfolioStats(ctx context.Context) (domain.Portfolio, error) {
	p, err := s.portfolio(ctx, s.q)
	if err != nil {
		return domain.Portfolio{}, fmt.Errorf("storage.PortfolioStats: %w", err)
	}
	weekly, err := s.PnLSince(ctx, s.now().Add(-7*24*time.Hour))
	if err != nil {
		return domain.Portfolio{}, err
	}
	p.PnLWeekly = weekly
	return p, nil
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStorage) portfolio(ctx context.Context, q rowQuerier) (domain.Portfolio, error) {
	var (
		p       domain.Portfolio
		updated string
		session sql.NullString
	)
	err := q.QueryRowContext(ctx, `
		SELECT total_value, cash, initial_budget, pnl_24h, pnl_total, updated_at, session_started
		FROM portfolio WHERE id = 1`).
		Scan(&p.TotalValue, &p.Cash, &p.InitialBudget, &p.PnL24h, &p.PnLTotal, &updated, &session)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Portfolio{}, nil
	}
	if err != nil {
		return domain.Portfolio{}, err
	}
	if p.UpdatedAt, err = parseTime(updated); err != nil {
		return domain.Portfolio{}, fmt.Errorf("updated_at: %w", err)
	}
	if p.SessionStarted, err = parseNullTime(session); err != nil {
		return domain.Portfolio{}, fmt.Errorf("session_started: %w", err)
	}
	return p, nil
}

// PnLSince suma el realizado de los trades cerrados después de since.
// Filas antiguas sin closed_at usan su timestamp de apertura.
func (s *SQLiteStorage) PnLSince(ctx context.Context, since time.Time) (float64, error) {
	var total float64
	err := s.q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(realized_pnl), 0) FROM trades
		WHERE status = 'closed' AND COALESCE(closed_at, timestamp) > ?`,
		fmtTime(since)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("storage.PnLSince: %w", err)
	}
	return total, nil
}

// SessionStart devuelve el inicio de sesión del portfolio o, si no existe,
// el timestamp del primer trade. nil con ledger vacío.
func (s *SQLiteStorage) SessionStart(ctx context.Context) (*time.Time, error) {
	var session sql.NullString
	err := s.q.QueryRowContext(ctx, `SELECT session_started FROM portfolio WHERE id = 1`).Scan(&session)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("storage.SessionStart: portfolio: %w", err)
	}
	if !session.Valid {
		if err := s.q.QueryRowContext(ctx, `SELECT MIN(timestamp) FROM trades`).Scan(&session); err != nil {
			return nil, fmt.Errorf("storage.SessionStart: first trade: %w", err)
		}
	}
	t, err := parseNullTime(session)
	if err != nil {
		return nil, fmt.Errorf("storage.SessionStart: parse: %w", err)
	}
	return t, nil
}

// TradeStats resume el rendimiento del ledger.
func (s *SQLiteStorage) TradeStats(ctx context.Context) (domain.TradeStats, error) {
	var (
		st                                        domain.TradeStats
		avgSize, avgWin, avgLoss, maxWin, minLoss sql.NullFloat64
		totalRealized                             float64
	)
	err := s.q.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(CASE WHEN status = 'open' THEN 1 END),
			COUNT(CASE WHEN status = 'closed' THEN 1 END),
			COUNT(CASE WHEN side = 'BUY' THEN 1 END),
			COUNT(CASE WHEN side = 'SELL' THEN 1 END),
			COUNT(CASE WHEN status = 'closed' AND realized_pnl > 0 THEN 1 END),
			COUNT(CASE WHEN status = 'closed' AND realized_pnl < 0 THEN 1 END),
			AVG(size),
			AVG(CASE WHEN status = 'closed' AND realized_pnl > 0 THEN realized_pnl END),
			AVG(CASE WHEN status = 'closed' AND realized_pnl < 0 THEN realized_pnl END),
			MAX(CASE WHEN status = 'closed' THEN realized_pnl END),
			MIN(CASE WHEN status = 'closed' THEN realized_pnl END),
			COALESCE(SUM(CASE WHEN status = 'closed' THEN realized_pnl END), 0)
		FROM trades`).Scan(
		&st.TotalTrades, &st.OpenTrades, &st.ClosedTrades, &st.TotalBuys, &st.TotalSells,
		&st.Wins, &st.Losses, &avgSize, &avgWin, &avgLoss, &maxWin, &minLoss, &totalRealized,
	)
	if err != nil {
		return domain.TradeStats{}, fmt.Errorf("storage.TradeStats: %w", err)
	}
	st.AvgTradeSize = avgSize.Float64
	st.AvgWin = avgWin.Float64
	st.AvgLoss = avgLoss.Float64
	st.LargestWin = maxWin.Float64
	st.LargestLoss = minLoss.Float64
	st.TotalRealized = totalRealized
	if st.ClosedTrades > 0 {
		st.WinRate = float64(st.Wins) / float64(st.ClosedTrades) * 100
	}
	return st, nil
}
