package storage

import (
	"context"
	"database/sql"
	"fmt"
	"math"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

// AddReward registra un pago de liquidity rewards de un run.
func (s *SQLiteStorage) AddReward(ctx context.Context, r domain.Reward) (int64, error) {
	if r.RunID == "" {
		return 0, &domain.ValidationError{Field: "run_id", Reason: "required"}
	}
	if math.IsNaN(r.AmountUSD) || r.AmountUSD < 0 {
		return 0, &domain.ValidationError{Field: "reward_usd", Reason: fmt.Sprintf("must be >= 0, got %v", r.AmountUSD)}
	}
	if r.RunTag == "" {
		r.RunTag = "default"
	}
	if r.PaidAt.IsZero() {
		r.PaidAt = s.now()
	}

	var id int64
	err := s.withTx(ctx, "AddReward", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO market_making_rewards (run_id, run_tag, market_id, amount_usd, source, paid_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			r.RunID, r.RunTag, nullString(r.MarketID), r.AmountUSD, nullString(r.Source), fmtTime(r.PaidAt),
		)
		if err != nil {
			return fmt.Errorf("storage.AddReward: insert: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// Rewards devuelve los pagos de un run en orden de cobro.
func (s *SQLiteStorage) Rewards(ctx context.Context, runID, runTag string) ([]domain.Reward, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, run_id, run_tag, market_id, amount_usd, source, paid_at
		FROM market_making_rewards
		WHERE run_id = ? AND run_tag = ?
		ORDER BY paid_at ASC, id ASC`, runID, runTag)
	if err != nil {
		return nil, fmt.Errorf("storage.Rewards: query: %w", err)
	}
	defer rows.Close()

	var out []domain.Reward
	for rows.Next() {
		var (
			r              domain.Reward
			market, source sql.NullString
			paid           string
		)
		if err := rows.Scan(&r.ID, &r.RunID, &r.RunTag, &market, &r.AmountUSD, &source, &paid); err != nil {
			return nil, fmt.Errorf("storage.Rewards: scan: %w", err)
		}
		if r.PaidAt, err = parseTime(paid); err != nil {
			return nil, fmt.Errorf("storage.Rewards: paid_at: %w", err)
		}
		r.MarketID = market.String
		r.Source = source.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// TotalRewards suma los pagos de un run.
func (s *SQLiteStorage) TotalRewards(ctx context.Context, runID, runTag string) (float64, error) {
	var total float64
	err := s.q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_usd), 0) FROM market_making_rewards
		WHERE run_id = ? AND run_tag = ?`, runID, runTag).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("storage.TotalRewards: %w", err)
	}
	return total, nil
}
