package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

// RecordPnLSnapshot guarda un punto de la serie nuestra vs wallet objetivo.
// Un Timestamp cero usa el reloj del storage.
func (s *SQLiteStorage) RecordPnLSnapshot(ctx context.Context, p domain.PnLPoint) error {
	if p.Timestamp.IsZero() {
		p.Timestamp = s.now()
	}
	return s.withTx(ctx, "RecordPnLSnapshot", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pnl_history (timestamp, our_pnl_pct, whale_pnl_pct, our_total_invested, whale_total_invested)
			VALUES (?, ?, ?, ?, ?)`,
			fmtTime(p.Timestamp), p.OurPnLPct, p.WhalePnLPct, p.OurInvested, p.WhaleInvested,
		); err != nil {
			return fmt.Errorf("storage.RecordPnLSnapshot: insert: %w", err)
		}
		return nil
	})
}

// PnLHistory devuelve los puntos de las últimas hours horas en orden temporal.
func (s *SQLiteStorage) PnLHistory(ctx context.Context, hours int) ([]domain.PnLPoint, error) {
	cutoff := s.now().Add(-time.Duration(hours) * time.Hour)
	rows, err := s.q.QueryContext(ctx, `
		SELECT timestamp, our_pnl_pct, whale_pnl_pct, our_total_invested, whale_total_invested
		FROM pnl_history
		WHERE timestamp > ?
		ORDER BY timestamp ASC, id ASC`, fmtTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("storage.PnLHistory: query: %w", err)
	}
	defer rows.Close()

	var out []domain.PnLPoint
	for rows.Next() {
		var (
			p  domain.PnLPoint
			ts string
		)
		if err := rows.Scan(&ts, &p.OurPnLPct, &p.WhalePnLPct, &p.OurInvested, &p.WhaleInvested); err != nil {
			return nil, fmt.Errorf("storage.PnLHistory: scan: %w", err)
		}
		if p.Timestamp, err = parseTime(ts); err != nil {
			continue // fila con timestamp ilegible
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SampledPnLHistory reduce la serie a un punto por intervalo y siempre
// incluye el más reciente.
func (s *SQLiteStorage) SampledPnLHistory(ctx context.Context, hours int, interval time.Duration) ([]domain.PnLPoint, error) {
	all, err := s.PnLHistory(ctx, hours)
	if err != nil {
		return nil, err
	}
	return samplePoints(all, interval), nil
}

func samplePoints(all []domain.PnLPoint, interval time.Duration) []domain.PnLPoint {
	if len(all) == 0 {
		return nil
	}
	sampled := []domain.PnLPoint{all[0]}
	last := all[0].Timestamp
	for _, p := range all[1:] {
		if p.Timestamp.Sub(last) >= interval {
			sampled = append(sampled, p)
			last = p.Timestamp
		}
	}
	if tail := all[len(all)-1]; !sampled[len(sampled)-1].Timestamp.Equal(tail.Timestamp) {
		sampled = append(sampled, tail)
	}
	return sampled
}
