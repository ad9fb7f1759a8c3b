package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

// Recorder persiste registros de ejecución con upsert por (run_id, order_id).
// En live un registro inválido es un error; en simulación se loguea y se
// descarta para no detener el experimento.
type Recorder struct {
	s    *SQLiteStorage
	live bool
}

// NewRecorder crea un recorder sobre el storage (o un Handle).
func NewRecorder(s *SQLiteStorage, live bool) *Recorder {
	return &Recorder{s: s, live: live}
}

var execSelect = strings.Join(domain.ExecutionColumns, ", ")

// Record valida, deriva métricas y hace upsert del registro.
// created_at se conserva en actualizaciones. En live cualquier fallo
// envuelve domain.ErrLiveHalt.
func (r *Recorder) Record(ctx context.Context, rec domain.ExecutionRecord) error {
	err := r.record(ctx, rec)
	if err != nil && r.live {
		return fmt.Errorf("%w: %w", domain.ErrLiveHalt, err)
	}
	return err
}

func (r *Recorder) record(ctx context.Context, rec domain.ExecutionRecord) error {
	if err := rec.Validate(); err != nil {
		if r.live {
			return fmt.Errorf("storage.Record: %w", err)
		}
		slog.Warn("diagnostics: invalid execution record, skipping", "order_id", rec.OrderID, "err", err)
		return nil
	}
	rec = rec.Derive()
	m := rec.Derived
	now := fmtTime(r.s.now())

	var spreadCrossed any
	if m.SpreadCrossed != nil {
		spreadCrossed = boolToInt(*m.SpreadCrossed)
	}
	var tradeID any
	if rec.TradeID != nil {
		tradeID = *rec.TradeID
	}

	cols := append(append([]string{}, domain.ExecutionColumns...), "created_at", "updated_at")
	args := []any{
		rec.RunID, rec.RunTag, rec.OrderID, tradeID, rec.MarketID, nullString(rec.MarketSlug),
		string(rec.Side), string(rec.OrderType), rec.QtyShares, nullFloat(rec.IntendedLimitPrice), nullString(rec.TimeInForce),
		nullTime(rec.WhaleSignalTS), nullFloat(rec.WhaleEntryRefPrice), string(rec.WhaleRefType),
		nullTime(rec.DecisionTS), nullTime(rec.SentTS), nullTime(rec.AckTS), nullTime(rec.FillTS),
		nullFloat(rec.BestBid), nullFloat(rec.BestAsk), nullFloat(rec.Mid), nullFloat(m.SpreadAbs), nullFloat(m.SpreadPct),
		nullFloat(rec.DepthBid1), nullFloat(rec.DepthAsk1), nullFloat(rec.DepthBid2), nullFloat(rec.DepthAsk2), nullFloat(rec.LastTradePrice),
		nullFloat(rec.FillPrice), string(rec.EntrySource), string(rec.CurrentSource), string(rec.ExitSource), string(rec.FillSource),
		nullFloat(rec.FilledShares), rec.FeesUSD, boolToInt(rec.IsPartialFill), rec.FillCount,
		nullFloat(m.LatencyMs), nullFloat(m.QuoteSlippagePct), nullFloat(m.HalfSpreadPct), nullFloat(m.BaselineSlippagePct),
		spreadCrossed, nullFloat(m.ImpactProxyPct), string(m.LiquidityTier),
		now, now,
	}

	var updates []string
	for _, c := range cols {
		switch c {
		case "run_id", "order_id", "created_at":
			continue
		}
		updates = append(updates, c+" = excluded."+c)
	}
	query := `INSERT INTO execution_records (` + strings.Join(cols, ", ") + `)
		VALUES (` + strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + `)
		ON CONFLICT(run_id, order_id) DO UPDATE SET ` + strings.Join(updates, ", ")

	return r.s.withTx(ctx, "Record", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("storage.Record: upsert %s/%s: %w", rec.RunID, rec.OrderID, err)
		}
		return nil
	})
}

// FetchRecords devuelve los registros de un run por updated_at ascendente.
// runID vacío devuelve todos.
func (r *Recorder) FetchRecords(ctx context.Context, runID string) ([]domain.ExecutionRecord, error) {
	query := `SELECT ` + execSelect + ` FROM execution_records`
	var args []any
	if runID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY updated_at ASC, id ASC`
	recs, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage.FetchRecords: %w", err)
	}
	return recs, nil
}

// Recent devuelve los últimos limit registros, más recientes primero.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]domain.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	recs, err := r.query(ctx,
		`SELECT `+execSelect+` FROM execution_records ORDER BY updated_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage.Recent: %w", err)
	}
	return recs, nil
}

func (r *Recorder) query(ctx context.Context, query string, args ...any) ([]domain.ExecutionRecord, error) {
	rows, err := r.s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []domain.ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanExecution(sc rowScanner) (domain.ExecutionRecord, error) {
	var (
		rec                                     domain.ExecutionRecord
		m                                       domain.ExecutionMetrics
		tradeID                                 sql.NullInt64
		slug, tif, refType, tier                sql.NullString
		side, orderType                         string
		whaleTS, decisionTS, sentTS, ackTS, fts sql.NullString
		entrySrc, curSrc, exitSrc, fillSrc      sql.NullString
		limitPx, refPx                          sql.NullFloat64
		bid, ask, mid, spreadAbs, spreadPct     sql.NullFloat64
		db1, da1, db2, da2, ltp, fillPx, filled sql.NullFloat64
		latency, quoteSlip, halfSpread          sql.NullFloat64
		baseSlip, impact                        sql.NullFloat64
		partial                                 int
		crossed                                 sql.NullInt64
	)
	err := sc.Scan(
		&rec.RunID, &rec.RunTag, &rec.OrderID, &tradeID, &rec.MarketID, &slug,
		&side, &orderType, &rec.QtyShares, &limitPx, &tif,
		&whaleTS, &refPx, &refType,
		&decisionTS, &sentTS, &ackTS, &fts,
		&bid, &ask, &mid, &spreadAbs, &spreadPct,
		&db1, &da1, &db2, &da2, &ltp,
		&fillPx, &entrySrc, &curSrc, &exitSrc, &fillSrc,
		&filled, &rec.FeesUSD, &partial, &rec.FillCount,
		&latency, &quoteSlip, &halfSpread, &baseSlip,
		&crossed, &impact, &tier,
	)
	if err != nil {
		return domain.ExecutionRecord{}, err
	}

	if tradeID.Valid {
		rec.TradeID = domain.Ptr(tradeID.Int64)
	}
	rec.MarketSlug = slug.String
	rec.Side = domain.OrderSide(side)
	rec.OrderType = domain.OrderType(orderType)
	rec.IntendedLimitPrice = floatPtr(limitPx)
	rec.TimeInForce = tif.String
	rec.WhaleEntryRefPrice = floatPtr(refPx)
	rec.WhaleRefType = domain.WhaleRefType(refType.String)

	times := []struct {
		src sql.NullString
		dst **time.Time
	}{
		{whaleTS, &rec.WhaleSignalTS},
		{decisionTS, &rec.DecisionTS},
		{sentTS, &rec.SentTS},
		{ackTS, &rec.AckTS},
		{fts, &rec.FillTS},
	}
	for _, t := range times {
		if *t.dst, err = parseNullTime(t.src); err != nil {
			return domain.ExecutionRecord{}, fmt.Errorf("order %s: %w", rec.OrderID, err)
		}
	}

	rec.BestBid = floatPtr(bid)
	rec.BestAsk = floatPtr(ask)
	rec.Mid = floatPtr(mid)
	rec.DepthBid1 = floatPtr(db1)
	rec.DepthAsk1 = floatPtr(da1)
	rec.DepthBid2 = floatPtr(db2)
	rec.DepthAsk2 = floatPtr(da2)
	rec.LastTradePrice = floatPtr(ltp)
	rec.FillPrice = floatPtr(fillPx)
	rec.EntrySource = domain.PriceSource(entrySrc.String)
	rec.CurrentSource = domain.PriceSource(curSrc.String)
	rec.ExitSource = domain.PriceSource(exitSrc.String)
	rec.FillSource = domain.PriceSource(fillSrc.String)
	rec.FilledShares = floatPtr(filled)
	rec.IsPartialFill = partial != 0

	m.SpreadAbs = floatPtr(spreadAbs)
	m.SpreadPct = floatPtr(spreadPct)
	m.LatencyMs = floatPtr(latency)
	m.QuoteSlippagePct = floatPtr(quoteSlip)
	m.HalfSpreadPct = floatPtr(halfSpread)
	m.BaselineSlippagePct = floatPtr(baseSlip)
	m.ImpactProxyPct = floatPtr(impact)
	if crossed.Valid {
		m.SpreadCrossed = domain.Ptr(crossed.Int64 != 0)
	}
	m.LiquidityTier = domain.LiquidityTier(tier.String)
	rec.Derived = m
	return rec, nil
}
