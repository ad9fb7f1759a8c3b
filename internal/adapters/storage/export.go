package storage

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

// ExportFilter selecciona qué registros entran en el CSV de slippage.
// Los tres flags "truthful" están activos por defecto en el CLI.
type ExportFilter struct {
	RunID             string
	RunTag            string
	OnlyFilled        bool
	RequireFillSource bool
	RequireSnapshot   bool
}

// ExportStats cuenta filas exportadas y motivos de exclusión.
// Cada registro excluido cuenta en un único motivo, el primero que aplica.
type ExportStats struct {
	Rows            int
	NotFilled       int
	NonFillSource   int
	MissingSnapshot int
}

// ExportSlippageCSV escribe en w los registros que pasan el filtro con las
// columnas de domain.ExecutionColumns.
func (r *Recorder) ExportSlippageCSV(ctx context.Context, w io.Writer, f ExportFilter) (ExportStats, error) {
	all, err := r.FetchRecords(ctx, f.RunID)
	if err != nil {
		return ExportStats{}, fmt.Errorf("storage.ExportSlippageCSV: %w", err)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(domain.ExecutionColumns); err != nil {
		return ExportStats{}, fmt.Errorf("storage.ExportSlippageCSV: header: %w", err)
	}

	var st ExportStats
	for _, rec := range all {
		if f.RunTag != "" && rec.RunTag != f.RunTag {
			continue
		}
		switch {
		case rec.FillPrice == nil:
			st.NotFilled++
		case rec.FillSource != domain.SourceFill:
			st.NonFillSource++
		case !hasFullBook(rec):
			st.MissingSnapshot++
		}
		if f.OnlyFilled && rec.FillPrice == nil {
			continue
		}
		if f.RequireFillSource && rec.FillSource != domain.SourceFill {
			continue
		}
		if f.RequireSnapshot && !hasFullBook(rec) {
			continue
		}
		if err := cw.Write(csvRow(rec)); err != nil {
			return st, fmt.Errorf("storage.ExportSlippageCSV: row %s: %w", rec.OrderID, err)
		}
		st.Rows++
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return st, fmt.Errorf("storage.ExportSlippageCSV: flush: %w", err)
	}
	return st, nil
}

func hasFullBook(rec domain.ExecutionRecord) bool {
	return rec.Mid != nil && rec.BestBid != nil && rec.BestAsk != nil
}

func csvRow(rec domain.ExecutionRecord) []string {
	m := rec.Derived
	var tradeID string
	if rec.TradeID != nil {
		tradeID = strconv.FormatInt(*rec.TradeID, 10)
	}
	var crossed string
	if m.SpreadCrossed != nil {
		crossed = strconv.FormatBool(*m.SpreadCrossed)
	}
	return []string{
		rec.RunID, rec.RunTag, rec.OrderID, tradeID, rec.MarketID, rec.MarketSlug,
		string(rec.Side), string(rec.OrderType), num(rec.QtyShares), optNum(rec.IntendedLimitPrice), rec.TimeInForce,
		optTime(rec.WhaleSignalTS), optNum(rec.WhaleEntryRefPrice), string(rec.WhaleRefType),
		optTime(rec.DecisionTS), optTime(rec.SentTS), optTime(rec.AckTS), optTime(rec.FillTS),
		optNum(rec.BestBid), optNum(rec.BestAsk), optNum(rec.Mid), optNum(m.SpreadAbs), optNum(m.SpreadPct),
		optNum(rec.DepthBid1), optNum(rec.DepthAsk1), optNum(rec.DepthBid2), optNum(rec.DepthAsk2), optNum(rec.LastTradePrice),
		optNum(rec.FillPrice), string(rec.EntrySource), string(rec.CurrentSource), string(rec.ExitSource), string(rec.FillSource),
		optNum(rec.FilledShares), usd(rec.FeesUSD), strconv.FormatBool(rec.IsPartialFill), strconv.Itoa(rec.FillCount),
		optNum(m.LatencyMs), optNum(m.QuoteSlippagePct), optNum(m.HalfSpreadPct), optNum(m.BaselineSlippagePct),
		crossed, optNum(m.ImpactProxyPct), string(m.LiquidityTier),
	}
}

func num(v float64) string {
	return decimal.NewFromFloat(v).String()
}

func optNum(v *float64) string {
	if v == nil {
		return ""
	}
	return num(*v)
}

// usd redondea a 6 decimales; los fees vienen de multiplicar bps.
func usd(v float64) string {
	return decimal.NewFromFloat(v).Round(6).String()
}

func optTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
