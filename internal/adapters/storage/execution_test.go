package storage_test

import (
	"bytes"
	"context"
	"encoding/csv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polycopy/internal/adapters/storage"
	"github.com/alejandrodnm/polycopy/internal/domain"
)

func sentRecord(orderID string) domain.ExecutionRecord {
	sent := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return domain.ExecutionRecord{
		RunID:              "mm-run",
		OrderID:            orderID,
		MarketID:           "0xabc",
		Side:               domain.OrderBuy,
		OrderType:          domain.OrderLimit,
		QtyShares:          20,
		IntendedLimitPrice: domain.Ptr(0.49),
		SentTS:             &sent,
		BestBid:            domain.Ptr(0.48),
		BestAsk:            domain.Ptr(0.52),
		DepthBid1:          domain.Ptr(600.0),
		DepthAsk1:          domain.Ptr(500.0),
		EntrySource:        domain.SourceQuote,
	}
}

func filled(rec domain.ExecutionRecord, price float64, src domain.PriceSource) domain.ExecutionRecord {
	ts := rec.SentTS.Add(2 * time.Second)
	rec.FillTS = &ts
	rec.FillPrice = domain.Ptr(price)
	rec.FillSource = src
	rec.FilledShares = domain.Ptr(rec.QtyShares)
	rec.FillCount = 1
	rec.FeesUSD = 0.002
	return rec
}

func TestRecorder_UpsertKeepsOneRowPerOrder(t *testing.T) {
	ctx := context.Background()
	db, clk := newLedger(t, 1000)
	rec := storage.NewRecorder(db, false)

	require.NoError(t, rec.Record(ctx, sentRecord("mm-run-1")))
	clk.advance(time.Second)
	require.NoError(t, rec.Record(ctx, filled(sentRecord("mm-run-1"), 0.49, domain.SourceFill)))

	got, err := rec.FetchRecords(ctx, "mm-run")
	require.NoError(t, err)
	require.Len(t, got, 1)

	r := got[0]
	require.NotNil(t, r.FillPrice)
	assert.InDelta(t, 0.49, *r.FillPrice, 1e-12)
	require.NotNil(t, r.Mid)
	assert.InDelta(t, 0.50, *r.Mid, 1e-12)
	assert.Equal(t, domain.RefUnknown, r.WhaleRefType)
	assert.Equal(t, "default", r.RunTag)
	require.NotNil(t, r.Derived.QuoteSlippagePct)
	assert.InDelta(t, -0.02, *r.Derived.QuoteSlippagePct, 1e-9)
	require.NotNil(t, r.Derived.SpreadCrossed)
	assert.False(t, *r.Derived.SpreadCrossed)
	assert.Equal(t, domain.TierC, r.Derived.LiquidityTier) // spread 4c
	require.NotNil(t, r.FillTS)
	assert.True(t, r.FillTS.Equal(r.SentTS.Add(2*time.Second)))
}

func TestRecorder_InvalidRecordByMode(t *testing.T) {
	ctx := context.Background()
	db, _ := newLedger(t, 1000)

	bad := sentRecord("mm-run-1")
	bad.BestBid = domain.Ptr(0.60) // bid > ask

	sim := storage.NewRecorder(db, false)
	require.NoError(t, sim.Record(ctx, bad))
	got, err := sim.FetchRecords(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, got)

	live := storage.NewRecorder(db, true)
	err = live.Record(ctx, bad)
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.ErrorIs(t, err, domain.ErrLiveHalt)
	assert.NotErrorIs(t, sim.Record(ctx, bad), domain.ErrLiveHalt)
}

func TestRecorder_ExportSlippageCSV(t *testing.T) {
	ctx := context.Background()
	db, clk := newLedger(t, 1000)
	rec := storage.NewRecorder(db, false)

	good := filled(sentRecord("o-1"), 0.49, domain.SourceFill)
	quoteOnly := filled(sentRecord("o-2"), 0.50, domain.SourceQuote)
	noBook := filled(sentRecord("o-3"), 0.50, domain.SourceFill)
	noBook.BestBid, noBook.BestAsk = nil, nil

	for _, r := range []domain.ExecutionRecord{good, sentRecord("o-0"), quoteOnly, noBook} {
		require.NoError(t, rec.Record(ctx, r))
		clk.advance(time.Second)
	}

	var buf bytes.Buffer
	st, err := rec.ExportSlippageCSV(ctx, &buf, storage.ExportFilter{
		RunID:             "mm-run",
		OnlyFilled:        true,
		RequireFillSource: true,
		RequireSnapshot:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, storage.ExportStats{Rows: 1, NotFilled: 1, NonFillSource: 1, MissingSnapshot: 1}, st)

	rows, err := csv.NewReader(strings.NewReader(buf.String())).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, domain.ExecutionColumns, rows[0])
	assert.Equal(t, "o-1", rows[1][2])
	assert.Equal(t, "0.002", rows[1][34])

	buf.Reset()
	st, err = rec.ExportSlippageCSV(ctx, &buf, storage.ExportFilter{RunID: "mm-run"})
	require.NoError(t, err)
	assert.Equal(t, 4, st.Rows)
}
