package trust_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polycopy/internal/adapters/storage"
	"github.com/alejandrodnm/polycopy/internal/application/trust"
	"github.com/alejandrodnm/polycopy/internal/domain"
)

type fakeRecorder struct{ recs []domain.ExecutionRecord }

func (f *fakeRecorder) Record(_ context.Context, rec domain.ExecutionRecord) error {
	f.recs = append(f.recs, rec)
	return nil
}

func (f *fakeRecorder) FetchRecords(_ context.Context, runID string) ([]domain.ExecutionRecord, error) {
	var out []domain.ExecutionRecord
	for _, r := range f.recs {
		if r.RunID == runID {
			out = append(out, r)
		}
	}
	return out, nil
}

var clock = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.SetClock(func() time.Time { return clock })
	require.NoError(t, db.InitPortfolio(context.Background(), 1000, time.Time{}))
	return db
}

// refresh persiste el total reconciliado como hacen los runners antes del gate.
func refresh(t *testing.T, db *storage.SQLiteStorage) {
	t.Helper()
	ctx := context.Background()
	recon, err := db.Reconcile(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, db.UpdatePortfolio(ctx, recon.TotalValue, recon.Cash, 0))
}

func fillRecord(orderID string, bid, ask, mid float64) domain.ExecutionRecord {
	return domain.ExecutionRecord{
		RunID:     "run",
		RunTag:    "exp",
		OrderID:   orderID,
		MarketID:  "m1",
		Side:      domain.OrderBuy,
		OrderType: domain.OrderLimit,
		BestBid:   domain.Ptr(bid),
		BestAsk:   domain.Ptr(ask),
		Mid:       domain.Ptr(mid),
		FillPrice: domain.Ptr(0.49),
	}
}

func TestGate_PassesOnCleanRun(t *testing.T) {
	ctx := context.Background()
	db := newStore(t)
	id, err := db.OpenTrade(ctx, domain.OpenRequest{
		MarketID: "m1", Side: "BUY", Outcome: domain.OutcomeYes, CostUSD: 10, Price: 0.5,
		EntrySource: domain.SourceFill, RunID: "run", RunTag: "exp",
	})
	require.NoError(t, err)
	_, err = db.CloseTrade(ctx, id, 0.55, domain.CloseOptions{ExitSource: domain.SourceFill})
	require.NoError(t, err)
	refresh(t, db)

	rec := &fakeRecorder{recs: []domain.ExecutionRecord{
		fillRecord("run-1", 0.48, 0.52, 0.50),
		{RunID: "run", RunTag: "exp", OrderID: "run-2"}, // sin fill: se ignora
	}}
	dir := t.TempDir()
	g := trust.New(db, rec, dir, 1e-6)

	require.NoError(t, g.Check(ctx, trust.StagePostRun, trust.Run{ID: "run", Tag: "exp"}))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "no bundle on success")
}

func TestGate_WritesBundleOnFailure(t *testing.T) {
	ctx := context.Background()
	db := newStore(t)
	rec := &fakeRecorder{recs: []domain.ExecutionRecord{
		fillRecord("run-1", 0.48, 0.52, 0.45),
		fillRecord("run-2", 0.55, 0.52, 0.535),
		fillRecord("other-tag", 0.48, 0.52, 0.10),
	}}
	rec.recs[2].RunTag = "other"
	missing := fillRecord("run-3", 0, 0, 0)
	missing.BestBid, missing.BestAsk = nil, nil
	rec.recs = append(rec.recs, missing)

	dir := t.TempDir()
	g := trust.New(db, rec, dir, 1e-6)
	g.SetClock(func() time.Time { return clock })

	err := g.Check(ctx, trust.StagePreRun, trust.Run{ID: "run", Tag: "exp", Meta: map[string]any{"markets": 2}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrIntegrity))

	var gateErr *trust.Error
	require.ErrorAs(t, err, &gateErr)
	assert.Equal(t, trust.StagePreRun, gateErr.Stage)
	assert.Len(t, gateErr.Issues, 3)
	assert.Contains(t, gateErr.Issues[0], "fill_mid_mismatch order_id=run-1")
	assert.Contains(t, gateErr.Issues[1], "fill_bid_gt_ask order_id=run-2")
	assert.Contains(t, gateErr.Issues[2], "fill_missing_snapshot order_id=run-3")

	want := filepath.Join(dir, "debug_bundle_exp_20250301T120000Z", "bundle.json")
	assert.Equal(t, want, gateErr.BundlePath)
	data, err := os.ReadFile(want)
	require.NoError(t, err)

	var payload struct {
		Stage   string         `json:"stage"`
		RunID   string         `json:"run_id"`
		RunMeta map[string]any `json:"run_meta"`
		Issues  []string       `json:"issues"`
		Execs   []any          `json:"offending_execution_rows"`
	}
	require.NoError(t, json.Unmarshal(data, &payload))
	assert.Equal(t, "pre_run", payload.Stage)
	assert.Equal(t, "run", payload.RunID)
	assert.EqualValues(t, 2, payload.RunMeta["markets"])
	assert.Len(t, payload.Issues, 3)
	assert.Len(t, payload.Execs, 3)
}

func TestGate_StalePortfolioTotal(t *testing.T) {
	ctx := context.Background()
	db := newStore(t)
	id, err := db.OpenTrade(ctx, domain.OpenRequest{
		MarketID: "m1", Side: "BUY", Outcome: domain.OutcomeYes, CostUSD: 10, Price: 0.5,
		EntrySource: domain.SourceFill, RunID: "run", RunTag: "exp",
	})
	require.NoError(t, err)
	_, err = db.CloseTrade(ctx, id, 0.55, domain.CloseOptions{ExitSource: domain.SourceFill})
	require.NoError(t, err)

	// cash ya es 1001 pero el total cacheado sigue en 1000
	g := trust.New(db, &fakeRecorder{}, t.TempDir(), 1e-6)
	g.SetClock(func() time.Time { return clock })
	err = g.Check(ctx, trust.StagePostRun, trust.Run{ID: "run", Tag: "exp"})
	var gateErr *trust.Error
	require.ErrorAs(t, err, &gateErr)
	require.Len(t, gateErr.Issues, 1)
	assert.Contains(t, gateErr.Issues[0], "portfolio_identity_failed: total_value=1000.000000 cash=1001.000000")

	refresh(t, db)
	assert.NoError(t, g.Check(ctx, trust.StagePostRun, trust.Run{ID: "run", Tag: "exp"}))
}
