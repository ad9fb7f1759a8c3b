package mm_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polycopy/internal/adapters/storage"
	"github.com/alejandrodnm/polycopy/internal/application/engine/mm"
	"github.com/alejandrodnm/polycopy/internal/domain"
	"github.com/alejandrodnm/polycopy/internal/domain/fill"
)

// scripted devuelve una secuencia fija de snapshots por mercado.
type scripted struct {
	snaps map[string][]domain.MarketSnapshot
	idx   map[string]int
}

func newScripted() *scripted {
	return &scripted{snaps: map[string][]domain.MarketSnapshot{}, idx: map[string]int{}}
}

func (s *scripted) add(market string, bid, ask, ltp float64) {
	snap := domain.MarketSnapshot{MarketID: market, LastTradePrice: domain.Ptr(ltp)}
	if bid > 0 {
		snap.BestBid = domain.Ptr(bid)
	}
	if ask > 0 {
		snap.BestAsk = domain.Ptr(ask)
	}
	s.snaps[market] = append(s.snaps[market], snap)
}

func (s *scripted) Markets(context.Context) ([]domain.Market, error) { return nil, nil }

func (s *scripted) Snapshot(_ context.Context, id string, _ domain.Outcome, advance bool) (domain.MarketSnapshot, error) {
	rows := s.snaps[id]
	if len(rows) == 0 {
		return domain.MarketSnapshot{}, domain.ErrNotFound
	}
	i := s.idx[id] % len(rows)
	if advance {
		s.idx[id] = i + 1
	}
	return rows[i], nil
}

type harness struct {
	eng  *mm.Engine
	db   *storage.SQLiteStorage
	rec  *storage.Recorder
	data *scripted
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.InitPortfolio(context.Background(), 1000, time.Time{}))

	clock := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	db.SetClock(func() time.Time { return clock })

	rec := storage.NewRecorder(db, true)
	data := newScripted()
	eng := mm.New(db, rec, data, fill.NewDeterministic(), mm.Config{
		RunID:        "run",
		RunTag:       "test",
		QuoteSizeUSD: 10,
		Quote: domain.QuoteParams{
			TickSize:            0.01,
			KTicks:              2,
			MaxPerMarketUSD:     100,
			MaxTotalExposureUSD: 1000,
		},
	})
	eng.SetClock(func() time.Time { return clock })
	return &harness{eng: eng, db: db, rec: rec, data: data}
}

func TestEngine_QuoteFillAndClose(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.data.add("m1", 0.48, 0.52, 0.50) // solo bid: sin inventario
	h.data.add("m1", 0.48, 0.52, 0.47) // cruza el bid
	h.data.add("m1", 0.48, 0.52, 0.50) // bid y ask
	h.data.add("m1", 0.48, 0.52, 0.53) // cruza el ask

	res, err := h.eng.Step(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Fills)
	assert.True(t, res.Decision.PlaceBid)
	assert.False(t, res.Decision.PlaceAsk, "no ask without long inventory")

	orders := h.eng.ActiveOrders()
	require.Len(t, orders, 1)
	assert.Equal(t, "run-1", orders[0].ID)
	assert.Equal(t, domain.OrderBuy, orders[0].Side)
	assert.InDelta(t, 0.48, orders[0].Price, 1e-9)
	assert.InDelta(t, 10/0.48, orders[0].QtyShares, 1e-9)

	res, err = h.eng.Step(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Fills)
	assert.Empty(t, h.eng.ActiveOrders())

	open, err := h.db.OpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, mm.TargetWallet, open[0].TargetWallet)
	assert.InDelta(t, 0.47, open[0].EntryPrice, 1e-9)
	assert.InDelta(t, 10/0.48*0.47, open[0].CostBasis, 1e-9)
	assert.Equal(t, domain.SourceFill, open[0].EntrySource)
	assert.Equal(t, "run", open[0].RunID)

	res, err = h.eng.Step(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, res.Decision.PlaceAsk)
	require.Len(t, h.eng.ActiveOrders(), 2)

	res, err = h.eng.Step(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Fills)

	open, err = h.db.OpenPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
	all, err := h.db.AllTrades(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	closed := all[0]
	require.NotNil(t, closed.ExitPrice)
	assert.InDelta(t, 0.53, *closed.ExitPrice, 1e-9)
	assert.Equal(t, domain.SourceFill, closed.ExitSource)
	assert.InDelta(t, closed.Shares*0.53-closed.CostBasis, closed.RealizedPnL, 1e-9)

	recs, err := h.rec.FetchRecords(ctx, "run")
	require.NoError(t, err)
	byID := map[string]domain.ExecutionRecord{}
	for _, r := range recs {
		byID[r.OrderID] = r
	}
	require.Contains(t, byID, "run-1")
	first := byID["run-1"]
	require.NotNil(t, first.FillPrice)
	assert.InDelta(t, 0.47, *first.FillPrice, 1e-9)
	assert.Equal(t, domain.SourceFill, first.FillSource)
	require.NotNil(t, first.TradeID)
	assert.True(t, first.HasSnapshot())

	var sells int
	for _, r := range recs {
		if r.Side == domain.OrderSell {
			sells++
			require.NotNil(t, r.FillPrice)
			assert.Equal(t, closed.ID, *r.TradeID)
		}
	}
	assert.Equal(t, 1, sells)
}

func TestEngine_RequoteOnlyWhenPriceMoves(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.data.add("m1", 0.48, 0.52, 0.60)
	h.data.add("m1", 0.48, 0.52, 0.60)
	h.data.add("m1", 0.58, 0.62, 0.70)

	_, err := h.eng.Step(ctx, "m1")
	require.NoError(t, err)
	_, err = h.eng.Step(ctx, "m1")
	require.NoError(t, err)
	orders := h.eng.ActiveOrders()
	require.Len(t, orders, 1)
	assert.Equal(t, "run-1", orders[0].ID, "same price keeps the resting order")

	_, err = h.eng.Step(ctx, "m1")
	require.NoError(t, err)
	orders = h.eng.ActiveOrders()
	require.Len(t, orders, 1)
	assert.Equal(t, "run-2", orders[0].ID)
	assert.InDelta(t, 0.58, orders[0].Price, 1e-9)
}

func TestEngine_InvalidSnapshotPausesAndCancels(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.data.add("m1", 0.48, 0.52, 0.60)
	h.data.add("m1", 0.48, 0, 0.60)

	_, err := h.eng.Step(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, h.eng.ActiveOrders(), 1)

	res, err := h.eng.Step(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonMissingBidAsk, res.Decision.PauseReason)
	assert.Empty(t, h.eng.ActiveOrders())
}

func TestEngine_AntiCrossDropsSide(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	snap := domain.MarketSnapshot{MarketID: "m1", BestBid: domain.Ptr(0.48), BestAsk: domain.Ptr(0.50)}

	dec, err := h.eng.PlaceQuotes(ctx, snap, domain.QuoteDecision{
		Bid: 0.50, Ask: 0.55, HasPrices: true, PlaceBid: true, PlaceAsk: true,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonBidCrossesAsk, dec.PauseReason)
	assert.False(t, dec.PlaceBid)

	orders := h.eng.ActiveOrders()
	require.Len(t, orders, 1)
	assert.Equal(t, domain.OrderSell, orders[0].Side)
}

func TestEngine_SellFillWithoutLotIsSkipped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	snap := domain.MarketSnapshot{MarketID: "m1", BestBid: domain.Ptr(0.48), BestAsk: domain.Ptr(0.52)}

	_, err := h.eng.PlaceQuotes(ctx, snap, domain.QuoteDecision{
		Bid: 0.48, Ask: 0.52, HasPrices: true, PlaceAsk: true,
	})
	require.NoError(t, err)

	snap.LastTradePrice = domain.Ptr(0.55)
	n, err := h.eng.PollFills(ctx, "m1", snap)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	all, err := h.db.AllTrades(ctx)
	require.NoError(t, err)
	assert.Empty(t, all, "long-only: a sell never opens a short")

	recs, err := h.rec.FetchRecords(ctx, "run")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Nil(t, recs[0].TradeID)
	assert.NotNil(t, recs[0].FillTS)
}

func TestEngine_DrainFillsRestingOrders(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.data.add("m1", 0.48, 0.52, 0.60)
	h.data.add("m1", 0.48, 0.52, 0.60)
	h.data.add("m1", 0.48, 0.52, 0.40)

	_, err := h.eng.Step(ctx, "m1")
	require.NoError(t, err)

	n, err := h.eng.Drain(ctx, []string{"m1"}, 4)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, h.eng.ActiveOrders())

	open, err := h.db.OpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.InDelta(t, 0.40, open[0].EntryPrice, 1e-9)
}

func TestEngine_ExposureCapBlocksBid(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.db.OpenTrade(ctx, domain.OpenRequest{
		MarketID: "m1", Side: "BUY", Outcome: domain.OutcomeYes,
		CostUSD: 150, Price: 0.5, TargetWallet: mm.TargetWallet, EntrySource: domain.SourceFill,
	})
	require.NoError(t, err)

	inv, err := h.eng.Inventory(ctx, "m1")
	require.NoError(t, err)
	assert.InDelta(t, 150, inv.NetUSD, 1e-9)
	assert.InDelta(t, 150, inv.GrossUSD, 1e-9)

	snap := domain.MarketSnapshot{MarketID: "m1", BestBid: domain.Ptr(0.48), BestAsk: domain.Ptr(0.52)}
	dec, err := h.eng.BuildQuote(ctx, snap)
	require.NoError(t, err)
	assert.False(t, dec.PlaceBid, "per-market cap reached")
	assert.True(t, dec.PlaceAsk)

	other, err := h.eng.Inventory(ctx, "m2")
	require.NoError(t, err)
	assert.Zero(t, other.NetUSD)
	assert.InDelta(t, 150, other.GrossUSD, 1e-9, "gross spans every market")
}

// flakyRecorder falla la primera escritura de un fill.
type flakyRecorder struct {
	*storage.Recorder
	failed bool
}

var errRecordDown = errors.New("diagnostics store down")

func (f *flakyRecorder) Record(ctx context.Context, rec domain.ExecutionRecord) error {
	if rec.FillTS != nil && !f.failed {
		f.failed = true
		return errRecordDown
	}
	return f.Recorder.Record(ctx, rec)
}

func TestEngine_RecordFailureDoesNotRefill(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	eng := mm.New(h.db, &flakyRecorder{Recorder: h.rec}, h.data, fill.NewDeterministic(), mm.Config{
		RunID:        "run",
		RunTag:       "test",
		QuoteSizeUSD: 10,
		Quote: domain.QuoteParams{
			TickSize:            0.01,
			KTicks:              2,
			MaxPerMarketUSD:     100,
			MaxTotalExposureUSD: 1000,
		},
	})
	h.data.add("m1", 0.48, 0.52, 0.50)
	h.data.add("m1", 0.48, 0.52, 0.47)

	_, err := eng.Step(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, eng.ActiveOrders(), 1)

	_, err = eng.Step(ctx, "m1")
	require.ErrorIs(t, err, errRecordDown)
	assert.Empty(t, eng.ActiveOrders(), "filled order must leave the book once the ledger has it")

	crossing := domain.MarketSnapshot{
		MarketID:       "m1",
		BestBid:        domain.Ptr(0.48),
		BestAsk:        domain.Ptr(0.52),
		LastTradePrice: domain.Ptr(0.47),
	}
	n, err := eng.PollFills(ctx, "m1", crossing)
	require.NoError(t, err)
	assert.Zero(t, n)

	all, err := h.db.AllTrades(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
