package experiment_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polycopy/internal/adapters/storage"
	"github.com/alejandrodnm/polycopy/internal/application/engine/mm"
	"github.com/alejandrodnm/polycopy/internal/application/experiment"
	"github.com/alejandrodnm/polycopy/internal/application/trust"
	"github.com/alejandrodnm/polycopy/internal/domain"
)

type scripted struct {
	snaps map[string][]domain.MarketSnapshot
	idx   map[string]int
}

func newScripted() *scripted {
	return &scripted{snaps: map[string][]domain.MarketSnapshot{}, idx: map[string]int{}}
}

func (s *scripted) add(market string, bid, ask, ltp float64) {
	s.snaps[market] = append(s.snaps[market], domain.MarketSnapshot{
		MarketID:       market,
		BestBid:        domain.Ptr(bid),
		BestAsk:        domain.Ptr(ask),
		LastTradePrice: domain.Ptr(ltp),
	})
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

type staticSelector []string

func (s staticSelector) Select(context.Context) ([]string, error) { return s, nil }

type captureNotifier struct{ events []domain.Event }

func (c *captureNotifier) Notify(_ context.Context, ev domain.Event) error {
	c.events = append(c.events, ev)
	return nil
}

type captureStatus struct{ calls, positions int }

func (c *captureStatus) Update(_ time.Time, positions, _ int, _ error) {
	c.calls++
	c.positions = positions
}

var clock = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.SetClock(func() time.Time { return clock })
	require.NoError(t, db.InitPortfolio(context.Background(), 1000, clock))
	return db
}

func roundTrip(data *scripted) {
	data.add("m1", 0.48, 0.52, 0.50)
	data.add("m1", 0.48, 0.52, 0.47)
	data.add("m1", 0.48, 0.52, 0.50)
	data.add("m1", 0.48, 0.52, 0.53)
}

func engineConfig() mm.Config {
	return mm.Config{
		QuoteSizeUSD: 10,
		Quote: domain.QuoteParams{
			TickSize:            0.01,
			KTicks:              2,
			MaxPerMarketUSD:     100,
			MaxTotalExposureUSD: 1000,
		},
	}
}

func newRunner(t *testing.T, db *storage.SQLiteStorage, diag *storage.Recorder, data *scripted, sel staticSelector, cfg experiment.Config) (*experiment.Runner, *captureNotifier, *captureStatus) {
	t.Helper()
	n, st := &captureNotifier{}, &captureStatus{}
	gate := trust.New(db, diag, t.TempDir(), 1e-6)
	gate.SetClock(func() time.Time { return clock })
	r := experiment.New(experiment.Deps{
		Ledger:   db,
		Diag:     diag,
		Data:     data,
		Selector: sel,
		Rewards:  db,
		Gate:     gate,
		Notifier: n,
		Status:   st,
	}, cfg)
	r.SetClock(func() time.Time { return clock })
	return r, n, st
}

func TestRunner_FullRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := newStore(t)
	diag := storage.NewRecorder(db, true)
	data := newScripted()
	roundTrip(data)

	r, n, st := newRunner(t, db, diag, data, staticSelector{"m1"}, experiment.Config{
		RunID:         "mm-test",
		RunTag:        "exp",
		Bankroll:      1000,
		MaxIterations: 4,
		Engine:        engineConfig(),
	})

	res, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, "mm-test", res.RunID)
	assert.Equal(t, []string{"m1"}, res.Markets)
	assert.Equal(t, 4, res.Iterations)
	assert.Equal(t, 2, res.Fills)
	assert.Zero(t, res.Recon.OpenPositions)
	assert.Equal(t, 1, res.Recon.ClosedPositions)
	require.NotNil(t, res.Recon.EquityPnL)
	assert.Greater(t, *res.Recon.EquityPnL, 0.0)
	assert.Empty(t, n.events)
	assert.Equal(t, 4, st.calls)

	rewards, err := db.Rewards(ctx, "mm-test", "exp")
	require.NoError(t, err)
	require.Len(t, rewards, 1)
	assert.Equal(t, "unknown", rewards[0].Source)
	assert.Zero(t, rewards[0].AmountUSD)

	recs, err := diag.FetchRecords(ctx, "mm-test")
	require.NoError(t, err)
	assert.NotEmpty(t, recs)
}

func TestRunner_MaxFillsThenDrain(t *testing.T) {
	db := newStore(t)
	diag := storage.NewRecorder(db, true)
	data := newScripted()
	roundTrip(data)

	r, _, _ := newRunner(t, db, diag, data, staticSelector{"m1"}, experiment.Config{
		RunID:         "mm-fills",
		Bankroll:      1000,
		MaxIterations: 100,
		MaxFills:      1,
		Drain:         true,
		Engine:        engineConfig(),
	})

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, 1, res.Fills, "no resting orders left to drain")
	assert.Equal(t, 1, res.Recon.OpenPositions)
}

func TestRunner_NoMarkets(t *testing.T) {
	db := newStore(t)
	r, _, _ := newRunner(t, db, storage.NewRecorder(db, true), newScripted(), nil, experiment.Config{MaxIterations: 1})

	_, err := r.Run(context.Background())
	assert.ErrorIs(t, err, experiment.ErrNoMarkets)
}

type badRecorder struct{}

func (badRecorder) Record(context.Context, domain.ExecutionRecord) error { return nil }

func (badRecorder) FetchRecords(_ context.Context, runID string) ([]domain.ExecutionRecord, error) {
	return []domain.ExecutionRecord{{
		RunID: runID, RunTag: "exp", OrderID: runID + "-1", MarketID: "m1",
		Side: domain.OrderBuy, OrderType: domain.OrderLimit,
		BestBid: domain.Ptr(0.55), BestAsk: domain.Ptr(0.52), Mid: domain.Ptr(0.535),
		FillPrice: domain.Ptr(0.5),
	}}, nil
}

func TestRunner_PreRunGateFailure(t *testing.T) {
	db := newStore(t)
	data := newScripted()
	roundTrip(data)

	n := &captureNotifier{}
	r := experiment.New(experiment.Deps{
		Ledger:   db,
		Diag:     badRecorder{},
		Data:     data,
		Selector: staticSelector{"m1"},
		Rewards:  db,
		Gate:     trust.New(db, badRecorder{}, t.TempDir(), 1e-6),
		Notifier: n,
	}, experiment.Config{RunID: "bad", RunTag: "exp", MaxIterations: 1, Engine: engineConfig()})

	res, err := r.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrIntegrity))
	assert.Zero(t, res.Iterations)
	require.Len(t, n.events, 1)
	assert.Equal(t, domain.EventGate, n.events[0].Kind)
}

// haltingRecorder simula un recorder live que no puede persistir fills.
type haltingRecorder struct{ *storage.Recorder }

func (h haltingRecorder) Record(ctx context.Context, rec domain.ExecutionRecord) error {
	if rec.FillTS != nil {
		return fmt.Errorf("%w: disk full", domain.ErrLiveHalt)
	}
	return h.Recorder.Record(ctx, rec)
}

func TestRunner_LiveHaltStopsLoop(t *testing.T) {
	db := newStore(t)
	data := newScripted()
	roundTrip(data)

	st := &captureStatus{}
	r := experiment.New(experiment.Deps{
		Ledger:   db,
		Diag:     haltingRecorder{storage.NewRecorder(db, true)},
		Data:     data,
		Selector: staticSelector{"m1"},
		Rewards:  db,
		Status:   st,
	}, experiment.Config{RunID: "halt", RunTag: "exp", Bankroll: 1000, MaxIterations: 4, Engine: engineConfig()})
	r.SetClock(func() time.Time { return clock })

	res, err := r.Run(context.Background())
	require.ErrorIs(t, err, domain.ErrLiveHalt)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, 1, res.Recon.OpenPositions)

	all, err := db.AllTrades(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Equal(t, 2, st.calls)
}
