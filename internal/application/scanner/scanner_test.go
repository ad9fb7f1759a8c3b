package scanner_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polycopy/internal/application/scanner"
	"github.com/alejandrodnm/polycopy/internal/domain"
)

type stubProvider struct {
	markets []domain.Market
	snaps   map[string]domain.MarketSnapshot

	mu       sync.Mutex
	advanced int
}

func (p *stubProvider) Markets(context.Context) ([]domain.Market, error) { return p.markets, nil }

func (p *stubProvider) Snapshot(_ context.Context, id string, _ domain.Outcome, advance bool) (domain.MarketSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if advance {
		p.advanced++
	}
	s, ok := p.snaps[id]
	if !ok {
		return domain.MarketSnapshot{}, domain.ErrNotFound
	}
	return s, nil
}

func book(bid, ask, depth float64) domain.MarketSnapshot {
	return domain.MarketSnapshot{
		BestBid:   domain.Ptr(bid),
		BestAsk:   domain.Ptr(ask),
		DepthBid1: domain.Ptr(depth / 2),
		DepthAsk1: domain.Ptr(depth / 2),
	}
}

func binary(id string) domain.Market {
	return domain.Market{ConditionID: id, OutcomePrices: []float64{0.5, 0.5}}
}

func newStub() *stubProvider {
	return &stubProvider{
		markets: []domain.Market{
			binary("m4"),
			binary("m2"),
			binary("m1"),
			{ConditionID: "m3"}, // no binario
			binary("m5"),        // sin snapshot
		},
		snaps: map[string]domain.MarketSnapshot{
			"m1": book(0.498, 0.502, 1200),
			"m2": book(0.495, 0.505, 300),
			"m3": book(0.498, 0.502, 1200),
			"m4": book(0.499, 0.501, 5000),
		},
	}
}

func TestScanner_SelectTierA(t *testing.T) {
	stub := newStub()
	s := scanner.New(scanner.Config{Workers: 2}, stub)

	ids, err := s.Select(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m4"}, ids)
	assert.Zero(t, stub.advanced, "scanning never advances snapshots")
}

func TestScanner_ScanOrdersByTier(t *testing.T) {
	s := scanner.New(scanner.Config{}, newStub())

	cands, err := s.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, cands, 3)
	assert.Equal(t, "m1", cands[0].MarketID)
	assert.Equal(t, "m4", cands[1].MarketID)
	assert.Equal(t, "m2", cands[2].MarketID)
	assert.Equal(t, domain.TierB, cands[2].Tier)
	require.NotNil(t, cands[2].DepthSum)
	assert.InDelta(t, 300, *cands[2].DepthSum, 1e-9)
}

func TestScanner_SelectOtherTierAndCap(t *testing.T) {
	s := scanner.New(scanner.Config{Tier: domain.TierA, MaxMarkets: 1}, newStub())
	ids, err := s.Select(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, ids)

	s = scanner.New(scanner.Config{Tier: domain.TierB}, newStub())
	ids, err = s.Select(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"m2"}, ids)
}

func TestScanner_WhitelistSkipsProvider(t *testing.T) {
	s := scanner.New(scanner.Config{Whitelist: []string{"x", "y", "z"}, MaxMarkets: 2}, nil)
	ids, err := s.Select(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, ids)
}

type failingProvider struct{ stubProvider }

func (*failingProvider) Markets(context.Context) ([]domain.Market, error) {
	return nil, errors.New("boom")
}

func TestScanner_MarketsError(t *testing.T) {
	s := scanner.New(scanner.Config{}, &failingProvider{})
	_, err := s.Select(context.Background())
	assert.ErrorContains(t, err, "boom")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		snap domain.MarketSnapshot
		want domain.LiquidityTier
	}{
		{"tight and deep", book(0.498, 0.502, 1000), domain.TierA},
		{"tight but thin", book(0.498, 0.502, 500), domain.TierB},
		{"wide", book(0.40, 0.60, 5000), domain.TierC},
		{"no depth", domain.MarketSnapshot{BestBid: domain.Ptr(0.498), BestAsk: domain.Ptr(0.502)}, domain.TierC},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, scanner.Classify(tt.snap).Tier)
		})
	}
}

func TestClassify_MatchesExecutionRecordTier(t *testing.T) {
	snaps := map[string]domain.MarketSnapshot{
		"tight and deep": book(0.498, 0.502, 1000),
		"abs 2c":         book(0.49, 0.51, 5000),
		"one sided":      {BestBid: domain.Ptr(0.499), BestAsk: domain.Ptr(0.501), DepthBid1: domain.Ptr(5000.0)},
		"thin":           book(0.495, 0.505, 300),
		"no depth":       {BestBid: domain.Ptr(0.498), BestAsk: domain.Ptr(0.502)},
	}
	for name, snap := range snaps {
		t.Run(name, func(t *testing.T) {
			rec := domain.ExecutionRecord{Side: domain.OrderBuy, OrderType: domain.OrderLimit}
			rec.ApplySnapshot(snap.WithDerived())
			assert.Equal(t, scanner.Classify(snap).Tier, rec.Derive().Derived.LiquidityTier)
		})
	}
	assert.Equal(t, domain.TierA, scanner.Classify(snaps["one sided"]).Tier)
}
