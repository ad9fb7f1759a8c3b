package fixture_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polycopy/internal/adapters/fixture"
	"github.com/alejandrodnm/polycopy/internal/domain"
)

func writeFixtures(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "snapshots"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "markets.json"), []byte(`[
		{"conditionId": "m1", "outcomes": "[\"Yes\",\"No\"]", "outcomePrices": "[\"0.5\",\"0.5\"]"},
		{"conditionId": "m2", "outcomes": "[\"Yes\",\"No\"]"}
	]`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "snapshots", "m1.jsonl"), []byte(
		`{"best_bid": 0.49, "best_ask": 0.51, "mid_price": 0.5, "depth_bid_1": 600, "depth_ask_1": 600, "last_trade_price": 0.5}`+"\n"+
			"\n"+
			`{"best_bid": 0.47, "best_ask": 0.49, "last_trade_price": 0.46}`+"\n",
	), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "snapshots", "empty.jsonl"), nil, 0o644))
}

func TestProvider_AdvanceWrapsAround(t *testing.T) {
	dir := t.TempDir()
	writeFixtures(t, dir)
	p, err := fixture.New(dir, "default")
	require.NoError(t, err)
	ctx := context.Background()

	markets, err := p.Markets(ctx)
	require.NoError(t, err)
	require.Len(t, markets, 2)
	assert.True(t, markets[0].IsBinary())

	n, err := p.Count("m1")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "blank lines are skipped")

	peek, err := p.Snapshot(ctx, "m1", domain.OutcomeYes, false)
	require.NoError(t, err)
	again, err := p.Snapshot(ctx, "m1", domain.OutcomeYes, true)
	require.NoError(t, err)
	assert.Equal(t, *peek.BestBid, *again.BestBid, "advance=false does not move the cursor")

	second, err := p.Snapshot(ctx, "m1", domain.OutcomeYes, true)
	require.NoError(t, err)
	assert.InDelta(t, 0.47, *second.BestBid, 1e-9)
	assert.Nil(t, second.Mid)
	require.NotNil(t, second.SpreadPct)
	assert.InDelta(t, 0.02/0.48, *second.SpreadPct, 1e-9)

	wrapped, err := p.Snapshot(ctx, "m1", domain.OutcomeYes, true)
	require.NoError(t, err)
	assert.InDelta(t, 0.49, *wrapped.BestBid, 1e-9, "index wraps to the first row")

	_, _ = p.Snapshot(ctx, "m1", domain.OutcomeYes, true)
	p.Reset("m1")
	first, err := p.Snapshot(ctx, "m1", domain.OutcomeYes, false)
	require.NoError(t, err)
	assert.InDelta(t, 0.49, *first.BestBid, 1e-9)
}

func TestProvider_MissingAndEmptyFixtures(t *testing.T) {
	dir := t.TempDir()
	writeFixtures(t, dir)
	p, err := fixture.New(dir, "")
	require.NoError(t, err)
	ctx := context.Background()

	_, err = p.Snapshot(ctx, "m2", domain.OutcomeYes, true)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = p.Snapshot(ctx, "empty", domain.OutcomeYes, true)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestNew_Profile(t *testing.T) {
	dir := t.TempDir()
	writeFixtures(t, filepath.Join(dir, "wide"))

	_, err := fixture.New(dir, "default")
	assert.Error(t, err, "no markets.json at the root")

	p, err := fixture.New(dir, "wide")
	require.NoError(t, err)
	n, err := p.Count("m1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
