package cache_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polycopy/internal/adapters/cache"
	"github.com/alejandrodnm/polycopy/internal/domain"
)

type countingProvider struct {
	markets []domain.Market
	calls   int
}

func (p *countingProvider) Markets(context.Context) ([]domain.Market, error) {
	p.calls++
	return p.markets, nil
}

func (p *countingProvider) Snapshot(_ context.Context, id string, _ domain.Outcome, _ bool) (domain.MarketSnapshot, error) {
	return domain.MarketSnapshot{MarketID: id}, nil
}

func TestCachedProvider_FallsBackWhenRedisIsDown(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { rdb.Close() })

	primary := &countingProvider{markets: []domain.Market{{ConditionID: "m1"}}}
	c := cache.NewCachedProvider(primary, rdb, time.Minute, "test")
	ctx := context.Background()

	markets, err := c.Markets(ctx)
	require.NoError(t, err)
	require.Len(t, markets, 1)
	_, err = c.Markets(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, primary.calls, "every read hits the primary without redis")

	snap, err := c.Snapshot(ctx, "m1", domain.OutcomeYes, true)
	require.NoError(t, err)
	assert.Equal(t, "m1", snap.MarketID)
}

// Con REDIS_ADDR definido se prueba el camino de caché contra un Redis real.
func TestCachedProvider_ReadThrough(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })

	primary := &countingProvider{markets: []domain.Market{{ConditionID: "m1", OutcomePrices: []float64{0.4, 0.6}}}}
	c := cache.NewCachedProvider(primary, rdb, time.Minute, "test-"+t.Name())
	ctx := context.Background()
	require.NoError(t, c.Invalidate(ctx))

	_, err := c.Markets(ctx)
	require.NoError(t, err)
	cached, err := c.Markets(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, primary.calls)
	require.Len(t, cached, 1)
	assert.Equal(t, []float64{0.4, 0.6}, cached[0].OutcomePrices)

	require.NoError(t, c.Invalidate(ctx))
	_, err = c.Markets(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, primary.calls)
}
