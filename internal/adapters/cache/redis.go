// Package cache envuelve un DataProvider con una caché read-through en Redis.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alejandrodnm/polycopy/internal/domain"
	"github.com/alejandrodnm/polycopy/internal/ports"
)

// CachedProvider cachea la lista de mercados en Redis. Los snapshots nunca
// se cachean: son la entrada del engine y tienen que ser frescos. Cualquier
// error de Redis cae al provider primario.
type CachedProvider struct {
	primary ports.DataProvider
	rdb     *redis.Client
	ttl     time.Duration
	prefix  string
}

// NewCachedProvider crea el wrapper. prefix separa entornos que comparten Redis.
func NewCachedProvider(primary ports.DataProvider, rdb *redis.Client, ttl time.Duration, prefix string) *CachedProvider {
	if prefix == "" {
		prefix = "polycopy"
	}
	return &CachedProvider{primary: primary, rdb: rdb, ttl: ttl, prefix: prefix}
}

// Markets implementa ports.DataProvider con read-through.
func (c *CachedProvider) Markets(ctx context.Context) ([]domain.Market, error) {
	data, err := c.rdb.Get(ctx, c.marketsKey()).Bytes()
	if err == nil {
		var markets []domain.Market
		if json.Unmarshal(data, &markets) == nil {
			return markets, nil
		}
	} else if err != redis.Nil {
		slog.Debug("cache: redis get failed, using primary", "err", err)
	}

	markets, err := c.primary.Markets(ctx)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(markets); err == nil {
		if err := c.rdb.Set(ctx, c.marketsKey(), data, c.ttl).Err(); err != nil {
			slog.Debug("cache: redis set failed", "err", err)
		}
	}
	return markets, nil
}

// Snapshot implementa ports.DataProvider sin caché.
func (c *CachedProvider) Snapshot(ctx context.Context, marketID string, outcome domain.Outcome, advance bool) (domain.MarketSnapshot, error) {
	return c.primary.Snapshot(ctx, marketID, outcome, advance)
}

// Invalidate borra la lista cacheada.
func (c *CachedProvider) Invalidate(ctx context.Context) error {
	if err := c.rdb.Del(ctx, c.marketsKey()).Err(); err != nil {
		return fmt.Errorf("cache.Invalidate: %w", err)
	}
	return nil
}

func (c *CachedProvider) marketsKey() string { return fmt.Sprintf("%s:markets", c.prefix) }
