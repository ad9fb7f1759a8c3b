package polymarket

import (
	"context"
	"fmt"
	"net/url"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

// LastTrade es el trade público más reciente de un token.
type LastTrade struct {
	Price float64
	Size  float64
	Side  string
}

// LastTradePrice devuelve el último trade del token desde la Data API.
// nil sin trades.
func (c *Client) LastTradePrice(ctx context.Context, tokenID string) (*LastTrade, error) {
	u := fmt.Sprintf("%s/trades?asset=%s&limit=1", c.dataBase, url.QueryEscape(tokenID))

	var resp []rawDataTrade
	if err := c.get(ctx, c.dataLimiter, u, &resp); err != nil {
		return nil, fmt.Errorf("data-api.LastTradePrice: %w", err)
	}
	if len(resp) == 0 {
		return nil, nil
	}

	// La API devuelve los más recientes primero, pero no lo garantiza.
	latest := resp[0]
	latestTS, _ := parseTimestamp(latest.Timestamp.String())
	for _, rt := range resp[1:] {
		if ts, ok := parseTimestamp(rt.Timestamp.String()); ok && ts.After(latestTS) {
			latest, latestTS = rt, ts
		}
	}

	price, err := latest.Price.Float64()
	if err != nil {
		return nil, fmt.Errorf("data-api.LastTradePrice: price %q: %w", latest.Price, err)
	}
	if err := domain.CheckPrice("last_trade_price", price); err != nil {
		return nil, fmt.Errorf("data-api.LastTradePrice: %w", err)
	}
	size, _ := latest.Size.Float64()
	return &LastTrade{Price: price, Size: size, Side: latest.Side}, nil
}
