package polymarket_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polycopy/internal/adapters/polymarket"
	"github.com/alejandrodnm/polycopy/internal/domain"
)

const gammaMarkets = `[
	{
		"conditionId": "0xaaa",
		"question": "Will it rain?",
		"slug": "will-it-rain",
		"outcomes": "[\"Yes\", \"No\"]",
		"outcomePrices": "[\"0.6\", \"0.4\"]",
		"clobTokenIds": "[\"tok-yes\", \"tok-no\"]",
		"liquidity": "1500.5",
		"active": true,
		"closed": false
	},
	{
		"conditionId": "0xbbb",
		"question": "Who wins?",
		"outcomes": ["A", "B", "C"],
		"active": true
	}
]`

// newServer sirve Gamma, CLOB y Data API desde el mismo mux.
func newServer(t *testing.T, mux *http.ServeMux) *polymarket.Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c := polymarket.NewClient(srv.URL, srv.URL, srv.URL)
	c.SetRetryWait(time.Millisecond)
	return c
}

func writeJSON(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(body))
}

func TestFetchMarkets_DecodesStringEncodedArrays(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /markets", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("active"))
		assert.Equal(t, "false", r.URL.Query().Get("closed"))
		writeJSON(w, gammaMarkets)
	})
	c := newServer(t, mux)

	markets, err := c.FetchMarkets(context.Background())
	require.NoError(t, err)
	require.Len(t, markets, 2)

	m := markets[0]
	assert.Equal(t, "0xaaa", m.ConditionID)
	assert.Equal(t, "will-it-rain", m.Slug)
	assert.Equal(t, []float64{0.6, 0.4}, m.OutcomePrices)
	assert.Equal(t, "tok-yes", m.TokenFor(domain.OutcomeYes).TokenID)
	assert.Equal(t, "tok-no", m.TokenFor(domain.OutcomeNo).TokenID)
	assert.InDelta(t, 1500.5, m.Liquidity, 1e-9)
	assert.True(t, m.IsBinary())

	assert.False(t, markets[1].IsBinary(), "three outcomes is not binary")
}

func TestPositions_BothSchemas(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /positions", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "0xwhale", r.URL.Query().Get("user"))
		writeJSON(w, `[
			{"conditionId": "0x1", "slug": "new-format", "outcome": "Yes", "size": 100,
			 "avgPrice": 0.4, "curPrice": 0.5, "currentValue": 50, "cashPnl": 10, "timestamp": 1700000000},
			{"market": "0x2", "market_slug": "old-format", "outcome_index": 1, "size": 20,
			 "avg_price": 0.3, "current_price": 0, "value": 6, "pnl": -1, "updatedAt": "2024-01-02T03:04:05Z"},
			{"size": 5}
		]`)
	})
	c := newServer(t, mux)

	positions, err := c.Positions(context.Background(), "0xwhale")
	require.NoError(t, err)
	require.Len(t, positions, 2, "rows without market are dropped")

	p := positions[0]
	assert.Equal(t, "0x1", p.MarketID)
	assert.Equal(t, "new-format", p.MarketSlug)
	assert.Equal(t, domain.OutcomeYes, p.Outcome)
	assert.InDelta(t, 0.4, p.AvgPrice, 1e-9)
	require.NotNil(t, p.CurrentPrice)
	assert.InDelta(t, 0.5, *p.CurrentPrice, 1e-9)
	assert.InDelta(t, 50, p.Value, 1e-9)
	require.NotNil(t, p.UpdatedAt)
	assert.Equal(t, int64(1700000000), p.UpdatedAt.Unix())

	old := positions[1]
	assert.Equal(t, "0x2", old.MarketID)
	assert.Equal(t, "old-format", old.MarketSlug)
	assert.Equal(t, domain.OutcomeNo, old.Outcome)
	assert.Nil(t, old.CurrentPrice, "zero price is treated as missing")
	assert.InDelta(t, -1, old.PnL, 1e-9)
	require.NotNil(t, old.UpdatedAt)

	total, err := c.PortfolioValue(context.Background(), "0xwhale")
	require.NoError(t, err)
	assert.InDelta(t, 56, total, 1e-9)
}

func TestPositions_WrappedEnvelope(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /positions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, `{"positions": [{"conditionId": "0x1", "size": 1, "currentValue": 2}]}`)
	})
	c := newServer(t, mux)

	positions, err := c.Positions(context.Background(), "0xwhale")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, domain.OutcomeYes, positions[0].Outcome, "missing outcome index defaults to YES")
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /positions", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeJSON(w, `[]`)
	})
	c := newServer(t, mux)

	_, err := c.Positions(context.Background(), "0xwhale")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_ExhaustedRetriesReturnAPIError(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /positions", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	})
	c := newServer(t, mux)

	_, err := c.Positions(context.Background(), "0xwhale")
	require.Error(t, err)
	var apiErr *polymarket.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Equal(t, int32(4), calls.Load(), "one attempt plus three retries")
}

func TestClient_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /positions", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad wallet", http.StatusBadRequest)
	})
	c := newServer(t, mux)

	_, err := c.Positions(context.Background(), "nope")
	var apiErr *polymarket.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "bad wallet")
	assert.Equal(t, int32(1), calls.Load())
}

func bookServer(t *testing.T, book string) *polymarket.Provider {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /markets", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, gammaMarkets)
	})
	mux.HandleFunc("POST /books", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, book)
	})
	mux.HandleFunc("GET /trades", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tok-yes", r.URL.Query().Get("asset"))
		writeJSON(w, `[{"asset": "tok-yes", "side": "BUY", "price": "0.58", "size": "10", "timestamp": 1700000000}]`)
	})
	p := polymarket.NewProvider(newServer(t, mux))
	_, err := p.Markets(context.Background())
	require.NoError(t, err)
	return p
}

func TestProvider_SnapshotHealthyBook(t *testing.T) {
	p := bookServer(t, `[{"asset_id": "tok-yes",
		"bids": [{"price": "0.58", "size": "300"}, {"price": "0.59", "size": "700"}],
		"asks": [{"price": "0.62", "size": "400"}, {"price": "0.61", "size": "500"}]}]`)

	snap, err := p.Snapshot(context.Background(), "0xaaa", domain.OutcomeYes, true)
	require.NoError(t, err)

	require.NotNil(t, snap.BestBid)
	require.NotNil(t, snap.BestAsk)
	assert.InDelta(t, 0.59, *snap.BestBid, 1e-9, "bids sorted descending")
	assert.InDelta(t, 0.61, *snap.BestAsk, 1e-9, "asks sorted ascending")
	assert.InDelta(t, 0.60, *snap.Mid, 1e-9)
	assert.InDelta(t, 700, *snap.DepthBid1, 1e-9)
	require.NotNil(t, snap.LastTradePrice)
	assert.InDelta(t, 0.58, *snap.LastTradePrice, 1e-9)
	assert.Empty(t, snap.Validate())
}

func TestProvider_SnapshotStaleBookUsesGammaMid(t *testing.T) {
	p := bookServer(t, `[{"asset_id": "tok-yes",
		"bids": [{"price": "0.01", "size": "5000"}],
		"asks": [{"price": "0.99", "size": "5000"}]}]`)

	snap, err := p.Snapshot(context.Background(), "0xaaa", domain.OutcomeYes, true)
	require.NoError(t, err)

	assert.InDelta(t, 0.6, *snap.BestBid, 1e-9)
	assert.InDelta(t, 0.6, *snap.BestAsk, 1e-9)
	assert.InDelta(t, 0.6, *snap.Mid, 1e-9)
	assert.Nil(t, snap.DepthBid1)
	assert.Nil(t, snap.DepthAsk1)
}

func TestApplyReference_OneSidedBook(t *testing.T) {
	snap := domain.MarketSnapshot{MarketID: "m", BestBid: domain.Ptr(0.4), DepthBid1: domain.Ptr(10.0)}

	got := polymarket.ApplyReference(snap, domain.Ptr(0.45))
	assert.InDelta(t, 0.45, *got.BestBid, 1e-9)
	assert.InDelta(t, 0.45, *got.BestAsk, 1e-9)
	assert.InDelta(t, 10, *got.DepthBid1, 1e-9, "one-sided fallback keeps depth")

	untouched := polymarket.ApplyReference(snap, nil)
	assert.Nil(t, untouched.BestAsk)
}

func TestProvider_MarketPriceFallsBackToGamma(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /markets", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, gammaMarkets)
	})
	mux.HandleFunc("GET /markets/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") == "0xccc" {
			writeJSON(w, `{"condition_id": "0xccc", "tokens": [
				{"token_id": "a", "outcome": "Yes", "price": 0.7},
				{"token_id": "b", "outcome": "No", "price": 0.3}]}`)
			return
		}
		http.NotFound(w, r)
	})
	p := polymarket.NewProvider(newServer(t, mux))
	ctx := context.Background()
	_, err := p.Markets(ctx)
	require.NoError(t, err)

	price, err := p.MarketPrice(ctx, "0xccc", domain.OutcomeNo)
	require.NoError(t, err)
	require.NotNil(t, price)
	assert.InDelta(t, 0.3, *price, 1e-9, "token prices when outcome_prices is absent")

	price, err = p.MarketPrice(ctx, "0xaaa", domain.OutcomeYes)
	require.NoError(t, err)
	require.NotNil(t, price)
	assert.InDelta(t, 0.6, *price, 1e-9, "gamma cache after a CLOB 404")

	price, err = p.MarketPrice(ctx, "0xunknown", domain.OutcomeYes)
	require.NoError(t, err)
	assert.Nil(t, price)
}

func TestDecodeMarkets(t *testing.T) {
	markets, err := polymarket.DecodeMarkets(strings.NewReader(`[{"id": "fallback-id", "outcomePrices": [0.2, 0.8]}]`))
	require.NoError(t, err)
	require.Len(t, markets, 1)
	assert.Equal(t, "fallback-id", markets[0].ConditionID)
	assert.True(t, markets[0].IsBinary())
}
