package polymarket

// clob.go: mercados y libros del CLOB. El ritmo lo marcan los limiters
// del cliente.

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

const (
	marketsPath = "/markets"
	booksPath   = "/books"
	batchSize   = 20 // máx token_ids por request a /books
)

// FetchMarket devuelve un mercado del CLOB con sus tokens y precios.
func (c *Client) FetchMarket(ctx context.Context, conditionID string) (domain.Market, error) {
	var resp clobMarket
	url := fmt.Sprintf("%s%s/%s", c.clobBase, marketsPath, conditionID)
	if err := c.get(ctx, c.clobLimiter, url, &resp); err != nil {
		return domain.Market{}, fmt.Errorf("clob.FetchMarket %s: %w", conditionID, err)
	}
	m := mapCLOBMarket(resp)
	if m.ConditionID == "" {
		m.ConditionID = conditionID
	}
	return m, nil
}

// MarketPrices devuelve los precios [YES, NO] del CLOB: outcome_prices si
// vienen, si no el precio de cada token. Precios fuera de [0,1] se rechazan.
func (c *Client) MarketPrices(ctx context.Context, conditionID string) ([]float64, error) {
	m, err := c.FetchMarket(ctx, conditionID)
	if err != nil {
		return nil, err
	}
	prices := m.OutcomePrices
	if len(prices) < 2 && m.Tokens[0].TokenID != "" && m.Tokens[1].TokenID != "" {
		prices = []float64{m.Tokens[0].Price, m.Tokens[1].Price}
	}
	if len(prices) < 2 {
		return nil, fmt.Errorf("clob.MarketPrices %s: %w", conditionID, domain.ErrNotFound)
	}
	for _, p := range prices[:2] {
		if p < 0 || p > 1 {
			return nil, fmt.Errorf("clob.MarketPrices %s: price %v out of range", conditionID, p)
		}
	}
	return prices[:2], nil
}

// FetchOrderBooks pide los libros de tokenIDs en lotes de batchSize, un
// goroutine por lote. Cualquier lote fallido invalida el resultado.
func (c *Client) FetchOrderBooks(ctx context.Context, tokenIDs []string) (map[string]domain.OrderBook, error) {
	batches := splitBatches(tokenIDs, batchSize)
	parts := make([]map[string]domain.OrderBook, len(batches))
	errs := make([]error, len(batches))

	var wg sync.WaitGroup
	for i := range batches {
		wg.Add(1)
		go func() {
			defer wg.Done()
			parts[i], errs[i] = c.fetchBooksBatch(ctx, batches[i])
		}()
	}
	wg.Wait()

	books := make(map[string]domain.OrderBook, len(tokenIDs))
	for i, part := range parts {
		if errs[i] != nil {
			return nil, fmt.Errorf("clob.FetchOrderBooks: batch %d/%d: %w", i+1, len(batches), errs[i])
		}
		maps.Copy(books, part)
	}
	slog.Debug("polymarket: order books fetched", "tokens", len(tokenIDs), "books", len(books))
	return books, nil
}

func splitBatches(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}

func (c *Client) fetchBooksBatch(ctx context.Context, tokenIDs []string) (map[string]domain.OrderBook, error) {
	req := make([]orderBookRequest, 0, len(tokenIDs))
	for _, id := range tokenIDs {
		req = append(req, orderBookRequest{TokenID: id})
	}
	var resp []orderBookResponse
	if err := c.post(ctx, c.booksLimiter, c.clobBase+booksPath, req, &resp); err != nil {
		return nil, fmt.Errorf("POST %s: %w", booksPath, err)
	}
	return mapOrderBooks(resp), nil
}
