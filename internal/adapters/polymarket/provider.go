package polymarket

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

// staleSpreadThreshold: un book con spread relativo al precio de referencia
// mayor que esto (órdenes extremas 0.01/0.99) se considera obsoleto.
const staleSpreadThreshold = 0.50

// Provider implementa ports.DataProvider y ports.PositionProvider sobre la
// API pública de Polymarket. Cachea los mercados de Gamma para resolver
// tokens y el precio de referencia de cada snapshot.
type Provider struct {
	client *Client
	now    func() time.Time

	mu      sync.RWMutex
	markets map[string]domain.Market
}

// NewProvider crea un Provider sobre el cliente dado.
func NewProvider(c *Client) *Provider {
	return &Provider{
		client:  c,
		now:     time.Now,
		markets: make(map[string]domain.Market),
	}
}

// Markets devuelve los mercados activos de Gamma y refresca la caché.
func (p *Provider) Markets(ctx context.Context) ([]domain.Market, error) {
	markets, err := p.client.FetchMarkets(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	for _, m := range markets {
		if m.ConditionID != "" {
			p.markets[m.ConditionID] = m
		}
	}
	p.mu.Unlock()
	return markets, nil
}

// Snapshot construye el top of book del outcome desde el CLOB. advance no
// tiene efecto: cada llamada es un snapshot en vivo.
func (p *Provider) Snapshot(ctx context.Context, marketID string, outcome domain.Outcome, _ bool) (domain.MarketSnapshot, error) {
	m, err := p.market(ctx, marketID)
	if err != nil {
		return domain.MarketSnapshot{}, fmt.Errorf("polymarket.Snapshot: %w", err)
	}
	token := m.TokenFor(outcome)
	if token.TokenID == "" {
		return domain.MarketSnapshot{}, fmt.Errorf("polymarket.Snapshot: %s %s: no token: %w", marketID, outcome, domain.ErrNotFound)
	}

	books, err := p.client.FetchOrderBooks(ctx, []string{token.TokenID})
	if err != nil {
		return domain.MarketSnapshot{}, fmt.Errorf("polymarket.Snapshot: %w", err)
	}

	var ltp *float64
	if lt, err := p.client.LastTradePrice(ctx, token.TokenID); err != nil {
		slog.Debug("polymarket: last trade unavailable", "market", marketID, "err", err)
	} else if lt != nil {
		ltp = domain.Ptr(lt.Price)
	}

	snap := books[token.TokenID].Snapshot(marketID, ltp, p.now().UTC())
	ref := ltp
	if gm, ok := gammaMid(m, outcome); ok {
		ref = domain.Ptr(gm)
	}
	return ApplyReference(snap, ref), nil
}

// ApplyReference corrige books obsoletos o de un solo lado usando el precio
// de referencia: bid = ask = mid = ref. En un book obsoleto la profundidad
// deja de ser representativa y se descarta.
func ApplyReference(snap domain.MarketSnapshot, ref *float64) domain.MarketSnapshot {
	if ref == nil {
		return snap.WithDerived()
	}
	r := *ref
	synthetic := func() {
		snap.BestBid = domain.Ptr(r)
		snap.BestAsk = domain.Ptr(r)
		snap.Mid = domain.Ptr(r)
	}
	switch {
	case snap.BestBid != nil && snap.BestAsk != nil:
		spread := 999.0
		if r > 0 {
			spread = (*snap.BestAsk - *snap.BestBid) / r
		}
		if spread > staleSpreadThreshold {
			synthetic()
			snap.DepthBid1 = nil
			snap.DepthAsk1 = nil
		}
	default:
		synthetic()
	}
	snap.SpreadPct = nil
	return snap.WithDerived()
}

func gammaMid(m domain.Market, outcome domain.Outcome) (float64, bool) {
	if len(m.OutcomePrices) < 2 {
		return 0, false
	}
	if outcome == domain.OutcomeNo {
		return m.OutcomePrices[1], true
	}
	return m.OutcomePrices[0], true
}

// market busca el mercado en caché y si no está lo pide al CLOB.
func (p *Provider) market(ctx context.Context, id string) (domain.Market, error) {
	p.mu.RLock()
	m, ok := p.markets[id]
	p.mu.RUnlock()
	if ok && m.Tokens[0].TokenID != "" {
		return m, nil
	}
	cm, err := p.client.FetchMarket(ctx, id)
	if err != nil {
		return domain.Market{}, err
	}
	if ok {
		// Conserva los precios de Gamma, que son la referencia preferida.
		cm.OutcomePrices = m.OutcomePrices
	}
	p.mu.Lock()
	p.markets[id] = cm
	p.mu.Unlock()
	return cm, nil
}

// Positions implementa ports.PositionProvider.
func (p *Provider) Positions(ctx context.Context, wallet string) ([]domain.Position, error) {
	return p.client.Positions(ctx, wallet)
}

// PortfolioValue implementa ports.PositionProvider.
func (p *Provider) PortfolioValue(ctx context.Context, wallet string) (float64, error) {
	return p.client.PortfolioValue(ctx, wallet)
}

// MarketPrice devuelve el precio actual del outcome: primero el CLOB y si
// falla los precios de Gamma en caché. nil sin precio disponible.
func (p *Provider) MarketPrice(ctx context.Context, marketID string, outcome domain.Outcome) (*float64, error) {
	prices, err := p.client.MarketPrices(ctx, marketID)
	if err == nil {
		if outcome == domain.OutcomeNo {
			return domain.Ptr(prices[1]), nil
		}
		return domain.Ptr(prices[0]), nil
	}
	slog.Debug("polymarket: clob price failed, trying gamma", "market", marketID, "err", err)

	p.mu.RLock()
	m, ok := p.markets[marketID]
	p.mu.RUnlock()
	if ok {
		if gm, ok := gammaMid(m, outcome); ok {
			return domain.Ptr(gm), nil
		}
	}
	return nil, nil
}
