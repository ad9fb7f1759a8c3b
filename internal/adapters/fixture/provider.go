// Package fixture implementa un DataProvider offline sobre ficheros grabados:
// markets.json (formato Gamma) y snapshots/{market_id}.jsonl, una línea por
// snapshot.
package fixture

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/alejandrodnm/polycopy/internal/adapters/polymarket"
	"github.com/alejandrodnm/polycopy/internal/domain"
)

// row es una línea de snapshots/{id}.jsonl.
type row struct {
	BestBid        *float64 `json:"best_bid"`
	BestAsk        *float64 `json:"best_ask"`
	MidPrice       *float64 `json:"mid_price"`
	DepthBid1      *float64 `json:"depth_bid_1"`
	DepthAsk1      *float64 `json:"depth_ask_1"`
	LastTradePrice *float64 `json:"last_trade_price"`
}

// Provider reproduce snapshots en orden. Al llegar al final vuelve al
// primero. Es seguro para uso concurrente.
type Provider struct {
	dir     string
	markets []domain.Market

	mu        sync.Mutex
	snapshots map[string][]row
	idx       map[string]int
}

// New carga markets.json de dir. Un profile distinto de "" y "default" lee
// de dir/profile.
func New(dir, profile string) (*Provider, error) {
	if profile != "" && profile != "default" {
		dir = filepath.Join(dir, profile)
	}
	f, err := os.Open(filepath.Join(dir, "markets.json"))
	if err != nil {
		return nil, fmt.Errorf("fixture.New: %w", err)
	}
	defer f.Close()

	markets, err := polymarket.DecodeMarkets(f)
	if err != nil {
		return nil, fmt.Errorf("fixture.New: %w", err)
	}
	return &Provider{
		dir:       dir,
		markets:   markets,
		snapshots: make(map[string][]row),
		idx:       make(map[string]int),
	}, nil
}

// Markets implementa ports.DataProvider.
func (p *Provider) Markets(context.Context) ([]domain.Market, error) {
	return append([]domain.Market(nil), p.markets...), nil
}

// Snapshot devuelve el snapshot actual del mercado. Con advance=true mueve
// el cursor al siguiente. outcome se ignora: las fixtures son de YES.
func (p *Provider) Snapshot(_ context.Context, marketID string, _ domain.Outcome, advance bool) (domain.MarketSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rows, err := p.load(marketID)
	if err != nil {
		return domain.MarketSnapshot{}, err
	}
	i := p.idx[marketID]
	if i >= len(rows) {
		i = 0
	}
	r := rows[i]
	if advance {
		p.idx[marketID] = i + 1
	}

	snap := domain.MarketSnapshot{
		MarketID:       marketID,
		BestBid:        r.BestBid,
		BestAsk:        r.BestAsk,
		Mid:            r.MidPrice,
		DepthBid1:      r.DepthBid1,
		DepthAsk1:      r.DepthAsk1,
		LastTradePrice: r.LastTradePrice,
		TakenAt:        time.Now().UTC(),
	}
	if sp, ok := snap.ComputedSpreadPct(); ok {
		snap.SpreadPct = domain.Ptr(sp)
	}
	return snap, nil
}

// Reset vuelve el cursor del mercado al primer snapshot.
func (p *Provider) Reset(marketID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.idx[marketID]; ok {
		p.idx[marketID] = 0
	}
}

// Count devuelve cuántos snapshots tiene el mercado.
func (p *Provider) Count(marketID string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rows, err := p.load(marketID)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// load lee y cachea el JSONL del mercado. Requiere p.mu.
func (p *Provider) load(marketID string) ([]row, error) {
	if rows, ok := p.snapshots[marketID]; ok {
		return rows, nil
	}
	path := filepath.Join(p.dir, "snapshots", marketID+".jsonl")
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("fixture: missing snapshots for %s: %w", marketID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fixture: read %s: %w", path, err)
	}

	var rows []row
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for line := 1; sc.Scan(); line++ {
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		var r row
		if err := json.Unmarshal(b, &r); err != nil {
			return nil, fmt.Errorf("fixture: %s:%d: %w", path, line, err)
		}
		rows = append(rows, r)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("fixture: scan %s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("fixture: empty snapshots for %s: %w", marketID, domain.ErrNotFound)
	}
	p.snapshots[marketID] = rows
	p.idx[marketID] = 0
	return rows, nil
}
