// Package scanner selecciona los mercados sobre los que cotiza el engine de
// market making: lista blanca explícita o mercados binarios con liquidez de
// tier A según su snapshot actual.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alejandrodnm/polycopy/internal/domain"
	"github.com/alejandrodnm/polycopy/internal/ports"
)

// Config contiene la configuración del scanner.
type Config struct {
	Whitelist  []string
	MaxMarkets int // 0 = sin límite
	Workers    int // goroutines para clasificar snapshots (0 = NumCPU*2)
	Outcome    domain.Outcome
	Tier       domain.LiquidityTier
}

// Candidate es un mercado clasificado por liquidez.
type Candidate struct {
	MarketID  string
	Slug      string
	SpreadPct *float64
	DepthSum  *float64
	Tier      domain.LiquidityTier
}

// Scanner recorre los mercados del provider y los clasifica.
type Scanner struct {
	cfg  Config
	data ports.DataProvider
}

// New crea un Scanner. Por defecto selecciona tier A sobre el outcome YES.
func New(cfg Config, data ports.DataProvider) *Scanner {
	if cfg.Outcome == "" {
		cfg.Outcome = domain.OutcomeYes
	}
	if cfg.Tier == "" {
		cfg.Tier = domain.TierA
	}
	return &Scanner{cfg: cfg, data: data}
}

// Select devuelve los IDs de mercado a cotizar, ordenados y recortados a
// MaxMarkets. Con lista blanca no consulta el provider.
func (s *Scanner) Select(ctx context.Context) ([]string, error) {
	if len(s.cfg.Whitelist) > 0 {
		return capList(append([]string(nil), s.cfg.Whitelist...), s.cfg.MaxMarkets), nil
	}

	start := time.Now()
	cands, err := s.Scan(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, c := range cands {
		if c.Tier == s.cfg.Tier {
			ids = append(ids, c.MarketID)
		}
	}
	sort.Strings(ids)
	ids = capList(ids, s.cfg.MaxMarkets)

	slog.Info("scanner: markets selected",
		"candidates", len(cands),
		"selected", len(ids),
		"tier", s.cfg.Tier,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return ids, nil
}

// Scan clasifica todos los mercados binarios del provider, ordenados por
// tier y luego por ID. Los snapshots se leen sin avanzar el cursor.
func (s *Scanner) Scan(ctx context.Context) ([]Candidate, error) {
	markets, err := s.data.Markets(ctx)
	if err != nil {
		return nil, fmt.Errorf("scanner.Scan: fetch markets: %w", err)
	}
	binary := markets[:0:0]
	for _, m := range markets {
		if m.ConditionID == "" || !m.IsBinary() {
			continue
		}
		binary = append(binary, m)
	}

	cands := classifyConcurrent(ctx, s.data, binary, s.cfg.Outcome, s.cfg.Workers)
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].Tier != cands[j].Tier {
			return cands[i].Tier < cands[j].Tier
		}
		return cands[i].MarketID < cands[j].MarketID
	})
	return cands, nil
}

// Classify asigna el tier de liquidez a un snapshot usando el spread
// relativo y la profundidad de ambos lados del top of book.
func Classify(snap domain.MarketSnapshot) Candidate {
	c := Candidate{MarketID: snap.MarketID}
	if sp, ok := snap.ComputedSpreadPct(); ok {
		c.SpreadPct = domain.Ptr(sp)
	} else if snap.SpreadPct != nil {
		c.SpreadPct = snap.SpreadPct
	}
	c.DepthSum = domain.DepthSum(snap.DepthBid1, snap.DepthAsk1)
	c.Tier = domain.ClassifyLiquidity(c.SpreadPct, c.DepthSum)
	return c
}

func capList(ids []string, max int) []string {
	if max > 0 && len(ids) > max {
		return ids[:max]
	}
	return ids
}
