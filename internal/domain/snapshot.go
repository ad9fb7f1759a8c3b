package domain

import (
	"math"
	"time"
)

// Razones por las que un snapshot no es cotizable.
const (
	ReasonMissingBidAsk  = "missing_bid_ask"
	ReasonNegativeBidAsk = "negative_bid_ask"
	ReasonBidGtAsk       = "bid_gt_ask"
	ReasonMissingMid     = "missing_mid"
	ReasonMidMismatch    = "mid_mismatch"
	ReasonMidOutOfRange  = "mid_out_of_range"
)

// MarketSnapshot es una foto puntual del top of book de un mercado.
// Los campos nil significan que la fuente no los informó.
type MarketSnapshot struct {
	MarketID       string
	BestBid        *float64
	BestAsk        *float64
	Mid            *float64
	SpreadPct      *float64
	DepthBid1      *float64
	DepthAsk1      *float64
	LastTradePrice *float64
	TakenAt        time.Time
}

// ComputedMid prefiere (bid+ask)/2 y cae al mid informado.
func (s MarketSnapshot) ComputedMid() (float64, bool) {
	if s.BestBid != nil && s.BestAsk != nil {
		return (*s.BestBid + *s.BestAsk) / 2, true
	}
	if s.Mid != nil {
		return *s.Mid, true
	}
	return 0, false
}

// ComputedSpreadPct devuelve (ask-bid)/mid cuando es calculable.
func (s MarketSnapshot) ComputedSpreadPct() (float64, bool) {
	mid, ok := s.ComputedMid()
	if !ok || mid == 0 || s.BestBid == nil || s.BestAsk == nil {
		return 0, false
	}
	return (*s.BestAsk - *s.BestBid) / mid, true
}

// WithDerived rellena Mid y SpreadPct a partir de bid/ask si faltan.
func (s MarketSnapshot) WithDerived() MarketSnapshot {
	if s.Mid == nil {
		if mid, ok := s.ComputedMid(); ok {
			s.Mid = Ptr(mid)
		}
	}
	if sp, ok := s.ComputedSpreadPct(); ok {
		s.SpreadPct = Ptr(sp)
	}
	return s
}

// Validate devuelve "" si el snapshot es cotizable o la razón del rechazo.
func (s MarketSnapshot) Validate() string {
	if s.BestBid == nil || s.BestAsk == nil {
		return ReasonMissingBidAsk
	}
	bid, ask := *s.BestBid, *s.BestAsk
	if bid < 0 || ask < 0 {
		return ReasonNegativeBidAsk
	}
	if bid > ask+PriceEpsilon {
		return ReasonBidGtAsk
	}
	mid, ok := s.ComputedMid()
	if !ok {
		return ReasonMissingMid
	}
	if s.Mid != nil && math.Abs(*s.Mid-mid) > PriceEpsilon {
		return ReasonMidMismatch
	}
	if mid <= 0 || mid >= 1 {
		return ReasonMidOutOfRange
	}
	return ""
}

// InventoryState es la exposición de un mercado en el momento de decidir.
// No se persiste.
type InventoryState struct {
	NetUSD     float64       // BUY suma, SELL resta
	GrossUSD   float64       // exposición bruta total (todos los mercados)
	OldestHold time.Duration // 0 si no hay lotes abiertos
}

// LiquidityTier clasifica un mercado por spread y profundidad de top of book.
type LiquidityTier string

const (
	TierA LiquidityTier = "A"
	TierB LiquidityTier = "B"
	TierC LiquidityTier = "C"
)

// ClassifyLiquidity: A si spread ≤ 1% y depth ≥ 1000, B si ≤ 3% y ≥ 250,
// C resto. spread es relativo al mid; depth sale de DepthSum.
func ClassifyLiquidity(spread, depth *float64) LiquidityTier {
	if spread == nil || depth == nil {
		return TierC
	}
	switch {
	case *spread <= 0.01 && *depth >= 1000:
		return TierA
	case *spread <= 0.03 && *depth >= 250:
		return TierB
	}
	return TierC
}

// DepthSum suma la profundidad de nivel 1 de los lados presentes. nil si no
// hay ninguno.
func DepthSum(bid, ask *float64) *float64 {
	if bid == nil && ask == nil {
		return nil
	}
	var d float64
	if bid != nil {
		d += *bid
	}
	if ask != nil {
		d += *ask
	}
	return &d
}
