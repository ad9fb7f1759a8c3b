package domain

import (
	"fmt"
	"time"
)

// OrderSide es el lado de una orden en los registros de ejecución (minúsculas).
type OrderSide string

const (
	OrderBuy  OrderSide = "buy"
	OrderSell OrderSide = "sell"
)

// OrderType es el tipo de orden.
type OrderType string

const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
)

// WhaleRefType indica cómo se obtuvo el precio de referencia del baseline.
type WhaleRefType string

const (
	RefSnapshot  WhaleRefType = "snapshot"
	RefAvgFill   WhaleRefType = "avg_fill"
	RefVWAP      WhaleRefType = "vwap"
	RefSynthetic WhaleRefType = "synthetic"
	RefUnknown   WhaleRefType = "unknown"
)

// ExecutionColumns es el orden fijo de columnas del export de slippage.
var ExecutionColumns = []string{
	"run_id", "run_tag", "order_id", "trade_id", "market_id", "market_slug",
	"side", "order_type", "qty_shares", "intended_limit_price", "time_in_force",
	"whale_signal_ts", "whale_entry_ref_price", "whale_ref_type",
	"our_decision_ts", "order_sent_ts", "exchange_ack_ts", "fill_ts",
	"best_bid", "best_ask", "mid_price", "spread_abs", "spread_pct",
	"depth_bid_1", "depth_ask_1", "depth_bid_2", "depth_ask_2", "last_trade_price",
	"fill_price", "entry_price_source", "current_price_source", "exit_price_source", "fill_price_source",
	"filled_shares", "fees_usd", "is_partial_fill", "fill_count",
	"latency_ms", "quote_slippage_pct", "half_spread_pct", "baseline_slippage_pct",
	"spread_crossed", "impact_proxy_pct", "liquidity_tier",
}

// ExecutionRecord es el ciclo de vida de una orden: se crea al enviarla y se
// actualiza al llenarse, siempre con la misma clave (RunID, OrderID).
type ExecutionRecord struct {
	RunID      string
	RunTag     string
	OrderID    string
	TradeID    *int64
	MarketID   string
	MarketSlug string

	Side               OrderSide
	OrderType          OrderType
	QtyShares          float64
	IntendedLimitPrice *float64
	TimeInForce        string

	WhaleSignalTS      *time.Time
	WhaleEntryRefPrice *float64
	WhaleRefType       WhaleRefType

	DecisionTS *time.Time
	SentTS     *time.Time
	AckTS      *time.Time
	FillTS     *time.Time

	BestBid        *float64
	BestAsk        *float64
	Mid            *float64
	DepthBid1      *float64
	DepthAsk1      *float64
	DepthBid2      *float64
	DepthAsk2      *float64
	LastTradePrice *float64

	FillPrice     *float64
	EntrySource   PriceSource
	CurrentSource PriceSource
	ExitSource    PriceSource
	FillSource    PriceSource
	FilledShares  *float64
	FeesUSD       float64
	IsPartialFill bool
	FillCount     int

	// Derived lo rellena Derive; cualquier valor previo se descarta.
	Derived ExecutionMetrics
}

// ExecutionMetrics son los campos derivados de un ExecutionRecord.
type ExecutionMetrics struct {
	SpreadAbs           *float64
	SpreadPct           *float64
	HalfSpreadPct       *float64
	LatencyMs           *float64
	QuoteSlippagePct    *float64
	BaselineSlippagePct *float64
	SpreadCrossed       *bool
	ImpactProxyPct      *float64
	LiquidityTier       LiquidityTier
}

// ApplySnapshot copia el top of book de un snapshot al registro.
func (r *ExecutionRecord) ApplySnapshot(s MarketSnapshot) {
	r.BestBid = s.BestBid
	r.BestAsk = s.BestAsk
	r.Mid = s.Mid
	r.DepthBid1 = s.DepthBid1
	r.DepthAsk1 = s.DepthAsk1
	r.LastTradePrice = s.LastTradePrice
}

// HasSnapshot indica si el registro tiene un book completo (bid, ask y mid > 0).
func (r ExecutionRecord) HasSnapshot() bool {
	return r.BestBid != nil && r.BestAsk != nil && r.Mid != nil && *r.Mid != 0
}

// Validate comprueba enums, rangos de precio y coherencia del book.
func (r ExecutionRecord) Validate() error {
	if r.RunID == "" {
		return &ValidationError{Field: "run_id", Reason: "required"}
	}
	if r.OrderID == "" {
		return &ValidationError{Field: "order_id", Reason: "required"}
	}
	if r.MarketID == "" {
		return &ValidationError{Field: "market_id", Reason: "required"}
	}
	switch r.Side {
	case OrderBuy, OrderSell:
	default:
		return &ValidationError{Field: "side", Reason: fmt.Sprintf("must be buy or sell, got %q", r.Side)}
	}
	switch r.OrderType {
	case OrderMarket, OrderLimit:
	default:
		return &ValidationError{Field: "order_type", Reason: fmt.Sprintf("must be market or limit, got %q", r.OrderType)}
	}
	switch r.WhaleRefType {
	case "", RefSnapshot, RefAvgFill, RefVWAP, RefSynthetic, RefUnknown:
	default:
		return &ValidationError{Field: "whale_ref_type", Reason: fmt.Sprintf("unknown value %q", r.WhaleRefType)}
	}
	for field, s := range map[string]PriceSource{
		"entry_price_source":   r.EntrySource,
		"current_price_source": r.CurrentSource,
		"exit_price_source":    r.ExitSource,
		"fill_price_source":    r.FillSource,
	} {
		if err := CheckSource(field, s); err != nil {
			return err
		}
	}
	if r.QtyShares < 0 {
		return &ValidationError{Field: "qty_shares", Reason: fmt.Sprintf("must be >= 0, got %v", r.QtyShares)}
	}
	if r.FilledShares != nil && *r.FilledShares < 0 {
		return &ValidationError{Field: "filled_shares", Reason: fmt.Sprintf("must be >= 0, got %v", *r.FilledShares)}
	}
	if r.FeesUSD < 0 {
		return &ValidationError{Field: "fees_usd", Reason: fmt.Sprintf("must be >= 0, got %v", r.FeesUSD)}
	}
	if r.FillCount < 0 {
		return &ValidationError{Field: "fill_count", Reason: fmt.Sprintf("must be >= 0, got %v", r.FillCount)}
	}
	prices := []struct {
		name string
		v    *float64
	}{
		{"intended_limit_price", r.IntendedLimitPrice},
		{"whale_entry_ref_price", r.WhaleEntryRefPrice},
		{"best_bid", r.BestBid},
		{"best_ask", r.BestAsk},
		{"mid_price", r.Mid},
		{"last_trade_price", r.LastTradePrice},
		{"fill_price", r.FillPrice},
	}
	for _, p := range prices {
		if p.v == nil {
			continue
		}
		if err := CheckPrice(p.name, *p.v); err != nil {
			return err
		}
	}
	if r.BestBid != nil && r.BestAsk != nil {
		if *r.BestBid > *r.BestAsk+PriceEpsilon {
			return &ValidationError{Field: "best_bid", Reason: fmt.Sprintf("best_bid %v > best_ask %v", *r.BestBid, *r.BestAsk)}
		}
		mid := (*r.BestBid + *r.BestAsk) / 2
		if r.Mid != nil && !Near(*r.Mid, mid, PriceEpsilon) {
			return &ValidationError{Field: "mid_price", Reason: fmt.Sprintf("mid %v does not match (bid+ask)/2 = %v", *r.Mid, mid)}
		}
	}
	return nil
}

// Derive devuelve una copia con Mid completado y las métricas recalculadas
// desde los campos raw. Llamar tras Validate.
func (r ExecutionRecord) Derive() ExecutionRecord {
	if r.WhaleRefType == "" {
		r.WhaleRefType = RefUnknown
	}
	if r.RunTag == "" {
		r.RunTag = "default"
	}
	for _, s := range []*PriceSource{&r.EntrySource, &r.CurrentSource, &r.ExitSource, &r.FillSource} {
		if *s == "" {
			*s = SourceUnknown
		}
	}

	var m ExecutionMetrics
	if r.BestBid != nil && r.BestAsk != nil {
		if r.Mid == nil {
			r.Mid = Ptr((*r.BestBid + *r.BestAsk) / 2)
		}
		m.SpreadAbs = Ptr(*r.BestAsk - *r.BestBid)
	}
	if r.Mid != nil && *r.Mid > 0 {
		if m.SpreadAbs != nil {
			m.SpreadPct = Ptr(*m.SpreadAbs / *r.Mid)
		}
		if r.BestAsk != nil {
			m.HalfSpreadPct = Ptr((*r.BestAsk - *r.Mid) / *r.Mid)
		}
	}

	base := r.FillTS
	if base == nil {
		base = r.SentTS
	}
	if base != nil && r.WhaleSignalTS != nil {
		m.LatencyMs = Ptr(float64(base.Sub(*r.WhaleSignalTS)) / float64(time.Millisecond))
	}

	truthfulFill := r.FillPrice != nil && r.FillSource == SourceFill
	if truthfulFill && r.HasSnapshot() {
		m.QuoteSlippagePct = Ptr((*r.FillPrice - *r.Mid) / *r.Mid)
	}
	if truthfulFill && r.WhaleEntryRefPrice != nil && *r.WhaleEntryRefPrice != 0 {
		m.BaselineSlippagePct = Ptr((*r.FillPrice - *r.WhaleEntryRefPrice) / *r.WhaleEntryRefPrice)
	}
	if truthfulFill && r.BestBid != nil && r.BestAsk != nil {
		fill := *r.FillPrice
		if r.Side == OrderBuy {
			m.SpreadCrossed = Ptr(fill >= *r.BestAsk-PriceEpsilon)
			if *r.BestAsk > 0 {
				m.ImpactProxyPct = Ptr((fill - *r.BestAsk) / *r.BestAsk)
			}
		} else {
			m.SpreadCrossed = Ptr(fill <= *r.BestBid+PriceEpsilon)
			if *r.BestBid > 0 {
				m.ImpactProxyPct = Ptr((*r.BestBid - fill) / *r.BestBid)
			}
		}
	}

	m.LiquidityTier = ClassifyLiquidity(m.SpreadPct, DepthSum(r.DepthBid1, r.DepthAsk1))

	r.Derived = m
	return r
}
