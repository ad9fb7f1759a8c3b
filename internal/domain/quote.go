package domain

import (
	"math"
	"time"
)

const (
	ReasonSpreadTooWide       = "spread_too_wide"
	ReasonInvalidExposureCaps = "invalid_exposure_caps"
	ReasonInvalidQuoteBounds  = "invalid_quote_bounds"
	ReasonBidCrossesAsk       = "bid_crosses_ask"
	ReasonAskCrossesBid       = "ask_crosses_bid"
)

// QuoteParams son los parámetros de cotización de un run de market making.
type QuoteParams struct {
	TickSize            float64
	KTicks              float64
	MaxSpreadPct        *float64 // nil = sin techo
	MaxPerMarketUSD     float64
	MaxTotalExposureUSD float64
	SkewTicks           float64
}

// QuoteDecision es el resultado de DecideQuotes. Si PauseReason != "" no se cotiza.
type QuoteDecision struct {
	Bid         float64
	Ask         float64
	HasPrices   bool
	PlaceBid    bool
	PlaceAsk    bool
	PauseReason string
}

func pause(reason string) QuoteDecision {
	return QuoteDecision{PauseReason: reason}
}

// QuotePrices calcula bid/ask simétricos alrededor de mid con skew de inventario.
// skewDir es +1 si estamos largos (bajamos ambos precios para vender), -1 si cortos.
func QuotePrices(mid, tick, kTicks, skewTicks, skewDir float64) (bid, ask float64) {
	half := math.Max(kTicks, 0.5) * tick
	skew := skewTicks * tick * skewDir
	return mid - half - skew, mid + half - skew
}

// DecideQuotes mapea snapshot + inventario a precios y flags de colocación.
// Nunca devuelve bid >= ask, bid <= 0 ni ask >= 1 con HasPrices.
func DecideQuotes(snap MarketSnapshot, inv InventoryState, p QuoteParams) QuoteDecision {
	if reason := snap.Validate(); reason != "" {
		return pause(reason)
	}
	mid, _ := snap.ComputedMid()

	if sp, ok := snap.ComputedSpreadPct(); ok && p.MaxSpreadPct != nil && sp > *p.MaxSpreadPct {
		return pause(ReasonSpreadTooWide)
	}
	if p.MaxPerMarketUSD <= 0 || p.MaxTotalExposureUSD <= 0 {
		return pause(ReasonInvalidExposureCaps)
	}

	net, gross := inv.NetUSD, inv.GrossUSD
	bid, ask := QuotePrices(mid, p.TickSize, p.KTicks, p.SkewTicks, sign(net))
	if bid <= 0 || ask >= 1 || bid >= ask {
		return pause(ReasonInvalidQuoteBounds)
	}

	d := QuoteDecision{Bid: bid, Ask: ask, HasPrices: true, PlaceBid: true, PlaceAsk: true}

	// Con el cap alcanzado solo se permiten quotes que reducen exposición.
	if math.Abs(net) >= p.MaxPerMarketUSD-PriceEpsilon {
		if net > 0 {
			d.PlaceBid = false
		} else if net < 0 {
			d.PlaceAsk = false
		}
	}
	if gross >= p.MaxTotalExposureUSD-PriceEpsilon {
		switch {
		case net > 0:
			d.PlaceBid = false
		case net < 0:
			d.PlaceAsk = false
		default:
			d.PlaceBid = false
			d.PlaceAsk = false
		}
	}
	return d
}

// ApplyHoldLimit desactiva el lado que aumentaría una posición vieja.
func ApplyHoldLimit(d QuoteDecision, inv InventoryState, maxHold time.Duration) QuoteDecision {
	if maxHold <= 0 || inv.OldestHold <= maxHold {
		return d
	}
	if inv.NetUSD > 0 {
		d.PlaceBid = false
	} else {
		d.PlaceAsk = false
	}
	return d
}

// ApplyAntiCross impide que una quote propia cruce el libro actual.
// Devuelve la decisión ajustada y la razón del último lado desactivado.
func ApplyAntiCross(d QuoteDecision, snap MarketSnapshot) (QuoteDecision, string) {
	var reason string
	if d.PlaceBid && snap.BestAsk != nil && d.Bid >= *snap.BestAsk {
		d.PlaceBid = false
		reason = ReasonBidCrossesAsk
	}
	if d.PlaceAsk && snap.BestBid != nil && d.Ask <= *snap.BestBid {
		d.PlaceAsk = false
		reason = ReasonAskCrossesBid
	}
	return d, reason
}

func sign(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	}
	return 0
}
