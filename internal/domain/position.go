package domain

import "time"

// Position es la posición canónica de una wallet objetivo, independiente de
// la versión de la Data API que la devolvió.
type Position struct {
	MarketID     string
	MarketSlug   string
	Outcome      Outcome
	Size         float64 // shares
	AvgPrice     float64
	CurrentPrice *float64
	Value        float64 // USD
	PnL          float64
	Liquidity    *float64
	UpdatedAt    *time.Time
}

// Action es la decisión del sizer para un mercado.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// SizedPosition es el resultado del sizer proporcional.
type SizedPosition struct {
	MarketID   string
	Action     Action
	TargetSize float64 // shares de la wallet objetivo
	OurSizeUSD float64 // USD a comprar o vender
	TargetPct  float64
	OurPct     float64
}
