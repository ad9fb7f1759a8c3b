package domain

import (
	"strconv"
	"time"
)

// OrderBook es el libro CLOB de un token. Bids de mayor a menor, asks de
// menor a mayor; solo el primer nivel entra en el snapshot.
type OrderBook struct {
	TokenID string
	Bids    []BookEntry
	Asks    []BookEntry
}

// BookEntry es un nivel del libro, con Size en shares.
type BookEntry struct {
	Price float64
	Size  float64
}

// Snapshot convierte el book en un MarketSnapshot. Un lado vacío queda nil.
// La profundidad de nivel 1 se expresa en shares.
func (ob OrderBook) Snapshot(marketID string, lastTrade *float64, now time.Time) MarketSnapshot {
	s := MarketSnapshot{MarketID: marketID, LastTradePrice: lastTrade, TakenAt: now}
	if len(ob.Bids) > 0 {
		s.BestBid = Ptr(ob.Bids[0].Price)
		s.DepthBid1 = Ptr(ob.Bids[0].Size)
	}
	if len(ob.Asks) > 0 {
		s.BestAsk = Ptr(ob.Asks[0].Price)
		s.DepthAsk1 = Ptr(ob.Asks[0].Size)
	}
	return s.WithDerived()
}

// ParsePrice lee un número de la API. Un valor ilegible vale 0.
func ParsePrice(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
