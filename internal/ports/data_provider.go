package ports

import (
	"context"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

// DataProvider entrega mercados y snapshots al engine de market making.
// advance=false permite releer el mismo snapshot (fixtures offline).
type DataProvider interface {
	Markets(ctx context.Context) ([]domain.Market, error)
	Snapshot(ctx context.Context, marketID string, outcome domain.Outcome, advance bool) (domain.MarketSnapshot, error)
}

// PositionProvider expone las posiciones de una wallet objetivo y precios
// de mercado para el loop de copy trading.
type PositionProvider interface {
	Positions(ctx context.Context, wallet string) ([]domain.Position, error)
	PortfolioValue(ctx context.Context, wallet string) (float64, error)
	MarketPrice(ctx context.Context, marketID string, outcome domain.Outcome) (*float64, error)
}
