package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

// LedgerReader expone lecturas del ledger sin acceso de escritura.
// Lo consumen el reporte de consola y el estado de health.
type LedgerReader interface {
	OpenPositions(ctx context.Context) ([]domain.Trade, error)
	PositionByMarket(ctx context.Context, marketID string) (*domain.Trade, error)
	OldestOpenLot(ctx context.Context, marketID string, side domain.Side) (*domain.Trade, error)
	RecentTrades(ctx context.Context, limit int) ([]domain.Trade, error)
	AllTrades(ctx context.Context) ([]domain.Trade, error)
	PortfolioStats(ctx context.Context) (domain.Portfolio, error)
	TradeStats(ctx context.Context) (domain.TradeStats, error)
	CountTrades(ctx context.Context) (open, closed int, err error)
}

// Ledger es el libro de trades con reconciliación.
// Todas las mutaciones son atómicas; mark/close sobre trades inexistentes
// o cerrados devuelven un valor cero sin error.
type Ledger interface {
	LedgerReader

	InitPortfolio(ctx context.Context, budget float64, sessionStart time.Time) error
	OpenTrade(ctx context.Context, req domain.OpenRequest) (int64, error)
	MarkTrade(ctx context.Context, id int64, price float64, source domain.PriceSource) (float64, error)
	CloseTrade(ctx context.Context, id int64, exitPrice float64, opts domain.CloseOptions) (float64, error)
	UpdatePortfolio(ctx context.Context, totalValue, cash, pnl24h float64) error
	PnLSince(ctx context.Context, since time.Time) (float64, error)

	Reconcile(ctx context.Context, startingEquity *float64) (domain.Reconciliation, error)
	ValidateIntegrity(ctx context.Context, eps float64) ([]string, error)
	RunGate(ctx context.Context, mode domain.GateMode, eps float64) error
}

// PnLRecorder persiste la serie temporal de P&L comparado con la wallet objetivo.
type PnLRecorder interface {
	RecordPnLSnapshot(ctx context.Context, p domain.PnLPoint) error
}
