package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Side es la dirección de un trade en el ledger.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide acepta BUY/SELL en cualquier capitalización.
func ParseSide(s string) (Side, error) {
	switch v := Side(strings.ToUpper(strings.TrimSpace(s))); v {
	case SideBuy, SideSell:
		return v, nil
	}
	return "", &ValidationError{Field: "side", Reason: fmt.Sprintf("must be BUY or SELL, got %q", s)}
}

// Outcome es el lado del mercado binario.
type Outcome string

const (
	OutcomeYes Outcome = "YES"
	OutcomeNo  Outcome = "NO"
)

// TradeStatus es el estado de una fila del ledger.
type TradeStatus string

const (
	StatusOpen   TradeStatus = "open"
	StatusClosed TradeStatus = "closed"
)

// PriceSource indica de dónde viene un precio guardado en el ledger.
type PriceSource string

const (
	SourceFill        PriceSource = "fill"
	SourceQuote       PriceSource = "quote"
	SourceMark        PriceSource = "mark"
	SourceWhaleRef    PriceSource = "whale_ref"
	SourcePlaceholder PriceSource = "placeholder"
	SourceUnknown     PriceSource = "unknown"
)

// Valid devuelve true si la fuente pertenece al conjunto permitido.
func (s PriceSource) Valid() bool {
	switch s {
	case SourceFill, SourceQuote, SourceMark, SourceWhaleRef, SourcePlaceholder, SourceUnknown:
		return true
	}
	return false
}

// CheckSource valida una fuente opcional; "" significa no informada.
func CheckSource(field string, s PriceSource) error {
	if s == "" || s.Valid() {
		return nil
	}
	return &ValidationError{Field: field, Reason: fmt.Sprintf("unknown price source %q", s)}
}

// Trade es una fila del ledger. Las filas nunca se borran: un cierre parcial
// inserta una fila cerrada nueva y encoge la fila abierta original.
type Trade struct {
	ID           int64
	OpenedAt     time.Time
	ClosedAt     *time.Time
	MarketID     string
	MarketSlug   string
	Side         Side
	Outcome      Outcome
	TargetWallet string

	CostBasis  float64 // USD comprometidos
	EntryPrice float64
	Shares     float64
	Status     TradeStatus

	CurrentPrice  *float64 // solo abiertas
	ExitPrice     *float64 // solo cerradas
	CurrentValue  float64
	Proceeds      float64
	RealizedPnL   float64
	UnrealizedPnL float64

	EntrySource   PriceSource
	CurrentSource PriceSource
	ExitSource    PriceSource
	FillSource    PriceSource

	RunID  string
	RunTag string
}

// IsOpen devuelve true para filas abiertas.
func (t Trade) IsOpen() bool { return t.Status == StatusOpen }

// PnL devuelve el realizado para cerradas y el no realizado para abiertas.
func (t Trade) PnL() float64 {
	if t.IsOpen() {
		return t.UnrealizedPnL
	}
	return t.RealizedPnL
}

// Portfolio es la fila singleton con los totales cacheados del ledger.
// PnLTotal solo lo modifica el cierre de trades.
type Portfolio struct {
	TotalValue     float64
	Cash           float64
	InitialBudget  float64
	PnL24h         float64
	PnLWeekly      float64
	PnLTotal       float64
	UpdatedAt      time.Time
	SessionStarted *time.Time
}

// OpenRequest contiene los datos para abrir un trade.
type OpenRequest struct {
	MarketID      string
	MarketSlug    string
	Side          string
	Outcome       Outcome
	CostUSD       float64
	Price         float64
	TargetWallet  string
	EntrySource   PriceSource
	CurrentSource PriceSource
	RunID         string
	RunTag        string
}

// CloseOptions controla un cierre. Size nil = cierre total.
// Size se expresa en USD de cost basis, no en shares.
type CloseOptions struct {
	Size       *float64
	ExitSource PriceSource
	FillSource PriceSource
}

// Reconciliation son los totales recalculados solo a partir de filas.
type Reconciliation struct {
	Cash            float64
	OpenValue       float64
	Unrealized      float64
	Realized        float64
	TotalValue      float64
	EquityPnL       *float64
	OpenPositions   int
	ClosedPositions int
}

// TradeStats resume el rendimiento de los trades cerrados.
type TradeStats struct {
	TotalTrades   int
	OpenTrades    int
	ClosedTrades  int
	TotalBuys     int
	TotalSells    int
	Wins          int
	Losses        int
	WinRate       float64 // % sobre cerrados, incluidos break-even
	AvgTradeSize  float64
	AvgWin        float64
	AvgLoss       float64
	LargestWin    float64
	LargestLoss   float64
	TotalRealized float64
}

// PnLPoint es un punto de la serie pnl_history.
type PnLPoint struct {
	Timestamp     time.Time
	OurPnLPct     float64
	WhalePnLPct   float64
	OurInvested   float64
	WhaleInvested float64
}

// Reward es un pago de liquidity rewards asociado a un run de market making.
type Reward struct {
	ID        int64
	RunID     string
	RunTag    string
	MarketID  string
	AmountUSD float64
	Source    string
	PaidAt    time.Time
}

var marketIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_\-x]+$`)

// ValidateMarketID acepta condition ids hex y slugs simples.
func ValidateMarketID(id string) error {
	if len(id) == 0 || len(id) > 256 {
		return &ValidationError{Field: "market_id", Reason: fmt.Sprintf("length must be 1..256, got %d", len(id))}
	}
	if !marketIDPattern.MatchString(id) {
		return &ValidationError{Field: "market_id", Reason: fmt.Sprintf("invalid characters in %q", id)}
	}
	return nil
}

// ValidateWallet solo comprueba longitud; el formato lo valida el caller.
func ValidateWallet(w string) error {
	if len(w) > 42 {
		return &ValidationError{Field: "target_wallet", Reason: fmt.Sprintf("length must be <= 42, got %d", len(w))}
	}
	return nil
}

// ValidateTradeFields comprueba la semántica de campos de una fila:
// abiertas con current_price y sin exit, cerradas con exit y sin current_price.
func ValidateTradeFields(t Trade, eps float64) []string {
	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf("trade %d: ", t.ID)+fmt.Sprintf(format, args...))
	}

	if err := CheckPrice("entry_price", t.EntryPrice); err != nil {
		add("%v", err)
	}
	switch t.Status {
	case StatusOpen:
		if t.CurrentPrice == nil {
			add("open trade missing current_price")
		} else if err := CheckPrice("current_price", *t.CurrentPrice); err != nil {
			add("%v", err)
		}
		if t.ExitPrice != nil {
			add("open trade has exit_price")
		}
	case StatusClosed:
		if t.ExitPrice == nil {
			add("closed trade missing exit_price")
		} else if err := CheckPrice("exit_price", *t.ExitPrice); err != nil {
			add("%v", err)
		}
		if t.CurrentPrice != nil {
			add("closed trade has current_price")
		}
	default:
		add("unknown status %q", t.Status)
	}
	if t.CostBasis <= 0 {
		add("cost_basis must be > 0, got %v", t.CostBasis)
	}
	if err := CheckSharesConsistent(t.Shares, t.EntryPrice, t.CostBasis, eps); err != nil {
		add("%v", err)
	}
	return issues
}

// Ptr devuelve un puntero a v. Útil para campos opcionales.
func Ptr[T any](v T) *T { return &v }
