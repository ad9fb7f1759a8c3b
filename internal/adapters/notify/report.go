package notify

import (
	"fmt"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/alejandrodnm/polycopy/internal/adapters/storage"
	"github.com/alejandrodnm/polycopy/internal/domain"
)

// StatusInput agrupa lo que imprime `polycopy status`.
type StatusInput struct {
	Portfolio domain.Portfolio
	Recon     domain.Reconciliation
	Open      []domain.Trade
	Stats     domain.TradeStats
	Rewards   float64
}

// PrintStatus imprime portfolio, posiciones abiertas y estadísticas.
func (c *Console) PrintStatus(in StatusInput) {
	p := in.Portfolio
	fmt.Fprintf(c.out, "\n── PORTFOLIO ──\n")
	fmt.Fprintf(c.out, "  Total value:  $%.2f (reconciled $%.2f)\n", p.TotalValue, in.Recon.TotalValue)
	fmt.Fprintf(c.out, "  Cash:         $%.2f\n", p.Cash)
	fmt.Fprintf(c.out, "  Budget:       $%.2f\n", p.InitialBudget)
	fmt.Fprintf(c.out, "  P&L total:    $%.2f | 24h $%.2f | 7d $%.2f\n", p.PnLTotal, p.PnL24h, p.PnLWeekly)
	fmt.Fprintf(c.out, "  Unrealized:   $%.2f | Realized $%.2f\n", in.Recon.Unrealized, in.Recon.Realized)
	if in.Rewards != 0 {
		fmt.Fprintf(c.out, "  Rewards:      $%.2f\n", in.Rewards)
	}
	if p.SessionStarted != nil {
		fmt.Fprintf(c.out, "  Session:      since %s\n", p.SessionStarted.Format(time.RFC3339))
	}

	c.PrintPositions(in.Open)
	c.PrintTradeStats(in.Stats)
}

// PrintPositions imprime los lotes abiertos.
func (c *Console) PrintPositions(open []domain.Trade) {
	c.printTrades("OPEN POSITIONS", open)
}

// PrintRecentTrades imprime los últimos trades, abiertos o cerrados.
func (c *Console) PrintRecentTrades(trades []domain.Trade) {
	c.printTrades("RECENT TRADES", trades)
}

func (c *Console) printTrades(title string, trades []domain.Trade) {
	fmt.Fprintf(c.out, "\n── %s (%d) ──\n", title, len(trades))
	if len(trades) == 0 {
		fmt.Fprintln(c.out, "  (none)")
		return
	}
	table := tablewriter.NewWriter(c.out)
	table.Header("ID", "Market", "Side", "Outcome", "Size$", "Entry", "Current", "P&L$", "Source")
	for _, t := range trades {
		cur, pnl, src := "-", t.UnrealizedPnL, t.CurrentSource
		if t.CurrentPrice != nil {
			cur = fmt.Sprintf("%.4f", *t.CurrentPrice)
		}
		if t.Status == domain.StatusClosed {
			if t.ExitPrice != nil {
				cur = fmt.Sprintf("%.4f", *t.ExitPrice)
			}
			pnl = t.RealizedPnL
			src = t.ExitSource
		}
		name := t.MarketSlug
		if name == "" {
			name = t.MarketID
		}
		table.Append(
			fmt.Sprintf("%d", t.ID),
			truncate(name, 30),
			string(t.Side),
			string(t.Outcome),
			fmt.Sprintf("%.2f", t.CostBasis),
			fmt.Sprintf("%.4f", t.EntryPrice),
			cur,
			fmt.Sprintf("%+.2f", pnl),
			string(src),
		)
	}
	table.Render()
}

// PrintTradeStats imprime el rendimiento de los trades cerrados.
func (c *Console) PrintTradeStats(st domain.TradeStats) {
	fmt.Fprintf(c.out, "\n── TRADE STATS ──\n")
	table := tablewriter.NewWriter(c.out)
	table.Header("Trades", "Open", "Closed", "Win rate", "Avg win", "Avg loss", "Largest win", "Largest loss", "Realized")
	table.Append(
		fmt.Sprintf("%d", st.TotalTrades),
		fmt.Sprintf("%d", st.OpenTrades),
		fmt.Sprintf("%d", st.ClosedTrades),
		fmt.Sprintf("%.1f%%", st.WinRate),
		fmt.Sprintf("$%.2f", st.AvgWin),
		fmt.Sprintf("$%.2f", st.AvgLoss),
		fmt.Sprintf("$%.2f", st.LargestWin),
		fmt.Sprintf("$%.2f", st.LargestLoss),
		fmt.Sprintf("$%.2f", st.TotalRealized),
	)
	table.Render()
}

// PrintExclusions imprime cuántos registros exportó el CSV y por qué se
// excluyó el resto.
func (c *Console) PrintExclusions(path string, st storage.ExportStats) {
	fmt.Fprintf(c.out, "\n── SLIPPAGE EXPORT ──\n")
	fmt.Fprintf(c.out, "  File: %s\n", path)
	table := tablewriter.NewWriter(c.out)
	table.Header("Exported", "Not filled", "Non-fill source", "Missing snapshot")
	table.Append(
		fmt.Sprintf("%d", st.Rows),
		fmt.Sprintf("%d", st.NotFilled),
		fmt.Sprintf("%d", st.NonFillSource),
		fmt.Sprintf("%d", st.MissingSnapshot),
	)
	table.Render()
}

// RunSummary resume un run de market making para el CLI.
type RunSummary struct {
	RunID      string
	RunTag     string
	Markets    []string
	Iterations int
	Fills      int
	Recon      domain.Reconciliation
	Duration   time.Duration
}

// PrintRunSummary imprime el cierre de un run de market making.
func (c *Console) PrintRunSummary(s RunSummary) {
	fmt.Fprintf(c.out, "\n── MARKET MAKING RUN %s (%s) ──\n", s.RunID, s.RunTag)
	fmt.Fprintf(c.out, "  Markets:     %d\n", len(s.Markets))
	fmt.Fprintf(c.out, "  Iterations:  %d in %v\n", s.Iterations, s.Duration.Round(time.Second))
	fmt.Fprintf(c.out, "  Fills:       %d\n", s.Fills)
	fmt.Fprintf(c.out, "  Equity:      $%.2f (cash $%.2f, open $%.2f)\n", s.Recon.TotalValue, s.Recon.Cash, s.Recon.OpenValue)
	fmt.Fprintf(c.out, "  Realized:    $%.2f | Unrealized $%.2f\n", s.Recon.Realized, s.Recon.Unrealized)
	if s.Recon.EquityPnL != nil {
		fmt.Fprintf(c.out, "  Equity P&L:  $%+.2f\n", *s.Recon.EquityPnL)
	}
}

// PrintPnLHistory imprime la serie de P&L propia frente a la del wallet
// objetivo.
func (c *Console) PrintPnLHistory(points []domain.PnLPoint) {
	fmt.Fprintf(c.out, "\n── P&L HISTORY (%d) ──\n", len(points))
	if len(points) == 0 {
		fmt.Fprintln(c.out, "  (none)")
		return
	}
	table := tablewriter.NewWriter(c.out)
	table.Header("Time", "Ours %", "Target %", "Ours invested", "Target invested")
	for _, p := range points {
		table.Append(
			p.Timestamp.Local().Format("01-02 15:04"),
			fmt.Sprintf("%+.2f", p.OurPnLPct),
			fmt.Sprintf("%+.2f", p.WhalePnLPct),
			fmt.Sprintf("$%.2f", p.OurInvested),
			fmt.Sprintf("$%.2f", p.WhaleInvested),
		)
	}
	table.Render()
}

// PrintExecutions imprime los últimos registros de ejecución.
func (c *Console) PrintExecutions(recs []domain.ExecutionRecord) {
	fmt.Fprintf(c.out, "\n── EXECUTIONS (%d) ──\n", len(recs))
	if len(recs) == 0 {
		fmt.Fprintln(c.out, "  (none)")
		return
	}
	table := tablewriter.NewWriter(c.out)
	table.Header("Run", "Order", "Market", "Side", "Mid", "Fill", "Slippage %", "Tier")
	for _, r := range recs {
		table.Append(
			truncate(r.RunTag, 12),
			r.OrderID,
			truncate(r.MarketID, 20),
			string(r.Side),
			optPrice(r.Mid),
			optPrice(r.FillPrice),
			optPct(r.Derived.QuoteSlippagePct),
			string(r.Derived.LiquidityTier),
		)
	}
	table.Render()
}

func optPrice(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.4f", *v)
}

func optPct(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%+.3f", *v)
}
