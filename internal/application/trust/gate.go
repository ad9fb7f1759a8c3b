// Package trust implementa los gates de confianza de un run de market
// making: antes de arrancar y al terminar se comprueba que el ledger, los
// registros de ejecución y los ciclos cerrados sean coherentes. Un fallo
// deja un debug bundle en disco y devuelve *Error.
package trust

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/alejandrodnm/polycopy/internal/domain"
	"github.com/alejandrodnm/polycopy/internal/metrics"
	"github.com/alejandrodnm/polycopy/internal/ports"
)

// Stage identifica en qué momento del run corre el gate.
type Stage string

const (
	StagePreRun  Stage = "pre_run"
	StagePostRun Stage = "post_run"
)

const maxBundleRows = 20

// Error es un gate fallido. BundlePath apunta al bundle.json escrito.
type Error struct {
	Stage      Stage
	Issues     []string
	BundlePath string
}

func (e *Error) Error() string {
	return fmt.Sprintf("trust gate failed at stage=%s (%d issues); see debug bundle %s", e.Stage, len(e.Issues), e.BundlePath)
}

func (e *Error) Is(target error) bool {
	return target == domain.ErrIntegrity || target == domain.ErrGateAssertion
}

// Run identifica el run sobre el que se evalúa el gate.
type Run struct {
	ID   string
	Tag  string
	Meta map[string]any
}

// Gate evalúa los checks contra un ledger y un recorder.
type Gate struct {
	ledger    ports.Ledger
	diag      ports.ExecutionRecorder
	outputDir string
	eps       float64
	now       func() time.Time
}

// New crea un Gate. Los bundles se escriben bajo outputDir.
func New(ledger ports.Ledger, diag ports.ExecutionRecorder, outputDir string, eps float64) *Gate {
	if outputDir == "" {
		outputDir = "reports"
	}
	if eps <= 0 {
		eps = 1e-6
	}
	return &Gate{ledger: ledger, diag: diag, outputDir: outputDir, eps: eps, now: time.Now}
}

// SetClock reemplaza el reloj usado para nombrar bundles.
func (g *Gate) SetClock(now func() time.Time) { g.now = now }

type findings struct {
	issues []string
	execs  []domain.ExecutionRecord
	trades []domain.Trade
}

func (f *findings) add(format string, args ...any) {
	f.issues = append(f.issues, fmt.Sprintf(format, args...))
}

// Check corre todos los checks. Sin problemas devuelve nil.
func (g *Gate) Check(ctx context.Context, stage Stage, run Run) error {
	var f findings

	if err := g.checkPortfolio(ctx, &f); err != nil {
		return err
	}
	if err := g.checkExecutions(ctx, run, &f); err != nil {
		return err
	}
	if err := g.checkClosedCycles(ctx, run, &f); err != nil {
		return err
	}
	if len(f.issues) == 0 {
		slog.Info("trust: gate passed", "stage", stage, "run_id", run.ID)
		return nil
	}

	metrics.GateFailures.WithLabelValues(string(stage)).Inc()
	path, err := g.writeBundle(stage, run, f)
	if err != nil {
		return errors.Join(&Error{Stage: stage, Issues: f.issues}, err)
	}
	slog.Error("trust: gate failed",
		"stage", stage,
		"run_id", run.ID,
		"issues", len(f.issues),
		"first", f.issues[0],
		"bundle", path,
	)
	return &Error{Stage: stage, Issues: f.issues, BundlePath: path}
}

// checkPortfolio compara el total_value cacheado en el portfolio con cash
// más el valor de las posiciones abiertas recalculado desde los trades.
func (g *Gate) checkPortfolio(ctx context.Context, f *findings) error {
	rec, err := g.ledger.Reconcile(ctx, nil)
	if err != nil {
		return fmt.Errorf("trust.Check: reconcile: %w", err)
	}
	port, err := g.ledger.PortfolioStats(ctx)
	if err != nil {
		return fmt.Errorf("trust.Check: portfolio: %w", err)
	}
	if math.Abs(port.TotalValue-(rec.Cash+rec.OpenValue)) > g.eps {
		f.add("portfolio_identity_failed: total_value=%.6f cash=%.6f open=%.6f", port.TotalValue, rec.Cash, rec.OpenValue)
	}
	return nil
}

func (g *Gate) checkExecutions(ctx context.Context, run Run, f *findings) error {
	recs, err := g.diag.FetchRecords(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("trust.Check: fetch records: %w", err)
	}
	for _, r := range recs {
		if r.RunTag != run.Tag || r.FillPrice == nil {
			continue
		}
		if r.OrderID == "" {
			f.add("fill_missing_order_id")
			f.execs = append(f.execs, r)
			continue
		}
		if p := *r.FillPrice; p < 0 || p > 1 {
			f.add("fill_price_out_of_range order_id=%s price=%v", r.OrderID, p)
			f.execs = append(f.execs, r)
		}
		if r.BestBid == nil || r.BestAsk == nil {
			f.add("fill_missing_snapshot order_id=%s", r.OrderID)
			f.execs = append(f.execs, r)
			continue
		}
		bid, ask := *r.BestBid, *r.BestAsk
		if bid > ask+g.eps {
			f.add("fill_bid_gt_ask order_id=%s bid=%v ask=%v", r.OrderID, bid, ask)
			f.execs = append(f.execs, r)
		}
		expected := (bid + ask) / 2
		if r.Mid == nil || math.Abs(*r.Mid-expected) > g.eps {
			f.add("fill_mid_mismatch order_id=%s mid=%v expected=%v", r.OrderID, fmtOpt(r.Mid), expected)
			f.execs = append(f.execs, r)
		}
	}
	return nil
}

// checkClosedCycles recalcula proceeds y realizado de los lotes cerrados del run.
func (g *Gate) checkClosedCycles(ctx context.Context, run Run, f *findings) error {
	trades, err := g.ledger.AllTrades(ctx)
	if err != nil {
		return fmt.Errorf("trust.Check: trades: %w", err)
	}
	for _, t := range trades {
		if t.RunID != run.ID || t.RunTag != run.Tag || t.IsOpen() {
			continue
		}
		shares := t.Shares
		if shares == 0 && t.EntryPrice > 0 {
			shares = t.CostBasis / t.EntryPrice
		}
		var exit float64
		if t.ExitPrice != nil {
			exit = *t.ExitPrice
		}
		expectedProceeds := shares * exit
		if math.Abs(t.Proceeds-expectedProceeds) > g.eps {
			f.add("closed_cycle_proceeds_mismatch trade_id=%d proceeds=%v expected=%v", t.ID, t.Proceeds, expectedProceeds)
			f.trades = append(f.trades, t)
		}
		expectedRealized, err := domain.SidedPnL(t.Side, shares, t.EntryPrice, exit)
		if err != nil {
			f.add("closed_cycle_invalid_prices trade_id=%d: %v", t.ID, err)
			f.trades = append(f.trades, t)
			continue
		}
		if math.Abs(t.RealizedPnL-expectedRealized) > g.eps {
			f.add("closed_cycle_realized_mismatch trade_id=%d realized=%v expected=%v", t.ID, t.RealizedPnL, expectedRealized)
			f.trades = append(f.trades, t)
		}
	}
	return nil
}

type bundle struct {
	Stage           Stage                    `json:"stage"`
	RunID           string                   `json:"run_id"`
	RunTag          string                   `json:"run_tag"`
	RunMeta         map[string]any           `json:"run_meta"`
	Issues          []string                 `json:"issues"`
	OffendingExecs  []domain.ExecutionRecord `json:"offending_execution_rows"`
	OffendingTrades []domain.Trade           `json:"offending_trade_rows"`
}

// writeBundle escribe {outputDir}/debug_bundle_{tag}_{ts}/bundle.json.
func (g *Gate) writeBundle(stage Stage, run Run, f findings) (string, error) {
	dir := filepath.Join(g.outputDir, fmt.Sprintf("debug_bundle_%s_%s", run.Tag, g.now().UTC().Format("20060102T150405Z")))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("trust.writeBundle: mkdir: %w", err)
	}
	data, err := json.MarshalIndent(bundle{
		Stage:           stage,
		RunID:           run.ID,
		RunTag:          run.Tag,
		RunMeta:         run.Meta,
		Issues:          head(f.issues),
		OffendingExecs:  head(f.execs),
		OffendingTrades: head(f.trades),
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("trust.writeBundle: marshal: %w", err)
	}
	path := filepath.Join(dir, "bundle.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("trust.writeBundle: write: %w", err)
	}
	return path, nil
}

func head[T any](s []T) []T {
	if len(s) > maxBundleRows {
		return s[:maxBundleRows]
	}
	return s
}

func fmtOpt(v *float64) string {
	if v == nil {
		return "nil"
	}
	return fmt.Sprintf("%v", *v)
}
