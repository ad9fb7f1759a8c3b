// Package experiment orquesta un run de market making: selección de
// mercados, gates de confianza, loop de cotización y drenaje final.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/polycopy/internal/adapters/notify"
	"github.com/alejandrodnm/polycopy/internal/application/engine"
	"github.com/alejandrodnm/polycopy/internal/application/engine/mm"
	"github.com/alejandrodnm/polycopy/internal/application/trust"
	"github.com/alejandrodnm/polycopy/internal/domain"
	"github.com/alejandrodnm/polycopy/internal/domain/fill"
	"github.com/alejandrodnm/polycopy/internal/metrics"
	"github.com/alejandrodnm/polycopy/internal/ports"
)

const (
	defaultMaxRuntime  = 30 * time.Minute
	defaultDrainPasses = 4
)

// ErrNoMarkets indica que ni la lista blanca ni el scanner dieron mercados.
var ErrNoMarkets = errors.New("no markets selected")

// RewardLedger registra las recompensas de liquidez del run.
type RewardLedger interface {
	AddReward(ctx context.Context, r domain.Reward) (int64, error)
}

// Config contiene los límites del run y la configuración del engine.
type Config struct {
	RunID         string // vacío = se genera
	RunTag        string
	Bankroll      float64
	MaxIterations int           // 0 = sin límite
	MaxFills      int           // 0 = sin límite
	MaxRuntime    time.Duration // 0 con MaxIterations = 0 usa 30 minutos
	Interval      time.Duration // pausa entre iteraciones
	Drain         bool          // drenaje offline al terminar
	DrainPasses   int
	GateMode      domain.GateMode
	Epsilon       float64
	Engine        mm.Config
}

// Deps son los colaboradores del run. Notifier y Status son opcionales.
type Deps struct {
	Ledger   ports.Ledger
	Diag     ports.ExecutionRecorder
	Data     ports.DataProvider
	Fills    fill.Model
	Selector engine.MarketSelector
	Rewards  RewardLedger
	Gate     *trust.Gate
	Notifier ports.Notifier
	Status   ports.StatusSink
}

// Result resume un run terminado.
type Result struct {
	RunID      string
	RunTag     string
	Markets    []string
	Iterations int
	Fills      int
	Recon      domain.Reconciliation
	Duration   time.Duration
}

// Runner ejecuta un único run.
type Runner struct {
	deps Deps
	cfg  Config
	now  func() time.Time
}

// New crea un runner aplicando los valores por defecto.
func New(deps Deps, cfg Config) *Runner {
	if deps.Fills == nil {
		deps.Fills = fill.NewDeterministic()
	}
	if cfg.RunTag == "" {
		cfg.RunTag = "default"
	}
	if cfg.MaxIterations <= 0 && cfg.MaxRuntime <= 0 {
		cfg.MaxRuntime = defaultMaxRuntime
	}
	if cfg.DrainPasses <= 0 {
		cfg.DrainPasses = defaultDrainPasses
	}
	if cfg.GateMode == "" {
		cfg.GateMode = domain.GateDryRun
	}
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = domain.DefaultEpsilon
	}
	return &Runner{deps: deps, cfg: cfg, now: time.Now}
}

// SetClock reemplaza el reloj del runner. Solo para tests.
func (r *Runner) SetClock(now func() time.Time) { r.now = now }

// Run ejecuta el experimento completo. Cancelar el contexto corta el loop
// de cotización pero el cierre (drenaje, reconciliación y gates) se completa.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	start := r.now()
	res := Result{RunID: r.cfg.RunID, RunTag: r.cfg.RunTag}
	if res.RunID == "" {
		res.RunID = engine.NewRunID("mm", start)
	}

	markets, err := r.deps.Selector.Select(ctx)
	if err != nil {
		return res, fmt.Errorf("experiment.Run: select markets: %w", err)
	}
	if len(markets) == 0 {
		return res, ErrNoMarkets
	}
	res.Markets = markets

	run := trust.Run{ID: res.RunID, Tag: res.RunTag, Meta: r.meta(res.RunID, markets)}
	if _, err := r.deps.Rewards.AddReward(ctx, domain.Reward{
		RunID: res.RunID, RunTag: res.RunTag, Source: "unknown", PaidAt: start.UTC(),
	}); err != nil {
		return res, fmt.Errorf("experiment.Run: reward placeholder: %w", err)
	}
	if err := r.gate(ctx, trust.StagePreRun, run); err != nil {
		return res, err
	}

	engCfg := r.cfg.Engine
	engCfg.RunID, engCfg.RunTag = res.RunID, res.RunTag
	eng := mm.New(r.deps.Ledger, r.deps.Diag, r.deps.Data, r.deps.Fills, engCfg)
	eng.SetClock(r.now)

	slog.Info("experiment: run started",
		"run_id", res.RunID,
		"run_tag", res.RunTag,
		"markets", len(markets),
		"fill_model", r.deps.Fills.Name(),
	)
	res.Iterations, res.Fills, err = r.loop(ctx, eng, markets, start)
	if err != nil {
		slog.Error("experiment: run halted", "run_id", res.RunID, "err", err)
		closeCtx := context.WithoutCancel(ctx)
		recon, rerr := r.refresh(closeCtx)
		if rerr != nil {
			slog.Error("experiment: portfolio refresh failed", "err", rerr)
		}
		res.Recon = recon
		r.report(closeCtx, recon.OpenPositions, err)
		return res, fmt.Errorf("experiment.Run: %w", err)
	}

	// El cierre no se interrumpe por la cancelación del loop.
	closeCtx := context.WithoutCancel(ctx)
	if r.cfg.Drain {
		n, err := eng.Drain(closeCtx, markets, r.cfg.DrainPasses)
		if err != nil {
			return res, fmt.Errorf("experiment.Run: drain: %w", err)
		}
		res.Fills += n
	}
	if res.Recon, err = r.refresh(closeCtx); err != nil {
		return res, err
	}
	r.report(closeCtx, res.Recon.OpenPositions, nil)
	if err := r.gate(closeCtx, trust.StagePostRun, run); err != nil {
		return res, err
	}
	if err := r.deps.Ledger.RunGate(closeCtx, r.cfg.GateMode, r.cfg.Epsilon); err != nil {
		r.notify(closeCtx, notify.Gate("ledger_"+string(r.cfg.GateMode), 1, ""))
		return res, fmt.Errorf("experiment.Run: ledger gate: %w", err)
	}

	res.Duration = r.now().Sub(start)
	slog.Info("experiment: run complete",
		"run_id", res.RunID,
		"iterations", res.Iterations,
		"fills", res.Fills,
		"equity", res.Recon.TotalValue,
	)
	return res, nil
}

// loop cotiza todos los mercados por iteración hasta agotar iteraciones,
// fills o tiempo. Un mercado que falla no detiene el run, salvo un halt de
// live o una violación de integridad del ledger, que se devuelven.
func (r *Runner) loop(ctx context.Context, eng *mm.Engine, markets []string, start time.Time) (iterations, fills int, err error) {
	for {
		iterStart := time.Now()
		var lastErr error
		for _, id := range markets {
			if ctx.Err() != nil {
				return iterations, fills, nil
			}
			step, err := eng.Step(ctx, id)
			if errors.Is(err, domain.ErrLiveHalt) || errors.Is(err, domain.ErrIntegrity) {
				return iterations, fills, err
			}
			if err != nil {
				lastErr = err
				slog.Warn("experiment: market step failed", "market", id, "err", err)
				continue
			}
			fills += step.Fills
			if r.cfg.MaxFills > 0 && fills >= r.cfg.MaxFills {
				break
			}
		}
		iterations++
		metrics.CycleDuration.WithLabelValues("mm").Observe(time.Since(iterStart).Seconds())

		if r.cfg.MaxFills > 0 && fills >= r.cfg.MaxFills {
			return iterations, fills, nil
		}
		if r.cfg.MaxIterations > 0 && iterations >= r.cfg.MaxIterations {
			return iterations, fills, nil
		}
		if r.cfg.MaxRuntime > 0 && r.now().Sub(start) > r.cfg.MaxRuntime {
			return iterations, fills, nil
		}

		recon, err := r.refresh(ctx)
		if err != nil {
			lastErr = err
			slog.Error("experiment: portfolio refresh failed", "err", err)
		}
		r.report(ctx, recon.OpenPositions, lastErr)

		if r.cfg.Interval > 0 {
			select {
			case <-ctx.Done():
				return iterations, fills, nil
			case <-time.After(r.cfg.Interval):
			}
		}
	}
}

// refresh reconcilia contra el bankroll inicial y persiste el portfolio.
func (r *Runner) refresh(ctx context.Context) (domain.Reconciliation, error) {
	start := r.cfg.Bankroll
	recon, err := r.deps.Ledger.Reconcile(ctx, &start)
	if err != nil {
		return recon, fmt.Errorf("experiment.refresh: reconcile: %w", err)
	}
	pnl24h, err := r.deps.Ledger.PnLSince(ctx, r.now().Add(-24*time.Hour))
	if err != nil {
		return recon, fmt.Errorf("experiment.refresh: pnl 24h: %w", err)
	}
	if err := r.deps.Ledger.UpdatePortfolio(ctx, recon.TotalValue, recon.Cash, pnl24h); err != nil {
		return recon, fmt.Errorf("experiment.refresh: %w", err)
	}
	metrics.Equity.Set(recon.TotalValue)
	metrics.Cash.Set(recon.Cash)
	metrics.OpenPositions.Set(float64(recon.OpenPositions))
	return recon, nil
}

func (r *Runner) gate(ctx context.Context, stage trust.Stage, run trust.Run) error {
	if r.deps.Gate == nil {
		return nil
	}
	err := r.deps.Gate.Check(ctx, stage, run)
	var gateErr *trust.Error
	if errors.As(err, &gateErr) {
		r.notify(ctx, notify.Gate(string(stage), len(gateErr.Issues), gateErr.BundlePath))
	}
	if err != nil {
		return fmt.Errorf("experiment.Run: %s gate: %w", stage, err)
	}
	return nil
}

func (r *Runner) report(ctx context.Context, positions int, err error) {
	if r.deps.Status == nil {
		return
	}
	_, closed, cerr := r.deps.Ledger.CountTrades(ctx)
	if cerr != nil && err == nil {
		err = cerr
	}
	r.deps.Status.Update(r.now(), positions, positions+closed, err)
}

func (r *Runner) notify(ctx context.Context, ev domain.Event) {
	if r.deps.Notifier == nil {
		return
	}
	if err := r.deps.Notifier.Notify(ctx, ev); err != nil {
		slog.Warn("experiment: notify failed", "kind", ev.Kind, "err", err)
	}
}

func (r *Runner) meta(runID string, markets []string) map[string]any {
	q := r.cfg.Engine.Quote
	return map[string]any{
		"run_id":                  runID,
		"run_tag":                 r.cfg.RunTag,
		"bankroll":                r.cfg.Bankroll,
		"quote_size_usd":          r.cfg.Engine.QuoteSizeUSD,
		"k_ticks":                 q.KTicks,
		"tick_size":               q.TickSize,
		"max_spread_pct":          q.MaxSpreadPct,
		"max_total_exposure":      q.MaxTotalExposureUSD,
		"max_per_market_exposure": q.MaxPerMarketUSD,
		"max_hold_time_sec":       r.cfg.Engine.MaxHold.Seconds(),
		"fill_model":              r.deps.Fills.Name(),
		"markets":                 markets,
	}
}
