// Package copytrade replica la cartera de una wallet objetivo con un budget
// propio: sizing proporcional, límites de pérdida y marcado del ledger.
package copytrade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/alejandrodnm/polycopy/internal/adapters/notify"
	"github.com/alejandrodnm/polycopy/internal/domain"
	"github.com/alejandrodnm/polycopy/internal/metrics"
	"github.com/alejandrodnm/polycopy/internal/ports"
)

const (
	placeholderPrice = 0.5
	closeEpsilon     = 1e-9
)

// Config contiene los parámetros del loop de copy trading.
type Config struct {
	Target   string
	Budget   float64
	DryRun   bool
	Interval time.Duration
	RunID    string
	RunTag   string
	StopFile string // si existe, el loop termina limpiamente
	Sizing   SizingConfig
	Risk     RiskConfig

	// GateMode activa el trust gate del ledger tras cada ciclo. Vacío lo
	// desactiva.
	GateMode domain.GateMode
	Epsilon  float64
}

// Engine ejecuta un ciclo de copy trading por tick. No es seguro para uso
// concurrente.
type Engine struct {
	ledger    ports.Ledger
	positions ports.PositionProvider
	notifier  ports.Notifier
	history   ports.PnLRecorder
	diag      ports.ExecutionRecorder
	status    ports.StatusSink

	sizer *Sizer
	risk  *RiskManager
	cfg   Config
	now   func() time.Time
	seq   int
}

// New crea el engine. history, diag y status son opcionales.
func New(
	ledger ports.Ledger,
	positions ports.PositionProvider,
	notifier ports.Notifier,
	history ports.PnLRecorder,
	diag ports.ExecutionRecorder,
	status ports.StatusSink,
	cfg Config,
) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.RunTag == "" {
		cfg.RunTag = "copy"
	}
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = domain.DefaultEpsilon
	}
	return &Engine{
		ledger:    ledger,
		positions: positions,
		notifier:  notifier,
		history:   history,
		diag:      diag,
		status:    status,
		sizer:     NewSizer(cfg.Budget, cfg.Sizing),
		risk:      NewRiskManager(cfg.Budget, cfg.Risk),
		cfg:       cfg,
		now:       time.Now,
	}
}

// SetClock reemplaza el reloj del engine y del risk manager. Solo para tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
	e.risk.SetClock(now)
}

// StepResult resume un ciclo.
type StepResult struct {
	Executed  int
	Blocked   string
	Positions int
	Equity    float64
}

// Run ejecuta Step cada Interval hasta que el contexto se cancele o aparezca
// el fichero de parada. Los errores de un ciclo se loguean y no detienen el
// loop, salvo un fallo del trust gate o un halt de live.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		if e.stopRequested() {
			slog.Info("copytrade: stop file found, exiting", "path", e.cfg.StopFile)
			return nil
		}

		start := time.Now()
		res, err := e.Step(ctx)
		metrics.CycleDuration.WithLabelValues("copy").Observe(time.Since(start).Seconds())
		switch {
		case errors.Is(err, context.Canceled):
			return nil
		case halts(err):
			slog.Error("copytrade: halting", "err", err)
			return err
		case err != nil:
			slog.Error("copytrade: cycle failed", "err", err)
		default:
			slog.Info("copytrade: cycle done",
				"executed", res.Executed,
				"positions", res.Positions,
				"equity", res.Equity,
				"blocked", res.Blocked,
			)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// halts indica si un error de ciclo debe detener el trading.
func halts(err error) bool {
	return errors.Is(err, domain.ErrLiveHalt) || errors.Is(err, domain.ErrIntegrity)
}

func (e *Engine) stopRequested() bool {
	if e.cfg.StopFile == "" {
		return false
	}
	_, err := os.Stat(e.cfg.StopFile)
	return err == nil
}

// Step lee la cartera objetivo, marca nuestros lotes, aplica los límites de
// riesgo y ejecuta las acciones del sizer. Siempre refresca el portfolio.
func (e *Engine) Step(ctx context.Context) (StepResult, error) {
	res, err := e.step(ctx)
	if e.status != nil {
		open, closed, cerr := e.ledger.CountTrades(ctx)
		if cerr != nil && err == nil {
			err = cerr
		}
		e.status.Update(e.now(), open, open+closed, err)
	}
	return res, err
}

func (e *Engine) step(ctx context.Context) (StepResult, error) {
	targets, err := e.positions.Positions(ctx, e.cfg.Target)
	if err != nil {
		return StepResult{}, fmt.Errorf("copytrade.Step: target positions: %w", err)
	}
	targetValue, err := e.positions.PortfolioValue(ctx, e.cfg.Target)
	if err != nil {
		return StepResult{}, fmt.Errorf("copytrade.Step: target value: %w", err)
	}
	byMarket := make(map[string]domain.Position, len(targets))
	for _, p := range targets {
		byMarket[p.MarketID] = p
	}

	if err := e.markOpen(ctx, byMarket); err != nil {
		return StepResult{}, err
	}
	open, err := e.ledger.OpenPositions(ctx)
	if err != nil {
		return StepResult{}, fmt.Errorf("copytrade.Step: open positions: %w", err)
	}

	var res StepResult
	reason, err := e.checkRisk(ctx, open)
	if err != nil {
		return StepResult{}, err
	}
	if reason != "" {
		res.Blocked = reason
	} else {
		ours := make(map[string]float64)
		for _, t := range open {
			ours[t.MarketID] += t.CostBasis
		}
		for _, sp := range e.sizer.Size(targetValue, targets, ours) {
			if sp.Action == domain.ActionHold {
				continue
			}
			if err := e.execute(ctx, sp, byMarket[sp.MarketID]); err != nil {
				return res, err
			}
			res.Executed++
		}
	}

	recon, positions, err := e.refreshPortfolio(ctx, targets)
	if err != nil {
		return res, err
	}
	res.Positions = positions
	res.Equity = recon.TotalValue
	return res, e.gate(ctx)
}

// gate corre el trust gate del ledger tras refrescar el portfolio.
func (e *Engine) gate(ctx context.Context) error {
	if e.cfg.GateMode == "" {
		return nil
	}
	err := e.ledger.RunGate(ctx, e.cfg.GateMode, e.cfg.Epsilon)
	if err == nil {
		return nil
	}
	var gateErr *domain.GateError
	if errors.As(err, &gateErr) {
		metrics.GateFailures.WithLabelValues("copy").Inc()
		e.notify(ctx, notify.Gate("copy_"+string(e.cfg.GateMode), len(gateErr.Issues), ""))
	}
	return fmt.Errorf("copytrade.Step: ledger gate: %w", err)
}

// markOpen actualiza el precio de nuestros lotes abiertos con el precio
// actual que reporta la wallet objetivo.
func (e *Engine) markOpen(ctx context.Context, targets map[string]domain.Position) error {
	open, err := e.ledger.OpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("copytrade.markOpen: %w", err)
	}
	for _, t := range open {
		p, ok := targets[t.MarketID]
		if !ok || p.CurrentPrice == nil {
			continue
		}
		if _, err := e.ledger.MarkTrade(ctx, t.ID, *p.CurrentPrice, domain.SourceMark); err != nil {
			return fmt.Errorf("copytrade.markOpen: trade %d: %w", t.ID, err)
		}
	}
	return nil
}

func (e *Engine) checkRisk(ctx context.Context, open []domain.Trade) (string, error) {
	port, err := e.ledger.PortfolioStats(ctx)
	if err != nil {
		return "", fmt.Errorf("copytrade.checkRisk: portfolio: %w", err)
	}
	daily, err := e.ledger.PnLSince(ctx, e.now().Add(-24*time.Hour))
	if err != nil {
		return "", fmt.Errorf("copytrade.checkRisk: daily pnl: %w", err)
	}
	total := port.PnLTotal
	for _, t := range open {
		total += t.UnrealizedPnL
	}

	reason := e.risk.Check(total, daily)
	if reason == "" {
		return "", nil
	}
	metrics.RiskBlocks.Inc()
	slog.Warn("copytrade: risk limit", "reason", reason, "total_pnl", total, "daily_pnl", daily)
	e.notify(ctx, notify.Risk(reason, total, &daily))
	return reason, nil
}

// resolvePrice usa el precio actual de la wallet objetivo, después el precio
// de mercado y como último recurso un placeholder.
func (e *Engine) resolvePrice(ctx context.Context, p domain.Position) (float64, domain.PriceSource) {
	if p.CurrentPrice != nil && *p.CurrentPrice > 0 {
		return *p.CurrentPrice, domain.SourceMark
	}
	price, err := e.positions.MarketPrice(ctx, p.MarketID, outcomeOf(p))
	if err != nil {
		slog.Warn("copytrade: market price unavailable", "market", p.MarketID, "err", err)
	}
	if price != nil && *price > 0 && *price <= 1 {
		return *price, domain.SourceMark
	}
	return placeholderPrice, domain.SourcePlaceholder
}

func outcomeOf(p domain.Position) domain.Outcome {
	if p.Outcome == "" {
		return domain.OutcomeYes
	}
	return p.Outcome
}

func (e *Engine) execute(ctx context.Context, sp domain.SizedPosition, pos domain.Position) error {
	// La wallet objetivo pudo haber salido del mercado.
	if pos.MarketID == "" {
		pos.MarketID = sp.MarketID
	}
	price, src := e.resolvePrice(ctx, pos)
	slug := pos.MarketSlug
	if slug == "" {
		slug = sp.MarketID
	}

	var (
		tradeID *int64
		side    domain.OrderSide
	)
	switch sp.Action {
	case domain.ActionBuy:
		side = domain.OrderBuy
		id, err := e.ledger.OpenTrade(ctx, domain.OpenRequest{
			MarketID:      sp.MarketID,
			MarketSlug:    pos.MarketSlug,
			Side:          string(domain.SideBuy),
			Outcome:       outcomeOf(pos),
			CostUSD:       sp.OurSizeUSD,
			Price:         price,
			TargetWallet:  e.cfg.Target,
			EntrySource:   src,
			CurrentSource: src,
			RunID:         e.cfg.RunID,
			RunTag:        e.cfg.RunTag,
		})
		if err != nil {
			return fmt.Errorf("copytrade.execute: open %s: %w", sp.MarketID, err)
		}
		tradeID = &id
	case domain.ActionSell:
		side = domain.OrderSell
		id, realized, err := e.reduce(ctx, sp.MarketID, sp.OurSizeUSD, price, src)
		if err != nil {
			return err
		}
		tradeID = id
		if realized < 0 {
			e.risk.RecordLoss()
		}
	default:
		return nil
	}

	metrics.TradesTotal.WithLabelValues(string(sp.Action)).Inc()
	slog.Info("copytrade: executed",
		"action", sp.Action,
		"market", slug,
		"size_usd", sp.OurSizeUSD,
		"price", price,
		"source", src,
		"dry_run", e.cfg.DryRun,
	)
	e.notify(ctx, notify.Trade(sp.Action, slug, sp.OurSizeUSD, price, e.cfg.DryRun))
	return e.record(ctx, sp, pos, side, price, src, tradeID)
}

// reduce cierra lotes del mercado en orden FIFO hasta cubrir sizeUSD de
// cost basis. El último lote puede cerrarse parcialmente.
func (e *Engine) reduce(ctx context.Context, marketID string, sizeUSD, price float64, src domain.PriceSource) (*int64, float64, error) {
	var (
		lastID   *int64
		realized float64
	)
	remaining := sizeUSD
	for remaining > closeEpsilon {
		lot, err := e.ledger.OldestOpenLot(ctx, marketID, domain.SideBuy)
		if err != nil {
			return lastID, realized, fmt.Errorf("copytrade.reduce: %s: %w", marketID, err)
		}
		if lot == nil {
			break
		}
		opts := domain.CloseOptions{ExitSource: src}
		if remaining < lot.CostBasis-closeEpsilon {
			opts.Size = domain.Ptr(remaining)
		}
		pnl, err := e.ledger.CloseTrade(ctx, lot.ID, price, opts)
		if err != nil {
			return lastID, realized, fmt.Errorf("copytrade.reduce: close %d: %w", lot.ID, err)
		}
		realized += pnl
		id := lot.ID
		lastID = &id
		remaining -= math.Min(remaining, lot.CostBasis)
	}
	return lastID, realized, nil
}

// record guarda un registro de ejecución de mercado contra el precio medio
// de entrada de la wallet objetivo. El recorder decide qué errores llegan
// hasta aquí: en simulación un registro inválido se descarta sin error.
func (e *Engine) record(ctx context.Context, sp domain.SizedPosition, pos domain.Position, side domain.OrderSide, price float64, src domain.PriceSource, tradeID *int64) error {
	if e.diag == nil {
		return nil
	}
	e.seq++
	now := e.now().UTC()
	shares := sp.OurSizeUSD / price
	rec := domain.ExecutionRecord{
		RunID:         e.cfg.RunID,
		RunTag:        e.cfg.RunTag,
		OrderID:       fmt.Sprintf("%s-%d", e.cfg.RunID, e.seq),
		TradeID:       tradeID,
		MarketID:      sp.MarketID,
		MarketSlug:    pos.MarketSlug,
		Side:          side,
		OrderType:     domain.OrderMarket,
		QtyShares:     shares,
		TimeInForce:   "FOK",
		DecisionTS:    &now,
		SentTS:        &now,
		AckTS:         &now,
		FillTS:        &now,
		FillPrice:     &price,
		EntrySource:   src,
		CurrentSource: src,
		FillSource:    src,
		FilledShares:  &shares,
		FillCount:     1,
	}
	if side == domain.OrderSell {
		rec.ExitSource = src
	}
	if pos.UpdatedAt != nil {
		rec.WhaleSignalTS = pos.UpdatedAt
	}
	if pos.AvgPrice > 0 {
		rec.WhaleEntryRefPrice = domain.Ptr(pos.AvgPrice)
		rec.WhaleRefType = domain.RefAvgFill
	}
	if err := e.diag.Record(ctx, rec); err != nil {
		return fmt.Errorf("copytrade.record: %s: %w", rec.OrderID, err)
	}
	return nil
}

// refreshPortfolio reconcilia el ledger, persiste el portfolio y guarda el
// punto de P&L comparado con la wallet objetivo.
func (e *Engine) refreshPortfolio(ctx context.Context, targets []domain.Position) (domain.Reconciliation, int, error) {
	recon, err := e.ledger.Reconcile(ctx, nil)
	if err != nil {
		return recon, 0, fmt.Errorf("copytrade.refreshPortfolio: reconcile: %w", err)
	}
	pnl24h, err := e.ledger.PnLSince(ctx, e.now().Add(-24*time.Hour))
	if err != nil {
		return recon, 0, fmt.Errorf("copytrade.refreshPortfolio: pnl 24h: %w", err)
	}
	if err := e.ledger.UpdatePortfolio(ctx, recon.TotalValue, recon.Cash, pnl24h); err != nil {
		return recon, 0, fmt.Errorf("copytrade.refreshPortfolio: %w", err)
	}
	metrics.Equity.Set(recon.TotalValue)
	metrics.Cash.Set(recon.Cash)
	metrics.OpenPositions.Set(float64(recon.OpenPositions))

	if e.history != nil {
		if err := e.history.RecordPnLSnapshot(ctx, e.pnlPoint(recon, targets)); err != nil {
			slog.Warn("copytrade: pnl snapshot failed", "err", err)
		}
	}
	return recon, recon.OpenPositions, nil
}

func (e *Engine) pnlPoint(recon domain.Reconciliation, targets []domain.Position) domain.PnLPoint {
	p := domain.PnLPoint{
		Timestamp:   e.now().UTC(),
		OurInvested: recon.OpenValue - recon.Unrealized,
	}
	if e.cfg.Budget > 0 {
		p.OurPnLPct = (recon.TotalValue - e.cfg.Budget) / e.cfg.Budget * 100
	}
	var whalePnL float64
	for _, t := range targets {
		whalePnL += t.PnL
		p.WhaleInvested += t.Value - t.PnL
	}
	if p.WhaleInvested > 0 {
		p.WhalePnLPct = whalePnL / p.WhaleInvested * 100
	}
	return p
}

func (e *Engine) notify(ctx context.Context, ev domain.Event) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, ev); err != nil {
		slog.Warn("copytrade: notify failed", "kind", ev.Kind, "err", err)
	}
}
