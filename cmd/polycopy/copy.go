package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/polycopy/config"
	"github.com/alejandrodnm/polycopy/internal/adapters/notify"
	"github.com/alejandrodnm/polycopy/internal/adapters/polymarket"
	"github.com/alejandrodnm/polycopy/internal/adapters/storage"
	"github.com/alejandrodnm/polycopy/internal/application/engine"
	"github.com/alejandrodnm/polycopy/internal/application/engine/copytrade"
	"github.com/alejandrodnm/polycopy/internal/domain"
)

func runCopy(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("copy", flag.ContinueOnError)
	var g globalFlags
	g.register(fs)
	once := fs.Bool("once", false, "run a single cycle and exit")
	reset := fs.Bool("reset", false, "reset the portfolio to the configured budget")
	resetPnL := fs.Bool("reset-pnl", false, "zero the accumulated pnl_total before starting")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := g.load()
	if err != nil {
		return err
	}
	if err := cfg.ValidateTarget(); err != nil {
		return err
	}
	mode, _ := domain.ParseGateMode(cfg.Trader.GateMode)

	slog.Info("polycopy copy starting",
		"config", g.configPath,
		"target", cfg.Trader.TargetWallet,
		"budget", cfg.Trader.Budget,
		"interval", cfg.CheckInterval(),
		"dry_run", cfg.Trader.DryRun,
		"once", *once,
	)

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := ensurePortfolio(ctx, store, cfg.Trader.Budget, *reset); err != nil {
		return err
	}
	if *resetPnL {
		if _, err := store.ResetPnLTotal(ctx); err != nil {
			return err
		}
	}
	if err := store.RunGate(ctx, mode, cfg.Trader.ReconciliationEpsilon); err != nil {
		return fmt.Errorf("ledger gate before start: %w", err)
	}
	if !cfg.Trader.DryRun && !confirmLive(ctx, fmt.Sprintf("copying %s with $%.2f", cfg.Trader.TargetWallet, cfg.Trader.Budget)) {
		return nil
	}

	notifier := newNotifier(cfg)
	state, stopHealth := startHealth(cfg)
	defer stopHealth()

	eng := copytrade.New(
		store,
		polymarket.NewProvider(newClient(cfg)),
		notifier,
		store,
		storage.NewRecorder(store, !cfg.Trader.DryRun),
		state,
		copyConfig(cfg, mode),
	)

	notifySafe(ctx, notifier, notify.Startup(cfg.Trader.TargetWallet, cfg.Trader.Budget, cfg.Trader.DryRun))
	reason := "signal"
	// El cierre corre en defer, también tras un panic, con un contexto
	// propio: ctx puede estar cancelado.
	defer func() {
		if r := recover(); r != nil {
			reason = fmt.Sprintf("panic: %v", r)
			defer panic(r)
		}
		closeCtx := context.WithoutCancel(ctx)
		budget := cfg.Trader.Budget
		var finalPnL *float64
		if recon, rerr := store.Reconcile(closeCtx, &budget); rerr == nil {
			finalPnL = recon.EquityPnL
			flushPortfolio(closeCtx, store, recon)
		} else {
			slog.Warn("final reconcile failed", "err", rerr)
		}
		notifySafe(closeCtx, notifier, notify.Shutdown(reason, finalPnL))
	}()

	if *once {
		_, err = eng.Step(ctx)
		reason = "single cycle"
	} else {
		err = eng.Run(ctx)
	}
	if err != nil {
		reason = "error"
	}
	return err
}

func copyConfig(cfg config.Config, mode domain.GateMode) copytrade.Config {
	return copytrade.Config{
		Target:   cfg.Trader.TargetWallet,
		Budget:   cfg.Trader.Budget,
		DryRun:   cfg.Trader.DryRun,
		Interval: cfg.CheckInterval(),
		RunID:    engine.NewRunID("copy", time.Now()),
		RunTag:   cfg.Trader.RunTag,
		StopFile: cfg.Trader.StopFile,
		GateMode: mode,
		Epsilon:  cfg.Trader.ReconciliationEpsilon,
		Sizing: copytrade.SizingConfig{
			MaxPositionPct: cfg.Sizing.MaxPositionPct,
			MinPositionPct: cfg.Sizing.MinPositionPct,
			RebalancePct:   cfg.Sizing.RebalancePct,
		},
		Risk: copytrade.RiskConfig{
			MaxDailyLossPct: cfg.Risk.MaxDailyLossPct,
			MaxTotalLossPct: cfg.Risk.MaxTotalLossPct,
			Cooldown:        cfg.Cooldown(),
		},
	}
}

// ensurePortfolio crea la fila de portfolio si no existe o si se pide reset.
func ensurePortfolio(ctx context.Context, store *storage.SQLiteStorage, budget float64, reset bool) error {
	p, err := store.PortfolioStats(ctx)
	if err != nil {
		return err
	}
	if p.InitialBudget > 0 && !reset {
		return nil
	}
	slog.Info("initializing portfolio", "budget", budget, "reset", reset)
	return store.InitPortfolio(ctx, budget, time.Now())
}

// flushPortfolio persiste el último estado reconciliado al salir.
func flushPortfolio(ctx context.Context, store *storage.SQLiteStorage, recon domain.Reconciliation) {
	pnl24h, err := store.PnLSince(ctx, time.Now().Add(-24*time.Hour))
	if err == nil {
		err = store.UpdatePortfolio(ctx, recon.TotalValue, recon.Cash, pnl24h)
	}
	if err != nil {
		slog.Warn("final portfolio flush failed", "err", err)
	}
}
