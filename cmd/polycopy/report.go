package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/alejandrodnm/polycopy/internal/adapters/notify"
	"github.com/alejandrodnm/polycopy/internal/adapters/storage"
	"github.com/alejandrodnm/polycopy/internal/application/trust"
	"github.com/alejandrodnm/polycopy/internal/domain"
)

func runStatus(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	var g globalFlags
	g.register(fs)
	runID := fs.String("run-id", "", "include liquidity rewards of this run")
	runTag := fs.String("run-tag", "default", "run tag for -run-id")
	history := fs.Int("history", 0, "print the P&L history of the last N hours")
	recent := fs.Int("recent", 0, "print the last N trades")
	orders := fs.Int("orders", 0, "print the last N execution records")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := g.load()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	in := notify.StatusInput{}
	if in.Portfolio, err = store.PortfolioStats(ctx); err != nil {
		return err
	}
	if in.Portfolio.SessionStarted == nil {
		if in.Portfolio.SessionStarted, err = store.SessionStart(ctx); err != nil {
			return err
		}
	}
	var start *float64
	if in.Portfolio.InitialBudget > 0 {
		start = &in.Portfolio.InitialBudget
	}
	if in.Recon, err = store.Reconcile(ctx, start); err != nil {
		return err
	}
	if in.Open, err = store.OpenPositions(ctx); err != nil {
		return err
	}
	if in.Stats, err = store.TradeStats(ctx); err != nil {
		return err
	}
	if *runID != "" {
		if in.Rewards, err = store.TotalRewards(ctx, *runID, *runTag); err != nil {
			return err
		}
	}

	console := notify.NewConsole()
	console.PrintStatus(in)
	if *history > 0 {
		points, err := store.SampledPnLHistory(ctx, *history, time.Hour)
		if err != nil {
			return err
		}
		console.PrintPnLHistory(points)
	}
	if *recent > 0 {
		trades, err := store.RecentTrades(ctx, *recent)
		if err != nil {
			return err
		}
		console.PrintRecentTrades(trades)
	}
	if *orders > 0 {
		recs, err := storage.NewRecorder(store, false).Recent(ctx, *orders)
		if err != nil {
			return err
		}
		console.PrintExecutions(recs)
	}
	return nil
}

func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	var g globalFlags
	g.register(fs)
	runID := fs.String("run-id", "", "run to export (required)")
	runTag := fs.String("run-tag", "", "only records with this run tag")
	out := fs.String("out", "", "output CSV path (default slippage_{run-id}.csv)")
	all := fs.Bool("all", false, "export unfilled and snapshot-less records too")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID == "" {
		return fmt.Errorf("export: -run-id is required")
	}
	cfg, err := g.load()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	path := *out
	if path == "" {
		path = fmt.Sprintf("slippage_%s.csv", *runID)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: create %q: %w", path, err)
	}
	defer f.Close()

	stats, err := storage.NewRecorder(store, false).ExportSlippageCSV(ctx, f, storage.ExportFilter{
		RunID:             *runID,
		RunTag:            *runTag,
		OnlyFilled:        !*all,
		RequireFillSource: !*all,
		RequireSnapshot:   !*all,
	})
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("export: close %q: %w", path, err)
	}
	notify.NewConsole().PrintExclusions(path, stats)
	return nil
}

func runGate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("gate", flag.ContinueOnError)
	var g globalFlags
	g.register(fs)
	modeFlag := fs.String("mode", "", "live|backtest|dry_run (overrides config)")
	runID := fs.String("run-id", "", "also run the post-run trust gate for this run")
	runTag := fs.String("run-tag", "default", "run tag for -run-id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := g.load()
	if err != nil {
		return err
	}
	if *modeFlag != "" {
		cfg.Trader.GateMode = *modeFlag
	}
	mode, err := domain.ParseGateMode(cfg.Trader.GateMode)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.RunGate(ctx, mode, cfg.Trader.ReconciliationEpsilon); err != nil {
		return err
	}
	slog.Info("ledger gate passed", "mode", mode)

	if *runID == "" {
		return nil
	}
	gate := trust.New(store, storage.NewRecorder(store, false), cfg.MarketMaking.OutputDir, cfg.Trader.ReconciliationEpsilon)
	if err := gate.Check(ctx, trust.StagePostRun, trust.Run{ID: *runID, Tag: *runTag}); err != nil {
		return err
	}
	slog.Info("run trust gate passed", "run_id", *runID, "run_tag", *runTag)
	return nil
}
