package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alejandrodnm/polycopy/config"
	"github.com/alejandrodnm/polycopy/internal/adapters/notify"
	"github.com/alejandrodnm/polycopy/internal/adapters/storage"
	"github.com/alejandrodnm/polycopy/internal/application/engine/mm"
	"github.com/alejandrodnm/polycopy/internal/application/experiment"
	"github.com/alejandrodnm/polycopy/internal/application/scanner"
	"github.com/alejandrodnm/polycopy/internal/application/trust"
	"github.com/alejandrodnm/polycopy/internal/domain"
	"github.com/alejandrodnm/polycopy/internal/domain/fill"
)

func runMM(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("mm", flag.ContinueOnError)
	var g globalFlags
	g.register(fs)
	runTag := fs.String("run-tag", "", "run tag for diagnostics (overrides config)")
	markets := fs.Int("markets", 0, "number of markets to quote (overrides config)")
	whitelist := fs.String("whitelist", "", "comma separated market ids to quote")
	maxIter := fs.Int("max-iterations", -1, "stop after N iterations (overrides config)")
	offline := fs.String("fixture-dir", "", "use offline fixtures from this directory")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := g.load()
	if err != nil {
		return err
	}
	mmCfg := &cfg.MarketMaking
	if *runTag != "" {
		cfg.Trader.RunTag = *runTag
	}
	if *markets > 0 {
		mmCfg.Markets = *markets
	}
	if *whitelist != "" {
		mmCfg.Whitelist = strings.Split(*whitelist, ",")
	}
	if *maxIter >= 0 {
		mmCfg.MaxIterations = *maxIter
	}
	if *offline != "" {
		mmCfg.DataMode, mmCfg.FixtureDir = "offline", *offline
	}
	mode, _ := domain.ParseGateMode(cfg.Trader.GateMode)

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := ensurePortfolio(ctx, store, mmCfg.Bankroll, false); err != nil {
		return err
	}

	data, closeData, err := newDataProvider(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeData()

	notifier := newNotifier(cfg)
	state, stopHealth := startHealth(cfg)
	defer stopHealth()

	// El run trabaja sobre una conexión propia del pool; las escrituras
	// siguen serializadas por el mutex del storage.
	conn, err := store.Acquire(ctx, "mm")
	if err != nil {
		return err
	}
	defer conn.Release()

	live := mode == domain.GateLive
	diag := storage.NewRecorder(conn.SQLiteStorage, live)
	runner := experiment.New(experiment.Deps{
		Ledger: conn,
		Diag:   diag,
		Data:   data,
		Fills:  fillModel(cfg),
		Selector: scanner.New(scanner.Config{
			Whitelist:  mmCfg.Whitelist,
			MaxMarkets: mmCfg.Markets,
		}, data),
		Rewards:  conn,
		Gate:     trust.New(conn, diag, mmCfg.OutputDir, cfg.Trader.ReconciliationEpsilon),
		Notifier: notifier,
		Status:   state,
	}, experimentConfig(cfg, mode))

	notifySafe(ctx, notifier, notify.MarketMakingStartup(cfg.Trader.RunTag, mmCfg.Bankroll, !live))
	res, err := runner.Run(ctx)
	closeCtx := context.WithoutCancel(ctx)
	if err != nil {
		if errors.Is(err, experiment.ErrNoMarkets) {
			err = fmt.Errorf("%w (whitelist empty and no tier A markets found)", err)
		}
		notifySafe(closeCtx, notifier, notify.Shutdown("error", nil))
		return err
	}

	notify.NewConsole().PrintRunSummary(notify.RunSummary{
		RunID:      res.RunID,
		RunTag:     res.RunTag,
		Markets:    res.Markets,
		Iterations: res.Iterations,
		Fills:      res.Fills,
		Recon:      res.Recon,
		Duration:   res.Duration,
	})
	notifySafe(closeCtx, notifier, notify.Shutdown("run complete", res.Recon.EquityPnL))
	slog.Info("market making run complete", "run_id", res.RunID, "run_tag", res.RunTag, "fills", res.Fills)
	return nil
}

func experimentConfig(cfg config.Config, mode domain.GateMode) experiment.Config {
	m := cfg.MarketMaking
	return experiment.Config{
		RunTag:        cfg.Trader.RunTag,
		Bankroll:      m.Bankroll,
		MaxIterations: m.MaxIterations,
		MaxFills:      m.MaxFills,
		MaxRuntime:    time.Duration(m.MaxRuntimeMinutes) * time.Minute,
		Interval:      time.Duration(m.IntervalSeconds) * time.Second,
		Drain:         m.DataMode == "offline",
		GateMode:      mode,
		Epsilon:       cfg.Trader.ReconciliationEpsilon,
		Engine: mm.Config{
			QuoteSizeUSD: m.QuoteSizeUSD,
			MaxHold:      cfg.MaxHold(),
			FeeBps:       m.FeeBps,
			Quote: domain.QuoteParams{
				TickSize:            m.TickSize,
				KTicks:              m.KTicks,
				MaxSpreadPct:        m.MaxSpreadPct,
				MaxPerMarketUSD:     m.MaxPerMarketExposureUSD,
				MaxTotalExposureUSD: m.MaxExposureUSD,
				SkewTicks:           m.SkewTicks,
			},
		},
	}
}

func fillModel(cfg config.Config) fill.Model {
	m := cfg.MarketMaking
	if m.FillModel != "probabilistic" {
		return fill.NewDeterministic()
	}
	return fill.NewProbabilistic(fill.ProbabilisticConfig{
		TickSize:      m.TickSize,
		Alpha:         m.FillAlpha,
		BaseLiquidity: m.FillBaseLiquidity,
		PMax:          m.FillPMax,
		Seed:          m.Seed,
	})
}
