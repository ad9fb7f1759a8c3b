package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alejandrodnm/polycopy/config"
)

const usage = `polycopy <command> [flags]

Commands:
  copy     replicate a target wallet's portfolio
  mm       run a market making experiment
  status   print portfolio, open positions and trade stats
  export   write the slippage CSV of a run
  gate     run the ledger trust gate
`

// globalFlags son los flags comunes a todos los subcomandos.
type globalFlags struct {
	configPath string
	verbose    bool
	logFormat  string
}

func (g *globalFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&g.configPath, "config", "config.yaml", "path to config file")
	fs.BoolVar(&g.verbose, "verbose", false, "set log level to debug")
	fs.StringVar(&g.logFormat, "format", "", "log format: text|json (overrides config)")
}

// load carga y valida la configuración y prepara el logger.
func (g *globalFlags) load() (config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return cfg, err
	}
	if g.verbose {
		cfg.Log.Level = "debug"
	}
	if g.logFormat != "" {
		cfg.Log.Format = g.logFormat
	}
	setupLogger(cfg.Log)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "copy":
		err = runCopy(ctx, args)
	case "mm":
		err = runMM(ctx, args)
	case "status":
		err = runStatus(ctx, args)
	case "export":
		err = runExport(ctx, args)
	case "gate":
		err = runGate(ctx, args)
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}

	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		slog.Error("polycopy exited with error", "cmd", os.Args[1], "err", err)
		cancel()
		os.Exit(1)
	}
	slog.Info("polycopy stopped cleanly", "cmd", os.Args[1])
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
