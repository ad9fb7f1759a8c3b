package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alejandrodnm/polycopy/config"
	"github.com/alejandrodnm/polycopy/internal/adapters/cache"
	"github.com/alejandrodnm/polycopy/internal/adapters/fixture"
	"github.com/alejandrodnm/polycopy/internal/adapters/health"
	"github.com/alejandrodnm/polycopy/internal/adapters/notify"
	"github.com/alejandrodnm/polycopy/internal/adapters/polymarket"
	"github.com/alejandrodnm/polycopy/internal/adapters/storage"
	"github.com/alejandrodnm/polycopy/internal/domain"
	"github.com/alejandrodnm/polycopy/internal/ports"
)

func openStore(cfg config.Config) (*storage.SQLiteStorage, error) {
	store, err := storage.NewSQLiteStorage(cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("open storage %q: %w", cfg.Storage.DSN, err)
	}
	return store, nil
}

func newClient(cfg config.Config) *polymarket.Client {
	client := polymarket.NewClient(cfg.API.CLOBBase, cfg.API.GammaBase, cfg.API.DataBase)
	client.SetTimeout(time.Duration(cfg.API.TimeoutSeconds) * time.Second)
	return client
}

// newNotifier devuelve consola más Telegram si está configurado. Un token
// inválido no impide arrancar: se sigue solo con consola.
func newNotifier(cfg config.Config) ports.Notifier {
	out := notify.Fanout{notify.NewConsole()}
	if cfg.Notify.TelegramToken == "" {
		return out
	}
	tg, err := notify.NewTelegram(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID, cfg.Notify.MaxRetries, time.Second)
	if err != nil {
		slog.Warn("telegram disabled", "err", err)
		return out
	}
	return append(out, tg)
}

// newDataProvider elige fixtures offline o la API de Polymarket, esta última
// con caché Redis opcional de la lista de mercados. close libera Redis.
func newDataProvider(ctx context.Context, cfg config.Config) (ports.DataProvider, func(), error) {
	mm := cfg.MarketMaking
	if mm.DataMode == "offline" {
		p, err := fixture.New(mm.FixtureDir, mm.FixtureProfile)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("data: using fixtures", "dir", mm.FixtureDir, "profile", mm.FixtureProfile)
		return p, func() {}, nil
	}

	provider := polymarket.NewProvider(newClient(cfg))
	if cfg.Cache.RedisURL == "" {
		return provider, func() {}, nil
	}

	opt, err := redis.ParseURL(cfg.Cache.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		slog.Warn("redis unreachable, markets will be read from the API", "err", err)
	}
	closeFn := func() {
		if err := rdb.Close(); err != nil {
			slog.Warn("redis close failed", "err", err)
		}
	}
	return cache.NewCachedProvider(provider, rdb, cfg.CacheTTL(), cfg.Cache.Prefix), closeFn, nil
}

// startHealth arranca el servidor de health si está habilitado. El estado se
// devuelve siempre para que los loops lo actualicen.
func startHealth(cfg config.Config) (*health.State, func()) {
	state := health.NewState(time.Now())
	state.SetRunning(true)
	if !cfg.Health.Enabled {
		return state, func() { state.SetRunning(false) }
	}
	srv := health.NewServer(cfg.Health.Addr, state)
	srv.Start()
	return state, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			slog.Warn("health server shutdown failed", "err", err)
		}
	}
}

// notifySafe entrega un evento y solo loguea el error.
func notifySafe(ctx context.Context, n ports.Notifier, ev domain.Event) {
	if err := n.Notify(ctx, ev); err != nil {
		slog.Warn("notify failed", "kind", ev.Kind, "err", err)
	}
}

// confirmLive da 5 segundos para abortar antes de operar en modo live.
func confirmLive(ctx context.Context, what string) bool {
	fmt.Printf("\n⚠️  LIVE MODE: %s\n", what)
	fmt.Printf("   Press Ctrl+C within 5 seconds to abort...\n\n")

	abortTimer := time.NewTimer(5 * time.Second)
	defer abortTimer.Stop()
	select {
	case <-abortTimer.C:
		return true
	case <-ctx.Done():
		slog.Info("live mode aborted by user")
		return false
	}
}
