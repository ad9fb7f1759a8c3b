package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polycopy/config"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaults_Valid(t *testing.T) {
	cfg := config.Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10000.0, cfg.Trader.Budget)
	assert.Equal(t, "default", cfg.Trader.RunTag)
	require.NotNil(t, cfg.MarketMaking.MaxSpreadPct)
	assert.Equal(t, 0.05, *cfg.MarketMaking.MaxSpreadPct)
	assert.Equal(t, 2.0, cfg.MarketMaking.FeeBps)
}

func TestMergeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
trader:
  budget: 500
  run_tag: exp1
market_making:
  k_ticks: 3
  max_spread_pct: null
  whitelist: [m1, m2]
`), 0o644))

	base := config.Defaults()
	cfg, err := config.MergeFile(base, path)
	require.NoError(t, err)
	assert.Equal(t, 500.0, cfg.Trader.Budget)
	assert.Equal(t, "exp1", cfg.Trader.RunTag)
	assert.Equal(t, 30, cfg.Trader.CheckIntervalSeconds, "untouched keys keep the base value")
	assert.Equal(t, 3.0, cfg.MarketMaking.KTicks)
	assert.Nil(t, cfg.MarketMaking.MaxSpreadPct)
	assert.Equal(t, []string{"m1", "m2"}, cfg.MarketMaking.Whitelist)

	require.NotNil(t, base.MarketMaking.MaxSpreadPct, "base is not modified")
}

func TestMergeFile_Missing(t *testing.T) {
	cfg, err := config.MergeFile(config.Defaults(), filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, config.Defaults().Trader, cfg.Trader)
}

func TestMergeFile_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("trader: [unclosed"), 0o644))
	_, err := config.MergeFile(config.Defaults(), path)
	assert.ErrorContains(t, err, "parse YAML")
}

func TestMergeEnv(t *testing.T) {
	cfg, err := config.MergeEnv(config.Defaults(), envMap(map[string]string{
		"POLYCOPY_TARGET_WALLET":  "0xabc",
		"POLYCOPY_BUDGET":         "2500.5",
		"POLYCOPY_DRY_RUN":        "off",
		"POLYCOPY_CHECK_INTERVAL": "45",
		"POLYCOPY_REDIS_URL":      "redis://localhost:6379/0",
		"POLYCOPY_LOG_LEVEL":      "",
		"LOG_LEVEL":               "debug",
	}))
	require.NoError(t, err)
	assert.Equal(t, "0xabc", cfg.Trader.TargetWallet)
	assert.Equal(t, 2500.5, cfg.Trader.Budget)
	assert.False(t, cfg.Trader.DryRun)
	assert.Equal(t, 45, cfg.Trader.CheckIntervalSeconds)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Cache.RedisURL)
	assert.Equal(t, "info", cfg.Log.Level, "empty and unprefixed variables are ignored")
}

func TestMergeEnv_InvalidValue(t *testing.T) {
	_, err := config.MergeEnv(config.Defaults(), envMap(map[string]string{"POLYCOPY_BUDGET": "lots"}))
	assert.ErrorContains(t, err, "POLYCOPY_BUDGET")

	_, err = config.MergeEnv(config.Defaults(), envMap(map[string]string{"POLYCOPY_DRY_RUN": "maybe"}))
	assert.ErrorContains(t, err, "invalid boolean")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"zero budget", func(c *config.Config) { c.Trader.Budget = 0 }, "trader.budget"},
		{"zero interval", func(c *config.Config) { c.Trader.CheckIntervalSeconds = 0 }, "check_interval"},
		{"bad gate mode", func(c *config.Config) { c.Trader.GateMode = "paper" }, "gate_mode"},
		{"tick size", func(c *config.Config) { c.MarketMaking.TickSize = 1 }, "tick_size"},
		{"offline without fixtures", func(c *config.Config) { c.MarketMaking.DataMode = "offline" }, "fixture_dir"},
		{"fill model", func(c *config.Config) { c.MarketMaking.FillModel = "magic" }, "fill_model"},
		{"telegram half set", func(c *config.Config) { c.Notify.TelegramToken = "t" }, "telegram"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Defaults()
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestValidateTarget(t *testing.T) {
	cfg := config.Defaults()
	assert.Error(t, cfg.ValidateTarget())
	cfg.Trader.TargetWallet = "0x1234567890abcdef1234567890abcdef12345678"
	assert.NoError(t, cfg.ValidateTarget())
}
