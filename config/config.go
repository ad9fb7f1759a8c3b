package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

// EnvPrefix es el prefijo de las variables de entorno reconocidas.
const EnvPrefix = "POLYCOPY_"

// Config es la configuración completa de polycopy.
type Config struct {
	Trader       TraderConfig       `yaml:"trader"`
	Sizing       SizingConfig       `yaml:"sizing"`
	Risk         RiskConfig         `yaml:"risk"`
	MarketMaking MarketMakingConfig `yaml:"market_making"`
	API          APIConfig          `yaml:"api"`
	Storage      StorageConfig      `yaml:"storage"`
	Health       HealthConfig       `yaml:"health"`
	Notify       NotifyConfig       `yaml:"notify"`
	Cache        CacheConfig        `yaml:"cache"`
	Log          LogConfig          `yaml:"log"`
}

// TraderConfig controla el loop de copy trading y los gates del ledger.
type TraderConfig struct {
	TargetWallet          string  `yaml:"target_wallet"`
	Budget                float64 `yaml:"budget"`
	DryRun                bool    `yaml:"dry_run"`
	CheckIntervalSeconds  int     `yaml:"check_interval_seconds"`
	RunTag                string  `yaml:"run_tag"`
	ReconciliationEpsilon float64 `yaml:"reconciliation_epsilon"`
	GateMode              string  `yaml:"gate_mode"` // live | backtest | dry_run
	StopFile              string  `yaml:"stop_file"`
}

// SizingConfig son los límites del sizer proporcional (fracción del budget).
type SizingConfig struct {
	MaxPositionPct float64 `yaml:"max_position_pct"`
	MinPositionPct float64 `yaml:"min_position_pct"`
	RebalancePct   float64 `yaml:"rebalance_pct"`
}

// RiskConfig son los límites de pérdida.
type RiskConfig struct {
	MaxDailyLossPct float64 `yaml:"max_daily_loss_pct"`
	MaxTotalLossPct float64 `yaml:"max_total_loss_pct"`
	CooldownSeconds int     `yaml:"cooldown_seconds"`
}

// MarketMakingConfig controla el engine de market making y el runner.
type MarketMakingConfig struct {
	TickSize                float64  `yaml:"tick_size"`
	KTicks                  float64  `yaml:"k_ticks"`
	QuoteSizeUSD            float64  `yaml:"quote_size_usd"`
	MaxSpreadPct            *float64 `yaml:"max_spread_pct"` // null = sin techo
	SkewTicks               float64  `yaml:"skew_ticks"`
	MaxHoldSeconds          int      `yaml:"max_hold_time_sec"`
	MaxExposureUSD          float64  `yaml:"max_exposure_usd"`
	MaxPerMarketExposureUSD float64  `yaml:"max_per_market_exposure_usd"`
	FeeBps                  float64  `yaml:"fee_bps"`

	Bankroll          float64  `yaml:"bankroll"`
	Markets           int      `yaml:"markets"`
	Whitelist         []string `yaml:"whitelist"`
	MaxRuntimeMinutes int      `yaml:"max_runtime_min"`
	MaxIterations     int      `yaml:"max_iterations"`
	MaxFills          int      `yaml:"max_fills"`
	IntervalSeconds   int      `yaml:"interval_seconds"`
	OutputDir         string   `yaml:"output_dir"`

	DataMode       string `yaml:"data_mode"` // online | offline
	FixtureDir     string `yaml:"fixture_dir"`
	FixtureProfile string `yaml:"fixture_profile"`

	FillModel         string  `yaml:"fill_model"` // deterministic | probabilistic
	Seed              uint64  `yaml:"seed"`
	FillAlpha         float64 `yaml:"fill_alpha"`
	FillPMax          float64 `yaml:"fill_pmax"`
	FillBaseLiquidity float64 `yaml:"fill_base_liquidity"`
}

// APIConfig contiene los base URLs de las APIs y el timeout por request.
type APIConfig struct {
	CLOBBase       string `yaml:"clob_base"`
	GammaBase      string `yaml:"gamma_base"`
	DataBase       string `yaml:"data_base"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// StorageConfig controla dónde se persisten los datos.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // ruta al archivo SQLite, o ":memory:"
}

// HealthConfig controla el servidor de health y métricas.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// NotifyConfig controla el notificador de Telegram. Sin token solo se
// notifica por consola.
type NotifyConfig struct {
	TelegramToken  string `yaml:"telegram_token"`
	TelegramChatID string `yaml:"telegram_chat_id"`
	MaxRetries     int    `yaml:"max_retries"`
}

// CacheConfig controla la caché Redis de la lista de mercados.
type CacheConfig struct {
	RedisURL   string `yaml:"redis_url"` // vacío = sin caché
	TTLSeconds int    `yaml:"ttl_seconds"`
	Prefix     string `yaml:"prefix"`
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Defaults devuelve la configuración por defecto.
func Defaults() Config {
	return Config{
		Trader: TraderConfig{
			Budget:                10000,
			DryRun:                true,
			CheckIntervalSeconds:  30,
			RunTag:                "default",
			ReconciliationEpsilon: domain.DefaultEpsilon,
			GateMode:              string(domain.GateDryRun),
			StopFile:              "STOP",
		},
		Sizing: SizingConfig{MaxPositionPct: 0.15, MinPositionPct: 0.01, RebalancePct: 0.10},
		Risk:   RiskConfig{MaxDailyLossPct: 0.10, MaxTotalLossPct: 0.25, CooldownSeconds: 300},
		MarketMaking: MarketMakingConfig{
			TickSize:                0.01,
			KTicks:                  2,
			QuoteSizeUSD:            10,
			MaxSpreadPct:            domain.Ptr(0.05),
			SkewTicks:               1,
			MaxHoldSeconds:          14400,
			MaxExposureUSD:          5000,
			MaxPerMarketExposureUSD: 500,
			FeeBps:                  2,
			Bankroll:                10000,
			Markets:                 10,
			MaxRuntimeMinutes:       30,
			IntervalSeconds:         2,
			OutputDir:               "reports",
			DataMode:                "online",
			FixtureProfile:          "default",
			FillModel:               "deterministic",
			Seed:                    42,
			FillAlpha:               1.5,
			FillPMax:                0.20,
			FillBaseLiquidity:       0.10,
		},
		API: APIConfig{
			CLOBBase:       "https://clob.polymarket.com",
			GammaBase:      "https://gamma-api.polymarket.com",
			DataBase:       "https://data-api.polymarket.com",
			TimeoutSeconds: 10,
		},
		Storage: StorageConfig{DSN: "polycopy.db"},
		Health:  HealthConfig{Enabled: true, Addr: ":8080"},
		Notify:  NotifyConfig{MaxRetries: 3},
		Cache:   CacheConfig{TTLSeconds: 300, Prefix: "polycopy"},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// MergeFile superpone el YAML de path sobre base. Un archivo inexistente no
// es un error: devuelve base sin cambios.
func MergeFile(base Config, path string) (Config, error) {
	if path == "" {
		return base, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return base, nil
	}
	if err != nil {
		return base, fmt.Errorf("config.MergeFile: read %q: %w", path, err)
	}
	cfg := base
	// yaml reutiliza los punteros existentes: copiar para no tocar base.
	if base.MarketMaking.MaxSpreadPct != nil {
		cfg.MarketMaking.MaxSpreadPct = domain.Ptr(*base.MarketMaking.MaxSpreadPct)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return base, fmt.Errorf("config.MergeFile: parse YAML: %w", err)
	}
	return cfg, nil
}

type envSetter func(c *Config, v string) error

func str(dst func(*Config) *string) envSetter {
	return func(c *Config, v string) error { *dst(c) = v; return nil }
}

func float(dst func(*Config) *float64) envSetter {
	return func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*dst(c) = f
		return nil
	}
}

func integer(dst func(*Config) *int) envSetter {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

func boolean(dst func(*Config) *bool) envSetter {
	return func(c *Config, v string) error {
		switch strings.ToLower(v) {
		case "true", "1", "yes", "on":
			*dst(c) = true
		case "false", "0", "no", "off":
			*dst(c) = false
		default:
			return fmt.Errorf("invalid boolean %q", v)
		}
		return nil
	}
}

// envVars mapea cada variable (sin prefijo) al campo que sobreescribe.
var envVars = map[string]envSetter{
	"TARGET_WALLET":          str(func(c *Config) *string { return &c.Trader.TargetWallet }),
	"BUDGET":                 float(func(c *Config) *float64 { return &c.Trader.Budget }),
	"DRY_RUN":                boolean(func(c *Config) *bool { return &c.Trader.DryRun }),
	"CHECK_INTERVAL":         integer(func(c *Config) *int { return &c.Trader.CheckIntervalSeconds }),
	"RUN_TAG":                str(func(c *Config) *string { return &c.Trader.RunTag }),
	"RECONCILIATION_EPSILON": float(func(c *Config) *float64 { return &c.Trader.ReconciliationEpsilon }),
	"GATE_MODE":              str(func(c *Config) *string { return &c.Trader.GateMode }),
	"MAX_POSITION_PCT":       float(func(c *Config) *float64 { return &c.Sizing.MaxPositionPct }),
	"MIN_POSITION_PCT":       float(func(c *Config) *float64 { return &c.Sizing.MinPositionPct }),
	"MAX_DAILY_LOSS_PCT":     float(func(c *Config) *float64 { return &c.Risk.MaxDailyLossPct }),
	"MAX_TOTAL_LOSS_PCT":     float(func(c *Config) *float64 { return &c.Risk.MaxTotalLossPct }),
	"DB_PATH":                str(func(c *Config) *string { return &c.Storage.DSN }),
	"DATA_MODE":              str(func(c *Config) *string { return &c.MarketMaking.DataMode }),
	"FIXTURE_DIR":            str(func(c *Config) *string { return &c.MarketMaking.FixtureDir }),
	"HEALTH_ADDR":            str(func(c *Config) *string { return &c.Health.Addr }),
	"HEALTH_ENABLED":         boolean(func(c *Config) *bool { return &c.Health.Enabled }),
	"TELEGRAM_TOKEN":         str(func(c *Config) *string { return &c.Notify.TelegramToken }),
	"TELEGRAM_CHAT_ID":       str(func(c *Config) *string { return &c.Notify.TelegramChatID }),
	"REDIS_URL":              str(func(c *Config) *string { return &c.Cache.RedisURL }),
	"LOG_LEVEL":              str(func(c *Config) *string { return &c.Log.Level }),
	"LOG_FORMAT":             str(func(c *Config) *string { return &c.Log.Format }),
}

// MergeEnv aplica las variables POLYCOPY_* que devuelva lookup sobre base.
// Un valor que no parsea es un error.
func MergeEnv(base Config, lookup func(string) (string, bool)) (Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	cfg := base
	for key, set := range envVars {
		v, ok := lookup(EnvPrefix + key)
		if !ok || v == "" {
			continue
		}
		if err := set(&cfg, strings.TrimSpace(v)); err != nil {
			return base, fmt.Errorf("config.MergeEnv: %s%s: %w", EnvPrefix, key, err)
		}
	}
	return cfg, nil
}

// Load carga .env si existe y aplica defaults, YAML y entorno en ese orden.
func Load(path string) (Config, error) {
	// Cargar .env si existe (silencia error si no hay archivo)
	_ = godotenv.Load()

	cfg, err := MergeFile(Defaults(), path)
	if err != nil {
		return cfg, fmt.Errorf("config.Load: %w", err)
	}
	cfg, err = MergeEnv(cfg, os.LookupEnv)
	if err != nil {
		return cfg, fmt.Errorf("config.Load: %w", err)
	}
	return cfg, nil
}

// Validate comprueba los valores que el resto del programa asume correctos.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if c.Trader.Budget <= 0 {
		add("trader.budget must be > 0, got %v", c.Trader.Budget)
	}
	if c.Trader.CheckIntervalSeconds <= 0 {
		add("trader.check_interval_seconds must be > 0, got %d", c.Trader.CheckIntervalSeconds)
	}
	if c.Trader.ReconciliationEpsilon <= 0 {
		add("trader.reconciliation_epsilon must be > 0, got %v", c.Trader.ReconciliationEpsilon)
	}
	if _, err := domain.ParseGateMode(c.Trader.GateMode); err != nil {
		add("trader.gate_mode: %w", err)
	}

	mm := c.MarketMaking
	if mm.TickSize <= 0 || mm.TickSize >= 1 {
		add("market_making.tick_size must be in (0, 1), got %v", mm.TickSize)
	}
	if mm.KTicks <= 0 {
		add("market_making.k_ticks must be > 0, got %v", mm.KTicks)
	}
	if mm.QuoteSizeUSD <= 0 {
		add("market_making.quote_size_usd must be > 0, got %v", mm.QuoteSizeUSD)
	}
	if mm.MaxSpreadPct != nil && *mm.MaxSpreadPct <= 0 {
		add("market_making.max_spread_pct must be > 0 or null, got %v", *mm.MaxSpreadPct)
	}
	if mm.MaxExposureUSD <= 0 || mm.MaxPerMarketExposureUSD <= 0 {
		add("market_making exposure limits must be > 0")
	}
	if mm.FeeBps < 0 {
		add("market_making.fee_bps must be >= 0, got %v", mm.FeeBps)
	}
	if mm.Bankroll <= 0 {
		add("market_making.bankroll must be > 0, got %v", mm.Bankroll)
	}
	switch mm.DataMode {
	case "online":
	case "offline":
		if mm.FixtureDir == "" {
			add("market_making.fixture_dir is required in offline mode")
		}
	default:
		add("market_making.data_mode must be online or offline, got %q", mm.DataMode)
	}
	switch mm.FillModel {
	case "deterministic", "probabilistic":
	default:
		add("market_making.fill_model must be deterministic or probabilistic, got %q", mm.FillModel)
	}

	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		add("notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config.Validate: %w", errors.Join(errs...))
	}
	return nil
}

// ValidateTarget exige una wallet objetivo válida. Solo la necesita `copy`.
func (c Config) ValidateTarget() error {
	if c.Trader.TargetWallet == "" {
		return fmt.Errorf("config.ValidateTarget: trader.target_wallet is required")
	}
	if err := domain.ValidateWallet(c.Trader.TargetWallet); err != nil {
		return fmt.Errorf("config.ValidateTarget: %w", err)
	}
	return nil
}

// CheckInterval devuelve el intervalo del loop de copy trading.
func (c Config) CheckInterval() time.Duration {
	return time.Duration(c.Trader.CheckIntervalSeconds) * time.Second
}

// Cooldown devuelve el cooldown tras una pérdida.
func (c Config) Cooldown() time.Duration {
	return time.Duration(c.Risk.CooldownSeconds) * time.Second
}

// MaxHold devuelve el tiempo máximo de tenencia de market making (0 = sin límite).
func (c Config) MaxHold() time.Duration {
	return time.Duration(c.MarketMaking.MaxHoldSeconds) * time.Second
}

// CacheTTL devuelve el TTL de la caché de mercados.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}
