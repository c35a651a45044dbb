// Package config defines all configuration for the trading service.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via UPBIT_* environment variables. An
// optional .env file is loaded first so local runs behave like deploys.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"upbit-trader/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	PaperMode bool            `mapstructure:"paper_mode"`
	Timezone  string          `mapstructure:"timezone"` // wall-clock decisions (default Asia/Seoul)
	API       APIConfig       `mapstructure:"api"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Strategy  StrategyConfig  `mapstructure:"strategy"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Universe  UniverseConfig  `mapstructure:"universe"`
	AI        AIConfig        `mapstructure:"ai"`
	Store     StoreConfig     `mapstructure:"store"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Recovery  RecoveryConfig  `mapstructure:"recovery"`
}

// APIConfig holds exchange endpoints, credentials, and transport tuning.
type APIConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	WSURL          string        `mapstructure:"ws_url"`
	AccessKey      string        `mapstructure:"access_key"`
	SecretKey      string        `mapstructure:"secret_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	PublicRPS      int           `mapstructure:"public_rps"`  // per-second sliding window cap
	PrivateRPS     int           `mapstructure:"private_rps"` // per-second sliding window cap
}

// TradingConfig drives the execution scheduler.
type TradingConfig struct {
	Symbols                   []string      `mapstructure:"symbols"`
	OrderAmountKRW            float64       `mapstructure:"order_amount_krw"`
	WindowSec                 int           `mapstructure:"window_sec"`
	CooldownSec               int           `mapstructure:"cooldown_sec"`
	RestartDelay              time.Duration `mapstructure:"restart_delay"`
	HeartbeatWindows          int           `mapstructure:"heartbeat_windows"` // log "completed" every N quiet windows
	MaxSymbolsPerWindow       int           `mapstructure:"max_symbols_per_window"`
	MaxOrderAttemptsPerWindow int           `mapstructure:"max_order_attempts_per_window"`
}

// StrategyConfig tunes the signal engine defaults. The AI settings file can
// override these inside the documented safe ranges.
type StrategyConfig struct {
	Name                     string  `mapstructure:"name"`            // risk_managed_momentum | breakout
	CandleInterval           string  `mapstructure:"candle_interval"` // from the closed interval set
	MomentumLookback         int     `mapstructure:"momentum_lookback"`
	VolatilityLookback       int     `mapstructure:"volatility_lookback"`
	MomentumEntryBps         float64 `mapstructure:"momentum_entry_bps"`
	MomentumExitBps          float64 `mapstructure:"momentum_exit_bps"`
	TargetVolatilityPct      float64 `mapstructure:"target_volatility_pct"`
	RiskManagedMinMultiplier float64 `mapstructure:"risk_managed_min_multiplier"`
	RiskManagedMaxMultiplier float64 `mapstructure:"risk_managed_max_multiplier"`
	BreakoutLookback         int     `mapstructure:"breakout_lookback"`
	BreakoutBufferBps        float64 `mapstructure:"breakout_buffer_bps"`
}

// RiskConfig sets the deterministic pre-trade limits.
//
//   - MaxConcurrentOrders: open-state order cap.
//   - Min/MaxOrderNotionalKRW: notional band per order.
//   - OrderAmountMinKRW/OrderAmountMaxKRW: safe range for AI-steered order amounts.
//   - DailyLossLimitKRW: realized-loss cutoff for the trading day.
//   - AI*: hard caps applied only when the evaluation context is AI-selected.
type RiskConfig struct {
	MaxConcurrentOrders    int     `mapstructure:"max_concurrent_orders"`
	MinOrderNotionalKRW    float64 `mapstructure:"min_order_notional_krw"`
	MaxOrderNotionalKRW    float64 `mapstructure:"max_order_notional_krw"`
	OrderAmountMinKRW      float64 `mapstructure:"order_amount_min_krw"`
	OrderAmountMaxKRW      float64 `mapstructure:"order_amount_max_krw"`
	DailyLossLimitKRW      float64 `mapstructure:"daily_loss_limit_krw"`
	SymbolMinNotionalKRW   map[string]float64 `mapstructure:"symbol_min_notional_krw"`
	AIMaxOrderNotionalKRW  float64 `mapstructure:"ai_max_order_notional_krw"`
	AIMaxOrdersPerWindow   int     `mapstructure:"ai_max_orders_per_window"`
	AIOrderCountWindowSec  int     `mapstructure:"ai_order_count_window_sec"`
	AIMaxTotalExposureKRW  float64 `mapstructure:"ai_max_total_exposure_krw"`
	UnknownSubmitMaxAgeSec int     `mapstructure:"unknown_submit_max_age_sec"`
}

// UniverseConfig controls the market-universe curator.
type UniverseConfig struct {
	Quote               string   `mapstructure:"quote"` // "KRW"
	IncludeSymbols      []string `mapstructure:"include_symbols"`
	MinAccTradeValue24h float64  `mapstructure:"min_acc_trade_value_24h"`
	MinBaseLen          int      `mapstructure:"min_base_len"`
	MaxSymbols          int      `mapstructure:"max_symbols"`
	RefreshSec          int      `mapstructure:"refresh_sec"`
	SnapshotPath        string   `mapstructure:"snapshot_path"`
}

// AIConfig points at the operator-written settings and overlay files.
type AIConfig struct {
	SettingsPath  string `mapstructure:"settings_path"`
	OverlayPath   string `mapstructure:"overlay_path"`
	RefreshMinSec int    `mapstructure:"refresh_min_sec"`
	RefreshMaxSec int    `mapstructure:"refresh_max_sec"`
}

// StoreConfig sets where and how the state document is persisted.
type StoreConfig struct {
	Path            string        `mapstructure:"path"`
	LockStaleAfter  time.Duration `mapstructure:"lock_stale_after"`
	KeepLatest      bool          `mapstructure:"keep_latest"`
	Retention       RetentionConfig `mapstructure:"retention"`
}

// RetentionConfig caps each state array when keep_latest pruning is on.
// Open orders are always preserved regardless of the closed-orders cap.
type RetentionConfig struct {
	ClosedOrders      int `mapstructure:"closed_orders"`
	OrderEvents       int `mapstructure:"order_events"`
	Fills             int `mapstructure:"fills"`
	StrategyRuns      int `mapstructure:"strategy_runs"`
	BalancesSnapshots int `mapstructure:"balances_snapshots"`
	RiskEvents        int `mapstructure:"risk_events"`
	SystemHealth      int `mapstructure:"system_health"`
	AgentAudit        int `mapstructure:"agent_audit"`
}

// AuditConfig controls the HTTP request audit log.
type AuditConfig struct {
	Path       string  `mapstructure:"path"`
	MaxBytes   int64   `mapstructure:"max_bytes"`
	PruneRatio float64 `mapstructure:"prune_ratio"` // fraction of oldest lines dropped on rotation
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RecoveryConfig tunes the auto-recovery wrapper around direct placement.
type RecoveryConfig struct {
	MaxRetries             int           `mapstructure:"max_retries"`
	RetryDelay             time.Duration `mapstructure:"retry_delay"`
	FailureWindow          time.Duration `mapstructure:"failure_window"`
	FailuresForKillSwitch  int           `mapstructure:"failures_for_kill_switch"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: UPBIT_ACCESS_KEY, UPBIT_SECRET_KEY.
func Load(path string) (*Config, error) {
	// Best effort; absence of a .env file is normal.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("UPBIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("UPBIT_ACCESS_KEY"); key != "" {
		cfg.API.AccessKey = key
	}
	if secret := os.Getenv("UPBIT_SECRET_KEY"); secret != "" {
		cfg.API.SecretKey = secret
	}
	if os.Getenv("UPBIT_PAPER_MODE") == "true" || os.Getenv("UPBIT_PAPER_MODE") == "1" {
		cfg.PaperMode = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("timezone", "Asia/Seoul")
	v.SetDefault("api.base_url", "https://api.upbit.com")
	v.SetDefault("api.ws_url", "wss://api.upbit.com/websocket/v1")
	v.SetDefault("api.request_timeout", "10s")
	v.SetDefault("api.max_attempts", 3)
	v.SetDefault("api.retry_base_delay", "500ms")
	v.SetDefault("api.public_rps", 150)
	v.SetDefault("api.private_rps", 140)
	v.SetDefault("trading.restart_delay", "5s")
	v.SetDefault("trading.heartbeat_windows", 12)
	v.SetDefault("trading.max_symbols_per_window", 3)
	v.SetDefault("trading.max_order_attempts_per_window", 1)
	v.SetDefault("strategy.name", "risk_managed_momentum")
	v.SetDefault("strategy.candle_interval", "15m")
	v.SetDefault("strategy.momentum_lookback", 24)
	v.SetDefault("strategy.volatility_lookback", 72)
	v.SetDefault("strategy.momentum_entry_bps", 12.0)
	v.SetDefault("strategy.momentum_exit_bps", 8.0)
	v.SetDefault("strategy.target_volatility_pct", 0.6)
	v.SetDefault("strategy.risk_managed_min_multiplier", 0.6)
	v.SetDefault("strategy.risk_managed_max_multiplier", 2.2)
	v.SetDefault("strategy.breakout_lookback", 20)
	v.SetDefault("strategy.breakout_buffer_bps", 10.0)
	v.SetDefault("risk.ai_order_count_window_sec", 3600)
	v.SetDefault("risk.unknown_submit_max_age_sec", 900)
	v.SetDefault("universe.quote", "KRW")
	v.SetDefault("universe.min_base_len", 2)
	v.SetDefault("universe.refresh_sec", 600)
	v.SetDefault("ai.refresh_min_sec", 1800)
	v.SetDefault("ai.refresh_max_sec", 3600)
	v.SetDefault("store.lock_stale_after", "30s")
	v.SetDefault("audit.prune_ratio", 0.5)
	v.SetDefault("recovery.max_retries", 2)
	v.SetDefault("recovery.retry_delay", "2s")
	v.SetDefault("recovery.failure_window", "10m")
	v.SetDefault("recovery.failures_for_kill_switch", 5)
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if !c.PaperMode && (c.API.AccessKey == "" || c.API.SecretKey == "") {
		return fmt.Errorf("api.access_key and api.secret_key are required in live mode (set UPBIT_ACCESS_KEY / UPBIT_SECRET_KEY)")
	}
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if len(c.Trading.Symbols) == 0 {
		return fmt.Errorf("trading.symbols must list at least one symbol")
	}
	for _, raw := range c.Trading.Symbols {
		if _, err := types.NormalizeSymbol(raw); err != nil {
			return fmt.Errorf("trading.symbols: %w", err)
		}
	}
	if c.Trading.OrderAmountKRW <= 0 {
		return fmt.Errorf("trading.order_amount_krw must be > 0")
	}
	if c.Trading.WindowSec <= 0 {
		return fmt.Errorf("trading.window_sec must be > 0")
	}
	if _, err := types.ParseInterval(c.Strategy.CandleInterval); err != nil {
		return fmt.Errorf("strategy.candle_interval: %w", err)
	}
	switch c.Strategy.Name {
	case "risk_managed_momentum", "breakout":
	default:
		return fmt.Errorf("strategy.name must be risk_managed_momentum or breakout")
	}
	if c.Strategy.VolatilityLookback <= c.Strategy.MomentumLookback {
		return fmt.Errorf("strategy.volatility_lookback must exceed strategy.momentum_lookback")
	}
	if c.Risk.MaxConcurrentOrders <= 0 {
		return fmt.Errorf("risk.max_concurrent_orders must be > 0")
	}
	if c.Risk.MinOrderNotionalKRW <= 0 {
		return fmt.Errorf("risk.min_order_notional_krw must be > 0")
	}
	if c.Risk.MaxOrderNotionalKRW < c.Risk.MinOrderNotionalKRW {
		return fmt.Errorf("risk.max_order_notional_krw must be ≥ risk.min_order_notional_krw")
	}
	if c.Risk.OrderAmountMinKRW <= 0 {
		return fmt.Errorf("risk.order_amount_min_krw must be > 0")
	}
	if c.Risk.OrderAmountMaxKRW < c.Risk.OrderAmountMinKRW {
		return fmt.Errorf("risk.order_amount_max_krw must be ≥ risk.order_amount_min_krw")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.AI.SettingsPath == "" {
		return fmt.Errorf("ai.settings_path is required")
	}
	if c.AI.RefreshMinSec <= 0 || c.AI.RefreshMaxSec < c.AI.RefreshMinSec {
		return fmt.Errorf("ai.refresh_min_sec/refresh_max_sec must satisfy 0 < min ≤ max")
	}
	if c.Audit.PruneRatio <= 0 || c.Audit.PruneRatio >= 1 {
		return fmt.Errorf("audit.prune_ratio must be in (0, 1)")
	}
	return nil
}

// Location resolves the configured timezone, defaulting to Asia/Seoul.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		loc, _ = time.LoadLocation("Asia/Seoul")
	}
	return loc
}
