// Package config provides configuration management for the trading engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all engine configuration.
type Config struct {
	Trading    TradingConfig   `mapstructure:"trading"`
	Session    SessionConfig   `mapstructure:"session"`
	Risk       RiskConfig      `mapstructure:"risk"`
	Vix        VixConfig       `mapstructure:"vix"`
	Sizing     SizingConfig    `mapstructure:"sizing"`
	Orders     OrdersConfig    `mapstructure:"orders"`
	Limits     LimitsConfig    `mapstructure:"limits"`
	Strategy   StrategyConfig  `mapstructure:"strategy"`
	Data       DataConfig      `mapstructure:"data"`
	RateLimits RateLimitConfig `mapstructure:"rate_limits"`
	WebSocket  WebSocketConfig `mapstructure:"websocket"`
	Notify     NotifyConfig    `mapstructure:"notify"`
	Logging    LoggingConfig   `mapstructure:"logging"`

	Credentials Credentials `mapstructure:"-"` // Loaded separately
}

// TradingConfig holds top-level trading parameters.
type TradingConfig struct {
	Mode             string  `mapstructure:"mode"` // "live", "paper"
	Capital          float64 `mapstructure:"capital"`
	Underlying       string  `mapstructure:"underlying"`
	Exchange         string  `mapstructure:"exchange"`
	CycleIntervalSec int     `mapstructure:"cycle_interval_sec"`
	PaperSlippageBps float64 `mapstructure:"paper_slippage_bps"`
	PaperAutoFill    bool    `mapstructure:"paper_auto_fill"`
}

// SessionConfig holds local-time session gates ("HH:MM").
type SessionConfig struct {
	EntryWindowStart string `mapstructure:"entry_window_start"`
	EntryWindowEnd   string `mapstructure:"entry_window_end"`
	EODExitTime      string `mapstructure:"eod_exit_time"`
	MarketCloseTime  string `mapstructure:"market_close_time"`
	BarReadyGraceSec int    `mapstructure:"bar_ready_grace_sec"`
	HolidayFile      string `mapstructure:"holiday_file"`
}

// RiskConfig holds position exit parameters and risk caps.
type RiskConfig struct {
	OptionStopLossPct    float64 `mapstructure:"option_stop_loss_pct"`
	TrailActivatePnlPct  float64 `mapstructure:"trail_activate_pnl_pct"`
	TrailGapPct          float64 `mapstructure:"trail_gap_pct"`
	UseTrailingStop      bool    `mapstructure:"use_trailing_stop"`
	MaxPositions         int     `mapstructure:"max_positions"`
	DailyLossLimitPct    float64 `mapstructure:"daily_loss_limit_pct"`
	ConsecutiveLossLimit int     `mapstructure:"consecutive_loss_limit"`
}

// VixConfig holds the VIX gates. SpikeThreshold must exceed ResumeThreshold
// so the circuit breaker has hysteresis.
type VixConfig struct {
	Threshold       float64 `mapstructure:"threshold"`
	SpikeThreshold  float64 `mapstructure:"spike_threshold"`
	ResumeThreshold float64 `mapstructure:"resume_threshold"`
}

// VixMultipliers are the piecewise-linear sizing anchors.
type VixMultipliers struct {
	Vix12OrBelow float64 `mapstructure:"vix_12_or_below"`
	Vix20        float64 `mapstructure:"vix_20"`
	Vix30        float64 `mapstructure:"vix_30"`
	Vix30OrAbove float64 `mapstructure:"vix_30_or_above"`
}

// DteMultipliers are the days-to-expiry sizing steps.
type DteMultipliers struct {
	Gte5Days  float64 `mapstructure:"gte_5_days"`
	Days2To4  float64 `mapstructure:"days_2_to_4"`
	Day1      float64 `mapstructure:"day_1"`
}

// SizingConfig holds position sizing parameters.
type SizingConfig struct {
	BasePositionSizePct float64        `mapstructure:"base_position_size_pct"`
	VixMult             VixMultipliers `mapstructure:"vix_mult"`
	DteMult             DteMultipliers `mapstructure:"dte_mult"`
}

// OrdersConfig holds the order retry ladder.
type OrdersConfig struct {
	RetryStepsPct   []float64 `mapstructure:"retry_steps_pct"`
	MaxRetries      int       `mapstructure:"max_retries"`
	RetryBackoffSec []int     `mapstructure:"retry_backoffs_sec"`
	RetryCapSec     int       `mapstructure:"retry_cap_sec"`
}

// LimitsConfig holds exchange validation limits.
type LimitsConfig struct {
	FreezeQuantity map[string]int `mapstructure:"freeze_quantity"`
	LotSize        map[string]int `mapstructure:"lot_size"`
	TickSize       float64        `mapstructure:"tick_size"`
	PriceBandPct   float64        `mapstructure:"price_band_pct"`
}

// StrategyConfig holds the ADX strategy parameters.
type StrategyConfig struct {
	DailyADXPeriod     int      `mapstructure:"daily_adx_period"`
	DailyADXThreshold  float64  `mapstructure:"daily_adx_threshold"`
	HourlyADXPeriod    int      `mapstructure:"hourly_adx_period"`
	HourlyADXThreshold float64  `mapstructure:"hourly_adx_threshold"`
	RSIPeriod          int      `mapstructure:"rsi_period"`
	RSIOversold        float64  `mapstructure:"rsi_oversold"`
	RSIOverbought      float64  `mapstructure:"rsi_overbought"`
	EMAPeriod          int      `mapstructure:"ema_period"`
	StrikeIncrement    int      `mapstructure:"strike_increment"`
	BiasUnderlyings    []string `mapstructure:"bias_underlyings"`
}

// DataConfig holds bar store, tick buffer, and gap recovery parameters.
type DataConfig struct {
	Dir                 string `mapstructure:"dir"`
	BarMemoryBars       int    `mapstructure:"bar_memory_bars"`
	TickBufferSize      int    `mapstructure:"tick_buffer_size"`
	GapThresholdSec     int    `mapstructure:"gap_threshold_sec"`
	GapCheckIntervalSec int    `mapstructure:"gap_check_interval_sec"`
	RecoveryTimeoutSec  int    `mapstructure:"recovery_timeout_sec"`
	HistoricalDays      int    `mapstructure:"historical_days"`
}

// RateLimitConfig holds per-class broker request rates (requests/second).
type RateLimitConfig struct {
	Orders     int `mapstructure:"orders"`
	MarketData int `mapstructure:"market_data"`
	Historical int `mapstructure:"historical"`
}

// WebSocketConfig holds ticker connection parameters.
type WebSocketConfig struct {
	PingIntervalSec        int   `mapstructure:"ping_interval_sec"`
	ReconnectBackoffSec    []int `mapstructure:"reconnect_backoffs_sec"`
	MaxReconnectsPerMinute int   `mapstructure:"max_reconnects_per_minute"`
}

// NotifyConfig controls operator notifications.
type NotifyConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Level      string `mapstructure:"level"` // all, trades_only, errors_only
	Bell       bool   `mapstructure:"bell"`
	WebhookURL string `mapstructure:"webhook_url"`
}

// LoggingConfig holds log output parameters.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Console    bool   `mapstructure:"console"`
	File       bool   `mapstructure:"file"`
	FilePath   string `mapstructure:"file_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Credentials holds broker API credentials, loaded from a separate file and
// never logged.
type Credentials struct {
	Kite KiteCredentials `mapstructure:"kite"`
}

// KiteCredentials holds Zerodha Kite Connect credentials. TOTPSecret
// enables headless re-login; without it the auth command runs the
// request-token exchange flow.
type KiteCredentials struct {
	APIKey     string `mapstructure:"api_key"`
	APISecret  string `mapstructure:"api_secret"`
	UserID     string `mapstructure:"user_id"`
	Password   string `mapstructure:"password"`
	TOTPSecret string `mapstructure:"totp_secret"`
	TokenFile  string `mapstructure:"token_file"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/adxtrader"
	}
	return filepath.Join(home, ".config", "adxtrader")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	cfg := &Config{}

	if err := loadConfigFile(configDir, cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	if err := loadCredentials(configDir, &cfg.Credentials); err != nil {
		return nil, fmt.Errorf("loading credentials.toml: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func loadConfigFile(configDir string, target *Config) error {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v, configDir)

	v.SetEnvPrefix("ADXTRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return createTemplateConfig(configDir)
		}
		return err
	}

	return v.Unmarshal(target)
}

func setDefaults(v *viper.Viper, configDir string) {
	v.SetDefault("trading.mode", "paper")
	v.SetDefault("trading.capital", 500000.0)
	v.SetDefault("trading.underlying", "NIFTY")
	v.SetDefault("trading.exchange", "NFO")
	v.SetDefault("trading.cycle_interval_sec", 60)
	v.SetDefault("trading.paper_slippage_bps", 5.0)
	v.SetDefault("trading.paper_auto_fill", true)

	v.SetDefault("session.entry_window_start", "09:30")
	v.SetDefault("session.entry_window_end", "14:30")
	v.SetDefault("session.eod_exit_time", "15:15")
	v.SetDefault("session.market_close_time", "15:30")
	v.SetDefault("session.bar_ready_grace_sec", 10)

	v.SetDefault("risk.option_stop_loss_pct", 0.30)
	v.SetDefault("risk.trail_activate_pnl_pct", 10.0)
	v.SetDefault("risk.trail_gap_pct", 0.05)
	v.SetDefault("risk.use_trailing_stop", true)
	v.SetDefault("risk.max_positions", 2)
	v.SetDefault("risk.daily_loss_limit_pct", 2.0)
	v.SetDefault("risk.consecutive_loss_limit", 3)

	v.SetDefault("vix.threshold", 22.0)
	v.SetDefault("vix.spike_threshold", 25.0)
	v.SetDefault("vix.resume_threshold", 20.0)

	v.SetDefault("sizing.base_position_size_pct", 5.0)
	v.SetDefault("sizing.vix_mult.vix_12_or_below", 1.0)
	v.SetDefault("sizing.vix_mult.vix_20", 0.8)
	v.SetDefault("sizing.vix_mult.vix_30", 0.5)
	v.SetDefault("sizing.vix_mult.vix_30_or_above", 0.3)
	v.SetDefault("sizing.dte_mult.gte_5_days", 1.0)
	v.SetDefault("sizing.dte_mult.days_2_to_4", 0.8)
	v.SetDefault("sizing.dte_mult.day_1", 0.5)

	v.SetDefault("orders.retry_steps_pct", []float64{0.5, 1.0, 1.5})
	v.SetDefault("orders.max_retries", 3)
	v.SetDefault("orders.retry_backoffs_sec", []int{1, 2, 4})
	v.SetDefault("orders.retry_cap_sec", 10)

	v.SetDefault("limits.freeze_quantity", map[string]int{
		"NIFTY": 1800, "BANKNIFTY": 900, "FINNIFTY": 1800,
	})
	v.SetDefault("limits.lot_size", map[string]int{
		"NIFTY": 75, "BANKNIFTY": 35, "FINNIFTY": 65,
	})
	v.SetDefault("limits.tick_size", 0.05)
	v.SetDefault("limits.price_band_pct", 20.0)

	v.SetDefault("strategy.daily_adx_period", 14)
	v.SetDefault("strategy.daily_adx_threshold", 20.0)
	v.SetDefault("strategy.hourly_adx_period", 14)
	v.SetDefault("strategy.hourly_adx_threshold", 20.0)
	v.SetDefault("strategy.rsi_period", 14)
	v.SetDefault("strategy.rsi_oversold", 30.0)
	v.SetDefault("strategy.rsi_overbought", 70.0)
	v.SetDefault("strategy.ema_period", 21)
	v.SetDefault("strategy.strike_increment", 50)

	v.SetDefault("data.dir", filepath.Join(configDir, "data"))
	v.SetDefault("data.bar_memory_bars", 200)
	v.SetDefault("data.tick_buffer_size", 1000)
	v.SetDefault("data.gap_threshold_sec", 120)
	v.SetDefault("data.gap_check_interval_sec", 30)
	v.SetDefault("data.recovery_timeout_sec", 300)
	v.SetDefault("data.historical_days", 90)

	v.SetDefault("rate_limits.orders", 5)
	v.SetDefault("rate_limits.market_data", 3)
	v.SetDefault("rate_limits.historical", 2)

	v.SetDefault("websocket.ping_interval_sec", 30)
	v.SetDefault("websocket.reconnect_backoffs_sec", []int{1, 2, 5, 10, 30})
	v.SetDefault("websocket.max_reconnects_per_minute", 6)

	v.SetDefault("notify.enabled", true)
	v.SetDefault("notify.level", "all")
	v.SetDefault("notify.bell", true)
	v.SetDefault("notify.webhook_url", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.file", true)
	v.SetDefault("logging.file_path", filepath.Join(configDir, "logs", "adxtrader.log"))
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 7)
	v.SetDefault("logging.max_age_days", 30)
}

func loadCredentials(configDir string, creds *Credentials) error {
	v := viper.New()
	v.SetConfigName("credentials")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	v.SetDefault("kite.token_file", filepath.Join(configDir, "tokens.json"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return createTemplateCredentials(configDir)
		}
		return err
	}

	return v.Unmarshal(creds)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KITE_API_KEY"); v != "" {
		cfg.Credentials.Kite.APIKey = v
	}
	if v := os.Getenv("KITE_API_SECRET"); v != "" {
		cfg.Credentials.Kite.APISecret = v
	}
	if v := os.Getenv("KITE_USER_ID"); v != "" {
		cfg.Credentials.Kite.UserID = v
	}
	if v := os.Getenv("KITE_PASSWORD"); v != "" {
		cfg.Credentials.Kite.Password = v
	}
	if v := os.Getenv("KITE_TOTP_SECRET"); v != "" {
		cfg.Credentials.Kite.TOTPSecret = v
	}
	if v := os.Getenv("TRADING_MODE"); v != "" {
		cfg.Trading.Mode = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Trading.Mode != "live" && c.Trading.Mode != "paper" {
		return fmt.Errorf("invalid trading mode: %s (must be 'live' or 'paper')", c.Trading.Mode)
	}
	if c.Trading.Capital <= 0 {
		return fmt.Errorf("capital must be positive")
	}
	if c.Trading.Underlying == "" {
		return fmt.Errorf("underlying must not be empty")
	}
	if c.Trading.CycleIntervalSec < 1 {
		return fmt.Errorf("cycle_interval_sec must be >= 1")
	}

	for _, field := range []struct{ name, value string }{
		{"entry_window_start", c.Session.EntryWindowStart},
		{"entry_window_end", c.Session.EntryWindowEnd},
		{"eod_exit_time", c.Session.EODExitTime},
		{"market_close_time", c.Session.MarketCloseTime},
	} {
		if field.value == "" {
			return fmt.Errorf("%s must not be empty", field.name)
		}
		if _, err := time.Parse("15:04", field.value); err != nil {
			return fmt.Errorf("%s: invalid HH:MM value %q", field.name, field.value)
		}
	}

	if c.Risk.OptionStopLossPct <= 0 || c.Risk.OptionStopLossPct > 1 {
		return fmt.Errorf("option_stop_loss_pct must be in (0, 1], got %v", c.Risk.OptionStopLossPct)
	}
	if c.Risk.TrailGapPct <= 0 || c.Risk.TrailGapPct >= 1 {
		return fmt.Errorf("trail_gap_pct must be in (0, 1), got %v", c.Risk.TrailGapPct)
	}
	if c.Risk.DailyLossLimitPct <= 0 {
		return fmt.Errorf("daily_loss_limit_pct must be positive, got %v", c.Risk.DailyLossLimitPct)
	}
	if c.Risk.MaxPositions < 1 {
		return fmt.Errorf("max_positions must be >= 1")
	}
	if c.Risk.ConsecutiveLossLimit < 1 {
		return fmt.Errorf("consecutive_loss_limit must be >= 1")
	}

	// Hysteresis: the breaker must not toggle between resume and spike.
	if c.Vix.SpikeThreshold <= c.Vix.ResumeThreshold {
		return fmt.Errorf("vix spike_threshold (%v) must be > resume_threshold (%v)",
			c.Vix.SpikeThreshold, c.Vix.ResumeThreshold)
	}

	if c.Sizing.BasePositionSizePct <= 0 || c.Sizing.BasePositionSizePct > 100 {
		return fmt.Errorf("base_position_size_pct must be in (0, 100], got %v", c.Sizing.BasePositionSizePct)
	}

	if c.Orders.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0")
	}
	if len(c.Orders.RetryStepsPct) < c.Orders.MaxRetries {
		return fmt.Errorf("retry_steps_pct has %d entries, need %d",
			len(c.Orders.RetryStepsPct), c.Orders.MaxRetries)
	}
	if len(c.Orders.RetryBackoffSec) < c.Orders.MaxRetries {
		return fmt.Errorf("retry_backoffs_sec has %d entries, need %d",
			len(c.Orders.RetryBackoffSec), c.Orders.MaxRetries)
	}

	for name, lot := range c.Limits.LotSize {
		if lot <= 0 {
			return fmt.Errorf("lot_size.%s must be positive", name)
		}
	}
	for name, qty := range c.Limits.FreezeQuantity {
		if qty <= 0 {
			return fmt.Errorf("freeze_quantity.%s must be positive", name)
		}
	}
	if c.Limits.TickSize <= 0 {
		return fmt.Errorf("tick_size must be positive")
	}
	if c.Limits.PriceBandPct <= 0 {
		return fmt.Errorf("price_band_pct must be positive")
	}

	if c.Strategy.DailyADXPeriod < 2 || c.Strategy.HourlyADXPeriod < 2 {
		return fmt.Errorf("ADX periods must be >= 2")
	}
	if c.Strategy.RSIPeriod < 2 {
		return fmt.Errorf("rsi_period must be >= 2")
	}
	if c.Strategy.EMAPeriod < 1 {
		return fmt.Errorf("ema_period must be >= 1")
	}
	if c.Strategy.StrikeIncrement <= 0 {
		return fmt.Errorf("strike_increment must be positive")
	}

	if c.Data.BarMemoryBars < 1 {
		return fmt.Errorf("bar_memory_bars must be >= 1")
	}
	if c.Data.TickBufferSize < 1 {
		return fmt.Errorf("tick_buffer_size must be >= 1")
	}

	return nil
}

// IsPaperMode returns true if paper trading mode is enabled.
func (c *Config) IsPaperMode() bool {
	return c.Trading.Mode == "paper"
}

// LotSizeFor returns the configured lot size for an underlying, or 0 when
// unknown.
func (c *Config) LotSizeFor(underlying string) int {
	return c.Limits.LotSize[strings.ToUpper(underlying)]
}

// FreezeQuantityFor returns the configured freeze quantity for an
// underlying, or 0 when unknown.
func (c *Config) FreezeQuantityFor(underlying string) int {
	return c.Limits.FreezeQuantity[strings.ToUpper(underlying)]
}
