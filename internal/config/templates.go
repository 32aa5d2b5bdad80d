package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# ADX Trader Configuration

[trading]
# Trading mode: "live" or "paper"
mode = "paper"
# Account capital in INR, used for sizing and the daily loss limit
capital = 500000.0
# Underlying index to trade
underlying = "NIFTY"
# Derivatives exchange segment
exchange = "NFO"
# Orchestrator cycle interval in seconds
cycle_interval_sec = 60
# Paper fill slippage in basis points
paper_slippage_bps = 5.0
# Fill paper orders immediately
paper_auto_fill = true

[session]
# Local-time (IST) gates, HH:MM
entry_window_start = "09:30"
entry_window_end = "14:30"
eod_exit_time = "15:15"
market_close_time = "15:30"
# Grace period after an hourly boundary before analysis runs
bar_ready_grace_sec = 10
# Optional JSON file with extra holiday dates (YYYY-MM-DD)
holiday_file = ""

[risk]
# Stop loss as a fraction of option entry price
option_stop_loss_pct = 0.30
# Trailing stop activates at this profit percentage
trail_activate_pnl_pct = 10.0
# Trailing stop gap below the current price, as a fraction
trail_gap_pct = 0.05
use_trailing_stop = true
max_positions = 2
# Daily loss limit as a percentage of capital
daily_loss_limit_pct = 2.0
# Entries are blocked after this many consecutive losing trades
consecutive_loss_limit = 3

[vix]
# Entries are blocked while VIX is above this level
threshold = 22.0
# Circuit breaker activation and resume levels (spike must exceed resume)
spike_threshold = 25.0
resume_threshold = 20.0

[sizing]
# Base position size as a percentage of capital
base_position_size_pct = 5.0

[sizing.vix_mult]
vix_12_or_below = 1.0
vix_20 = 0.8
vix_30 = 0.5
vix_30_or_above = 0.3

[sizing.dte_mult]
gte_5_days = 1.0
days_2_to_4 = 0.8
day_1 = 0.5

[orders]
# Limit-price walk per retry attempt, percent of the initial price
retry_steps_pct = [0.5, 1.0, 1.5]
max_retries = 3
retry_backoffs_sec = [1, 2, 4]
retry_cap_sec = 10

[limits]
tick_size = 0.05
# Limit price must stay within this percentage of the reference price
price_band_pct = 20.0

[limits.freeze_quantity]
NIFTY = 1800
BANKNIFTY = 900
FINNIFTY = 1800

[limits.lot_size]
NIFTY = 75
BANKNIFTY = 35
FINNIFTY = 65

[strategy]
daily_adx_period = 14
daily_adx_threshold = 20.0
hourly_adx_period = 14
hourly_adx_threshold = 20.0
rsi_period = 14
rsi_oversold = 30.0
rsi_overbought = 70.0
ema_period = 21
strike_increment = 50
# Optional extra underlyings for the multi-name bias report
bias_underlyings = []

[data]
# Bar logs, event log, and daily artifacts live here
# dir = "~/.config/adxtrader/data"
bar_memory_bars = 200
tick_buffer_size = 1000
gap_threshold_sec = 120
gap_check_interval_sec = 30
recovery_timeout_sec = 300
# Days of history pulled by backfill when the store is empty
historical_days = 90

[rate_limits]
# Broker requests per second, per class
orders = 5
market_data = 3
historical = 2

[websocket]
ping_interval_sec = 30
reconnect_backoffs_sec = [1, 2, 5, 10, 30]
max_reconnects_per_minute = 6

# Operator notifications: terminal always, webhook when a URL is set.
# level is one of "all", "trades_only", "errors_only".
[notify]
enabled = true
level = "all"
bell = true
webhook_url = ""

[logging]
level = "info"
console = true
file = true
max_size_mb = 100
max_backups = 7
max_age_days = 30
`

const credentialsTemplate = `# ADX Trader Credentials
# WARNING: Keep this file secure! Do not commit to version control.

[kite]
api_key = ""
api_secret = ""
user_id = ""
# Password and TOTP secret enable headless re-login
password = ""
totp_secret = ""
`

func createTemplateConfig(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "config.toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	return fmt.Errorf("config file not found, created template at %s", path)
}

func createTemplateCredentials(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "credentials.toml")
	// Restricted permissions: the file holds API secrets.
	if err := os.WriteFile(path, []byte(credentialsTemplate), 0600); err != nil {
		return fmt.Errorf("writing credentials template: %w", err)
	}

	return fmt.Errorf("credentials file not found, created template at %s", path)
}
