// Package events provides the typed in-process event bus with per-event
// idempotency, a durable append log, and replay.
package events

import "time"

// Kind identifies an event type. The set is closed; every state transition
// of interest maps to exactly one kind.
type Kind string

// Initialization events
const (
	LogInitialized     Kind = "LOG_INITIALIZED"
	ConfigLoaded       Kind = "CONFIG_LOADED"
	StorageReady       Kind = "STORAGE_READY"
	CredentialsLoaded  Kind = "CREDENTIALS_LOADED"
	LoginAPICalled     Kind = "LOGIN_API_CALLED"
	TokenLoaded        Kind = "TOKEN_LOADED"
	TokenNotFound      Kind = "TOKEN_NOT_FOUND"
	TokensStored       Kind = "TOKENS_STORED"
	TokenMonitorActive Kind = "TOKEN_MONITOR_ACTIVE"
	BrokerClientReady  Kind = "BROKER_CLIENT_READY"
)

// Session management events
const (
	TradingDayCheck             Kind = "TRADING_DAY_CHECK"
	CalendarValidated           Kind = "CALENDAR_VALIDATED"
	MarketSessionDetermined     Kind = "MARKET_SESSION_DETERMINED"
	MarketOpen                  Kind = "MARKET_OPEN"
	EntryWindowOpen             Kind = "ENTRY_WINDOW_OPEN"
	SessionRevalidationRequired Kind = "SESSION_REVALIDATION_REQUIRED"
	NoTradeModeActive           Kind = "NO_TRADE_MODE_ACTIVE"
)

// Token lifecycle events
const (
	TokenExpiryWarning  Kind = "TOKEN_EXPIRY_WARNING"
	TokenInvalid        Kind = "TOKEN_INVALID"
	TokenRefreshStarted Kind = "TOKEN_REFRESH_STARTED"
	TokenRefreshSuccess Kind = "TOKEN_REFRESH_SUCCESS"
	TokenRefreshFailed  Kind = "TOKEN_REFRESH_FAILED"
)

// Data collection events
const (
	InstrumentMasterDownloaded Kind = "INSTRUMENT_MASTER_DOWNLOADED"
	SubscriptionsInitialized   Kind = "SUBSCRIPTIONS_INITIALIZED"
	WebSocketConnected         Kind = "WEBSOCKET_CONNECTED"
	WebSocketDisconnected      Kind = "WEBSOCKET_DISCONNECTED"
	TickReceived               Kind = "TICK_RECEIVED"
	BarReady                   Kind = "BAR_READY"
	DataGapDetected            Kind = "DATA_GAP_DETECTED"
	DataGapRecoveryRequired    Kind = "DATA_GAP_RECOVERY_REQUIRED"
	RecoveryStarted            Kind = "RECOVERY_STARTED"
	RecoveryCompleted          Kind = "RECOVERY_COMPLETED"
	RecoveryFailed             Kind = "RECOVERY_FAILED"
	DataReady                  Kind = "DATA_READY"
)

// Analysis and strategy events
const (
	DailyAnalysisRequired    Kind = "DAILY_ANALYSIS_REQUIRED"
	DailyDirectionDetermined Kind = "DAILY_DIRECTION_DETERMINED"
	HourlyAnalysisRequired   Kind = "HOURLY_ANALYSIS_REQUIRED"
	HourlyAlignmentConfirmed Kind = "HOURLY_ALIGNMENT_CONFIRMED"
	AlignmentLost            Kind = "ALIGNMENT_LOST"
	EntryFiltersEvaluated    Kind = "ENTRY_FILTERS_EVALUATED"
	SignalGenerated          Kind = "SIGNAL_GENERATED"
	NoTradeSignal            Kind = "NO_TRADE_SIGNAL"
)

// Risk management events
const (
	VixDataReceived        Kind = "VIX_DATA_RECEIVED"
	VixSpike               Kind = "VIX_SPIKE"
	VixNormalResumed       Kind = "VIX_NORMAL_RESUMED"
	DailyLossLimitBreached Kind = "DAILY_LOSS_LIMIT_BREACHED"
	RiskCheckPassed        Kind = "RISK_CHECK_PASSED"
	RiskCheckFailed        Kind = "RISK_CHECK_FAILED"
)

// Order events
const (
	OrderIntentCreated   Kind = "ORDER_INTENT_CREATED"
	OrderPlaced          Kind = "ORDER_PLACED"
	OrderExecuted        Kind = "ORDER_EXECUTED"
	OrderPartiallyFilled Kind = "ORDER_PARTIALLY_FILLED"
	OrderRejected        Kind = "ORDER_REJECTED"
	OrderFailed          Kind = "ORDER_FAILED"
	OrderRetrying        Kind = "ORDER_RETRYING"
)

// Position and exit events
const (
	PositionOpened        Kind = "POSITION_OPENED"
	PositionUpdated       Kind = "POSITION_UPDATED"
	ExitSignalGenerated   Kind = "EXIT_SIGNAL_GENERATED"
	StopLossTriggered     Kind = "STOP_LOSS_TRIGGERED"
	TrailingStopActivated Kind = "TRAILING_STOP_ACTIVATED"
	TrailingStopUpdated   Kind = "TRAILING_STOP_UPDATED"
	TargetReached         Kind = "TARGET_REACHED"
	EodMandatoryExit      Kind = "EOD_MANDATORY_EXIT"
	PositionClosed        Kind = "POSITION_CLOSED"
	PositionsClosed       Kind = "POSITIONS_CLOSED"
)

// System lifecycle events
const (
	GracefulShutdownInitiated Kind = "GRACEFUL_SHUTDOWN_INITIATED"
	ShutdownCompleted         Kind = "SHUTDOWN_COMPLETED"
	FatalError                Kind = "FATAL_ERROR"
	KillSwitchActivated       Kind = "KILL_SWITCH_ACTIVATED"
)

// Event is one record on the bus and in the durable log. Payload keys vary
// per kind; values must be JSON-serializable.
type Event struct {
	Kind           Kind           `json:"kind"`
	Timestamp      time.Time      `json:"timestamp"`
	TimestampMS    int64          `json:"timestamp_ms"`
	IdempotencyKey string         `json:"idempotency_key"`
	Payload        map[string]any `json:"payload,omitempty"`
}

// New builds an event stamped with the current UTC time.
func New(kind Kind, idempotencyKey string, payload map[string]any) Event {
	now := time.Now().UTC()
	return Event{
		Kind:           kind,
		Timestamp:      now,
		TimestampMS:    now.UnixMilli(),
		IdempotencyKey: idempotencyKey,
		Payload:        payload,
	}
}
