// Package errors provides typed, coded errors for the trading engine.
package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	ErrNotAuthenticated   = errors.New("not authenticated")
	ErrSessionExpired     = errors.New("session expired")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrMarketClosed       = errors.New("market is closed")
	ErrOutsideWindow      = errors.New("outside entry window")
	ErrNonTradingDay      = errors.New("not a trading day")
	ErrRateLimited        = errors.New("rate limited")
	ErrTimeout            = errors.New("operation timed out")
	ErrOrderNotFound      = errors.New("order not found")
	ErrPositionNotFound   = errors.New("position not found")
	ErrDuplicatePosition  = errors.New("duplicate position")
	ErrDuplicateEvent     = errors.New("duplicate event")
	ErrInstrumentNotFound = errors.New("instrument not found")
	ErrInsufficientData   = errors.New("insufficient data")
	ErrConfigInvalid      = errors.New("invalid configuration")
	ErrShutdown           = errors.New("system shutting down")
)

// Coded is implemented by every typed error in this package. Codes are
// stable short identifiers used in logs and event payloads.
type Coded interface {
	ErrorCode() string
}

// AuthError represents an authentication or token lifecycle failure.
type AuthError struct {
	Code    string
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth error [%s]: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("auth error [%s]: %s", e.Code, e.Message)
}

func (e *AuthError) Unwrap() error     { return e.Err }
func (e *AuthError) ErrorCode() string { return e.Code }

// NewAuthFailed reports a failed login or credential rejection.
func NewAuthFailed(message string, err error) *AuthError {
	return &AuthError{Code: CodeAuthFailed, Message: message, Err: err}
}

// NewTokenExpired reports an access or feed token past its expiry.
func NewTokenExpired(message string) *AuthError {
	return &AuthError{Code: CodeTokenExpired, Message: message, Err: ErrSessionExpired}
}

// NewTokenRefreshFailed reports a refresh attempt that did not produce a
// usable token. Treated as fatal by the orchestrator.
func NewTokenRefreshFailed(message string, err error) *AuthError {
	return &AuthError{Code: CodeTokenRefreshFailed, Message: message, Err: err}
}

// NetworkError represents a transport-level failure.
type NetworkError struct {
	Code    string
	Op      string
	Message string
	Err     error
}

func (e *NetworkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("network error [%s] %s: %s: %v", e.Code, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("network error [%s] %s: %s", e.Code, e.Op, e.Message)
}

func (e *NetworkError) Unwrap() error     { return e.Err }
func (e *NetworkError) ErrorCode() string { return e.Code }

// NewHTTPError reports a failed HTTP round trip.
func NewHTTPError(op, message string, err error) *NetworkError {
	return &NetworkError{Code: CodeHTTP, Op: op, Message: message, Err: err}
}

// NewWebSocketError reports a WebSocket protocol failure.
func NewWebSocketError(op, message string, err error) *NetworkError {
	return &NetworkError{Code: CodeWebSocket, Op: op, Message: message, Err: err}
}

// NewDisconnected reports a dropped WebSocket connection.
func NewDisconnected(op, message string) *NetworkError {
	return &NetworkError{Code: CodeDisconnected, Op: op, Message: message}
}

// NewNetworkTimeout reports a timed-out network operation.
func NewNetworkTimeout(op, message string) *NetworkError {
	return &NetworkError{Code: CodeNetworkTimeout, Op: op, Message: message, Err: ErrTimeout}
}

// DataError represents a market-data quality or persistence failure.
type DataError struct {
	Code    string
	Symbol  string
	Message string
	Err     error
}

func (e *DataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("data error [%s] %s: %s: %v", e.Code, e.Symbol, e.Message, e.Err)
	}
	return fmt.Sprintf("data error [%s] %s: %s", e.Code, e.Symbol, e.Message)
}

func (e *DataError) Unwrap() error     { return e.Err }
func (e *DataError) ErrorCode() string { return e.Code }

// NewDataGap reports a stretch of missing ticks or bars.
func NewDataGap(symbol, message string) *DataError {
	return &DataError{Code: CodeDataGap, Symbol: symbol, Message: message}
}

// NewInvalidBar reports a malformed bar record.
func NewInvalidBar(symbol, message string) *DataError {
	return &DataError{Code: CodeInvalidBar, Symbol: symbol, Message: message}
}

// NewMissingData reports data absent where the caller required it.
func NewMissingData(symbol, message string) *DataError {
	return &DataError{Code: CodeMissingData, Symbol: symbol, Message: message, Err: ErrInsufficientData}
}

// NewDeserialization reports a record that failed to decode.
func NewDeserialization(symbol, message string, err error) *DataError {
	return &DataError{Code: CodeDeserialization, Symbol: symbol, Message: message, Err: err}
}

// OrderError represents an error related to order operations.
type OrderError struct {
	Code    string
	OrderID string
	Symbol  string
	Reason  string
	Err     error
}

func (e *OrderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("order error [%s] %s %s: %s: %v", e.Code, e.OrderID, e.Symbol, e.Reason, e.Err)
	}
	return fmt.Sprintf("order error [%s] %s %s: %s", e.Code, e.OrderID, e.Symbol, e.Reason)
}

func (e *OrderError) Unwrap() error     { return e.Err }
func (e *OrderError) ErrorCode() string { return e.Code }

// NewOrderPlacementFailed reports retry-ladder exhaustion for an intent.
func NewOrderPlacementFailed(orderID, symbol, reason string, err error) *OrderError {
	return &OrderError{Code: CodeOrderPlacement, OrderID: orderID, Symbol: symbol, Reason: reason, Err: err}
}

// NewOrderNotFound reports a lookup of an unknown order id.
func NewOrderNotFound(orderID string) *OrderError {
	return &OrderError{Code: CodeOrderNotFound, OrderID: orderID, Reason: "unknown order id", Err: ErrOrderNotFound}
}

// NewOrderRejected reports a broker-side rejection.
func NewOrderRejected(orderID, symbol, reason string) *OrderError {
	return &OrderError{Code: CodeOrderRejected, OrderID: orderID, Symbol: symbol, Reason: reason}
}

// NewInsufficientMargin reports a premium+margin requirement above balance.
func NewInsufficientMargin(symbol, reason string) *OrderError {
	return &OrderError{Code: CodeInsufficientMargin, Symbol: symbol, Reason: reason}
}

// NewFreezeBreach reports quantity above the exchange freeze limit.
func NewFreezeBreach(symbol, reason string) *OrderError {
	return &OrderError{Code: CodeFreezeBreach, Symbol: symbol, Reason: reason}
}

// NewPriceBandBreach reports a limit price outside the allowed band.
func NewPriceBandBreach(symbol, reason string) *OrderError {
	return &OrderError{Code: CodePriceBand, Symbol: symbol, Reason: reason}
}

// PositionError represents a position lifecycle error.
type PositionError struct {
	Code       string
	PositionID string
	Message    string
	Err        error
}

func (e *PositionError) Error() string {
	return fmt.Sprintf("position error [%s] %s: %s", e.Code, e.PositionID, e.Message)
}

func (e *PositionError) Unwrap() error     { return e.Err }
func (e *PositionError) ErrorCode() string { return e.Code }

// NewPositionNotFound reports a lookup of an unknown position id.
func NewPositionNotFound(positionID string) *PositionError {
	return &PositionError{Code: CodePositionNotFound, PositionID: positionID, Message: "unknown position id", Err: ErrPositionNotFound}
}

// NewPositionLimit reports the open-position cap being hit.
func NewPositionLimit(message string) *PositionError {
	return &PositionError{Code: CodePositionLimit, Message: message}
}

// NewDuplicatePosition reports an open with an already-live position id.
func NewDuplicatePosition(positionID string) *PositionError {
	return &PositionError{Code: CodeDuplicatePosition, PositionID: positionID, Message: "position already open", Err: ErrDuplicatePosition}
}

// RiskError represents a risk guardrail violation.
type RiskError struct {
	Code    string
	Rule    string
	Current float64
	Limit   float64
	Message string
}

func (e *RiskError) Error() string {
	return fmt.Sprintf("risk violation [%s] %s: %s (current: %.2f, limit: %.2f)", e.Code, e.Rule, e.Message, e.Current, e.Limit)
}

func (e *RiskError) ErrorCode() string { return e.Code }

// NewDailyLossLimit reports the daily loss cap being breached.
func NewDailyLossLimit(current, limit float64) *RiskError {
	return &RiskError{Code: CodeDailyLoss, Rule: "daily_loss_limit", Current: current, Limit: limit, Message: "daily loss limit breached"}
}

// NewVixSpike reports the VIX circuit breaker firing.
func NewVixSpike(current, threshold float64) *RiskError {
	return &RiskError{Code: CodeVixSpike, Rule: "vix_spike", Current: current, Limit: threshold, Message: "vix spike circuit breaker active"}
}

// NewRiskCheckFailed reports a pre-entry check rejection.
func NewRiskCheckFailed(rule string, current, limit float64, message string) *RiskError {
	return &RiskError{Code: CodeRiskCheck, Rule: rule, Current: current, Limit: limit, Message: message}
}

// StrategyError represents a strategy state-machine error.
type StrategyError struct {
	Code    string
	State   string
	Message string
}

func (e *StrategyError) Error() string {
	return fmt.Sprintf("strategy error [%s] state=%s: %s", e.Code, e.State, e.Message)
}

func (e *StrategyError) ErrorCode() string { return e.Code }

// NewInvalidStrategyState reports a transition from an unexpected state.
func NewInvalidStrategyState(state, message string) *StrategyError {
	return &StrategyError{Code: CodeStrategyState, State: state, Message: message}
}

// NewNoTradeSignal reports a day ruled out by the daily analysis.
func NewNoTradeSignal(message string) *StrategyError {
	return &StrategyError{Code: CodeNoTradeSignal, Message: message}
}

// NewAlignmentLost reports the hourly DI asymmetry reversing.
func NewAlignmentLost(message string) *StrategyError {
	return &StrategyError{Code: CodeAlignmentLost, Message: message}
}

// ConfigError represents a configuration failure.
type ConfigError struct {
	Code    string
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error [%s] %s: %s", e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("config error [%s]: %s", e.Code, e.Message)
}

func (e *ConfigError) Unwrap() error     { return e.Err }
func (e *ConfigError) ErrorCode() string { return e.Code }

// NewConfigError reports a failure loading or parsing configuration.
func NewConfigError(message string, err error) *ConfigError {
	return &ConfigError{Code: CodeConfig, Message: message, Err: err}
}

// NewInvalidParameter reports a config value outside its allowed range.
func NewInvalidParameter(field, message string) *ConfigError {
	return &ConfigError{Code: CodeInvalidParameter, Field: field, Message: message, Err: ErrConfigInvalid}
}

// FileError represents a filesystem failure.
type FileError struct {
	Code string
	Path string
	Op   string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("file error [%s] %s %s: %v", e.Code, e.Op, e.Path, e.Err)
}

func (e *FileError) Unwrap() error     { return e.Err }
func (e *FileError) ErrorCode() string { return e.Code }

// NewFileError reports a general filesystem failure.
func NewFileError(op, path string, err error) *FileError {
	return &FileError{Code: CodeFile, Path: path, Op: op, Err: err}
}

// NewFileNotFound reports a required file that does not exist.
func NewFileNotFound(path string, err error) *FileError {
	return &FileError{Code: CodeFileNotFound, Path: path, Op: "open", Err: err}
}

// NewFileWriteFailed reports a failed write or fsync.
func NewFileWriteFailed(path string, err error) *FileError {
	return &FileError{Code: CodeFileWrite, Path: path, Op: "write", Err: err}
}

// MarketError represents a session gating condition.
type MarketError struct {
	Code    string
	Message string
}

func (e *MarketError) Error() string {
	return fmt.Sprintf("market error [%s]: %s", e.Code, e.Message)
}

func (e *MarketError) ErrorCode() string { return e.Code }

// NewMarketClosed reports an operation attempted outside market hours.
func NewMarketClosed(message string) *MarketError {
	return &MarketError{Code: CodeMarketClosed, Message: message}
}

// NewOutsideWindow reports an entry attempted outside the entry window.
func NewOutsideWindow(message string) *MarketError {
	return &MarketError{Code: CodeOutsideWindow, Message: message}
}

// NewNonTradingDay reports a weekend or exchange holiday.
func NewNonTradingDay(message string) *MarketError {
	return &MarketError{Code: CodeNonTradingDay, Message: message}
}

// BrokerError represents an error from the broker API.
type BrokerError struct {
	Code    string
	Message string
	Err     error
}

func (e *BrokerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("broker error [%s]: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("broker error [%s]: %s", e.Code, e.Message)
}

func (e *BrokerError) Unwrap() error     { return e.Err }
func (e *BrokerError) ErrorCode() string { return e.Code }

// NewBrokerError reports a broker API failure.
func NewBrokerError(message string, err error) *BrokerError {
	return &BrokerError{Code: CodeBrokerAPI, Message: message, Err: err}
}

// NewRateLimitExceeded reports a request rejected by rate limiting.
func NewRateLimitExceeded(message string) *BrokerError {
	return &BrokerError{Code: CodeBrokerRateLimit, Message: message, Err: ErrRateLimited}
}

// NewInstrumentNotFound reports a failed instrument-master lookup.
func NewInstrumentNotFound(message string) *BrokerError {
	return &BrokerError{Code: CodeInstrumentNotFound, Message: message, Err: ErrInstrumentNotFound}
}

// SystemError represents a process lifecycle error.
type SystemError struct {
	Code    string
	Message string
	Err     error
}

func (e *SystemError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("system error [%s]: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("system error [%s]: %s", e.Code, e.Message)
}

func (e *SystemError) Unwrap() error     { return e.Err }
func (e *SystemError) ErrorCode() string { return e.Code }

// NewSystemShutdown reports the shutdown flag interrupting an operation.
func NewSystemShutdown(message string) *SystemError {
	return &SystemError{Code: CodeShutdown, Message: message, Err: ErrShutdown}
}

// NewFatal reports an unrecoverable failure; the orchestrator exits.
func NewFatal(message string, err error) *SystemError {
	return &SystemError{Code: CodeFatal, Message: message, Err: err}
}

// EventError represents an event bus failure.
type EventError struct {
	Code    string
	Kind    string
	Message string
	Err     error
}

func (e *EventError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("event error [%s] %s: %s", e.Code, e.Kind, e.Message)
	}
	return fmt.Sprintf("event error [%s]: %s", e.Code, e.Message)
}

func (e *EventError) Unwrap() error     { return e.Err }
func (e *EventError) ErrorCode() string { return e.Code }

// NewEventDispatchFailed reports a publish that could not be logged or queued.
func NewEventDispatchFailed(kind, message string, err error) *EventError {
	return &EventError{Code: CodeEventDispatch, Kind: kind, Message: message, Err: err}
}

// NewDuplicateEvent reports a publish with an already-seen idempotency key.
func NewDuplicateEvent(kind, key string) *EventError {
	return &EventError{Code: CodeDuplicateEvent, Kind: kind, Message: "idempotency key already processed: " + key, Err: ErrDuplicateEvent}
}

// RecoveryError represents a failed gap-recovery attempt.
type RecoveryError struct {
	Code    string
	Symbol  string
	Message string
	Err     error
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("recovery error [%s] %s: %s", e.Code, e.Symbol, e.Message)
}

func (e *RecoveryError) Unwrap() error     { return e.Err }
func (e *RecoveryError) ErrorCode() string { return e.Code }

// NewRecoveryFailed reports historical backfill failing to close a gap.
func NewRecoveryFailed(symbol, message string, err error) *RecoveryError {
	return &RecoveryError{Code: CodeRecoveryFailed, Symbol: symbol, Message: message, Err: err}
}

// NewRecoveryTimeout reports a recovery attempt exceeding its deadline.
func NewRecoveryTimeout(symbol, message string) *RecoveryError {
	return &RecoveryError{Code: CodeRecoveryTimeout, Symbol: symbol, Message: message, Err: ErrTimeout}
}

// ValidationError represents a failed order validation check.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Message: message}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New returns an error that formats as the given text.
func New(text string) error {
	return errors.New(text)
}
