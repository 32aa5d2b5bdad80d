package errors

import "errors"

// Stable error codes surfaced in logs and event payloads.
const (
	CodeAuthFailed         = "AUTH_001"
	CodeTokenExpired       = "AUTH_002"
	CodeTokenRefreshFailed = "AUTH_003"

	CodeHTTP           = "NET_001"
	CodeWebSocket      = "NET_002"
	CodeDisconnected   = "NET_003"
	CodeNetworkTimeout = "NET_004"

	CodeDataGap         = "DATA_001"
	CodeInvalidBar      = "DATA_002"
	CodeMissingData     = "DATA_003"
	CodeDeserialization = "DATA_004"

	CodeOrderPlacement     = "ORDER_001"
	CodeOrderNotFound      = "ORDER_002"
	CodeOrderRejected      = "ORDER_003"
	CodeInsufficientMargin = "ORDER_004"
	CodeFreezeBreach       = "ORDER_005"
	CodePriceBand          = "ORDER_006"

	CodePositionNotFound  = "POS_001"
	CodePositionLimit     = "POS_002"
	CodeDuplicatePosition = "POS_003"

	CodeDailyLoss = "RISK_001"
	CodeVixSpike  = "RISK_002"
	CodeRiskCheck = "RISK_003"

	CodeStrategyState = "STRAT_001"
	CodeNoTradeSignal = "STRAT_002"
	CodeAlignmentLost = "STRAT_003"

	CodeConfig           = "CFG_001"
	CodeInvalidParameter = "CFG_002"

	CodeFile         = "FILE_001"
	CodeFileNotFound = "FILE_002"
	CodeFileWrite    = "FILE_003"

	CodeMarketClosed  = "MKT_001"
	CodeOutsideWindow = "MKT_002"
	CodeNonTradingDay = "MKT_003"

	CodeBrokerAPI          = "BROKER_001"
	CodeBrokerRateLimit    = "BROKER_002"
	CodeInstrumentNotFound = "BROKER_003"

	CodeShutdown = "SYS_001"
	CodeFatal    = "SYS_002"

	CodeEventDispatch  = "EVENT_001"
	CodeEventHandler   = "EVENT_002"
	CodeDuplicateEvent = "IDEM_001"

	CodeRecoveryFailed  = "REC_001"
	CodeRecoveryTimeout = "REC_002"
)

// CodeOf returns the stable code carried by err's chain, or "" when the
// chain has no coded error.
func CodeOf(err error) string {
	var coded Coded
	if errors.As(err, &coded) {
		return coded.ErrorCode()
	}
	return ""
}

var recoverableCodes = map[string]bool{
	CodeNetworkTimeout:  true,
	CodeDisconnected:    true,
	CodeDataGap:         true,
	CodeOrderPlacement:  true,
	CodeBrokerRateLimit: true,
}

var fatalCodes = map[string]bool{
	CodeFatal:              true,
	CodeTokenRefreshFailed: true,
	CodeShutdown:           true,
}

var requiresExitCodes = map[string]bool{
	CodeVixSpike:     true,
	CodeDailyLoss:    true,
	CodeTokenExpired: true,
	CodeMarketClosed: true,
}

// IsRecoverable reports whether err may be retried or waited out.
func IsRecoverable(err error) bool {
	return recoverableCodes[CodeOf(err)]
}

// IsFatal reports whether err must halt the process after flatten.
func IsFatal(err error) bool {
	return fatalCodes[CodeOf(err)]
}

// RequiresExit reports whether err must flatten all open positions.
func RequiresExit(err error) bool {
	return requiresExitCodes[CodeOf(err)]
}
