package models

import "time"

// PositionStatus represents the lifecycle state of a position.
type PositionStatus string

const (
	PositionOpen    PositionStatus = "OPEN"
	PositionClosing PositionStatus = "CLOSING"
	PositionClosed  PositionStatus = "CLOSED"
)

// ExitReason identifies why a position was (or should be) closed.
type ExitReason string

const (
	ExitStopLoss       ExitReason = "STOP_LOSS"
	ExitTrailingStop   ExitReason = "TRAILING_STOP"
	ExitTarget         ExitReason = "TARGET"
	ExitVixSpike       ExitReason = "VIX_SPIKE"
	ExitDailyLossLimit ExitReason = "DAILY_LOSS_LIMIT"
	ExitEOD            ExitReason = "EOD_MANDATORY_EXIT"
	ExitSessionClose   ExitReason = "SESSION_CLOSE"
	ExitTokenExpiry    ExitReason = "TOKEN_EXPIRY"
	ExitAlignmentLost  ExitReason = "ALIGNMENT_LOST"
	ExitManual         ExitReason = "MANUAL"
)

// ExitPriority orders competing exit reasons; lower wins.
type ExitPriority int

const (
	PriorityMandatory ExitPriority = 1
	PriorityRisk      ExitPriority = 2
	PriorityProfit    ExitPriority = 3
	PriorityTechnical ExitPriority = 4
)

// Priority maps an exit reason to its priority class. Mandatory reasons
// (VIX spike, daily loss, EOD, session close, token expiry) always win over
// stop-loss, which wins over target, which wins over technical exits.
func (r ExitReason) Priority() ExitPriority {
	switch r {
	case ExitVixSpike, ExitDailyLossLimit, ExitEOD, ExitSessionClose, ExitTokenExpiry, ExitManual:
		return PriorityMandatory
	case ExitStopLoss:
		return PriorityRisk
	case ExitTarget:
		return PriorityProfit
	default:
		return PriorityTechnical
	}
}

// Position represents an open option position.
type Position struct {
	ID              string         `json:"id"`
	Symbol          string         `json:"symbol"`
	Token           uint32         `json:"token"`
	Underlying      string         `json:"underlying"`
	Strike          float64        `json:"strike"`
	OptionType      OptionType     `json:"option_type"`
	Side            OrderSide      `json:"side"`
	Quantity        int            `json:"quantity"`
	EntryPrice      float64        `json:"entry_price"`
	EntryTime       time.Time      `json:"entry_time"`
	UnderlyingEntry float64        `json:"underlying_entry"`
	StopLoss        float64        `json:"stop_loss"`
	Target          *float64       `json:"target,omitempty"`
	TrailStop       *float64       `json:"trail_stop,omitempty"`
	TrailActive     bool           `json:"trail_active"`
	CurrentPrice    float64        `json:"current_price"`
	PnL             float64        `json:"pnl"`
	PnLPct          float64        `json:"pnl_pct"`
	HighWater       float64        `json:"high_water"`
	LowWater        float64        `json:"low_water"`
	VixEntry        float64        `json:"vix_entry"`
	Status          PositionStatus `json:"status"`
	EntryReason     string         `json:"entry_reason"`
	IdempotencyKey  string         `json:"idempotency_key"`
}

// Trade is the immutable record of a closed position.
type Trade struct {
	PositionID       string        `json:"position_id"`
	Symbol           string        `json:"symbol"`
	Underlying       string        `json:"underlying"`
	Strike           float64       `json:"strike"`
	OptionType       OptionType    `json:"option_type"`
	Side             OrderSide     `json:"side"`
	Quantity         int           `json:"quantity"`
	EntryPrice       float64       `json:"entry_price"`
	EntryTime        time.Time     `json:"entry_time"`
	ExitPrice        float64       `json:"exit_price"`
	ExitTime         time.Time     `json:"exit_time"`
	ExitReason       ExitReason    `json:"exit_reason"`
	SecondaryReasons []ExitReason  `json:"secondary_reasons,omitempty"`
	GrossPnL         float64       `json:"gross_pnl"`
	Brokerage        float64       `json:"brokerage"`
	NetPnL           float64       `json:"net_pnl"`
	Duration         time.Duration `json:"duration"`
	HighWater        float64       `json:"high_water"`
	LowWater         float64       `json:"low_water"`
	VixEntry         float64       `json:"vix_entry"`
	VixExit          float64       `json:"vix_exit"`
	EntryReason      string        `json:"entry_reason"`
	IsPaper          bool          `json:"is_paper"`
}

// Win reports whether the trade closed with positive net PnL.
func (t Trade) Win() bool {
	return t.NetPnL > 0
}
