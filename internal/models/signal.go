package models

import "time"

// Bias is the intended directional trade for the day.
type Bias string

const (
	BiasCall    Bias = "CALL"
	BiasPut     Bias = "PUT"
	BiasNoTrade Bias = "NO_TRADE"
)

// Tradeable reports whether the bias permits entries.
func (b Bias) Tradeable() bool {
	return b == BiasCall || b == BiasPut
}

// OptionType returns the option leg matching the bias. Only meaningful for
// tradeable biases.
func (b Bias) OptionType() OptionType {
	if b == BiasPut {
		return OptionPut
	}
	return OptionCall
}

// EntrySignal is emitted by the strategy when all entry filters pass.
// Side is always Buy; the engine trades long options only.
type EntrySignal struct {
	Underlying    string     `json:"underlying"`
	Bias          Bias       `json:"bias"`
	UnderlyingLTP float64    `json:"underlying_ltp"`
	Strike        float64    `json:"strike"`
	OptionType    OptionType `json:"option_type"`
	Side          OrderSide  `json:"side"`
	Reason        string     `json:"reason"`
	GeneratedAt   time.Time  `json:"generated_at"`
}

// ExitSignal asks the position manager to close a position with a reason
// and its priority class.
type ExitSignal struct {
	PositionID  string       `json:"position_id"`
	Reason      ExitReason   `json:"reason"`
	Priority    ExitPriority `json:"priority"`
	GeneratedAt time.Time    `json:"generated_at"`
}

// DailyBias is the persisted result of the once-per-day direction analysis.
type DailyBias struct {
	Date       string    `json:"date"`
	Underlying string    `json:"underlying"`
	Bias       Bias      `json:"bias"`
	ADX        float64   `json:"adx"`
	PlusDI     float64   `json:"plus_di"`
	MinusDI    float64   `json:"minus_di"`
	ComputedAt time.Time `json:"computed_at"`
}
