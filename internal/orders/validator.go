package orders

import (
	"fmt"
	"math"
	"strings"

	"adx-trader/internal/config"
	apperrors "adx-trader/internal/errors"
	"adx-trader/internal/models"
)

// ValidationContext carries the market state an intent is checked against.
type ValidationContext struct {
	// Instrument is the directory record for the intent's symbol.
	Instrument models.Instrument
	// ReferencePrice anchors the price-band check; zero skips it.
	ReferencePrice float64
	// AvailableBalance is the cash usable for the premium outlay.
	AvailableBalance float64
	// MarginRequired is any margin beyond the premium (zero for long options).
	MarginRequired float64
	// MarketOpen reports whether the session accepts orders right now.
	MarketOpen bool
}

// Validator runs the pre-placement checks. Every intent must pass all of
// them before it may reach the order manager.
type Validator struct {
	limits config.LimitsConfig
}

// NewValidator creates a validator over the exchange limits.
func NewValidator(limits config.LimitsConfig) *Validator {
	return &Validator{limits: limits}
}

// Validate checks an intent against exchange and account constraints,
// returning a typed error on the first failure.
func (v *Validator) Validate(intent models.OrderIntent, vc ValidationContext) error {
	if intent.Quantity <= 0 {
		return apperrors.NewOrderRejected(intent.IntentID, intent.Symbol,
			fmt.Sprintf("quantity must be positive, got %d", intent.Quantity))
	}
	if intent.InitialLimitPrice <= 0 {
		return apperrors.NewOrderRejected(intent.IntentID, intent.Symbol,
			fmt.Sprintf("price must be positive, got %.2f", intent.InitialLimitPrice))
	}

	lotSize := vc.Instrument.LotSize
	if lotSize <= 0 {
		lotSize = v.limits.LotSize[strings.ToLower(vc.Instrument.Underlying)]
	}
	if lotSize > 0 && intent.Quantity%lotSize != 0 {
		return apperrors.NewOrderRejected(intent.IntentID, intent.Symbol,
			fmt.Sprintf("quantity %d is not a multiple of lot size %d", intent.Quantity, lotSize))
	}

	if freeze, ok := v.limits.FreezeQuantity[strings.ToLower(vc.Instrument.Underlying)]; ok && freeze > 0 {
		if intent.Quantity > freeze {
			return apperrors.NewFreezeBreach(intent.Symbol,
				fmt.Sprintf("quantity %d exceeds freeze limit %d for %s", intent.Quantity, freeze, vc.Instrument.Underlying))
		}
	}

	tick := vc.Instrument.TickSize
	if tick <= 0 {
		tick = v.limits.TickSize
	}
	if tick > 0 && !onTickGrid(intent.InitialLimitPrice, tick) {
		return apperrors.NewOrderRejected(intent.IntentID, intent.Symbol,
			fmt.Sprintf("price %.4f is not a multiple of tick size %.2f", intent.InitialLimitPrice, tick))
	}

	if vc.ReferencePrice > 0 && v.limits.PriceBandPct > 0 {
		deviation := math.Abs(intent.InitialLimitPrice-vc.ReferencePrice) / vc.ReferencePrice * 100
		if deviation > v.limits.PriceBandPct {
			return apperrors.NewPriceBandBreach(intent.Symbol,
				fmt.Sprintf("price %.2f deviates %.1f%% from reference %.2f, band is ±%.1f%%",
					intent.InitialLimitPrice, deviation, vc.ReferencePrice, v.limits.PriceBandPct))
		}
	}

	required := intent.InitialLimitPrice*float64(intent.Quantity) + vc.MarginRequired
	if required > vc.AvailableBalance {
		return apperrors.NewInsufficientMargin(intent.Symbol,
			fmt.Sprintf("need %.2f (premium+margin), have %.2f", required, vc.AvailableBalance))
	}

	if vc.Instrument.Symbol != "" && vc.Instrument.Symbol != intent.Symbol {
		return apperrors.NewOrderRejected(intent.IntentID, intent.Symbol,
			fmt.Sprintf("symbol does not match instrument record %s", vc.Instrument.Symbol))
	}
	if intent.Token != 0 && vc.Instrument.Token != 0 && intent.Token != vc.Instrument.Token {
		return apperrors.NewOrderRejected(intent.IntentID, intent.Symbol,
			fmt.Sprintf("token %d does not match instrument record %d", intent.Token, vc.Instrument.Token))
	}

	if !vc.MarketOpen {
		return apperrors.NewMarketClosed("order placement outside market hours")
	}

	return nil
}

// onTickGrid reports whether price sits on the tick grid within a small
// float tolerance.
func onTickGrid(price, tick float64) bool {
	ratio := price / tick
	return math.Abs(ratio-math.Round(ratio)) <= 1e-3
}
