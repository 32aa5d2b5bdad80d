package indicators

import (
	"errors"
	"math"

	"adx-trader/internal/models"
)

var (
	// ErrInsufficientData is returned when there's not enough data for calculation.
	ErrInsufficientData = errors.New("insufficient data for calculation")
	// ErrInvalidPeriod is returned when the period is invalid.
	ErrInvalidPeriod = errors.New("invalid period")
)

// max returns the maximum of two float64 values.
func max(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// abs returns the absolute value of a float64.
func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

// sum calculates the sum of a slice of float64.
func sum(values []float64) float64 {
	var total float64
	for _, v := range values {
		total += v
	}
	return total
}

// mean calculates the arithmetic mean of a slice of float64.
func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return sum(values) / float64(len(values))
}

// trueRange calculates the true range for a bar.
func trueRange(current, previous models.Bar) float64 {
	highLow := current.High - current.Low
	highClose := abs(current.High - previous.Close)
	lowClose := abs(current.Low - previous.Close)
	return max(highLow, max(highClose, lowClose))
}

// typicalPrice calculates the typical price (HLC/3) for a bar.
func typicalPrice(b models.Bar) float64 {
	return (b.High + b.Low + b.Close) / 3
}

// closePrices extracts close prices from bars.
func closePrices(bars []models.Bar) []float64 {
	prices := make([]float64, len(bars))
	for i, b := range bars {
		prices[i] = b.Close
	}
	return prices
}

// wilderSmooth applies Wilder's smoothing: the value at index period-1 is
// the simple average of the first period values, and each later value
// follows smoothed = ((period-1)*prev + value) / period. Indices before
// period-1 are zero.
func wilderSmooth(values []float64, period int) []float64 {
	if len(values) < period {
		return nil
	}
	result := make([]float64, len(values))

	result[period-1] = mean(values[:period])

	multiplier := 1.0 / float64(period)
	for i := period; i < len(values); i++ {
		result[i] = result[i-1] + multiplier*(values[i]-result[i-1])
	}

	return result
}

// RoundToStrike floors a price to the nearest strike increment below it.
// Uses math.Floor so negative prices round toward negative infinity.
func RoundToStrike(price float64, increment int) float64 {
	if increment <= 0 {
		return price
	}
	inc := float64(increment)
	return math.Floor(price/inc) * inc
}
