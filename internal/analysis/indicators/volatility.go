package indicators

import (
	"fmt"

	"adx-trader/internal/models"
)

// ATR calculates the Average True Range.
type ATR struct {
	period int
}

// NewATR creates a new ATR indicator.
func NewATR(period int) *ATR {
	return &ATR{period: period}
}

func (a *ATR) Name() string {
	return fmt.Sprintf("ATR_%d", a.period)
}

func (a *ATR) Period() int {
	return a.period
}

func (a *ATR) Calculate(bars []models.Bar) ([]float64, error) {
	if a.period <= 0 {
		return nil, ErrInvalidPeriod
	}
	if len(bars) < a.period+1 {
		return nil, ErrInsufficientData
	}

	n := len(bars)
	result := make([]float64, n)
	tr := make([]float64, n)

	// First TR is just high - low
	tr[0] = bars[0].High - bars[0].Low

	for i := 1; i < n; i++ {
		tr[i] = trueRange(bars[i], bars[i-1])
	}

	// First ATR is SMA of TR
	result[a.period-1] = mean(tr[:a.period])

	// Subsequent ATR using Wilder smoothing
	for i := a.period; i < n; i++ {
		result[i] = (result[i-1]*float64(a.period-1) + tr[i]) / float64(a.period)
	}

	return result, nil
}

// Latest returns the most recent ATR value.
func (a *ATR) Latest(bars []models.Bar) (float64, error) {
	values, err := a.Calculate(bars)
	if err != nil {
		return 0, err
	}
	return values[len(values)-1], nil
}
