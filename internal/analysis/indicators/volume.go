package indicators

import (
	"adx-trader/internal/models"
)

// VWAP calculates Volume Weighted Average Price.
type VWAP struct{}

// NewVWAP creates a new VWAP indicator.
func NewVWAP() *VWAP {
	return &VWAP{}
}

func (v *VWAP) Name() string {
	return "VWAP"
}

func (v *VWAP) Period() int {
	return 1
}

func (v *VWAP) Calculate(bars []models.Bar) ([]float64, error) {
	if len(bars) == 0 {
		return nil, ErrInsufficientData
	}

	n := len(bars)
	result := make([]float64, n)

	var cumulativeTPV float64 // Cumulative Typical Price * Volume
	var cumulativeVol float64 // Cumulative Volume

	for i := 0; i < n; i++ {
		tp := typicalPrice(bars[i])
		cumulativeTPV += tp * float64(bars[i].Volume)
		cumulativeVol += float64(bars[i].Volume)

		if cumulativeVol != 0 {
			result[i] = cumulativeTPV / cumulativeVol
		}
	}

	return result, nil
}

// Latest returns the most recent VWAP. A series with zero total volume has
// no VWAP and returns ErrInsufficientData.
func (v *VWAP) Latest(bars []models.Bar) (float64, error) {
	values, err := v.Calculate(bars)
	if err != nil {
		return 0, err
	}
	var totalVol int64
	for _, b := range bars {
		totalVol += b.Volume
	}
	if totalVol == 0 {
		return 0, ErrInsufficientData
	}
	return values[len(values)-1], nil
}
