package indicators

import (
	"fmt"

	"adx-trader/internal/models"
)

// SMA calculates Simple Moving Average.
type SMA struct {
	period int
}

// NewSMA creates a new SMA indicator.
func NewSMA(period int) *SMA {
	return &SMA{period: period}
}

func (s *SMA) Name() string {
	return fmt.Sprintf("SMA_%d", s.period)
}

func (s *SMA) Period() int {
	return s.period
}

func (s *SMA) Calculate(bars []models.Bar) ([]float64, error) {
	if s.period <= 0 {
		return nil, ErrInvalidPeriod
	}
	if len(bars) < s.period {
		return nil, ErrInsufficientData
	}

	result := make([]float64, len(bars))
	closes := closePrices(bars)

	for i := s.period - 1; i < len(bars); i++ {
		result[i] = mean(closes[i-s.period+1 : i+1])
	}

	return result, nil
}

// Latest returns the most recent SMA value.
func (s *SMA) Latest(bars []models.Bar) (float64, error) {
	values, err := s.Calculate(bars)
	if err != nil {
		return 0, err
	}
	return values[len(values)-1], nil
}

// EMA calculates Exponential Moving Average.
type EMA struct {
	period int
}

// NewEMA creates a new EMA indicator.
func NewEMA(period int) *EMA {
	return &EMA{period: period}
}

func (e *EMA) Name() string {
	return fmt.Sprintf("EMA_%d", e.period)
}

func (e *EMA) Period() int {
	return e.period
}

func (e *EMA) Calculate(bars []models.Bar) ([]float64, error) {
	if e.period <= 0 {
		return nil, ErrInvalidPeriod
	}
	if len(bars) < e.period {
		return nil, ErrInsufficientData
	}

	result := make([]float64, len(bars))
	closes := closePrices(bars)
	multiplier := 2.0 / float64(e.period+1)

	// First EMA is SMA
	result[e.period-1] = mean(closes[:e.period])

	for i := e.period; i < len(bars); i++ {
		result[i] = (closes[i]-result[i-1])*multiplier + result[i-1]
	}

	return result, nil
}

// Latest returns the most recent EMA value.
func (e *EMA) Latest(bars []models.Bar) (float64, error) {
	values, err := e.Calculate(bars)
	if err != nil {
		return 0, err
	}
	return values[len(values)-1], nil
}

// CalculateEMA calculates EMA on raw values (helper for other indicators).
func CalculateEMA(values []float64, period int) []float64 {
	if len(values) < period || period <= 0 {
		return nil
	}

	result := make([]float64, len(values))
	multiplier := 2.0 / float64(period+1)

	result[period-1] = mean(values[:period])

	for i := period; i < len(values); i++ {
		result[i] = (values[i]-result[i-1])*multiplier + result[i-1]
	}

	return result
}

// ADXSnapshot holds the latest directional readings for one bar series.
type ADXSnapshot struct {
	ADX     float64
	PlusDI  float64
	MinusDI float64
}

// ADX calculates Average Directional Index with +DI and -DI using Wilder's
// smoothing throughout, including the smoothing of DX into ADX.
type ADX struct {
	period int
}

// NewADX creates a new ADX indicator.
func NewADX(period int) *ADX {
	return &ADX{period: period}
}

func (a *ADX) Name() string {
	return fmt.Sprintf("ADX_%d", a.period)
}

// Period is the minimum bar count for a full ADX value. +DI and -DI appear
// earlier, from period+1 bars.
func (a *ADX) Period() int {
	return a.period * 2
}

// Calculate returns bar-aligned series keyed "adx", "plus_di" and
// "minus_di". DI values start at index period; ADX values start at index
// 2*period-1. Earlier slots are zero.
func (a *ADX) Calculate(bars []models.Bar) (map[string][]float64, error) {
	if a.period <= 0 {
		return nil, ErrInvalidPeriod
	}
	if len(bars) < a.period+1 {
		return nil, ErrInsufficientData
	}

	n := len(bars)
	deltas := n - 1
	plusDM := make([]float64, deltas)
	minusDM := make([]float64, deltas)
	tr := make([]float64, deltas)

	for i := 1; i < n; i++ {
		upMove := bars[i].High - bars[i-1].High
		downMove := bars[i-1].Low - bars[i].Low

		if upMove > downMove && upMove > 0 {
			plusDM[i-1] = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM[i-1] = downMove
		}
		tr[i-1] = trueRange(bars[i], bars[i-1])
	}

	smoothTR := wilderSmooth(tr, a.period)
	smoothPlusDM := wilderSmooth(plusDM, a.period)
	smoothMinusDM := wilderSmooth(minusDM, a.period)

	plusDI := make([]float64, n)
	minusDI := make([]float64, n)
	dx := make([]float64, deltas)

	for j := a.period - 1; j < deltas; j++ {
		if smoothTR[j] != 0 {
			plusDI[j+1] = 100 * smoothPlusDM[j] / smoothTR[j]
			minusDI[j+1] = 100 * smoothMinusDM[j] / smoothTR[j]
		}
		diSum := plusDI[j+1] + minusDI[j+1]
		if diSum != 0 {
			dx[j] = 100 * abs(plusDI[j+1]-minusDI[j+1]) / diSum
		}
	}

	// ADX is Wilder-smoothed DX; the first DX sits at delta index period-1,
	// so a full seed needs period DX values and lands at bar index 2*period-1.
	adxResult := make([]float64, n)
	dxSeries := dx[a.period-1:]
	if smoothDX := wilderSmooth(dxSeries, a.period); smoothDX != nil {
		for j := a.period - 1; j < len(smoothDX); j++ {
			adxResult[a.period+j] = smoothDX[j]
		}
	}

	return map[string][]float64{
		"adx":      adxResult,
		"plus_di":  plusDI,
		"minus_di": minusDI,
	}, nil
}

// Latest returns the most recent ADX, +DI and -DI. Requires 2*period bars
// so the ADX smoothing seed is complete.
func (a *ADX) Latest(bars []models.Bar) (ADXSnapshot, error) {
	if a.period > 0 && len(bars) < a.Period() {
		return ADXSnapshot{}, ErrInsufficientData
	}
	values, err := a.Calculate(bars)
	if err != nil {
		return ADXSnapshot{}, err
	}
	last := len(bars) - 1
	return ADXSnapshot{
		ADX:     values["adx"][last],
		PlusDI:  values["plus_di"][last],
		MinusDI: values["minus_di"][last],
	}, nil
}
