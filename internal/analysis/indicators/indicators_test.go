package indicators

import (
	"errors"
	"math"
	"testing"
	"time"

	"adx-trader/internal/models"
)

func flatBars(n int, price float64) []models.Bar {
	bars := make([]models.Bar, n)
	for i := range bars {
		bars[i] = models.Bar{
			Timestamp: time.Date(2025, 9, 1, 9, 15, 0, 0, time.UTC).Add(time.Duration(i) * time.Hour),
			Open:      price,
			High:      price,
			Low:       price,
			Close:     price,
			Volume:    1000,
			Complete:  true,
		}
	}
	return bars
}

func trendingBars(n int, start, step float64) []models.Bar {
	bars := make([]models.Bar, n)
	for i := range bars {
		base := start + float64(i)*step
		bars[i] = models.Bar{
			Timestamp: time.Date(2025, 9, 1, 9, 15, 0, 0, time.UTC).Add(time.Duration(i) * time.Hour),
			Open:      base,
			High:      base + 5,
			Low:       base - 5,
			Close:     base + 2,
			Volume:    1000,
			Complete:  true,
		}
	}
	return bars
}

func TestRSIFlatSeriesReturns100(t *testing.T) {
	rsi := NewRSI(14)
	values, err := rsi.Calculate(flatBars(30, 22000))
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	for i := 14; i < len(values); i++ {
		if values[i] != 100 {
			t.Errorf("flat series RSI[%d] = %v, want 100", i, values[i])
		}
	}

	latest, err := rsi.Latest(flatBars(30, 22000))
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest != 100 {
		t.Errorf("Latest = %v, want 100", latest)
	}
}

func TestRSIInsufficientData(t *testing.T) {
	rsi := NewRSI(14)
	if _, err := rsi.Calculate(flatBars(14, 100)); !errors.Is(err, ErrInsufficientData) {
		t.Errorf("14 bars with period 14: err = %v, want ErrInsufficientData", err)
	}
	if _, err := rsi.Calculate(flatBars(15, 100)); err != nil {
		t.Errorf("15 bars with period 14: unexpected err %v", err)
	}
}

func TestADXRequiresPeriodPlusOneBars(t *testing.T) {
	adx := NewADX(14)
	if _, err := adx.Calculate(trendingBars(14, 22000, 10)); !errors.Is(err, ErrInsufficientData) {
		t.Errorf("14 bars: err = %v, want ErrInsufficientData", err)
	}
	values, err := adx.Calculate(trendingBars(15, 22000, 10))
	if err != nil {
		t.Fatalf("15 bars: %v", err)
	}
	// DI values exist from bar index 14; ADX needs a full DX seed.
	if values["plus_di"][14] == 0 {
		t.Error("plus_di[14] = 0, want positive for uptrend")
	}
	if values["adx"][14] != 0 {
		t.Errorf("adx[14] = %v, want 0 before the smoothing seed completes", values["adx"][14])
	}
}

func TestADXLatestNeedsFullSeed(t *testing.T) {
	adx := NewADX(14)
	if _, err := adx.Latest(trendingBars(27, 22000, 10)); !errors.Is(err, ErrInsufficientData) {
		t.Errorf("27 bars: err = %v, want ErrInsufficientData", err)
	}
	snap, err := adx.Latest(trendingBars(28, 22000, 10))
	if err != nil {
		t.Fatalf("28 bars: %v", err)
	}
	if snap.ADX <= 0 {
		t.Errorf("ADX = %v, want positive", snap.ADX)
	}
}

func TestADXUptrendFavorsPlusDI(t *testing.T) {
	adx := NewADX(14)
	snap, err := adx.Latest(trendingBars(40, 22000, 15))
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if snap.PlusDI <= snap.MinusDI {
		t.Errorf("uptrend: +DI %v <= -DI %v", snap.PlusDI, snap.MinusDI)
	}
	// A monotone uptrend has no -DM at all, so DX is pinned at 100.
	if snap.MinusDI != 0 {
		t.Errorf("-DI = %v, want 0 for monotone uptrend", snap.MinusDI)
	}
	if math.Abs(snap.ADX-100) > 1e-9 {
		t.Errorf("ADX = %v, want 100 for monotone uptrend", snap.ADX)
	}
}

func TestADXDowntrendFavorsMinusDI(t *testing.T) {
	adx := NewADX(14)
	snap, err := adx.Latest(trendingBars(40, 25000, -15))
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if snap.MinusDI <= snap.PlusDI {
		t.Errorf("downtrend: -DI %v <= +DI %v", snap.MinusDI, snap.PlusDI)
	}
}

func TestEMASeededBySMA(t *testing.T) {
	ema := NewEMA(5)
	bars := trendingBars(5, 100, 10)
	values, err := ema.Calculate(bars)
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	want := mean(closePrices(bars))
	if math.Abs(values[4]-want) > 1e-9 {
		t.Errorf("EMA[4] = %v, want SMA seed %v", values[4], want)
	}
}

func TestVWAPZeroVolumeHasNoValue(t *testing.T) {
	bars := flatBars(10, 150)
	for i := range bars {
		bars[i].Volume = 0
	}
	vwap := NewVWAP()
	if _, err := vwap.Latest(bars); !errors.Is(err, ErrInsufficientData) {
		t.Errorf("zero-volume VWAP err = %v, want ErrInsufficientData", err)
	}
}

func TestVWAPFlatSeriesEqualsPrice(t *testing.T) {
	vwap := NewVWAP()
	latest, err := vwap.Latest(flatBars(10, 150))
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if math.Abs(latest-150) > 1e-9 {
		t.Errorf("VWAP = %v, want 150", latest)
	}
}

func TestRoundToStrike(t *testing.T) {
	tests := []struct {
		price     float64
		increment int
		want      float64
	}{
		{19345.0, 50, 19300},
		{19375.0, 50, 19350},
		{19399.99, 50, 19350},
		{23547.5, 50, 23500},
		{23550.0, 50, 23550},
		{45123.0, 100, 45100},
		{0, 50, 0},
		{-75.0, 50, -100},
	}
	for _, tt := range tests {
		if got := RoundToStrike(tt.price, tt.increment); got != tt.want {
			t.Errorf("RoundToStrike(%v, %d) = %v, want %v", tt.price, tt.increment, got, tt.want)
		}
	}
}

func TestInvalidPeriodRejected(t *testing.T) {
	bars := flatBars(30, 100)
	if _, err := NewRSI(0).Calculate(bars); !errors.Is(err, ErrInvalidPeriod) {
		t.Errorf("RSI period 0: err = %v, want ErrInvalidPeriod", err)
	}
	if _, err := NewADX(-1).Calculate(bars); !errors.Is(err, ErrInvalidPeriod) {
		t.Errorf("ADX period -1: err = %v, want ErrInvalidPeriod", err)
	}
	if _, err := NewEMA(0).Calculate(bars); !errors.Is(err, ErrInvalidPeriod) {
		t.Errorf("EMA period 0: err = %v, want ErrInvalidPeriod", err)
	}
}
