package indicators

import (
	"context"
	"math"
	"testing"
)

func testPanel() *Panel {
	return DefaultPanel(PanelConfig{
		ADXPeriod: 14,
		RSIPeriod: 14,
		EMAPeriod: 20,
		SMAPeriod: 14,
		ATRPeriod: 14,
		Workers:   2,
	})
}

func TestPanelComputesAllMetricsWithEnoughBars(t *testing.T) {
	panel := testPanel()
	values := panel.Compute(context.Background(), trendingBars(60, 100, 2))

	for _, metric := range panel.Names() {
		if _, ok := values[metric]; !ok {
			t.Errorf("metric %s missing from panel", metric)
		}
	}
	if values[MetricPlusDI] <= values[MetricMinusDI] {
		t.Errorf("uptrend panel has +DI %v <= -DI %v", values[MetricPlusDI], values[MetricMinusDI])
	}
}

func TestPanelSkipsMetricsOnShortSeries(t *testing.T) {
	panel := testPanel()
	values := panel.Compute(context.Background(), trendingBars(5, 100, 2))

	for _, metric := range []string{MetricADX, MetricRSI, MetricEMA, MetricATR} {
		if _, ok := values[metric]; ok {
			t.Errorf("metric %s reported on a 5-bar series", metric)
		}
	}
	// VWAP needs only one bar with volume.
	if _, ok := values[MetricVWAP]; !ok {
		t.Error("vwap missing on short series")
	}
}

func TestPanelMatchesDirectCalculation(t *testing.T) {
	bars := trendingBars(60, 100, 2)
	values := testPanel().Compute(context.Background(), bars)

	rsi, err := NewRSI(14).Latest(bars)
	if err != nil {
		t.Fatalf("RSI: %v", err)
	}
	if math.Abs(values[MetricRSI]-rsi) > 1e-9 {
		t.Errorf("panel rsi = %v, direct = %v", values[MetricRSI], rsi)
	}

	snap, err := NewADX(14).Latest(bars)
	if err != nil {
		t.Fatalf("ADX: %v", err)
	}
	if math.Abs(values[MetricADX]-snap.ADX) > 1e-9 {
		t.Errorf("panel adx = %v, direct = %v", values[MetricADX], snap.ADX)
	}
}

func TestPanelCancelledContextReturnsPartial(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	values := testPanel().Compute(ctx, trendingBars(60, 100, 2))
	if len(values) == len(testPanel().Names()) {
		// Workers may have drained a job before observing cancellation, but
		// a cancelled context must not guarantee a full panel.
		t.Skip("all workers finished before cancellation was observed")
	}
}
