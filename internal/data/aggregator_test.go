package data

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"adx-trader/internal/events"
	"adx-trader/internal/models"
)

func istLocation(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}
	return loc
}

func newTestBus(t *testing.T) *events.Bus {
	t.Helper()
	bus, err := events.NewBus(events.DefaultBusConfig(filepath.Join(t.TempDir(), "events.jsonl")), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewBus: %v", err)
	}
	bus.Start()
	t.Cleanup(func() { bus.Close() })
	return bus
}

func tickAt(ts time.Time, price float64) models.Tick {
	return models.Tick{Symbol: "NIFTY 50", Token: 256265, LastPrice: price, Volume: 10, Timestamp: ts}
}

func TestFloorBoundaryLocalTime(t *testing.T) {
	loc := istLocation(t)
	at := time.Date(2025, time.September, 23, 10, 37, 42, 0, loc)

	tests := []struct {
		tf   models.Timeframe
		want time.Time
	}{
		{models.TimeframeMinute, time.Date(2025, time.September, 23, 10, 37, 0, 0, loc)},
		{models.TimeframeFiveMin, time.Date(2025, time.September, 23, 10, 35, 0, 0, loc)},
		{models.TimeframeFifteen, time.Date(2025, time.September, 23, 10, 30, 0, 0, loc)},
		{models.TimeframeHourly, time.Date(2025, time.September, 23, 10, 0, 0, 0, loc)},
		{models.TimeframeDaily, time.Date(2025, time.September, 23, 0, 0, 0, 0, loc)},
	}
	for _, tt := range tests {
		got := FloorBoundary(at.UTC(), tt.tf, loc)
		if !got.Equal(tt.want.UTC()) {
			t.Errorf("%s: FloorBoundary = %v, want %v", tt.tf, got, tt.want.UTC())
		}
		if got.Location() != time.UTC {
			t.Errorf("%s: boundary not returned in UTC", tt.tf)
		}
	}
}

func TestAggregatorCompletesBarOnBoundaryCrossing(t *testing.T) {
	loc := istLocation(t)
	store := newTestStore(t, 10)
	bus := newTestBus(t)
	agg := NewBarAggregator("NIFTY 50", 256265, models.TimeframeMinute, loc, store, bus, zerolog.Nop())

	// Last tick of the 10:04 bar and first tick of the 10:05 bar.
	before := time.Date(2025, time.September, 23, 10, 4, 59, 800_000_000, loc)
	after := time.Date(2025, time.September, 23, 10, 5, 0, 100_000_000, loc)

	if err := agg.OnTick(tickAt(before.UTC(), 23510)); err != nil {
		t.Fatalf("OnTick: %v", err)
	}
	if err := agg.OnTick(tickAt(after.UTC(), 23512)); err != nil {
		t.Fatalf("OnTick: %v", err)
	}

	last, ok := store.Last()
	if !ok {
		t.Fatal("no completed bar in store")
	}
	wantBoundary := time.Date(2025, time.September, 23, 10, 4, 0, 0, loc).UTC()
	if !last.Timestamp.Equal(wantBoundary) {
		t.Errorf("completed boundary = %v, want %v", last.Timestamp, wantBoundary)
	}
	if last.Close != 23510 || !last.Complete {
		t.Errorf("completed bar = %+v", last)
	}

	partial, open := agg.Partial()
	if !open {
		t.Fatal("no partial bar after rollover")
	}
	wantNext := time.Date(2025, time.September, 23, 10, 5, 0, 0, loc).UTC()
	if !partial.Timestamp.Equal(wantNext) || partial.Open != 23512 {
		t.Errorf("partial = %+v, want boundary %v open 23512", partial, wantNext)
	}

	key := fmt.Sprintf("bar_ready:NIFTY 50:1m:%d", wantBoundary.Unix())
	if !bus.Seen(key) {
		t.Error("BAR_READY not published for completed boundary")
	}
}

func TestAggregatorUpdatesOpenBar(t *testing.T) {
	loc := istLocation(t)
	store := newTestStore(t, 10)
	agg := NewBarAggregator("NIFTY 50", 256265, models.TimeframeMinute, loc, store, nil, zerolog.Nop())

	base := time.Date(2025, time.September, 23, 10, 4, 10, 0, loc)
	for i, price := range []float64{100, 105, 95, 98} {
		if err := agg.OnTick(tickAt(base.Add(time.Duration(i)*time.Second).UTC(), price)); err != nil {
			t.Fatalf("OnTick: %v", err)
		}
	}

	partial, ok := agg.Partial()
	if !ok {
		t.Fatal("expected open bar")
	}
	if partial.Open != 100 || partial.High != 105 || partial.Low != 95 || partial.Close != 98 {
		t.Errorf("OHLC = %v/%v/%v/%v", partial.Open, partial.High, partial.Low, partial.Close)
	}
	if partial.Volume != 40 {
		t.Errorf("volume = %d, want 40", partial.Volume)
	}
	if store.Len() != 0 {
		t.Errorf("store holds %d bars before any boundary crossing", store.Len())
	}
}

func TestAggregatorFinalize(t *testing.T) {
	loc := istLocation(t)
	store := newTestStore(t, 10)
	agg := NewBarAggregator("NIFTY 50", 256265, models.TimeframeMinute, loc, store, nil, zerolog.Nop())

	// Finalize with no open bar is a no-op.
	if err := agg.Finalize(); err != nil {
		t.Fatalf("Finalize on empty: %v", err)
	}
	if store.Len() != 0 {
		t.Fatal("finalize on empty aggregator wrote a bar")
	}

	at := time.Date(2025, time.September, 23, 15, 29, 50, 0, loc)
	if err := agg.OnTick(tickAt(at.UTC(), 23520)); err != nil {
		t.Fatalf("OnTick: %v", err)
	}
	if err := agg.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	if store.Len() != 1 {
		t.Fatalf("store holds %d bars after finalize, want 1", store.Len())
	}
	if _, open := agg.Partial(); open {
		t.Error("partial bar survived finalize")
	}

	// A late tick for the finalized boundary must not reopen it.
	if err := agg.OnTick(tickAt(at.Add(2 * time.Second).UTC(), 23521)); err != nil {
		t.Fatalf("OnTick: %v", err)
	}
	if _, open := agg.Partial(); open {
		t.Error("late tick reopened a completed boundary")
	}
	if store.Len() != 1 {
		t.Errorf("store holds %d bars after late tick, want 1", store.Len())
	}
}

func TestAggregatorDropsOutOfOrderTick(t *testing.T) {
	loc := istLocation(t)
	store := newTestStore(t, 10)
	agg := NewBarAggregator("NIFTY 50", 256265, models.TimeframeMinute, loc, store, nil, zerolog.Nop())

	now := time.Date(2025, time.September, 23, 10, 5, 10, 0, loc)
	if err := agg.OnTick(tickAt(now.UTC(), 100)); err != nil {
		t.Fatalf("OnTick: %v", err)
	}
	if err := agg.OnTick(tickAt(now.Add(-2*time.Minute).UTC(), 90)); err != nil {
		t.Fatalf("OnTick: %v", err)
	}

	partial, _ := agg.Partial()
	if partial.Low != 100 {
		t.Errorf("stale tick mutated open bar: low = %v", partial.Low)
	}
}

func TestAggregatorGapCheck(t *testing.T) {
	loc := istLocation(t)
	store := newTestStore(t, 10)
	agg := NewBarAggregator("NIFTY 50", 256265, models.TimeframeMinute, loc, store, nil, zerolog.Nop())

	base := time.Date(2025, time.September, 23, 10, 0, 0, 0, time.UTC)
	current := base
	agg.now = func() time.Time { return current }

	agg.lastTick = base
	current = base.Add(90 * time.Second)

	if agg.GapCheck(2 * time.Minute) {
		t.Error("90s silence flagged against 120s threshold")
	}
	if !agg.GapCheck(time.Minute) {
		t.Error("90s silence not flagged against 60s threshold")
	}

	// A tick resets the watchdog.
	if err := agg.OnTick(tickAt(current, 100)); err != nil {
		t.Fatalf("OnTick: %v", err)
	}
	if agg.GapCheck(time.Minute) {
		t.Error("gap reported immediately after a tick")
	}
}

func TestMultiAggregatorRoutesBySymbolOrToken(t *testing.T) {
	loc := istLocation(t)
	niftyStore := newTestStore(t, 10)
	bankStore, err := NewBarStore(t.TempDir(), "BANKNIFTY", models.TimeframeMinute, 10, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewBarStore: %v", err)
	}
	t.Cleanup(func() { bankStore.Close() })

	nifty := NewBarAggregator("NIFTY 50", 256265, models.TimeframeMinute, loc, niftyStore, nil, zerolog.Nop())
	bank := NewBarAggregator("BANKNIFTY", 260105, models.TimeframeMinute, loc, bankStore, nil, zerolog.Nop())

	multi := NewMultiBarAggregator(zerolog.Nop())
	multi.Add(nifty)
	multi.Add(bank)

	at := time.Date(2025, time.September, 23, 10, 0, 5, 0, loc).UTC()

	// Token-only tick reaches the NIFTY aggregator.
	multi.OnTick(models.Tick{Token: 256265, LastPrice: 23500, Volume: 1, Timestamp: at})
	// Symbol-only tick reaches the BANKNIFTY aggregator.
	multi.OnTick(models.Tick{Symbol: "BANKNIFTY", LastPrice: 51000, Volume: 1, Timestamp: at})

	if _, open := nifty.Partial(); !open {
		t.Error("token-routed tick missed NIFTY aggregator")
	}
	if _, open := bank.Partial(); !open {
		t.Error("symbol-routed tick missed BANKNIFTY aggregator")
	}

	niftyBar, _ := nifty.Partial()
	if niftyBar.Open != 23500 {
		t.Errorf("NIFTY open = %v", niftyBar.Open)
	}
	bankBar, _ := bank.Partial()
	if bankBar.Open != 51000 {
		t.Errorf("BANKNIFTY open = %v", bankBar.Open)
	}
}
