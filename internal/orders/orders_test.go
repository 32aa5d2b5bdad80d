package orders

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"adx-trader/internal/broker"
	"adx-trader/internal/config"
	apperrors "adx-trader/internal/errors"
	"adx-trader/internal/events"
	"adx-trader/internal/models"
)

// stubPlacer fails the first failures calls, then accepts.
type stubPlacer struct {
	mu       sync.Mutex
	failures int
	calls    int
	requests []broker.OrderRequest
}

func (s *stubPlacer) PlaceOrder(_ context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.requests = append(s.requests, req)
	if s.calls <= s.failures {
		return broker.OrderResult{}, errors.New("exchange throttled")
	}
	return broker.OrderResult{
		BrokerOrderID: fmt.Sprintf("KITE_%d", s.calls),
		Status:        broker.StatusOpen,
	}, nil
}

func (s *stubPlacer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubPlacer) prices() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]float64, len(s.requests))
	for i, r := range s.requests {
		out[i] = r.LimitPrice
	}
	return out
}

func testOrdersConfig() config.OrdersConfig {
	return config.OrdersConfig{
		RetryStepsPct:   []float64{0.25, 0.5, 1.0},
		MaxRetries:      3,
		RetryBackoffSec: []int{0},
	}
}

func testBus(t *testing.T) *events.Bus {
	t.Helper()
	bus, err := events.NewBus(events.DefaultBusConfig(filepath.Join(t.TempDir(), "events.jsonl")), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewBus: %v", err)
	}
	bus.Start()
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func testIntent(key string) models.OrderIntent {
	return models.OrderIntent{
		Symbol:            "NIFTY25SEP23500CE",
		Token:             1001,
		Side:              models.OrderSideBuy,
		Quantity:          75,
		InitialLimitPrice: 100.0,
		IdempotencyKey:    key,
	}
}

func TestPlaceWalksPriceLadderOnRetries(t *testing.T) {
	placer := &stubPlacer{failures: 3}
	mgr := NewManager(placer, testBus(t), testOrdersConfig(), 0.05, zerolog.Nop())

	orderID, err := mgr.Place(context.Background(), testIntent("ladder-1"))
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if placer.callCount() != 4 {
		t.Fatalf("broker calls = %d, want 4", placer.callCount())
	}

	want := []float64{100.0, 100.25, 100.50, 101.00}
	got := placer.prices()
	for i, p := range want {
		if diff := got[i] - p; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("attempt %d price = %v, want %v", i, got[i], p)
		}
	}

	order, err := mgr.Get(orderID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if order.Status != models.OrderSubmitted {
		t.Errorf("status = %s, want %s", order.Status, models.OrderSubmitted)
	}
	if order.Attempts != 4 {
		t.Errorf("attempts = %d, want 4", order.Attempts)
	}
	if order.BrokerOrderID == "" {
		t.Error("broker order ID not recorded")
	}
}

func TestPlaceFailsAfterRetriesExhausted(t *testing.T) {
	placer := &stubPlacer{failures: 100}
	cfg := testOrdersConfig()
	cfg.MaxRetries = 2
	mgr := NewManager(placer, testBus(t), cfg, 0.05, zerolog.Nop())

	orderID, err := mgr.Place(context.Background(), testIntent("exhaust-1"))
	if err == nil {
		t.Fatal("expected placement failure")
	}
	var orderErr *apperrors.OrderError
	if !errors.As(err, &orderErr) {
		t.Fatalf("error type = %T, want *apperrors.OrderError", err)
	}
	if orderErr.Code != apperrors.CodeOrderPlacement {
		t.Errorf("code = %s, want %s", orderErr.Code, apperrors.CodeOrderPlacement)
	}
	if placer.callCount() != 3 {
		t.Errorf("broker calls = %d, want 3", placer.callCount())
	}

	order, err := mgr.Get(orderID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if order.Status != models.OrderFailed {
		t.Errorf("status = %s, want %s", order.Status, models.OrderFailed)
	}
}

func TestPlaceIsIdempotentByKey(t *testing.T) {
	placer := &stubPlacer{}
	mgr := NewManager(placer, testBus(t), testOrdersConfig(), 0.05, zerolog.Nop())

	first, err := mgr.Place(context.Background(), testIntent("same-key"))
	if err != nil {
		t.Fatalf("first Place: %v", err)
	}
	second, err := mgr.Place(context.Background(), testIntent("same-key"))
	if err != nil {
		t.Fatalf("second Place: %v", err)
	}
	if first != second {
		t.Errorf("order IDs differ: %s vs %s", first, second)
	}
	if placer.callCount() != 1 {
		t.Errorf("broker calls = %d, want 1", placer.callCount())
	}
}

func TestPlaceReplayAfterFailureReturnsSameOrder(t *testing.T) {
	placer := &stubPlacer{failures: 100}
	cfg := testOrdersConfig()
	cfg.MaxRetries = 1
	mgr := NewManager(placer, testBus(t), cfg, 0.05, zerolog.Nop())

	first, err := mgr.Place(context.Background(), testIntent("failed-key"))
	if err == nil {
		t.Fatal("expected placement failure")
	}
	callsAfterFirst := placer.callCount()

	second, err := mgr.Place(context.Background(), testIntent("failed-key"))
	if err != nil {
		t.Fatalf("replay Place: %v", err)
	}
	if second != first {
		t.Errorf("replay returned %s, want %s", second, first)
	}
	if placer.callCount() != callsAfterFirst {
		t.Errorf("replay reached the broker: calls %d -> %d", callsAfterFirst, placer.callCount())
	}
}

func TestPlaceEmitsLifecycleEvents(t *testing.T) {
	bus := testBus(t)
	var mu sync.Mutex
	kinds := make(map[events.Kind]int)
	for _, k := range []events.Kind{events.OrderIntentCreated, events.OrderRetrying, events.OrderPlaced} {
		kind := k
		bus.Subscribe(kind, func(events.Event) error {
			mu.Lock()
			kinds[kind]++
			mu.Unlock()
			return nil
		})
	}

	placer := &stubPlacer{failures: 1}
	mgr := NewManager(placer, bus, testOrdersConfig(), 0.05, zerolog.Nop())
	if _, err := mgr.Place(context.Background(), testIntent("events-1")); err != nil {
		t.Fatalf("Place: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := kinds[events.OrderIntentCreated] == 1 && kinds[events.OrderRetrying] == 1 && kinds[events.OrderPlaced] == 1
		mu.Unlock()
		if done {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	t.Fatalf("event counts = %v, want one of each", kinds)
}

func TestMarkExecutedTransitions(t *testing.T) {
	placer := &stubPlacer{}
	mgr := NewManager(placer, testBus(t), testOrdersConfig(), 0.05, zerolog.Nop())

	orderID, err := mgr.Place(context.Background(), testIntent("fill-1"))
	if err != nil {
		t.Fatalf("Place: %v", err)
	}

	if err := mgr.MarkExecuted(orderID, 101.2, 25); err != nil {
		t.Fatalf("MarkExecuted partial: %v", err)
	}
	order, _ := mgr.Get(orderID)
	if order.Status != models.OrderPartiallyFilled {
		t.Errorf("status after partial = %s, want %s", order.Status, models.OrderPartiallyFilled)
	}

	if err := mgr.MarkExecuted(orderID, 101.2, 75); err != nil {
		t.Fatalf("MarkExecuted full: %v", err)
	}
	order, _ = mgr.Get(orderID)
	if order.Status != models.OrderFilled {
		t.Errorf("status after full = %s, want %s", order.Status, models.OrderFilled)
	}
	if order.FillPrice != 101.2 || order.FillQuantity != 75 {
		t.Errorf("fill = %.2f x %d, want 101.20 x 75", order.FillPrice, order.FillQuantity)
	}

	err = mgr.MarkExecuted("missing-id", 100, 75)
	var orderErr *apperrors.OrderError
	if !errors.As(err, &orderErr) {
		t.Fatalf("error type = %T, want *apperrors.OrderError", err)
	}
}

func TestBackoffHoldsAtLastRung(t *testing.T) {
	cfg := config.OrdersConfig{RetryBackoffSec: []int{1, 2, 5}}
	mgr := NewManager(&stubPlacer{}, nil, cfg, 0.05, zerolog.Nop())

	cases := []struct {
		rung int
		want time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 5 * time.Second},
		{3, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tc := range cases {
		if got := mgr.backoffFor(tc.rung); got != tc.want {
			t.Errorf("backoffFor(%d) = %v, want %v", tc.rung, got, tc.want)
		}
	}
}

func TestWalkedPriceStaysOnTickGrid(t *testing.T) {
	cfg := config.OrdersConfig{RetryStepsPct: []float64{0.3, 0.7}}
	mgr := NewManager(&stubPlacer{}, nil, cfg, 0.05, zerolog.Nop())

	// 123.45 * 1.003 = 123.82035, nearest tick 123.80, exactly: the walked
	// price feeds the validator's own grid check.
	if got := mgr.walkedPrice(123.45, 0); got != 123.80 {
		t.Errorf("walkedPrice rung 0 = %v, want 123.80", got)
	}
	if got := mgr.walkedPrice(100, 1); got != 100.70 {
		t.Errorf("walkedPrice rung 1 = %v, want 100.70", got)
	}
	// Ladder holds at its last rung.
	if got, want := mgr.walkedPrice(100, 5), mgr.walkedPrice(100, 1); got != want {
		t.Errorf("walkedPrice beyond ladder = %v, want %v", got, want)
	}
}

func validInstrument() models.Instrument {
	return models.Instrument{
		Token:      1001,
		Symbol:     "NIFTY25SEP23500CE",
		Underlying: "NIFTY",
		LotSize:    75,
		TickSize:   0.05,
	}
}

func TestValidateChecks(t *testing.T) {
	limits := config.LimitsConfig{
		FreezeQuantity: map[string]int{"nifty": 1800},
		LotSize:        map[string]int{"nifty": 75},
		TickSize:       0.05,
		PriceBandPct:   5.0,
	}
	v := NewValidator(limits)

	base := models.OrderIntent{
		IntentID:          "intent-1",
		Symbol:            "NIFTY25SEP23500CE",
		Token:             1001,
		Side:              models.OrderSideBuy,
		Quantity:          150,
		InitialLimitPrice: 100.0,
	}
	baseCtx := ValidationContext{
		Instrument:       validInstrument(),
		ReferencePrice:   100.0,
		AvailableBalance: 50000.0,
		MarketOpen:       true,
	}

	tests := []struct {
		name     string
		mutate   func(*models.OrderIntent, *ValidationContext)
		wantCode string
	}{
		{"valid order passes", func(*models.OrderIntent, *ValidationContext) {}, ""},
		{"zero quantity", func(i *models.OrderIntent, _ *ValidationContext) { i.Quantity = 0 }, apperrors.CodeOrderRejected},
		{"negative price", func(i *models.OrderIntent, _ *ValidationContext) { i.InitialLimitPrice = -1 }, apperrors.CodeOrderRejected},
		{"not lot multiple", func(i *models.OrderIntent, _ *ValidationContext) { i.Quantity = 100 }, apperrors.CodeOrderRejected},
		{"freeze breach", func(i *models.OrderIntent, _ *ValidationContext) { i.Quantity = 1875 }, apperrors.CodeFreezeBreach},
		{"off tick grid", func(i *models.OrderIntent, _ *ValidationContext) { i.InitialLimitPrice = 100.03 }, apperrors.CodeOrderRejected},
		{"outside price band", func(i *models.OrderIntent, _ *ValidationContext) { i.InitialLimitPrice = 110.0 }, apperrors.CodePriceBand},
		{"insufficient balance", func(_ *models.OrderIntent, c *ValidationContext) { c.AvailableBalance = 1000 }, apperrors.CodeInsufficientMargin},
		{"symbol mismatch", func(_ *models.OrderIntent, c *ValidationContext) { c.Instrument.Symbol = "NIFTY25SEP23600CE" }, apperrors.CodeOrderRejected},
		{"token mismatch", func(_ *models.OrderIntent, c *ValidationContext) { c.Instrument.Token = 9999 }, apperrors.CodeOrderRejected},
		{"market closed", func(_ *models.OrderIntent, c *ValidationContext) { c.MarketOpen = false }, apperrors.CodeMarketClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			intent := base
			vc := baseCtx
			tt.mutate(&intent, &vc)
			err := v.Validate(intent, vc)
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected validation error")
			}
			if code := apperrors.CodeOf(err); code != tt.wantCode {
				t.Errorf("code = %s, want %s (err: %v)", code, tt.wantCode, err)
			}
		})
	}
}

func TestValidateSkipsBandWithoutReference(t *testing.T) {
	v := NewValidator(config.LimitsConfig{TickSize: 0.05, PriceBandPct: 5.0})
	intent := models.OrderIntent{
		Symbol:            "NIFTY25SEP23500CE",
		Quantity:          75,
		InitialLimitPrice: 250.0,
	}
	vc := ValidationContext{
		Instrument:       validInstrument(),
		AvailableBalance: 50000.0,
		MarketOpen:       true,
	}
	if err := v.Validate(intent, vc); err != nil {
		t.Fatalf("Validate without reference: %v", err)
	}
}
