package events

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"

	apperrors "adx-trader/internal/errors"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	dir := t.TempDir()
	bus, err := NewBus(DefaultBusConfig(filepath.Join(dir, "events.jsonl")), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewBus: %v", err)
	}
	return bus
}

func TestEventJSONRoundTrip(t *testing.T) {
	e := New(BarReady, "BAR_READY:NIFTY:5m:1727088300", map[string]any{
		"symbol":    "NIFTY",
		"timeframe": "5m",
	})

	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, field := range []string{`"kind":"BAR_READY"`, `"timestamp_ms"`, `"idempotency_key"`} {
		if !strings.Contains(string(data), field) {
			t.Errorf("serialized event missing %s: %s", field, data)
		}
	}

	var back Event
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Kind != e.Kind || back.IdempotencyKey != e.IdempotencyKey {
		t.Errorf("round trip mismatch: got %+v want %+v", back, e)
	}
	if back.TimestampMS != e.Timestamp.UnixMilli() {
		t.Errorf("timestamp_ms = %d, want %d", back.TimestampMS, e.Timestamp.UnixMilli())
	}
}

func TestBusDeliversInPublishOrder(t *testing.T) {
	bus := newTestBus(t)
	bus.Start()

	var mu sync.Mutex
	var got []string
	bus.Subscribe(TickReceived, func(e Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.IdempotencyKey)
		return nil
	})

	want := []string{"k1", "k2", "k3", "k4", "k5"}
	for _, k := range want {
		if err := bus.Publish(New(TickReceived, k, nil)); err != nil {
			t.Fatalf("publish %s: %v", k, err)
		}
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != len(want) {
		t.Fatalf("delivered %d events, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

func TestBusRejectsDuplicateKey(t *testing.T) {
	bus := newTestBus(t)
	bus.Start()

	var mu sync.Mutex
	delivered := 0
	bus.Subscribe(OrderPlaced, func(Event) error {
		mu.Lock()
		defer mu.Unlock()
		delivered++
		return nil
	})

	if err := bus.Publish(New(OrderPlaced, "dup-key", nil)); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	err := bus.Publish(New(OrderPlaced, "dup-key", nil))
	if !apperrors.Is(err, apperrors.ErrDuplicateEvent) {
		t.Fatalf("second publish error = %v, want ErrDuplicateEvent", err)
	}
	if code := apperrors.CodeOf(err); code != apperrors.CodeDuplicateEvent {
		t.Errorf("duplicate code = %s, want %s", code, apperrors.CodeDuplicateEvent)
	}
	if !bus.Seen("dup-key") {
		t.Error("Seen(dup-key) = false after publish")
	}

	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	mu.Lock()
	if delivered != 1 {
		t.Errorf("delivered = %d, want 1", delivered)
	}
	mu.Unlock()

	// The rejected publish must leave no trace in the durable log.
	data, err := os.ReadFile(bus.cfg.LogPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Count(string(data), "\n")
	if lines != 1 {
		t.Errorf("log has %d lines, want 1", lines)
	}
}

func TestBusHandlerFailureDoesNotHaltDelivery(t *testing.T) {
	bus := newTestBus(t)
	bus.Start()

	var mu sync.Mutex
	secondCalled := false
	bus.Subscribe(VixSpike, func(Event) error {
		return apperrors.New("handler exploded")
	})
	bus.Subscribe(VixSpike, func(Event) error {
		mu.Lock()
		defer mu.Unlock()
		secondCalled = true
		return nil
	})

	if err := bus.Publish(New(VixSpike, "vix-1", nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if !secondCalled {
		t.Error("second handler not invoked after first handler error")
	}
	if _, errs := bus.Stats(); errs != 1 {
		t.Errorf("handler errors = %d, want 1", errs)
	}
}

func TestBusSubscribeAllSeesEveryKind(t *testing.T) {
	bus := newTestBus(t)
	bus.Start()

	var mu sync.Mutex
	kinds := make(map[Kind]int)
	bus.SubscribeAll(func(e Event) error {
		mu.Lock()
		defer mu.Unlock()
		kinds[e.Kind]++
		return nil
	})

	published := []Kind{MarketOpen, SignalGenerated, PositionClosed}
	for i, k := range published {
		if err := bus.Publish(New(k, string(rune('a'+i)), nil)); err != nil {
			t.Fatalf("publish %s: %v", k, err)
		}
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, k := range published {
		if kinds[k] != 1 {
			t.Errorf("kind %s delivered %d times, want 1", k, kinds[k])
		}
	}
}

func TestBusReplayHonorsCutoff(t *testing.T) {
	bus := newTestBus(t)
	bus.Start()

	base := time.Date(2025, 9, 23, 4, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		e := Event{
			Kind:           BarReady,
			Timestamp:      base.Add(time.Duration(i) * time.Minute),
			TimestampMS:    base.Add(time.Duration(i) * time.Minute).UnixMilli(),
			IdempotencyKey: strings.Repeat("x", i+1),
		}
		if err := bus.Publish(e); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	got, err := bus.Replay(base.Add(time.Minute))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("replay returned %d events, want 2", len(got))
	}
	if got[0].IdempotencyKey != "xx" || got[1].IdempotencyKey != "xxx" {
		t.Errorf("replay order wrong: %s, %s", got[0].IdempotencyKey, got[1].IdempotencyKey)
	}

	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestBusReplaySkipsCorruptLines(t *testing.T) {
	bus := newTestBus(t)
	bus.Start()

	if err := bus.Publish(New(ConfigLoaded, "cfg-1", nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Simulate a torn write at the tail of the log.
	f, err := os.OpenFile(bus.cfg.LogPath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	if _, err := f.WriteString(`{"kind":"TRUNC`); err != nil {
		t.Fatalf("append garbage: %v", err)
	}
	f.Close()

	got, err := bus.Replay(time.Time{})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(got) != 1 || got[0].Kind != ConfigLoaded {
		t.Fatalf("replay = %+v, want single CONFIG_LOADED", got)
	}
}

func TestBusReplayErrorCarriesLogPath(t *testing.T) {
	// A directory opens fine but cannot be scanned, forcing the error path.
	dir := t.TempDir()
	b := &Bus{cfg: BusConfig{LogPath: dir}, logger: zerolog.Nop()}

	_, err := b.Replay(time.Time{})
	if err == nil {
		t.Fatal("replay on a directory path succeeded")
	}
	var fe *apperrors.FileError
	if !apperrors.As(err, &fe) {
		t.Fatalf("replay error = %T, want *FileError", err)
	}
	if fe.Path != dir {
		t.Errorf("file error path = %q, want %q", fe.Path, dir)
	}
	if strings.Contains(fe.Op, string(os.PathSeparator)) {
		t.Errorf("file error op %q looks like a path", fe.Op)
	}
}

func TestBusRejectsPublishAfterClose(t *testing.T) {
	bus := newTestBus(t)
	bus.Start()
	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	err := bus.Publish(New(TickReceived, "late", nil))
	if !apperrors.Is(err, apperrors.ErrShutdown) {
		t.Errorf("publish after close = %v, want ErrShutdown", err)
	}
}

func TestBusDeliveredCountEqualsUniqueKeys(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	parameters.Rng.Seed(time.Now().UnixNano())
	properties := gopter.NewProperties(parameters)

	properties.Property("delivered events equal distinct idempotency keys", prop.ForAll(
		func(keys []string) bool {
			bus := &Bus{
				cfg:      BusConfig{QueueSize: 256},
				logger:   zerolog.Nop(),
				handlers: make(map[Kind][]Handler),
				seen:     make(map[string]struct{}),
				queue:    make(chan Event, 256),
				done:     make(chan struct{}),
			}
			f, err := os.CreateTemp("", "busprop-*.jsonl")
			if err != nil {
				return false
			}
			defer os.Remove(f.Name())
			bus.cfg.LogPath = f.Name()
			bus.file = f
			bus.Start()

			var mu sync.Mutex
			delivered := 0
			bus.Subscribe(TickReceived, func(Event) error {
				mu.Lock()
				defer mu.Unlock()
				delivered++
				return nil
			})

			unique := make(map[string]struct{})
			for _, k := range keys {
				if k == "" {
					continue
				}
				err := bus.Publish(New(TickReceived, k, nil))
				if _, dup := unique[k]; dup {
					if !apperrors.Is(err, apperrors.ErrDuplicateEvent) {
						return false
					}
					continue
				}
				if err != nil {
					return false
				}
				unique[k] = struct{}{}
			}
			if err := bus.Close(); err != nil {
				return false
			}

			mu.Lock()
			defer mu.Unlock()
			return delivered == len(unique)
		},
		gen.SliceOf(gen.OneConstOf("a", "b", "c", "d", "e")),
	))

	properties.TestingRun(t)
}
