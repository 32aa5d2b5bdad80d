package data

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"

	"adx-trader/internal/models"
)

func newTestStore(t *testing.T, capacity int) *BarStore {
	t.Helper()
	store, err := NewBarStore(t.TempDir(), "NIFTY 50", models.TimeframeMinute, capacity, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewBarStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func barAt(ts time.Time, close float64) models.Bar {
	return models.Bar{
		Timestamp: ts,
		Open:      close - 1,
		High:      close + 1,
		Low:       close - 2,
		Close:     close,
		Volume:    100,
		Complete:  true,
	}
}

func TestBarStoreAppendAndRecent(t *testing.T) {
	store := newTestStore(t, 10)
	base := time.Date(2025, time.September, 23, 4, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		if err := store.Append(barAt(base.Add(time.Duration(i)*time.Minute), 100+float64(i))); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	recent, err := store.Recent(3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("Recent(3) returned %d bars", len(recent))
	}
	for i, want := range []float64{102, 103, 104} {
		if recent[i].Close != want {
			t.Errorf("recent[%d].Close = %v, want %v", i, recent[i].Close, want)
		}
	}

	last, ok := store.Last()
	if !ok || last.Close != 104 {
		t.Errorf("Last = %v, %v", last, ok)
	}
}

func TestBarStoreRecentFallsBackToLog(t *testing.T) {
	store := newTestStore(t, 3)
	base := time.Date(2025, time.September, 23, 4, 0, 0, 0, time.UTC)

	for i := 0; i < 8; i++ {
		if err := store.Append(barAt(base.Add(time.Duration(i)*time.Minute), 100+float64(i))); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if store.Len() != 3 {
		t.Fatalf("memory window = %d, want 3", store.Len())
	}

	recent, err := store.Recent(6)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 6 {
		t.Fatalf("Recent(6) returned %d bars", len(recent))
	}
	if recent[0].Close != 102 || recent[5].Close != 107 {
		t.Errorf("log fallback window wrong: first=%v last=%v", recent[0].Close, recent[5].Close)
	}
}

func TestBarStoreLoadRehydrates(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2025, time.September, 23, 4, 0, 0, 0, time.UTC)

	first, err := NewBarStore(dir, "NIFTY 50", models.TimeframeMinute, 10, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewBarStore: %v", err)
	}
	for i := 0; i < 7; i++ {
		if err := first.Append(barAt(base.Add(time.Duration(i)*time.Minute), 100+float64(i))); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	first.Close()

	second, err := NewBarStore(dir, "NIFTY 50", models.TimeframeMinute, 10, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewBarStore: %v", err)
	}
	defer second.Close()

	n, err := second.Load(5)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if n != 5 || second.Len() != 5 {
		t.Fatalf("Load = %d, Len = %d, want 5", n, second.Len())
	}
	last, _ := second.Last()
	if last.Close != 106 {
		t.Errorf("last after load = %v, want 106", last.Close)
	}
}

func TestBarStoreFailedAppendLeavesMemoryUntouched(t *testing.T) {
	store := newTestStore(t, 10)
	base := time.Date(2025, time.September, 23, 4, 0, 0, 0, time.UTC)

	if err := store.Append(barAt(base, 100)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	// Force the disk step to fail.
	store.file.Close()

	if err := store.Append(barAt(base.Add(time.Minute), 101)); err == nil {
		t.Fatal("Append on closed file should fail")
	}
	if store.Len() != 1 {
		t.Errorf("memory window = %d after failed append, want 1", store.Len())
	}
	last, _ := store.Last()
	if last.Close != 100 {
		t.Errorf("last = %v after failed append, want 100", last.Close)
	}
}

func TestBarStoreRotateArchivesAndRewritesTail(t *testing.T) {
	dir := t.TempDir()
	store, err := NewBarStore(dir, "NIFTY 50", models.TimeframeMinute, 3, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewBarStore: %v", err)
	}
	defer store.Close()

	base := time.Date(2025, time.September, 23, 4, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		if err := store.Append(barAt(base.Add(time.Duration(i)*time.Minute), 100+float64(i))); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	if err := store.Rotate(""); err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var archives, logs int
	for _, e := range entries {
		switch {
		case strings.HasSuffix(e.Name(), ".archive"):
			archives++
		case strings.HasSuffix(e.Name(), ".jsonl"):
			logs++
		}
	}
	if archives != 1 || logs != 1 {
		t.Fatalf("after rotate: %d archives, %d logs, want 1 and 1", archives, logs)
	}

	// Fresh log holds only the memory tail.
	all, err := readBarLog(store.Path(), zerolog.Nop())
	if err != nil {
		t.Fatalf("readBarLog: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("fresh log holds %d bars, want 3", len(all))
	}
	if all[0].Close != 102 || all[2].Close != 104 {
		t.Errorf("tail window wrong: first=%v last=%v", all[0].Close, all[2].Close)
	}
}

func TestBarLogNameIsStableLowercase(t *testing.T) {
	tests := []struct {
		symbol string
		tf     models.Timeframe
		want   string
	}{
		{"NIFTY 50", models.TimeframeMinute, "nifty_50_1m"},
		{"NIFTY24SEP23550CE", models.TimeframeHourly, "nifty24sep23550ce_1h"},
		{"BANKNIFTY", models.TimeframeDaily, "banknifty_1d"},
	}
	for _, tt := range tests {
		if got := models.BarLogName(tt.symbol, tt.tf); got != tt.want {
			t.Errorf("BarLogName(%q, %s) = %q, want %q", tt.symbol, tt.tf, got, tt.want)
		}
	}
}

func TestProperty_RecentReturnsMostRecentWindow(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("recent(k) returns min(k, appended) newest bars in order", prop.ForAll(
		func(appended, k int) bool {
			dir, err := os.MkdirTemp("", "barstore")
			if err != nil {
				return false
			}
			defer os.RemoveAll(dir)

			store, err := NewBarStore(dir, "NIFTY", models.TimeframeMinute, 16, zerolog.Nop())
			if err != nil {
				return false
			}
			defer store.Close()

			base := time.Date(2025, time.September, 23, 4, 0, 0, 0, time.UTC)
			for i := 0; i < appended; i++ {
				if err := store.Append(barAt(base.Add(time.Duration(i)*time.Minute), float64(i))); err != nil {
					return false
				}
			}

			recent, err := store.Recent(k)
			if err != nil {
				return false
			}
			wantLen := k
			if appended < k {
				wantLen = appended
			}
			if len(recent) != wantLen {
				return false
			}
			for i, bar := range recent {
				if bar.Close != float64(appended-wantLen+i) {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 40),
		gen.IntRange(0, 40),
	))

	properties.TestingRun(t)
}

func TestReadBarLogSkipsCorruptLines(t *testing.T) {
	dir := t.TempDir()
	store, err := NewBarStore(dir, "NIFTY", models.TimeframeMinute, 10, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewBarStore: %v", err)
	}
	base := time.Date(2025, time.September, 23, 4, 0, 0, 0, time.UTC)
	if err := store.Append(barAt(base, 100)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	store.Close()

	path := filepath.Join(dir, models.BarLogName("NIFTY", models.TimeframeMinute)+".jsonl")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f.WriteString("{\"timestamp\":\"TRUNC\n")
	f.Close()

	bars, err := readBarLog(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("readBarLog: %v", err)
	}
	if len(bars) != 1 {
		t.Errorf("parsed %d bars, want 1", len(bars))
	}
}
