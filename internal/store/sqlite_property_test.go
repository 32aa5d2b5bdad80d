package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"adx-trader/internal/events"
	"adx-trader/internal/models"
)

// Property: a trade written to the journal reads back with its economics
// intact. REAL columns hold IEEE doubles, so pnl fields must round-trip
// exactly; timestamps compare by instant.
func TestProperty_TradeRoundTrip(t *testing.T) {
	j, err := NewJournal(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("NewJournal: %v", err)
	}
	defer j.Close()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	seq := 0
	reasons := []models.ExitReason{models.ExitStopLoss, models.ExitTrailingStop, models.ExitTarget, models.ExitEOD, models.ExitVixSpike}

	properties.Property("save then query preserves the trade", prop.ForAll(
		func(entryPrice, exitPrice float64, lots int, reasonIdx int, paper bool) bool {
			ctx := context.Background()
			seq++

			qty := lots * 75
			entry := time.Date(2025, 9, 23, 4, 0, 0, 0, time.UTC).Add(time.Duration(seq) * time.Minute)
			exit := entry.Add(45 * time.Minute)
			want := models.Trade{
				PositionID: fmt.Sprintf("prop-%d", seq),
				Symbol:     "NIFTY25SEP23500CE",
				Underlying: "NIFTY",
				Strike:     23500,
				OptionType: models.OptionCall,
				Side:       models.OrderSideBuy,
				Quantity:   qty,
				EntryPrice: entryPrice,
				EntryTime:  entry,
				ExitPrice:  exitPrice,
				ExitTime:   exit,
				ExitReason: reasons[reasonIdx%len(reasons)],
				GrossPnL:   (exitPrice - entryPrice) * float64(qty),
				Brokerage:  20,
				NetPnL:     (exitPrice-entryPrice)*float64(qty) - 20,
				Duration:   45 * time.Minute,
				HighWater:  exitPrice + 5,
				LowWater:   entryPrice - 5,
				VixEntry:   14,
				VixExit:    15,
				IsPaper:    paper,
			}

			if err := j.SaveTrade(ctx, want, time.UTC); err != nil {
				return false
			}
			rows, err := j.Trades(ctx, TradeFilter{Underlying: "NIFTY"})
			if err != nil {
				return false
			}

			var got *models.Trade
			for i := range rows {
				if rows[i].PositionID == want.PositionID {
					got = &rows[i]
					break
				}
			}
			if got == nil {
				return false
			}
			return got.Quantity == want.Quantity &&
				got.EntryPrice == want.EntryPrice &&
				got.ExitPrice == want.ExitPrice &&
				got.GrossPnL == want.GrossPnL &&
				got.NetPnL == want.NetPnL &&
				got.ExitReason == want.ExitReason &&
				got.IsPaper == want.IsPaper &&
				got.EntryTime.Unix() == want.EntryTime.Unix() &&
				got.ExitTime.Unix() == want.ExitTime.Unix()
		},
		gen.Float64Range(1, 500),
		gen.Float64Range(1, 500),
		gen.IntRange(1, 10),
		gen.IntRange(0, 4),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

// Property: archiving any batch of events twice leaves exactly as many rows
// as there are unique idempotency keys.
func TestProperty_EventArchiveDedupes(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("archive rows equal unique keys", prop.ForAll(
		func(keys []string) bool {
			j, err := NewJournal(filepath.Join(t.TempDir(), fmt.Sprintf("archive-%d.db", time.Now().UnixNano())))
			if err != nil {
				return false
			}
			defer j.Close()

			ctx := context.Background()
			unique := make(map[string]struct{})
			batch := make([]events.Event, 0, len(keys))
			for _, k := range keys {
				unique[k] = struct{}{}
				batch = append(batch, events.New(events.TickReceived, k, nil))
			}

			if err := j.ArchiveEvents(ctx, batch); err != nil {
				return false
			}
			if err := j.ArchiveEvents(ctx, batch); err != nil {
				return false
			}

			n, err := j.ArchivedEventCount(ctx, "")
			if err != nil {
				return false
			}
			return n == len(unique)
		},
		gen.SliceOfN(12, gen.Identifier()),
	))

	properties.TestingRun(t)
}
