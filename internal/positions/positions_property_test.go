package positions

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"

	"adx-trader/internal/models"
)

// Property: once trailing activates, the stop never moves down, whatever
// the price path does.
func TestProperty_TrailingStopIsMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("trail stop never decreases", prop.ForAll(
		func(path []float64) bool {
			mgr := NewManager(nil, testRiskConfig(), true, zerolog.Nop())
			p := testPosition("prop-1")
			p.StopLoss = 0.01 // keep the stop out of the way
			if err := mgr.Open(p); err != nil {
				return false
			}

			lastTrail := 0.0
			for _, price := range path {
				reason, err := mgr.Update("prop-1", price)
				if err != nil {
					return false
				}
				pos, err := mgr.Get("prop-1")
				if err != nil {
					return false
				}
				if pos.TrailActive && pos.TrailStop != nil {
					if *pos.TrailStop < lastTrail-1e-9 {
						return false
					}
					lastTrail = *pos.TrailStop
				}
				if reason != "" {
					// Exit decision ends the walk; the trail must still
					// hold its high-water value.
					return true
				}
			}
			return true
		},
		gen.SliceOfN(40, gen.Float64Range(50.0, 300.0)),
	))

	properties.TestingRun(t)
}

// Property: the daily PnL accumulator always equals the sum of the booked
// trades' net PnL, across any open/close interleaving.
func TestProperty_DailyPnLMatchesTradeSum(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("daily pnl equals sum of net pnl", prop.ForAll(
		func(entries []float64, exits []float64) bool {
			mgr := NewManager(nil, testRiskConfig(), true, zerolog.Nop())

			n := len(entries)
			if len(exits) < n {
				n = len(exits)
			}
			for i := 0; i < n; i++ {
				p := testPosition(fmt.Sprintf("prop-%d", i))
				p.EntryPrice = entries[i]
				p.StopLoss = entries[i] * 0.75
				if err := mgr.Open(p); err != nil {
					return false
				}
				if _, err := mgr.Close(p.ID, exits[i], models.ExitManual); err != nil {
					return false
				}
			}

			var sum float64
			for _, tr := range mgr.Trades() {
				sum += tr.NetPnL
			}
			return math.Abs(mgr.DailyPnL()-sum) < 1e-6
		},
		gen.SliceOfN(10, gen.Float64Range(10.0, 500.0)),
		gen.SliceOfN(10, gen.Float64Range(10.0, 500.0)),
	))

	properties.TestingRun(t)
}
