package performance

import (
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"adx-trader/internal/models"
)

// Property: report totals are conserved for any set of trades. Wins and
// losses partition the day, net PnL is the plain sum, the reason breakdown
// accounts for every trade, and drawdown never exceeds the total loss mass.
func TestProperty_ReportConservation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	reasons := []models.ExitReason{models.ExitStopLoss, models.ExitTrailingStop, models.ExitTarget, models.ExitEOD}

	properties.Property("totals and breakdown are conserved", prop.ForAll(
		func(pnls []float64, reasonSeed int) bool {
			trades := make([]models.Trade, len(pnls))
			var wantNet, lossMass float64
			for i, p := range pnls {
				trades[i] = tradeAt(i*7, p, reasons[(reasonSeed+i)%len(reasons)], 30*time.Minute)
				wantNet += p
				if p <= 0 {
					lossMass += -p
				}
			}

			r := BuildReport("2025-09-23", 500000, trades)

			if r.Wins+r.Losses != r.TotalTrades || r.TotalTrades != len(trades) {
				return false
			}
			if math.Abs(r.NetPnL-wantNet) > 1e-6 {
				return false
			}

			breakdownTotal := 0
			var breakdownNet float64
			for _, stats := range r.ByExitReason {
				breakdownTotal += stats.Trades
				breakdownNet += stats.NetPnL
			}
			if breakdownTotal != r.TotalTrades || math.Abs(breakdownNet-wantNet) > 1e-6 {
				return false
			}

			return r.MaxDrawdown >= 0 && r.MaxDrawdown <= lossMass+1e-6
		},
		gen.SliceOf(gen.Float64Range(-5000, 5000)),
		gen.IntRange(0, 3),
	))

	properties.TestingRun(t)
}
