package orders

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"

	"adx-trader/internal/models"
)

// Property: replaying an idempotency key returns the original order ID and
// never reaches the broker again.
func TestProperty_PlacementIsIdempotentByKey(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("replay returns the same order without a broker call", prop.ForAll(
		func(keySuffix int, price float64, lots int, replays int) bool {
			placer := &stubPlacer{}
			mgr := NewManager(placer, nil, testOrdersConfig(), 0.05, zerolog.Nop())

			intent := models.OrderIntent{
				Symbol:            "NIFTY25SEP23500CE",
				Token:             1001,
				Side:              models.OrderSideBuy,
				Quantity:          lots * 75,
				InitialLimitPrice: price,
				IdempotencyKey:    fmt.Sprintf("key-%d", keySuffix),
			}

			first, err := mgr.Place(context.Background(), intent)
			if err != nil {
				return false
			}
			for i := 0; i < replays; i++ {
				id, err := mgr.Place(context.Background(), intent)
				if err != nil || id != first {
					return false
				}
			}
			return placer.callCount() == 1
		},
		gen.IntRange(1, 1_000_000),
		gen.Float64Range(1.0, 500.0),
		gen.IntRange(1, 24),
		gen.IntRange(1, 10),
	))

	properties.TestingRun(t)
}

// Property: the ladder makes exactly min(failures, maxRetries)+1 broker
// calls and lands in Submitted or Failed accordingly.
func TestProperty_RetryLadderBoundsBrokerCalls(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("broker call count and final status follow the ladder", prop.ForAll(
		func(failures int, maxRetries int) bool {
			placer := &stubPlacer{failures: failures}
			cfg := testOrdersConfig()
			cfg.MaxRetries = maxRetries
			mgr := NewManager(placer, nil, cfg, 0.05, zerolog.Nop())

			orderID, err := mgr.Place(context.Background(), testIntent(fmt.Sprintf("ladder-%d-%d", failures, maxRetries)))
			order, getErr := mgr.Get(orderID)
			if getErr != nil {
				return false
			}

			if failures <= maxRetries {
				return err == nil &&
					order.Status == models.OrderSubmitted &&
					placer.callCount() == failures+1
			}
			return err != nil &&
				order.Status == models.OrderFailed &&
				placer.callCount() == maxRetries+1
		},
		gen.IntRange(0, 8),
		gen.IntRange(0, 5),
	))

	properties.TestingRun(t)
}

// Property: walked prices are always on the tick grid and never below the
// initial price for non-negative steps.
func TestProperty_WalkedPricesStayOnGrid(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("every rung lands on the tick grid", prop.ForAll(
		func(price float64, rung int) bool {
			mgr := NewManager(&stubPlacer{}, nil, testOrdersConfig(), 0.05, zerolog.Nop())
			walked := mgr.walkedPrice(price, rung)
			// Nearest-tick rounding may dip at most half a tick below the
			// unwalked price.
			return onTickGrid(walked, 0.05) && walked >= price-0.0251
		},
		gen.Float64Range(0.05, 1000.0),
		gen.IntRange(0, 10),
	))

	properties.TestingRun(t)
}
