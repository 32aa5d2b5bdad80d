package data

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	apperrors "adx-trader/internal/errors"
	"adx-trader/internal/events"
	"adx-trader/internal/models"
	"adx-trader/pkg/utils"
)

// CandleSource supplies historical candles. The broker gateway satisfies it;
// tests use a stub.
type CandleSource interface {
	HistoricalCandles(ctx context.Context, token uint32, tf models.Timeframe, from, to time.Time) ([]models.Bar, error)
}

// Backfiller hydrates bar stores from the broker's historical API, both for
// startup sync and for filling tick-stream gaps.
type Backfiller struct {
	source CandleSource
	bus    *events.Bus
	logger zerolog.Logger
	retry  utils.RetryConfig
}

// NewBackfiller creates a backfiller publishing recovery lifecycle events on
// bus (nil bus skips publishing).
func NewBackfiller(source CandleSource, bus *events.Bus, logger zerolog.Logger) *Backfiller {
	return &Backfiller{
		source: source,
		bus:    bus,
		logger: logger.With().Str("component", "backfiller").Logger(),
		retry:  utils.DefaultRetryConfig(),
	}
}

// requestSpan is the widest [from, to) window the historical API accepts
// per request for an interval.
func requestSpan(tf models.Timeframe) time.Duration {
	switch tf {
	case models.TimeframeDaily:
		return 2000 * 24 * time.Hour
	case models.TimeframeHourly:
		return 400 * 24 * time.Hour
	default:
		return 60 * 24 * time.Hour
	}
}

// Sync appends the trailing days of candles for token to store, skipping
// bars at or before the store's last timestamp. Returns the appended count.
func (b *Backfiller) Sync(ctx context.Context, store *BarStore, token uint32, days int) (int, error) {
	to := time.Now().UTC()
	from := to.AddDate(0, 0, -days)
	n, err := b.fill(ctx, store, token, from, to)
	if err != nil {
		return n, err
	}
	b.logger.Info().
		Str("symbol", store.Symbol()).
		Str("timeframe", string(store.Timeframe())).
		Int("bars", n).
		Msg("historical sync complete")
	return n, nil
}

// RecoverGap fills [from, to) for token, announcing the recovery lifecycle
// on the bus.
func (b *Backfiller) RecoverGap(ctx context.Context, store *BarStore, token uint32, from, to time.Time) (int, error) {
	runID := uuid.NewString()
	b.emit(events.RecoveryStarted, fmt.Sprintf("recovery_started:%s", runID), map[string]any{
		"symbol":    store.Symbol(),
		"timeframe": string(store.Timeframe()),
		"from":      from.Format(time.RFC3339),
		"to":        to.Format(time.RFC3339),
	})

	n, err := b.fill(ctx, store, token, from, to)
	if err != nil {
		b.emit(events.RecoveryFailed, fmt.Sprintf("recovery_failed:%s", runID), map[string]any{
			"symbol": store.Symbol(),
			"error":  err.Error(),
		})
		return n, apperrors.NewRecoveryFailed(store.Symbol(), "gap recovery failed", err)
	}

	b.emit(events.RecoveryCompleted, fmt.Sprintf("recovery_completed:%s", runID), map[string]any{
		"symbol":    store.Symbol(),
		"timeframe": string(store.Timeframe()),
		"bars":      n,
	})
	return n, nil
}

// fill fetches candles in API-sized chunks and appends everything newer than
// the store's last bar. Fetched bars are complete by definition.
func (b *Backfiller) fill(ctx context.Context, store *BarStore, token uint32, from, to time.Time) (int, error) {
	span := requestSpan(store.Timeframe())
	appended := 0
	last, hasLast := store.Last()

	for chunkFrom := from; chunkFrom.Before(to); chunkFrom = chunkFrom.Add(span) {
		chunkTo := chunkFrom.Add(span)
		if chunkTo.After(to) {
			chunkTo = to
		}

		bars, err := utils.RetryWithResult(ctx, b.retry, func() ([]models.Bar, error) {
			return b.source.HistoricalCandles(ctx, token, store.Timeframe(), chunkFrom, chunkTo)
		})
		if err != nil {
			return appended, err
		}

		for _, bar := range bars {
			if hasLast && !bar.Timestamp.After(last.Timestamp) {
				continue
			}
			bar.Complete = true
			if err := store.Append(bar); err != nil {
				return appended, err
			}
			last, hasLast = bar, true
			appended++
		}
	}
	return appended, nil
}

func (b *Backfiller) emit(kind events.Kind, key string, payload map[string]any) {
	if b.bus == nil {
		return
	}
	if err := b.bus.Emit(kind, key, payload); err != nil {
		b.logger.Error().Err(err).Str("kind", string(kind)).Msg("recovery event publish failed")
	}
}
