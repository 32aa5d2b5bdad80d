package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// CircuitState is the breaker's position.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// ErrCircuitOpen rejects calls while the breaker cools down.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	CoolDown         time.Duration
}

// DefaultBreakerConfig returns the defaults used for broker REST calls.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		CoolDown:         30 * time.Second,
	}
}

// Breaker shields the broker API from repeated calls while it is failing.
// FailureThreshold consecutive failures open it; after CoolDown one probe is
// let through, and SuccessThreshold probe successes close it again.
type Breaker struct {
	name   string
	cfg    BreakerConfig
	logger zerolog.Logger

	mu          sync.RWMutex
	state       CircuitState
	failures    int
	successes   int
	lastFailure time.Time
	rejected    int64
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, cfg BreakerConfig, logger zerolog.Logger) *Breaker {
	return &Breaker{
		name:   name,
		cfg:    cfg,
		logger: logger.With().Str("component", "circuit_breaker").Str("name", name).Logger(),
		state:  CircuitClosed,
	}
}

// Execute runs fn under breaker protection.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	_, err := ExecuteWithResult(b, ctx, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// ExecuteWithResult runs fn under breaker protection and returns its result.
// A context already done counts as the caller's failure, not the broker's.
func ExecuteWithResult[T any](b *Breaker, ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	if err := b.admit(); err != nil {
		return zero, err
	}

	result, err := fn()
	if err != nil {
		b.recordFailure()
		return zero, err
	}
	b.recordSuccess()
	return result, nil
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		if time.Since(b.lastFailure) > b.cfg.CoolDown {
			b.transition(CircuitHalfOpen)
			return nil
		}
		b.rejected++
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transition(CircuitClosed)
		}
	case CircuitClosed:
		b.failures = 0
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = time.Now()
	switch b.state {
	case CircuitClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		b.transition(CircuitOpen)
	}
}

// transition moves the breaker; callers hold the write lock.
func (b *Breaker) transition(to CircuitState) {
	from := b.state
	b.state = to
	b.failures = 0
	b.successes = 0
	b.logger.Warn().Str("from", string(from)).Str("to", string(to)).Msg("circuit state change")
}

// State returns the breaker's current position.
func (b *Breaker) State() CircuitState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Rejected returns how many calls the open breaker has refused.
func (b *Breaker) Rejected() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.rejected
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(CircuitClosed)
}
