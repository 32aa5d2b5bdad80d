// Package orders owns the order lifecycle: idempotent placement with a
// bounded retry ladder that walks the limit price, plus fill bookkeeping.
package orders

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"adx-trader/internal/broker"
	"adx-trader/internal/config"
	apperrors "adx-trader/internal/errors"
	"adx-trader/internal/events"
	"adx-trader/internal/models"
)

// Placer is the slice of the broker gateway the manager needs.
type Placer interface {
	PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderResult, error)
}

// Manager tracks every order of the session. Placement is idempotent by
// intent key: replaying a key returns the original order ID and never
// reaches the broker a second time.
type Manager struct {
	placer   Placer
	bus      *events.Bus
	cfg      config.OrdersConfig
	tickSize float64
	exchange models.Exchange
	product  models.ProductType
	logger   zerolog.Logger
	now      func() time.Time

	mu     sync.RWMutex
	orders map[string]*models.Order
	byKey  map[string]string
}

// NewManager creates an order manager. tickSize aligns walked prices to the
// exchange grid.
func NewManager(placer Placer, bus *events.Bus, cfg config.OrdersConfig, tickSize float64, logger zerolog.Logger) *Manager {
	if tickSize <= 0 {
		tickSize = 0.05
	}
	return &Manager{
		placer:   placer,
		bus:      bus,
		cfg:      cfg,
		tickSize: tickSize,
		exchange: models.NFO,
		product:  models.ProductMIS,
		logger:   logger.With().Str("component", "order_manager").Logger(),
		now:      time.Now,
		orders:   make(map[string]*models.Order),
		byKey:    make(map[string]string),
	}
}

// Place walks the retry ladder for one intent and returns the order ID.
// A known idempotency key short-circuits before any broker call, whatever
// the earlier outcome was. On exhausted retries the order is left in
// Failed and the returned error carries the placement failure.
func (m *Manager) Place(ctx context.Context, intent models.OrderIntent) (string, error) {
	m.mu.Lock()
	if id, ok := m.byKey[intent.IdempotencyKey]; ok && intent.IdempotencyKey != "" {
		m.mu.Unlock()
		m.logger.Debug().Str("order_id", id).Str("key", intent.IdempotencyKey).
			Msg("duplicate intent, returning existing order")
		return id, nil
	}

	orderID := intent.IntentID
	if orderID == "" {
		orderID = uuid.NewString()
		intent.IntentID = orderID
	}
	now := m.now()
	order := &models.Order{
		OrderIntent:       intent,
		Status:            models.OrderPending,
		CurrentLimitPrice: intent.InitialLimitPrice,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	m.orders[orderID] = order
	if intent.IdempotencyKey != "" {
		m.byKey[intent.IdempotencyKey] = orderID
	}
	m.mu.Unlock()

	m.emit(events.OrderIntentCreated, "order:"+orderID+":intent", map[string]any{
		"order_id": orderID,
		"symbol":   intent.Symbol,
		"side":     string(intent.Side),
		"quantity": intent.Quantity,
		"price":    intent.InitialLimitPrice,
	})

	var lastErr error
	for attempt := 0; attempt <= m.cfg.MaxRetries; attempt++ {
		price := intent.InitialLimitPrice
		if attempt > 0 {
			backoff := m.backoffFor(attempt - 1)
			price = m.walkedPrice(intent.InitialLimitPrice, attempt-1)
			m.emit(events.OrderRetrying, "order:"+orderID+":retry:"+strconv.Itoa(attempt), map[string]any{
				"order_id":    orderID,
				"attempt":     attempt,
				"price":       price,
				"backoff_sec": backoff.Seconds(),
			})
			if err := sleepCtx(ctx, backoff); err != nil {
				m.failOrder(orderID, "cancelled during retry backoff")
				return orderID, apperrors.NewOrderPlacementFailed(orderID, intent.Symbol, "cancelled during retry backoff", err)
			}
		}

		m.mu.Lock()
		order.Attempts = attempt + 1
		order.CurrentLimitPrice = price
		order.UpdatedAt = m.now()
		m.mu.Unlock()

		res, err := m.placer.PlaceOrder(ctx, broker.OrderRequest{
			Symbol:     intent.Symbol,
			Exchange:   m.exchange,
			Side:       intent.Side,
			Quantity:   intent.Quantity,
			LimitPrice: price,
			OrderType:  models.OrderTypeLimit,
			Product:    m.product,
			Tag:        shortTag(intent.IdempotencyKey),
		})
		if err == nil {
			m.mu.Lock()
			order.BrokerOrderID = res.BrokerOrderID
			order.Status = models.OrderSubmitted
			order.UpdatedAt = m.now()
			m.mu.Unlock()

			m.emit(events.OrderPlaced, "order:"+orderID+":placed", map[string]any{
				"order_id":        orderID,
				"broker_order_id": res.BrokerOrderID,
				"symbol":          intent.Symbol,
				"price":           price,
				"attempts":        attempt + 1,
			})
			m.logger.Info().Str("order_id", orderID).Str("broker_order_id", res.BrokerOrderID).
				Str("symbol", intent.Symbol).Float64("price", price).Int("attempt", attempt+1).
				Msg("order placed")
			return orderID, nil
		}

		lastErr = err
		m.logger.Warn().Err(err).Str("order_id", orderID).Str("symbol", intent.Symbol).
			Int("attempt", attempt+1).Float64("price", price).Msg("order placement attempt failed")
	}

	m.failOrder(orderID, "retries exhausted")
	return orderID, apperrors.NewOrderPlacementFailed(orderID, intent.Symbol, "retries exhausted", lastErr)
}

func (m *Manager) failOrder(orderID, reason string) {
	m.mu.Lock()
	if order, ok := m.orders[orderID]; ok {
		order.Status = models.OrderFailed
		order.UpdatedAt = m.now()
	}
	m.mu.Unlock()

	m.emit(events.OrderFailed, "order:"+orderID+":failed", map[string]any{
		"order_id": orderID,
		"reason":   reason,
	})
}

// MarkExecuted records a fill. Partial fills leave the order in
// PartiallyFilled until the remaining quantity arrives.
func (m *Manager) MarkExecuted(orderID string, fillPrice float64, fillQuantity int) error {
	m.mu.Lock()
	order, ok := m.orders[orderID]
	if !ok {
		m.mu.Unlock()
		return apperrors.NewOrderNotFound(orderID)
	}
	now := m.now()
	order.FillPrice = fillPrice
	order.FillQuantity = fillQuantity
	order.FillTime = &now
	if fillQuantity >= order.Quantity {
		order.Status = models.OrderFilled
	} else {
		order.Status = models.OrderPartiallyFilled
	}
	status := order.Status
	symbol := order.Symbol
	order.UpdatedAt = now
	m.mu.Unlock()

	m.emit(events.OrderExecuted, fmt.Sprintf("order:%s:executed:%d", orderID, fillQuantity), map[string]any{
		"order_id":      orderID,
		"symbol":        symbol,
		"fill_price":    fillPrice,
		"fill_quantity": fillQuantity,
		"status":        string(status),
	})
	m.logger.Info().Str("order_id", orderID).Str("symbol", symbol).
		Float64("fill_price", fillPrice).Int("fill_quantity", fillQuantity).
		Str("status", string(status)).Msg("order executed")
	return nil
}

// MarkRejected records a broker-side rejection after submission.
func (m *Manager) MarkRejected(orderID, reason string) error {
	m.mu.Lock()
	order, ok := m.orders[orderID]
	if !ok {
		m.mu.Unlock()
		return apperrors.NewOrderNotFound(orderID)
	}
	order.Status = models.OrderRejected
	order.UpdatedAt = m.now()
	symbol := order.Symbol
	m.mu.Unlock()

	m.emit(events.OrderRejected, "order:"+orderID+":rejected", map[string]any{
		"order_id": orderID,
		"symbol":   symbol,
		"reason":   reason,
	})
	m.logger.Warn().Str("order_id", orderID).Str("symbol", symbol).Str("reason", reason).
		Msg("order rejected by broker")
	return nil
}

// Get returns a snapshot of one order.
func (m *Manager) Get(orderID string) (models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	order, ok := m.orders[orderID]
	if !ok {
		return models.Order{}, apperrors.NewOrderNotFound(orderID)
	}
	return *order, nil
}

// ByKey returns the order previously created for an idempotency key.
func (m *Manager) ByKey(key string) (models.Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byKey[key]
	if !ok {
		return models.Order{}, false
	}
	order, ok := m.orders[id]
	if !ok {
		return models.Order{}, false
	}
	return *order, true
}

// Open returns snapshots of all orders not yet in a terminal status.
func (m *Manager) Open() []models.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	open := make([]models.Order, 0)
	for _, order := range m.orders {
		if !order.Status.Terminal() {
			open = append(open, *order)
		}
	}
	return open
}

// All returns snapshots of every order of the session.
func (m *Manager) All() []models.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := make([]models.Order, 0, len(m.orders))
	for _, order := range m.orders {
		all = append(all, *order)
	}
	return all
}

// walkedPrice applies the configured price-walk step for a retry rung and
// realigns the result to the tick grid. The ladder holds at its last rung.
func (m *Manager) walkedPrice(initial float64, rung int) float64 {
	steps := m.cfg.RetryStepsPct
	if len(steps) == 0 {
		return initial
	}
	if rung >= len(steps) {
		rung = len(steps) - 1
	}
	walked := initial * (1 + steps[rung]/100)
	ticks := math.Round(walked / m.tickSize)
	// Quantize to the tick's decimal precision: the raw product can land a
	// few ulps off the grid and then fail the validator's own grid check.
	scale := math.Pow(10, float64(tickDecimals(m.tickSize)))
	return math.Round(ticks*m.tickSize*scale) / scale
}

// tickDecimals counts the decimal places of a tick size (0.05 has two).
func tickDecimals(tick float64) int {
	d := 0
	for tick != math.Trunc(tick) && d < 8 {
		tick *= 10
		d++
	}
	return d
}

// backoffFor returns the sleep before a retry rung, holding at the last
// configured entry.
func (m *Manager) backoffFor(rung int) time.Duration {
	backoffs := m.cfg.RetryBackoffSec
	if len(backoffs) == 0 {
		return time.Second
	}
	if rung >= len(backoffs) {
		rung = len(backoffs) - 1
	}
	d := time.Duration(backoffs[rung]) * time.Second
	if m.cfg.RetryCapSec > 0 {
		if limit := time.Duration(m.cfg.RetryCapSec) * time.Second; d > limit {
			d = limit
		}
	}
	return d
}

func (m *Manager) emit(kind events.Kind, key string, payload map[string]any) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Emit(kind, key, payload); err != nil {
		m.logger.Warn().Err(err).Str("kind", string(kind)).Msg("event emit failed")
	}
}

// shortTag trims an idempotency key to Kite's 20-char order tag limit.
func shortTag(key string) string {
	if len(key) <= 20 {
		return key
	}
	return key[:20]
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
