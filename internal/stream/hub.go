// Package stream fans live ticks out from the broker WebSocket to the
// in-process consumers: tick buffers, bar aggregators, the paper-fill
// simulator, and risk monitors.
package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"adx-trader/internal/models"
)

// HubConfig holds fan-out tuning knobs.
type HubConfig struct {
	// BufferSize is the internal tick channel capacity.
	BufferSize int
	// SubscriberBufferSize is the capacity of each subscriber channel.
	SubscriberBufferSize int
}

// DefaultHubConfig returns the default hub configuration.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		BufferSize:           1000,
		SubscriberBufferSize: 100,
	}
}

// Hub distributes ticks from a single source to many consumers. Channel
// subscribers get per-symbol feeds with non-blocking sends; registered
// Consumers are invoked synchronously in source order, which the bar
// aggregator relies on.
type Hub struct {
	config HubConfig
	logger zerolog.Logger

	tickChan chan models.Tick
	done     chan struct{}

	mu          sync.RWMutex
	subscribers map[string][]*Subscriber
	started     bool

	consumersMu sync.RWMutex
	consumers   []Consumer

	ticksReceived  atomic.Uint64
	ticksBroadcast atomic.Uint64
	ticksDropped   atomic.Uint64
}

// Subscriber is one channel subscription with drop accounting.
type Subscriber struct {
	ID        string
	Channel   chan models.Tick
	CreatedAt time.Time

	dropped atomic.Uint64
}

// Dropped returns how many ticks this subscriber missed.
func (s *Subscriber) Dropped() uint64 {
	return s.dropped.Load()
}

// NewHub creates a hub.
func NewHub(config HubConfig, logger zerolog.Logger) *Hub {
	if config.BufferSize < 1 {
		config.BufferSize = DefaultHubConfig().BufferSize
	}
	if config.SubscriberBufferSize < 1 {
		config.SubscriberBufferSize = DefaultHubConfig().SubscriberBufferSize
	}
	return &Hub{
		config:      config,
		logger:      logger.With().Str("component", "stream_hub").Logger(),
		tickChan:    make(chan models.Tick, config.BufferSize),
		done:        make(chan struct{}),
		subscribers: make(map[string][]*Subscriber),
	}
}

// Start launches the broadcast loop.
func (h *Hub) Start(ctx context.Context) {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return
	}
	h.started = true
	h.mu.Unlock()

	go h.broadcastLoop(ctx)
}

// Pump feeds ticks from src into the hub until src closes or the context
// ends. Typically wired to the broker ticker's stream channel.
func (h *Hub) Pump(ctx context.Context, src <-chan models.Tick) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.done:
				return
			case tick, ok := <-src:
				if !ok {
					return
				}
				h.Publish(tick)
			}
		}
	}()
}

func (h *Hub) broadcastLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case tick := <-h.tickChan:
			h.ticksReceived.Add(1)
			h.broadcast(tick)
			h.notifyConsumers(tick)
		}
	}
}

// Stop halts distribution and closes all subscriber channels.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		return
	}
	h.started = false
	close(h.done)

	for symbol, subs := range h.subscribers {
		for _, sub := range subs {
			close(sub.Channel)
		}
		delete(h.subscribers, symbol)
	}
}

// Publish enqueues a tick. Non-blocking: a full internal buffer drops the
// tick rather than stalling the source.
func (h *Hub) Publish(tick models.Tick) {
	select {
	case h.tickChan <- tick:
	default:
		if n := h.ticksDropped.Add(1); n%1000 == 1 {
			h.logger.Warn().Uint64("dropped", n).Msg("hub buffer full, dropping ticks")
		}
	}
}

// Subscribe returns a per-symbol tick channel.
func (h *Hub) Subscribe(symbol string) <-chan models.Tick {
	return h.SubscribeWithID(symbol, "")
}

// SubscribeWithID registers a named per-symbol subscription.
func (h *Hub) SubscribeWithID(symbol, id string) <-chan models.Tick {
	sub := &Subscriber{
		ID:        id,
		Channel:   make(chan models.Tick, h.config.SubscriberBufferSize),
		CreatedAt: time.Now(),
	}
	h.mu.Lock()
	h.subscribers[symbol] = append(h.subscribers[symbol], sub)
	h.mu.Unlock()
	return sub.Channel
}

// Unsubscribe removes one subscription and closes its channel.
func (h *Hub) Unsubscribe(symbol string, ch <-chan models.Tick) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subscribers[symbol]
	for i, sub := range subs {
		if sub.Channel == ch {
			close(sub.Channel)
			h.subscribers[symbol] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(h.subscribers[symbol]) == 0 {
		delete(h.subscribers, symbol)
	}
}

// UnsubscribeAll drops every subscription for a symbol.
func (h *Hub) UnsubscribeAll(symbol string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sub := range h.subscribers[symbol] {
		close(sub.Channel)
	}
	delete(h.subscribers, symbol)
}

// broadcast delivers to per-symbol channel subscribers, skipping any whose
// buffer is full.
func (h *Hub) broadcast(tick models.Tick) {
	h.mu.RLock()
	subs := h.subscribers[tick.Symbol]
	h.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.Channel <- tick:
			h.ticksBroadcast.Add(1)
		default:
			sub.dropped.Add(1)
			h.ticksDropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of channel subscribers for a symbol.
func (h *Hub) SubscriberCount(symbol string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[symbol])
}

// SubscribedSymbols returns the symbols with at least one subscriber.
func (h *Hub) SubscribedSymbols() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	symbols := make([]string, 0, len(h.subscribers))
	for symbol := range h.subscribers {
		symbols = append(symbols, symbol)
	}
	return symbols
}

// HubMetrics is a snapshot of hub throughput counters.
type HubMetrics struct {
	TicksReceived  uint64
	TicksBroadcast uint64
	TicksDropped   uint64
	Subscribers    int
}

// Metrics returns current throughput counters.
func (h *Hub) Metrics() HubMetrics {
	h.mu.RLock()
	total := 0
	for _, subs := range h.subscribers {
		total += len(subs)
	}
	h.mu.RUnlock()

	return HubMetrics{
		TicksReceived:  h.ticksReceived.Load(),
		TicksBroadcast: h.ticksBroadcast.Load(),
		TicksDropped:   h.ticksDropped.Load(),
		Subscribers:    total,
	}
}

// IsStarted reports whether the broadcast loop is running.
func (h *Hub) IsStarted() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.started
}

// Consumer processes ticks inline on the broadcast goroutine. OnTick must
// not block; ticks for all consumers arrive in source order.
type Consumer interface {
	OnTick(tick models.Tick)
	// Symbols filters delivery. Empty means every tick.
	Symbols() []string
}

// RegisterConsumer adds an inline consumer.
func (h *Hub) RegisterConsumer(consumer Consumer) {
	h.consumersMu.Lock()
	h.consumers = append(h.consumers, consumer)
	h.consumersMu.Unlock()
}

// UnregisterConsumer removes a consumer.
func (h *Hub) UnregisterConsumer(consumer Consumer) {
	h.consumersMu.Lock()
	defer h.consumersMu.Unlock()

	for i, c := range h.consumers {
		if c == consumer {
			h.consumers = append(h.consumers[:i], h.consumers[i+1:]...)
			break
		}
	}
}

func (h *Hub) notifyConsumers(tick models.Tick) {
	h.consumersMu.RLock()
	consumers := make([]Consumer, len(h.consumers))
	copy(consumers, h.consumers)
	h.consumersMu.RUnlock()

	for _, consumer := range consumers {
		symbols := consumer.Symbols()
		if len(symbols) == 0 || containsSymbol(symbols, tick.Symbol) {
			consumer.OnTick(tick)
		}
	}
}

func containsSymbol(symbols []string, symbol string) bool {
	for _, s := range symbols {
		if s == symbol {
			return true
		}
	}
	return false
}

// ConsumerFunc adapts a function to the Consumer interface.
type ConsumerFunc struct {
	symbols  []string
	onTickFn func(models.Tick)
}

// NewConsumerFunc creates a function-backed consumer.
func NewConsumerFunc(symbols []string, onTick func(models.Tick)) *ConsumerFunc {
	return &ConsumerFunc{symbols: symbols, onTickFn: onTick}
}

// OnTick implements Consumer.
func (c *ConsumerFunc) OnTick(tick models.Tick) {
	if c.onTickFn != nil {
		c.onTickFn(tick)
	}
}

// Symbols implements Consumer.
func (c *ConsumerFunc) Symbols() []string {
	return c.symbols
}
