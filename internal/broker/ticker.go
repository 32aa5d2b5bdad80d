package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	kitemodels "github.com/zerodha/gokiteconnect/v4/models"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"

	"adx-trader/internal/config"
	apperrors "adx-trader/internal/errors"
	"adx-trader/internal/models"
)

const defaultStreamBuffer = 4096

// KiteTicker streams live ticks over the Kite WebSocket. Ticks are fanned
// out through a buffered channel; when the consumer falls behind, ticks are
// dropped and counted rather than blocking the socket reader.
type KiteTicker struct {
	apiKey      string
	accessToken string
	cfg         config.WebSocketConfig
	logger      zerolog.Logger

	stream  chan models.Tick
	dropped atomic.Uint64

	mu           sync.RWMutex
	ticker       *kiteticker.Ticker
	connected    bool
	closed       bool
	reconnecting bool
	subscribed   map[uint32]TickMode
	tokenSymbols map[uint32]string
	reconnects   []time.Time

	// Serializes Subscribe/SetMode/Unsubscribe frames on the socket.
	writeMu sync.Mutex
}

var _ Ticker = (*KiteTicker)(nil)

// NewKiteTicker creates a ticker for the given session. Connect must be
// called before Subscribe.
func NewKiteTicker(apiKey, accessToken string, cfg config.WebSocketConfig, logger zerolog.Logger) *KiteTicker {
	return &KiteTicker{
		apiKey:       apiKey,
		accessToken:  accessToken,
		cfg:          cfg,
		logger:       logger.With().Str("component", "kite_ticker").Logger(),
		stream:       make(chan models.Tick, defaultStreamBuffer),
		subscribed:   make(map[uint32]TickMode),
		tokenSymbols: make(map[uint32]string),
	}
}

// Connect dials the WebSocket and waits for the session to come up.
func (t *KiteTicker) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return apperrors.NewDisconnected("connect", "ticker is closed")
	}
	if t.connected {
		t.mu.Unlock()
		return nil
	}

	t.ticker = kiteticker.New(t.apiKey, t.accessToken)
	t.ticker.SetAutoReconnect(false)

	connectedCh := make(chan struct{})
	firstConnect := true

	t.ticker.OnConnect(func() {
		t.mu.Lock()
		t.connected = true
		t.reconnecting = false
		isFirst := firstConnect
		firstConnect = false
		t.mu.Unlock()

		select {
		case connectedCh <- struct{}{}:
		default:
		}

		if !isFirst {
			t.logger.Info().Msg("reconnected, restoring subscriptions")
			t.resubscribe()
		}
	})

	t.ticker.OnClose(func(code int, reason string) {
		t.mu.Lock()
		wasConnected := t.connected
		t.connected = false
		t.mu.Unlock()

		if wasConnected {
			t.logger.Warn().Int("code", code).Str("reason", reason).Msg("websocket closed")
			go t.reconnect(ctx)
		}
	})

	t.ticker.OnError(func(err error) {
		t.logger.Error().Err(err).Msg("websocket error")
	})

	t.ticker.OnTick(func(tick kitemodels.Tick) {
		t.publish(t.convertTick(tick))
	})

	t.mu.Unlock()

	go t.ticker.Serve()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-connectedCh:
		return nil
	case <-time.After(30 * time.Second):
		if t.IsConnected() {
			return nil
		}
		return apperrors.NewWebSocketError("connect", "connection timeout", nil)
	}
}

// Close stops the WebSocket and closes the tick stream. The stream close is
// safe against in-flight publishes because both sides hold the state lock.
func (t *KiteTicker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	t.connected = false
	if t.ticker != nil {
		t.ticker.Close()
		t.ticker = nil
	}
	close(t.stream)
	return nil
}

// Subscribe subscribes instrument tokens at the given depth.
func (t *KiteTicker) Subscribe(tokens []uint32, mode TickMode) error {
	if len(tokens) == 0 {
		return nil
	}
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return apperrors.NewDisconnected("subscribe", "websocket not connected")
	}
	for _, token := range tokens {
		t.subscribed[token] = mode
	}
	tk := t.ticker
	t.mu.Unlock()

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := tk.Subscribe(tokens); err != nil {
		return apperrors.NewWebSocketError("subscribe", "subscribe frame failed", err)
	}
	if err := tk.SetMode(kiteMode(mode), tokens); err != nil {
		return apperrors.NewWebSocketError("subscribe", "set mode frame failed", err)
	}
	t.logger.Debug().Int("tokens", len(tokens)).Str("mode", string(mode)).Msg("subscribed")
	return nil
}

// Unsubscribe removes instrument tokens from the stream.
func (t *KiteTicker) Unsubscribe(tokens []uint32) error {
	if len(tokens) == 0 {
		return nil
	}
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return apperrors.NewDisconnected("unsubscribe", "websocket not connected")
	}
	for _, token := range tokens {
		delete(t.subscribed, token)
	}
	tk := t.ticker
	t.mu.Unlock()

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := tk.Unsubscribe(tokens); err != nil {
		return apperrors.NewWebSocketError("unsubscribe", "unsubscribe frame failed", err)
	}
	return nil
}

// RegisterToken maps an instrument token to its symbol so converted ticks
// carry both.
func (t *KiteTicker) RegisterToken(token uint32, symbol string) {
	t.mu.Lock()
	t.tokenSymbols[token] = symbol
	t.mu.Unlock()
}

// Stream returns the tick channel. Closed when the ticker shuts down.
func (t *KiteTicker) Stream() <-chan models.Tick {
	return t.stream
}

// IsConnected reports whether the WebSocket session is up.
func (t *KiteTicker) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// Dropped returns the count of ticks discarded due to a slow consumer.
func (t *KiteTicker) Dropped() uint64 {
	return t.dropped.Load()
}

func (t *KiteTicker) publish(tick models.Tick) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return
	}
	select {
	case t.stream <- tick:
	default:
		if n := t.dropped.Add(1); n%1000 == 1 {
			t.logger.Warn().Uint64("dropped", n).Msg("tick stream backpressure, dropping ticks")
		}
	}
}

func (t *KiteTicker) convertTick(tick kitemodels.Tick) models.Tick {
	t.mu.RLock()
	symbol := t.tokenSymbols[tick.InstrumentToken]
	t.mu.RUnlock()

	out := models.Tick{
		Symbol:    symbol,
		Token:     tick.InstrumentToken,
		LastPrice: tick.LastPrice,
		Volume:    int64(tick.VolumeTraded),
		Timestamp: tick.Timestamp.Time.UTC(),
	}
	if len(tick.Depth.Buy) > 0 {
		out.Bid = tick.Depth.Buy[0].Price
	}
	if len(tick.Depth.Sell) > 0 {
		out.Ask = tick.Depth.Sell[0].Price
	}
	return out
}

// reconnect walks the configured backoff ladder until the socket comes back,
// holding at the last rung and honoring the per-minute reconnect cap.
func (t *KiteTicker) reconnect(ctx context.Context) {
	t.mu.Lock()
	if t.reconnecting {
		t.mu.Unlock()
		return
	}
	t.reconnecting = true
	t.mu.Unlock()

	ladder := t.cfg.ReconnectBackoffSec
	if len(ladder) == 0 {
		ladder = []int{1, 2, 5, 10, 30}
	}

	for attempt := 0; ; attempt++ {
		step := attempt
		if step >= len(ladder) {
			step = len(ladder) - 1
		}
		delay := time.Duration(ladder[step]) * time.Second

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if !t.allowReconnect() {
			t.logger.Warn().Msg("reconnect cap reached, backing off one minute")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Minute):
			}
		}

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return
		}
		if t.connected {
			t.reconnecting = false
			t.mu.Unlock()
			return
		}
		t.reconnecting = false
		t.mu.Unlock()

		t.logger.Info().Int("attempt", attempt+1).Dur("backoff", delay).Msg("reconnecting websocket")
		if err := t.Connect(ctx); err == nil {
			return
		}

		t.mu.Lock()
		t.reconnecting = true
		t.mu.Unlock()
	}
}

// allowReconnect records an attempt against the rolling one-minute window.
func (t *KiteTicker) allowReconnect() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	max := t.cfg.MaxReconnectsPerMinute
	if max <= 0 {
		max = 10
	}
	cutoff := time.Now().Add(-time.Minute)
	kept := t.reconnects[:0]
	for _, at := range t.reconnects {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	t.reconnects = kept
	if len(t.reconnects) >= max {
		return false
	}
	t.reconnects = append(t.reconnects, time.Now())
	return true
}

// resubscribe restores all subscriptions after a reconnect, grouped by mode.
func (t *KiteTicker) resubscribe() {
	t.mu.RLock()
	byMode := make(map[TickMode][]uint32)
	for token, mode := range t.subscribed {
		byMode[mode] = append(byMode[mode], token)
	}
	tk := t.ticker
	t.mu.RUnlock()

	if tk == nil {
		return
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	for mode, tokens := range byMode {
		if err := tk.Subscribe(tokens); err != nil {
			t.logger.Error().Err(err).Str("mode", string(mode)).Msg("resubscribe failed")
			continue
		}
		if err := tk.SetMode(kiteMode(mode), tokens); err != nil {
			t.logger.Error().Err(err).Str("mode", string(mode)).Msg("set mode failed on resubscribe")
		}
	}
}

func kiteMode(mode TickMode) kiteticker.Mode {
	if mode == TickModeFull {
		return kiteticker.ModeFull
	}
	return kiteticker.ModeQuote
}
