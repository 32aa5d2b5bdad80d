package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "adx-trader/internal/errors"
)

// Handler consumes one event. Handler errors are logged and never halt
// delivery to other handlers.
type Handler func(Event) error

// BusConfig controls queue depth and the durable log location.
type BusConfig struct {
	// LogPath is the JSONL append log. The parent directory is created on
	// demand.
	LogPath string
	// QueueSize is the capacity of the internal delivery queue.
	QueueSize int
}

// DefaultBusConfig returns sensible defaults for a single-session run.
func DefaultBusConfig(logPath string) BusConfig {
	return BusConfig{LogPath: logPath, QueueSize: 1024}
}

// Bus is a single-consumer pub/sub bus. Publish appends to the durable log
// (fsync'd) before enqueueing, so the log never misses a delivered event.
// Events carrying an idempotency key already seen this process are rejected
// without logging or delivery.
type Bus struct {
	cfg    BusConfig
	logger zerolog.Logger

	mu       sync.RWMutex
	handlers map[Kind][]Handler
	all      []Handler
	seen     map[string]struct{}

	fileMu sync.Mutex
	file   *os.File

	queue  chan Event
	done   chan struct{}
	wg     sync.WaitGroup
	closed bool

	published uint64
	dropped   uint64
}

// NewBus opens (or creates) the durable log and returns a bus ready for
// Subscribe calls. Start must be called before Publish delivers anything.
func NewBus(cfg BusConfig, logger zerolog.Logger) (*Bus, error) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if err := os.MkdirAll(filepath.Dir(cfg.LogPath), 0o755); err != nil {
		return nil, apperrors.NewFileError("mkdir", filepath.Dir(cfg.LogPath), err)
	}
	f, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, apperrors.NewFileError("open", cfg.LogPath, err)
	}
	return &Bus{
		cfg:      cfg,
		logger:   logger.With().Str("component", "event_bus").Logger(),
		handlers: make(map[Kind][]Handler),
		seen:     make(map[string]struct{}),
		file:     f,
		queue:    make(chan Event, cfg.QueueSize),
		done:     make(chan struct{}),
	}, nil
}

// Start launches the consumer goroutine. Delivery order matches publish
// order for any single publisher.
func (b *Bus) Start() {
	b.wg.Add(1)
	go b.consumeLoop()
}

// Subscribe registers a handler for one kind. Handlers registered after
// Start still receive subsequent events.
func (b *Bus) Subscribe(kind Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], h)
}

// SubscribeAll registers a handler invoked for every event, after the
// kind-specific handlers.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish persists the event and enqueues it for delivery. A duplicate
// idempotency key returns an EVENT_002 error and leaves no trace in the log
// or the queue. An empty key skips the duplicate check.
func (b *Bus) Publish(e Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return apperrors.NewEventDispatchFailed(string(e.Kind), "bus closed", apperrors.ErrShutdown)
	}
	if e.IdempotencyKey != "" {
		if _, dup := b.seen[e.IdempotencyKey]; dup {
			b.mu.Unlock()
			return apperrors.NewDuplicateEvent(string(e.Kind), e.IdempotencyKey)
		}
		b.seen[e.IdempotencyKey] = struct{}{}
	}
	b.mu.Unlock()

	if err := b.append(e); err != nil {
		// The event was never published; release the key so a retry can
		// succeed.
		b.mu.Lock()
		delete(b.seen, e.IdempotencyKey)
		b.mu.Unlock()
		return err
	}

	select {
	case b.queue <- e:
		b.mu.Lock()
		b.published++
		b.mu.Unlock()
		return nil
	case <-b.done:
		return apperrors.NewEventDispatchFailed(string(e.Kind), "bus closed", apperrors.ErrShutdown)
	}
}

// Emit is a convenience wrapper: build, key, and publish in one call.
// Duplicate-key rejections are logged at debug and swallowed; other publish
// failures are returned.
func (b *Bus) Emit(kind Kind, idempotencyKey string, payload map[string]any) error {
	err := b.Publish(New(kind, idempotencyKey, payload))
	if err != nil && apperrors.Is(err, apperrors.ErrDuplicateEvent) {
		b.logger.Debug().
			Str("kind", string(kind)).
			Str("idempotency_key", idempotencyKey).
			Msg("duplicate event suppressed")
		return nil
	}
	return err
}

// Seen reports whether the key was already published this process.
func (b *Bus) Seen(key string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.seen[key]
	return ok
}

// Stats returns the number of events published and handler errors observed.
func (b *Bus) Stats() (published, handlerErrors uint64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.published, b.dropped
}

func (b *Bus) append(e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return apperrors.NewEventDispatchFailed(string(e.Kind), "marshal event", err)
	}
	b.fileMu.Lock()
	defer b.fileMu.Unlock()
	if _, err := b.file.Write(append(data, '\n')); err != nil {
		return apperrors.NewFileWriteFailed(b.cfg.LogPath, err)
	}
	if err := b.file.Sync(); err != nil {
		return apperrors.NewFileWriteFailed(b.cfg.LogPath, err)
	}
	return nil
}

func (b *Bus) consumeLoop() {
	defer b.wg.Done()
	for {
		select {
		case e := <-b.queue:
			b.dispatch(e)
		case <-b.done:
			// Drain whatever was enqueued before shutdown.
			for {
				select {
				case e := <-b.queue:
					b.dispatch(e)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) dispatch(e Event) {
	b.mu.RLock()
	hs := make([]Handler, 0, len(b.handlers[e.Kind])+len(b.all))
	hs = append(hs, b.handlers[e.Kind]...)
	hs = append(hs, b.all...)
	b.mu.RUnlock()

	for _, h := range hs {
		b.invoke(e, h)
	}
}

func (b *Bus) invoke(e Event, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.mu.Lock()
			b.dropped++
			b.mu.Unlock()
			b.logger.Error().
				Str("kind", string(e.Kind)).
				Interface("panic", r).
				Msg("event handler panicked")
		}
	}()
	if err := h(e); err != nil {
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
		b.logger.Error().
			Err(err).
			Str("kind", string(e.Kind)).
			Str("idempotency_key", e.IdempotencyKey).
			Msg("event handler failed")
	}
}

// Replay reads the durable log and returns, in log order, every event whose
// timestamp is at or after the cutoff. Corrupt lines are skipped with a
// warning so a torn final write cannot block recovery.
func (b *Bus) Replay(from time.Time) ([]Event, error) {
	f, err := os.Open(b.cfg.LogPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperrors.NewFileError("open event log for replay", b.cfg.LogPath, err)
	}
	defer f.Close()

	var out []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(raw, &e); err != nil {
			b.logger.Warn().
				Int("line", line).
				Err(err).
				Msg("skipping corrupt event log line")
			continue
		}
		if e.Timestamp.Before(from) {
			continue
		}
		out = append(out, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, apperrors.NewFileError("scan event log", b.cfg.LogPath, err)
	}
	return out, nil
}

// Close stops accepting publishes, drains the queue, and closes the log.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.done)
	b.wg.Wait()

	b.fileMu.Lock()
	defer b.fileMu.Unlock()
	if err := b.file.Sync(); err != nil {
		return fmt.Errorf("sync event log: %w", err)
	}
	return b.file.Close()
}
