// Package notify pushes the session's notable moments to the operator:
// signals, fills, closed trades, risk trips, and the end-of-day summary.
// Channels are pluggable; the bundled ones are the terminal and a generic
// JSON webhook.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"adx-trader/internal/events"
	"adx-trader/internal/models"
)

// Channel delivers one notification to one sink.
type Channel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// Notification is one message for the operator.
type Notification struct {
	Type      Type
	Title     string
	Message   string
	Data      map[string]any
	Timestamp time.Time
}

// Type classifies a notification for level filtering.
type Type string

const (
	TypeTrade   Type = "trade"
	TypeAlert   Type = "alert"
	TypeError   Type = "error"
	TypeSummary Type = "summary"
	TypeInfo    Type = "info"
)

// Level filters which notification types get delivered.
type Level string

const (
	LevelAll        Level = "all"
	LevelTradesOnly Level = "trades_only"
	LevelErrorsOnly Level = "errors_only"
)

// passes reports whether a type clears the level filter. Errors always
// pass: a muted operator still needs to hear about failures.
func (l Level) passes(t Type) bool {
	switch l {
	case LevelTradesOnly:
		return t == TypeTrade || t == TypeSummary || t == TypeError
	case LevelErrorsOnly:
		return t == TypeError
	default:
		return true
	}
}

// Notifier fans notifications out to its channels. A channel failure is
// logged and does not block the others.
type Notifier struct {
	mu       sync.RWMutex
	channels []Channel
	level    Level
	logger   zerolog.Logger
}

func NewNotifier(level Level, logger zerolog.Logger, channels ...Channel) *Notifier {
	if level == "" {
		level = LevelAll
	}
	return &Notifier{
		channels: channels,
		level:    level,
		logger:   logger.With().Str("component", "notify").Logger(),
	}
}

// AddChannel registers another sink.
func (n *Notifier) AddChannel(c Channel) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.channels = append(n.channels, c)
}

// Send delivers one notification to every channel that passes the filter.
func (n *Notifier) Send(ctx context.Context, msg Notification) {
	if !n.level.passes(msg.Type) {
		return
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	n.mu.RLock()
	channels := make([]Channel, len(n.channels))
	copy(channels, n.channels)
	n.mu.RUnlock()

	for _, c := range channels {
		if err := c.Send(ctx, msg); err != nil {
			n.logger.Warn().Err(err).Str("channel", c.Name()).Msg("notification delivery failed")
		}
	}
}

// SendSignal announces an armed entry signal.
func (n *Notifier) SendSignal(ctx context.Context, sig models.EntrySignal) {
	n.Send(ctx, Notification{
		Type:  TypeInfo,
		Title: fmt.Sprintf("Signal: %s %s %.0f %s", sig.Underlying, sig.Bias, sig.Strike, sig.OptionType),
		Message: fmt.Sprintf("%s @ spot %s | %s",
			string(sig.Side), formatCurrency(sig.UnderlyingLTP), sig.Reason),
		Data: map[string]any{
			"underlying": sig.Underlying,
			"strike":     sig.Strike,
			"type":       string(sig.OptionType),
		},
	})
}

// SendTrade announces a closed trade.
func (n *Notifier) SendTrade(ctx context.Context, trade models.Trade) {
	verdict := "LOSS"
	if trade.Win() {
		verdict = "WIN"
	}
	n.Send(ctx, Notification{
		Type:  TypeTrade,
		Title: fmt.Sprintf("Trade closed: %s (%s)", trade.Symbol, verdict),
		Message: fmt.Sprintf("%s %d @ %s → %s | net %s | %s",
			string(trade.Side), trade.Quantity,
			formatCurrency(trade.EntryPrice), formatCurrency(trade.ExitPrice),
			formatCurrency(trade.NetPnL), string(trade.ExitReason)),
		Data: map[string]any{
			"position_id": trade.PositionID,
			"net_pnl":     trade.NetPnL,
			"exit_reason": string(trade.ExitReason),
		},
	})
}

// SendAlert announces a risk trip.
func (n *Notifier) SendAlert(ctx context.Context, title, message string) {
	n.Send(ctx, Notification{Type: TypeAlert, Title: title, Message: message})
}

// SendError reports a failure with its context.
func (n *Notifier) SendError(ctx context.Context, err error, where string) {
	n.Send(ctx, Notification{
		Type:    TypeError,
		Title:   "Error: " + where,
		Message: err.Error(),
	})
}

// SendSummary announces the day's result.
func (n *Notifier) SendSummary(ctx context.Context, date string, trades, wins int, netPnL float64) {
	rate := 0.0
	if trades > 0 {
		rate = float64(wins) / float64(trades) * 100
	}
	n.Send(ctx, Notification{
		Type:  TypeSummary,
		Title: "Session summary " + date,
		Message: fmt.Sprintf("%d trades, %d wins (%.0f%%), net %s",
			trades, wins, rate, formatCurrency(netPnL)),
		Data: map[string]any{"trades": trades, "wins": wins, "net_pnl": netPnL},
	})
}

// Attach subscribes the notifier to the engine's event stream. Handlers
// return nil always: a notification problem must never count against the
// bus's delivery accounting.
func (n *Notifier) Attach(bus *events.Bus) {
	bus.Subscribe(events.SignalGenerated, func(e events.Event) error {
		n.Send(context.Background(), Notification{
			Type:    TypeInfo,
			Title:   "Entry signal",
			Message: payloadLine(e.Payload, "underlying", "bias", "strike", "option_type"),
			Data:    e.Payload,
		})
		return nil
	})
	bus.Subscribe(events.PositionOpened, func(e events.Event) error {
		n.Send(context.Background(), Notification{
			Type:    TypeTrade,
			Title:   "Position opened",
			Message: payloadLine(e.Payload, "symbol", "quantity", "entry_price"),
			Data:    e.Payload,
		})
		return nil
	})
	bus.Subscribe(events.PositionClosed, func(e events.Event) error {
		n.Send(context.Background(), Notification{
			Type:    TypeTrade,
			Title:   "Position closed",
			Message: payloadLine(e.Payload, "symbol", "exit_price", "net_pnl", "exit_reason"),
			Data:    e.Payload,
		})
		return nil
	})
	bus.Subscribe(events.VixSpike, func(e events.Event) error {
		n.SendAlert(context.Background(), "VIX spike",
			payloadLine(e.Payload, "vix", "threshold", "positions_to_exit"))
		return nil
	})
	bus.Subscribe(events.DailyLossLimitBreached, func(e events.Event) error {
		n.SendAlert(context.Background(), "Daily loss limit breached",
			payloadLine(e.Payload, "daily_pnl", "loss_pct", "limit_pct"))
		return nil
	})
	bus.Subscribe(events.KillSwitchActivated, func(e events.Event) error {
		n.SendAlert(context.Background(), "Kill switch activated",
			payloadLine(e.Payload, "path", "open_positions"))
		return nil
	})
	bus.Subscribe(events.FatalError, func(e events.Event) error {
		n.Send(context.Background(), Notification{
			Type:    TypeError,
			Title:   "Fatal error",
			Message: payloadLine(e.Payload, "error", "code"),
			Data:    e.Payload,
		})
		return nil
	})
}

// payloadLine renders the named payload fields as "key=value" pairs,
// skipping absent keys.
func payloadLine(payload map[string]any, keys ...string) string {
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if v, ok := payload[k]; ok {
			parts = append(parts, fmt.Sprintf("%s=%v", k, v))
		}
	}
	return strings.Join(parts, " ")
}

// formatCurrency renders an amount with Indian digit grouping.
func formatCurrency(amount float64) string {
	negative := amount < 0
	if negative {
		amount = -amount
	}
	str := fmt.Sprintf("%.2f", amount)
	parts := strings.Split(str, ".")
	result := "₹" + groupIndian(parts[0]) + "." + parts[1]
	if negative {
		result = "-" + result
	}
	return result
}

// groupIndian applies lakh/crore grouping: last three digits, then pairs.
func groupIndian(s string) string {
	n := len(s)
	if n <= 3 {
		return s
	}
	result := s[n-3:]
	s = s[:n-3]
	for len(s) > 0 {
		if len(s) >= 2 {
			result = s[len(s)-2:] + "," + result
			s = s[:len(s)-2]
		} else {
			result = s + "," + result
			s = ""
		}
	}
	return result
}
