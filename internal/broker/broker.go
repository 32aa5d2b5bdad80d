// Package broker provides the Zerodha Kite Connect gateway, the WebSocket
// tick stream, a paper-trading wrapper, and the instrument directory.
package broker

import (
	"context"
	"time"

	"adx-trader/internal/models"
)

// Gateway is the broker capability the engine depends on. KiteGateway talks
// to Zerodha; PaperGateway simulates order flow over live market data.
type Gateway interface {
	// Authenticate establishes or restores a broker session.
	Authenticate(ctx context.Context) error
	IsAuthenticated() bool

	// PlaceOrder submits a limit order and returns the broker's order ID.
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	// OrderStatus reports the current fill state of a placed order.
	OrderStatus(ctx context.Context, brokerOrderID string) (OrderResult, error)

	// HistoricalCandles returns completed bars for an instrument token.
	HistoricalCandles(ctx context.Context, token uint32, tf models.Timeframe, from, to time.Time) ([]models.Bar, error)
	// LTP returns the last traded price for an instrument token.
	LTP(ctx context.Context, token uint32) (float64, error)
	// Quote returns a full quote for an exchange-prefixed symbol
	// (e.g. "NSE:INDIA VIX").
	Quote(ctx context.Context, symbol string) (*models.Quote, error)
	// Instruments downloads the instrument master for an exchange.
	Instruments(ctx context.Context, exchange models.Exchange) ([]models.Instrument, error)
}

// Ticker is the live tick stream. Implementations own the connection
// lifecycle; consumers read from Stream.
type Ticker interface {
	Connect(ctx context.Context) error
	Close() error
	Subscribe(tokens []uint32, mode TickMode) error
	Unsubscribe(tokens []uint32) error
	// RegisterToken maps an instrument token to its symbol so streamed
	// ticks carry both.
	RegisterToken(token uint32, symbol string)
	// Stream returns the tick channel. Slow consumers lose ticks rather
	// than stalling the socket.
	Stream() <-chan models.Tick
	IsConnected() bool
}

// TickMode selects the subscription depth.
type TickMode string

const (
	TickModeQuote TickMode = "quote"
	TickModeFull  TickMode = "full"
)

// OrderRequest is a limit order submission.
type OrderRequest struct {
	Symbol     string
	Exchange   models.Exchange
	Side       models.OrderSide
	Quantity   int
	LimitPrice float64
	OrderType  models.OrderType
	Product    models.ProductType
	Tag        string
}

// OrderResult is the broker's view of an order after placement or on a
// status poll.
type OrderResult struct {
	BrokerOrderID string
	Status        string
	FilledQty     int
	AveragePrice  float64
	Message       string
}

// Broker order status strings shared by the live and paper gateways.
const (
	StatusComplete  = "COMPLETE"
	StatusOpen      = "OPEN"
	StatusRejected  = "REJECTED"
	StatusCancelled = "CANCELLED"
)

// kiteInterval maps a bar interval to the Kite historical API token.
func kiteInterval(tf models.Timeframe) string {
	switch tf {
	case models.TimeframeMinute:
		return "minute"
	case models.TimeframeFiveMin:
		return "5minute"
	case models.TimeframeFifteen:
		return "15minute"
	case models.TimeframeHourly:
		return "60minute"
	case models.TimeframeDaily:
		return "day"
	default:
		return "day"
	}
}
