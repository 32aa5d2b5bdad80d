package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "adx-trader/internal/errors"
	"adx-trader/internal/models"
)

// PaperGateway simulates order flow against live market data. Market-data
// calls delegate to the wrapped gateway; orders never leave the process.
type PaperGateway struct {
	data        Gateway
	slippageBps float64
	autoFill    bool
	logger      zerolog.Logger
	now         func() time.Time

	mu       sync.RWMutex
	orders   map[string]*paperOrder
	prices   map[string]float64
	orderSeq int
}

type paperOrder struct {
	req    OrderRequest
	result OrderResult
}

var _ Gateway = (*PaperGateway)(nil)

// NewPaperGateway wraps a data gateway. With autoFill, placed orders fill
// immediately; otherwise unmarketable limit orders rest until a status poll
// sees a crossing price.
func NewPaperGateway(data Gateway, slippageBps float64, autoFill bool, logger zerolog.Logger) *PaperGateway {
	return &PaperGateway{
		data:        data,
		slippageBps: slippageBps,
		autoFill:    autoFill,
		logger:      logger.With().Str("component", "paper_gateway").Logger(),
		now:         time.Now,
		orders:      make(map[string]*paperOrder),
		prices:      make(map[string]float64),
	}
}

// Authenticate establishes the data gateway's session. Paper order flow
// itself needs no session.
func (p *PaperGateway) Authenticate(ctx context.Context) error {
	if p.data == nil {
		return nil
	}
	return p.data.Authenticate(ctx)
}

func (p *PaperGateway) IsAuthenticated() bool {
	if p.data == nil {
		return true
	}
	return p.data.IsAuthenticated()
}

// PlaceOrder simulates placement. Fill prices start from the last seen
// price, move against the order by the configured slippage, and never cross
// the limit.
func (p *PaperGateway) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if req.Quantity <= 0 {
		return OrderResult{}, apperrors.NewOrderRejected("", req.Symbol, "quantity must be positive")
	}

	ltp := p.lastPrice(req.Symbol)
	if ltp == 0 && p.data != nil {
		if q, err := p.data.Quote(ctx, string(req.Exchange)+":"+req.Symbol); err == nil {
			ltp = q.LTP
			p.UpdatePrice(req.Symbol, q.LTP)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.orderSeq++
	orderID := fmt.Sprintf("PAPER_%d_%d", p.now().Unix(), p.orderSeq)

	po := &paperOrder{
		req: req,
		result: OrderResult{
			BrokerOrderID: orderID,
			Status:        StatusOpen,
			Message:       "paper order placed",
		},
	}
	if p.autoFill || marketable(req, ltp) {
		p.fill(po, ltp)
	}
	p.orders[orderID] = po

	p.logger.Info().
		Str("order_id", orderID).
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Int("quantity", req.Quantity).
		Float64("limit", req.LimitPrice).
		Str("status", po.result.Status).
		Msg("paper order placed")
	return po.result, nil
}

// OrderStatus returns the simulated order state. Resting limit orders are
// re-checked against the latest cached price so polling observes fills.
func (p *PaperGateway) OrderStatus(ctx context.Context, brokerOrderID string) (OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	po, ok := p.orders[brokerOrderID]
	if !ok {
		return OrderResult{}, apperrors.NewOrderNotFound(brokerOrderID)
	}
	if po.result.Status == StatusOpen {
		if ltp := p.prices[po.req.Symbol]; marketable(po.req, ltp) {
			p.fill(po, ltp)
		}
	}
	return po.result, nil
}

func (p *PaperGateway) HistoricalCandles(ctx context.Context, token uint32, tf models.Timeframe, from, to time.Time) ([]models.Bar, error) {
	if p.data == nil {
		return nil, apperrors.NewBrokerError("no data gateway configured", nil)
	}
	return p.data.HistoricalCandles(ctx, token, tf, from, to)
}

func (p *PaperGateway) LTP(ctx context.Context, token uint32) (float64, error) {
	if p.data == nil {
		return 0, apperrors.NewBrokerError("no data gateway configured", nil)
	}
	return p.data.LTP(ctx, token)
}

func (p *PaperGateway) Quote(ctx context.Context, symbol string) (*models.Quote, error) {
	if p.data == nil {
		return nil, apperrors.NewBrokerError("no data gateway configured", nil)
	}
	q, err := p.data.Quote(ctx, symbol)
	if err == nil {
		p.UpdatePrice(q.Symbol, q.LTP)
	}
	return q, err
}

func (p *PaperGateway) Instruments(ctx context.Context, exchange models.Exchange) ([]models.Instrument, error) {
	if p.data == nil {
		return nil, apperrors.NewBrokerError("no data gateway configured", nil)
	}
	return p.data.Instruments(ctx, exchange)
}

// UpdatePrice records the latest traded price for fill simulation.
func (p *PaperGateway) UpdatePrice(symbol string, price float64) {
	p.mu.Lock()
	p.prices[symbol] = price
	p.mu.Unlock()
}

// ProcessTick feeds a live tick into the fill simulation.
func (p *PaperGateway) ProcessTick(tick models.Tick) {
	if tick.Symbol == "" {
		return
	}
	p.UpdatePrice(tick.Symbol, tick.LastPrice)
}

func (p *PaperGateway) lastPrice(symbol string) float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.prices[symbol]
}

// fill marks po complete. Caller holds p.mu.
func (p *PaperGateway) fill(po *paperOrder, ltp float64) {
	po.result.Status = StatusComplete
	po.result.FilledQty = po.req.Quantity
	po.result.AveragePrice = p.fillPrice(po.req, ltp)
	po.result.Message = "paper order filled"
}

// fillPrice applies slippage against the order, capped at the limit. When
// no reference price is known the limit itself is the fill.
func (p *PaperGateway) fillPrice(req OrderRequest, ltp float64) float64 {
	if ltp <= 0 {
		return req.LimitPrice
	}
	slip := ltp * p.slippageBps / 10000
	if req.Side == models.OrderSideBuy {
		px := ltp + slip
		if req.LimitPrice > 0 && px > req.LimitPrice {
			px = req.LimitPrice
		}
		return px
	}
	px := ltp - slip
	if req.LimitPrice > 0 && px < req.LimitPrice {
		px = req.LimitPrice
	}
	return px
}

// marketable reports whether a limit order would cross at ltp. Unknown
// prices count as marketable so fills never deadlock on missing data.
func marketable(req OrderRequest, ltp float64) bool {
	if req.OrderType != models.OrderTypeLimit || ltp <= 0 {
		return true
	}
	if req.Side == models.OrderSideBuy {
		return ltp <= req.LimitPrice
	}
	return ltp >= req.LimitPrice
}
