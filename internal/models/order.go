package models

import "time"

// OrderStatus tracks the lifecycle of a tracked order.
type OrderStatus string

const (
	OrderPending         OrderStatus = "PENDING"
	OrderSubmitted       OrderStatus = "SUBMITTED"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderCancelled       OrderStatus = "CANCELLED"
	OrderFailed          OrderStatus = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderRejected, OrderCancelled, OrderFailed:
		return true
	}
	return false
}

// OrderIntent is the desired state handed to the order manager. Intents are
// unique by idempotency key; replaying the same key must not reach the
// broker twice.
type OrderIntent struct {
	IntentID          string    `json:"intent_id"`
	Symbol            string    `json:"symbol"`
	Token             uint32    `json:"token"`
	Side              OrderSide `json:"side"`
	Quantity          int       `json:"quantity"`
	InitialLimitPrice float64   `json:"initial_limit_price"`
	IdempotencyKey    string    `json:"idempotency_key"`
}

// Order is the tracked state of an intent as it walks the retry ladder.
type Order struct {
	OrderIntent
	BrokerOrderID     string      `json:"broker_order_id,omitempty"`
	Status            OrderStatus `json:"status"`
	Attempts          int         `json:"attempts"`
	CurrentLimitPrice float64     `json:"current_limit_price"`
	FillPrice         float64     `json:"fill_price,omitempty"`
	FillQuantity      int         `json:"fill_quantity"`
	FillTime          *time.Time  `json:"fill_time,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}
