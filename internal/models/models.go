// Package models provides domain models for the trading engine.
package models

import (
	"strings"
	"time"
)

// Exchange represents a stock exchange segment.
type Exchange string

const (
	NSE Exchange = "NSE"
	BSE Exchange = "BSE"
	NFO Exchange = "NFO" // F&O
	CDS Exchange = "CDS" // Currency
	MCX Exchange = "MCX" // Commodity
)

// OrderSide represents the side of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType represents the type of an order.
type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStopLoss  OrderType = "SL"
	OrderTypeStopLossM OrderType = "SL-M"
)

// ProductType represents the product type of an order.
type ProductType string

const (
	ProductMIS  ProductType = "MIS"  // Intraday
	ProductNRML ProductType = "NRML" // F&O Normal
)

// OptionType distinguishes calls from puts, in NSE notation.
type OptionType string

const (
	OptionCall OptionType = "CE"
	OptionPut  OptionType = "PE"
)

// Timeframe is a bar interval. The string forms double as file-name and
// config tokens.
type Timeframe string

const (
	TimeframeMinute    Timeframe = "1m"
	TimeframeFiveMin   Timeframe = "5m"
	TimeframeFifteen   Timeframe = "15m"
	TimeframeHourly    Timeframe = "1h"
	TimeframeDaily     Timeframe = "1d"
)

// Duration returns the bar interval length. Daily bars span the local
// calendar day; the 24h value here is only used for gap heuristics.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case TimeframeMinute:
		return time.Minute
	case TimeframeFiveMin:
		return 5 * time.Minute
	case TimeframeFifteen:
		return 15 * time.Minute
	case TimeframeHourly:
		return time.Hour
	case TimeframeDaily:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Valid reports whether tf is one of the supported intervals.
func (tf Timeframe) Valid() bool {
	return tf.Duration() > 0
}

// Bar represents OHLCV data for one interval. A bar is identified by
// (symbol, timeframe, boundary timestamp) and is immutable once Complete.
type Bar struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
	Complete  bool      `json:"complete"`
}

// Tick represents real-time market data for one instrument. Ticks are
// ephemeral and never persisted.
type Tick struct {
	Symbol    string
	Token     uint32
	LastPrice float64
	Bid       float64
	Ask       float64
	Volume    int64
	Timestamp time.Time
}

// Quote represents a snapshot market quote from the broker.
type Quote struct {
	Symbol        string
	LTP           float64
	Open          float64
	High          float64
	Low           float64
	Close         float64
	Volume        int64
	Change        float64
	ChangePercent float64
	Timestamp     time.Time
}

// InstrumentKind classifies an instrument-master row.
type InstrumentKind string

const (
	KindIndex    InstrumentKind = "INDEX"
	KindStock    InstrumentKind = "STOCK"
	KindIndexFut InstrumentKind = "INDEX_FUT"
	KindStockFut InstrumentKind = "STOCK_FUT"
	KindIndexOpt InstrumentKind = "INDEX_OPT"
	KindStockOpt InstrumentKind = "STOCK_OPT"
)

// Instrument represents a tradeable instrument from the instrument master.
type Instrument struct {
	Token      uint32         `csv:"token"`
	Symbol     string         `csv:"symbol"`
	Underlying string         `csv:"underlying"`
	Exchange   Exchange       `csv:"exchange"`
	Segment    string         `csv:"segment"`
	LotSize    int            `csv:"lot_size"`
	TickSize   float64        `csv:"tick_size"`
	Expiry     time.Time      `csv:"-"`
	ExpiryStr  string         `csv:"expiry"`
	Strike     float64        `csv:"strike"`
	Kind       InstrumentKind `csv:"kind"`
}

// BarLogName derives the stable lowercase file stem for a bar log from
// (symbol, timeframe). Non-alphanumeric runes collapse to underscores so
// symbols like "NIFTY 50" and "NIFTY24AUG23550CE" map to safe names.
func BarLogName(symbol string, tf Timeframe) string {
	var b strings.Builder
	for _, r := range strings.ToLower(symbol) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String() + "_" + string(tf)
}
