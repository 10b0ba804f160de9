package common

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType denotes the order types the execution core submits.
type OrderType string

const (
	OrderTypeMarket        OrderType = "MARKET"
	OrderTypeLimit         OrderType = "LIMIT"
	OrderTypeStopMarket    OrderType = "STOP_MARKET"          // Futures only
	OrderTypeTrailingStop  OrderType = "TRAILING_STOP_MARKET" // Futures only
	OrderTypeStopLoss      OrderType = "STOP_LOSS"            // Spot only
	OrderTypeStopLossLimit OrderType = "STOP_LOSS_LIMIT"      // Spot only
)

// IsStop reports whether t carries a stopPrice.
func (t OrderType) IsStop() bool {
	return t == OrderTypeStopMarket || t == OrderTypeStopLoss || t == OrderTypeStopLossLimit
}

// TimeInForce captures TIF semantics.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC" // Good Till Cancelled
	TIFIOC TimeInForce = "IOC" // Immediate Or Cancel
	TIFFOK TimeInForce = "FOK" // Fill Or Kill
	TIFGTX TimeInForce = "GTX" // Post Only / Maker Only
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// MapStatus normalizes a venue status string.
func MapStatus(s string) OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW":
		return StatusNew
	case "PARTIALLY_FILLED":
		return StatusPartial
	case "FILLED":
		return StatusFilled
	case "CANCELED", "CANCELLED":
		return StatusCanceled
	case "REJECTED":
		return StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return StatusExpired
	default:
		return StatusUnknown
	}
}

// MarketType distinguishes spot vs futures venues.
type MarketType string

const (
	MarketSpot    MarketType = "spot"
	MarketFutures MarketType = "futures"
)

// Environment selects the venue tier. Live is the real-money, license-gated tier.
type Environment string

const (
	EnvTest Environment = "test"
	EnvLive Environment = "live"
)

// ParseEnvironment accepts test/testnet and live/mainnet spellings.
func ParseEnvironment(s string) (Environment, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "test", "testnet":
		return EnvTest, true
	case "live", "mainnet":
		return EnvLive, true
	}
	return "", false
}

// ProxyName returns the environment name used by the execution proxy.
func (e Environment) ProxyName() string {
	if e == EnvLive {
		return "mainnet"
	}
	return "testnet"
}

// Credentials is an unlocked API key pair. Never persisted in plaintext.
type Credentials struct {
	APIKey      string
	APISecret   string
	Environment Environment
}

// OrderRequest captures an order intent to be sent to an exchange.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Qty           float64
	Price         float64 // required for LIMIT
	StopPrice     float64 // required for stop orders
	TimeInForce   TimeInForce
	ClientID      string // optional client order id
	ReduceOnly    bool
	ClosePosition bool
	PositionSide  string // LONG/SHORT for hedge mode futures
	WorkingType   string // MARK_PRICE or CONTRACT_PRICE
	CallbackRate  float64
	Market        MarketType
}

// OrderResult is the venue acknowledgement.
type OrderResult struct {
	OrderID     string          `json:"orderId"`
	ClientID    string          `json:"clientOrderId,omitempty"`
	Symbol      string          `json:"symbol"`
	Status      OrderStatus     `json:"status"`
	ExecutedQty float64         `json:"executedQty,omitempty"`
	AvgPrice    float64         `json:"avgPrice,omitempty"`
	Raw         json.RawMessage `json:"-"`
}

// CancelReplaceRequest cancels CancelOrderID and places New as one venue operation.
type CancelReplaceRequest struct {
	Symbol        string
	CancelOrderID string
	New           OrderRequest
}

// Position is an open derivatives position. Amount is signed (negative for short).
type Position struct {
	Symbol       string
	Amount       float64
	EntryPrice   float64
	MarkPrice    float64
	PositionSide string
}

// OpenOrder is a resting order.
type OpenOrder struct {
	Symbol     string
	OrderID    string
	ClientID   string
	Side       Side
	Type       OrderType
	Price      float64
	StopPrice  float64
	Qty        float64
	ReduceOnly bool
}

// FormatFloat renders v without exponent or trailing zeros.
func FormatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// ParseFloat parses venue decimal strings, returning 0 on malformed input.
func ParseFloat(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}
