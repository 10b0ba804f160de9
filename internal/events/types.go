package events

import (
	"encoding/json"
	"time"
)

// Kind enumerates the closed set of events published inside the execution core.
type Kind string

const (
	KindOpen          Kind = "open"
	KindClose         Kind = "close"
	KindError         Kind = "error"
	KindReconnecting  Kind = "reconnecting"
	KindFailed        Kind = "failed"
	KindMarkPrice     Kind = "markPrice"
	KindOrderUpdate   Kind = "orderUpdate"
	KindAccountUpdate Kind = "accountUpdate"
	KindResponse      Kind = "response"

	// Emitted by the execution side for UI consumers.
	KindExecution   Kind = "execution"
	KindStopUpdated Kind = "stopUpdated"
	KindAudit       Kind = "audit"
)

// AllKinds lists every kind in a stable order.
var AllKinds = []Kind{
	KindOpen, KindClose, KindError, KindReconnecting, KindFailed,
	KindMarkPrice, KindOrderUpdate, KindAccountUpdate, KindResponse,
	KindExecution, KindStopUpdated, KindAudit,
}

// Event is a published notification.
type Event struct {
	Kind    Kind      `json:"kind"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload,omitempty"`
}

// Lifecycle payloads name the session that emitted them ("trading", "market", "user").

// Open is published when a session becomes usable.
type Open struct {
	Session string `json:"session,omitempty"`
}

// Close carries the transport close code.
type Close struct {
	Session string `json:"session,omitempty"`
	Code    int    `json:"code"`
	Reason  string `json:"reason"`
}

// Error wraps a transport or protocol error.
type Error struct {
	Session string `json:"session,omitempty"`
	Message string `json:"message"`
}

// Reconnecting announces a scheduled reconnect attempt.
type Reconnecting struct {
	Session string        `json:"session,omitempty"`
	Attempt int           `json:"attempt"`
	Delay   time.Duration `json:"delay"`
}

// Failed is published once reconnect attempts are exhausted.
type Failed struct {
	Session  string `json:"session,omitempty"`
	Attempts int    `json:"attempts"`
}

// SessionOf returns the session named by a lifecycle payload, or "" for other payloads.
func SessionOf(payload any) string {
	switch p := payload.(type) {
	case Open:
		return p.Session
	case Close:
		return p.Session
	case Error:
		return p.Session
	case Reconnecting:
		return p.Session
	case Failed:
		return p.Session
	}
	return ""
}

// MarkPrice is a markPriceUpdate stream event.
type MarkPrice struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	EventTime int64   `json:"eventTime"`
}

// OrderUpdate is an ORDER_TRADE_UPDATE stream event.
type OrderUpdate struct {
	Symbol        string  `json:"symbol"`
	ClientOrderID string  `json:"clientOrderId"`
	Side          string  `json:"side"`
	OrderType     string  `json:"orderType"`
	Status        string  `json:"status"`
	ExecType      string  `json:"execType"`
	OrderID       int64   `json:"orderId"`
	Price         float64 `json:"price"`
	StopPrice     float64 `json:"stopPrice"`
	Quantity      float64 `json:"quantity"`
	FilledQty     float64 `json:"filledQty"`
	AvgPrice      float64 `json:"avgPrice"`
	PositionSide  string  `json:"positionSide"`
	ReduceOnly    bool    `json:"reduceOnly"`
	EventTime     int64   `json:"eventTime"`
}

// PositionChange is one position entry of an ACCOUNT_UPDATE.
type PositionChange struct {
	Symbol       string  `json:"symbol"`
	Amount       float64 `json:"amount"`
	EntryPrice   float64 `json:"entryPrice"`
	PositionSide string  `json:"positionSide"`
}

// AccountUpdate is an ACCOUNT_UPDATE stream event.
type AccountUpdate struct {
	Reason    string           `json:"reason"`
	Positions []PositionChange `json:"positions"`
	EventTime int64            `json:"eventTime"`
}

// Response is a correlated reply to a trading request.
type Response struct {
	ID     int64           `json:"id"`
	Status int             `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Code   int64           `json:"code,omitempty"`
	Msg    string          `json:"msg,omitempty"`
}

// Execution summarises an order outcome for UI consumers.
type Execution struct {
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	OrderID   string `json:"orderId,omitempty"`
	Path      string `json:"path"`
	Success   bool   `json:"success"`
	Partial   bool   `json:"partial,omitempty"`
	Message   string `json:"message,omitempty"`
	LatencyMs int64  `json:"latencyMs"`
}

// StopUpdated reports a confirmed protective stop change.
type StopUpdated struct {
	PositionID string  `json:"positionId"`
	OrderID    string  `json:"orderId"`
	StopPrice  float64 `json:"stopPrice"`
	Level      int     `json:"level"`
	Safety     bool    `json:"safety,omitempty"`
}
