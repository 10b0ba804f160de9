// Package audit keeps the bounded request/response/error log and the trade history.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Type classifies an entry.
type Type string

const (
	TypeRequest  Type = "request"
	TypeResponse Type = "response"
	TypeError    Type = "error"
	TypeTrade    Type = "trade"
	TypeInfo     Type = "info"
	TypeClear    Type = "clear"
)

const (
	MaxEntries = 100
	MaxTrades  = 500
)

// Entry is one audit record. Payload is already sanitized.
type Entry struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Sink receives every entry for durable storage.
type Sink interface {
	Persist(Entry)
}

// Log is safe for concurrent use.
type Log struct {
	mu        sync.RWMutex
	entries   []Entry
	trades    []Entry
	listeners map[uint64]func(Entry)
	nextID    uint64
	sink      Sink
	now       func() time.Time
}

// New builds an empty log. sink may be nil.
func New(sink Sink) *Log {
	return &Log{
		listeners: make(map[uint64]func(Entry)),
		sink:      sink,
		now:       time.Now,
	}
}

// Restore seeds the log from persisted entries, oldest first.
func (l *Log) Restore(entries []Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range entries {
		if e.Type == TypeTrade {
			l.trades = appendCapped(l.trades, e, MaxTrades)
		} else {
			l.entries = appendCapped(l.entries, e, MaxEntries)
		}
	}
}

// Add records a sanitized entry and notifies listeners.
func (l *Log) Add(typ Type, payload map[string]any) Entry {
	var clean map[string]any
	if payload != nil {
		clean, _ = Sanitize(payload).(map[string]any)
	}
	e := Entry{ID: uuid.NewString(), Type: typ, Timestamp: l.now(), Payload: clean}

	l.mu.Lock()
	if typ == TypeTrade {
		l.trades = appendCapped(l.trades, e, MaxTrades)
	} else {
		l.entries = appendCapped(l.entries, e, MaxEntries)
	}
	listeners := l.snapshotListeners()
	sink := l.sink
	l.mu.Unlock()

	if sink != nil {
		sink.Persist(e)
	}
	notify(listeners, e)
	return e
}

// Request logs an outbound venue call.
func (l *Log) Request(method, path string, params map[string]any) {
	l.Add(TypeRequest, map[string]any{"method": method, "url": path, "params": params})
}

// Response logs a venue reply.
func (l *Log) Response(status string, data any, elapsed time.Duration) {
	l.Add(TypeResponse, map[string]any{"status": status, "data": data, "executionTime": elapsed.Milliseconds()})
}

// Error logs a failure with an optional venue code.
func (l *Log) Error(code int64, message string, details map[string]any) {
	l.Add(TypeError, map[string]any{"code": code, "message": message, "details": details})
}

// Info logs a free-form message.
func (l *Log) Info(message string, data map[string]any) {
	payload := map[string]any{"message": message}
	for k, v := range data {
		payload[k] = v
	}
	l.Add(TypeInfo, payload)
}

// Trade is a completed execution for the history.
type Trade struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	OrderType     string  `json:"orderType"`
	OrderID       string  `json:"orderId"`
	Notional      float64 `json:"notional"`
	ExecutedQty   float64 `json:"executedQty"`
	AvgPrice      float64 `json:"avgPrice"`
	Path          string  `json:"path"`
	ExecutionTime int64   `json:"executionTime"`
}

// Trade appends to the trade history.
func (l *Log) Trade(t Trade) {
	l.Add(TypeTrade, map[string]any{
		"symbol":        t.Symbol,
		"side":          t.Side,
		"orderType":     t.OrderType,
		"orderId":       t.OrderID,
		"notional":      t.Notional,
		"executedQty":   t.ExecutedQty,
		"avgPrice":      t.AvgPrice,
		"path":          t.Path,
		"executionTime": t.ExecutionTime,
	})
}

// Entries returns a copy of the ring, oldest first; typ filters when non-empty.
func (l *Log) Entries(typ Type) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		if typ == "" || e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// Trades returns a copy of the trade history, oldest first.
func (l *Log) Trades() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Entry(nil), l.trades...)
}

// Clear empties the ring (trade history is kept) and notifies listeners with a clear entry.
func (l *Log) Clear() {
	l.mu.Lock()
	l.entries = nil
	listeners := l.snapshotListeners()
	l.mu.Unlock()
	notify(listeners, Entry{Type: TypeClear, Timestamp: l.now()})
}

// Subscribe registers fn for new entries and returns an unsubscribe function.
func (l *Log) Subscribe(fn func(Entry)) func() {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.listeners[id] = fn
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.listeners, id)
		l.mu.Unlock()
	}
}

// Export renders the ring and trade history as JSON.
func (l *Log) Export(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return json.MarshalIndent(struct {
		Entries []Entry `json:"entries"`
		Trades  []Entry `json:"trades"`
	}{l.Entries(""), l.Trades()}, "", "  ")
}

func (l *Log) snapshotListeners() []func(Entry) {
	out := make([]func(Entry), 0, len(l.listeners))
	for _, fn := range l.listeners {
		out = append(out, fn)
	}
	return out
}

func notify(listeners []func(Entry), e Entry) {
	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Msg("audit listener panicked")
				}
			}()
			fn(e)
		}()
	}
}

func appendCapped(list []Entry, e Entry, max int) []Entry {
	list = append(list, e)
	if len(list) > max {
		list = append([]Entry(nil), list[len(list)-max:]...)
	}
	return list
}
