// Package cache holds the latest mark price per symbol, shared by the validator and the
// trailing stop engine.
package cache

import (
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

const numShards = 16

// MarkPrices is a sharded symbol → mark price map.
type MarkPrices struct {
	shards [numShards]*shard
}

type shard struct {
	mu    sync.RWMutex
	items map[string]Mark
}

// Mark is one observed mark price.
type Mark struct {
	Price     float64
	EventTime int64 // venue ms
	UpdatedAt time.Time
}

func NewMarkPrices() *MarkPrices {
	c := &MarkPrices{}
	for i := range c.shards {
		c.shards[i] = &shard{items: make(map[string]Mark)}
	}
	return c
}

func (c *MarkPrices) shardFor(symbol string) *shard {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return c.shards[h.Sum32()%numShards]
}

// Set records a mark price. Updates older than the stored event time are ignored.
func (c *MarkPrices) Set(symbol string, price float64, eventTime int64) {
	if price <= 0 {
		return
	}
	symbol = strings.ToUpper(symbol)
	s := c.shardFor(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.items[symbol]; ok && eventTime > 0 && cur.EventTime > eventTime {
		return
	}
	s.items[symbol] = Mark{Price: price, EventTime: eventTime, UpdatedAt: time.Now()}
}

// Get returns the latest mark price.
func (c *MarkPrices) Get(symbol string) (float64, bool) {
	m, ok := c.Lookup(symbol)
	return m.Price, ok
}

// Lookup returns the full mark entry.
func (c *MarkPrices) Lookup(symbol string) (Mark, bool) {
	symbol = strings.ToUpper(symbol)
	s := c.shardFor(symbol)
	s.mu.RLock()
	m, ok := s.items[symbol]
	s.mu.RUnlock()
	return m, ok
}

// Fresh returns the mark price only when it is younger than maxAge.
func (c *MarkPrices) Fresh(symbol string, maxAge time.Duration) (float64, bool) {
	m, ok := c.Lookup(symbol)
	if !ok || time.Since(m.UpdatedAt) > maxAge {
		return 0, false
	}
	return m.Price, true
}

func (c *MarkPrices) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}

// Cleanup removes entries older than maxAge and returns how many were dropped.
func (c *MarkPrices) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for _, s := range c.shards {
		s.mu.Lock()
		for sym, m := range s.items {
			if m.UpdatedAt.Before(cutoff) {
				delete(s.items, sym)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Snapshot copies all prices.
func (c *MarkPrices) Snapshot() map[string]float64 {
	out := make(map[string]float64)
	for _, s := range c.shards {
		s.mu.RLock()
		for sym, m := range s.items {
			out[sym] = m.Price
		}
		s.mu.RUnlock()
	}
	return out
}
