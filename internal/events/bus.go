package events

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Listener receives events synchronously on the publisher's goroutine.
type Listener func(Event)

// Bus is a typed pub/sub broker. A panicking listener is isolated and does not prevent
// delivery to the remaining listeners.
type Bus struct {
	mu   sync.RWMutex
	next uint64
	subs map[Kind]map[uint64]Listener
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Kind]map[uint64]Listener)}
}

// Subscribe registers fn for one or more kinds and returns an unsubscribe function.
func (b *Bus) Subscribe(fn Listener, kinds ...Kind) func() {
	if len(kinds) == 0 {
		kinds = AllKinds
	}
	b.mu.Lock()
	b.next++
	id := b.next
	for _, k := range kinds {
		if b.subs[k] == nil {
			b.subs[k] = make(map[uint64]Listener)
		}
		b.subs[k][id] = fn
	}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for _, k := range kinds {
				delete(b.subs[k], id)
			}
		})
	}
}

// Stream adapts the bus to a buffered channel. Slow consumers drop events rather than
// blocking the publisher.
func (b *Bus) Stream(buffer int, kinds ...Kind) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	var (
		mu     sync.Mutex
		closed bool
	)
	unsub := b.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- e:
		default:
		}
	}, kinds...)

	return ch, func() {
		unsub()
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			close(ch)
		}
	}
}

// Publish delivers payload to every listener of kind in subscription order.
func (b *Bus) Publish(kind Kind, payload any) {
	b.mu.RLock()
	subs := b.subs[kind]
	ids := make([]uint64, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	listeners := make([]Listener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, subs[id])
	}
	b.mu.RUnlock()

	evt := Event{Kind: kind, Time: time.Now(), Payload: payload}
	for _, fn := range listeners {
		dispatch(fn, evt)
	}
}

// ListenerCount returns how many listeners are registered for kind.
func (b *Bus) ListenerCount(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[kind])
}

func dispatch(fn Listener, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("kind", string(evt.Kind)).Interface("panic", r).Msg("event listener panicked")
		}
	}()
	fn(evt)
}
