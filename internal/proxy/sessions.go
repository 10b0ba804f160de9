package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"execution-core/pkg/exchanges/common"
)

// Session is one registered install's venue credentials.
type Session struct {
	InstallID   string
	Environment common.Environment
	APIKey      string
	APISecret   string
	CreatedAt   time.Time
	LastUsed    time.Time

	venue Venue
}

// StoreConfig bounds the session store.
type StoreConfig struct {
	MaxSize     int           // LRU eviction beyond this
	IdleTimeout time.Duration // sessions unused this long are dropped
}

func DefaultStoreConfig() StoreConfig {
	return StoreConfig{MaxSize: 1000, IdleTimeout: 12 * time.Hour}
}

// Store keeps sessions in memory keyed by install id, with LRU eviction and idle expiry.
type Store struct {
	mu       sync.Mutex
	sessions *expirable.LRU[string, *Session]

	factory  VenueFactory
	onChange func(n int)
	evicted  chan struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewStore builds a store. onChange, when set, receives the session count after each change.
func NewStore(cfg StoreConfig, factory VenueFactory, onChange func(n int)) *Store {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultStoreConfig().MaxSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultStoreConfig().IdleTimeout
	}
	s := &Store{
		factory:  factory,
		onChange: onChange,
		evicted:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
	// The callback runs under the cache's lock, so it only signals.
	s.sessions = expirable.NewLRU[string, *Session](cfg.MaxSize, func(string, *Session) {
		select {
		case s.evicted <- struct{}{}:
		default:
		}
	}, cfg.IdleTimeout)
	return s
}

// Start reports evictions made by idle expiry until ctx is done or Stop is called.
func (s *Store) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-s.evicted:
				s.changed()
			}
		}
	}()
}

// Stop ends reporting and drops every session.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.mu.Lock()
	s.sessions.Purge()
	s.mu.Unlock()
	s.changed()
}

// Set registers or replaces the session for installID.
func (s *Store) Set(installID string, env common.Environment, apiKey, apiSecret string) error {
	venue, err := s.factory(common.Credentials{APIKey: apiKey, APISecret: apiSecret, Environment: env})
	if err != nil {
		return err
	}
	now := time.Now()

	s.mu.Lock()
	s.sessions.Add(installID, &Session{
		InstallID:   installID,
		Environment: env,
		APIKey:      apiKey,
		APISecret:   apiSecret,
		CreatedAt:   now,
		LastUsed:    now,
		venue:       venue,
	})
	s.mu.Unlock()
	s.changed()
	return nil
}

// Get returns a copy of the session and its venue, marking it used.
func (s *Store) Get(installID string) (Session, Venue, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions.Get(installID)
	if !ok {
		return Session{}, nil, false
	}
	// Re-adding restarts the idle timer; Get alone only refreshes recency.
	sess.LastUsed = time.Now()
	s.sessions.Add(installID, sess)
	return *sess, sess.venue, true
}

// Clear drops the session for installID.
func (s *Store) Clear(installID string) {
	s.mu.Lock()
	ok := s.sessions.Remove(installID)
	s.mu.Unlock()
	if ok {
		s.changed()
	}
}

func (s *Store) Len() int {
	return s.sessions.Len()
}

func (s *Store) changed() {
	if s.onChange != nil {
		s.onChange(s.Len())
	}
}
