package connection

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"execution-core/internal/events"
	"execution-core/pkg/exchanges/common"
)

// DefaultKeepAlive is how often the listen key is extended. The venue expires keys after 60m.
const DefaultKeepAlive = 30 * time.Minute

// ListenKeys opens and extends a futures user data stream. *futures_usdt.Client implements it.
type ListenKeys interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context) error
}

// UserStreamURL is the stream endpoint for listenKey.
func UserStreamURL(env common.Environment, listenKey string) string {
	return Endpoint(env, ChannelFutures, false) + "/" + listenKey
}

// UserStream keeps the account's user data stream open so ORDER_TRADE_UPDATE and ACCOUNT_UPDATE
// events reach the bus. The underlying Manager handles reconnects.
type UserStream struct {
	bus       *events.Bus
	cfg       Config
	keepAlive time.Duration

	mu     sync.Mutex
	mgr    *Manager
	cancel context.CancelFunc
	done   chan struct{}
}

// NewUserStream builds a stopped stream. cfg.URL, when set, replaces the venue host and the
// listen key is appended to it.
func NewUserStream(bus *events.Bus, cfg Config, keepAlive time.Duration) *UserStream {
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	if cfg.Name == "" {
		cfg.Name = "user"
	}
	return &UserStream{bus: bus, cfg: cfg, keepAlive: keepAlive}
}

// Start creates a listen key and connects. A running stream is stopped first.
func (u *UserStream) Start(ctx context.Context, keys ListenKeys, env common.Environment) error {
	u.Stop()

	key, err := keys.CreateListenKey(ctx)
	if err != nil {
		return fmt.Errorf("user stream: %w", err)
	}
	cfg := u.cfg
	if cfg.URL != "" {
		cfg.URL = strings.TrimRight(cfg.URL, "/") + "/" + key
	} else {
		cfg.URL = UserStreamURL(env, key)
	}
	mgr := NewManager(u.bus, cfg)
	if err := mgr.Connect(ctx, common.Credentials{Environment: env}, ChannelFutures, false); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	u.mu.Lock()
	u.mgr, u.cancel, u.done = mgr, cancel, done
	u.mu.Unlock()

	go u.extend(runCtx, keys, done)
	log.Info().Str("environment", string(env)).Msg("User data stream started")
	return nil
}

func (u *UserStream) extend(ctx context.Context, keys ListenKeys, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(u.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := keys.KeepAliveListenKey(reqCtx)
			cancel()
			if err != nil {
				log.Warn().Err(err).Msg("Listen key keepalive failed")
			}
		}
	}
}

// Stop closes the stream. It is safe to call when not running.
func (u *UserStream) Stop() {
	u.mu.Lock()
	mgr, cancel, done := u.mgr, u.cancel, u.done
	u.mgr, u.cancel, u.done = nil, nil, nil
	u.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if mgr != nil {
		mgr.Disconnect()
	}
}

// Status reports the stream session; disconnected when not running.
func (u *UserStream) Status() Status {
	u.mu.Lock()
	mgr := u.mgr
	u.mu.Unlock()
	if mgr == nil {
		return Status{State: StateDisconnected}
	}
	return mgr.Status()
}
