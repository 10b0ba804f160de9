package connection

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/internal/events"
	"execution-core/pkg/exchanges/common"
)

type fakeKeys struct {
	createErr error
	extended  atomic.Int32
}

func (f *fakeKeys) CreateListenKey(ctx context.Context) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	return "lk-1", nil
}

func (f *fakeKeys) KeepAliveListenKey(ctx context.Context) error {
	f.extended.Add(1)
	return nil
}

func TestUserStreamPublishesOrderUpdates(t *testing.T) {
	f := newFakeVenue(t)
	bus := events.NewBus()
	updates, stop := bus.Stream(8, events.KindOrderUpdate)
	defer stop()

	keys := &fakeKeys{}
	u := NewUserStream(bus, Config{URL: f.url(), OpenTimeout: time.Second}, 20*time.Millisecond)
	require.NoError(t, u.Start(context.Background(), keys, common.EnvTest))
	assert.Equal(t, StateConnected, u.Status().State)
	assert.Equal(t, f.url()+"/lk-1", u.Status().URL)

	f.push(t, map[string]any{"e": "ORDER_TRADE_UPDATE", "E": 1, "T": 1, "o": map[string]any{
		"s": "ETHUSDT", "S": "BUY", "o": "STOP_MARKET", "X": "FILLED", "x": "TRADE", "i": 5, "sp": "3000", "q": "1",
	}})
	ev := waitEvent(t, updates)
	ou := ev.Payload.(events.OrderUpdate)
	assert.Equal(t, "ETHUSDT", ou.Symbol)
	assert.Equal(t, "FILLED", ou.Status)

	require.Eventually(t, func() bool { return keys.extended.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)

	u.Stop()
	assert.Equal(t, StateDisconnected, u.Status().State)
	n := keys.extended.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, n, keys.extended.Load(), "keepalive stops with the stream")
}

func TestUserStreamListenKeyFailure(t *testing.T) {
	u := NewUserStream(events.NewBus(), Config{}, 0)
	err := u.Start(context.Background(), &fakeKeys{createErr: errors.New("401")}, common.EnvTest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user stream")
	assert.Equal(t, StateDisconnected, u.Status().State)
	u.Stop()
}

func TestUserStreamURL(t *testing.T) {
	assert.Equal(t, "wss://fstream.binance.com/ws/abc", UserStreamURL(common.EnvLive, "abc"))
	assert.Equal(t, "wss://stream.binancefuture.com/ws/abc", UserStreamURL(common.EnvTest, "abc"))
}
