package common

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var nowMillis = func() int64 { return time.Now().UnixMilli() }

// NowMillis returns local wall-clock milliseconds.
func NowMillis() int64 { return nowMillis() }

// TimeSync manages time synchronization with an exchange server.
type TimeSync struct {
	getServerTime func(ctx context.Context) (int64, error)
	offset        int64 // milliseconds offset (server - local)
	mu            sync.RWMutex
}

// NewTimeSync creates a new time synchronization manager.
func NewTimeSync(getServerTime func(ctx context.Context) (int64, error)) *TimeSync {
	return &TimeSync{
		getServerTime: getServerTime,
	}
}

// Sync synchronizes with server time.
func (ts *TimeSync) Sync(ctx context.Context) error {
	localBefore := nowMillis()
	serverTime, err := ts.getServerTime(ctx)
	if err != nil {
		return err
	}
	localAfter := nowMillis()

	// Assume network latency is symmetric
	latency := localAfter - localBefore
	localTime := localBefore + latency/2

	ts.mu.Lock()
	ts.offset = serverTime - localTime
	offset := ts.offset
	ts.mu.Unlock()

	log.Debug().Int64("offset_ms", offset).Int64("latency_ms", latency).Msg("time synced")
	return nil
}

// Now returns current time in milliseconds adjusted for server offset.
func (ts *TimeSync) Now() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return nowMillis() + ts.offset
}

// Offset returns the current time offset in milliseconds.
func (ts *TimeSync) Offset() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.offset
}
