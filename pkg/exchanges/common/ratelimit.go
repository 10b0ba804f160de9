package common

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// RateLimiter is a token bucket of max requests refilled over window. Callers blocked in
// WaitUntilAllowed are admitted strictly in arrival order.
type RateLimiter struct {
	mu      sync.Mutex
	lim     *rate.Limiter
	pending int
}

// NewRateLimiter creates a limiter for max requests per window.
func NewRateLimiter(max int, window time.Duration) *RateLimiter {
	if max <= 0 {
		max = 10
	}
	if window <= 0 {
		window = time.Second
	}
	return &RateLimiter{lim: rate.NewLimiter(rate.Every(window/time.Duration(max)), max)}
}

// Allow admits a request without waiting. It never jumps ahead of queued callers.
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.pending > 0 {
		return false
	}
	return rl.lim.Allow()
}

// WaitUntilAllowed blocks until a slot frees. Reservations are taken under one lock, so each
// caller's delay is never shorter than that of the caller before it.
func (rl *RateLimiter) WaitUntilAllowed(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rl.mu.Lock()
	r := rl.lim.Reserve()
	if !r.OK() {
		rl.mu.Unlock()
		return errors.New("rate limiter: burst exceeded")
	}
	delay := r.Delay()
	if delay == 0 {
		rl.mu.Unlock()
		return nil
	}
	rl.pending++
	rl.mu.Unlock()

	defer func() {
		rl.mu.Lock()
		rl.pending--
		rl.mu.Unlock()
	}()

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		// hand the token back to callers reserved after this one
		r.Cancel()
		return ctx.Err()
	}
}

// Pending returns the number of queued callers.
func (rl *RateLimiter) Pending() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.pending
}

// WeightTracker records the venue's reported request weight usage.
type WeightTracker struct {
	usedWeight    int
	limit         int
	lastReset     time.Time
	resetInterval time.Duration
	mu            sync.RWMutex
}

// NewWeightTracker creates a tracker.
// limit: maximum weight allowed (e.g., 1200 for spot, 2400 for futures)
func NewWeightTracker(limit int, resetInterval time.Duration) *WeightTracker {
	return &WeightTracker{
		limit:         limit,
		resetInterval: resetInterval,
		lastReset:     time.Now(),
	}
}

// UpdateFromHeader updates the used weight from an X-MBX-USED-WEIGHT-1M header value.
func (wt *WeightTracker) UpdateFromHeader(headerValue string) {
	if headerValue == "" {
		return
	}
	weight, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}

	wt.mu.Lock()
	defer wt.mu.Unlock()
	if time.Since(wt.lastReset) >= wt.resetInterval {
		wt.lastReset = time.Now()
	}
	wt.usedWeight = weight

	pct := float64(wt.usedWeight) / float64(wt.limit) * 100
	if pct >= 95 {
		log.Error().Int("used", wt.usedWeight).Int("limit", wt.limit).Msg("request weight critical")
	} else if pct >= 80 {
		log.Warn().Int("used", wt.usedWeight).Int("limit", wt.limit).Msg("request weight high")
	}
}

// Usage returns current usage information.
func (wt *WeightTracker) Usage() (used int, limit int, percentage float64) {
	wt.mu.RLock()
	defer wt.mu.RUnlock()
	if time.Since(wt.lastReset) >= wt.resetInterval {
		return 0, wt.limit, 0
	}
	return wt.usedWeight, wt.limit, float64(wt.usedWeight) / float64(wt.limit) * 100
}
