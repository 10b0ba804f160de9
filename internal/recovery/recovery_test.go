package recovery

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/internal/errs"
	"execution-core/pkg/exchanges/common"
)

type fakeClock struct {
	syncs int
	err   error
}

func (c *fakeClock) Sync(ctx context.Context) error {
	c.syncs++
	return c.err
}

func venue(code int64, msg string) error {
	return fmt.Errorf("place order: %w", errs.NewVenueError(code, msg))
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err    error
		action Action
		rec    bool
	}{
		{venue(-1021, "Timestamp outside recvWindow"), ActionSyncTime, true},
		{venue(-1003, "Too many requests"), ActionRateLimit, true},
		{venue(-1111, "Precision"), ActionValidateSymbol, false},
		{venue(-2010, "Account has insufficient balance"), ActionCheckOrder, false},
		{venue(-2013, "Order does not exist"), ActionCheckOrder, false},
		{venue(-2015, "Invalid API-key"), ActionCheckCredentials, false},
		{venue(-2016, "bad sig"), ActionCheckCredentials, false},
		{venue(-2019, "Margin is insufficient."), ActionInsufficientMargin, false},
		{venue(-1013, "Filter failure: LOT_SIZE"), ActionValidateOrder, false},
		{venue(-9999, "Filter failure: PRICE_FILTER"), ActionValidateOrder, false},
		{venue(-4164, "notional"), ActionNone, false},
		{errors.New("boom"), ActionNone, false},
	}
	for _, tc := range cases {
		c := Classify(tc.err)
		assert.Equal(t, tc.action, c.Action, tc.err.Error())
		assert.Equal(t, tc.rec, c.Recoverable, tc.err.Error())
	}
}

func TestUserMessages(t *testing.T) {
	assert.Equal(t, "Order rejected: bad qty", UserMessage(Classify(venue(-2010, "bad qty"))))
	assert.Equal(t, "API credentials invalid. Please check your API keys.", UserMessage(Classify(venue(-2015, "x"))))
	assert.Equal(t, "Order validation failed: Filter failure: LOT_SIZE. Please check quantity and price.",
		UserMessage(Classify(venue(-1013, "Filter failure: LOT_SIZE"))))
	assert.Equal(t, "boom", UserMessage(Classify(errors.New("boom"))))
}

func TestSyncTimeRetriesOnce(t *testing.T) {
	clock := &fakeClock{}
	h := NewHandler(clock)

	calls := 0
	out := h.Handle(context.Background(), venue(-1021, "ts"), func(ctx context.Context) error {
		calls++
		return nil
	})
	assert.True(t, out.Recovered)
	assert.True(t, out.Retried)
	assert.Equal(t, 1, clock.syncs)
	assert.Equal(t, 1, calls)
}

func TestRetryFailureIsNotRetriedAgain(t *testing.T) {
	h := NewHandler(&fakeClock{}, WithCooldown(time.Millisecond))

	calls := 0
	out := h.Handle(context.Background(), venue(-1003, "slow down"), func(ctx context.Context) error {
		calls++
		return venue(-1003, "slow down")
	})
	assert.False(t, out.Recovered)
	assert.Equal(t, 1, calls)
	assert.True(t, out.NeedsUserAction)
	assert.Equal(t, "showCooldown", out.UIAction)

	res := out.Result()
	assert.False(t, res.Success)
	assert.Equal(t, errs.KindVenueRejected, res.Error)
	assert.Equal(t, int64(-1003), res.VenueCode)
}

func TestClockFailure(t *testing.T) {
	h := NewHandler(&fakeClock{err: errors.New("offline")})
	called := false
	out := h.Handle(context.Background(), venue(-1021, "ts"), func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.True(t, out.RecoveryFailed)
	assert.False(t, called)
}

func TestNonRecoverableNoRetry(t *testing.T) {
	h := NewHandler(&fakeClock{})
	for _, err := range []error{venue(-2015, "key"), venue(-1013, "Filter failure: MIN_NOTIONAL"), venue(-2019, "margin")} {
		called := false
		out := h.Handle(context.Background(), err, func(ctx context.Context) error {
			called = true
			return nil
		})
		assert.False(t, called)
		assert.False(t, out.Recovered)
	}

	out := h.Handle(context.Background(), venue(-2019, "margin"), nil)
	assert.True(t, out.NeedsUserAction)
	assert.Equal(t, "highlightNotional", out.UIAction)
	assert.True(t, out.Result().NeedsUserAction)
}

func TestRunUsesLimiterAndRetries(t *testing.T) {
	limiter := common.NewRateLimiter(5, time.Second)
	h := NewHandler(&fakeClock{}, WithLimiter(limiter), WithCooldown(time.Millisecond))

	attempts := 0
	v, out := Run(context.Background(), h, func(ctx context.Context) (string, error) {
		attempts++
		if attempts == 1 {
			return "", venue(-1003, "busy")
		}
		return "ok", nil
	})
	require.NoError(t, out.Err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 2, attempts)
}

func TestRunTimeoutIsNotRetried(t *testing.T) {
	h := NewHandler(&fakeClock{})
	attempts := 0
	_, out := Run(context.Background(), h, func(ctx context.Context) (int, error) {
		attempts++
		return 0, errs.ErrRequestTimeout
	})
	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, out.Err, errs.ErrRequestTimeout)
	assert.Equal(t, errs.KindRequestTimeout, out.Result().Error)
}
