package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/internal/errs"
	"execution-core/pkg/cache"
	"execution-core/pkg/exchanges/binance/futures_usdt"
	"execution-core/pkg/exchanges/common"
	market "execution-core/pkg/market/binance"
)

type fakeSource struct {
	calls atomic.Int32
	delay time.Duration
	info  *market.ExchangeInfo
	err   error
}

func (f *fakeSource) ExchangeInfo(ctx context.Context) (*market.ExchangeInfo, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.info, f.err
}

type fakeBrackets struct {
	out []futures_usdt.SymbolBrackets
	err error
}

func (f fakeBrackets) LeverageBrackets(ctx context.Context, symbol string) ([]futures_usdt.SymbolBrackets, error) {
	return f.out, f.err
}

func symbol(name, status string, filters ...string) market.SymbolInfo {
	s := market.SymbolInfo{Symbol: name, Status: status}
	for _, f := range filters {
		s.Filters = append(s.Filters, json.RawMessage(f))
	}
	return s
}

func testInfo() *market.ExchangeInfo {
	return &market.ExchangeInfo{Symbols: []market.SymbolInfo{
		symbol("BTCUSDT", "TRADING",
			`{"filterType":"PRICE_FILTER","tickSize":"0.10","minPrice":"10","maxPrice":"1000000"}`,
			`{"filterType":"LOT_SIZE","stepSize":"0.001","minQty":"0.001","maxQty":"100"}`,
			`{"filterType":"MIN_NOTIONAL","notional":"100"}`),
		symbol("OLDUSDT", "BREAK"),
	}}
}

func newTestCache(src *fakeSource) *Cache {
	return NewCache(func(common.MarketType, common.Environment) InfoSource { return src }, time.Hour)
}

func TestRoundToTickScenario(t *testing.T) {
	got := RoundToTick(decimal.NewFromFloat(101.27), decimal.RequireFromString("0.10"))
	assert.Equal(t, "101.2", got.String())
}

func TestFloorRoundingNeverExceedsInput(t *testing.T) {
	steps := []string{"0.1", "0.01", "0.001", "0.5", "5", "0.00001"}
	values := []float64{0, 0.00001, 1.23456, 99.99, 101.27, 12345.678, 0.3}
	for _, st := range steps {
		step := decimal.RequireFromString(st)
		for _, v := range values {
			x := decimal.NewFromFloat(v)
			r := RoundToLot(x, step)
			assert.True(t, r.LessThanOrEqual(x), "%s with step %s rounded up to %s", x, step, r)
			assert.True(t, r.Mod(step).IsZero(), "%s not on grid %s", r, step)
			assert.True(t, x.Sub(r).LessThan(step))
		}
	}
	assert.True(t, RoundToTick(decimal.NewFromFloat(1.5), decimal.Zero).Equal(decimal.NewFromFloat(1.5)))
}

func TestCallbackRateGrid(t *testing.T) {
	require.NoError(t, ValidateCallbackRate(0.1))
	require.NoError(t, ValidateCallbackRate(1.5))
	require.NoError(t, ValidateCallbackRate(100))

	err := ValidateCallbackRate(0.15)
	require.ErrorIs(t, err, errs.ErrInvalidCallbackRate)
	var cre *CallbackRateError
	require.ErrorAs(t, err, &cre)
	assert.Equal(t, 0.1, cre.Lower)
	assert.Equal(t, 0.2, cre.Upper)
	assert.Contains(t, []float64{0.1, 0.2}, cre.Nearest)

	nearest, ok := NearestCallbackRate(err)
	assert.True(t, ok)
	assert.Equal(t, cre.Nearest, nearest)

	assert.ErrorIs(t, ValidateCallbackRate(0.05), errs.ErrInvalidCallbackRate)
	assert.ErrorIs(t, ValidateCallbackRate(101), errs.ErrInvalidCallbackRate)
}

func TestCacheSingleFetchAndExpiry(t *testing.T) {
	src := &fakeSource{info: testInfo(), delay: 20 * time.Millisecond}
	c := newTestCache(src)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.GetInstrumentRules(context.Background(), "BTCUSDT", common.EnvTest, common.MarketFutures, false)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), src.calls.Load())

	_, err := c.GetInstrumentRules(context.Background(), "btcusdt", common.EnvTest, common.MarketFutures, false)
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.calls.Load(), "fresh generation served from cache")

	_, err = c.GetInstrumentRules(context.Background(), "BTCUSDT", common.EnvTest, common.MarketFutures, true)
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.calls.Load())

	c.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = c.GetInstrumentRules(context.Background(), "BTCUSDT", common.EnvTest, common.MarketFutures, false)
	require.NoError(t, err)
	assert.Equal(t, int32(3), src.calls.Load(), "expired generation refetched")
}

func TestCacheFetchError(t *testing.T) {
	c := newTestCache(&fakeSource{err: errors.New("down")})
	_, err := c.GetInstrumentRules(context.Background(), "BTCUSDT", common.EnvTest, common.MarketFutures, false)
	require.Error(t, err)
}

func TestMaxLeverage(t *testing.T) {
	c := newTestCache(&fakeSource{info: testInfo()})
	assert.Equal(t, DefaultMaxLeverage, c.GetMaxLeverage(context.Background(), "BTCUSDT", common.EnvTest))

	c.SetBracketSource(common.EnvTest, fakeBrackets{out: []futures_usdt.SymbolBrackets{
		{Symbol: "BTCUSDT", Brackets: []futures_usdt.Bracket{{InitialLeverage: 50}, {InitialLeverage: 20}}},
	}})
	assert.Equal(t, 50, c.GetMaxLeverage(context.Background(), "btcusdt", common.EnvTest))
	assert.Equal(t, DefaultMaxLeverage, c.GetMaxLeverage(context.Background(), "ETHUSDT", common.EnvTest))

	c.SetBracketSource(common.EnvLive, fakeBrackets{err: errors.New("unauthorized")})
	assert.Equal(t, DefaultMaxLeverage, c.GetMaxLeverage(context.Background(), "BTCUSDT", common.EnvLive))
}

func TestValidateAndRound(t *testing.T) {
	marks := cache.NewMarkPrices()
	c := newTestCache(&fakeSource{info: testInfo()})
	c.SetBracketSource(common.EnvTest, fakeBrackets{out: []futures_usdt.SymbolBrackets{
		{Symbol: "BTCUSDT", Brackets: []futures_usdt.Bracket{{InitialLeverage: 20}}},
	}})
	v := NewValidator(c, marks)
	ctx := context.Background()

	limit := OrderParams{Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeLimit, Price: 101.27, Quantity: 1.0009}
	out, err := v.ValidateAndRound(ctx, limit, common.EnvTest)
	require.NoError(t, err)
	assert.Equal(t, 101.2, out.Price)
	assert.Equal(t, 1.0, out.Quantity)
	assert.Equal(t, common.TIFGTC, out.TimeInForce)
	assert.InDelta(t, 101.2, out.Notional, 1e-9)

	cases := []struct {
		name string
		p    OrderParams
		want error
	}{
		{"bad format", OrderParams{Symbol: "bt", Side: common.SideBuy, Quantity: 1}, errs.ErrSymbolNotFound},
		{"unknown", OrderParams{Symbol: "NOPEUSDT", Side: common.SideBuy, Quantity: 1}, errs.ErrSymbolNotFound},
		{"not trading", OrderParams{Symbol: "OLDUSDT", Side: common.SideBuy, Quantity: 1}, errs.ErrSymbolNotTrading},
		{"price low", OrderParams{Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeLimit, Price: 5, Quantity: 50}, errs.ErrPriceOutOfRange},
		{"qty zero after rounding", OrderParams{Symbol: "BTCUSDT", Side: common.SideBuy, Quantity: 0.0004}, errs.ErrQuantityOutOfRange},
		{"qty high", OrderParams{Symbol: "BTCUSDT", Side: common.SideBuy, Quantity: 101}, errs.ErrQuantityOutOfRange},
		{"notional", OrderParams{Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeLimit, Price: 100, Quantity: 0.5}, errs.ErrNotionalTooSmall},
		{"leverage", OrderParams{Symbol: "BTCUSDT", Side: common.SideBuy, Quantity: 1, Leverage: 21}, errs.ErrLeverageTooHigh},
		{"callback", OrderParams{Symbol: "BTCUSDT", Side: common.SideBuy, Quantity: 1, CallbackRate: 0.15}, errs.ErrInvalidCallbackRate},
		{"stop loss", OrderParams{Symbol: "BTCUSDT", Side: common.SideBuy, Quantity: 1, StopLossPct: 0.01}, errs.ErrPriceOutOfRange},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.ValidateAndRound(ctx, tc.p, common.EnvTest)
			assert.ErrorIs(t, err, tc.want)
			assert.True(t, errs.IsValidation(err))
		})
	}

	// MARKET notional is only checked once a mark price is known.
	small := OrderParams{Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket, Quantity: 0.5}
	_, err = v.ValidateAndRound(ctx, small, common.EnvTest)
	require.NoError(t, err)
	marks.Set("BTCUSDT", 100, 1)
	_, err = v.ValidateAndRound(ctx, small, common.EnvTest)
	assert.ErrorIs(t, err, errs.ErrNotionalTooSmall)

	small.ReduceOnly = true
	_, err = v.ValidateAndRound(ctx, small, common.EnvTest)
	assert.NoError(t, err, "reduce-only orders skip the minimum notional")
}

func TestLocalChecksRunBeforeRulesFetch(t *testing.T) {
	src := &fakeSource{info: testInfo()}
	v := NewValidator(newTestCache(src), nil)
	ctx := context.Background()

	for _, p := range []OrderParams{
		{Symbol: "BTCUSDT", Side: common.SideBuy, Quantity: 1, CallbackRate: 0.15},
		{Symbol: "BTCUSDT", Side: common.SideBuy, Quantity: 1, StopLossPct: 0.01},
		{Symbol: "BTCUSDT", Side: common.SideSell, Type: common.OrderTypeTrailingStop, Quantity: 1},
	} {
		_, err := v.ValidateAndRound(ctx, p, common.EnvTest)
		require.Error(t, err)
		assert.True(t, errs.IsValidation(err))
	}
	assert.Zero(t, src.calls.Load(), "rejected without fetching exchange info")

	out, err := v.ValidateAndRound(ctx, OrderParams{
		Symbol: "BTCUSDT", Side: common.SideSell, Type: common.OrderTypeTrailingStop, Quantity: 1, CallbackRate: 1.5,
	}, common.EnvTest)
	require.NoError(t, err)
	req := out.Request()
	assert.Equal(t, common.OrderTypeTrailingStop, req.Type)
	assert.Equal(t, 1.5, req.CallbackRate)
	assert.Equal(t, "1.5", common.OrderParams(req).Get("callbackRate"))
}

func TestRoundStopPrice(t *testing.T) {
	v := NewValidator(newTestCache(&fakeSource{info: testInfo()}), nil)
	got, err := v.RoundStopPrice(context.Background(), "BTCUSDT", common.EnvTest, common.MarketFutures, 98.789)
	require.NoError(t, err)
	assert.Equal(t, 98.7, got)
}
