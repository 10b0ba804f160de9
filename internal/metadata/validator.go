package metadata

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"execution-core/internal/errs"
	"execution-core/pkg/cache"
	"execution-core/pkg/exchanges/common"
)

var symbolPattern = regexp.MustCompile(`^[A-Z0-9]{5,20}$`)

var (
	callbackStep = decimal.RequireFromString("0.1")
	callbackMin  = decimal.RequireFromString("0.1")
	callbackMax  = decimal.NewFromInt(100)
)

// OrderParams is an order intent as entered by the user.
type OrderParams struct {
	Symbol        string             `json:"symbol"`
	Side          common.Side        `json:"side"`
	Type          common.OrderType   `json:"type"`
	Market        common.MarketType  `json:"market"`
	Quantity      float64            `json:"quantity"`
	Price         float64            `json:"price,omitempty"`
	QuoteOrderQty float64            `json:"quoteOrderQty,omitempty"`
	TimeInForce   common.TimeInForce `json:"timeInForce,omitempty"`
	ReduceOnly    bool               `json:"reduceOnly,omitempty"`
	Leverage      int                `json:"leverage,omitempty"`
	StopLossPct   float64            `json:"stopLossPercent,omitempty"`
	CallbackRate  float64            `json:"callbackRate,omitempty"`
	ClientID      string             `json:"clientOrderId,omitempty"`
}

// ValidatedOrder is OrderParams rounded onto the instrument grid.
type ValidatedOrder struct {
	OrderParams
	Rules    InstrumentRules `json:"rules"`
	Notional float64         `json:"notional,omitempty"`
}

// Request converts the validated order into a venue request.
func (v ValidatedOrder) Request() common.OrderRequest {
	return common.OrderRequest{
		Symbol:       v.Symbol,
		Side:         v.Side,
		Type:         v.Type,
		Qty:          v.Quantity,
		Price:        v.Price,
		TimeInForce:  v.TimeInForce,
		ClientID:     v.ClientID,
		ReduceOnly:   v.ReduceOnly,
		Market:       v.Market,
		CallbackRate: v.CallbackRate,
	}
}

// CallbackRateError reports an off-grid callback rate with the closest valid values.
type CallbackRateError struct {
	Rate    float64
	Lower   float64
	Upper   float64
	Nearest float64
}

func (e *CallbackRateError) Error() string {
	return fmt.Sprintf("callback rate %g is not a 0.1 increment; use %g or %g", e.Rate, e.Lower, e.Upper)
}

func (e *CallbackRateError) Unwrap() error { return errs.ErrInvalidCallbackRate }

// ValidateCallbackRate accepts 0.1 to 100 in 0.1 steps. Off-grid values are rejected, never
// rounded.
func ValidateCallbackRate(rate float64) error {
	d := decimal.NewFromFloat(rate)
	if d.LessThan(callbackMin) || d.GreaterThan(callbackMax) {
		return fmt.Errorf("%w: %g must be between 0.1 and 100", errs.ErrInvalidCallbackRate, rate)
	}
	if d.Mod(callbackStep).IsZero() {
		return nil
	}
	lower := floorToStep(d, callbackStep)
	upper := lower.Add(callbackStep)
	nearest := d.Div(callbackStep).Round(0).Mul(callbackStep)
	if lower.LessThan(callbackMin) {
		lower = callbackMin
	}
	if upper.GreaterThan(callbackMax) {
		upper = callbackMax
	}
	return &CallbackRateError{
		Rate:    rate,
		Lower:   lower.InexactFloat64(),
		Upper:   upper.InexactFloat64(),
		Nearest: nearest.InexactFloat64(),
	}
}

// Validator rounds and bounds-checks orders against cached rules. Every check runs locally.
type Validator struct {
	cache *Cache
	marks *cache.MarkPrices
}

// NewValidator builds a validator. marks may be nil, in which case MARKET orders sized by
// quantity skip the notional check.
func NewValidator(c *Cache, marks *cache.MarkPrices) *Validator {
	return &Validator{cache: c, marks: marks}
}

// ValidateAndRound returns the order rounded onto the symbol's grid or the first rule it breaks.
func (v *Validator) ValidateAndRound(ctx context.Context, p OrderParams, env common.Environment) (ValidatedOrder, error) {
	p.Symbol = strings.ToUpper(strings.TrimSpace(p.Symbol))
	if p.Market == "" {
		p.Market = common.MarketFutures
	}
	if p.Type == "" {
		p.Type = common.OrderTypeMarket
	}
	if !symbolPattern.MatchString(p.Symbol) {
		return ValidatedOrder{}, fmt.Errorf("%w: invalid symbol format %q", errs.ErrSymbolNotFound, p.Symbol)
	}
	if p.Side != common.SideBuy && p.Side != common.SideSell {
		return ValidatedOrder{}, fmt.Errorf("invalid side %q", p.Side)
	}
	if p.CallbackRate != 0 || p.Type == common.OrderTypeTrailingStop {
		if err := ValidateCallbackRate(p.CallbackRate); err != nil {
			return ValidatedOrder{}, err
		}
	}
	if p.StopLossPct != 0 && (p.StopLossPct < 0.1 || p.StopLossPct > 100) {
		return ValidatedOrder{}, fmt.Errorf("%w: stop loss %g%% must be between 0.1 and 100", errs.ErrPriceOutOfRange, p.StopLossPct)
	}

	rules, err := v.cache.GetInstrumentRules(ctx, p.Symbol, env, p.Market, false)
	if err != nil {
		return ValidatedOrder{}, err
	}
	if !rules.Trading() {
		return ValidatedOrder{}, fmt.Errorf("%w: %s (status %s)", errs.ErrSymbolNotTrading, p.Symbol, rules.Status)
	}

	out := ValidatedOrder{OrderParams: p, Rules: rules}

	var price decimal.Decimal
	if p.Type == common.OrderTypeLimit {
		price = RoundToTick(decimal.NewFromFloat(p.Price), rules.TickSize)
		if !price.IsPositive() ||
			(rules.MinPrice.IsPositive() && price.LessThan(rules.MinPrice)) ||
			(rules.MaxPrice.IsPositive() && price.GreaterThan(rules.MaxPrice)) {
			return ValidatedOrder{}, fmt.Errorf("%w: price %s outside [%s, %s]",
				errs.ErrPriceOutOfRange, price, rules.MinPrice, maxOrInf(rules.MaxPrice))
		}
		out.Price = price.InexactFloat64()
		if out.TimeInForce == "" {
			out.TimeInForce = common.TIFGTC
		}
	}

	spotQuote := p.Market == common.MarketSpot && p.Type == common.OrderTypeMarket && p.QuoteOrderQty > 0
	var qty decimal.Decimal
	if !spotQuote {
		qty = RoundToLot(decimal.NewFromFloat(p.Quantity), rules.LotSize)
		if !qty.IsPositive() || qty.LessThan(rules.MinQty) ||
			(rules.MaxQty.IsPositive() && qty.GreaterThan(rules.MaxQty)) {
			return ValidatedOrder{}, fmt.Errorf("%w: quantity %s outside [%s, %s]",
				errs.ErrQuantityOutOfRange, qty, rules.MinQty, maxOrInf(rules.MaxQty))
		}
		out.Quantity = qty.InexactFloat64()
	}

	notional, known := v.notional(p, price, qty)
	if known {
		out.Notional = notional.InexactFloat64()
		// Reduce-only orders are exempt from the venue's minimum notional.
		if !p.ReduceOnly && notional.LessThan(rules.MinNotional) {
			return ValidatedOrder{}, fmt.Errorf("%w: %s below minimum %s", errs.ErrNotionalTooSmall, notional, rules.MinNotional)
		}
	}

	if p.Leverage != 0 && p.Market == common.MarketFutures {
		max := v.cache.GetMaxLeverage(ctx, p.Symbol, env)
		if p.Leverage < 1 || p.Leverage > max {
			return ValidatedOrder{}, fmt.Errorf("%w: %dx exceeds %dx for %s", errs.ErrLeverageTooHigh, p.Leverage, max, p.Symbol)
		}
		out.Rules.MaxLeverage = max
	}

	return out, nil
}

func (v *Validator) notional(p OrderParams, price, qty decimal.Decimal) (decimal.Decimal, bool) {
	switch {
	case p.Type == common.OrderTypeLimit:
		return price.Mul(qty), true
	case p.QuoteOrderQty > 0 && p.Market == common.MarketSpot:
		return decimal.NewFromFloat(p.QuoteOrderQty), true
	case v.marks != nil:
		if mark, ok := v.marks.Get(p.Symbol); ok {
			return decimal.NewFromFloat(mark).Mul(qty), true
		}
	}
	return decimal.Zero, false
}

// RoundStopPrice floors a stop price onto the symbol's tick grid.
func (v *Validator) RoundStopPrice(ctx context.Context, symbol string, env common.Environment, mkt common.MarketType, stop float64) (float64, error) {
	rules, err := v.cache.GetInstrumentRules(ctx, symbol, env, mkt, false)
	if err != nil {
		return 0, err
	}
	return RoundToTick(decimal.NewFromFloat(stop), rules.TickSize).InexactFloat64(), nil
}

func maxOrInf(d decimal.Decimal) string {
	if d.IsPositive() {
		return d.String()
	}
	return "inf"
}

// NearestCallbackRate extracts the suggested value from a callback-rate rejection.
func NearestCallbackRate(err error) (float64, bool) {
	var cre *CallbackRateError
	if errors.As(err, &cre) {
		return cre.Nearest, true
	}
	return 0, false
}
