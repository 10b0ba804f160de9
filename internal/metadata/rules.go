// Package metadata caches venue instrument rules and validates orders against them before
// anything is sent.
package metadata

import (
	"github.com/shopspring/decimal"

	"execution-core/pkg/exchanges/common"
	market "execution-core/pkg/market/binance"
)

// Filter defaults applied when a symbol omits a filter.
var (
	defaultTickSize    = decimal.RequireFromString("0.01")
	defaultLotSize     = decimal.RequireFromString("0.001")
	defaultMinNotional = decimal.NewFromInt(5)
)

// DefaultMaxLeverage is assumed when leverage brackets are unavailable.
const DefaultMaxLeverage = 125

// InstrumentRules are the trading rules of one symbol. Zero MaxPrice/MaxQty mean unbounded.
type InstrumentRules struct {
	Symbol      string            `json:"symbol"`
	Market      common.MarketType `json:"market"`
	Status      string            `json:"status"`
	TickSize    decimal.Decimal   `json:"tickSize"`
	LotSize     decimal.Decimal   `json:"lotSize"`
	MinNotional decimal.Decimal   `json:"minNotional"`
	MinQty      decimal.Decimal   `json:"minQty"`
	MaxQty      decimal.Decimal   `json:"maxQty"`
	MinPrice    decimal.Decimal   `json:"minPrice"`
	MaxPrice    decimal.Decimal   `json:"maxPrice"`
	MaxLeverage int               `json:"maxLeverage,omitempty"`
}

// Trading reports whether the symbol accepts orders.
func (r InstrumentRules) Trading() bool { return r.Status == "TRADING" }

func rulesFromSymbol(s market.SymbolInfo, mkt common.MarketType) InstrumentRules {
	raw := s.Rules()
	return InstrumentRules{
		Symbol:      s.Symbol,
		Market:      mkt,
		Status:      s.Status,
		TickSize:    parseOr(raw.TickSize, defaultTickSize),
		LotSize:     parseOr(raw.StepSize, defaultLotSize),
		MinNotional: parseOr(raw.MinNotional, defaultMinNotional),
		MinQty:      parseOr(raw.MinQty, decimal.Zero),
		MaxQty:      parseOr(raw.MaxQty, decimal.Zero),
		MinPrice:    parseOr(raw.MinPrice, decimal.Zero),
		MaxPrice:    parseOr(raw.MaxPrice, decimal.Zero),
	}
}

func parseOr(s string, def decimal.Decimal) decimal.Decimal {
	if s == "" {
		return def
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return def
	}
	return d
}

// RoundToTick floors price onto the tick grid. It never rounds up.
func RoundToTick(price, tick decimal.Decimal) decimal.Decimal {
	return floorToStep(price, tick)
}

// RoundToLot floors qty onto the lot grid.
func RoundToLot(qty, lot decimal.Decimal) decimal.Decimal {
	return floorToStep(qty, lot)
}

func floorToStep(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}
