package market

import "encoding/json"

// ExchangeInfo is the subset of /exchangeInfo the execution core reads.
type ExchangeInfo struct {
	ServerTime int64        `json:"serverTime"`
	Symbols    []SymbolInfo `json:"symbols"`
}

// SymbolInfo describes one instrument. Filters are kept raw and read through Rules.
type SymbolInfo struct {
	Symbol     string            `json:"symbol"`
	Status     string            `json:"status"`
	BaseAsset  string            `json:"baseAsset"`
	QuoteAsset string            `json:"quoteAsset"`
	Filters    []json.RawMessage `json:"filters"`
}

// Filter holds the filter fields used for pre-flight validation, as decimal strings.
type Filter struct {
	FilterType  string `json:"filterType"`
	TickSize    string `json:"tickSize"`
	MinPrice    string `json:"minPrice"`
	MaxPrice    string `json:"maxPrice"`
	StepSize    string `json:"stepSize"`
	MinQty      string `json:"minQty"`
	MaxQty      string `json:"maxQty"`
	MinNotional string `json:"minNotional"`
	Notional    string `json:"notional"` // futures MIN_NOTIONAL field
}

// RawRules is the flattened filter set of one symbol.
type RawRules struct {
	TickSize    string
	MinPrice    string
	MaxPrice    string
	StepSize    string
	MinQty      string
	MaxQty      string
	MinNotional string
}

// Rules flattens PRICE_FILTER, LOT_SIZE and MIN_NOTIONAL/NOTIONAL. Unknown filters are ignored.
func (s SymbolInfo) Rules() RawRules {
	var r RawRules
	for _, raw := range s.Filters {
		var f Filter
		if err := json.Unmarshal(raw, &f); err != nil {
			continue
		}
		switch f.FilterType {
		case "PRICE_FILTER":
			r.TickSize, r.MinPrice, r.MaxPrice = f.TickSize, f.MinPrice, f.MaxPrice
		case "LOT_SIZE":
			r.StepSize, r.MinQty, r.MaxQty = f.StepSize, f.MinQty, f.MaxQty
		case "MIN_NOTIONAL", "NOTIONAL":
			switch {
			case f.MinNotional != "":
				r.MinNotional = f.MinNotional
			case f.Notional != "":
				r.MinNotional = f.Notional
			}
		}
	}
	return r
}
