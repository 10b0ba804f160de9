package market

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/pkg/exchanges/common"
)

const futuresInfo = `{"serverTime":1,"symbols":[{"symbol":"BTCUSDT","status":"TRADING","filters":[
 {"filterType":"PRICE_FILTER","tickSize":"0.10","minPrice":"556.80","maxPrice":"4529764"},
 {"filterType":"LOT_SIZE","stepSize":"0.001","minQty":"0.001","maxQty":"1000"},
 {"filterType":"MIN_NOTIONAL","notional":"100"},
 {"filterType":"PERCENT_PRICE","multiplierUp":"1.05"}]}]}`

func TestExchangeInfoFutures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/exchangeInfo", r.URL.Path)
		w.Write([]byte(futuresInfo))
	}))
	defer srv.Close()

	c := NewClient(common.MarketFutures, common.EnvTest)
	c.BaseURL = srv.URL

	info, err := c.ExchangeInfo(context.Background())
	require.NoError(t, err)
	require.Len(t, info.Symbols, 1)

	rules := info.Symbols[0].Rules()
	assert.Equal(t, "0.10", rules.TickSize)
	assert.Equal(t, "0.001", rules.StepSize)
	assert.Equal(t, "100", rules.MinNotional)
	assert.Equal(t, "1000", rules.MaxQty)
}

func TestSpotMinNotionalField(t *testing.T) {
	s := SymbolInfo{Filters: []json.RawMessage{[]byte(`{"filterType":"NOTIONAL","minNotional":"5.00"}`)}}
	assert.Equal(t, "5.00", s.Rules().MinNotional)
}

func TestBaseURL(t *testing.T) {
	assert.Equal(t, FuturesMainnetURL, BaseURL(common.MarketFutures, common.EnvLive))
	assert.Equal(t, FuturesTestnetURL, BaseURL(common.MarketFutures, common.EnvTest))
	assert.Equal(t, SpotMainnetURL, BaseURL(common.MarketSpot, common.EnvLive))
	assert.Equal(t, SpotTestnetURL, BaseURL(common.MarketSpot, common.EnvTest))
}
