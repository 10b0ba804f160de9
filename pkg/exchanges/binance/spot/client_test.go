package spot

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/pkg/exchanges/common"
)

func TestSpotCancelReplace(t *testing.T) {
	var form map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "/api/v3/order/cancelReplace", r.URL.Path)
		form = r.PostForm
		w.Write([]byte(`{"cancelResult":"SUCCESS","newOrderResult":"SUCCESS","newOrderResponse":{"symbol":"BTCUSDT","orderId":9,"status":"NEW","executedQty":"0"}}`))
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "k", APISecret: "s", BaseURL: srv.URL})
	res, err := c.CancelReplace(context.Background(), common.CancelReplaceRequest{
		Symbol:        "BTCUSDT",
		CancelOrderID: "3",
		New: common.OrderRequest{
			Symbol: "BTCUSDT", Side: common.SideSell, Type: common.OrderTypeStopLossLimit,
			Qty: 1, Price: 98, StopPrice: 99, ReduceOnly: true,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "9", res.OrderID)
	assert.Equal(t, "STOP_ON_FAILURE", form["cancelReplaceMode"][0])
	assert.Equal(t, "3", form["cancelOrderId"][0])
	_, hasReduceOnly := form["reduceOnly"]
	assert.False(t, hasReduceOnly, "spot orders carry no reduceOnly flag")
}

func TestSpotPlaceOrderAvgPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbol":"BTCUSDT","orderId":1,"status":"FILLED","executedQty":"2","cummulativeQuoteQty":"200"}`))
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "k", APISecret: "s", BaseURL: srv.URL})
	res, err := c.PlaceOrder(context.Background(), common.OrderRequest{Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket, Qty: 2})
	require.NoError(t, err)
	assert.Equal(t, 100.0, res.AvgPrice)

	positions, err := c.Positions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, positions)
}
