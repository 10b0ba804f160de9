package spot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"execution-core/pkg/exchanges/common"
)

const (
	MainnetBaseURL = "https://api.binance.com"
	TestnetBaseURL = "https://testnet.binance.vision"
)

// Config holds Binance spot credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64
	BaseURL    string
}

// Client handles Binance spot trading.
type Client struct {
	rest *common.RESTClient
}

var _ common.Venue = (*Client)(nil)

// NewClient creates a spot client.
func NewClient(cfg Config) *Client {
	base := MainnetBaseURL
	if cfg.Testnet {
		base = TestnetBaseURL
	}
	if cfg.BaseURL != "" {
		base = cfg.BaseURL
	}
	return &Client{rest: common.NewRESTClient(base, cfg.APIKey, cfg.APISecret, cfg.RecvWindow, 6000, "/api/v3/time")}
}

// TimeSync exposes the client's clock offset manager.
func (c *Client) TimeSync() *common.TimeSync { return c.rest.TimeSync() }

// GetServerTime fetches spot server time.
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	return c.rest.ServerTime(ctx, "/api/v3/time")
}

// CreateListenKey opens a spot user data stream.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	body, err := c.rest.Do(ctx, http.MethodPost, "/api/v3/userDataStream", nil, false)
	if err != nil {
		return "", fmt.Errorf("create listen key: %w", err)
	}
	var out struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	return out.ListenKey, nil
}

// KeepAliveListenKey extends a spot listen key.
func (c *Client) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	params := url.Values{}
	params.Set("listenKey", listenKey)
	_, err := c.rest.Do(ctx, http.MethodPut, "/api/v3/userDataStream", params, false)
	return err
}

// PlaceOrder places a spot order.
func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	req.Market = common.MarketSpot
	params := common.OrderParams(req)
	body, err := c.rest.Do(ctx, http.MethodPost, "/api/v3/order", params, true)
	if err != nil {
		return common.OrderResult{}, err
	}
	var resp orderResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode order: %w", err)
	}
	return resp.toResult(body), nil
}

// CancelOrder cancels a spot order.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	_, err := c.rest.Do(ctx, http.MethodDelete, "/api/v3/order", params, true)
	return err
}

// CancelReplace uses the native spot cancel-replace endpoint. STOP_ON_FAILURE keeps the old
// order when its cancel fails.
func (c *Client) CancelReplace(ctx context.Context, req common.CancelReplaceRequest) (common.OrderResult, error) {
	req.New.Market = common.MarketSpot
	params := common.OrderParams(req.New)
	params.Set("cancelReplaceMode", "STOP_ON_FAILURE")
	params.Set("cancelOrderId", req.CancelOrderID)
	body, err := c.rest.Do(ctx, http.MethodPost, "/api/v3/order/cancelReplace", params, true)
	if err != nil {
		return common.OrderResult{}, err
	}
	var resp struct {
		NewOrderResponse orderResp `json:"newOrderResponse"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode cancel-replace: %w", err)
	}
	return resp.NewOrderResponse.toResult(body), nil
}

// Positions is empty on spot; holdings are balances, not positions.
func (c *Client) Positions(ctx context.Context) ([]common.Position, error) {
	return nil, nil
}

// OpenOrders lists open spot orders; symbol optional.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]common.OpenOrder, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	body, err := c.rest.Do(ctx, http.MethodGet, "/api/v3/openOrders", params, true)
	if err != nil {
		return nil, err
	}
	var raw []openOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}
	out := make([]common.OpenOrder, 0, len(raw))
	for _, o := range raw {
		out = append(out, common.OpenOrder{
			Symbol:    o.Symbol,
			OrderID:   strconv.FormatInt(o.OrderID, 10),
			ClientID:  o.ClientOrderID,
			Side:      common.Side(o.Side),
			Type:      common.OrderType(o.Type),
			Price:     common.ParseFloat(o.Price),
			StopPrice: common.ParseFloat(o.StopPrice),
			Qty:       common.ParseFloat(o.OrigQty),
		})
	}
	return out, nil
}

// Balances returns non-zero free/locked balances.
func (c *Client) Balances(ctx context.Context) (map[string]float64, error) {
	body, err := c.rest.Do(ctx, http.MethodGet, "/api/v3/account", nil, true)
	if err != nil {
		return nil, err
	}
	var acct struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &acct); err != nil {
		return nil, fmt.Errorf("decode account: %w", err)
	}
	out := make(map[string]float64)
	for _, b := range acct.Balances {
		if total := common.ParseFloat(b.Free) + common.ParseFloat(b.Locked); total > 0 {
			out[b.Asset] = total
		}
	}
	return out, nil
}

type orderResp struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	Status              string `json:"status"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
}

func (r orderResp) toResult(raw []byte) common.OrderResult {
	res := common.OrderResult{
		OrderID:     strconv.FormatInt(r.OrderID, 10),
		ClientID:    r.ClientOrderID,
		Symbol:      r.Symbol,
		Status:      common.MapStatus(r.Status),
		ExecutedQty: common.ParseFloat(r.ExecutedQty),
		Raw:         raw,
	}
	if res.ExecutedQty > 0 {
		res.AvgPrice = common.ParseFloat(r.CummulativeQuoteQty) / res.ExecutedQty
	}
	return res
}

type openOrder struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Price         string `json:"price"`
	StopPrice     string `json:"stopPrice"`
	OrigQty       string `json:"origQty"`
}
