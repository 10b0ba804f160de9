package futures_usdt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"execution-core/pkg/exchanges/common"
)

const (
	MainnetBaseURL = "https://fapi.binance.com"
	TestnetBaseURL = "https://testnet.binancefuture.com"
)

const cancelAttempts = 3

var cancelRetryDelay = 200 * time.Millisecond

// Config holds Binance USDT-M futures credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64  // ms
	BaseURL    string // overrides the environment default
}

// Client handles Binance USDT-M futures.
type Client struct {
	rest *common.RESTClient
}

var _ common.Venue = (*Client)(nil)

// NewClient creates a new USDT-M futures client.
func NewClient(cfg Config) *Client {
	base := MainnetBaseURL
	if cfg.Testnet {
		base = TestnetBaseURL
	}
	if cfg.BaseURL != "" {
		base = cfg.BaseURL
	}
	// 2400 weight/min for futures
	return &Client{rest: common.NewRESTClient(base, cfg.APIKey, cfg.APISecret, cfg.RecvWindow, 2400, "/fapi/v1/time")}
}

// TimeSync exposes the client's clock offset manager.
func (c *Client) TimeSync() *common.TimeSync { return c.rest.TimeSync() }

// GetServerTime fetches futures server time.
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	return c.rest.ServerTime(ctx, "/fapi/v1/time")
}

// CreateListenKey creates a listen key for the user data stream.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	body, err := c.rest.Do(ctx, http.MethodPost, "/fapi/v1/listenKey", nil, false)
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

// KeepAliveListenKey extends listen key life.
func (c *Client) KeepAliveListenKey(ctx context.Context) error {
	if _, err := c.rest.Do(ctx, http.MethodPut, "/fapi/v1/listenKey", nil, false); err != nil {
		return fmt.Errorf("keepalive listen key: %w", err)
	}
	return nil
}

// PlaceOrder places an order.
func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	req.Market = common.MarketFutures
	body, err := c.rest.Do(ctx, http.MethodPost, "/fapi/v1/order", common.OrderParams(req), true)
	if err != nil {
		return common.OrderResult{}, err
	}
	return decodeOrder(body)
}

// PlaceOrderParams relays already-encoded order parameters.
func (c *Client) PlaceOrderParams(ctx context.Context, params url.Values) (common.OrderResult, error) {
	if params.Get("newOrderRespType") == "" {
		params.Set("newOrderRespType", "RESULT")
	}
	body, err := c.rest.Do(ctx, http.MethodPost, "/fapi/v1/order", params, true)
	if err != nil {
		return common.OrderResult{}, err
	}
	return decodeOrder(body)
}

// CancelOrder cancels an order by symbol and ID.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	_, err := c.rest.Do(ctx, http.MethodDelete, "/fapi/v1/order", params, true)
	return err
}

// CancelReplace replaces a resting stop. USDT-M REST has no native cancel-replace for stop
// orders, so the new order is placed first and the old one cancelled only once the new one
// is accepted. When the old stop cannot be cancelled the new one is withdrawn, leaving exactly
// the previous stop resting.
func (c *Client) CancelReplace(ctx context.Context, req common.CancelReplaceRequest) (common.OrderResult, error) {
	res, err := c.PlaceOrder(ctx, req.New)
	if err != nil {
		return common.OrderResult{}, err
	}
	if req.CancelOrderID == "" {
		return res, nil
	}
	err = c.cancelWithRetry(ctx, req.Symbol, req.CancelOrderID)
	if err == nil || common.IsUnknownOrder(err) {
		return res, nil
	}
	if rbErr := c.CancelOrder(ctx, req.Symbol, res.OrderID); rbErr != nil && !common.IsUnknownOrder(rbErr) {
		log.Error().Err(rbErr).Str("severity", "high").Str("symbol", req.Symbol).
			Str("order_id", res.OrderID).Str("previous_id", req.CancelOrderID).
			Msg("two stops resting: previous stop not cancelled and replacement not withdrawn")
		return common.OrderResult{}, fmt.Errorf("%w: replacement %s and previous %s both resting: %v",
			common.ErrDuplicateStop, res.OrderID, req.CancelOrderID, err)
	}
	return common.OrderResult{}, fmt.Errorf("cancel previous stop %s: %w", req.CancelOrderID, err)
}

// cancelWithRetry cancels orderID, retrying transient failures twice.
func (c *Client) cancelWithRetry(ctx context.Context, symbol, orderID string) error {
	var err error
	for attempt := 0; attempt < cancelAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return err
			case <-time.After(cancelRetryDelay):
			}
		}
		if err = c.CancelOrder(ctx, symbol, orderID); err == nil || common.IsUnknownOrder(err) {
			return err
		}
	}
	return err
}

// CancelAllOpenOrders cancels all open orders for a symbol.
func (c *Client) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	_, err := c.rest.Do(ctx, http.MethodDelete, "/fapi/v1/allOpenOrders", params, true)
	return err
}

// Positions returns the position risk view.
func (c *Client) Positions(ctx context.Context) ([]common.Position, error) {
	body, err := c.rest.Do(ctx, http.MethodGet, "/fapi/v2/positionRisk", nil, true)
	if err != nil {
		return nil, err
	}
	var raw []PositionRisk
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	out := make([]common.Position, 0, len(raw))
	for _, p := range raw {
		out = append(out, common.Position{
			Symbol:       p.Symbol,
			Amount:       common.ParseFloat(p.PositionAmt),
			EntryPrice:   common.ParseFloat(p.EntryPrice),
			MarkPrice:    common.ParseFloat(p.MarkPrice),
			PositionSide: p.PositionSide,
		})
	}
	return out, nil
}

// OpenOrders returns open orders; symbol optional.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]common.OpenOrder, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	body, err := c.rest.Do(ctx, http.MethodGet, "/fapi/v1/openOrders", params, true)
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
			Symbol:     o.Symbol,
			OrderID:    strconv.FormatInt(o.OrderID, 10),
			ClientID:   o.ClientOrderID,
			Side:       common.Side(o.Side),
			Type:       common.OrderType(o.Type),
			Price:      common.ParseFloat(o.Price),
			StopPrice:  common.ParseFloat(o.StopPrice),
			Qty:        common.ParseFloat(o.OrigQty),
			ReduceOnly: o.ReduceOnly,
		})
	}
	return out, nil
}

// SetLeverage sets leverage for a symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	_, err := c.rest.Do(ctx, http.MethodPost, "/fapi/v1/leverage", params, true)
	return err
}

// LeverageBrackets returns the notional brackets per symbol; symbol optional.
func (c *Client) LeverageBrackets(ctx context.Context, symbol string) ([]SymbolBrackets, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", strings.ToUpper(symbol))
	}
	body, err := c.rest.Do(ctx, http.MethodGet, "/fapi/v1/leverageBracket", params, true)
	if err != nil {
		return nil, err
	}
	// A single-symbol query returns an object, otherwise an array.
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "{") {
		var one SymbolBrackets
		if err := json.Unmarshal(body, &one); err != nil {
			return nil, fmt.Errorf("decode leverage bracket: %w", err)
		}
		return []SymbolBrackets{one}, nil
	}
	var all []SymbolBrackets
	if err := json.Unmarshal(body, &all); err != nil {
		return nil, fmt.Errorf("decode leverage brackets: %w", err)
	}
	return all, nil
}

func decodeOrder(body []byte) (common.OrderResult, error) {
	var resp orderResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode order: %w", err)
	}
	return common.OrderResult{
		OrderID:     strconv.FormatInt(resp.OrderID, 10),
		ClientID:    resp.ClientOrderID,
		Symbol:      resp.Symbol,
		Status:      common.MapStatus(resp.Status),
		ExecutedQty: common.ParseFloat(resp.ExecutedQty),
		AvgPrice:    common.ParseFloat(resp.AvgPrice),
		Raw:         body,
	}, nil
}
