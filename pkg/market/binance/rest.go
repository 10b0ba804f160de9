package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"execution-core/pkg/exchanges/common"
)

const (
	SpotMainnetURL    = "https://api.binance.com"
	SpotTestnetURL    = "https://testnet.binance.vision"
	FuturesMainnetURL = "https://fapi.binance.com"
	FuturesTestnetURL = "https://testnet.binancefuture.com"
)

// Client wraps public (unsigned) market metadata endpoints for one market.
type Client struct {
	BaseURL    string
	Market     common.MarketType
	HTTPClient *http.Client
}

// NewClient builds a public REST client for the market and environment.
func NewClient(market common.MarketType, env common.Environment) *Client {
	return &Client{
		BaseURL:    BaseURL(market, env),
		Market:     market,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// BaseURL returns the REST base for a market and environment.
func BaseURL(market common.MarketType, env common.Environment) string {
	switch {
	case market == common.MarketFutures && env == common.EnvLive:
		return FuturesMainnetURL
	case market == common.MarketFutures:
		return FuturesTestnetURL
	case env == common.EnvLive:
		return SpotMainnetURL
	default:
		return SpotTestnetURL
	}
}

func (c *Client) prefix() string {
	if c.Market == common.MarketFutures {
		return "/fapi/v1"
	}
	return "/api/v3"
}

// ExchangeInfo fetches every symbol with its parsed filters.
func (c *Client) ExchangeInfo(ctx context.Context) (*ExchangeInfo, error) {
	body, err := c.get(ctx, c.prefix()+"/exchangeInfo")
	if err != nil {
		return nil, err
	}
	var info ExchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decode exchange info: %w", err)
	}
	return &info, nil
}

// ServerTime fetches venue server time in milliseconds.
func (c *Client) ServerTime(ctx context.Context) (int64, error) {
	body, err := c.get(ctx, c.prefix()+"/time")
	if err != nil {
		return 0, err
	}
	var resp struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, err
	}
	return resp.ServerTime, nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(c.BaseURL, "/")+path, nil)
	if err != nil {
		return nil, err
	}
	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	if res.StatusCode != http.StatusOK {
		return nil, common.DecodeVenueError(res.StatusCode, body)
	}
	return body, nil
}
