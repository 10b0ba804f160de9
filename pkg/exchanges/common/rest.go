package common

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RESTClient performs signed and public HTTP calls against one venue base URL.
type RESTClient struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client

	signer   *Signer
	timeSync *TimeSync
	weights  *WeightTracker
}

// NewRESTClient builds a client. serverTimePath is the public endpoint used for clock sync.
func NewRESTClient(baseURL, apiKey, apiSecret string, recvWindow int64, weightLimit int, serverTimePath string) *RESTClient {
	c := &RESTClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		weights:    NewWeightTracker(weightLimit, time.Minute),
	}
	c.timeSync = NewTimeSync(func(ctx context.Context) (int64, error) {
		return c.ServerTime(ctx, serverTimePath)
	})
	c.signer = NewSigner(apiSecret, recvWindow, c.timeSync.Now)
	return c
}

// TimeSync exposes the clock offset manager used for request timestamps.
func (c *RESTClient) TimeSync() *TimeSync { return c.timeSync }

// Weights exposes the request weight tracker.
func (c *RESTClient) Weights() *WeightTracker { return c.weights }

// HasCredentials reports whether signed calls can be made.
func (c *RESTClient) HasCredentials() bool {
	return c.APIKey != "" && c.signer.secret != ""
}

// ServerTime fetches venue time in milliseconds.
func (c *RESTClient) ServerTime(ctx context.Context, path string) (int64, error) {
	body, err := c.Do(ctx, http.MethodGet, path, nil, false)
	if err != nil {
		return 0, err
	}
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, fmt.Errorf("decode server time: %w", err)
	}
	return res.ServerTime, nil
}

// Do sends a request. Signed requests get timestamp, recvWindow, signature and the API key
// header; GET/DELETE carry parameters in the query, other methods in a form body.
func (c *RESTClient) Do(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	if params == nil {
		params = url.Values{}
	}
	if signed {
		if !c.HasCredentials() {
			return nil, fmt.Errorf("%s %s: API key/secret required", method, path)
		}
		c.signer.SignParams(params)
	}

	endpoint := c.BaseURL + path
	encoded := params.Encode()
	var (
		req *http.Request
		err error
	)
	switch method {
	case http.MethodGet, http.MethodDelete:
		if encoded != "" {
			endpoint += "?" + encoded
		}
		req, err = http.NewRequestWithContext(ctx, method, endpoint, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	if c.APIKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.APIKey)
	}

	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	c.weights.UpdateFromHeader(res.Header.Get("X-MBX-USED-WEIGHT-1M"))

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if res.StatusCode >= 300 {
		return nil, DecodeVenueError(res.StatusCode, body)
	}
	return body, nil
}
