package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"execution-core/internal/errs"
	"execution-core/pkg/exchanges/common"
)

// ErrNoProxySession is returned by proxy calls made before Register succeeded.
var ErrNoProxySession = errors.New("no proxy session")

// TokenSource supplies the license bearer forwarded on live requests.
type TokenSource interface {
	Token() string
}

// ProxyClient talks to the execution proxy on behalf of one installation.
type ProxyClient struct {
	baseURL   string
	installID string
	tokens    TokenSource
	http      *http.Client

	mu         sync.Mutex
	registered bool
	env        common.Environment
}

// NewProxyClient returns a client for baseURL. An empty baseURL disables the proxy path.
func NewProxyClient(baseURL, installID string, tokens TokenSource) *ProxyClient {
	return &ProxyClient{
		baseURL:   baseURL,
		installID: installID,
		tokens:    tokens,
		http:      &http.Client{Timeout: 15 * time.Second},
	}
}

// Enabled reports whether a proxy URL is configured.
func (p *ProxyClient) Enabled() bool { return p != nil && p.baseURL != "" }

// Registered reports whether credentials are currently held by the proxy.
func (p *ProxyClient) Registered() bool {
	if p == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.registered
}

// InstallID identifies this installation to the proxy.
func (p *ProxyClient) InstallID() string { return p.installID }

type proxyReply struct {
	OK        bool            `json:"ok"`
	Error     string          `json:"error,omitempty"`
	Message   string          `json:"message,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Binance   json.RawMessage `json:"binance,omitempty"`
	Closed    []ProxyClose    `json:"closed,omitempty"`
	Cancelled []ProxyCancel   `json:"cancelled,omitempty"`
}

// ProxyClose is one position close reported by the proxy kill switch.
type ProxyClose struct {
	Symbol  string `json:"symbol"`
	OK      bool   `json:"ok"`
	OrderID any    `json:"orderId,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ProxyCancel is one order cancellation reported by the proxy kill switch.
type ProxyCancel struct {
	Symbol  string `json:"symbol"`
	OrderID any    `json:"orderId"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

// Register hands creds to the proxy. Live credentials need the license bearer.
func (p *ProxyClient) Register(ctx context.Context, creds common.Credentials) error {
	if !p.Enabled() {
		return errors.New("proxy not configured")
	}
	body := map[string]string{
		"installId":   p.installID,
		"environment": creds.Environment.ProxyName(),
		"apiKey":      creds.APIKey,
		"apiSecret":   creds.APISecret,
	}
	if _, err := p.post(ctx, "/api/session/register", body, creds.Environment); err != nil {
		p.setRegistered(false, "")
		return err
	}
	p.setRegistered(true, creds.Environment)
	log.Info().Str("environment", creds.Environment.ProxyName()).Msg("proxy session registered")
	return nil
}

// Clear asks the proxy to forget this installation's credentials.
func (p *ProxyClient) Clear(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	p.setRegistered(false, "")
	_, err := p.post(ctx, "/api/session/clear", map[string]string{"installId": p.installID}, common.EnvTest)
	return err
}

// PlaceOrder submits a futures order through the proxy.
func (p *ProxyClient) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	env, ok := p.session()
	if !ok {
		return common.OrderResult{}, ErrNoProxySession
	}
	body := map[string]any{
		"installId": p.installID,
		"params":    common.ParamsToMap(common.OrderParams(req)),
	}
	reply, err := p.post(ctx, "/api/order/futures", body, env)
	if err != nil {
		return common.OrderResult{}, err
	}
	return decodeProxyOrder(reply.Data)
}

// KillSwitch runs the proxy-side close-all for the registered session.
func (p *ProxyClient) KillSwitch(ctx context.Context) ([]ProxyClose, []ProxyCancel, error) {
	env, ok := p.session()
	if !ok {
		return nil, nil, ErrNoProxySession
	}
	reply, err := p.post(ctx, "/api/kill-switch/futures", map[string]string{"installId": p.installID}, env)
	if err != nil {
		return nil, nil, err
	}
	return reply.Closed, reply.Cancelled, nil
}

func (p *ProxyClient) session() (common.Environment, bool) {
	if p == nil {
		return "", false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.env, p.registered
}

func (p *ProxyClient) setRegistered(ok bool, env common.Environment) {
	p.mu.Lock()
	p.registered = ok
	p.env = env
	p.mu.Unlock()
}

func (p *ProxyClient) post(ctx context.Context, path string, body any, env common.Environment) (*proxyReply, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if env == common.EnvLive {
		token := ""
		if p.tokens != nil {
			token = p.tokens.Token()
		}
		if token == "" {
			return nil, fmt.Errorf("%w: mainnet proxy calls need a license token", errs.ErrLicenseRequired)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		if ctx.Err() != nil || isNetTimeout(err) {
			return nil, fmt.Errorf("%w: %v", errs.ErrRequestTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", errs.ErrConnectionFailed, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var reply proxyReply
	_ = json.Unmarshal(raw, &reply)
	if resp.StatusCode < 300 {
		return &reply, nil
	}

	switch resp.StatusCode {
	case http.StatusForbidden:
		return nil, fmt.Errorf("%w: %s", errs.ErrLicenseRequired, reply.Message)
	case http.StatusUnauthorized:
		p.setRegistered(false, "")
		return nil, fmt.Errorf("%w: %s", ErrNoProxySession, reply.Message)
	}
	if len(reply.Binance) > 0 && string(reply.Binance) != "null" {
		var venue struct {
			Code int64  `json:"code"`
			Msg  string `json:"msg"`
		}
		if json.Unmarshal(reply.Binance, &venue) == nil && venue.Code != 0 {
			return nil, errs.NewVenueError(venue.Code, venue.Msg)
		}
	}
	msg := reply.Message
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return nil, fmt.Errorf("proxy %s: %s (%s)", path, msg, reply.Error)
}

func decodeProxyOrder(data json.RawMessage) (common.OrderResult, error) {
	var ack struct {
		Symbol        string          `json:"symbol"`
		OrderID       json.RawMessage `json:"orderId"`
		ClientOrderID string          `json:"clientOrderId"`
		Status        string          `json:"status"`
		ExecutedQty   string          `json:"executedQty"`
		AvgPrice      string          `json:"avgPrice"`
	}
	if err := json.Unmarshal(data, &ack); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode proxy order: %w", err)
	}
	id := string(ack.OrderID)
	if s, err := strconv.Unquote(id); err == nil {
		id = s
	}
	return common.OrderResult{
		OrderID:     id,
		ClientID:    ack.ClientOrderID,
		Symbol:      ack.Symbol,
		Status:      common.MapStatus(ack.Status),
		ExecutedQty: common.ParseFloat(ack.ExecutedQty),
		AvgPrice:    common.ParseFloat(ack.AvgPrice),
		Raw:         data,
	}, nil
}

func isNetTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
