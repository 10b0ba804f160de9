// Package proxy is the execution proxy: it holds registered venue sessions server-side and
// executes futures orders and the kill switch on their behalf. Mainnet calls need a license
// token carrying the mainnet scope.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"execution-core/internal/errs"
	"execution-core/internal/middleware"
	"execution-core/pkg/exchanges/binance/futures_usdt"
	"execution-core/pkg/exchanges/common"
	"execution-core/pkg/license"
)

const Name = "execution-proxy"

// Venue is the futures surface the proxy needs. *futures_usdt.Client implements it.
type Venue interface {
	PlaceOrderParams(ctx context.Context, params url.Values) (common.OrderResult, error)
	PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	Positions(ctx context.Context) ([]common.Position, error)
	OpenOrders(ctx context.Context, symbol string) ([]common.OpenOrder, error)
}

// VenueFactory builds the futures client for a registered session.
type VenueFactory func(creds common.Credentials) (Venue, error)

// FuturesFactory targets the public USDT-M futures hosts.
func FuturesFactory(recvWindow int64) VenueFactory {
	return func(creds common.Credentials) (Venue, error) {
		return futures_usdt.NewClient(futures_usdt.Config{
			APIKey:     creds.APIKey,
			APISecret:  creds.APISecret,
			Testnet:    creds.Environment != common.EnvLive,
			RecvWindow: recvWindow,
		}), nil
	}
}

// Metrics receives proxied order outcomes. *monitor.Metrics implements it.
type Metrics interface {
	OrderExecuted(path string, success bool, latency time.Duration)
}

// Options configures a Server.
type Options struct {
	Verifier    *license.Verifier // nil rejects every mainnet call
	CORSOrigins []string
	RatePerSec  float64
	RateBurst   int
	Timeout     time.Duration
	Metrics     Metrics
	Observer    middleware.Observer
}

// Server wires the proxy endpoints.
type Server struct {
	Router   *gin.Engine
	store    *Store
	verifier *license.Verifier
	metrics  Metrics
}

func NewServer(store *Store, opts Options) *Server {
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 20
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 50
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.RequestLogger(opts.Observer))
	r.Use(middleware.RateLimit(middleware.NewIPLimiter(opts.RatePerSec, opts.RateBurst)))
	r.Use(middleware.Timeout(opts.Timeout))
	r.Use(middleware.CORS(opts.CORSOrigins))

	s := &Server{Router: r, store: store, verifier: opts.Verifier, metrics: opts.Metrics}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)

	api := s.Router.Group("/api")
	{
		api.POST("/session/register", s.registerSession)
		api.POST("/session/clear", s.clearSession)
		api.POST("/order/futures", s.placeFuturesOrder)
		api.POST("/kill-switch/futures", s.killSwitchFutures)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "name": Name})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": msg})
}

// requireMainnet checks the bearer license. It writes the 403 itself and reports false.
func (s *Server) requireMainnet(c *gin.Context) bool {
	var err error
	if s.verifier == nil {
		err = license.ErrKeyNotConfigured
	} else {
		_, err = s.verifier.RequireScope(middleware.BearerToken(c), license.ScopeMainnet)
	}
	if err != nil {
		log.Warn().Err(err).Str("ip", c.ClientIP()).Msg("mainnet call without valid license")
		c.JSON(http.StatusForbidden, gin.H{"error": "license_required", "message": err.Error()})
		return false
	}
	return true
}

// session resolves the install's session, enforcing the license for mainnet ones.
func (s *Server) session(c *gin.Context, installID string) (Session, Venue, bool) {
	sess, venue, ok := s.store.Get(installID)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no_session", "message": "Register session first"})
		return Session{}, nil, false
	}
	if sess.Environment == common.EnvLive && !s.requireMainnet(c) {
		return Session{}, nil, false
	}
	return sess, venue, true
}

func (s *Server) registerSession(c *gin.Context) {
	var req struct {
		InstallID   string `json:"installId"`
		Environment string `json:"environment"`
		APIKey      string `json:"apiKey"`
		APISecret   string `json:"apiSecret"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.InstallID == "" || req.Environment == "" || req.APIKey == "" || req.APISecret == "" {
		badRequest(c, "installId, environment, apiKey, apiSecret required")
		return
	}
	env := common.EnvTest
	if req.Environment == "mainnet" {
		if !s.requireMainnet(c) {
			return
		}
		env = common.EnvLive
	}
	if err := s.store.Set(req.InstallID, env, req.APIKey, req.APISecret); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	log.Info().Str("install", req.InstallID).Str("environment", env.ProxyName()).Msg("session registered")
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) clearSession(c *gin.Context) {
	var req struct {
		InstallID string `json:"installId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.InstallID == "" {
		badRequest(c, "installId required")
		return
	}
	s.store.Clear(req.InstallID)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) placeFuturesOrder(c *gin.Context) {
	var req struct {
		InstallID string         `json:"installId"`
		Params    map[string]any `json:"params"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.InstallID == "" || len(req.Params) == 0 {
		badRequest(c, "installId and params required")
		return
	}
	_, venue, ok := s.session(c, req.InstallID)
	if !ok {
		return
	}

	start := time.Now()
	res, err := venue.PlaceOrderParams(c.Request.Context(), toValues(req.Params))
	if s.metrics != nil {
		s.metrics.OrderExecuted("proxy", err == nil, time.Since(start))
	}
	if err != nil {
		body := gin.H{"ok": false, "error": "binance_error", "message": err.Error(), "binance": nil}
		if apiErr, ok := errs.AsVenueError(err); ok {
			body["binance"] = gin.H{"code": apiErr.Code, "msg": apiErr.Message}
		}
		c.JSON(http.StatusBadRequest, body)
		return
	}
	if len(res.Raw) > 0 {
		c.JSON(http.StatusOK, gin.H{"ok": true, "data": json.RawMessage(res.Raw)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "data": gin.H{
		"symbol":        res.Symbol,
		"orderId":       res.OrderID,
		"clientOrderId": res.ClientID,
		"status":        res.Status,
		"executedQty":   common.FormatFloat(res.ExecutedQty),
		"avgPrice":      common.FormatFloat(res.AvgPrice),
	}})
}

type closeResult struct {
	Symbol  string `json:"symbol"`
	OK      bool   `json:"ok"`
	OrderID string `json:"orderId,omitempty"`
	Error   string `json:"error,omitempty"`
}

type cancelResult struct {
	Symbol  string `json:"symbol"`
	OrderID string `json:"orderId"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) killSwitchFutures(c *gin.Context) {
	var req struct {
		InstallID string `json:"installId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.InstallID == "" {
		badRequest(c, "installId required")
		return
	}
	sess, venue, ok := s.session(c, req.InstallID)
	if !ok {
		return
	}
	log.Warn().Str("install", sess.InstallID).Str("environment", sess.Environment.ProxyName()).Msg("kill switch requested")

	closed, cancelled, err := killSwitch(c.Request.Context(), venue)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "kill_switch_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "closed": closed, "cancelled": cancelled})
}

// killSwitch market-closes every open position reduce-only, then cancels the open orders of
// each affected symbol. Only the position and open-order listings abort the run.
func killSwitch(ctx context.Context, venue Venue) ([]closeResult, []cancelResult, error) {
	positions, err := venue.Positions(ctx)
	if err != nil {
		return nil, nil, err
	}
	closed := []closeResult{}
	cancelled := []cancelResult{}
	var symbols []string
	seen := make(map[string]bool)
	for _, p := range positions {
		if p.Amount == 0 {
			continue
		}
		side := common.SideSell
		if p.Amount < 0 {
			side = common.SideBuy
		}
		order, err := venue.PlaceOrder(ctx, common.OrderRequest{
			Symbol:     p.Symbol,
			Side:       side,
			Type:       common.OrderTypeMarket,
			Qty:        math.Abs(p.Amount),
			ReduceOnly: true,
			Market:     common.MarketFutures,
		})
		if err != nil {
			closed = append(closed, closeResult{Symbol: p.Symbol, Error: err.Error()})
		} else {
			closed = append(closed, closeResult{Symbol: p.Symbol, OK: true, OrderID: order.OrderID})
		}
		if !seen[p.Symbol] {
			seen[p.Symbol] = true
			symbols = append(symbols, p.Symbol)
		}
	}

	for _, sym := range symbols {
		orders, err := venue.OpenOrders(ctx, sym)
		if err != nil {
			return nil, nil, fmt.Errorf("open orders %s: %w", sym, err)
		}
		for _, o := range orders {
			r := cancelResult{Symbol: sym, OrderID: o.OrderID, OK: true}
			if err := venue.CancelOrder(ctx, sym, o.OrderID); err != nil {
				r.OK = false
				r.Error = err.Error()
			}
			cancelled = append(cancelled, r)
		}
	}
	return closed, cancelled, nil
}

// toValues flattens JSON order params into venue query parameters.
func toValues(params map[string]any) url.Values {
	out := url.Values{}
	for k, v := range params {
		switch t := v.(type) {
		case nil:
		case string:
			out.Set(k, t)
		case float64:
			out.Set(k, common.FormatFloat(t))
		default:
			out.Set(k, fmt.Sprint(t))
		}
	}
	return out
}
