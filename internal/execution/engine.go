// Package execution turns validated order intents into venue orders, protects fills with a
// stop-loss handed to the trailing engine, and runs the kill switch.
package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"execution-core/internal/asl"
	"execution-core/internal/audit"
	"execution-core/internal/connection"
	"execution-core/internal/errs"
	"execution-core/internal/events"
	"execution-core/internal/metadata"
	"execution-core/internal/recovery"
	"execution-core/internal/vault"
	"execution-core/pkg/cache"
	"execution-core/pkg/exchanges/common"
	"execution-core/pkg/license"
)

// DefaultSyncInterval is the clock heartbeat while a trading session is open.
const DefaultSyncInterval = time.Minute

// Vault is the credential store as seen by the engine. *vault.Vault implements it.
type Vault interface {
	Sessions
	Unlock(ctx context.Context, passphrase string) (vault.Profile, error)
}

// Streams is the public market-data session. *connection.Manager implements it.
type Streams interface {
	Connect(ctx context.Context, creds common.Credentials, ch connection.Channel, trading bool) error
	Disconnect()
	Subscribe(streams ...string) error
}

// UserData is the account event stream. *connection.UserStream implements it.
type UserData interface {
	Start(ctx context.Context, keys connection.ListenKeys, env common.Environment) error
	Stop()
}

// Brackets accepts the signed leverage-bracket source. *metadata.Cache implements it.
type Brackets interface {
	SetBracketSource(env common.Environment, src metadata.BracketSource)
}

// Metrics receives order outcomes.
type Metrics interface {
	OrderExecuted(path string, success bool, latency time.Duration)
}

// Deps wires an Engine. Fields marked optional may be nil.
type Deps struct {
	Vault     Vault
	Validator *metadata.Validator
	Venues    *Venues
	Recovery  *recovery.Handler
	Stops     *asl.Engine
	Gate      *license.Gate
	Bus       *events.Bus
	Conn      Conn

	Streams  Streams           // optional
	Proxy    *ProxyClient      // optional
	Audit    *audit.Log        // optional
	Marks    *cache.MarkPrices // optional
	Metrics  Metrics           // optional
	Brackets Brackets          // optional
	UserData UserData          // optional
	Market   common.MarketType // default market for connect and cancel; futures when empty
	Sync     time.Duration     // clock heartbeat; DefaultSyncInterval when zero
}

// Engine executes orders for the active profile.
type Engine struct {
	vault     Vault
	validator *metadata.Validator
	venues    *Venues
	recovery  *recovery.Handler
	stops     *asl.Engine
	gate      *license.Gate
	bus       *events.Bus
	conn      Conn
	streams   Streams
	proxy     *ProxyClient
	audit     *audit.Log
	marks     *cache.MarkPrices
	metrics   Metrics
	brackets  Brackets
	userData  UserData
	market    common.MarketType
	syncEvery time.Duration
	route     *router
	now       func() time.Time

	mu     sync.Mutex
	unsubs []func()
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New validates deps and builds an engine. Required dependencies must be non-nil.
func New(d Deps) (*Engine, error) {
	var missing []string
	if d.Vault == nil {
		missing = append(missing, "vault")
	}
	if d.Validator == nil {
		missing = append(missing, "validator")
	}
	if d.Venues == nil {
		missing = append(missing, "venues")
	}
	if d.Recovery == nil {
		missing = append(missing, "recovery")
	}
	if d.Stops == nil {
		missing = append(missing, "stops")
	}
	if d.Gate == nil {
		missing = append(missing, "license gate")
	}
	if d.Bus == nil {
		missing = append(missing, "bus")
	}
	if d.Conn == nil {
		missing = append(missing, "connection")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("execution: missing dependencies: %v", missing)
	}

	e := &Engine{
		vault:     d.Vault,
		validator: d.Validator,
		venues:    d.Venues,
		recovery:  d.Recovery,
		stops:     d.Stops,
		gate:      d.Gate,
		bus:       d.Bus,
		conn:      d.Conn,
		streams:   d.Streams,
		proxy:     d.Proxy,
		audit:     d.Audit,
		marks:     d.Marks,
		metrics:   d.Metrics,
		brackets:  d.Brackets,
		userData:  d.UserData,
		market:    d.Market,
		syncEvery: d.Sync,
		route:     &router{conn: d.Conn, venues: d.Venues},
		now:       time.Now,
	}
	if e.audit == nil {
		e.audit = audit.New(nil)
	}
	if e.marks == nil {
		e.marks = cache.NewMarkPrices()
	}
	if e.market == "" {
		e.market = common.MarketFutures
	}
	if e.syncEvery <= 0 {
		e.syncEvery = DefaultSyncInterval
	}
	return e, nil
}

// Start routes stream events to the mark cache and the trailing engine and runs the clock
// heartbeat until Close.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.unsubs = append(e.unsubs,
		e.bus.Subscribe(func(evt events.Event) {
			if p, ok := evt.Payload.(events.MarkPrice); ok {
				e.marks.Set(p.Symbol, p.Price, p.EventTime)
				e.stops.OnMarkPrice(p.Symbol, p.Price)
			}
		}, events.KindMarkPrice),
		e.bus.Subscribe(func(evt events.Event) {
			if u, ok := evt.Payload.(events.OrderUpdate); ok {
				e.stops.OnOrderUpdate(u)
			}
		}, events.KindOrderUpdate),
	)
	e.mu.Unlock()

	e.wg.Add(1)
	go e.heartbeat(ctx)
}

// Close stops background work. Tracked positions stay with the trailing engine.
func (e *Engine) Close() {
	e.mu.Lock()
	for _, u := range e.unsubs {
		u()
	}
	e.unsubs = nil
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
}

func (e *Engine) heartbeat(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.syncEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.conn.Status().State != connection.StateConnected {
				continue
			}
			if err := e.venues.Sync(ctx); err != nil {
				log.Warn().Err(err).Msg("clock heartbeat failed")
			}
		}
	}
}

// Connect opens the trading session for the active profile, then the mark price stream, the
// user data stream and the proxy session when configured. Only the trading session failing is
// an error.
func (e *Engine) Connect(ctx context.Context) error {
	creds, err := e.vault.Session()
	if err != nil {
		return err
	}
	venue, err := e.venues.For(creds, e.market)
	if err != nil {
		return err
	}
	if bs, ok := venue.(metadata.BracketSource); ok && e.brackets != nil {
		e.brackets.SetBracketSource(creds.Environment, bs)
	}
	if err := e.venues.Sync(ctx); err != nil {
		log.Warn().Err(err).Msg("initial clock sync failed")
	}
	ch := channelFor(e.market)
	if err := e.conn.Connect(ctx, creds, ch, true); err != nil {
		return err
	}
	if e.streams != nil {
		if err := e.streams.Connect(ctx, creds, ch, false); err != nil {
			log.Warn().Err(err).Msg("mark price stream unavailable")
		}
		for _, rec := range e.stops.Positions() {
			_ = e.streams.Subscribe(connection.MarkPriceStream(rec.Symbol))
		}
	}
	if e.userData != nil {
		e.startUserData(ctx, creds)
	}
	if e.proxy.Enabled() {
		if err := e.RegisterProxySession(ctx); err != nil {
			log.Warn().Err(err).Msg("proxy registration failed, using direct execution")
		}
	}
	return nil
}

// startUserData opens the account stream that reports stop fills and cancels to the trailing
// engine. Without it the watchdog still notices missing stops on its next pass.
func (e *Engine) startUserData(ctx context.Context, creds common.Credentials) {
	venue, err := e.venues.For(creds, common.MarketFutures)
	if err != nil {
		log.Warn().Err(err).Msg("user data stream unavailable")
		return
	}
	keys, ok := venue.(connection.ListenKeys)
	if !ok {
		return
	}
	if err := e.userData.Start(ctx, keys, creds.Environment); err != nil {
		log.Warn().Err(err).Msg("user data stream unavailable")
	}
}

// Disconnect closes every session.
func (e *Engine) Disconnect() {
	e.conn.Disconnect()
	if e.streams != nil {
		e.streams.Disconnect()
	}
	if e.userData != nil {
		e.userData.Stop()
	}
}

// ConnectionStatus reports the trading session state.
func (e *Engine) ConnectionStatus() connection.Status {
	return e.conn.Status()
}

// Resume restores a session after a restart: unlock the active profile and reconnect.
func (e *Engine) Resume(ctx context.Context, passphrase string) (vault.Profile, error) {
	p, err := e.vault.Unlock(ctx, passphrase)
	if err != nil {
		return vault.Profile{}, err
	}
	e.venues.Reset()
	if err := e.Connect(ctx); err != nil {
		return p, err
	}
	return p, nil
}

// RegisterProxySession hands the active credentials to the execution proxy.
func (e *Engine) RegisterProxySession(ctx context.Context) error {
	creds, err := e.vault.Session()
	if err != nil {
		return err
	}
	if creds.Environment == common.EnvLive && !e.gate.MainnetAllowed() {
		return errs.ErrLicenseRequired
	}
	return e.proxy.Register(ctx, creds)
}

// ClearProxySession removes the credentials from the execution proxy.
func (e *Engine) ClearProxySession(ctx context.Context) error {
	return e.proxy.Clear(ctx)
}

// StopLoss describes the protective order placed after a fill.
type StopLoss struct {
	OrderID   string  `json:"orderId"`
	StopPrice float64 `json:"stopPrice"`
}

// Result is the outcome of PlaceOrder.
type Result struct {
	Success         bool               `json:"success"`
	OrderID         string             `json:"orderId,omitempty"`
	ClientID        string             `json:"clientOrderId,omitempty"`
	Symbol          string             `json:"symbol"`
	Side            common.Side        `json:"side"`
	Type            common.OrderType   `json:"type"`
	Status          common.OrderStatus `json:"status,omitempty"`
	ExecutedQty     float64            `json:"executedQty,omitempty"`
	AvgPrice        float64            `json:"avgPrice,omitempty"`
	Path            Path               `json:"path,omitempty"`
	StopLoss        *StopLoss          `json:"stopLoss,omitempty"`
	Partial         bool               `json:"partial,omitempty"`
	Warning         string             `json:"warning,omitempty"`
	LatencyMs       int64              `json:"executionTime"`
	UnknownState    bool               `json:"unknownState,omitempty"`
	Error           errs.Kind          `json:"error,omitempty"`
	Message         string             `json:"message,omitempty"`
	NeedsUserAction bool               `json:"needsUserAction,omitempty"`
	UIAction        string             `json:"uiAction,omitempty"`
	VenueCode       int64              `json:"venueCode,omitempty"`
}

func (r *Result) fail(err error) {
	f := errs.Fail(err)
	r.Success = false
	r.Error = f.Error
	r.Message = f.Message
	r.NeedsUserAction = f.NeedsUserAction
	r.VenueCode = f.VenueCode
}

func (r *Result) failOutcome(out recovery.Outcome) {
	f := out.Result()
	r.Success = false
	r.Error = f.Error
	r.Message = f.Message
	r.NeedsUserAction = f.NeedsUserAction
	r.UIAction = out.UIAction
	r.VenueCode = f.VenueCode
	r.UnknownState = recovery.IsTimeout(out.Err)
}

// PlaceOrder validates p, submits it and, when requested, protects the fill with a stop-loss.
func (e *Engine) PlaceOrder(ctx context.Context, p metadata.OrderParams) Result {
	start := e.now()
	res := e.placeOrder(ctx, p)
	elapsed := e.now().Sub(start)
	res.LatencyMs = elapsed.Milliseconds()

	if e.metrics != nil && res.Error != errs.KindNoActiveProfile && !errs.IsValidationKind(res.Error) {
		e.metrics.OrderExecuted(string(res.Path), res.Success, elapsed)
	}
	e.bus.Publish(events.KindExecution, events.Execution{
		Symbol:    res.Symbol,
		Side:      string(res.Side),
		OrderID:   res.OrderID,
		Path:      string(res.Path),
		Success:   res.Success,
		Partial:   res.Partial,
		Message:   firstNonEmpty(res.Warning, res.Message),
		LatencyMs: res.LatencyMs,
	})
	return res
}

func (e *Engine) placeOrder(ctx context.Context, p metadata.OrderParams) Result {
	res := Result{Symbol: p.Symbol, Side: p.Side, Type: p.Type}

	creds, err := e.vault.Session()
	if err != nil {
		res.fail(errs.ErrNoActiveProfile)
		return res
	}
	if creds.Environment == common.EnvLive && !e.gate.MainnetAllowed() {
		res.fail(fmt.Errorf("%w: live trading needs a license with the mainnet scope", errs.ErrLicenseRequired))
		res.NeedsUserAction = true
		return res
	}
	if p.ClientID == "" {
		p.ClientID = uuid.NewString()
	}

	vo, err := e.validator.ValidateAndRound(ctx, p, creds.Environment)
	if err != nil {
		e.audit.Error(0, err.Error(), map[string]any{"symbol": p.Symbol, "stage": "validation"})
		res.fail(err)
		if nearest, ok := metadata.NearestCallbackRate(err); ok {
			res.Message = fmt.Sprintf("%s (nearest valid: %g)", res.Message, nearest)
		}
		return res
	}
	req := vo.Request()
	res.Symbol, res.Type, res.ClientID = req.Symbol, req.Type, req.ClientID

	path := PathREST
	useProxy := e.proxy.Registered() && req.Market == common.MarketFutures
	if vo.Leverage > 0 && vo.Market == common.MarketFutures {
		if useProxy {
			log.Warn().Str("symbol", vo.Symbol).Int("leverage", vo.Leverage).
				Msg("leverage not applied on the proxy path; account setting stays in force")
		} else if out := e.applyLeverage(ctx, creds, vo); !out.Recovered {
			e.audit.Error(out.Code, out.Message, map[string]any{"symbol": vo.Symbol, "stage": "leverage"})
			res.failOutcome(out)
			return res
		}
	}
	e.audit.Request("POST", orderEndpoint(useProxy, req.Market), common.ParamsToMap(common.OrderParams(req)))

	sent := e.now()
	ack, out := recovery.Run(ctx, e.recovery, func(ctx context.Context) (common.OrderResult, error) {
		if useProxy {
			path = PathProxy
			return e.proxy.PlaceOrder(ctx, req)
		}
		r, via, err := e.route.place(ctx, creds, req)
		path = via
		return r, err
	})
	res.Path = path
	if !out.Recovered {
		e.audit.Error(out.Code, out.Message, map[string]any{"symbol": req.Symbol, "path": string(path)})
		res.failOutcome(out)
		if res.UnknownState {
			log.Error().Str("severity", "high").Str("symbol", req.Symbol).Str("clientOrderId", req.ClientID).
				Msg("order placement timed out, venue state unknown")
		}
		return res
	}

	e.audit.Response("success", ack.Raw, e.now().Sub(sent))
	res.Success = true
	res.OrderID = ack.OrderID
	res.Status = ack.Status
	res.ExecutedQty = ack.ExecutedQty
	res.AvgPrice = ack.AvgPrice
	e.audit.Trade(audit.Trade{
		Symbol:        req.Symbol,
		Side:          string(req.Side),
		OrderType:     string(req.Type),
		OrderID:       ack.OrderID,
		Notional:      ack.ExecutedQty * ack.AvgPrice,
		ExecutedQty:   ack.ExecutedQty,
		AvgPrice:      ack.AvgPrice,
		Path:          string(path),
		ExecutionTime: e.now().Sub(sent).Milliseconds(),
	})
	log.Info().Str("symbol", req.Symbol).Str("side", string(req.Side)).Str("orderId", ack.OrderID).
		Str("path", string(path)).Float64("executedQty", ack.ExecutedQty).Msg("order placed")

	if vo.StopLossPct > 0 {
		e.protect(ctx, creds, vo, ack, useProxy, &res)
	}
	return res
}

// leverageSetter is implemented by venues with per-symbol leverage.
type leverageSetter interface {
	SetLeverage(ctx context.Context, symbol string, leverage int) error
}

func (e *Engine) applyLeverage(ctx context.Context, creds common.Credentials, vo metadata.ValidatedOrder) recovery.Outcome {
	venue, err := e.venues.For(creds, common.MarketFutures)
	if err != nil {
		return recovery.Outcome{Err: err, Message: err.Error()}
	}
	ls, ok := venue.(leverageSetter)
	if !ok {
		return recovery.Outcome{Recovered: true}
	}
	_, out := recovery.Run(ctx, e.recovery, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, ls.SetLeverage(ctx, vo.Symbol, vo.Leverage)
	})
	if out.Recovered {
		log.Info().Str("symbol", vo.Symbol).Int("leverage", vo.Leverage).Msg("leverage set")
	}
	return out
}

// protect places the stop-loss for a fill and hands it to the trailing engine. Any failure
// leaves the order in place and reports a partial success.
func (e *Engine) protect(ctx context.Context, creds common.Credentials, vo metadata.ValidatedOrder, ack common.OrderResult, useProxy bool, res *Result) {
	unprotected := func(reason string, err error) {
		ev := log.Error().Str("severity", "high").Str("symbol", vo.Symbol).Str("orderId", ack.OrderID)
		if err != nil {
			ev = ev.Err(err)
		}
		ev.Msg("position left without stop-loss: " + reason)
		res.Partial = true
		res.Warning = "Order filled but stop-loss was not placed: " + reason
		if err != nil {
			res.Warning += ": " + err.Error()
		}
		e.audit.Error(0, res.Warning, map[string]any{"symbol": vo.Symbol, "orderId": ack.OrderID})
	}

	qty := ack.ExecutedQty
	if qty <= 0 && vo.Type == common.OrderTypeMarket {
		// an ACK-style response omits the fill; a MARKET order fills its requested size
		qty = vo.Quantity
	}
	if qty <= 0 {
		unprotected("order not filled yet", nil)
		return
	}
	entry := ack.AvgPrice
	if entry <= 0 {
		entry = vo.Price
	}
	if entry <= 0 {
		entry, _ = e.marks.Get(vo.Symbol)
	}
	if entry <= 0 {
		unprotected("entry price unknown", nil)
		return
	}

	raw := stopLossPrice(vo.Side, entry, vo.StopLossPct)
	stop, err := e.validator.RoundStopPrice(ctx, vo.Symbol, creds.Environment, vo.Market, raw)
	if err != nil {
		unprotected("stop price rounding failed", err)
		return
	}
	req := stopOrder(vo.Symbol, vo.Market, vo.Side.Opposite(), stop, qty)
	e.audit.Request("POST", orderEndpoint(useProxy, vo.Market), common.ParamsToMap(common.OrderParams(req)))

	sl, out := recovery.Run(ctx, e.recovery, func(ctx context.Context) (common.OrderResult, error) {
		if useProxy {
			return e.proxy.PlaceOrder(ctx, req)
		}
		r, _, err := e.route.place(ctx, creds, req)
		return r, err
	})
	if !out.Recovered {
		unprotected("venue rejected the stop order", out.Err)
		return
	}
	res.StopLoss = &StopLoss{OrderID: sl.OrderID, StopPrice: stop}
	e.audit.Info("stop-loss placed", map[string]any{"symbol": vo.Symbol, "orderId": sl.OrderID, "stopPrice": stop})

	side := asl.Long
	if vo.Side == common.SideSell {
		side = asl.Short
	}
	pos := asl.Position{Symbol: vo.Symbol, Side: side, EntryPrice: entry, Quantity: qty, Market: vo.Market, CallbackRate: vo.CallbackRate / 100}
	if _, err := e.stops.Track(pos, sl.OrderID, stop); err != nil {
		log.Error().Err(err).Str("symbol", vo.Symbol).Msg("trailing stop not started")
		res.Warning = "Stop-loss placed but trailing stop not started: " + err.Error()
		return
	}
	if e.streams != nil {
		if err := e.streams.Subscribe(connection.MarkPriceStream(vo.Symbol)); err != nil {
			log.Warn().Err(err).Str("symbol", vo.Symbol).Msg("mark price subscription failed")
		}
	}
}

// stopLossPrice is entry moved pct percent against the position.
func stopLossPrice(side common.Side, entry, pct float64) float64 {
	if side == common.SideSell {
		return entry * (1 + pct/100)
	}
	return entry * (1 - pct/100)
}

func orderEndpoint(proxy bool, mkt common.MarketType) string {
	switch {
	case proxy:
		return "/api/order/futures"
	case mkt == common.MarketSpot:
		return "/api/v3/order"
	default:
		return "/fapi/v1/order"
	}
}

// CancelOrder cancels one resting order on the default market.
func (e *Engine) CancelOrder(ctx context.Context, symbol, orderID string) errs.Result {
	creds, err := e.vault.Session()
	if err != nil {
		return errs.Fail(errs.ErrNoActiveProfile)
	}
	if symbol == "" || orderID == "" {
		return errs.Fail(errors.New("symbol and orderId are required"))
	}
	e.audit.Request("DELETE", orderEndpoint(false, e.market), map[string]any{"symbol": symbol, "orderId": orderID})
	path, out := recovery.Run(ctx, e.recovery, func(ctx context.Context) (Path, error) {
		return e.route.cancel(ctx, creds, e.market, symbol, orderID)
	})
	if !out.Recovered {
		e.audit.Error(out.Code, out.Message, map[string]any{"symbol": symbol, "orderId": orderID})
		return out.Result()
	}
	e.audit.Response("success", map[string]any{"symbol": symbol, "orderId": orderID}, 0)
	return errs.OK(map[string]any{"symbol": symbol, "orderId": orderID, "path": path})
}

// Positions returns the active profile's open futures positions. Flat entries are dropped.
func (e *Engine) Positions(ctx context.Context) ([]common.Position, error) {
	creds, err := e.vault.Session()
	if err != nil {
		return nil, errs.ErrNoActiveProfile
	}
	venue, err := e.venues.For(creds, common.MarketFutures)
	if err != nil {
		return nil, err
	}
	positions, out := recovery.Run(ctx, e.recovery, venue.Positions)
	if !out.Recovered {
		return nil, out.Err
	}
	var open []common.Position
	for _, p := range positions {
		if p.Amount != 0 {
			open = append(open, p)
		}
	}
	return open, nil
}

// CloseDetail is one step of the kill switch.
type CloseDetail struct {
	Symbol  string `json:"symbol"`
	OrderID string `json:"orderId,omitempty"`
	Action  string `json:"action"` // close or cancel
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

// KillSwitchResult reports a close-all run.
type KillSwitchResult struct {
	Success      bool          `json:"success"`
	Closed       int           `json:"closed"`
	Failed       int           `json:"failed"`
	Cancelled    int           `json:"cancelled"`
	StopsRemoved int           `json:"stopsRemoved"`
	Path         Path          `json:"path,omitempty"`
	Message      string        `json:"message,omitempty"`
	Error        errs.Kind     `json:"error,omitempty"`
	Details      []CloseDetail `json:"details,omitempty"`
}

// CloseAllPositions market-closes every open futures position, cancels resting orders on the
// affected symbols and drops all trailing stop records.
func (e *Engine) CloseAllPositions(ctx context.Context) KillSwitchResult {
	creds, err := e.vault.Session()
	if err != nil {
		return KillSwitchResult{Error: errs.KindNoActiveProfile, Message: err.Error()}
	}
	log.Warn().Str("environment", string(creds.Environment)).Msg("kill switch triggered")
	e.audit.Info("kill switch triggered", nil)

	// Trailing records are detached first: a stop cancelled below must not be re-installed by
	// the safety watchdog.
	detached := e.stops.Detach()

	var out KillSwitchResult
	if e.proxy.Registered() {
		out = e.killViaProxy(ctx)
	} else {
		out = e.killDirect(ctx, creds)
	}
	if !out.Success {
		e.stops.Restore(detached)
	} else {
		keep := stillOpen(detached, out.Details)
		e.stops.Restore(keep)
		out.StopsRemoved = len(detached) - len(keep)
	}
	log.Warn().Int("closed", out.Closed).Int("failed", out.Failed).Int("cancelled", out.Cancelled).
		Str("path", string(out.Path)).Msg("kill switch finished")
	return out
}

func (e *Engine) killViaProxy(ctx context.Context) KillSwitchResult {
	out := KillSwitchResult{Path: PathProxy}
	closed, cancelled, err := e.proxy.KillSwitch(ctx)
	if err != nil {
		out.Error = errs.KindOf(err)
		out.Message = "Kill switch failed (proxy): " + err.Error()
		e.audit.Error(0, out.Message, nil)
		return out
	}
	for _, c := range closed {
		out.Details = append(out.Details, CloseDetail{Symbol: c.Symbol, OrderID: fmt.Sprint(c.OrderID), Action: "close", OK: c.OK, Error: c.Error})
		if c.OK {
			out.Closed++
		} else {
			out.Failed++
		}
	}
	for _, c := range cancelled {
		out.Details = append(out.Details, CloseDetail{Symbol: c.Symbol, OrderID: fmt.Sprint(c.OrderID), Action: "cancel", OK: c.OK, Error: c.Error})
		if c.OK {
			out.Cancelled++
		}
	}
	out.Success = true
	out.Message = "Kill switch executed via proxy"
	return out
}

func (e *Engine) killDirect(ctx context.Context, creds common.Credentials) KillSwitchResult {
	out := KillSwitchResult{Path: PathREST}
	venue, err := e.venues.For(creds, common.MarketFutures)
	if err != nil {
		out.Error = errs.KindOf(err)
		out.Message = err.Error()
		return out
	}
	positions, pout := recovery.Run(ctx, e.recovery, venue.Positions)
	if !pout.Recovered {
		out.Error = pout.Result().Error
		out.Message = "Kill switch failed: " + pout.Message
		e.audit.Error(pout.Code, out.Message, nil)
		return out
	}

	var open []common.Position
	for _, p := range positions {
		if p.Amount != 0 {
			open = append(open, p)
		}
	}
	out.Success = true
	if len(open) == 0 {
		out.Message = "No open positions found"
		return out
	}

	var symbols []string
	seen := make(map[string]bool)
	for _, p := range open {
		side := common.SideSell
		if p.Amount < 0 {
			side = common.SideBuy
		}
		req := common.OrderRequest{
			Symbol: p.Symbol,
			Side:   side,
			Type:   common.OrderTypeMarket,
			Qty:    math.Abs(p.Amount),
			Market: common.MarketFutures,
		}
		// Hedge-mode closes are addressed by position side; reduceOnly is rejected there.
		if ps := hedgeSide(p.PositionSide); ps != "" {
			req.PositionSide = ps
		} else {
			req.ReduceOnly = true
		}
		e.audit.Request("POST", orderEndpoint(false, common.MarketFutures), common.ParamsToMap(common.OrderParams(req)))
		ack, err := venue.PlaceOrder(ctx, req)
		d := CloseDetail{Symbol: p.Symbol, Action: "close", OK: err == nil, OrderID: ack.OrderID}
		if err != nil {
			d.Error = err.Error()
			out.Failed++
			e.audit.Error(0, d.Error, map[string]any{"symbol": p.Symbol})
		} else {
			out.Closed++
		}
		out.Details = append(out.Details, d)
		if !seen[p.Symbol] {
			seen[p.Symbol] = true
			symbols = append(symbols, p.Symbol)
		}
	}

	for _, sym := range symbols {
		orders, err := venue.OpenOrders(ctx, sym)
		if err != nil {
			out.Details = append(out.Details, CloseDetail{Symbol: sym, Action: "cancel", Error: err.Error()})
			continue
		}
		for _, o := range orders {
			err := venue.CancelOrder(ctx, sym, o.OrderID)
			d := CloseDetail{Symbol: sym, OrderID: o.OrderID, Action: "cancel", OK: err == nil}
			if err != nil {
				d.Error = err.Error()
			} else {
				out.Cancelled++
			}
			out.Details = append(out.Details, d)
		}
	}
	out.Message = fmt.Sprintf("Closed %d position(s), cancelled %d order(s)", out.Closed, out.Cancelled)
	return out
}

// stillOpen returns the records whose symbol had a close that failed.
func stillOpen(recs []asl.Record, details []CloseDetail) []asl.Record {
	failed := make(map[string]bool)
	for _, d := range details {
		if d.Action == "close" && !d.OK {
			failed[strings.ToUpper(d.Symbol)] = true
		}
	}
	var out []asl.Record
	for _, r := range recs {
		if failed[r.Symbol] {
			out = append(out, r)
		}
	}
	return out
}

// hedgeSide keeps LONG/SHORT for hedge-mode positions; one-way positions report BOTH.
func hedgeSide(ps string) string {
	if ps == "LONG" || ps == "SHORT" {
		return ps
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
