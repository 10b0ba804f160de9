// Package connection maintains the persistent exchange websocket: authentication, heartbeat,
// automatic reconnect, ordered send queue and request/response correlation.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog/log"

	"execution-core/internal/errs"
	"execution-core/internal/events"
	"execution-core/pkg/exchanges/common"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
	StateFailed       State = "failed"
)

var (
	// ErrQueueFull is returned when the pending send queue is at capacity.
	ErrQueueFull = errors.New("send queue full")
	// ErrNotSent marks a request that never reached the venue.
	ErrNotSent = errors.New("request not sent")
)

// Config tunes timing. Zero values take the defaults below.
type Config struct {
	OpenTimeout    time.Duration // 10s
	PingInterval   time.Duration // 20s
	RequestTimeout time.Duration // 10s
	WriteTimeout   time.Duration // 10s
	MaxAttempts    int           // 10
	BackoffMin     time.Duration // 1s
	BackoffMax     time.Duration // 60s
	MaxQueue       int           // 1000
	RecvWindow     int64

	// Name labels lifecycle events, e.g. "trading".
	Name string
	// URL overrides Endpoint when set.
	URL string
	// Clock supplies venue-adjusted milliseconds for signing.
	Clock func() int64
}

func (c Config) withDefaults() Config {
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 60 * time.Second
	}
	if c.MaxQueue <= 0 {
		c.MaxQueue = 1000
	}
	return c
}

// Status is a point-in-time view of the connection.
type Status struct {
	State         State              `json:"state"`
	Attempt       int                `json:"attempt"`
	Environment   common.Environment `json:"environment"`
	Channel       Channel            `json:"channel"`
	Trading       bool               `json:"trading"`
	Authenticated bool               `json:"authenticated"`
	URL           string             `json:"url"`
	Queued        int                `json:"queued"`
	Subscriptions []string           `json:"subscriptions,omitempty"`
}

type reply struct {
	resp events.Response
	err  error
}

// Manager owns one websocket session at a time.
type Manager struct {
	cfg    Config
	bus    *events.Bus
	dialer *websocket.Dialer
	bo     *backoff.Backoff

	mu            sync.Mutex
	state         State
	attempt       int
	conn          *websocket.Conn
	gen           uint64
	creds         common.Credentials
	channel       Channel
	trading       bool
	authenticated bool
	url           string
	signer        *common.Signer
	queue         [][]byte
	subs          []string
	stopped       bool
	session       context.Context
	cancel        context.CancelFunc
	beforeReady   func() // test hook, runs after dial and auth

	pendingMu sync.Mutex
	pending   map[int64]chan reply
	nextID    atomic.Int64
}

// NewManager builds a disconnected manager that publishes on bus.
func NewManager(bus *events.Bus, cfg Config) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg: cfg,
		bus: bus,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.OpenTimeout,
		},
		bo: &backoff.Backoff{
			Min:    cfg.BackoffMin,
			Max:    cfg.BackoffMax,
			Factor: 2,
			Jitter: false,
		},
		state:   StateDisconnected,
		pending: make(map[int64]chan reply),
	}
}

// Connect opens a session. In trading mode it authenticates before the session is usable.
// Any existing session is closed normally first.
func (m *Manager) Connect(ctx context.Context, creds common.Credentials, ch Channel, trading bool) error {
	m.mu.Lock()
	m.teardownLocked()
	m.stopped = false
	m.creds = creds
	m.channel = ch
	m.trading = trading
	m.url = m.cfg.URL
	if m.url == "" {
		m.url = Endpoint(creds.Environment, ch, trading)
	}
	m.signer = common.NewSigner(creds.APISecret, m.cfg.RecvWindow, m.cfg.Clock)
	m.session, m.cancel = context.WithCancel(context.Background())
	session := m.session
	m.attempt = 0
	m.bo.Reset()
	m.state = StateConnecting
	m.mu.Unlock()

	if err := m.open(ctx, session); err != nil {
		m.mu.Lock()
		if m.state == StateConnecting {
			m.state = StateError
		}
		m.mu.Unlock()
		m.bus.Publish(events.KindError, events.Error{Session: m.cfg.Name, Message: err.Error()})
		return fmt.Errorf("%w: %v", errs.ErrConnectionFailed, err)
	}
	return nil
}

// Disconnect closes the session with a normal closure. No reconnect follows.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.stopped = true
	m.teardownLocked()
	m.queue = nil
	m.attempt = 0
	m.state = StateDisconnected
	m.mu.Unlock()

	m.failPending(errs.ErrConnectionFailed)
	m.bus.Publish(events.KindClose, events.Close{Session: m.cfg.Name, Code: websocket.CloseNormalClosure, Reason: "user requested disconnect"})
	log.Info().Msg("Websocket disconnected")
}

// Status returns the current lifecycle view.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:         m.state,
		Attempt:       m.attempt,
		Environment:   m.creds.Environment,
		Channel:       m.channel,
		Trading:       m.trading,
		Authenticated: m.authenticated,
		URL:           m.url,
		Queued:        len(m.queue),
		Subscriptions: append([]string(nil), m.subs...),
	}
}

// IsConnected reports whether the session is open (and authenticated in trading mode).
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected
}

// Send writes msg immediately when connected, otherwise appends it to the FIFO queue that is
// flushed on the next open. delivered is false when queued.
func (m *Manager) Send(msg any) (delivered bool, err error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Anything still queued must leave first.
	if m.state != StateConnected || m.conn == nil || len(m.queue) > 0 {
		if len(m.queue) >= m.cfg.MaxQueue {
			return false, ErrQueueFull
		}
		m.queue = append(m.queue, data)
		return false, nil
	}
	if err := m.writeLocked(data); err != nil {
		return false, err
	}
	return true, nil
}

// Subscribe adds stream names (e.g. "btcusdt@markPrice@1s" or a listen key). They are sent
// now when connected and re-sent after every reconnect.
func (m *Manager) Subscribe(streams ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var added []string
	for _, s := range streams {
		if s == "" || slices.Contains(m.subs, s) {
			continue
		}
		m.subs = append(m.subs, s)
		added = append(added, s)
	}
	if len(added) == 0 || m.state != StateConnected || m.conn == nil {
		return nil
	}
	return m.writeSubscribeLocked("SUBSCRIBE", added)
}

// Unsubscribe drops stream names.
func (m *Manager) Unsubscribe(streams ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed []string
	kept := m.subs[:0]
	for _, s := range m.subs {
		if slices.Contains(streams, s) {
			removed = append(removed, s)
			continue
		}
		kept = append(kept, s)
	}
	m.subs = kept
	if len(removed) == 0 || m.state != StateConnected || m.conn == nil {
		return nil
	}
	return m.writeSubscribeLocked("UNSUBSCRIBE", removed)
}

// MarkPriceStream is the stream name for a symbol's 1s mark price.
func MarkPriceStream(symbol string) string {
	return strings.ToLower(symbol) + "@markPrice@1s"
}

// PlaceOrder sends order.place and waits for the correlated response.
func (m *Manager) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	raw, err := m.signedRequest(ctx, "order.place", common.OrderParams(req))
	if err != nil {
		return common.OrderResult{}, err
	}
	var ack orderAck
	if err := json.Unmarshal(raw, &ack); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode order.place: %w", err)
	}
	return ack.toResult(raw), nil
}

// CancelOrder sends order.cancel.
func (m *Manager) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("orderId", orderID)
	_, err := m.signedRequest(ctx, "order.cancel", params)
	return err
}

// CancelReplace sends order.cancelReplace: the old order is cancelled and the new one placed in
// one venue operation, stopping if the cancel fails.
func (m *Manager) CancelReplace(ctx context.Context, req common.CancelReplaceRequest) (common.OrderResult, error) {
	params := common.OrderParams(req.New)
	params.Set("cancelReplaceMode", "STOP_ON_FAILURE")
	params.Set("cancelOrderId", req.CancelOrderID)
	raw, err := m.signedRequest(ctx, "order.cancelReplace", params)
	if err != nil {
		return common.OrderResult{}, err
	}
	var out struct {
		NewOrderResponse json.RawMessage `json:"newOrderResponse"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode order.cancelReplace: %w", err)
	}
	body := out.NewOrderResponse
	if len(body) == 0 {
		body = raw
	}
	var ack orderAck
	if err := json.Unmarshal(body, &ack); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode order.cancelReplace: %w", err)
	}
	return ack.toResult(body), nil
}

func (m *Manager) signedRequest(ctx context.Context, method string, params url.Values) (json.RawMessage, error) {
	m.mu.Lock()
	signer, apiKey := m.signer, m.creds.APIKey
	m.mu.Unlock()
	if signer == nil {
		return nil, fmt.Errorf("%w: %w: not connected", errs.ErrConnectionFailed, ErrNotSent)
	}
	params.Set("apiKey", apiKey)
	signer.SignParams(params)
	resp, err := m.Request(ctx, method, common.ParamsToMap(params))
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// Request sends a correlated request on an open session. A missing response within the request
// timeout yields ErrRequestTimeout; the session itself stays up.
func (m *Manager) Request(ctx context.Context, method string, params map[string]any) (events.Response, error) {
	return m.roundTrip(ctx, method, params, true)
}

func (m *Manager) roundTrip(ctx context.Context, method string, params map[string]any, requireOpen bool) (events.Response, error) {
	id := m.nextID.Add(1)
	data, err := json.Marshal(request{ID: id, Method: method, Params: params})
	if err != nil {
		return events.Response{}, err
	}

	ch := make(chan reply, 1)
	m.pendingMu.Lock()
	m.pending[id] = ch
	m.pendingMu.Unlock()
	defer func() {
		m.pendingMu.Lock()
		delete(m.pending, id)
		m.pendingMu.Unlock()
	}()

	m.mu.Lock()
	if m.conn == nil || (requireOpen && m.state != StateConnected) {
		m.mu.Unlock()
		return events.Response{}, fmt.Errorf("%w: %w: not connected", errs.ErrConnectionFailed, ErrNotSent)
	}
	err = m.writeLocked(data)
	m.mu.Unlock()
	if err != nil {
		return events.Response{}, fmt.Errorf("%w: %w: %v", errs.ErrConnectionFailed, ErrNotSent, err)
	}

	timer := time.NewTimer(m.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		if r.err != nil {
			return events.Response{}, r.err
		}
		if r.resp.Code != 0 || r.resp.Status >= 300 {
			return r.resp, errs.NewVenueError(r.resp.Code, r.resp.Msg)
		}
		return r.resp, nil
	case <-timer.C:
		log.Warn().Str("method", method).Int64("id", id).Msg("Websocket request timed out")
		return events.Response{}, fmt.Errorf("%s id %d: %w", method, id, errs.ErrRequestTimeout)
	case <-ctx.Done():
		return events.Response{}, ctx.Err()
	}
}

func (m *Manager) open(ctx, session context.Context) error {
	m.mu.Lock()
	target := m.url
	trading := m.trading
	beforeReady := m.beforeReady
	m.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, m.cfg.OpenTimeout)
	defer cancel()
	conn, _, err := m.dialer.DialContext(dctx, target, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", target, err)
	}

	m.mu.Lock()
	if session.Err() != nil {
		m.mu.Unlock()
		_ = conn.Close()
		return session.Err()
	}
	m.gen++
	gen := m.gen
	m.conn = conn
	m.mu.Unlock()

	go m.readLoop(conn, gen)

	if trading {
		if err := m.authenticate(dctx); err != nil {
			m.mu.Lock()
			if m.gen == gen {
				m.gen++
				m.conn = nil
			}
			m.mu.Unlock()
			_ = conn.Close()
			return fmt.Errorf("authenticate: %w", err)
		}
	}

	if beforeReady != nil {
		beforeReady()
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return errors.New("session replaced during open")
	}
	if m.conn != conn {
		// handleDrop ran before the session became usable
		m.mu.Unlock()
		_ = conn.Close()
		return errors.New("connection dropped during open")
	}
	m.state = StateConnected
	m.attempt = 0
	m.authenticated = trading
	m.bo.Reset()
	if len(m.subs) > 0 {
		if err := m.writeSubscribeLocked("SUBSCRIBE", m.subs); err != nil {
			log.Warn().Err(err).Msg("Resubscribe failed")
		}
	}
	m.flushLocked()
	m.mu.Unlock()

	go m.heartbeat(session, conn, gen)
	m.bus.Publish(events.KindOpen, events.Open{Session: m.cfg.Name})
	log.Info().Str("url", target).Bool("trading", trading).Msg("Websocket connected")
	return nil
}

func (m *Manager) authenticate(ctx context.Context) error {
	m.mu.Lock()
	signer, apiKey := m.signer, m.creds.APIKey
	m.mu.Unlock()

	ts, sig := signer.SignLogon(apiKey)
	authCtx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	defer cancel()
	_, err := m.roundTrip(authCtx, "auth", map[string]any{
		"apiKey":    apiKey,
		"signature": sig,
		"timestamp": ts,
	}, false)
	return err
}

func (m *Manager) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleDrop(gen, err)
			return
		}
		m.dispatch(data)
	}
}

func (m *Manager) handleDrop(gen uint64, err error) {
	code := websocket.CloseAbnormalClosure
	reason := err.Error()
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		code, reason = ce.Code, ce.Text
	}

	m.mu.Lock()
	if gen != m.gen {
		// Torn down deliberately or superseded.
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.authenticated = false
	// A drop while still opening is reported by open() itself.
	wasOpen := m.state == StateConnected
	reconnect := wasOpen && code != websocket.CloseNormalClosure && !m.stopped
	if wasOpen && !reconnect {
		m.state = StateDisconnected
	}
	session := m.session
	m.mu.Unlock()

	m.failPending(fmt.Errorf("%w: connection closed (%d)", errs.ErrConnectionFailed, code))
	m.bus.Publish(events.KindClose, events.Close{Session: m.cfg.Name, Code: code, Reason: reason})
	log.Warn().Int("code", code).Str("reason", reason).Msg("Websocket closed")

	if reconnect {
		go m.reconnectLoop(session)
	}
}

func (m *Manager) reconnectLoop(session context.Context) {
	for {
		m.mu.Lock()
		if m.stopped || session.Err() != nil {
			m.mu.Unlock()
			return
		}
		if m.attempt >= m.cfg.MaxAttempts {
			attempts := m.attempt
			m.state = StateFailed
			m.mu.Unlock()
			log.Error().Int("attempts", attempts).Msg("Websocket reconnect attempts exhausted")
			m.bus.Publish(events.KindFailed, events.Failed{Session: m.cfg.Name, Attempts: attempts})
			return
		}
		m.attempt++
		attempt := m.attempt
		delay := m.bo.ForAttempt(float64(attempt - 1))
		m.state = StateReconnecting
		m.mu.Unlock()

		log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Websocket reconnecting")
		m.bus.Publish(events.KindReconnecting, events.Reconnecting{Session: m.cfg.Name, Attempt: attempt, Delay: delay})

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-session.Done():
			timer.Stop()
			return
		}

		err := m.open(session, session)
		if err == nil {
			return
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("Websocket reconnect failed")
		m.bus.Publish(events.KindError, events.Error{Session: m.cfg.Name, Message: err.Error()})
	}
}

func (m *Manager) heartbeat(session context.Context, conn *websocket.Conn, gen uint64) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-session.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			current := m.gen == gen
			m.mu.Unlock()
			if !current {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.cfg.WriteTimeout)); err != nil {
				log.Debug().Err(err).Msg("Websocket ping failed")
			}
		}
	}
}

func (m *Manager) dispatch(data []byte) {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(data, &env); err != nil {
		log.Debug().Err(err).Msg("Discarding non-JSON websocket frame")
		return
	}

	if ping, ok := env["ping"]; ok {
		if _, err := m.Send(map[string]json.RawMessage{"pong": ping}); err != nil {
			log.Debug().Err(err).Msg("Pong failed")
		}
		return
	}

	if rawType, ok := env["e"]; ok {
		var kind string
		_ = json.Unmarshal(rawType, &kind)
		m.dispatchStream(kind, data)
		return
	}

	if _, ok := env["id"]; ok {
		var r response
		if err := json.Unmarshal(data, &r); err != nil {
			log.Debug().Err(err).Msg("Malformed websocket response")
			return
		}
		resp := events.Response{ID: r.ID, Status: r.Status, Result: r.Result}
		if r.Error != nil {
			resp.Code, resp.Msg = r.Error.Code, r.Error.Msg
		}
		m.deliver(resp)
		m.bus.Publish(events.KindResponse, resp)
	}
}

func (m *Manager) dispatchStream(kind string, data []byte) {
	switch kind {
	case "markPriceUpdate":
		mp, err := parseMarkPrice(data)
		if err != nil || mp.Price <= 0 {
			return
		}
		m.bus.Publish(events.KindMarkPrice, mp)
	case "ORDER_TRADE_UPDATE":
		ou, err := parseOrderUpdate(data)
		if err != nil {
			log.Debug().Err(err).Msg("Malformed order update")
			return
		}
		m.bus.Publish(events.KindOrderUpdate, ou)
	case "executionReport":
		ou, err := parseExecutionReport(data)
		if err != nil {
			log.Debug().Err(err).Msg("Malformed execution report")
			return
		}
		m.bus.Publish(events.KindOrderUpdate, ou)
	case "ACCOUNT_UPDATE":
		au, err := parseAccountUpdate(data)
		if err != nil {
			log.Debug().Err(err).Msg("Malformed account update")
			return
		}
		m.bus.Publish(events.KindAccountUpdate, au)
	}
}

func (m *Manager) deliver(resp events.Response) {
	m.pendingMu.Lock()
	ch, ok := m.pending[resp.ID]
	if ok {
		delete(m.pending, resp.ID)
	}
	m.pendingMu.Unlock()
	if ok {
		ch <- reply{resp: resp}
	}
}

func (m *Manager) failPending(err error) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	for id, ch := range m.pending {
		ch <- reply{err: err}
		delete(m.pending, id)
	}
}

func (m *Manager) writeLocked(data []byte) error {
	if m.conn == nil {
		return errors.New("no connection")
	}
	_ = m.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	return m.conn.WriteMessage(websocket.TextMessage, data)
}

func (m *Manager) writeSubscribeLocked(method string, streams []string) error {
	data, err := json.Marshal(struct {
		Method string   `json:"method"`
		Params []string `json:"params"`
		ID     int64    `json:"id"`
	}{method, streams, m.nextID.Add(1)})
	if err != nil {
		return err
	}
	return m.writeLocked(data)
}

func (m *Manager) flushLocked() {
	for len(m.queue) > 0 {
		if err := m.writeLocked(m.queue[0]); err != nil {
			log.Warn().Err(err).Int("remaining", len(m.queue)).Msg("Queue flush interrupted")
			return
		}
		m.queue = m.queue[1:]
	}
	m.queue = nil
}

// teardownLocked closes the current connection without triggering a reconnect.
func (m *Manager) teardownLocked() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.conn != nil {
		m.gen++
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = m.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = m.conn.Close()
		m.conn = nil
	}
	m.authenticated = false
}

// parseExecutionReport maps the spot user-data execution report onto OrderUpdate.
func parseExecutionReport(data []byte) (events.OrderUpdate, error) {
	var m struct {
		EventType     string `json:"e"`
		EventTime     int64  `json:"E"`
		Symbol        string `json:"s"`
		Side          string `json:"S"`
		ClientOrderID string `json:"c"`
		CancelledID   string `json:"C"`
		OrderType     string `json:"o"`
		Quantity      string `json:"q"`
		QuoteQty      string `json:"Q"`
		Price         string `json:"p"`
		StopPrice     string `json:"P"`
		ExecType      string `json:"x"`
		Status        string `json:"X"`
		OrderID       int64  `json:"i"`
		Filled        string `json:"z"`
		CumQuote      string `json:"Z"`
		LastQty       string `json:"l"`
		LastPrice     string `json:"L"`
		TxTime        int64  `json:"T"`
		TradeID       int64  `json:"t"`
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return events.OrderUpdate{}, err
	}
	filled := common.ParseFloat(m.Filled)
	avg := 0.0
	if filled > 0 {
		avg = common.ParseFloat(m.CumQuote) / filled
	}
	return events.OrderUpdate{
		Symbol:        m.Symbol,
		ClientOrderID: m.ClientOrderID,
		Side:          m.Side,
		OrderType:     m.OrderType,
		Status:        m.Status,
		ExecType:      m.ExecType,
		OrderID:       m.OrderID,
		Price:         common.ParseFloat(m.Price),
		StopPrice:     common.ParseFloat(m.StopPrice),
		Quantity:      common.ParseFloat(m.Quantity),
		FilledQty:     filled,
		AvgPrice:      avg,
		EventTime:     m.EventTime,
	}, nil
}
