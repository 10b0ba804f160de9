// Package asl implements the tiered trailing stop-loss engine and its safety-stop watchdog.
package asl

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"execution-core/internal/events"
	"execution-core/pkg/exchanges/common"
)

// Side of a tracked position.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

const (
	// SafetyStopPct is the distance from entry of the fallback stop.
	SafetyStopPct = 0.10

	defaultTick          = time.Second
	defaultWatchdog      = 500 * time.Millisecond
	defaultReplaceBudget = 15 * time.Second
)

var ErrInvalidPosition = errors.New("invalid position")

// Position is what Track needs to protect an open position.
type Position struct {
	Symbol     string
	Side       Side
	EntryPrice float64
	Quantity   float64
	Market     common.MarketType
	// CallbackRate is the trail requested with the order, as a fraction. Levels replace it.
	CallbackRate float64
}

// ID is the record key: symbol_side.
func (p Position) ID() string {
	return strings.ToUpper(p.Symbol) + "_" + string(p.Side)
}

// Record is the tracked state of one position.
type Record struct {
	ID              string            `json:"id"`
	Symbol          string            `json:"symbol"`
	Side            Side              `json:"side"`
	Market          common.MarketType `json:"market"`
	EntryPrice      float64           `json:"entryPrice"`
	Quantity        float64           `json:"quantity"`
	StopLossOrderID string            `json:"stopLossOrderId"`
	StopLossPrice   float64           `json:"stopLossPrice"`
	CallbackRate    float64           `json:"callbackRate"`
	CurrentLevel    int               `json:"currentLevel"`
	Updating        bool              `json:"updating"`
	SafetyStop      bool              `json:"safetyStop"`
	LastUpdateTime  time.Time         `json:"lastUpdateTime"`
	LastPrice       float64           `json:"lastPrice"`
	ProfitPct       float64           `json:"profitPct"`
}

// StopRequest asks the venue to install a protective stop. With CancelOrderID set it must be a
// single cancel-and-replace; the old order stays in force if the replacement is rejected.
type StopRequest struct {
	Symbol        string
	Market        common.MarketType
	Side          common.Side
	StopPrice     float64
	Quantity      float64
	CancelOrderID string
	Safety        bool
}

// StopAck is the venue confirmation of an installed stop.
type StopAck struct {
	OrderID   string
	StopPrice float64
}

// StopReplacer executes stop placements against the venue.
type StopReplacer interface {
	ReplaceStop(ctx context.Context, req StopRequest) (StopAck, error)
}

// PriceSource supplies the latest mark price.
type PriceSource interface {
	Get(symbol string) (float64, bool)
}

// Metrics receives update outcomes.
type Metrics interface {
	StopUpdate(result string)
	SafetyStop()
}

// Option configures an Engine.
type Option func(*Engine)

func WithLevels(l Levels) Option                  { return func(e *Engine) { e.levels = l } }
func WithBus(b *events.Bus) Option                { return func(e *Engine) { e.bus = b } }
func WithPrices(p PriceSource) Option             { return func(e *Engine) { e.prices = p } }
func WithMetrics(m Metrics) Option                { return func(e *Engine) { e.metrics = m } }
func WithTickInterval(d time.Duration) Option     { return func(e *Engine) { e.tick = d } }
func WithWatchdogInterval(d time.Duration) Option { return func(e *Engine) { e.watchdogEvery = d } }

// Engine tracks positions and ratchets their stops.
type Engine struct {
	replacer      StopReplacer
	levels        Levels
	bus           *events.Bus
	prices        PriceSource
	metrics       Metrics
	tick          time.Duration
	watchdogEvery time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	records  map[string]*Record
	tickers  map[string]context.CancelFunc
	watchdog context.CancelFunc
	wg       sync.WaitGroup
}

// New builds an engine around replacer.
func New(replacer StopReplacer, opts ...Option) (*Engine, error) {
	if replacer == nil {
		return nil, errors.New("asl: stop replacer is required")
	}
	e := &Engine{
		replacer:      replacer,
		levels:        DefaultLevels,
		tick:          defaultTick,
		watchdogEvery: defaultWatchdog,
		records:       make(map[string]*Record),
		tickers:       make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.levels.Validate(); err != nil {
		return nil, fmt.Errorf("asl: %w", err)
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e, nil
}

// Track starts protecting pos. stopOrderID is the confirmed initial stop; empty means the
// watchdog installs a safety stop on its next pass. Tracking an existing id replaces it.
func (e *Engine) Track(pos Position, stopOrderID string, stopPrice float64) (Record, error) {
	pos.Symbol = strings.ToUpper(pos.Symbol)
	if pos.Symbol == "" || pos.EntryPrice <= 0 || pos.Quantity <= 0 || (pos.Side != Long && pos.Side != Short) {
		return Record{}, fmt.Errorf("%w: %+v", ErrInvalidPosition, pos)
	}
	rec := &Record{
		ID:              pos.ID(),
		Symbol:          pos.Symbol,
		Side:            pos.Side,
		Market:          pos.Market,
		EntryPrice:      pos.EntryPrice,
		Quantity:        pos.Quantity,
		StopLossOrderID: stopOrderID,
		StopLossPrice:   stopPrice,
		CallbackRate:    pos.CallbackRate,
		LastUpdateTime:  time.Now(),
	}
	out := e.start(rec)
	log.Info().Str("position", rec.ID).Str("stopOrderId", orPending(stopOrderID)).Msg("Trailing stop initialized")
	return out, nil
}

// start registers rec and runs its ticker, starting the watchdog if needed.
func (e *Engine) start(rec *Record) Record {
	e.mu.Lock()
	if stop, ok := e.tickers[rec.ID]; ok {
		stop()
	}
	e.records[rec.ID] = rec
	ctx, stop := context.WithCancel(e.ctx)
	e.tickers[rec.ID] = stop
	if e.watchdog == nil {
		wctx, wstop := context.WithCancel(e.ctx)
		e.watchdog = wstop
		e.wg.Add(1)
		go e.runWatchdog(wctx)
	}
	out := *rec
	e.wg.Add(1)
	e.mu.Unlock()

	go e.runTicker(ctx, rec.ID)
	return out
}

// OnMarkPrice records a mark price for every position on symbol and re-evaluates each.
// Evaluation runs off the caller's goroutine.
func (e *Engine) OnMarkPrice(symbol string, price float64) {
	if price <= 0 {
		return
	}
	symbol = strings.ToUpper(symbol)
	e.mu.Lock()
	var ids []string
	for id, rec := range e.records {
		if rec.Symbol == symbol {
			rec.LastPrice = price
			ids = append(ids, id)
		}
	}
	e.mu.Unlock()
	for _, id := range ids {
		go e.Evaluate(id)
	}
}

// OnOrderUpdate reacts to venue order events for tracked stops: a filled stop closes the
// position; a cancelled or expired stop leaves the record unprotected for the watchdog.
func (e *Engine) OnOrderUpdate(u events.OrderUpdate) {
	orderID := fmt.Sprint(u.OrderID)
	e.mu.Lock()
	var closed string
	for id, rec := range e.records {
		if rec.StopLossOrderID != orderID || rec.Updating {
			continue
		}
		switch u.Status {
		case "FILLED":
			closed = id
		case "CANCELED", "EXPIRED", "REJECTED":
			log.Warn().Str("position", id).Str("orderId", orderID).Str("status", u.Status).Msg("Protective stop no longer resting")
			rec.StopLossOrderID = ""
		}
	}
	e.mu.Unlock()
	if closed != "" {
		log.Info().Str("position", closed).Msg("Protective stop filled, position closed")
		e.Remove(closed)
	}
}

// Evaluate recomputes profit for one position and ratchets its level if a higher tier is
// reached. A record already mid-update is skipped.
func (e *Engine) Evaluate(id string) {
	e.mu.Lock()
	rec, ok := e.records[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	price := rec.LastPrice
	if price <= 0 && e.prices != nil {
		if p, ok := e.prices.Get(rec.Symbol); ok {
			price = p
			rec.LastPrice = p
		}
	}
	if price <= 0 {
		e.mu.Unlock()
		return
	}
	rec.ProfitPct = profitPct(rec.Side, rec.EntryPrice, price)
	target, ok := e.levels.Target(rec.ProfitPct)
	if !ok || target.Level <= rec.CurrentLevel || rec.StopLossOrderID == "" {
		e.mu.Unlock()
		return
	}
	if rec.Updating {
		e.mu.Unlock()
		log.Debug().Str("position", id).Msg("Stop update in progress, skipping tick")
		return
	}
	rec.Updating = true
	req := StopRequest{
		Symbol:        rec.Symbol,
		Market:        rec.Market,
		Side:          closingSide(rec.Side),
		StopPrice:     trailingStopPrice(rec.Side, price, target.CallbackRate),
		Quantity:      rec.Quantity,
		CancelOrderID: rec.StopLossOrderID,
	}
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(e.ctx, defaultReplaceBudget)
	ack, err := e.replacer.ReplaceStop(ctx, req)
	cancel()

	e.mu.Lock()
	rec.Updating = false
	if e.records[id] != rec {
		e.mu.Unlock()
		return
	}
	if err != nil {
		e.mu.Unlock()
		log.Warn().Err(err).Str("position", id).Int("targetLevel", target.Level).Msg("Stop replace failed; previous stop remains")
		e.observe("failed")
		return
	}
	if ack.StopPrice <= 0 {
		ack.StopPrice = req.StopPrice
	}
	rec.StopLossOrderID = ack.OrderID
	rec.StopLossPrice = ack.StopPrice
	rec.CallbackRate = target.CallbackRate
	rec.CurrentLevel = target.Level
	rec.SafetyStop = false
	rec.LastUpdateTime = time.Now()
	e.mu.Unlock()

	log.Info().Str("position", id).Int("level", target.Level).Float64("stopPrice", ack.StopPrice).
		Str("orderId", ack.OrderID).Msg("Trailing stop updated")
	e.observe("success")
	e.publish(events.StopUpdated{PositionID: id, OrderID: ack.OrderID, StopPrice: ack.StopPrice, Level: target.Level})
}

// CheckSafetyStops installs a safety stop on every record that has no stop order and is not
// mid-update.
func (e *Engine) CheckSafetyStops() {
	e.mu.Lock()
	var todo []*Record
	for _, rec := range e.records {
		if rec.StopLossOrderID == "" && !rec.Updating {
			rec.Updating = true
			todo = append(todo, rec)
		}
	}
	e.mu.Unlock()

	for _, rec := range todo {
		e.placeSafetyStop(rec)
	}
}

func (e *Engine) placeSafetyStop(rec *Record) {
	req := StopRequest{
		Symbol:    rec.Symbol,
		Market:    rec.Market,
		Side:      closingSide(rec.Side),
		StopPrice: safetyStopPrice(rec.Side, rec.EntryPrice),
		Quantity:  rec.Quantity,
		Safety:    true,
	}
	log.Warn().Str("position", rec.ID).Float64("stopPrice", req.StopPrice).Msg("No stop loss found, placing safety stop")

	ctx, cancel := context.WithTimeout(e.ctx, defaultReplaceBudget)
	ack, err := e.replacer.ReplaceStop(ctx, req)
	cancel()

	e.mu.Lock()
	rec.Updating = false
	if e.records[rec.ID] != rec {
		e.mu.Unlock()
		return
	}
	if err != nil {
		e.mu.Unlock()
		log.Error().Err(err).Str("severity", "high").Str("position", rec.ID).Msg("Safety stop placement failed; position unprotected")
		e.observe("safety_failed")
		return
	}
	if ack.StopPrice <= 0 {
		ack.StopPrice = req.StopPrice
	}
	rec.StopLossOrderID = ack.OrderID
	rec.StopLossPrice = ack.StopPrice
	rec.SafetyStop = true
	rec.LastUpdateTime = time.Now()
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.SafetyStop()
	}
	e.publish(events.StopUpdated{PositionID: rec.ID, OrderID: ack.OrderID, StopPrice: ack.StopPrice, Level: rec.CurrentLevel, Safety: true})
}

// Remove stops tracking id. The watchdog stops when nothing is tracked.
func (e *Engine) Remove(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.records[id]
	if stop, found := e.tickers[id]; found {
		stop()
		delete(e.tickers, id)
	}
	delete(e.records, id)
	if len(e.records) == 0 && e.watchdog != nil {
		e.watchdog()
		e.watchdog = nil
	}
	return ok
}

// RemoveAll drops every record and returns how many there were.
func (e *Engine) RemoveAll() int {
	e.mu.Lock()
	ids := make([]string, 0, len(e.records))
	for id := range e.records {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	for _, id := range ids {
		e.Remove(id)
	}
	return len(ids)
}

// Detach stops tracking every position and returns the records for a later Restore. Nothing
// is placed for a detached record, so closing its position cannot race the watchdog.
func (e *Engine) Detach() []Record {
	recs := e.Positions()
	for _, rec := range recs {
		e.Remove(rec.ID)
	}
	return recs
}

// Restore resumes tracking detached records with their level and stop intact. A record tracked
// again since Detach is left alone.
func (e *Engine) Restore(recs []Record) int {
	n := 0
	for _, r := range recs {
		if _, ok := e.Get(r.ID); ok {
			continue
		}
		rec := r
		rec.Updating = false
		rec.LastUpdateTime = time.Now()
		e.start(&rec)
		n++
		log.Info().Str("position", rec.ID).Int("level", rec.CurrentLevel).Msg("Trailing stop restored")
	}
	return n
}

// Get returns a copy of one record.
func (e *Engine) Get(id string) (Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Positions returns copies of all records ordered by id.
func (e *Engine) Positions() []Record {
	e.mu.Lock()
	out := make([]Record, 0, len(e.records))
	for _, rec := range e.records {
		out = append(out, *rec)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// WatchdogRunning reports whether the safety-stop scan is active.
func (e *Engine) WatchdogRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.watchdog != nil
}

// Close stops all timers and waits for them to exit.
func (e *Engine) Close() {
	e.cancel()
	e.mu.Lock()
	e.tickers = make(map[string]context.CancelFunc)
	e.watchdog = nil
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Engine) runTicker(ctx context.Context, id string) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Evaluate(id)
		}
	}
}

func (e *Engine) runWatchdog(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.watchdogEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.CheckSafetyStops()
		}
	}
}

func (e *Engine) observe(result string) {
	if e.metrics != nil {
		e.metrics.StopUpdate(result)
	}
}

func (e *Engine) publish(p events.StopUpdated) {
	if e.bus != nil {
		e.bus.Publish(events.KindStopUpdated, p)
	}
}

func profitPct(side Side, entry, mark float64) float64 {
	if side == Long {
		return (mark - entry) / entry
	}
	return (entry - mark) / entry
}

func trailingStopPrice(side Side, mark, callback float64) float64 {
	if side == Long {
		return mark * (1 - callback)
	}
	return mark * (1 + callback)
}

func safetyStopPrice(side Side, entry float64) float64 {
	if side == Long {
		return entry * (1 - SafetyStopPct)
	}
	return entry * (1 + SafetyStopPct)
}

func closingSide(s Side) common.Side {
	if s == Long {
		return common.SideSell
	}
	return common.SideBuy
}

func orPending(id string) string {
	if id == "" {
		return "pending"
	}
	return id
}
