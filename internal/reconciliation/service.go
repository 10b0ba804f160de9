// Package reconciliation compares trailing stop records with the venue's open positions.
package reconciliation

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"execution-core/internal/asl"
	"execution-core/internal/audit"
	"execution-core/internal/errs"
	"execution-core/pkg/exchanges/common"
	"execution-core/pkg/logging"
)

const qtyTolerance = 1e-8

// PositionSource lists the venue's open futures positions.
type PositionSource interface {
	Positions(ctx context.Context) ([]common.Position, error)
}

// Tracker is the trailing engine surface used here. *asl.Engine implements it.
type Tracker interface {
	Positions() []asl.Record
	Track(pos asl.Position, stopOrderID string, stopPrice float64) (asl.Record, error)
	Remove(id string) bool
}

// Diff kinds.
const (
	DiffClosed      = "closed"      // tracked, but flat on the venue
	DiffQuantity    = "quantity"    // tracked with a different size
	DiffUnprotected = "unprotected" // open on the venue, not tracked
)

// PositionDiff is one mismatch.
type PositionDiff struct {
	ID          string  `json:"id"`
	Symbol      string  `json:"symbol"`
	Kind        string  `json:"kind"`
	LocalQty    float64 `json:"localQty"`
	ExchangeQty float64 `json:"exchangeQty"`
	Synced      bool    `json:"synced"`
}

// Report is the outcome of one pass.
type Report struct {
	Timestamp   time.Time      `json:"timestamp"`
	Diffs       []PositionDiff `json:"diffs"`
	HasDiffs    bool           `json:"hasDiffs"`
	SyncedCount int            `json:"syncedCount"`
}

// Service reconciles periodically.
type Service struct {
	source   PositionSource
	tracker  Tracker
	audit    *audit.Log
	interval time.Duration
	log      zerolog.Logger

	mu       sync.Mutex
	autoSync bool // drop closed records, resize changed ones
	adopt    bool // start protecting untracked positions
	last     *Report
}

// NewService builds a service. auditLog may be nil.
func NewService(source PositionSource, tracker Tracker, auditLog *audit.Log, interval time.Duration) *Service {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Service{
		source:   source,
		tracker:  tracker,
		audit:    auditLog,
		interval: interval,
		log:      logging.Component("reconciliation"),
		autoSync: true,
	}
}

// SetAutoSync enables or disables repairing tracked records.
func (s *Service) SetAutoSync(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoSync = enabled
	s.log.Info().Bool("enabled", enabled).Msg("Reconciliation auto-sync")
}

// SetAdopt enables protecting positions opened outside the execution core.
func (s *Service) SetAdopt(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adopt = enabled
}

// Last returns the most recent report, or nil.
func (s *Service) Last() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Start runs Reconcile every interval until ctx is done.
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				report, err := s.Reconcile(ctx)
				if errors.Is(err, errs.ErrNoActiveProfile) {
					s.log.Debug().Msg("Reconciliation skipped: vault locked")
					continue
				}
				if err != nil {
					s.log.Warn().Err(err).Msg("Reconciliation error")
					continue
				}
				s.handleReport(report)
			case <-ctx.Done():
				return
			}
		}
	}()
	s.log.Info().Dur("interval", s.interval).Msg("Reconciliation service started")
}

type venueKey struct {
	symbol string
	side   asl.Side
}

// Reconcile performs one comparison pass.
func (s *Service) Reconcile(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := &Report{Timestamp: time.Now(), Diffs: []PositionDiff{}}
	positions, err := s.source.Positions(ctx)
	if err != nil {
		return nil, err
	}

	venue := make(map[venueKey]common.Position)
	for _, p := range positions {
		if math.Abs(p.Amount) <= qtyTolerance {
			continue
		}
		venue[venueKey{symbol: p.Symbol, side: sideOf(p)}] = p
	}

	tracked := make(map[venueKey]bool)
	for _, rec := range s.tracker.Positions() {
		if rec.Market != "" && rec.Market != common.MarketFutures {
			continue
		}
		key := venueKey{symbol: rec.Symbol, side: rec.Side}
		tracked[key] = true
		p, open := venue[key]
		switch {
		case !open:
			diff := PositionDiff{ID: rec.ID, Symbol: rec.Symbol, Kind: DiffClosed, LocalQty: rec.Quantity}
			if s.autoSync {
				diff.Synced = s.tracker.Remove(rec.ID)
			}
			s.add(report, diff)
		case math.Abs(math.Abs(p.Amount)-rec.Quantity) > qtyTolerance:
			diff := PositionDiff{ID: rec.ID, Symbol: rec.Symbol, Kind: DiffQuantity, LocalQty: rec.Quantity, ExchangeQty: math.Abs(p.Amount)}
			if s.autoSync {
				pos := asl.Position{Symbol: rec.Symbol, Side: rec.Side, EntryPrice: rec.EntryPrice, Quantity: math.Abs(p.Amount), Market: rec.Market}
				if p.EntryPrice > 0 {
					pos.EntryPrice = p.EntryPrice
				}
				_, err := s.tracker.Track(pos, rec.StopLossOrderID, rec.StopLossPrice)
				diff.Synced = err == nil
			}
			s.add(report, diff)
		}
	}

	for key, p := range venue {
		if tracked[key] {
			continue
		}
		pos := asl.Position{Symbol: p.Symbol, Side: key.side, EntryPrice: p.EntryPrice, Quantity: math.Abs(p.Amount), Market: common.MarketFutures}
		diff := PositionDiff{ID: pos.ID(), Symbol: p.Symbol, Kind: DiffUnprotected, ExchangeQty: pos.Quantity}
		if s.adopt {
			// No stop id: the watchdog installs a safety stop on its next pass.
			_, err := s.tracker.Track(pos, "", 0)
			diff.Synced = err == nil
		}
		s.add(report, diff)
	}

	s.last = report
	return report, nil
}

func (s *Service) add(r *Report, d PositionDiff) {
	r.Diffs = append(r.Diffs, d)
	r.HasDiffs = true
	if d.Synced {
		r.SyncedCount++
	}
}

func sideOf(p common.Position) asl.Side {
	switch p.PositionSide {
	case "LONG":
		return asl.Long
	case "SHORT":
		return asl.Short
	}
	if p.Amount < 0 {
		return asl.Short
	}
	return asl.Long
}

func (s *Service) handleReport(report *Report) {
	if !report.HasDiffs {
		s.log.Debug().Msg("Reconciliation OK - all positions match")
		return
	}
	for _, d := range report.Diffs {
		s.log.Warn().Str("position", d.ID).Str("kind", d.Kind).Float64("local", d.LocalQty).
			Float64("exchange", d.ExchangeQty).Bool("synced", d.Synced).Msg("Reconciliation difference")
	}
	if s.audit != nil {
		s.audit.Info("reconciliation differences", map[string]any{"diffs": report.Diffs, "synced": report.SyncedCount})
	}
}
