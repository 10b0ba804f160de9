package metadata

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"execution-core/internal/errs"
	"execution-core/pkg/exchanges/binance/futures_usdt"
	"execution-core/pkg/exchanges/common"
	market "execution-core/pkg/market/binance"
)

// DefaultTTL is the generation lifetime.
const DefaultTTL = time.Hour

// InfoSource fetches public exchange info for one market and environment.
type InfoSource interface {
	ExchangeInfo(ctx context.Context) (*market.ExchangeInfo, error)
}

// BracketSource returns leverage brackets; it needs signed access.
type BracketSource interface {
	LeverageBrackets(ctx context.Context, symbol string) ([]futures_usdt.SymbolBrackets, error)
}

// SourceFactory builds the info source for a market and environment.
type SourceFactory func(mkt common.MarketType, env common.Environment) InfoSource

// PublicSources uses the venue's public REST endpoints.
func PublicSources(mkt common.MarketType, env common.Environment) InfoSource {
	return market.NewClient(mkt, env)
}

type genKey struct {
	env common.Environment
	mkt common.MarketType
}

type generation struct {
	fetchedAt time.Time
	bySymbol  map[string]InstrumentRules
}

type bracketGen struct {
	fetchedAt time.Time
	max       map[string]int
}

// Cache holds one rules generation per (environment, market). A refresh replaces the whole
// generation; callers never see a partially rebuilt index.
type Cache struct {
	sources SourceFactory
	ttl     time.Duration
	now     func() time.Time

	mu       sync.RWMutex
	gens     map[genKey]*generation
	brackets map[common.Environment]*bracketGen
	bsrc     map[common.Environment]BracketSource

	group singleflight.Group
}

func NewCache(sources SourceFactory, ttl time.Duration) *Cache {
	if sources == nil {
		sources = PublicSources
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		sources:  sources,
		ttl:      ttl,
		now:      time.Now,
		gens:     make(map[genKey]*generation),
		brackets: make(map[common.Environment]*bracketGen),
		bsrc:     make(map[common.Environment]BracketSource),
	}
}

// SetBracketSource installs the signed leverage-bracket source for env; nil removes it.
func (c *Cache) SetBracketSource(env common.Environment, src BracketSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if src == nil {
		delete(c.bsrc, env)
	} else {
		c.bsrc[env] = src
	}
	delete(c.brackets, env)
}

// GetInstrumentRules returns rules for symbol, refreshing the generation when it is older than
// the TTL or forceRefresh is set. Concurrent refreshes of one generation share a fetch.
func (c *Cache) GetInstrumentRules(ctx context.Context, symbol string, env common.Environment, mkt common.MarketType, forceRefresh bool) (InstrumentRules, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	key := genKey{env: env, mkt: mkt}

	gen := c.current(key)
	if gen == nil || forceRefresh {
		var err error
		gen, err = c.refresh(ctx, key)
		if err != nil {
			return InstrumentRules{}, err
		}
	}

	rules, ok := gen.bySymbol[symbol]
	if !ok {
		return InstrumentRules{}, fmt.Errorf("%w: %s", errs.ErrSymbolNotFound, symbol)
	}
	return rules, nil
}

// Symbols lists symbols of the current generation, refreshing if needed.
func (c *Cache) Symbols(ctx context.Context, env common.Environment, mkt common.MarketType) ([]string, error) {
	key := genKey{env: env, mkt: mkt}
	gen := c.current(key)
	if gen == nil {
		var err error
		if gen, err = c.refresh(ctx, key); err != nil {
			return nil, err
		}
	}
	out := make([]string, 0, len(gen.bySymbol))
	for s := range gen.bySymbol {
		out = append(out, s)
	}
	return out, nil
}

func (c *Cache) current(key genKey) *generation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	gen := c.gens[key]
	if gen == nil || c.now().Sub(gen.fetchedAt) >= c.ttl {
		return nil
	}
	return gen
}

func (c *Cache) refresh(ctx context.Context, key genKey) (*generation, error) {
	v, err, _ := c.group.Do(fmt.Sprintf("info/%s/%s", key.env, key.mkt), func() (any, error) {
		info, err := c.sources(key.mkt, key.env).ExchangeInfo(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch exchange info: %w", err)
		}
		gen := &generation{fetchedAt: c.now(), bySymbol: make(map[string]InstrumentRules, len(info.Symbols))}
		for _, s := range info.Symbols {
			gen.bySymbol[s.Symbol] = rulesFromSymbol(s, key.mkt)
		}

		c.mu.Lock()
		c.gens[key] = gen
		c.mu.Unlock()

		log.Debug().Str("environment", string(key.env)).Str("market", string(key.mkt)).
			Int("symbols", len(gen.bySymbol)).Msg("instrument rules refreshed")
		return gen, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*generation), nil
}

// GetMaxLeverage returns the highest bracket leverage for symbol, or DefaultMaxLeverage when
// brackets are unavailable.
func (c *Cache) GetMaxLeverage(ctx context.Context, symbol string, env common.Environment) int {
	symbol = strings.ToUpper(symbol)

	c.mu.RLock()
	bg := c.brackets[env]
	src := c.bsrc[env]
	c.mu.RUnlock()

	if bg == nil || c.now().Sub(bg.fetchedAt) >= c.ttl {
		if src == nil {
			return DefaultMaxLeverage
		}
		v, err, _ := c.group.Do("brackets/"+string(env), func() (any, error) {
			all, err := src.LeverageBrackets(ctx, "")
			if err != nil {
				return nil, err
			}
			next := &bracketGen{fetchedAt: c.now(), max: make(map[string]int, len(all))}
			for _, sb := range all {
				next.max[sb.Symbol] = sb.MaxLeverage()
			}
			c.mu.Lock()
			c.brackets[env] = next
			c.mu.Unlock()
			return next, nil
		})
		if err != nil {
			log.Warn().Err(err).Str("environment", string(env)).Msg("leverage brackets unavailable")
			return DefaultMaxLeverage
		}
		bg = v.(*bracketGen)
	}

	if lev, ok := bg.max[symbol]; ok && lev > 0 {
		return lev
	}
	return DefaultMaxLeverage
}
