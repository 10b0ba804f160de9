package execution

import (
	"context"
	"fmt"
	"sync"

	"execution-core/pkg/exchanges/binance/futures_usdt"
	"execution-core/pkg/exchanges/binance/spot"
	"execution-core/pkg/exchanges/common"
)

// VenueFactory builds a signed REST client for one market.
type VenueFactory func(creds common.Credentials, mkt common.MarketType) (common.Venue, error)

// clocked is implemented by REST clients that keep a venue clock offset.
type clocked interface {
	TimeSync() *common.TimeSync
}

// RESTFactory returns a factory for the venue's public REST hosts. recvWindow is in ms.
func RESTFactory(recvWindow int64) VenueFactory {
	return func(creds common.Credentials, mkt common.MarketType) (common.Venue, error) {
		testnet := creds.Environment != common.EnvLive
		switch mkt {
		case common.MarketFutures, "":
			return futures_usdt.NewClient(futures_usdt.Config{
				APIKey:     creds.APIKey,
				APISecret:  creds.APISecret,
				Testnet:    testnet,
				RecvWindow: recvWindow,
			}), nil
		case common.MarketSpot:
			return spot.NewClient(spot.Config{
				APIKey:     creds.APIKey,
				APISecret:  creds.APISecret,
				Testnet:    testnet,
				RecvWindow: recvWindow,
			}), nil
		default:
			return nil, fmt.Errorf("unsupported market: %s", mkt)
		}
	}
}

type venueKey struct {
	apiKey string
	env    common.Environment
	mkt    common.MarketType
}

// Venues caches one client per (key, environment, market). Switching profiles replaces the
// cached set so old secrets are not kept around.
type Venues struct {
	factory VenueFactory

	mu      sync.Mutex
	apiKey  string
	clients map[venueKey]common.Venue
}

func NewVenues(factory VenueFactory) *Venues {
	return &Venues{factory: factory, clients: make(map[venueKey]common.Venue)}
}

// For returns the client for creds and mkt, creating it on first use.
func (v *Venues) For(creds common.Credentials, mkt common.MarketType) (common.Venue, error) {
	if mkt == "" {
		mkt = common.MarketFutures
	}
	key := venueKey{apiKey: creds.APIKey, env: creds.Environment, mkt: mkt}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.apiKey != creds.APIKey {
		v.clients = make(map[venueKey]common.Venue)
		v.apiKey = creds.APIKey
	}
	if c, ok := v.clients[key]; ok {
		return c, nil
	}
	c, err := v.factory(creds, mkt)
	if err != nil {
		return nil, err
	}
	v.clients[key] = c
	return c, nil
}

// Reset drops every cached client.
func (v *Venues) Reset() {
	v.mu.Lock()
	v.clients = make(map[venueKey]common.Venue)
	v.apiKey = ""
	v.mu.Unlock()
}

// Sync refreshes the clock offset of every cached client that keeps one.
func (v *Venues) Sync(ctx context.Context) error {
	v.mu.Lock()
	var clocks []*common.TimeSync
	for _, c := range v.clients {
		if cc, ok := c.(clocked); ok {
			clocks = append(clocks, cc.TimeSync())
		}
	}
	v.mu.Unlock()

	for _, ts := range clocks {
		if err := ts.Sync(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Now returns venue-adjusted milliseconds from the first cached clock, or local time when none
// has synced yet.
func (v *Venues) Now() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, c := range v.clients {
		if cc, ok := c.(clocked); ok {
			return cc.TimeSync().Now()
		}
	}
	return common.NowMillis()
}
