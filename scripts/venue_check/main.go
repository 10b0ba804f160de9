package main

// venue_check/main.go
//
// Read-only smoke test of the futures REST surface the execution core relies on: server time,
// instrument rules, positions, open orders and leverage brackets. No orders are placed.
//
//   CHECK_API_KEY / CHECK_API_SECRET   signed calls are skipped when empty
//   CHECK_ENV                          testnet (default) or mainnet
//   CHECK_SYMBOL                       default BTCUSDT
//
//   go run ./scripts/venue_check

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"execution-core/internal/metadata"
	"execution-core/pkg/config"
	"execution-core/pkg/exchanges/binance/futures_usdt"
	"execution-core/pkg/exchanges/common"
	"execution-core/pkg/logging"
	market "execution-core/pkg/market/binance"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load error")
	}
	logging.Setup(cfg.LogLevel, true)

	env, ok := common.ParseEnvironment(getenv("CHECK_ENV", "testnet"))
	if !ok {
		log.Fatal().Str("value", os.Getenv("CHECK_ENV")).Msg("CHECK_ENV must be testnet or mainnet")
	}
	symbol := getenv("CHECK_SYMBOL", "BTCUSDT")
	log.Info().Str("environment", string(env)).Str("symbol", symbol).Msg("=== Venue check starting ===")

	checkPublic(env, symbol, cfg.MetadataTTL)

	key, secret := os.Getenv("CHECK_API_KEY"), os.Getenv("CHECK_API_SECRET")
	if key == "" || secret == "" {
		log.Info().Msg("CHECK_API_KEY/SECRET empty, skipping signed checks")
	} else {
		checkSigned(futures_usdt.NewClient(futures_usdt.Config{
			APIKey:     key,
			APISecret:  secret,
			Testnet:    env != common.EnvLive,
			RecvWindow: common.DefaultRecvWindow,
		}), symbol)
	}

	log.Info().Msg("=== Venue check finished ===")
}

func checkPublic(env common.Environment, symbol string, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	serverTime, err := market.NewClient(common.MarketFutures, env).ServerTime(ctx)
	if err != nil {
		log.Error().Err(err).Msg("server time")
	} else {
		log.Info().Int64("offset_ms", serverTime-time.Now().UnixMilli()).Msg("server time")
	}

	meta := metadata.NewCache(metadata.PublicSources, ttl)
	symbols, err := meta.Symbols(ctx, env, common.MarketFutures)
	if err != nil {
		log.Error().Err(err).Msg("exchange info")
		return
	}
	log.Info().Int("symbols", len(symbols)).Msg("exchange info")

	rules, err := meta.GetInstrumentRules(ctx, symbol, env, common.MarketFutures, false)
	if err != nil {
		log.Error().Err(err).Msg("instrument rules")
		return
	}
	log.Info().
		Str("status", rules.Status).
		Str("tick", rules.TickSize.String()).
		Str("lot", rules.LotSize.String()).
		Str("min_notional", rules.MinNotional.String()).
		Msg("instrument rules")
}

func checkSigned(c *futures_usdt.Client, symbol string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	positions, err := c.Positions(ctx)
	if err != nil {
		log.Error().Err(err).Msg("positions")
	} else {
		open := 0
		for _, p := range positions {
			if p.Amount != 0 {
				open++
				log.Info().Str("symbol", p.Symbol).Float64("amount", p.Amount).Float64("entry", p.EntryPrice).Msg("open position")
			}
		}
		log.Info().Int("open", open).Msg("positions")
	}

	orders, err := c.OpenOrders(ctx, symbol)
	if err != nil {
		log.Error().Err(err).Msg("open orders")
	} else {
		log.Info().Int("count", len(orders)).Msg("open orders")
	}

	brackets, err := c.LeverageBrackets(ctx, symbol)
	if err != nil {
		log.Error().Err(err).Msg("leverage brackets")
	} else {
		for _, b := range brackets {
			log.Info().Str("symbol", b.Symbol).Int("max_leverage", b.MaxLeverage()).Msg("leverage brackets")
		}
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
