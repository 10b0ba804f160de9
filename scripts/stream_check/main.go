package main

// stream_check/main.go
//
// Opens the public futures market-data session, subscribes to mark prices and logs every bus
// event until interrupted or CHECK_DURATION elapses. Useful to watch reconnect behaviour.
//
//   CHECK_ENV        testnet (default) or mainnet
//   CHECK_SYMBOLS    default BTCUSDT,ETHUSDT
//   CHECK_DURATION   default 1m
//
//   go run ./scripts/stream_check

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"execution-core/internal/connection"
	"execution-core/internal/events"
	"execution-core/pkg/exchanges/common"
	"execution-core/pkg/logging"
)

func main() {
	logging.Setup(getenv("LOG_LEVEL", "debug"), true)

	env, ok := common.ParseEnvironment(getenv("CHECK_ENV", "testnet"))
	if !ok {
		log.Fatal().Str("value", os.Getenv("CHECK_ENV")).Msg("CHECK_ENV must be testnet or mainnet")
	}
	duration, err := time.ParseDuration(getenv("CHECK_DURATION", "1m"))
	if err != nil {
		log.Fatal().Err(err).Msg("CHECK_DURATION")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	bus := events.NewBus()
	counts := make(map[events.Kind]int)
	stream, unsub := bus.Stream(1024)
	defer unsub()

	mgr := connection.NewManager(bus, connection.Config{})
	if err := mgr.Connect(ctx, common.Credentials{Environment: env}, connection.ChannelFutures, false); err != nil {
		log.Fatal().Err(err).Msg("connect")
	}
	defer mgr.Disconnect()

	var streams []string
	for _, s := range strings.Split(getenv("CHECK_SYMBOLS", "BTCUSDT,ETHUSDT"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			streams = append(streams, connection.MarkPriceStream(s))
		}
	}
	if err := mgr.Subscribe(streams...); err != nil {
		log.Warn().Err(err).Strs("streams", streams).Msg("subscribe")
	}
	log.Info().Str("url", mgr.Status().URL).Dur("duration", duration).Msg("=== Stream check running ===")

	for {
		select {
		case <-ctx.Done():
			if err := mgr.Unsubscribe(streams...); err != nil {
				log.Debug().Err(err).Msg("unsubscribe")
			}
			log.Info().Interface("events", counts).Msg("=== Stream check finished ===")
			return
		case evt := <-stream:
			counts[evt.Kind]++
			switch p := evt.Payload.(type) {
			case events.MarkPrice:
				log.Debug().Str("symbol", p.Symbol).Float64("price", p.Price).Msg("mark price")
			default:
				log.Info().Str("kind", string(evt.Kind)).Interface("payload", p).Msg("event")
			}
		}
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
