package connection

import "execution-core/pkg/exchanges/common"

// Channel selects the market a connection serves.
type Channel string

const (
	ChannelFutures Channel = "futures"
	ChannelSpot    Channel = "spot"
)

// Endpoint returns the websocket URL for an environment, channel and mode. Trading mode uses
// the request/response API; otherwise the market/user stream endpoint.
func Endpoint(env common.Environment, ch Channel, trading bool) string {
	if trading {
		switch {
		case env != common.EnvLive:
			return "wss://testnet.binance.vision/ws-fapi/v1"
		case ch == ChannelFutures:
			return "wss://ws-fapi.binance.com/ws-fapi/v1"
		default:
			return "wss://ws-api.binance.com:443/ws-api/v3"
		}
	}
	switch {
	case env != common.EnvLive && ch == ChannelSpot:
		return "wss://testnet.binance.vision/ws"
	case env != common.EnvLive:
		return "wss://stream.binancefuture.com/ws"
	case ch == ChannelSpot:
		return "wss://stream.binance.com:9443/ws"
	default:
		return "wss://fstream.binance.com/ws"
	}
}
