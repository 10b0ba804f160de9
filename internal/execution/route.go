package execution

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"execution-core/internal/connection"
	"execution-core/pkg/exchanges/common"
)

// Path names the transport an order took.
type Path string

const (
	PathProxy Path = "proxy"
	PathWS    Path = "ws"
	PathREST  Path = "rest"
)

// Conn is the persistent venue session. *connection.Manager implements it.
type Conn interface {
	Connect(ctx context.Context, creds common.Credentials, ch connection.Channel, trading bool) error
	Disconnect()
	Status() connection.Status
	PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelReplace(ctx context.Context, req common.CancelReplaceRequest) (common.OrderResult, error)
}

func channelFor(mkt common.MarketType) connection.Channel {
	if mkt == common.MarketSpot {
		return connection.ChannelSpot
	}
	return connection.ChannelFutures
}

// router sends signed calls over the trading session when it can and over REST otherwise.
type router struct {
	conn   Conn
	venues *Venues
}

func (r *router) wsUsable(creds common.Credentials, mkt common.MarketType) bool {
	if r.conn == nil {
		return false
	}
	st := r.conn.Status()
	return st.State == connection.StateConnected && st.Trading &&
		st.Channel == channelFor(mkt) && st.Environment == creds.Environment
}

// fallbackToREST reports whether a session failure may be retried over REST. Only requests that
// never left the process qualify; anything sent may already have been acted on.
func fallbackToREST(err error) bool {
	return err != nil && errors.Is(err, connection.ErrNotSent)
}

func (r *router) place(ctx context.Context, creds common.Credentials, req common.OrderRequest) (common.OrderResult, Path, error) {
	if r.wsUsable(creds, req.Market) {
		res, err := r.conn.PlaceOrder(ctx, req)
		if !fallbackToREST(err) {
			return res, PathWS, err
		}
		log.Warn().Err(err).Str("symbol", req.Symbol).Msg("session order failed, falling back to REST")
	}
	v, err := r.venues.For(creds, req.Market)
	if err != nil {
		return common.OrderResult{}, PathREST, err
	}
	res, err := v.PlaceOrder(ctx, req)
	return res, PathREST, err
}

func (r *router) cancel(ctx context.Context, creds common.Credentials, mkt common.MarketType, symbol, orderID string) (Path, error) {
	if r.wsUsable(creds, mkt) {
		err := r.conn.CancelOrder(ctx, symbol, orderID)
		if !fallbackToREST(err) {
			return PathWS, err
		}
		log.Warn().Err(err).Str("symbol", symbol).Msg("session cancel failed, falling back to REST")
	}
	v, err := r.venues.For(creds, mkt)
	if err != nil {
		return PathREST, err
	}
	return PathREST, v.CancelOrder(ctx, symbol, orderID)
}

func (r *router) cancelReplace(ctx context.Context, creds common.Credentials, req common.CancelReplaceRequest) (common.OrderResult, Path, error) {
	if r.wsUsable(creds, req.New.Market) {
		res, err := r.conn.CancelReplace(ctx, req)
		if !fallbackToREST(err) {
			return res, PathWS, err
		}
		log.Warn().Err(err).Str("symbol", req.Symbol).Msg("session cancel-replace failed, falling back to REST")
	}
	v, err := r.venues.For(creds, req.New.Market)
	if err != nil {
		return common.OrderResult{}, PathREST, err
	}
	res, err := v.CancelReplace(ctx, req)
	return res, PathREST, err
}
