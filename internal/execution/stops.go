package execution

import (
	"context"
	"errors"

	"execution-core/internal/asl"
	"execution-core/internal/metadata"
	"execution-core/pkg/exchanges/common"
)

// Sessions hands out the unlocked credentials of the active profile.
type Sessions interface {
	Session() (common.Credentials, error)
}

// StopPlacer installs and ratchets protective stops for the trailing engine.
type StopPlacer struct {
	sessions  Sessions
	validator *metadata.Validator
	route     *router
}

var _ asl.StopReplacer = (*StopPlacer)(nil)

func NewStopPlacer(sessions Sessions, validator *metadata.Validator, conn Conn, venues *Venues) (*StopPlacer, error) {
	if sessions == nil || validator == nil || venues == nil {
		return nil, errors.New("execution: stop placer needs sessions, validator and venues")
	}
	return &StopPlacer{sessions: sessions, validator: validator, route: &router{conn: conn, venues: venues}}, nil
}

// stopOrder is the protective order for a position: a reduce-only STOP_MARKET on futures, a
// STOP_LOSS on spot.
func stopOrder(symbol string, mkt common.MarketType, side common.Side, stop, qty float64) common.OrderRequest {
	req := common.OrderRequest{
		Symbol:    symbol,
		Side:      side,
		Type:      common.OrderTypeStopMarket,
		Qty:       qty,
		StopPrice: stop,
		Market:    mkt,
	}
	if mkt == common.MarketSpot {
		req.Type = common.OrderTypeStopLoss
	} else {
		req.ReduceOnly = true
		req.WorkingType = "MARK_PRICE"
	}
	return req
}

// ReplaceStop rounds the stop onto the tick grid and either places it or swaps it for
// CancelOrderID in one venue operation.
func (s *StopPlacer) ReplaceStop(ctx context.Context, req asl.StopRequest) (asl.StopAck, error) {
	creds, err := s.sessions.Session()
	if err != nil {
		return asl.StopAck{}, err
	}
	if req.Market == "" {
		req.Market = common.MarketFutures
	}
	stop, err := s.validator.RoundStopPrice(ctx, req.Symbol, creds.Environment, req.Market, req.StopPrice)
	if err != nil {
		return asl.StopAck{}, err
	}
	order := stopOrder(req.Symbol, req.Market, req.Side, stop, req.Quantity)

	var res common.OrderResult
	if req.CancelOrderID == "" {
		res, _, err = s.route.place(ctx, creds, order)
	} else {
		res, _, err = s.route.cancelReplace(ctx, creds, common.CancelReplaceRequest{
			Symbol:        req.Symbol,
			CancelOrderID: req.CancelOrderID,
			New:           order,
		})
	}
	if err != nil {
		return asl.StopAck{}, err
	}
	return asl.StopAck{OrderID: res.OrderID, StopPrice: stop}, nil
}
