package common

import "context"

// Venue abstracts the signed trading operations of one market on one environment.
type Venue interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelReplace(ctx context.Context, req CancelReplaceRequest) (OrderResult, error)
	Positions(ctx context.Context) ([]Position, error)
	OpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)
}
