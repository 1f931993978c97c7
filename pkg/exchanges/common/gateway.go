package common

import (
	"context"
	"time"
)

// Gateway abstracts the perpetual-futures venue. The core never talks
// to an exchange directly; every implementation is expected to be safe
// for concurrent use.
type Gateway interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error
	GetOrderStatus(ctx context.Context, symbol, exchangeOrderID string) (FillSummary, error)
	GetOpenPositions(ctx context.Context) ([]ExchangePosition, error)
	GetFundingRate(ctx context.Context, symbol string) (FundingRate, error)
}

// FillStreamer is implemented by gateways that push asynchronous fill
// notifications (private user stream). The channel closes when the
// stream shuts down.
type FillStreamer interface {
	Fills() <-chan Fill
}

// FundingRate is the next funding event for a symbol.
type FundingRate struct {
	Symbol        string
	Rate          float64 // signed, per funding interval
	NextFundingAt time.Time
}
