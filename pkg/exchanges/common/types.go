package common

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType denotes basic order types. The core submits MARKET orders
// with IOC semantics; the rest exist for gateway completeness.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// TimeInForce captures TIF semantics.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC" // Good Till Cancelled
	TIFIOC TimeInForce = "IOC" // Immediate Or Cancel
	TIFFOK TimeInForce = "FOK" // Fill Or Kill
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// OrderRequest captures an order intent to be sent to an exchange.
type OrderRequest struct {
	Symbol      string
	Side        Side
	Type        OrderType
	Qty         float64
	Price       float64 // required for LIMIT
	TimeInForce TimeInForce
	ClientID    string // client order id, the core uses the signal UUID
	ReduceOnly  bool
	Leverage    int // optional
}

// OrderResult returns the exchange ack.
type OrderResult struct {
	ExchangeOrderID string
	Status          OrderStatus
	ClientID        string
}

// FillSummary is the polled execution state of one order.
type FillSummary struct {
	ExchangeOrderID string
	Status          OrderStatus
	RequestedQty    float64
	FilledQty       float64
	AvgFillPrice    float64
	Fee             float64
}

// FillRatio reports filled/requested, clamped to [0, 1].
func (f FillSummary) FillRatio() float64 {
	if f.RequestedQty <= 0 {
		return 0
	}
	r := f.FilledQty / f.RequestedQty
	if r < 0 {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}

// Fill represents one asynchronous execution update from the stream.
type Fill struct {
	ExchangeOrderID string
	ClientID        string
	TradeID         string
	Symbol          string
	Side            Side
	Qty             float64
	Price           float64
	Fee             float64
	ReduceOnly      bool
}

// ExchangePosition is the venue's view of one open position.
type ExchangePosition struct {
	Symbol     string
	Direction  string // long / short
	SizeBase   float64
	EntryPrice float64
}
