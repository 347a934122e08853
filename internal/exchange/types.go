package exchange

import "context"

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderStatus is the normalized lifecycle state of an exchange order.
// Anything the adapter cannot map cleanly becomes StatusUnknown and the
// caller treats the order as still live.
type OrderStatus string

const (
	StatusOpen     OrderStatus = "open"
	StatusClosed   OrderStatus = "closed"
	StatusCanceled OrderStatus = "canceled"
	StatusNotFound OrderStatus = "not_found"
	StatusUnknown  OrderStatus = "unknown"
)

type MarketBuyResult struct {
	OrderID  string
	AvgPrice float64
	Filled   float64
	Cost     float64
}

type LimitOrderResult struct {
	OrderID string
	Price   float64
	Qty     float64
	Status  OrderStatus
}

type OrderState struct {
	Status    OrderStatus
	Filled    float64
	Remaining float64
}

// PairRules holds per-symbol precision and minimums reported by the
// exchange. Zero precisions mean the exchange gave nothing usable and
// the gateway falls back to fixed decimals.
type PairRules struct {
	PricePrecision int
	QtyPrecision   int
	MinNotional    float64
}

// Adapter is one exchange binding. Implementations return the typed
// errors from this package where they can classify a failure; anything
// else is treated as transient by the gateway.
type Adapter interface {
	Name() string
	LastPrice(ctx context.Context, symbol string) (float64, error)
	Balance(ctx context.Context, currency string) (float64, error)
	Rules(ctx context.Context, symbol string) (PairRules, error)
	// SupportsQuoteBuy reports whether MarketBuyQuote is usable; when
	// false the gateway computes a base quantity itself.
	SupportsQuoteBuy() bool
	MarketBuyQuote(ctx context.Context, symbol string, quoteAmount float64) (MarketBuyResult, error)
	MarketBuyBase(ctx context.Context, symbol string, qty float64) (MarketBuyResult, error)
	PlaceLimitOrder(ctx context.Context, symbol string, side Side, price, qty float64) (LimitOrderResult, error)
	CancelOrder(ctx context.Context, orderID, symbol string) error
	OrderStatus(ctx context.Context, orderID, symbol string) (OrderState, error)
	OpenOrderIDs(ctx context.Context, symbol string) ([]string, error)
}
