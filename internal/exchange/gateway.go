package exchange

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MinNotional is the smallest quote amount the gateway will send in a
// market buy. Requests below it are bumped up, matching exchange spot
// minimums.
const MinNotional = 6.0

const (
	fallbackPricePrecision = 4
	fallbackQtyPrecision   = 6
	defaultRetryAfter      = time.Second
)

// PriceSource is an optional low-latency price cache (the websocket
// feed). The gateway consults it before hitting the REST ticker.
type PriceSource interface {
	LastPrice(symbol string) (float64, bool)
}

// Gateway wraps one adapter with retry, precision snapping, and the
// normalization the trade loop relies on. One gateway per pair worker.
type Gateway struct {
	adapter Adapter
	feed    PriceSource
	log     *zap.Logger

	mu    sync.Mutex
	rules map[string]PairRules

	sleep func(ctx context.Context, d time.Duration) error
}

func NewGateway(adapter Adapter, feed PriceSource, log *zap.Logger) *Gateway {
	return &Gateway{
		adapter: adapter,
		feed:    feed,
		log:     log,
		rules:   make(map[string]PairRules),
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// call runs fn, retrying exactly once after a rate-limit response using
// the server-advised backoff.
func (g *Gateway) call(ctx context.Context, fn func() error) error {
	err := fn()
	var rl *RateLimitError
	if !errors.As(err, &rl) {
		return err
	}
	wait := rl.RetryAfter
	if wait <= 0 {
		wait = defaultRetryAfter
	}
	g.log.Warn("rate limited, backing off", zap.Duration("wait", wait))
	if err := g.sleep(ctx, wait); err != nil {
		return err
	}
	return fn()
}

func (g *Gateway) Exchange() string { return g.adapter.Name() }

// GetPrice returns the last traded price, preferring the feed cache.
func (g *Gateway) GetPrice(ctx context.Context, symbol string) (float64, error) {
	if g.feed != nil {
		if px, ok := g.feed.LastPrice(symbol); ok && px > 0 {
			return px, nil
		}
	}
	var px float64
	err := g.call(ctx, func() error {
		var err error
		px, err = g.adapter.LastPrice(ctx, symbol)
		return err
	})
	if err != nil {
		return 0, err
	}
	if px <= 0 {
		return 0, errors.New("exchange returned non-positive price")
	}
	return px, nil
}

func (g *Gateway) GetBalance(ctx context.Context, currency string) (float64, error) {
	var bal float64
	err := g.call(ctx, func() error {
		var err error
		bal, err = g.adapter.Balance(ctx, currency)
		return err
	})
	return bal, err
}

func (g *Gateway) pairRules(ctx context.Context, symbol string) PairRules {
	g.mu.Lock()
	if r, ok := g.rules[symbol]; ok {
		g.mu.Unlock()
		return r
	}
	g.mu.Unlock()
	var r PairRules
	err := g.call(ctx, func() error {
		var err error
		r, err = g.adapter.Rules(ctx, symbol)
		return err
	})
	if err != nil {
		g.log.Warn("pair rules unavailable, using fixed precision",
			zap.String("symbol", symbol), zap.Error(err))
		return PairRules{}
	}
	g.mu.Lock()
	g.rules[symbol] = r
	g.mu.Unlock()
	return r
}

func (g *Gateway) snapPrice(rules PairRules, price float64) float64 {
	prec := rules.PricePrecision
	if prec <= 0 {
		prec = fallbackPricePrecision
	}
	return roundTo(price, prec)
}

func (g *Gateway) snapQty(rules PairRules, qty float64) float64 {
	prec := rules.QtyPrecision
	if prec <= 0 {
		prec = fallbackQtyPrecision
	}
	return roundDown(qty, prec)
}

func roundTo(v float64, decimals int) float64 {
	pow := math.Pow10(decimals)
	return math.Round(v*pow) / pow
}

func roundDown(v float64, decimals int) float64 {
	pow := math.Pow10(decimals)
	return math.Floor(v*pow) / pow
}

// MarketBuy spends quoteAmount of the quote currency at market. The
// quote balance is verified first; exchanges without quote-denominated
// buys get a base quantity computed from the last price and rounded
// down so the order never exceeds the requested notional.
func (g *Gateway) MarketBuy(ctx context.Context, symbol string, quoteAmount float64) (MarketBuyResult, error) {
	if quoteAmount < MinNotional {
		quoteAmount = MinNotional
	}
	quote := quoteCurrency(symbol)

	bal, err := g.GetBalance(ctx, quote)
	if err != nil {
		return MarketBuyResult{}, err
	}
	if bal < quoteAmount {
		return MarketBuyResult{}, &InsufficientFundsError{
			Symbol:    symbol,
			Required:  quoteAmount,
			Available: bal,
		}
	}

	rules := g.pairRules(ctx, symbol)
	if rules.MinNotional > 0 && quoteAmount < rules.MinNotional {
		return MarketBuyResult{}, &ConfigError{
			Reason: "notional below exchange minimum for " + symbol,
		}
	}

	lastPx, priceErr := g.GetPrice(ctx, symbol)

	var res MarketBuyResult
	if g.adapter.SupportsQuoteBuy() {
		notional := roundDown(quoteAmount, maxInt(rules.PricePrecision, 2))
		err = g.call(ctx, func() error {
			var err error
			res, err = g.adapter.MarketBuyQuote(ctx, symbol, notional)
			return err
		})
	} else {
		if priceErr != nil {
			return MarketBuyResult{}, priceErr
		}
		qty := g.snapQty(rules, quoteAmount/lastPx)
		if qty <= 0 {
			return MarketBuyResult{}, errors.New("computed market buy quantity is zero")
		}
		err = g.call(ctx, func() error {
			var err error
			res, err = g.adapter.MarketBuyBase(ctx, symbol, qty)
			return err
		})
	}
	if err != nil {
		return MarketBuyResult{}, err
	}
	if res.OrderID == "" {
		return MarketBuyResult{}, errors.New("market buy returned no order id")
	}

	// Normalize sparse fill reports the way the response allows.
	if res.Filled == 0 && res.Cost > 0 && res.AvgPrice > 0 {
		res.Filled = res.Cost / res.AvgPrice
	}
	if res.AvgPrice <= 0 && priceErr == nil {
		res.AvgPrice = lastPx
	}
	if res.Filled == 0 && res.AvgPrice > 0 {
		res.Filled = quoteAmount / res.AvgPrice
	}
	if res.Cost <= 0 {
		res.Cost = quoteAmount
	}
	g.log.Info("market buy placed",
		zap.String("symbol", symbol),
		zap.String("order_id", res.OrderID),
		zap.Float64("filled", res.Filled),
		zap.Float64("avg_price", res.AvgPrice),
		zap.Float64("cost", res.Cost))
	return res, nil
}

// PlaceLimitOrder snaps price and quantity to exchange precision before
// sending. Quantity is rounded down so a sell never exceeds position.
func (g *Gateway) PlaceLimitOrder(ctx context.Context, symbol string, side Side, price, qty float64) (LimitOrderResult, error) {
	if side != SideBuy && side != SideSell {
		return LimitOrderResult{}, &ConfigError{Reason: "invalid order side: " + string(side)}
	}
	rules := g.pairRules(ctx, symbol)
	price = g.snapPrice(rules, price)
	qty = g.snapQty(rules, qty)
	if price <= 0 || qty <= 0 {
		return LimitOrderResult{}, errors.New("limit order price/qty rounded to zero")
	}
	var res LimitOrderResult
	err := g.call(ctx, func() error {
		var err error
		res, err = g.adapter.PlaceLimitOrder(ctx, symbol, side, price, qty)
		return err
	})
	if err != nil {
		return LimitOrderResult{}, err
	}
	if res.OrderID == "" {
		return LimitOrderResult{}, errors.New("limit order returned no order id")
	}
	if res.Price == 0 {
		res.Price = price
	}
	if res.Qty == 0 {
		res.Qty = qty
	}
	g.log.Info("limit order placed",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.String("order_id", res.OrderID),
		zap.Float64("price", res.Price),
		zap.Float64("qty", res.Qty))
	return res, nil
}

func (g *Gateway) CancelOrder(ctx context.Context, orderID, symbol string) error {
	return g.call(ctx, func() error {
		return g.adapter.CancelOrder(ctx, orderID, symbol)
	})
}

// CancelAllOrders cancels every open order for the symbol, best effort.
// Individual failures are logged and skipped.
func (g *Gateway) CancelAllOrders(ctx context.Context, symbol string) error {
	var ids []string
	err := g.call(ctx, func() error {
		var err error
		ids, err = g.adapter.OpenOrderIDs(ctx, symbol)
		return err
	})
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := g.CancelOrder(ctx, id, symbol); err != nil {
			g.log.Warn("cancel failed",
				zap.String("symbol", symbol),
				zap.String("order_id", id),
				zap.Error(err))
		}
	}
	return nil
}

// CheckOrderStatus maps the exchange response onto the normalized
// lifecycle. On any error the order is reported unknown so the caller
// keeps it live rather than acting on a guess.
func (g *Gateway) CheckOrderStatus(ctx context.Context, orderID, symbol string) (OrderState, error) {
	var st OrderState
	err := g.call(ctx, func() error {
		var err error
		st, err = g.adapter.OrderStatus(ctx, orderID, symbol)
		return err
	})
	if err != nil {
		var nf *NotFoundError
		if errors.As(err, &nf) {
			return OrderState{Status: StatusNotFound}, nil
		}
		return OrderState{Status: StatusUnknown}, err
	}
	switch st.Status {
	case StatusOpen, StatusClosed, StatusCanceled, StatusNotFound:
		return st, nil
	}
	st.Status = StatusUnknown
	return st, nil
}

func quoteCurrency(symbol string) string {
	for i := 0; i < len(symbol); i++ {
		if symbol[i] == '/' {
			return symbol[i+1:]
		}
	}
	return symbol
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
