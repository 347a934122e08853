package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeAdapter struct {
	name     string
	quoteBuy bool

	price   float64
	balance float64
	rules   PairRules

	limitErrs  []error
	limitCalls int
	lastPrice  float64
	lastQty    float64

	marketQuoteCalls int
	marketBaseCalls  int
	lastNotional     float64
	lastBaseQty      float64

	statusErr error
	status    OrderState

	openIDs    []string
	canceled   []string
	cancelErr  error
	priceCalls int
}

func (f *fakeAdapter) Name() string           { return f.name }
func (f *fakeAdapter) SupportsQuoteBuy() bool { return f.quoteBuy }

func (f *fakeAdapter) LastPrice(ctx context.Context, symbol string) (float64, error) {
	f.priceCalls++
	return f.price, nil
}

func (f *fakeAdapter) Balance(ctx context.Context, currency string) (float64, error) {
	return f.balance, nil
}

func (f *fakeAdapter) Rules(ctx context.Context, symbol string) (PairRules, error) {
	return f.rules, nil
}

func (f *fakeAdapter) MarketBuyQuote(ctx context.Context, symbol string, quoteAmount float64) (MarketBuyResult, error) {
	f.marketQuoteCalls++
	f.lastNotional = quoteAmount
	return MarketBuyResult{OrderID: "m1", AvgPrice: f.price, Filled: quoteAmount / f.price, Cost: quoteAmount}, nil
}

func (f *fakeAdapter) MarketBuyBase(ctx context.Context, symbol string, qty float64) (MarketBuyResult, error) {
	f.marketBaseCalls++
	f.lastBaseQty = qty
	return MarketBuyResult{OrderID: "m2", AvgPrice: f.price, Filled: qty, Cost: qty * f.price}, nil
}

func (f *fakeAdapter) PlaceLimitOrder(ctx context.Context, symbol string, side Side, price, qty float64) (LimitOrderResult, error) {
	f.limitCalls++
	f.lastPrice = price
	f.lastQty = qty
	if len(f.limitErrs) > 0 {
		err := f.limitErrs[0]
		f.limitErrs = f.limitErrs[1:]
		if err != nil {
			return LimitOrderResult{}, err
		}
	}
	return LimitOrderResult{OrderID: "l1", Price: price, Qty: qty, Status: StatusOpen}, nil
}

func (f *fakeAdapter) CancelOrder(ctx context.Context, orderID, symbol string) error {
	f.canceled = append(f.canceled, orderID)
	return f.cancelErr
}

func (f *fakeAdapter) OrderStatus(ctx context.Context, orderID, symbol string) (OrderState, error) {
	if f.statusErr != nil {
		return OrderState{}, f.statusErr
	}
	return f.status, nil
}

func (f *fakeAdapter) OpenOrderIDs(ctx context.Context, symbol string) ([]string, error) {
	return f.openIDs, nil
}

func newTestGateway(a Adapter) *Gateway {
	gw := NewGateway(a, nil, zap.NewNop())
	gw.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return gw
}

func TestRateLimitRetriesOnce(t *testing.T) {
	fake := &fakeAdapter{
		name:    "binance",
		price:   100,
		balance: 1000,
		limitErrs: []error{
			&RateLimitError{RetryAfter: 50 * time.Millisecond},
		},
	}
	gw := newTestGateway(fake)
	res, err := gw.PlaceLimitOrder(context.Background(), "SOL/USDC", SideBuy, 99, 0.5)
	if err != nil {
		t.Fatalf("PlaceLimitOrder: %v", err)
	}
	if res.OrderID != "l1" {
		t.Fatalf("unexpected order id %q", res.OrderID)
	}
	if fake.limitCalls != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", fake.limitCalls)
	}
}

func TestRateLimitGivesUpAfterSecondFailure(t *testing.T) {
	fake := &fakeAdapter{
		name: "binance",
		limitErrs: []error{
			&RateLimitError{},
			&RateLimitError{},
		},
	}
	gw := newTestGateway(fake)
	_, err := gw.PlaceLimitOrder(context.Background(), "SOL/USDC", SideBuy, 99, 0.5)
	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if fake.limitCalls != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", fake.limitCalls)
	}
}

func TestMarketBuyInsufficientFunds(t *testing.T) {
	fake := &fakeAdapter{name: "binance", quoteBuy: true, price: 100, balance: 5}
	gw := newTestGateway(fake)
	_, err := gw.MarketBuy(context.Background(), "SOL/USDC", 50)
	var ife *InsufficientFundsError
	if !errors.As(err, &ife) {
		t.Fatalf("expected InsufficientFundsError, got %v", err)
	}
	if ife.Required != 50 || ife.Available != 5 {
		t.Fatalf("unexpected amounts: required %.2f available %.2f", ife.Required, ife.Available)
	}
	if fake.marketQuoteCalls != 0 {
		t.Fatalf("no order should have been sent")
	}
}

func TestMarketBuyEnforcesMinNotional(t *testing.T) {
	fake := &fakeAdapter{name: "binance", quoteBuy: true, price: 100, balance: 1000}
	gw := newTestGateway(fake)
	if _, err := gw.MarketBuy(context.Background(), "SOL/USDC", 1); err != nil {
		t.Fatalf("MarketBuy: %v", err)
	}
	if fake.lastNotional != MinNotional {
		t.Fatalf("expected notional bumped to %.1f, got %.4f", MinNotional, fake.lastNotional)
	}
}

func TestMarketBuyBaseQtyFallback(t *testing.T) {
	fake := &fakeAdapter{
		name:    "bitmart",
		price:   40,
		balance: 1000,
		rules:   PairRules{QtyPrecision: 3},
	}
	gw := newTestGateway(fake)
	res, err := gw.MarketBuy(context.Background(), "SOL/USDC", 100)
	if err != nil {
		t.Fatalf("MarketBuy: %v", err)
	}
	if fake.marketBaseCalls != 1 {
		t.Fatalf("expected base-qty order, got %d quote calls", fake.marketQuoteCalls)
	}
	// 100/40 = 2.5, rounded down to 3 decimals.
	if fake.lastBaseQty != 2.5 {
		t.Fatalf("unexpected base qty %.6f", fake.lastBaseQty)
	}
	if res.AvgPrice != 40 {
		t.Fatalf("unexpected avg price %.2f", res.AvgPrice)
	}
}

func TestLimitOrderPrecisionFallback(t *testing.T) {
	fake := &fakeAdapter{name: "binance", price: 100, balance: 1000}
	gw := newTestGateway(fake)
	if _, err := gw.PlaceLimitOrder(context.Background(), "SOL/USDC", SideSell, 101.123456, 0.123456789); err != nil {
		t.Fatalf("PlaceLimitOrder: %v", err)
	}
	if fake.lastPrice != 101.1235 {
		t.Fatalf("price not snapped to 4 decimals: %.8f", fake.lastPrice)
	}
	if fake.lastQty != 0.123456 {
		t.Fatalf("qty not floored to 6 decimals: %.9f", fake.lastQty)
	}
}

func TestLimitOrderUsesExchangeRules(t *testing.T) {
	fake := &fakeAdapter{
		name:  "binance",
		rules: PairRules{PricePrecision: 2, QtyPrecision: 1},
	}
	gw := newTestGateway(fake)
	if _, err := gw.PlaceLimitOrder(context.Background(), "SOL/USDC", SideBuy, 99.12777, 0.59); err != nil {
		t.Fatalf("PlaceLimitOrder: %v", err)
	}
	if fake.lastPrice != 99.13 {
		t.Fatalf("price not snapped to rules: %.6f", fake.lastPrice)
	}
	if fake.lastQty != 0.5 {
		t.Fatalf("qty not floored to rules: %.6f", fake.lastQty)
	}
}

func TestCheckOrderStatusFailsClosed(t *testing.T) {
	fake := &fakeAdapter{name: "binance", statusErr: errors.New("boom")}
	gw := newTestGateway(fake)
	st, err := gw.CheckOrderStatus(context.Background(), "42", "SOL/USDC")
	if err == nil {
		t.Fatalf("expected error")
	}
	if st.Status != StatusUnknown {
		t.Fatalf("expected unknown status, got %s", st.Status)
	}
}

func TestCheckOrderStatusNotFound(t *testing.T) {
	fake := &fakeAdapter{name: "binance", statusErr: &NotFoundError{OrderID: "42"}}
	gw := newTestGateway(fake)
	st, err := gw.CheckOrderStatus(context.Background(), "42", "SOL/USDC")
	if err != nil {
		t.Fatalf("not_found should not be an error: %v", err)
	}
	if st.Status != StatusNotFound {
		t.Fatalf("expected not_found, got %s", st.Status)
	}
}

func TestCancelAllOrdersBestEffort(t *testing.T) {
	fake := &fakeAdapter{
		name:      "binance",
		openIDs:   []string{"1", "2", "3"},
		cancelErr: errors.New("gone"),
	}
	gw := newTestGateway(fake)
	if err := gw.CancelAllOrders(context.Background(), "SOL/USDC"); err != nil {
		t.Fatalf("CancelAllOrders: %v", err)
	}
	if len(fake.canceled) != 3 {
		t.Fatalf("expected 3 cancel attempts, got %d", len(fake.canceled))
	}
}

type staticFeed struct{ px float64 }

func (s staticFeed) LastPrice(symbol string) (float64, bool) { return s.px, s.px > 0 }

func TestGetPricePrefersFeed(t *testing.T) {
	fake := &fakeAdapter{name: "binance", price: 99}
	gw := NewGateway(fake, staticFeed{px: 101}, zap.NewNop())
	px, err := gw.GetPrice(context.Background(), "SOL/USDC")
	if err != nil {
		t.Fatalf("GetPrice: %v", err)
	}
	if px != 101 {
		t.Fatalf("expected feed price 101, got %.2f", px)
	}
	if fake.priceCalls != 0 {
		t.Fatalf("REST ticker should not have been hit")
	}
}

func TestLoadCredentialsUnsupported(t *testing.T) {
	var cfgErr *ConfigError
	if _, err := LoadCredentials("kraken", "real"); !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError for unsupported exchange, got %v", err)
	}
	if _, err := LoadCredentials("bitmart", "testnet"); !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError for unsupported mode, got %v", err)
	}
}

func TestLoadCredentialsFromEnv(t *testing.T) {
	t.Setenv("BINANCE_TESTNET_API_KEY", "k")
	t.Setenv("BINANCE_TESTNET_SECRET_KEY", "s")
	creds, err := LoadCredentials("binance", "testnet")
	if err != nil {
		t.Fatalf("LoadCredentials: %v", err)
	}
	if creds.APIKey != "k" || creds.SecretKey != "s" {
		t.Fatalf("unexpected creds %+v", creds)
	}
}

func TestStepDecimals(t *testing.T) {
	cases := []struct {
		step string
		want int
	}{
		{"0.001000", 3},
		{"0.00000100", 6},
		{"1.00000000", 0},
		{"", 0},
	}
	for _, tc := range cases {
		if got := stepDecimals(tc.step); got != tc.want {
			t.Fatalf("stepDecimals(%q) = %d, want %d", tc.step, got, tc.want)
		}
	}
}
