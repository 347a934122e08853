package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const bitmartBaseURL = "https://api-cloud.bitmart.com"

// bitmartAdapter signs requests with the KEYED/SIGNED scheme: the
// signature covers timestamp#memo#body.
type bitmartAdapter struct {
	baseURL string
	creds   Credentials
	http    *http.Client
	log     *zap.Logger
	now     func() time.Time
}

func newBitmart(creds Credentials, timeout time.Duration, log *zap.Logger) *bitmartAdapter {
	return &bitmartAdapter{
		baseURL: bitmartBaseURL,
		creds:   creds,
		http:    &http.Client{Timeout: timeout},
		log:     log,
		now:     time.Now,
	}
}

func (b *bitmartAdapter) Name() string { return "bitmart" }

func (b *bitmartAdapter) SupportsQuoteBuy() bool { return true }

func bitmartSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "_")
}

type bitmartEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (b *bitmartAdapter) do(ctx context.Context, method, path string, query url.Values, body any, signed bool, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	reqURL := b.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-BM-KEY", b.creds.APIKey)
	if signed {
		ts := strconv.FormatInt(b.now().UnixMilli(), 10)
		mac := hmac.New(sha256.New, []byte(b.creds.SecretKey))
		mac.Write([]byte(ts + "#" + b.creds.Memo + "#" + string(payload)))
		req.Header.Set("X-BM-TIMESTAMP", ts)
		req.Header.Set("X-BM-SIGN", hex.EncodeToString(mac.Sum(nil)))
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return &RateLimitError{RetryAfter: retryAfterHeader(resp)}
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &AuthError{Exchange: "bitmart", Err: fmt.Errorf("http %d: %s", resp.StatusCode, string(raw))}
	}
	var env bitmartEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("bitmart http %d: %s", resp.StatusCode, string(raw))
	}
	if env.Code != 1000 {
		return b.mapError(env)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

func (b *bitmartAdapter) mapError(env bitmartEnvelope) error {
	switch env.Code {
	case 30007, 30014:
		return &RateLimitError{}
	case 30011, 30012, 30013:
		return &AuthError{Exchange: "bitmart", Err: fmt.Errorf("%s", env.Message)}
	}
	if strings.Contains(strings.ToLower(env.Message), "not found") ||
		strings.Contains(strings.ToLower(env.Message), "not exist") {
		return &NotFoundError{}
	}
	return fmt.Errorf("bitmart error %d: %s", env.Code, env.Message)
}

func (b *bitmartAdapter) LastPrice(ctx context.Context, symbol string) (float64, error) {
	var out struct {
		Last string `json:"last"`
	}
	query := url.Values{"symbol": {bitmartSymbol(symbol)}}
	if err := b.do(ctx, http.MethodGet, "/spot/quotation/v3/ticker", query, nil, false, &out); err != nil {
		return 0, err
	}
	return strconv.ParseFloat(out.Last, 64)
}

func (b *bitmartAdapter) Balance(ctx context.Context, currency string) (float64, error) {
	var out struct {
		Wallet []struct {
			Currency  string `json:"currency"`
			Available string `json:"available"`
		} `json:"wallet"`
	}
	query := url.Values{"currency": {currency}}
	if err := b.do(ctx, http.MethodGet, "/account/v1/wallet", query, nil, true, &out); err != nil {
		return 0, err
	}
	for _, w := range out.Wallet {
		if w.Currency == currency {
			return strconv.ParseFloat(w.Available, 64)
		}
	}
	return 0, nil
}

func (b *bitmartAdapter) Rules(ctx context.Context, symbol string) (PairRules, error) {
	var out struct {
		Symbols []struct {
			Symbol            string `json:"symbol"`
			PriceMaxPrecision int    `json:"price_max_precision"`
			BaseMinSize       string `json:"base_min_size"`
			MinBuyAmount      string `json:"min_buy_amount"`
		} `json:"symbols"`
	}
	if err := b.do(ctx, http.MethodGet, "/spot/v1/symbols/details", nil, nil, false, &out); err != nil {
		return PairRules{}, err
	}
	want := bitmartSymbol(symbol)
	for _, s := range out.Symbols {
		if s.Symbol != want {
			continue
		}
		rules := PairRules{PricePrecision: s.PriceMaxPrecision}
		rules.QtyPrecision = stepDecimals(s.BaseMinSize)
		if v, err := strconv.ParseFloat(s.MinBuyAmount, 64); err == nil {
			rules.MinNotional = v
		}
		return rules, nil
	}
	return PairRules{}, fmt.Errorf("bitmart: symbol %s not listed", symbol)
}

type bitmartSubmitResponse struct {
	OrderID string `json:"order_id"`
}

func (b *bitmartAdapter) MarketBuyQuote(ctx context.Context, symbol string, quoteAmount float64) (MarketBuyResult, error) {
	body := map[string]string{
		"symbol":   bitmartSymbol(symbol),
		"side":     "buy",
		"type":     "market",
		"notional": strconv.FormatFloat(quoteAmount, 'f', -1, 64),
	}
	var out bitmartSubmitResponse
	if err := b.do(ctx, http.MethodPost, "/spot/v2/submit_order", nil, body, true, &out); err != nil {
		return MarketBuyResult{}, err
	}
	if out.OrderID == "" {
		return MarketBuyResult{}, fmt.Errorf("bitmart: market buy returned no order id")
	}
	// The submit response carries no fill data; the gateway fills in
	// estimates from the last price.
	return MarketBuyResult{OrderID: out.OrderID, Cost: quoteAmount}, nil
}

func (b *bitmartAdapter) MarketBuyBase(ctx context.Context, symbol string, qty float64) (MarketBuyResult, error) {
	body := map[string]string{
		"symbol": bitmartSymbol(symbol),
		"side":   "buy",
		"type":   "market",
		"size":   strconv.FormatFloat(qty, 'f', -1, 64),
	}
	var out bitmartSubmitResponse
	if err := b.do(ctx, http.MethodPost, "/spot/v2/submit_order", nil, body, true, &out); err != nil {
		return MarketBuyResult{}, err
	}
	return MarketBuyResult{OrderID: out.OrderID, Filled: qty}, nil
}

func (b *bitmartAdapter) PlaceLimitOrder(ctx context.Context, symbol string, side Side, price, qty float64) (LimitOrderResult, error) {
	body := map[string]string{
		"symbol": bitmartSymbol(symbol),
		"side":   string(side),
		"type":   "limit",
		"size":   strconv.FormatFloat(qty, 'f', -1, 64),
		"price":  strconv.FormatFloat(price, 'f', -1, 64),
	}
	var out bitmartSubmitResponse
	if err := b.do(ctx, http.MethodPost, "/spot/v2/submit_order", nil, body, true, &out); err != nil {
		return LimitOrderResult{}, err
	}
	return LimitOrderResult{
		OrderID: out.OrderID,
		Price:   price,
		Qty:     qty,
		Status:  StatusOpen,
	}, nil
}

func (b *bitmartAdapter) CancelOrder(ctx context.Context, orderID, symbol string) error {
	body := map[string]string{
		"symbol":   bitmartSymbol(symbol),
		"order_id": orderID,
	}
	return b.do(ctx, http.MethodPost, "/spot/v3/cancel_order", nil, body, true, nil)
}

func (b *bitmartAdapter) OrderStatus(ctx context.Context, orderID, symbol string) (OrderState, error) {
	body := map[string]string{"orderId": orderID}
	var out struct {
		State      string `json:"state"`
		Size       string `json:"size"`
		FilledSize string `json:"filledSize"`
	}
	if err := b.do(ctx, http.MethodPost, "/spot/v4/query/order", nil, body, true, &out); err != nil {
		return OrderState{}, err
	}
	filled, _ := strconv.ParseFloat(out.FilledSize, 64)
	size, _ := strconv.ParseFloat(out.Size, 64)
	return OrderState{
		Status:    mapBitmartState(out.State),
		Filled:    filled,
		Remaining: size - filled,
	}, nil
}

func (b *bitmartAdapter) OpenOrderIDs(ctx context.Context, symbol string) ([]string, error) {
	body := map[string]string{"symbol": bitmartSymbol(symbol)}
	var out []struct {
		OrderID string `json:"orderId"`
	}
	if err := b.do(ctx, http.MethodPost, "/spot/v4/query/open-orders", nil, body, true, &out); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(out))
	for _, o := range out {
		ids = append(ids, o.OrderID)
	}
	return ids, nil
}

func mapBitmartState(s string) OrderStatus {
	switch s {
	case "new", "partially_filled":
		return StatusOpen
	case "filled":
		return StatusClosed
	case "canceled", "partially_canceled", "failed":
		return StatusCanceled
	}
	return StatusUnknown
}
