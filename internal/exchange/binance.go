package exchange

import (
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

const (
	binanceRealURL    = "https://api.binance.com"
	binanceTestnetURL = "https://testnet.binance.vision"
)

type binanceAdapter struct {
	baseURL string
	creds   Credentials
	http    *http.Client
	log     *zap.Logger
	now     func() time.Time
}

func newBinance(creds Credentials, testnet bool, timeout time.Duration, log *zap.Logger) *binanceAdapter {
	baseURL := binanceRealURL
	if testnet {
		baseURL = binanceTestnetURL
	}
	return &binanceAdapter{
		baseURL: baseURL,
		creds:   creds,
		http:    &http.Client{Timeout: timeout},
		log:     log,
		now:     time.Now,
	}
}

func (b *binanceAdapter) Name() string { return "binance" }

func (b *binanceAdapter) SupportsQuoteBuy() bool { return true }

// binanceSymbol maps BASE/QUOTE onto the concatenated form the API uses.
func binanceSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "")
}

type binanceError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (b *binanceAdapter) do(ctx context.Context, method, path string, params url.Values, signed bool, out any) error {
	if params == nil {
		params = url.Values{}
	}
	if signed {
		params.Set("timestamp", strconv.FormatInt(b.now().UnixMilli(), 10))
		params.Set("recvWindow", "5000")
		mac := hmac.New(sha256.New, []byte(b.creds.SecretKey))
		mac.Write([]byte(params.Encode()))
		params.Set("signature", hex.EncodeToString(mac.Sum(nil)))
	}
	reqURL := b.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return err
	}
	if signed {
		req.Header.Set("X-MBX-APIKEY", b.creds.APIKey)
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418 {
		return &RateLimitError{RetryAfter: retryAfterHeader(resp)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr binanceError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Code != 0 {
			return b.mapError(apiErr, resp.StatusCode)
		}
		return fmt.Errorf("binance http %d: %s", resp.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

func (b *binanceAdapter) mapError(apiErr binanceError, status int) error {
	switch apiErr.Code {
	case -1003:
		return &RateLimitError{}
	case -2013, -2011:
		return &NotFoundError{}
	case -2014, -2015, -1022:
		return &AuthError{Exchange: "binance", Err: fmt.Errorf("%s", apiErr.Msg)}
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return &AuthError{Exchange: "binance", Err: fmt.Errorf("%s", apiErr.Msg)}
	}
	return fmt.Errorf("binance error %d: %s", apiErr.Code, apiErr.Msg)
}

func retryAfterHeader(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

func (b *binanceAdapter) LastPrice(ctx context.Context, symbol string) (float64, error) {
	var out struct {
		Price string `json:"price"`
	}
	params := url.Values{"symbol": {binanceSymbol(symbol)}}
	if err := b.do(ctx, http.MethodGet, "/api/v3/ticker/price", params, false, &out); err != nil {
		return 0, err
	}
	return strconv.ParseFloat(out.Price, 64)
}

func (b *binanceAdapter) Balance(ctx context.Context, currency string) (float64, error) {
	var out struct {
		Balances []struct {
			Asset string `json:"asset"`
			Free  string `json:"free"`
		} `json:"balances"`
	}
	if err := b.do(ctx, http.MethodGet, "/api/v3/account", nil, true, &out); err != nil {
		return 0, err
	}
	for _, bal := range out.Balances {
		if bal.Asset == currency {
			return strconv.ParseFloat(bal.Free, 64)
		}
	}
	return 0, nil
}

func (b *binanceAdapter) Rules(ctx context.Context, symbol string) (PairRules, error) {
	var out struct {
		Symbols []struct {
			Filters []struct {
				FilterType  string `json:"filterType"`
				TickSize    string `json:"tickSize"`
				StepSize    string `json:"stepSize"`
				MinNotional string `json:"minNotional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	params := url.Values{"symbol": {binanceSymbol(symbol)}}
	if err := b.do(ctx, http.MethodGet, "/api/v3/exchangeInfo", params, false, &out); err != nil {
		return PairRules{}, err
	}
	if len(out.Symbols) == 0 {
		return PairRules{}, fmt.Errorf("binance: no exchange info for %s", symbol)
	}
	var rules PairRules
	for _, f := range out.Symbols[0].Filters {
		switch f.FilterType {
		case "PRICE_FILTER":
			rules.PricePrecision = stepDecimals(f.TickSize)
		case "LOT_SIZE":
			rules.QtyPrecision = stepDecimals(f.StepSize)
		case "NOTIONAL", "MIN_NOTIONAL":
			if v, err := strconv.ParseFloat(f.MinNotional, 64); err == nil {
				rules.MinNotional = v
			}
		}
	}
	return rules, nil
}

// stepDecimals converts a tick/step size like "0.001000" into its
// decimal-place count. Sizes >= 1 mean whole units.
func stepDecimals(step string) int {
	v, err := strconv.ParseFloat(step, 64)
	if err != nil || v <= 0 {
		return 0
	}
	if v >= 1 {
		return 0
	}
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return len(s) - i - 1
	}
	return 0
}

type binanceOrderResponse struct {
	OrderID            int64  `json:"orderId"`
	Status             string `json:"status"`
	Price              string `json:"price"`
	OrigQty            string `json:"origQty"`
	ExecutedQty        string `json:"executedQty"`
	CummulativeQuoteQt string `json:"cummulativeQuoteQty"`
}

func (b *binanceAdapter) MarketBuyQuote(ctx context.Context, symbol string, quoteAmount float64) (MarketBuyResult, error) {
	params := url.Values{
		"symbol":           {binanceSymbol(symbol)},
		"side":             {"BUY"},
		"type":             {"MARKET"},
		"quoteOrderQty":    {strconv.FormatFloat(quoteAmount, 'f', -1, 64)},
		"newOrderRespType": {"FULL"},
	}
	var out binanceOrderResponse
	if err := b.do(ctx, http.MethodPost, "/api/v3/order", params, true, &out); err != nil {
		return MarketBuyResult{}, err
	}
	filled, _ := strconv.ParseFloat(out.ExecutedQty, 64)
	cost, _ := strconv.ParseFloat(out.CummulativeQuoteQt, 64)
	res := MarketBuyResult{
		OrderID: strconv.FormatInt(out.OrderID, 10),
		Filled:  filled,
		Cost:    cost,
	}
	if filled > 0 && cost > 0 {
		res.AvgPrice = cost / filled
	}
	return res, nil
}

func (b *binanceAdapter) MarketBuyBase(ctx context.Context, symbol string, qty float64) (MarketBuyResult, error) {
	params := url.Values{
		"symbol":           {binanceSymbol(symbol)},
		"side":             {"BUY"},
		"type":             {"MARKET"},
		"quantity":         {strconv.FormatFloat(qty, 'f', -1, 64)},
		"newOrderRespType": {"FULL"},
	}
	var out binanceOrderResponse
	if err := b.do(ctx, http.MethodPost, "/api/v3/order", params, true, &out); err != nil {
		return MarketBuyResult{}, err
	}
	filled, _ := strconv.ParseFloat(out.ExecutedQty, 64)
	cost, _ := strconv.ParseFloat(out.CummulativeQuoteQt, 64)
	res := MarketBuyResult{
		OrderID: strconv.FormatInt(out.OrderID, 10),
		Filled:  filled,
		Cost:    cost,
	}
	if filled > 0 && cost > 0 {
		res.AvgPrice = cost / filled
	}
	return res, nil
}

func (b *binanceAdapter) PlaceLimitOrder(ctx context.Context, symbol string, side Side, price, qty float64) (LimitOrderResult, error) {
	params := url.Values{
		"symbol":      {binanceSymbol(symbol)},
		"side":        {strings.ToUpper(string(side))},
		"type":        {"LIMIT"},
		"timeInForce": {"GTC"},
		"price":       {strconv.FormatFloat(price, 'f', -1, 64)},
		"quantity":    {strconv.FormatFloat(qty, 'f', -1, 64)},
	}
	var out binanceOrderResponse
	if err := b.do(ctx, http.MethodPost, "/api/v3/order", params, true, &out); err != nil {
		return LimitOrderResult{}, err
	}
	return LimitOrderResult{
		OrderID: strconv.FormatInt(out.OrderID, 10),
		Price:   price,
		Qty:     qty,
		Status:  mapBinanceStatus(out.Status),
	}, nil
}

func (b *binanceAdapter) CancelOrder(ctx context.Context, orderID, symbol string) error {
	params := url.Values{
		"symbol":  {binanceSymbol(symbol)},
		"orderId": {orderID},
	}
	return b.do(ctx, http.MethodDelete, "/api/v3/order", params, true, nil)
}

func (b *binanceAdapter) OrderStatus(ctx context.Context, orderID, symbol string) (OrderState, error) {
	params := url.Values{
		"symbol":  {binanceSymbol(symbol)},
		"orderId": {orderID},
	}
	var out binanceOrderResponse
	if err := b.do(ctx, http.MethodGet, "/api/v3/order", params, true, &out); err != nil {
		return OrderState{}, err
	}
	filled, _ := strconv.ParseFloat(out.ExecutedQty, 64)
	orig, _ := strconv.ParseFloat(out.OrigQty, 64)
	return OrderState{
		Status:    mapBinanceStatus(out.Status),
		Filled:    filled,
		Remaining: orig - filled,
	}, nil
}

func (b *binanceAdapter) OpenOrderIDs(ctx context.Context, symbol string) ([]string, error) {
	params := url.Values{"symbol": {binanceSymbol(symbol)}}
	var out []binanceOrderResponse
	if err := b.do(ctx, http.MethodGet, "/api/v3/openOrders", params, true, &out); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(out))
	for _, o := range out {
		ids = append(ids, strconv.FormatInt(o.OrderID, 10))
	}
	return ids, nil
}

func mapBinanceStatus(s string) OrderStatus {
	switch s {
	case "NEW", "PARTIALLY_FILLED":
		return StatusOpen
	case "FILLED":
		return StatusClosed
	case "CANCELED", "EXPIRED", "REJECTED", "EXPIRED_IN_MATCH":
		return StatusCanceled
	}
	return StatusUnknown
}
