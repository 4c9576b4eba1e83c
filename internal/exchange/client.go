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
	"time"

	"ob-scalp-bot/internal/config"
	"ob-scalp-bot/internal/market"
	"ob-scalp-bot/internal/order"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Client talks to a Binance-style spot REST API. Every request first waits
// on the limiter, which runs at a safety margin below the exchange's stated
// requests-per-minute ceiling.
type Client struct {
	baseURL   string
	apiKey    string
	secretKey string
	http      *http.Client
	limiter   *rate.Limiter
	log       *zap.Logger
	now       func() time.Time
}

func New(cfg config.ExchangeConfig, apiKey, secretKey string, log *zap.Logger) *Client {
	perMinute := float64(cfg.MaxRequestsPerMinute) * cfg.RateLimitSafety
	return &Client{
		baseURL:   cfg.BaseURL,
		apiKey:    apiKey,
		secretKey: secretKey,
		http:      &http.Client{Timeout: cfg.Timeout},
		limiter:   rate.NewLimiter(rate.Limit(perMinute/60), 10),
		log:       log,
		now:       time.Now,
	}
}

func (c *Client) FetchOrderBook(ctx context.Context, symbol string, depth int) (market.Book, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(depth))
	var resp depthResponse
	if err := c.get(ctx, "/api/v3/depth", params, false, &resp); err != nil {
		return market.Book{}, err
	}
	return resp.book()
}

func (c *Client) FetchRecentTrades(ctx context.Context, symbol string, limit int) ([]float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(limit))
	var resp []tradeResponse
	if err := c.get(ctx, "/api/v3/trades", params, false, &resp); err != nil {
		return nil, err
	}
	prices := make([]float64, 0, len(resp))
	for _, t := range resp {
		price, err := strconv.ParseFloat(t.Price, 64)
		if err != nil {
			return nil, fmt.Errorf("trade price %q: %w", t.Price, err)
		}
		prices = append(prices, price)
	}
	return prices, nil
}

func (c *Client) FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))
	var raw [][]any
	if err := c.get(ctx, "/api/v3/klines", params, false, &raw); err != nil {
		return nil, err
	}
	candles := make([]market.Candle, 0, len(raw))
	for _, k := range raw {
		if len(k) < 6 {
			return nil, fmt.Errorf("malformed kline %v", k)
		}
		start, ok := k[0].(float64)
		if !ok {
			return nil, fmt.Errorf("malformed kline open time %v", k[0])
		}
		candle := market.Candle{Start: time.UnixMilli(int64(start))}
		for i, dst := range []*float64{&candle.Open, &candle.High, &candle.Low, &candle.Close, &candle.Volume} {
			s, ok := k[i+1].(string)
			if !ok {
				return nil, fmt.Errorf("malformed kline field %v", k[i+1])
			}
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, err
			}
			*dst = v
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

func (c *Client) FetchSymbolMetadata(ctx context.Context, symbol string) (order.SymbolMetadata, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	var resp exchangeInfoResponse
	if err := c.get(ctx, "/api/v3/exchangeInfo", params, false, &resp); err != nil {
		return order.SymbolMetadata{}, err
	}
	if len(resp.Symbols) == 0 {
		return order.SymbolMetadata{}, fmt.Errorf("symbol %s not found", symbol)
	}
	md := order.SymbolMetadata{Symbol: resp.Symbols[0].Symbol, FetchedAt: c.now()}
	for _, f := range resp.Symbols[0].Filters {
		switch f.FilterType {
		case "PRICE_FILTER":
			md.PricePrecision = decimalsFromStep(f.TickSize)
		case "LOT_SIZE":
			md.QuantityPrecision = decimalsFromStep(f.StepSize)
			md.MinQuantity, _ = strconv.ParseFloat(f.MinQty, 64)
			md.LotStep, _ = strconv.ParseFloat(f.StepSize, 64)
		case "NOTIONAL", "MIN_NOTIONAL":
			md.MinNotional, _ = strconv.ParseFloat(f.MinNotional, 64)
		}
	}
	return md, nil
}

func (c *Client) FetchBalances(ctx context.Context, quoteAsset, baseAsset string) (Balances, error) {
	var resp accountResponse
	if err := c.get(ctx, "/api/v3/account", url.Values{}, true, &resp); err != nil {
		return Balances{}, err
	}
	var balances Balances
	for _, b := range resp.Balances {
		free, err := strconv.ParseFloat(b.Free, 64)
		if err != nil {
			continue
		}
		switch b.Asset {
		case quoteAsset:
			balances.Quote = free
		case baseAsset:
			balances.Base = free
		}
	}
	return balances, nil
}

func (c *Client) SubmitOrder(ctx context.Context, req OrderRequest) (string, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", "LIMIT")
	params.Set("timeInForce", "GTC")
	params.Set("price", strconv.FormatFloat(req.Price, 'f', -1, 64))
	params.Set("quantity", strconv.FormatFloat(req.Quantity, 'f', -1, 64))
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}
	var resp orderResponse
	if err := c.do(ctx, http.MethodPost, "/api/v3/order", params, true, &resp); err != nil {
		return "", err
	}
	if resp.OrderID == 0 {
		return "", fmt.Errorf("missing order id in response")
	}
	return strconv.FormatInt(resp.OrderID, 10), nil
}

func (c *Client) QueryOrder(ctx context.Context, symbol, orderID string) (OrderStatus, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	var resp orderResponse
	if err := c.get(ctx, "/api/v3/order", params, true, &resp); err != nil {
		return OrderStatus{}, err
	}
	return resp.toStatus(), nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	var resp orderResponse
	return c.do(ctx, http.MethodDelete, "/api/v3/order", params, true, &resp)
}

func (c *Client) ListOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	var resp []orderResponse
	if err := c.get(ctx, "/api/v3/openOrders", params, true, &resp); err != nil {
		return nil, err
	}
	open := make([]OpenOrder, 0, len(resp))
	for _, o := range resp {
		open = append(open, OpenOrder{
			ID:   strconv.FormatInt(o.OrderID, 10),
			Side: order.Side(o.Side),
		})
	}
	return open, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, signed bool, out any) error {
	return c.do(ctx, http.MethodGet, path, params, signed, out)
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, signed bool, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return transient(path, err)
	}
	if signed {
		params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
		params.Set("signature", c.sign(params.Encode()))
	}
	reqURL := c.baseURL + path
	if encoded := params.Encode(); encoded != "" {
		reqURL += "?" + encoded
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return err
	}
	if signed {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return transient(path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return transient(path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.classify(path, resp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode: %w", path, err)
	}
	return nil
}

// classify maps an HTTP failure to the error taxonomy: 418/429 and 5xx are
// transient, -2010 is insufficient funds, everything else is fatal.
func (c *Client) classify(path string, status int, body []byte) error {
	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusTeapot:
		return transient(path, fmt.Errorf("rate limited: http %d: %s", status, apiErr.Msg))
	case status >= 500:
		return transient(path, fmt.Errorf("http %d: %s", status, apiErr.Msg))
	case apiErr.Code == -2010:
		return fmt.Errorf("%s: %s: %w", path, apiErr.Msg, ErrInsufficientFunds)
	default:
		return fmt.Errorf("%s: http %d code %d: %s", path, status, apiErr.Code, apiErr.Msg)
	}
}

func (c *Client) sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
