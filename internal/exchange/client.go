// Package exchange implements the Upbit REST and WebSocket clients.
//
// The REST client (Client) talks to the Upbit open API:
//   - GetCandles:     GET  /v1/candles/...     — OHLC bars per interval
//   - GetTickers:     GET  /v1/ticker           — 24h stats for markets
//   - GetMarkets:     GET  /v1/market/all       — tradeable market list
//   - GetAccounts:    GET  /v1/accounts         — balances (private)
//   - PlaceOrder:     POST /v1/orders           — submit an order (private)
//   - CancelOrder:    DELETE /v1/order          — cancel by uuid (private)
//   - GetOrderStatus: GET  /v1/order            — look up by uuid/identifier (private)
//
// Every request passes a per-second sliding-window limiter (public or
// private bucket), is retried with exponential backoff + jitter on
// classified-retryable failures, and emits one audit event per HTTP attempt
// to the optional OnRequestEvent sink. Private requests carry a JWT built by
// Auth; the token is never logged.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"upbit-trader/internal/config"
	"upbit-trader/pkg/types"
)

// Order placement posts to the primary path; 404/405/410 from a gateway in
// front of the venue means "wrong route shape", so we retry once on the
// documented fallback. Cancel mirrors this with DELETE.
var (
	placeOrderPaths  = [2]string{"/v1/orders", "/v1/order"}
	cancelOrderPaths = [2]string{"/v1/order", "/v1/orders"}
)

// RequestEvent is one HTTP attempt, emitted to the audit sink.
type RequestEvent struct {
	Ts           time.Time `json:"ts"`
	Method       string    `json:"method"`
	Path         string    `json:"path"`
	RequiresAuth bool      `json:"requiresAuth"`
	Attempt      int       `json:"attempt"`
	Status       int       `json:"status"`
	OK           bool      `json:"ok"`
	DurationMs   int64     `json:"durationMs"`
	Retryable    bool      `json:"retryable"`
	Error        string    `json:"error,omitempty"`
}

// Client is the Upbit REST API client.
type Client struct {
	http        *resty.Client
	auth        *Auth
	rl          *RateLimiter
	maxAttempts int
	retryBase   time.Duration
	logger      *slog.Logger

	// OnRequestEvent receives one event per HTTP attempt. Optional.
	onRequestEvent func(RequestEvent)

	sleepFn func(time.Duration) // seam for tests

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.APIConfig, auth *Auth, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.RequestTimeout).
		SetHeader("Content-Type", "application/json")

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	retryBase := cfg.RetryBaseDelay
	if retryBase <= 0 {
		retryBase = 500 * time.Millisecond
	}

	return &Client{
		http:        httpClient,
		auth:        auth,
		rl:          NewRateLimiter(cfg.PublicRPS, cfg.PrivateRPS),
		maxAttempts: maxAttempts,
		retryBase:   retryBase,
		logger:      logger.With("component", "exchange"),
		sleepFn:     time.Sleep,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetRequestEventSink installs the audit sink. Must be called before use.
func (c *Client) SetRequestEventSink(fn func(RequestEvent)) {
	c.onRequestEvent = fn
}

// ————————————————————————————————————————————————————————————————————————
// Wire shapes
// ————————————————————————————————————————————————————————————————————————

type candleWire struct {
	Market       string  `json:"market"`
	Timestamp    int64   `json:"timestamp"`
	OpeningPrice float64 `json:"opening_price"`
	HighPrice    float64 `json:"high_price"`
	LowPrice     float64 `json:"low_price"`
	TradePrice   float64 `json:"trade_price"`
}

// TickerData is the 24h market statistics row from GET /v1/ticker.
type TickerData struct {
	Market           string  `json:"market"`
	TradePrice       float64 `json:"trade_price"`
	SignedChangeRate float64 `json:"signed_change_rate"`
	AccTradePrice24h float64 `json:"acc_trade_price_24h"`
	Timestamp        int64   `json:"timestamp"`
}

// MarketListing is one row from GET /v1/market/all.
type MarketListing struct {
	Market        string `json:"market"`
	KoreanName    string `json:"korean_name"`
	EnglishName   string `json:"english_name"`
	MarketWarning string `json:"market_warning"`
}

// AccountData is one balance row from GET /v1/accounts.
type AccountData struct {
	Currency     string `json:"currency"`
	Balance      string `json:"balance"`
	Locked       string `json:"locked"`
	AvgBuyPrice  string `json:"avg_buy_price"`
	UnitCurrency string `json:"unit_currency"`
}

// OrderStatusData is the order lookup response from GET /v1/order.
type OrderStatusData struct {
	UUID       string           `json:"uuid"`
	Identifier string           `json:"identifier"`
	State      string           `json:"state"` // wait, watch, done, cancel
	Side       string           `json:"side"`
	Market     string           `json:"market"`
	Trades     []OrderTradeData `json:"trades"`
}

// OrderTradeData is one execution row nested in the order lookup response.
type OrderTradeData struct {
	UUID      string `json:"uuid"`
	Price     string `json:"price"`
	Volume    string `json:"volume"`
	Funds     string `json:"funds"`
	Side      string `json:"side"`
	CreatedAt string `json:"created_at"`
}

// PlaceOrderRequest is the high-level order the manager submits.
type PlaceOrderRequest struct {
	Symbol     types.Symbol
	Side       types.Side
	Type       types.OrderType
	Price      string // stringified, empty when the wire omits it
	Volume     string // stringified, empty when the wire omits it
	Identifier string // client-order-key
}

// PlaceOrderResult carries the accepted order's exchange id plus the raw
// response for the audit trail. The id is accepted under several key
// spellings because gateway deployments differ.
type PlaceOrderResult struct {
	ExchangeOrderID string
	Raw             map[string]any
}

// ————————————————————————————————————————————————————————————————————————
// Public endpoints
// ————————————————————————————————————————————————————————————————————————

// GetCandles fetches up to count bars for the symbol at the given interval,
// returned oldest-first.
func (c *Client) GetCandles(ctx context.Context, symbol types.Symbol, interval types.Interval, count int) ([]types.Candle, error) {
	path, err := interval.CandlePath()
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("market", symbol.Wire())
	params.Set("count", strconv.Itoa(count))

	var rows []candleWire
	if err := c.doRequest(ctx, "GET", path, params, nil, false, &rows); err != nil {
		return nil, err
	}

	// Venue returns newest-first; flip to ascending.
	candles := make([]types.Candle, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		r := rows[i]
		candles = append(candles, types.Candle{
			Timestamp: r.Timestamp,
			Open:      r.OpeningPrice,
			High:      r.HighPrice,
			Low:       r.LowPrice,
			Close:     r.TradePrice,
		})
	}
	return candles, nil
}

// GetTickers fetches 24h stats for the given wire markets.
func (c *Client) GetTickers(ctx context.Context, markets []string) ([]TickerData, error) {
	params := url.Values{}
	for _, m := range markets {
		params.Add("markets", m)
	}

	var rows []TickerData
	if err := c.doRequest(ctx, "GET", "/v1/ticker", params, nil, false, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// GetMarkets fetches the full tradeable market list with warning flags.
func (c *Client) GetMarkets(ctx context.Context) ([]MarketListing, error) {
	params := url.Values{}
	params.Set("isDetails", "true")

	var rows []MarketListing
	if err := c.doRequest(ctx, "GET", "/v1/market/all", params, nil, false, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// ————————————————————————————————————————————————————————————————————————
// Private endpoints
// ————————————————————————————————————————————————————————————————————————

// GetAccounts fetches current balances.
func (c *Client) GetAccounts(ctx context.Context) ([]AccountData, error) {
	var rows []AccountData
	if err := c.doRequest(ctx, "GET", "/v1/accounts", nil, nil, true, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// PlaceOrder submits an order, retrying once on the fallback path when the
// primary route is missing (404/405/410).
func (c *Client) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResult, error) {
	params, err := buildOrderParams(req)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	err = c.doRequest(ctx, "POST", placeOrderPaths[0], nil, params, true, &raw)
	if isMissingRoute(err) {
		c.logger.Warn("order endpoint missing, using fallback", "path", placeOrderPaths[1])
		raw = nil
		err = c.doRequest(ctx, "POST", placeOrderPaths[1], nil, params, true, &raw)
	}
	if err != nil {
		return nil, err
	}

	return &PlaceOrderResult{ExchangeOrderID: extractOrderID(raw), Raw: raw}, nil
}

// CancelOrder cancels by exchange order id, mirroring the place fallback.
func (c *Client) CancelOrder(ctx context.Context, exchangeOrderID string) error {
	params := url.Values{}
	params.Set("uuid", exchangeOrderID)

	var raw map[string]any
	err := c.doRequest(ctx, "DELETE", cancelOrderPaths[0], params, nil, true, &raw)
	if isMissingRoute(err) {
		c.logger.Warn("cancel endpoint missing, using fallback", "path", cancelOrderPaths[1])
		err = c.doRequest(ctx, "DELETE", cancelOrderPaths[1], params, nil, true, &raw)
	}
	return err
}

// GetOrderStatus looks an order up by client-order-key, optionally seeding
// the exchange uuid when known.
func (c *Client) GetOrderStatus(ctx context.Context, identifier, uuidHint string) (*OrderStatusData, error) {
	params := url.Values{}
	if uuidHint != "" {
		params.Set("uuid", uuidHint)
	} else {
		params.Set("identifier", identifier)
	}

	var status OrderStatusData
	if err := c.doRequest(ctx, "GET", "/v1/order", params, nil, true, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// buildOrderParams maps the high-level request onto the venue wire contract:
//
//	limit  buy/sell → ord_type=limit,  price + volume
//	market buy      → ord_type=price,  price = quote amount, no volume
//	market sell     → ord_type=market, volume only
func buildOrderParams(req PlaceOrderRequest) (url.Values, error) {
	if !req.Side.Valid() || !req.Type.Valid() {
		return nil, fmt.Errorf("invalid order side/type %q/%q", req.Side, req.Type)
	}

	params := url.Values{}
	params.Set("market", req.Symbol.Wire())
	params.Set("side", req.Side.Wire())

	switch {
	case req.Type == types.OrderTypeLimit:
		if req.Price == "" || req.Volume == "" {
			return nil, fmt.Errorf("limit order requires price and volume")
		}
		params.Set("ord_type", "limit")
		params.Set("price", req.Price)
		params.Set("volume", req.Volume)
	case req.Side == types.SideBuy: // market buy spends a quote amount
		if req.Price == "" {
			return nil, fmt.Errorf("market buy requires quote amount")
		}
		params.Set("ord_type", "price")
		params.Set("price", req.Price)
	default: // market sell
		if req.Volume == "" {
			return nil, fmt.Errorf("market sell requires volume")
		}
		params.Set("ord_type", "market")
		params.Set("volume", req.Volume)
	}

	if req.Identifier != "" {
		params.Set("identifier", req.Identifier)
	}
	return params, nil
}

// extractOrderID accepts the exchange-assigned id under any of the key
// spellings seen in the wild.
func extractOrderID(raw map[string]any) string {
	for _, key := range []string{"uuid", "order_id", "orderId", "id"} {
		if v, ok := raw[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func isMissingRoute(err error) bool {
	switch StatusOf(err) {
	case 404, 405, 410:
		return true
	}
	return false
}

// ————————————————————————————————————————————————————————————————————————
// Request core
// ————————————————————————————————————————————————————————————————————————

// doRequest runs one logical API call: rate-limit take, signed dispatch,
// classification, bounded retry with jittered exponential backoff, and one
// audit event per attempt. query goes on the URL; body (url.Values) is sent
// as a JSON object and included in the signing hash.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body url.Values, private bool, out any) error {
	bucket := c.rl.Public
	if private {
		bucket = c.rl.Private
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := bucket.Take(ctx); err != nil {
			return &APIError{Method: method, Path: path, cause: err}
		}

		status, retryAfter, err := c.attempt(ctx, method, path, query, body, private, attempt, out)
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryable(err) || attempt == c.maxAttempts {
			return err
		}

		delay := c.backoff(attempt)
		if status == 429 && retryAfter > 0 {
			delay = retryAfter
		}
		c.logger.Warn("retrying request",
			"method", method, "path", path,
			"attempt", attempt, "status", status, "delay", delay)
		c.sleepFn(delay)
	}
	return lastErr
}

func (c *Client) attempt(ctx context.Context, method, path string, query, body url.Values, private bool, attempt int, out any) (status int, retryAfter time.Duration, err error) {
	req := c.http.R().SetContext(ctx)

	if len(query) > 0 {
		req.SetQueryParamsFromValues(query)
	}
	if len(body) > 0 {
		req.SetBody(valuesToJSON(body))
	}

	if private {
		signParams := query
		if len(body) > 0 {
			signParams = body
		}
		token, tokenErr := c.auth.Token(signParams)
		if tokenErr != nil {
			// Signing failures are never retryable.
			apiErr := &APIError{Status: 400, Method: method, Path: path, Body: tokenErr.Error(), cause: tokenErr}
			c.emitEvent(method, path, private, attempt, 0, 0, apiErr)
			return 0, 0, apiErr
		}
		req.SetHeader("Authorization", token)
	}

	start := time.Now()
	resp, httpErr := req.Execute(method, path)
	duration := time.Since(start)

	if httpErr != nil {
		apiErr := &APIError{Method: method, Path: path, cause: httpErr}
		c.emitEvent(method, path, private, attempt, 0, duration, apiErr)
		return 0, 0, apiErr
	}

	status = resp.StatusCode()
	if status >= 400 {
		apiErr := &APIError{Status: status, Method: method, Path: path, Body: truncate(resp.String(), 512)}
		c.emitEvent(method, path, private, attempt, status, duration, apiErr)
		return status, parseRetryAfter(resp.Header().Get("Retry-After")), apiErr
	}

	if out != nil {
		if decodeErr := json.Unmarshal(resp.Body(), out); decodeErr != nil {
			// Malformed payloads are not retryable.
			apiErr := &APIError{Status: status, Method: method, Path: path, Body: "decode: " + decodeErr.Error(), cause: decodeErr}
			c.emitEvent(method, path, private, attempt, status, duration, apiErr)
			return status, 0, apiErr
		}
	}

	c.emitEvent(method, path, private, attempt, status, duration, nil)
	return status, 0, nil
}

func (c *Client) emitEvent(method, path string, private bool, attempt, status int, duration time.Duration, err *APIError) {
	if c.onRequestEvent == nil {
		return
	}
	evt := RequestEvent{
		Ts:           time.Now(),
		Method:       method,
		Path:         path,
		RequiresAuth: private,
		Attempt:      attempt,
		Status:       status,
		OK:           err == nil,
		DurationMs:   duration.Milliseconds(),
	}
	if err != nil {
		evt.Retryable = err.Retryable()
		evt.Error = err.Error()
	}
	c.onRequestEvent(evt)
}

// backoff returns retryBase·2^(attempt−1) plus up to 50% jitter.
func (c *Client) backoff(attempt int) time.Duration {
	base := c.retryBase << (attempt - 1)

	c.rngMu.Lock()
	jitter := time.Duration(c.rng.Int63n(int64(base)/2 + 1))
	c.rngMu.Unlock()

	return base + jitter
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func valuesToJSON(params url.Values) map[string]string {
	body := make(map[string]string, len(params))
	for k, vs := range params {
		if len(vs) > 0 {
			body[k] = vs[0]
		}
	}
	return body
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
