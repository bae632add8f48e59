package broker

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"qmt-monitor-go/internal/config"
)

const maxRetries = 3

// RestClient talks to the QMT bridge process over HTTP.
type RestClient struct {
	client      *resty.Client
	accountID   string
	accountType string
	sessionDir  string
	logger      *zap.Logger
	limiter     *rate.Limiter
}

// NewRestClient creates a new bridge REST client.
func NewRestClient(cfg *config.Broker, logger *zap.Logger) *RestClient {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(cfg.BridgeURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal)

	limit := cfg.RateLimit
	if limit <= 0 {
		limit = 10
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 1
	}

	return &RestClient{
		client:      client,
		accountID:   cfg.AccountID,
		accountType: cfg.AccountType,
		sessionDir:  cfg.SessionDir,
		logger:      logger.Named("bridge-rest"),
		limiter:     rate.NewLimiter(rate.Limit(limit), burst),
	}
}

// envelope is the bridge's response wrapper. A non-zero code is a business failure.
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// doRequest handles rate limiting and, for idempotent calls, retries with exponential backoff.
func (c *RestClient) doRequest(ctx context.Context, method, url string, req *resty.Request, retry bool) (*envelope, error) {
	var resp *resty.Response
	var err error

	attempts := 1
	if retry {
		attempts = maxRetries
	}

	for i := 0; i < attempts; i++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		result := &envelope{}
		req.SetContext(ctx).SetResult(result)

		c.logger.Debug("Executing request", zap.String("method", method), zap.String("url", url))
		resp, err = req.Execute(method, url)

		if err == nil && !resp.IsError() {
			if result.Code != 0 {
				return result, &RejectError{Code: result.Code, Reason: result.Msg}
			}
			return result, nil
		}

		shouldRetry := false
		var retryAfter time.Duration

		if resp != nil && err == nil {
			statusCode := resp.StatusCode()
			if statusCode == http.StatusTooManyRequests {
				shouldRetry = true
				if seconds, convErr := strconv.Atoi(resp.Header().Get("Retry-After")); convErr == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			} else if statusCode >= 500 {
				shouldRetry = true
			}
			if !shouldRetry || i == attempts-1 {
				return nil, fmt.Errorf("request failed with status %s: %s", resp.Status(), resp.String())
			}
		} else if i == attempts-1 {
			break
		}

		if retryAfter == 0 {
			retryAfter = time.Duration(math.Pow(2, float64(i))) * time.Second
		}

		c.logger.Warn("Bridge request failed, retrying...",
			zap.String("url", url),
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)

		select {
		case <-time.After(retryAfter):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", attempts, err)
}

func decodeData(env *envelope, out any) error {
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode bridge response: %w", err)
	}
	return nil
}

// Ping checks the bridge is reachable and returns its clock in unix milliseconds.
func (c *RestClient) Ping(ctx context.Context) (int64, error) {
	env, err := c.doRequest(ctx, http.MethodGet, "/ping", c.client.R(), true)
	if err != nil {
		return 0, fmt.Errorf("failed to ping bridge: %w", err)
	}
	var out struct {
		ServerTime int64 `json:"server_time"`
	}
	if err := decodeData(env, &out); err != nil {
		return 0, err
	}
	return out.ServerTime, nil
}

// Connect opens the broker session and subscribes the account to callbacks.
func (c *RestClient) Connect(ctx context.Context) error {
	req := c.client.R().SetBody(map[string]any{
		"account_id":   c.accountID,
		"account_type": c.accountType,
		"session_dir":  c.sessionDir,
	})
	if _, err := c.doRequest(ctx, http.MethodPost, "/connect", req, true); err != nil {
		return fmt.Errorf("failed to connect broker session: %w", err)
	}
	return nil
}

// PlaceOrderRequest is the body of an order submission.
type PlaceOrderRequest struct {
	AccountID    string  `json:"account_id"`
	Symbol       string  `json:"stock_code"`
	OrderType    int     `json:"order_type"`
	Volume       int64   `json:"order_volume"`
	PriceType    int     `json:"price_type"`
	Price        float64 `json:"price"`
	StrategyName string  `json:"strategy_name"`
	Remark       string  `json:"order_remark"`
}

// PlaceOrder submits an order. It is never retried: a lost response could otherwise
// double-submit.
func (c *RestClient) PlaceOrder(ctx context.Context, order PlaceOrderRequest) (int64, error) {
	order.AccountID = c.accountID
	env, err := c.doRequest(ctx, http.MethodPost, "/orders", c.client.R().SetBody(order), false)
	if err != nil {
		c.logger.Error("Failed to place order",
			zap.String("symbol", order.Symbol),
			zap.Int("order_type", order.OrderType),
			zap.Int64("volume", order.Volume),
			zap.Error(err))
		return 0, err
	}
	var out struct {
		OrderID int64 `json:"order_id"`
	}
	if err := decodeData(env, &out); err != nil {
		return 0, err
	}
	if out.OrderID <= 0 {
		return 0, &RejectError{Reason: "bridge returned no order id"}
	}
	return out.OrderID, nil
}

// CancelOrder requests cancellation of orderID.
func (c *RestClient) CancelOrder(ctx context.Context, orderID int64) error {
	url := "/orders/" + strconv.FormatInt(orderID, 10) + "/cancel"
	req := c.client.R().SetBody(map[string]any{"account_id": c.accountID})
	if _, err := c.doRequest(ctx, http.MethodPost, url, req, false); err != nil {
		return fmt.Errorf("failed to cancel order %d: %w", orderID, err)
	}
	return nil
}

// QueryAsset returns the account snapshot.
func (c *RestClient) QueryAsset(ctx context.Context) (*Account, error) {
	req := c.client.R().SetQueryParam("account_id", c.accountID)
	env, err := c.doRequest(ctx, http.MethodGet, "/asset", req, true)
	if err != nil {
		return nil, fmt.Errorf("failed to query asset: %w", err)
	}
	var acct Account
	if err := decodeData(env, &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

// QueryPositions returns every holding.
func (c *RestClient) QueryPositions(ctx context.Context) ([]Position, error) {
	req := c.client.R().SetQueryParam("account_id", c.accountID)
	env, err := c.doRequest(ctx, http.MethodGet, "/positions", req, true)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	var positions []Position
	if err := decodeData(env, &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

// QueryOrders returns today's orders.
func (c *RestClient) QueryOrders(ctx context.Context, cancelableOnly bool) ([]Order, error) {
	req := c.client.R().
		SetQueryParam("account_id", c.accountID).
		SetQueryParam("cancelable_only", strconv.FormatBool(cancelableOnly))
	env, err := c.doRequest(ctx, http.MethodGet, "/orders", req, true)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	var orders []Order
	if err := decodeData(env, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// GetBars fetches the most recent count bars of period for symbol.
func (c *RestClient) GetBars(ctx context.Context, symbol, period string, count int) ([]Bar, error) {
	req := c.client.R().SetQueryParams(map[string]string{
		"stock_code": symbol,
		"period":     period,
		"count":      strconv.Itoa(count),
	})
	env, err := c.doRequest(ctx, http.MethodGet, "/bars", req, true)
	if err != nil {
		return nil, fmt.Errorf("failed to get bars for %s: %w", symbol, err)
	}
	var bars []Bar
	if err := decodeData(env, &bars); err != nil {
		return nil, err
	}
	return bars, nil
}
