package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

const (
	streamMaxReconnectInterval = 30 * time.Second
	streamReadLimit            = 1 << 20
)

// Callback message types pushed by the bridge.
const (
	msgOrderStatus   = "order_status"
	msgOrderError    = "order_error"
	msgTrade         = "trade"
	msgCancelError   = "cancel_error"
	msgDisconnected  = "disconnected"
	msgAccountStatus = "account_status"
)

// streamMessage is one callback frame from the bridge.
type streamMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type orderErrorData struct {
	OrderID  int64  `json:"order_id"`
	ErrorID  int    `json:"error_id"`
	ErrorMsg string `json:"error_msg"`
}

type tradeData struct {
	OrderID      int64   `json:"order_id"`
	Symbol       string  `json:"stock_code"`
	TradedVolume int64   `json:"traded_volume"`
	TradedPrice  float64 `json:"traded_price"`
	TradedTime   int64   `json:"traded_time"`
}

type accountStatusData struct {
	AccountID   string `json:"account_id"`
	AccountType string `json:"account_type"`
	Status      int    `json:"status"`
}

// callbackStream keeps a websocket session to the bridge's callback endpoint alive.
type callbackStream struct {
	url     string
	logger  *zap.Logger
	onMsg   func(streamMessage)
	onUp    func()
	onDown  func(reason string)
	maxWait time.Duration
}

// run dials, reads until the connection drops, then reconnects with backoff until ctx ends.
func (s *callbackStream) run(ctx context.Context) {
	retry := backoff.NewExponentialBackOff()
	retry.MaxInterval = s.maxWait
	if retry.MaxInterval <= 0 {
		retry.MaxInterval = streamMaxReconnectInterval
	}

	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.Dial(ctx, s.url, nil)
		if err != nil {
			sleep := retry.NextBackOff()
			if sleep == backoff.Stop {
				sleep = retry.MaxInterval
			}
			s.logger.Warn("Callback stream dial failed",
				zap.String("url", s.url),
				zap.Duration("retry_after", sleep),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(sleep):
				continue
			}
		}

		retry.Reset()
		conn.SetReadLimit(streamReadLimit)
		s.logger.Info("Callback stream connected", zap.String("url", s.url))
		if s.onUp != nil {
			s.onUp()
		}

		err = s.readLoop(ctx, conn)
		_ = conn.Close(websocket.StatusNormalClosure, "")
		if ctx.Err() != nil {
			return
		}
		reason := "stream closed"
		if err != nil {
			reason = err.Error()
		}
		s.logger.Warn("Callback stream lost", zap.String("reason", reason))
		if s.onDown != nil {
			s.onDown(reason)
		}
	}
}

func (s *callbackStream) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("read callback frame: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		var msg streamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("Dropping malformed callback frame", zap.Error(err))
			continue
		}
		s.onMsg(msg)
	}
}
