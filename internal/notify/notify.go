// Package notify delivers human-facing notifications about signals, orders and the broker session.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"qmt-monitor-go/internal/eventbus"
)

// Kind classifies a notification.
type Kind string

const (
	KindSignal         Kind = "signal"
	KindOrderSubmitted Kind = "order_submitted"
	KindSubmitFailed   Kind = "submit_failed"
	KindOrderFinished  Kind = "order_finished"
	KindOrderFailed    Kind = "order_failed"
	KindTrade          Kind = "trade"
	KindBrokerLost     Kind = "broker_disconnected"
	KindCancelFailed   Kind = "cancel_failed"
	KindAccountStatus  Kind = "account_status"
)

// Notification is one message for the user.
type Notification struct {
	Kind    Kind           `json:"kind"`
	TaskID  uint           `json:"task_id,omitempty"`
	Symbol  string         `json:"symbol,omitempty"`
	Title   string         `json:"title"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
	At      time.Time      `json:"at"`
}

// Notifier sends notifications. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the log.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("notify")}
}

func (l *LogNotifier) Notify(ctx context.Context, n Notification) error {
	fields := []zap.Field{
		zap.String("kind", string(n.Kind)),
		zap.String("title", n.Title),
		zap.String("message", n.Message),
	}
	if n.TaskID != 0 {
		fields = append(fields, zap.Uint("task_id", n.TaskID))
	}
	if n.Symbol != "" {
		fields = append(fields, zap.String("symbol", n.Symbol))
	}
	if len(n.Fields) > 0 {
		fields = append(fields, zap.Any("fields", n.Fields))
	}
	switch n.Kind {
	case KindSubmitFailed, KindOrderFailed, KindBrokerLost, KindCancelFailed:
		l.logger.Warn("Notification", fields...)
	default:
		l.logger.Info("Notification", fields...)
	}
	return nil
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Send stamps n and delivers it, logging instead of returning a failure.
func Send(ctx context.Context, notifier Notifier, logger *zap.Logger, n Notification) {
	if notifier == nil {
		return
	}
	if n.At.IsZero() {
		n.At = time.Now()
	}
	if err := notifier.Notify(ctx, n); err != nil {
		logger.Warn("Notification delivery failed", zap.String("kind", string(n.Kind)), zap.Error(err))
	}
}

// Watch forwards broker-level bus events to notifier. The returned func unsubscribes.
func Watch(bus eventbus.Bus, notifier Notifier, logger *zap.Logger) func() {
	logger = logger.Named("notify-watch")
	ids := []eventbus.SubscriptionID{
		bus.Subscribe(eventbus.KindTrade, "notify", func(ctx context.Context, evt eventbus.Event) {
			p, ok := evt.Payload.(eventbus.TradeEvent)
			if !ok {
				return
			}
			Send(ctx, notifier, logger, Notification{
				Kind:    KindTrade,
				Symbol:  p.Symbol,
				Title:   "成交回报",
				Message: fmt.Sprintf("order %d filled %d @ %.3f", p.OrderID, p.FilledQty, p.FilledPrice),
				Fields:  map[string]any{"order_id": p.OrderID, "filled_qty": p.FilledQty, "filled_price": p.FilledPrice},
			})
		}),
		bus.Subscribe(eventbus.KindDisconnected, "notify", func(ctx context.Context, evt eventbus.Event) {
			p, _ := evt.Payload.(eventbus.DisconnectedEvent)
			Send(ctx, notifier, logger, Notification{
				Kind:    KindBrokerLost,
				Title:   "券商连接断开",
				Message: p.Reason,
			})
		}),
		bus.Subscribe(eventbus.KindCancelError, "notify", func(ctx context.Context, evt eventbus.Event) {
			p, ok := evt.Payload.(eventbus.CancelErrorEvent)
			if !ok {
				return
			}
			Send(ctx, notifier, logger, Notification{
				Kind:    KindCancelFailed,
				Title:   "撤单失败",
				Message: fmt.Sprintf("cancel of order %d failed: %s", p.OrderID, p.ErrorMsg),
				Fields:  map[string]any{"order_id": p.OrderID, "error_code": p.ErrorCode},
			})
		}),
		bus.Subscribe(eventbus.KindAccountStatus, "notify", func(ctx context.Context, evt eventbus.Event) {
			p, ok := evt.Payload.(eventbus.AccountStatusEvent)
			if !ok {
				return
			}
			Send(ctx, notifier, logger, Notification{
				Kind:    KindAccountStatus,
				Title:   "账户状态",
				Message: fmt.Sprintf("account %s status %d", p.AccountID, p.Status),
				Fields:  map[string]any{"account_type": p.AccountType},
			})
		}),
	}
	return func() {
		for _, id := range ids {
			bus.Unsubscribe(id)
		}
	}
}
