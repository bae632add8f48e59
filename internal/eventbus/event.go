package eventbus

import (
	"context"
	"time"
)

// Kind names a broker event type.
type Kind string

const (
	KindOrderStatus   Kind = "order_status"
	KindOrderError    Kind = "order_error"
	KindTrade         Kind = "trade"
	KindCancelError   Kind = "cancel_error"
	KindDisconnected  Kind = "disconnected"
	KindAccountStatus Kind = "account_status"
)

// Kinds lists every event kind the bus carries.
var Kinds = []Kind{
	KindOrderStatus,
	KindOrderError,
	KindTrade,
	KindCancelError,
	KindDisconnected,
	KindAccountStatus,
}

// OrderStatusEvent reports a change of an order's broker status.
type OrderStatusEvent struct {
	OrderID        int64   `json:"orderId"`
	Symbol         string  `json:"symbol"`
	StatusCode     int     `json:"statusCode"`
	StatusName     string  `json:"statusName"`
	IsFinal        bool    `json:"isFinal"`
	IsSuccess      bool    `json:"isSuccess"`
	FilledQty      int64   `json:"filledQty"`
	FilledPrice    float64 `json:"filledPrice"`
	Side           string  `json:"side"`
	SubmittedPrice float64 `json:"submittedPrice"`
}

// OrderErrorEvent reports an asynchronous order failure.
type OrderErrorEvent struct {
	OrderID   int64  `json:"orderId"`
	ErrorCode int    `json:"errorCode"`
	ErrorMsg  string `json:"errorMsg"`
}

// TradeEvent confirms a fill. It accompanies the OrderStatus that reaches SUCCEEDED.
type TradeEvent struct {
	OrderID     int64     `json:"orderId"`
	Symbol      string    `json:"symbol"`
	FilledQty   int64     `json:"filledQty"`
	FilledPrice float64   `json:"filledPrice"`
	FilledAt    time.Time `json:"filledAt"`
}

// CancelErrorEvent reports a failed cancel request.
type CancelErrorEvent struct {
	OrderID   int64  `json:"orderId"`
	ErrorCode int    `json:"errorCode"`
	ErrorMsg  string `json:"errorMsg"`
}

// DisconnectedEvent reports loss of the broker session.
type DisconnectedEvent struct {
	Reason string `json:"reason"`
}

// AccountStatusEvent reports a broker account state change.
type AccountStatusEvent struct {
	AccountID   string `json:"accountId"`
	AccountType string `json:"accountType"`
	Status      int    `json:"status"`
}

// Event is a payload stamped by the bus before delivery.
type Event struct {
	Kind      Kind
	UnixNanos int64
	WallClock string
	// Origin identifies the publishing bus instance on transports shared between processes.
	Origin    string
	Payload   any
}

// Handler consumes delivered events. Handlers must not assume they run on the publisher's goroutine.
type Handler func(ctx context.Context, evt Event)

const wallClockLayout = "2006-01-02 15:04:05.000"

func stamp(kind Kind, payload any, now time.Time) Event {
	return Event{
		Kind:      kind,
		UnixNanos: now.UnixNano(),
		WallClock: now.Format(wallClockLayout),
		Payload:   payload,
	}
}

// newPayload returns a pointer to the zero payload for kind, or nil when the kind is unknown.
func newPayload(kind Kind) any {
	switch kind {
	case KindOrderStatus:
		return new(OrderStatusEvent)
	case KindOrderError:
		return new(OrderErrorEvent)
	case KindTrade:
		return new(TradeEvent)
	case KindCancelError:
		return new(CancelErrorEvent)
	case KindDisconnected:
		return new(DisconnectedEvent)
	case KindAccountStatus:
		return new(AccountStatusEvent)
	}
	return nil
}

// derefPayload turns the pointer produced by newPayload back into a value.
func derefPayload(p any) any {
	switch v := p.(type) {
	case *OrderStatusEvent:
		return *v
	case *OrderErrorEvent:
		return *v
	case *TradeEvent:
		return *v
	case *CancelErrorEvent:
		return *v
	case *DisconnectedEvent:
		return *v
	case *AccountStatusEvent:
		return *v
	}
	return p
}
