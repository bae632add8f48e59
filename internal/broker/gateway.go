// Package broker adapts the external QMT broker: synchronous order and account RPCs,
// plus translation of the broker's asynchronous callbacks into event bus events.
package broker

import (
	"context"
	"fmt"

	"qmt-monitor-go/internal/eventbus"
)

// Gateway is the broker surface used by the executor and supervisor.
// A nil error from Buy or Sell means the broker accepted the request, not that it filled.
type Gateway interface {
	Connect(ctx context.Context) error
	IsConnected() bool
	Buy(ctx context.Context, symbol string, qty int64, price float64, pt PriceType) (int64, error)
	Sell(ctx context.Context, symbol string, qty int64, price float64, pt PriceType) (int64, error)
	CancelOrder(ctx context.Context, orderID int64) error
	QueryAccount(ctx context.Context) (*Account, error)
	QueryPositions(ctx context.Context) ([]Position, error)
	// QueryPosition returns nil, nil when nothing is held.
	QueryPosition(ctx context.Context, symbol string) (*Position, error)
	QueryOrders(ctx context.Context, cancelableOnly bool) ([]Order, error)
	Close() error
}

// ValidateBuy checks the lot rule before any broker round trip.
func ValidateBuy(symbol string, qty int64) error {
	if symbol == "" {
		return ErrInvalidSymbol
	}
	if qty <= 0 || qty%LotSize != 0 {
		return fmt.Errorf("%w: buy quantity %d is not a multiple of %d", ErrInvalidQuantity, qty, LotSize)
	}
	return nil
}

// ValidateSell checks qty against the sellable volume of pos.
func ValidateSell(symbol string, qty int64, pos *Position) error {
	if symbol == "" {
		return ErrInvalidSymbol
	}
	if qty <= 0 {
		return fmt.Errorf("%w: sell quantity %d", ErrInvalidQuantity, qty)
	}
	if pos == nil || pos.CanSell <= 0 {
		if pos != nil && pos.Volume > 0 {
			return fmt.Errorf("%w: %s holds %d shares but none are sellable today (T+1)", ErrInsufficientPosition, symbol, pos.Volume)
		}
		return fmt.Errorf("%w: no position in %s", ErrInsufficientPosition, symbol)
	}
	if qty > pos.CanSell {
		if pos.Volume > pos.CanSell {
			return fmt.Errorf("%w: sell %d exceeds sellable %d of %d held (T+1)", ErrInsufficientPosition, qty, pos.CanSell, pos.Volume)
		}
		return fmt.Errorf("%w: sell %d exceeds sellable %d", ErrInsufficientPosition, qty, pos.CanSell)
	}
	return nil
}

// CancelableOrders keeps the orders a cancel can still affect.
func CancelableOrders(orders []Order) []Order {
	out := make([]Order, 0, len(orders))
	for _, o := range orders {
		if o.Cancelable() {
			out = append(out, o)
		}
	}
	return out
}

// OrdersBySymbol keeps the orders for symbol.
func OrdersBySymbol(orders []Order, symbol string) []Order {
	out := make([]Order, 0)
	for _, o := range orders {
		if o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out
}

// FindOrder returns the order with the given id.
func FindOrder(orders []Order, orderID int64) (Order, bool) {
	for _, o := range orders {
		if o.OrderID == orderID {
			return o, true
		}
	}
	return Order{}, false
}

// StatusEvent renders a broker order as the OrderStatus event a callback would carry.
func StatusEvent(o Order) eventbus.OrderStatusEvent {
	return eventbus.OrderStatusEvent{
		OrderID:        o.OrderID,
		Symbol:         o.Symbol,
		StatusCode:     int(o.Status),
		StatusName:     o.Status.Name(),
		IsFinal:        o.Status.IsFinal(),
		IsSuccess:      o.Status.IsSuccess(),
		FilledQty:      o.TradedVolume,
		FilledPrice:    o.TradedPrice,
		Side:           string(o.Side()),
		SubmittedPrice: o.Price,
	}
}
