package broker

import (
	"errors"
	"fmt"
	"time"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// PriceType selects how the broker prices an order.
type PriceType string

const (
	PriceMarket PriceType = "market"
	PriceLimit  PriceType = "limit"
)

// Broker wire constants for order side and price type.
const (
	OrderTypeStockBuy  = 23
	OrderTypeStockSell = 24

	PriceTypeFix                  = 11
	PriceTypeMarketPeerPriceFirst = 44
)

// BrokerCode maps the price type onto the broker's numeric price type.
func (p PriceType) BrokerCode() int {
	if p == PriceMarket {
		return PriceTypeMarketPeerPriceFirst
	}
	return PriceTypeFix
}

// SideFromOrderType maps the broker's numeric order type back to a Side.
func SideFromOrderType(orderType int) Side {
	if orderType == OrderTypeStockSell {
		return SideSell
	}
	return SideBuy
}

// LotSize is the minimum tradable unit for a buy order.
const LotSize = 100

var (
	ErrNotConnected         = errors.New("broker not connected")
	ErrInvalidQuantity      = errors.New("invalid order quantity")
	ErrInvalidSymbol        = errors.New("symbol required")
	ErrInsufficientPosition = errors.New("insufficient sellable position")
)

// RejectError is returned when the broker refuses an order at submission.
type RejectError struct {
	Code   int
	Reason string
}

func (e *RejectError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("broker rejected order (%d): %s", e.Code, e.Reason)
	}
	return "broker rejected order: " + e.Reason
}

// Account is a snapshot of the trading account.
type Account struct {
	AccountID      string  `json:"account_id"`
	Cash           float64 `json:"cash"`
	FrozenCash     float64 `json:"frozen_cash"`
	MarketValue    float64 `json:"market_value"`
	TotalAsset     float64 `json:"total_asset"`
	PositionsCount int     `json:"positions_count"`
	Connected      bool    `json:"connected"`
}

// Position is a holding in one symbol. CanSell excludes shares bought today (T+1).
type Position struct {
	Symbol      string  `json:"stock_code"`
	Volume      int64   `json:"volume"`
	CanSell     int64   `json:"can_use_volume"`
	OpenPrice   float64 `json:"open_price"`
	MarketValue float64 `json:"market_value"`
}

// Order is the broker's view of a submitted order.
type Order struct {
	OrderID      int64       `json:"order_id"`
	Symbol       string      `json:"stock_code"`
	OrderType    int         `json:"order_type"`
	Status       OrderStatus `json:"order_status"`
	StatusMsg    string      `json:"status_msg"`
	Price        float64     `json:"price"`
	Volume       int64       `json:"order_volume"`
	TradedVolume int64       `json:"traded_volume"`
	TradedPrice  float64     `json:"traded_price"`
	OrderTime    int64       `json:"order_time"`
	Remark       string      `json:"order_remark"`
}

// Side returns the order direction.
func (o Order) Side() Side {
	return SideFromOrderType(o.OrderType)
}

// Cancelable reports whether a cancel request can still affect the order.
func (o Order) Cancelable() bool {
	switch o.Status {
	case StatusUnreported, StatusWaitReporting, StatusReported, StatusPartSucc:
		return true
	}
	return false
}

// Bar is one K-line.
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}
