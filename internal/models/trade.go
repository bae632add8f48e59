package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"qmt-monitor-go/internal/broker"
)

// Trade row states.
const (
	TradeStatusOpen   = "open"
	TradeStatusClosed = "closed"
)

// Trade is one order submission. A buy creates it; the closing sell updates it in place.
type Trade struct {
	gorm.Model
	TaskID uint   `gorm:"index:idx_trades_task_status,priority:1;not null" json:"task_id"`
	Symbol string `gorm:"not null" json:"symbol"`
	Side   string `gorm:"not null" json:"side"`

	BuyPrice           float64    `json:"buy_price"`
	BuyQty             int64      `json:"buy_qty"`
	BuyTime            *time.Time `json:"buy_time,omitempty"`
	BuyOrderID         int64      `gorm:"index" json:"buy_order_id"`
	BuyOrderStatus     int        `json:"buy_order_status"`
	BuyOrderStatusName string     `json:"buy_order_status_name"`

	SellPrice           float64    `json:"sell_price"`
	SellQty             int64      `json:"sell_qty"`
	SellTime            *time.Time `json:"sell_time,omitempty"`
	SellOrderID         int64      `gorm:"index" json:"sell_order_id"`
	SellOrderStatus     int        `json:"sell_order_status"`
	SellOrderStatusName string     `json:"sell_order_status_name"`

	ProfitLoss    float64 `json:"profit_loss"`
	ProfitLossPct float64 `json:"profit_loss_pct"`

	Status string `gorm:"index:idx_trades_task_status,priority:2;not null" json:"status"`
	// IsActivePosition is true only while a filled buy leg is not yet sold.
	IsActivePosition bool           `gorm:"index" json:"is_active_position"`
	Details          datatypes.JSON `json:"details"`
}

// LegFor returns which leg of the trade orderID belongs to.
func (t *Trade) LegFor(orderID int64) (broker.Side, bool) {
	switch {
	case orderID == 0:
		return "", false
	case t.BuyOrderID == orderID:
		return broker.SideBuy, true
	case t.SellOrderID == orderID:
		return broker.SideSell, true
	}
	return "", false
}

// LegStatus returns the status code recorded for the given leg.
func (t *Trade) LegStatus(side broker.Side) int {
	if side == broker.SideSell {
		return t.SellOrderStatus
	}
	return t.BuyOrderStatus
}

// ComputeProfitLoss returns the profit of a round trip and its percentage of the buy price.
// The amount is rounded to 0.01 and the percentage to 0.0001.
func ComputeProfitLoss(buyPrice, sellPrice float64, qty int64) (float64, float64) {
	buy := decimal.NewFromFloat(buyPrice)
	diff := decimal.NewFromFloat(sellPrice).Sub(buy)

	pl := diff.Mul(decimal.NewFromInt(qty)).Round(2)
	if buy.IsZero() {
		return pl.InexactFloat64(), 0
	}
	pct := diff.Div(buy).Mul(decimal.NewFromInt(100)).Round(4)
	return pl.InexactFloat64(), pct.InexactFloat64()
}
