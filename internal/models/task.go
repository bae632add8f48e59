package models

import (
	"time"

	"gorm.io/gorm"

	"qmt-monitor-go/internal/broker"
)

// Task runtime states.
const (
	TaskStatusRunning = "running"
	TaskStatusStopped = "stopped"
)

// MonitorTask is a persisted directive to periodically evaluate a symbol and optionally trade it.
type MonitorTask struct {
	gorm.Model
	StockPoolID      uint   `gorm:"index" json:"stock_pool_id"`
	Symbol           string `gorm:"index;not null" json:"symbol"`
	DisplayName      string `json:"display_name"`
	IntervalSeconds  int    `gorm:"not null" json:"interval_seconds"`
	StrategyTag      string `gorm:"not null" json:"strategy_tag"`
	AutoTrade        bool   `json:"auto_trade"`
	TradingHoursOnly bool   `json:"trading_hours_only"`
	// Quantity overrides the configured default when positive.
	Quantity int64 `json:"quantity"`

	Status         string     `gorm:"index;not null" json:"status"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	ExecutionCount int64      `json:"execution_count"`
	LastSignal     string     `json:"last_signal"`
	LastSignalAt   *time.Time `json:"last_signal_at,omitempty"`

	PendingOrderID         int64  `gorm:"index" json:"pending_order_id"`
	PendingOrderSide       string `json:"pending_order_side"`
	PendingOrderStatus     int    `json:"pending_order_status"`
	PendingOrderStatusName string `json:"pending_order_status_name"`
}

// HasInflightOrder reports whether a submitted order has not reached a terminal status yet.
func (t *MonitorTask) HasInflightOrder() bool {
	return t.PendingOrderID != 0 && !broker.IsFinalCode(t.PendingOrderStatus)
}

// Interval returns the check interval as a duration.
func (t *MonitorTask) Interval() time.Duration {
	return time.Duration(t.IntervalSeconds) * time.Second
}

// StockPool is a symbol the user tracks. Each entry owns the tasks created for it.
type StockPool struct {
	gorm.Model
	Symbol      string        `gorm:"uniqueIndex;not null" json:"symbol"`
	DisplayName string        `json:"display_name"`
	Tasks       []MonitorTask `gorm:"foreignKey:StockPoolID" json:"tasks,omitempty"`
}

// TableName keeps the singular table name.
func (StockPool) TableName() string {
	return "stock_pool"
}
