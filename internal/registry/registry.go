// Package registry is the durable store of monitor tasks, trades and pending-order state.
// It is the only package that writes those tables.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"qmt-monitor-go/internal/broker"
	"qmt-monitor-go/internal/lockmap"
	"qmt-monitor-go/internal/models"
)

// DefaultTimeout bounds every registry call when none is configured.
const DefaultTimeout = 10 * time.Second

var (
	ErrTaskNotFound    = errors.New("task not found")
	ErrPendingConflict = errors.New("task already has an order in flight")
	ErrInvalidTask     = errors.New("invalid task")
)

// Registry serializes writes to one task row with a per-task lock.
type Registry struct {
	db      *gorm.DB
	logger  *zap.Logger
	timeout time.Duration
	locks   lockmap.Map[uint]
}

// New creates a registry over db. A non-positive timeout uses DefaultTimeout.
func New(db *gorm.DB, timeout time.Duration, logger *zap.Logger) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Registry{db: db, logger: logger.Named("registry"), timeout: timeout}
}

func (r *Registry) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.timeout)
}

func notFound(err error, id uint) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %d", ErrTaskNotFound, id)
	}
	return err
}

// TaskFilter narrows ListTasks. Empty fields match everything.
type TaskFilter struct {
	Status      string
	Symbol      string
	StrategyTag string
}

// TaskSpec describes a task to create.
type TaskSpec struct {
	Symbol           string
	DisplayName      string
	IntervalSeconds  int
	StrategyTag      string
	AutoTrade        bool
	TradingHoursOnly bool
	Quantity         int64
}

// TaskPatch holds the user-editable fields of a task. Nil fields are left unchanged.
type TaskPatch struct {
	DisplayName      *string
	IntervalSeconds  *int
	StrategyTag      *string
	AutoTrade        *bool
	TradingHoursOnly *bool
	Quantity         *int64
}

func (p TaskPatch) updates() map[string]any {
	out := make(map[string]any)
	if p.DisplayName != nil {
		out["display_name"] = *p.DisplayName
	}
	if p.IntervalSeconds != nil {
		out["interval_seconds"] = *p.IntervalSeconds
	}
	if p.StrategyTag != nil {
		out["strategy_tag"] = strings.ToUpper(*p.StrategyTag)
	}
	if p.AutoTrade != nil {
		out["auto_trade"] = *p.AutoTrade
	}
	if p.TradingHoursOnly != nil {
		out["trading_hours_only"] = *p.TradingHoursOnly
	}
	if p.Quantity != nil {
		out["quantity"] = *p.Quantity
	}
	return out
}

// TradePatch is a column → value map applied to one trade row.
type TradePatch map[string]any

func (r *Registry) GetTask(ctx context.Context, id uint) (*models.MonitorTask, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	var task models.MonitorTask
	if err := r.db.WithContext(ctx).First(&task, id).Error; err != nil {
		return nil, notFound(err, id)
	}
	return &task, nil
}

func (r *Registry) ListTasks(ctx context.Context, filter TaskFilter) ([]models.MonitorTask, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	q := r.db.WithContext(ctx).Model(&models.MonitorTask{})
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Symbol != "" {
		q = q.Where("symbol = ?", filter.Symbol)
	}
	if filter.StrategyTag != "" {
		q = q.Where("strategy_tag = ?", strings.ToUpper(filter.StrategyTag))
	}
	var tasks []models.MonitorTask
	if err := q.Order("id").Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

func (r *Registry) ListRunningTasks(ctx context.Context) ([]models.MonitorTask, error) {
	return r.ListTasks(ctx, TaskFilter{Status: models.TaskStatusRunning})
}

// ListPendingTasks returns tasks whose pending order has not reached a terminal status.
func (r *Registry) ListPendingTasks(ctx context.Context) ([]models.MonitorTask, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	var tasks []models.MonitorTask
	err := r.db.WithContext(ctx).
		Where("pending_order_id <> 0 AND pending_order_status NOT IN ?", broker.FinalCodes).
		Order("id").
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list pending tasks: %w", err)
	}
	return tasks, nil
}

// CreateTask stores a stopped task and makes sure its symbol is in the stock pool.
func (r *Registry) CreateTask(ctx context.Context, spec TaskSpec) (uint, error) {
	if spec.Symbol == "" {
		return 0, fmt.Errorf("%w: symbol required", ErrInvalidTask)
	}
	if spec.IntervalSeconds <= 0 {
		return 0, fmt.Errorf("%w: interval must be positive", ErrInvalidTask)
	}
	if spec.Quantity < 0 || spec.Quantity%broker.LotSize != 0 {
		return 0, fmt.Errorf("%w: quantity %d is not a multiple of %d", ErrInvalidTask, spec.Quantity, broker.LotSize)
	}
	if spec.StrategyTag == "" {
		spec.StrategyTag = "MA"
	}

	ctx, cancel := r.bound(ctx)
	defer cancel()

	task := models.MonitorTask{
		Symbol:           spec.Symbol,
		DisplayName:      spec.DisplayName,
		IntervalSeconds:  spec.IntervalSeconds,
		StrategyTag:      strings.ToUpper(spec.StrategyTag),
		AutoTrade:        spec.AutoTrade,
		TradingHoursOnly: spec.TradingHoursOnly,
		Quantity:         spec.Quantity,
		Status:           models.TaskStatusStopped,
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pool := models.StockPool{Symbol: spec.Symbol, DisplayName: spec.DisplayName}
		if err := tx.Where(models.StockPool{Symbol: spec.Symbol}).FirstOrCreate(&pool).Error; err != nil {
			return fmt.Errorf("failed to upsert stock pool entry %s: %w", spec.Symbol, err)
		}
		task.StockPoolID = pool.ID
		return tx.Create(&task).Error
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create task: %w", err)
	}
	r.logger.Info("Task created", zap.Uint("task_id", task.ID), zap.String("symbol", task.Symbol))
	return task.ID, nil
}

func (r *Registry) UpdateTask(ctx context.Context, id uint, patch TaskPatch) error {
	updates := patch.updates()
	if len(updates) == 0 {
		return nil
	}
	if v, ok := updates["interval_seconds"].(int); ok && v <= 0 {
		return fmt.Errorf("%w: interval must be positive", ErrInvalidTask)
	}
	if v, ok := updates["quantity"].(int64); ok && (v < 0 || v%broker.LotSize != 0) {
		return fmt.Errorf("%w: quantity %d is not a multiple of %d", ErrInvalidTask, v, broker.LotSize)
	}
	return r.updateTask(ctx, id, updates)
}

func (r *Registry) updateTask(ctx context.Context, id uint, updates map[string]any) error {
	unlock := r.locks.Lock(id)
	defer unlock()

	ctx, cancel := r.bound(ctx)
	defer cancel()

	res := r.db.WithContext(ctx).Model(&models.MonitorTask{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update task %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %d", ErrTaskNotFound, id)
	}
	return nil
}

// DeleteTask removes the task. Its trades are kept as history.
func (r *Registry) DeleteTask(ctx context.Context, id uint) error {
	unlock := r.locks.Lock(id)
	defer unlock()

	ctx, cancel := r.bound(ctx)
	defer cancel()

	res := r.db.WithContext(ctx).Delete(&models.MonitorTask{}, id)
	if res.Error != nil {
		return fmt.Errorf("failed to delete task %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %d", ErrTaskNotFound, id)
	}
	return nil
}

// SetTaskStatus records running/stopped. startedAt is only written when non-nil.
func (r *Registry) SetTaskStatus(ctx context.Context, id uint, status string, startedAt *time.Time) error {
	updates := map[string]any{"status": status}
	if startedAt != nil {
		updates["started_at"] = *startedAt
	}
	return r.updateTask(ctx, id, updates)
}

// MarkPending sets the task's in-flight order. It fails with ErrPendingConflict when
// another order is already pending and not terminal.
func (r *Registry) MarkPending(ctx context.Context, id uint, orderID int64, side broker.Side, code int, name string) error {
	unlock := r.locks.Lock(id)
	defer unlock()

	ctx, cancel := r.bound(ctx)
	defer cancel()

	return markPending(r.db.WithContext(ctx), id, orderID, side, code, name)
}

func markPending(db *gorm.DB, id uint, orderID int64, side broker.Side, code int, name string) error {
	res := db.Model(&models.MonitorTask{}).
		Where("id = ?", id).
		Where("(pending_order_id = 0 OR pending_order_id IS NULL OR pending_order_status IN ?)", broker.FinalCodes).
		Updates(map[string]any{
			"pending_order_id":          orderID,
			"pending_order_side":        string(side),
			"pending_order_status":      code,
			"pending_order_status_name": name,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to mark pending order %d on task %d: %w", orderID, id, res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var count int64
	if err := db.Model(&models.MonitorTask{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("%w: %d", ErrTaskNotFound, id)
	}
	return fmt.Errorf("%w: task %d", ErrPendingConflict, id)
}

var clearedPending = map[string]any{
	"pending_order_id":          0,
	"pending_order_side":        "",
	"pending_order_status":      0,
	"pending_order_status_name": "",
}

// ClearPending empties the task's pending-order fields unconditionally.
func (r *Registry) ClearPending(ctx context.Context, id uint) error {
	return r.updateTask(ctx, id, clearedPending)
}

// ClearPendingIf empties the pending-order fields only while orderID is still the pending order.
// It reports whether anything was cleared.
func (r *Registry) ClearPendingIf(ctx context.Context, id uint, orderID int64) (bool, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	ctx, cancel := r.bound(ctx)
	defer cancel()

	res := r.db.WithContext(ctx).Model(&models.MonitorTask{}).
		Where("id = ? AND pending_order_id = ?", id, orderID).
		Updates(clearedPending)
	if res.Error != nil {
		return false, fmt.Errorf("failed to clear pending order %d on task %d: %w", orderID, id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// MirrorPendingStatus copies a callback status onto the task while orderID is its
// pending order. A terminal pending status is never overwritten.
func (r *Registry) MirrorPendingStatus(ctx context.Context, id uint, orderID int64, code int, name string) (bool, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	ctx, cancel := r.bound(ctx)
	defer cancel()

	res := r.db.WithContext(ctx).Model(&models.MonitorTask{}).
		Where("id = ? AND pending_order_id = ?", id, orderID).
		Where("pending_order_status NOT IN ?", broker.FinalCodes).
		Updates(map[string]any{
			"pending_order_status":      code,
			"pending_order_status_name": name,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to mirror status of order %d on task %d: %w", orderID, id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// IncrementExecution counts one evaluation and records its signal.
func (r *Registry) IncrementExecution(ctx context.Context, id uint, signal string, at time.Time) error {
	return r.updateTask(ctx, id, map[string]any{
		"execution_count": gorm.Expr("execution_count + ?", 1),
		"last_signal":     signal,
		"last_signal_at":  at,
	})
}

func (r *Registry) AddTrade(ctx context.Context, trade *models.Trade) (uint, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	if err := r.db.WithContext(ctx).Create(trade).Error; err != nil {
		return 0, fmt.Errorf("failed to add trade for task %d: %w", trade.TaskID, err)
	}
	return trade.ID, nil
}

func (r *Registry) UpdateTrade(ctx context.Context, id uint, patch TradePatch) error {
	if len(patch) == 0 {
		return nil
	}
	ctx, cancel := r.bound(ctx)
	defer cancel()

	res := r.db.WithContext(ctx).Model(&models.Trade{}).Where("id = ?", id).Updates(map[string]any(patch))
	if res.Error != nil {
		return fmt.Errorf("failed to update trade %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("trade %d not found", id)
	}
	return nil
}

// SplitTrade applies patch to trade id and inserts remainder in one transaction.
func (r *Registry) SplitTrade(ctx context.Context, id uint, patch TradePatch, remainder *models.Trade) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Trade{}).Where("id = ?", id).Updates(map[string]any(patch))
		if res.Error != nil {
			return fmt.Errorf("failed to update trade %d: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("trade %d not found", id)
		}
		if err := tx.Create(remainder).Error; err != nil {
			return fmt.Errorf("failed to add remainder of trade %d: %w", id, err)
		}
		return nil
	})
}

// FindOpenTradeForTask returns the newest open trade whose buy leg was not cancelled or
// rejected, or nil when there is none.
func (r *Registry) FindOpenTradeForTask(ctx context.Context, taskID uint) (*models.Trade, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	var trades []models.Trade
	err := r.db.WithContext(ctx).
		Where("task_id = ? AND status = ?", taskID, models.TradeStatusOpen).
		Where("buy_order_status NOT IN ?", []int{int(broker.StatusCanceled), int(broker.StatusJunk)}).
		Order("id DESC").
		Limit(1).
		Find(&trades).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find open trade for task %d: %w", taskID, err)
	}
	if len(trades) == 0 {
		return nil, nil
	}
	return &trades[0], nil
}

// TradeFilter narrows ListTrades. Zero fields match everything.
type TradeFilter struct {
	TaskID uint
	Status string
	Since  time.Time
	Limit  int
}

// ListTrades returns matching trades, newest first.
func (r *Registry) ListTrades(ctx context.Context, filter TradeFilter) ([]models.Trade, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	q := r.db.WithContext(ctx).Model(&models.Trade{})
	if filter.TaskID != 0 {
		q = q.Where("task_id = ?", filter.TaskID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if !filter.Since.IsZero() {
		q = q.Where("created_at >= ?", filter.Since)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var trades []models.Trade
	if err := q.Order("id DESC").Find(&trades).Error; err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	return trades, nil
}

// ListTradesForTask returns every trade of taskID, oldest first.
func (r *Registry) ListTradesForTask(ctx context.Context, taskID uint) ([]models.Trade, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	var trades []models.Trade
	if err := r.db.WithContext(ctx).Where("task_id = ?", taskID).Order("id").Find(&trades).Error; err != nil {
		return nil, fmt.Errorf("failed to list trades for task %d: %w", taskID, err)
	}
	return trades, nil
}

// FindTradeByOrderID returns the trade whose buy or sell leg carries orderID, or nil.
func (r *Registry) FindTradeByOrderID(ctx context.Context, orderID int64) (*models.Trade, error) {
	if orderID == 0 {
		return nil, nil
	}
	ctx, cancel := r.bound(ctx)
	defer cancel()

	var trades []models.Trade
	err := r.db.WithContext(ctx).
		Where("buy_order_id = ? OR sell_order_id = ?", orderID, orderID).
		Order("id DESC").
		Limit(1).
		Find(&trades).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find trade for order %d: %w", orderID, err)
	}
	if len(trades) == 0 {
		return nil, nil
	}
	return &trades[0], nil
}

// Submission is what an accepted order writes: the pending marker plus either a new
// trade row or a patch to an existing one.
type Submission struct {
	OrderID    int64
	Side       broker.Side
	StatusCode int
	StatusName string

	NewTrade *models.Trade
	TradeID  uint
	Patch    TradePatch
}

// RecordSubmission marks the order pending and writes its trade row in one transaction.
// On ErrPendingConflict nothing is written.
func (r *Registry) RecordSubmission(ctx context.Context, taskID uint, sub Submission) error {
	unlock := r.locks.Lock(taskID)
	defer unlock()

	ctx, cancel := r.bound(ctx)
	defer cancel()

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := markPending(tx, taskID, sub.OrderID, sub.Side, sub.StatusCode, sub.StatusName); err != nil {
			return err
		}
		if sub.NewTrade != nil {
			sub.NewTrade.TaskID = taskID
			if err := tx.Create(sub.NewTrade).Error; err != nil {
				return fmt.Errorf("failed to add trade for order %d: %w", sub.OrderID, err)
			}
			return nil
		}
		res := tx.Model(&models.Trade{}).Where("id = ?", sub.TradeID).Updates(map[string]any(sub.Patch))
		if res.Error != nil {
			return fmt.Errorf("failed to update trade %d for order %d: %w", sub.TradeID, sub.OrderID, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("trade %d not found", sub.TradeID)
		}
		return nil
	})
}
