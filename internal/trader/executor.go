package trader

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"qmt-monitor-go/internal/broker"
	"qmt-monitor-go/internal/config"
	"qmt-monitor-go/internal/eventbus"
	"qmt-monitor-go/internal/lockmap"
	"qmt-monitor-go/internal/logger"
	"qmt-monitor-go/internal/metrics"
	"qmt-monitor-go/internal/models"
	"qmt-monitor-go/internal/notify"
	"qmt-monitor-go/internal/registry"
	"qmt-monitor-go/internal/signal"
)

const subscriberName = "executor"

// Executor submits orders for actionable signals and applies broker callbacks to the
// registry. At most one order per task is in flight at any time.
type Executor struct {
	gateway  broker.Gateway
	registry *registry.Registry
	bus      eventbus.Bus
	notifier notify.Notifier
	metrics  *metrics.Monitor
	logger   *zap.Logger
	cfg      config.Monitor
	now      func() time.Time

	// locks serializes Act and callback handling per task.
	locks lockmap.Map[uint]

	mu         sync.Mutex
	orderTasks map[int64]uint
	// submitting holds broker calls whose order may not be recorded yet.
	submitting map[*submission]struct{}
	subs       []eventbus.SubscriptionID
}

// submission is closed once its order is tracked or the call failed.
type submission struct {
	done chan struct{}
}

// ExecutorDeps are the collaborators of an Executor.
type ExecutorDeps struct {
	Gateway  broker.Gateway
	Registry *registry.Registry
	Bus      eventbus.Bus
	Notifier notify.Notifier
	Metrics  *metrics.Monitor
	Logger   *zap.Logger
	Config   config.Monitor
}

func NewExecutor(deps ExecutorDeps) *Executor {
	return &Executor{
		gateway:    deps.Gateway,
		registry:   deps.Registry,
		bus:        deps.Bus,
		notifier:   deps.Notifier,
		metrics:    deps.Metrics,
		logger:     deps.Logger.Named("executor"),
		cfg:        deps.Config,
		now:        time.Now,
		orderTasks: make(map[int64]uint),
		submitting: make(map[*submission]struct{}),
	}
}

// Start subscribes to order callbacks.
func (e *Executor) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.subs) > 0 {
		return
	}
	e.subs = append(e.subs,
		e.bus.Subscribe(eventbus.KindOrderStatus, subscriberName, e.onOrderStatus),
		e.bus.Subscribe(eventbus.KindOrderError, subscriberName, e.onOrderError),
	)
}

// Stop unsubscribes from order callbacks.
func (e *Executor) Stop() {
	e.mu.Lock()
	subs := e.subs
	e.subs = nil
	e.mu.Unlock()
	for _, id := range subs {
		e.bus.Unsubscribe(id)
	}
}

func (e *Executor) onOrderStatus(ctx context.Context, evt eventbus.Event) {
	p, ok := evt.Payload.(eventbus.OrderStatusEvent)
	if !ok {
		return
	}
	if err := e.HandleOrderStatus(ctx, p); err != nil {
		e.logger.Error("Failed to apply order status", zap.Int64("order_id", p.OrderID), zap.Int("status", p.StatusCode), zap.Error(err))
	}
}

func (e *Executor) onOrderError(ctx context.Context, evt eventbus.Event) {
	p, ok := evt.Payload.(eventbus.OrderErrorEvent)
	if !ok {
		return
	}
	if err := e.HandleOrderError(ctx, p); err != nil {
		e.logger.Error("Failed to apply order error", zap.Int64("order_id", p.OrderID), zap.Error(err))
	}
}

// Act turns a buy or sell signal into an order, unless the task already has one in flight.
func (e *Executor) Act(ctx context.Context, taskID uint, res signal.Result) error {
	unlock := e.locks.Lock(taskID)
	defer unlock()

	task, err := e.registry.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	log := logger.ForTask(e.logger, task.ID, task.Symbol)

	if task.HasInflightOrder() {
		log.Info("Order in flight, skipping signal",
			zap.String("signal", string(res.Signal)),
			zap.Int64("pending_order_id", task.PendingOrderID),
			zap.Int("pending_status", task.PendingOrderStatus))
		e.metrics.Order(string(res.Signal), metrics.OutcomeInflight)
		return nil
	}

	switch res.Signal {
	case signal.Buy:
		return e.buy(ctx, task, res, log)
	case signal.Sell:
		return e.sell(ctx, task, res, log)
	}
	return nil
}

func (e *Executor) buy(ctx context.Context, task *models.MonitorTask, res signal.Result, log *zap.Logger) error {
	price := res.Snapshot.Close
	qty, err := e.quantity(ctx, task, price)
	if err != nil {
		e.submitFailed(ctx, task, broker.SideBuy, err, log)
		return err
	}

	inflight := e.beginSubmission()
	orderID, err := e.gateway.Buy(ctx, task.Symbol, qty, price, e.priceType())
	if err != nil {
		e.endSubmission(inflight)
		e.submitFailed(ctx, task, broker.SideBuy, err, log)
		return fmt.Errorf("buy %s: %w", task.Symbol, err)
	}

	now := e.now()
	err = e.registry.RecordSubmission(ctx, task.ID, registry.Submission{
		OrderID:    orderID,
		Side:       broker.SideBuy,
		StatusCode: int(broker.StatusReported),
		StatusName: broker.StatusReported.Name(),
		NewTrade: &models.Trade{
			Symbol:             task.Symbol,
			Side:               string(broker.SideBuy),
			BuyPrice:           price,
			BuyQty:             qty,
			BuyTime:            &now,
			BuyOrderID:         orderID,
			BuyOrderStatus:     int(broker.StatusReported),
			BuyOrderStatusName: broker.StatusReported.Name(),
			Status:             models.TradeStatusOpen,
			Details:            details(res),
		},
	})
	if err == nil {
		e.track(orderID, task.ID)
	}
	e.endSubmission(inflight)

	if err != nil {
		return e.recordFailed(ctx, task, broker.SideBuy, orderID, err, log)
	}

	log.Info("Buy order submitted", zap.Int64("order_id", orderID), zap.Int64("qty", qty), zap.Float64("price", price))
	e.metrics.Order(string(broker.SideBuy), metrics.OutcomeSubmitted)
	notify.Send(ctx, e.notifier, log, notify.Notification{
		Kind:    notify.KindOrderSubmitted,
		TaskID:  task.ID,
		Symbol:  task.Symbol,
		Title:   fmt.Sprintf("买入委托 %s", task.Symbol),
		Message: fmt.Sprintf("buy %d @ %.3f submitted as order %d", qty, price, orderID),
		Fields:  map[string]any{"order_id": orderID, "qty": qty, "price": price, "side": "buy"},
	})
	return nil
}

func (e *Executor) sell(ctx context.Context, task *models.MonitorTask, res signal.Result, log *zap.Logger) error {
	pos, err := e.gateway.QueryPosition(ctx, task.Symbol)
	if err != nil {
		e.submitFailed(ctx, task, broker.SideSell, err, log)
		return fmt.Errorf("query position %s: %w", task.Symbol, err)
	}
	if pos == nil || pos.CanSell <= 0 {
		fields := []zap.Field{}
		if pos != nil {
			fields = append(fields, zap.Int64("volume", pos.Volume), zap.Int64("can_sell", pos.CanSell))
		}
		log.Info("No sellable position, skipping sell signal", fields...)
		e.metrics.Order(string(broker.SideSell), metrics.OutcomeNoPos)
		return nil
	}

	open, err := e.registry.FindOpenTradeForTask(ctx, task.ID)
	if err != nil {
		return err
	}

	price := res.Snapshot.Close
	qty := pos.CanSell

	inflight := e.beginSubmission()
	orderID, err := e.gateway.Sell(ctx, task.Symbol, qty, price, e.priceType())
	if err != nil {
		e.endSubmission(inflight)
		e.submitFailed(ctx, task, broker.SideSell, err, log)
		return fmt.Errorf("sell %s: %w", task.Symbol, err)
	}

	now := e.now()
	sub := registry.Submission{
		OrderID:    orderID,
		Side:       broker.SideSell,
		StatusCode: int(broker.StatusReported),
		StatusName: broker.StatusReported.Name(),
	}
	var pl, pct float64
	if open != nil {
		pl, pct = models.ComputeProfitLoss(open.BuyPrice, price, open.BuyQty)
		sub.TradeID = open.ID
		sub.Patch = registry.TradePatch{
			"sell_order_id":          orderID,
			"sell_price":             price,
			"sell_qty":               qty,
			"sell_time":              now,
			"sell_order_status":      int(broker.StatusReported),
			"sell_order_status_name": broker.StatusReported.Name(),
			"status":                 models.TradeStatusClosed,
			"profit_loss":            pl,
			"profit_loss_pct":        pct,
		}
	} else {
		sub.NewTrade = &models.Trade{
			Symbol:              task.Symbol,
			Side:                string(broker.SideSell),
			SellPrice:           price,
			SellQty:             qty,
			SellTime:            &now,
			SellOrderID:         orderID,
			SellOrderStatus:     int(broker.StatusReported),
			SellOrderStatusName: broker.StatusReported.Name(),
			Status:              models.TradeStatusClosed,
			Details:             details(res),
		}
	}
	err = e.registry.RecordSubmission(ctx, task.ID, sub)
	if err == nil {
		e.track(orderID, task.ID)
	}
	e.endSubmission(inflight)

	if err != nil {
		return e.recordFailed(ctx, task, broker.SideSell, orderID, err, log)
	}

	log.Info("Sell order submitted",
		zap.Int64("order_id", orderID),
		zap.Int64("qty", qty),
		zap.Float64("price", price),
		zap.Bool("closes_open_trade", open != nil),
		zap.Float64("provisional_pl", pl))
	e.metrics.Order(string(broker.SideSell), metrics.OutcomeSubmitted)
	notify.Send(ctx, e.notifier, log, notify.Notification{
		Kind:    notify.KindOrderSubmitted,
		TaskID:  task.ID,
		Symbol:  task.Symbol,
		Title:   fmt.Sprintf("卖出委托 %s", task.Symbol),
		Message: fmt.Sprintf("sell %d @ %.3f submitted as order %d", qty, price, orderID),
		Fields:  map[string]any{"order_id": orderID, "qty": qty, "price": price, "side": "sell", "profit_loss": pl, "profit_loss_pct": pct},
	})
	return nil
}

// quantity sizes a buy: the task's own quantity, else a share of total assets, else the default.
func (e *Executor) quantity(ctx context.Context, task *models.MonitorTask, price float64) (int64, error) {
	qty := task.Quantity
	if qty <= 0 && e.cfg.PositionSizePct > 0 && price > 0 {
		acct, err := e.gateway.QueryAccount(ctx)
		if err != nil {
			return 0, fmt.Errorf("query account for position sizing: %w", err)
		}
		lots := int64(math.Floor(acct.TotalAsset * e.cfg.PositionSizePct / 100 / price / broker.LotSize))
		if lots < 1 {
			lots = 1
		}
		qty = lots * broker.LotSize
	}
	if qty <= 0 {
		qty = e.cfg.DefaultQuantity
	}
	if qty <= 0 {
		qty = broker.LotSize
	}
	if qty%broker.LotSize != 0 {
		return 0, fmt.Errorf("%w: %d is not a multiple of %d", broker.ErrInvalidQuantity, qty, broker.LotSize)
	}
	return qty, nil
}

func (e *Executor) priceType() broker.PriceType {
	if e.cfg.PriceType == string(broker.PriceMarket) {
		return broker.PriceMarket
	}
	return broker.PriceLimit
}

func (e *Executor) submitFailed(ctx context.Context, task *models.MonitorTask, side broker.Side, err error, log *zap.Logger) {
	log.Warn("Order not submitted", zap.String("side", string(side)), zap.Error(err))
	e.metrics.Order(string(side), metrics.OutcomeRejected)

	reason := err.Error()
	var rejected *broker.RejectError
	if errors.As(err, &rejected) {
		reason = rejected.Reason
	}
	notify.Send(ctx, e.notifier, log, notify.Notification{
		Kind:    notify.KindSubmitFailed,
		TaskID:  task.ID,
		Symbol:  task.Symbol,
		Title:   fmt.Sprintf("%s 下单失败", task.Symbol),
		Message: reason,
		Fields:  map[string]any{"side": string(side)},
	})
}

// recordFailed handles a registry failure after the broker accepted the order.
func (e *Executor) recordFailed(ctx context.Context, task *models.MonitorTask, side broker.Side, orderID int64, err error, log *zap.Logger) error {
	if errors.Is(err, registry.ErrPendingConflict) {
		log.Warn("Another order became pending during submission, cancelling",
			zap.String("side", string(side)), zap.Int64("order_id", orderID))
		e.metrics.Order(string(side), metrics.OutcomeConflict)
		if cerr := e.gateway.CancelOrder(ctx, orderID); cerr != nil {
			log.Error("Failed to cancel conflicting order", zap.Int64("order_id", orderID), zap.Error(cerr))
		}
		return err
	}
	log.Error("Order submitted but not recorded; it is reconciled at next startup",
		zap.String("side", string(side)), zap.Int64("order_id", orderID), zap.Error(err))
	return err
}

func details(res signal.Result) datatypes.JSON {
	raw, err := json.Marshal(res)
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}

func (e *Executor) track(orderID int64, taskID uint) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.orderTasks[orderID] = taskID
}

func (e *Executor) untrack(orderID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.orderTasks, orderID)
}

func (e *Executor) beginSubmission() *submission {
	sub := &submission{done: make(chan struct{})}
	e.mu.Lock()
	e.submitting[sub] = struct{}{}
	e.mu.Unlock()
	return sub
}

func (e *Executor) endSubmission(sub *submission) {
	e.mu.Lock()
	delete(e.submitting, sub)
	e.mu.Unlock()
	close(sub.done)
}

// inProgress returns the done channels of submissions running now.
func (e *Executor) inProgress() []<-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]<-chan struct{}, 0, len(e.submitting))
	for sub := range e.submitting {
		out = append(out, sub.done)
	}
	return out
}

func (e *Executor) tracked(orderID int64) (uint, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.orderTasks[orderID]
	return id, ok
}

// taskFor finds the task owning orderID. When the order is not known yet it waits for the
// submissions already running, so a fast callback cannot overtake its own trade row.
// Submissions started later are not held up.
func (e *Executor) taskFor(ctx context.Context, orderID int64) (uint, bool, error) {
	if id, ok := e.tracked(orderID); ok {
		return id, true, nil
	}
	for _, done := range e.inProgress() {
		select {
		case <-done:
		case <-ctx.Done():
			return 0, false, ctx.Err()
		}
		if id, ok := e.tracked(orderID); ok {
			return id, true, nil
		}
	}
	trade, err := e.registry.FindTradeByOrderID(ctx, orderID)
	if err != nil || trade == nil {
		return 0, false, err
	}
	return trade.TaskID, true, nil
}

// HandleOrderStatus applies one order status to its trade leg and the task's pending
// fields. A leg that reached a terminal status is never changed again.
func (e *Executor) HandleOrderStatus(ctx context.Context, ev eventbus.OrderStatusEvent) error {
	taskID, ok, err := e.taskFor(ctx, ev.OrderID)
	if err != nil {
		return err
	}
	if !ok {
		e.logger.Debug("Ignoring status for unknown order", zap.Int64("order_id", ev.OrderID))
		e.metrics.Callback(string(eventbus.KindOrderStatus), "unknown")
		return nil
	}

	unlock := e.locks.Lock(taskID)
	defer unlock()

	trade, err := e.registry.FindTradeByOrderID(ctx, ev.OrderID)
	if err != nil {
		return err
	}
	if trade == nil {
		return nil
	}
	leg, _ := trade.LegFor(ev.OrderID)
	log := logger.ForTask(e.logger, trade.TaskID, trade.Symbol).With(
		zap.Int64("order_id", ev.OrderID),
		zap.String("leg", string(leg)))

	if broker.IsFinalCode(trade.LegStatus(leg)) {
		log.Debug("Leg already terminal, ignoring status", zap.Int("status", ev.StatusCode))
		e.metrics.Callback(string(eventbus.KindOrderStatus), "ignored")
		_, err := e.registry.ClearPendingIf(ctx, trade.TaskID, ev.OrderID)
		return err
	}

	status := broker.OrderStatus(ev.StatusCode)
	patch := legStatusPatch(trade, leg, status, status.Name(), ev.FilledQty, ev.FilledPrice)
	if rest := sellRemainder(trade, leg, status, ev.FilledQty); rest != nil {
		if err := e.registry.SplitTrade(ctx, trade.ID, patch, rest); err != nil {
			return err
		}
		log.Info("Sell partly filled, unsold shares kept open",
			zap.Int64("sold_qty", ev.FilledQty),
			zap.Int64("remaining_qty", rest.BuyQty),
			zap.Uint("remainder_trade_id", rest.ID))
	} else if err := e.registry.UpdateTrade(ctx, trade.ID, patch); err != nil {
		return err
	}

	if !status.IsFinal() {
		if _, err := e.registry.MirrorPendingStatus(ctx, trade.TaskID, ev.OrderID, int(status), status.Name()); err != nil {
			return err
		}
		log.Info("Order status updated", zap.String("status", status.String()))
		e.metrics.Callback(string(eventbus.KindOrderStatus), "applied")
		return nil
	}

	if _, err := e.registry.ClearPendingIf(ctx, trade.TaskID, ev.OrderID); err != nil {
		return err
	}
	e.untrack(ev.OrderID)
	e.metrics.Callback(string(eventbus.KindOrderStatus), "applied")

	kind, title := notify.KindOrderFinished, fmt.Sprintf("%s 委托成交", trade.Symbol)
	if !status.IsSuccess() {
		kind, title = notify.KindOrderFailed, fmt.Sprintf("%s 委托%s", trade.Symbol, status.Name())
	}
	fields := map[string]any{"order_id": ev.OrderID, "side": string(leg), "status": int(status), "filled_price": ev.FilledPrice}
	if pl, ok := patch["profit_loss"]; ok && leg == broker.SideSell && status.IsSuccess() {
		fields["profit_loss"] = pl
		fields["profit_loss_pct"] = patch["profit_loss_pct"]
	}
	log.Info("Order finished", zap.String("status", status.String()), zap.Float64("filled_price", ev.FilledPrice))
	notify.Send(ctx, e.notifier, log, notify.Notification{
		Kind:    kind,
		TaskID:  trade.TaskID,
		Symbol:  trade.Symbol,
		Title:   title,
		Message: fmt.Sprintf("order %d %s", ev.OrderID, status.Name()),
		Fields:  fields,
	})
	return nil
}

// HandleOrderError marks the order's leg as failed and frees the task for new orders.
func (e *Executor) HandleOrderError(ctx context.Context, ev eventbus.OrderErrorEvent) error {
	taskID, ok, err := e.taskFor(ctx, ev.OrderID)
	if err != nil {
		return err
	}
	if !ok {
		e.logger.Debug("Ignoring error for unknown order", zap.Int64("order_id", ev.OrderID))
		e.metrics.Callback(string(eventbus.KindOrderError), "unknown")
		return nil
	}

	unlock := e.locks.Lock(taskID)
	defer unlock()

	trade, err := e.registry.FindTradeByOrderID(ctx, ev.OrderID)
	if err != nil {
		return err
	}
	if trade == nil {
		return nil
	}
	leg, _ := trade.LegFor(ev.OrderID)
	log := logger.ForTask(e.logger, trade.TaskID, trade.Symbol).With(
		zap.Int64("order_id", ev.OrderID),
		zap.String("leg", string(leg)))

	if broker.IsFinalCode(trade.LegStatus(leg)) {
		log.Debug("Leg already terminal, ignoring error", zap.String("error", ev.ErrorMsg))
		e.metrics.Callback(string(eventbus.KindOrderError), "ignored")
		_, err := e.registry.ClearPendingIf(ctx, trade.TaskID, ev.OrderID)
		return err
	}

	patch := legStatusPatch(trade, leg, broker.StatusJunk, "失败: "+ev.ErrorMsg, 0, 0)
	if err := e.registry.UpdateTrade(ctx, trade.ID, patch); err != nil {
		return err
	}
	if _, err := e.registry.ClearPendingIf(ctx, trade.TaskID, ev.OrderID); err != nil {
		return err
	}
	e.untrack(ev.OrderID)
	e.metrics.Callback(string(eventbus.KindOrderError), "applied")

	log.Warn("Order failed", zap.Int("error_code", ev.ErrorCode), zap.String("error", ev.ErrorMsg))
	notify.Send(ctx, e.notifier, log, notify.Notification{
		Kind:    notify.KindOrderFailed,
		TaskID:  trade.TaskID,
		Symbol:  trade.Symbol,
		Title:   fmt.Sprintf("%s 委托失败", trade.Symbol),
		Message: ev.ErrorMsg,
		Fields:  map[string]any{"order_id": ev.OrderID, "side": string(leg), "error_code": ev.ErrorCode},
	})
	return nil
}

// legStatusPatch computes the trade columns that change when leg moves to status.
func legStatusPatch(trade *models.Trade, leg broker.Side, status broker.OrderStatus, name string, filledQty int64, filledPrice float64) registry.TradePatch {
	patch := registry.TradePatch{}
	partFill := status == broker.StatusPartCancel && filledQty > 0
	failed := status == broker.StatusCanceled || status == broker.StatusJunk ||
		(status == broker.StatusPartCancel && filledQty <= 0)

	if leg == broker.SideBuy {
		patch["buy_order_status"] = int(status)
		patch["buy_order_status_name"] = name
		filled := status.IsSuccess() || partFill
		if filled && filledPrice > 0 {
			patch["buy_price"] = filledPrice
		}
		if partFill {
			patch["buy_qty"] = filledQty
		}
		switch {
		case filled && trade.Status == models.TradeStatusOpen:
			patch["is_active_position"] = true
		case failed:
			patch["is_active_position"] = false
		}
		return patch
	}

	patch["sell_order_status"] = int(status)
	patch["sell_order_status_name"] = name
	if status.IsSuccess() || partFill {
		sellPrice := trade.SellPrice
		if filledPrice > 0 {
			sellPrice = filledPrice
			patch["sell_price"] = filledPrice
		}
		qty := trade.BuyQty
		if partFill {
			patch["sell_qty"] = filledQty
			if trade.BuyOrderID != 0 && filledQty < trade.BuyQty {
				// The unsold shares move to the trade returned by sellRemainder.
				qty = filledQty
				patch["buy_qty"] = filledQty
			}
		}
		if trade.BuyOrderID != 0 {
			pl, pct := models.ComputeProfitLoss(trade.BuyPrice, sellPrice, qty)
			patch["profit_loss"] = pl
			patch["profit_loss_pct"] = pct
		}
		patch["is_active_position"] = false
	}
	if failed && trade.BuyOrderID != 0 {
		// Nothing was sold; the trade reopens for the next sell.
		patch["status"] = models.TradeStatusOpen
		patch["profit_loss"] = 0
		patch["profit_loss_pct"] = 0
	}
	return patch
}

// sellRemainder returns the open trade that carries the shares a partly cancelled sell
// left unsold, or nil when nothing is left.
func sellRemainder(trade *models.Trade, leg broker.Side, status broker.OrderStatus, filledQty int64) *models.Trade {
	if leg != broker.SideSell || status != broker.StatusPartCancel || filledQty <= 0 {
		return nil
	}
	if trade.BuyOrderID == 0 || filledQty >= trade.BuyQty {
		return nil
	}
	return &models.Trade{
		TaskID:             trade.TaskID,
		Symbol:             trade.Symbol,
		Side:               string(broker.SideBuy),
		BuyPrice:           trade.BuyPrice,
		BuyQty:             trade.BuyQty - filledQty,
		BuyTime:            trade.BuyTime,
		BuyOrderID:         trade.BuyOrderID,
		BuyOrderStatus:     trade.BuyOrderStatus,
		BuyOrderStatusName: trade.BuyOrderStatusName,
		Status:             models.TradeStatusOpen,
		IsActivePosition:   true,
		Details:            trade.Details,
	}
}
