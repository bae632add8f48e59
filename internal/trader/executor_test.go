package trader

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"qmt-monitor-go/internal/broker"
	"qmt-monitor-go/internal/eventbus"
	"qmt-monitor-go/internal/metrics"
	"qmt-monitor-go/internal/models"
	"qmt-monitor-go/internal/notify"
	"qmt-monitor-go/internal/registry"
	"qmt-monitor-go/internal/signal"
)

const symbol = "600519.SH"

// submitBuy places a buy of 100 at price that the broker accepts as orderID.
func submitBuy(t *testing.T, e *testEnv, taskID uint, orderID int64, price float64) {
	t.Helper()
	e.gw.On("Buy", mock.Anything, symbol, int64(100), price, broker.PriceLimit).Return(orderID, nil).Once()
	require.NoError(t, e.ex.Act(context.Background(), taskID, buyAt(price)))
}

func TestExecutor_BuyRoundTrip(t *testing.T) {
	e := newEnv(t)
	e.ex.Start()
	defer e.ex.Stop()
	ctx := context.Background()
	id := e.createTask(t, symbol, 60, 0)

	submitBuy(t, e, id, 9001, 1800)

	tr := e.trade(t, 9001)
	assert.Equal(t, id, tr.TaskID)
	assert.Equal(t, int64(100), tr.BuyQty)
	assert.Equal(t, 1800.0, tr.BuyPrice)
	assert.Equal(t, models.TradeStatusOpen, tr.Status)
	assert.Equal(t, int(broker.StatusReported), tr.BuyOrderStatus)
	assert.Equal(t, "已报", tr.BuyOrderStatusName)
	assert.False(t, tr.IsActivePosition)
	assert.Contains(t, string(tr.Details), `"signal":"buy"`)

	task := e.task(t, id)
	assert.Equal(t, int64(9001), task.PendingOrderID)
	assert.Equal(t, int(broker.StatusReported), task.PendingOrderStatus)
	assert.Equal(t, "buy", task.PendingOrderSide)

	require.NoError(t, e.bus.Publish(ctx, eventbus.KindOrderStatus, filled(9001, 100, 1805)))
	require.Eventually(t, e.pendingCleared(id), 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return e.notes.has(notify.KindOrderFinished) }, 2*time.Second, 10*time.Millisecond)

	tr = e.trade(t, 9001)
	assert.Equal(t, 1805.0, tr.BuyPrice)
	assert.Equal(t, int(broker.StatusSucceeded), tr.BuyOrderStatus)
	assert.Equal(t, "已成", tr.BuyOrderStatusName)
	assert.True(t, tr.IsActivePosition)

	task = e.task(t, id)
	assert.Empty(t, task.PendingOrderSide)
	assert.Zero(t, task.PendingOrderStatus)

	assert.True(t, e.notes.has(notify.KindOrderSubmitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.OrdersCounter("buy", metrics.OutcomeSubmitted)))
	e.gw.AssertExpectations(t)
}

func TestExecutor_DuplicateSignalWhilePending(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.createTask(t, symbol, 60, 0)
	submitBuy(t, e, id, 9001, 1800)

	w := &Worker{
		task: *e.task(t, id),
		evaluator: signal.Func(func(ctx context.Context, symbol string) (signal.Result, error) {
			return buyAt(1810), nil
		}),
		executor:    e.ex,
		registry:    e.reg,
		notifier:    e.notes,
		metrics:     e.metrics,
		logger:      zap.NewNop(),
		now:         time.Now,
		evalTimeout: time.Second,
	}
	w.tick(ctx)

	e.gw.AssertNumberOfCalls(t, "Buy", 1)
	assert.Len(t, e.trades(t, id), 1)

	task := e.task(t, id)
	assert.Equal(t, int64(1), task.ExecutionCount)
	assert.Equal(t, "buy", task.LastSignal)
	assert.Equal(t, int64(9001), task.PendingOrderID)

	skipped := e.logs.FilterMessage("Order in flight, skipping signal").FilterField(zap.Int64("pending_order_id", 9001))
	assert.Equal(t, 1, skipped.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.OrdersCounter("buy", metrics.OutcomeInflight)))
}

func TestExecutor_SellClosesOpenTrade(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.createTask(t, symbol, 60, 0)
	submitBuy(t, e, id, 9001, 1800)
	require.NoError(t, e.ex.HandleOrderStatus(ctx, filled(9001, 100, 1805)))

	e.gw.On("QueryPosition", mock.Anything, symbol).Return(&broker.Position{Symbol: symbol, Volume: 100, CanSell: 100}, nil)
	e.gw.On("Sell", mock.Anything, symbol, int64(100), 1900.0, broker.PriceLimit).Return(int64(9002), nil).Once()
	require.NoError(t, e.ex.Act(ctx, id, sellAt(1900)))

	buy := e.trade(t, 9001)
	tr := e.trade(t, 9002)
	assert.Equal(t, buy.ID, tr.ID, "the sell updates the buy's trade row")
	assert.Equal(t, int64(100), tr.SellQty)
	assert.Equal(t, 1900.0, tr.SellPrice)
	assert.Equal(t, models.TradeStatusClosed, tr.Status)
	assert.Equal(t, 9500.0, tr.ProfitLoss)
	assert.Equal(t, int(broker.StatusReported), tr.SellOrderStatus)

	task := e.task(t, id)
	assert.Equal(t, int64(9002), task.PendingOrderID)
	assert.Equal(t, "sell", task.PendingOrderSide)

	require.NoError(t, e.ex.HandleOrderStatus(ctx, filled(9002, 100, 1890)))

	tr = e.trade(t, 9002)
	assert.Equal(t, 1890.0, tr.SellPrice)
	assert.Equal(t, 8500.0, tr.ProfitLoss)
	assert.InDelta(t, 4.7091, tr.ProfitLossPct, 1e-4)
	assert.False(t, tr.IsActivePosition)
	assert.InDelta(t, (tr.SellPrice-tr.BuyPrice)*float64(tr.BuyQty), tr.ProfitLoss, 0.01)
	assert.InDelta(t, (tr.SellPrice-tr.BuyPrice)/tr.BuyPrice*100, tr.ProfitLossPct, 1e-4)
	assert.Zero(t, e.task(t, id).PendingOrderID)

	finished, ok := e.notes.find(notify.KindOrderFinished)
	require.True(t, ok)
	assert.NotNil(t, finished.Fields)
}

func TestExecutor_BrokerRejectsBuy(t *testing.T) {
	e := newEnv(t)
	id := e.createTask(t, symbol, 60, 0)
	e.gw.On("Buy", mock.Anything, symbol, int64(100), 1800.0, broker.PriceLimit).
		Return(int64(0), &broker.RejectError{Code: -61, Reason: "资金不足"}).Once()

	err := e.ex.Act(context.Background(), id, buyAt(1800))
	require.Error(t, err)
	var rejected *broker.RejectError
	assert.True(t, errors.As(err, &rejected))

	assert.Empty(t, e.trades(t, id))
	task := e.task(t, id)
	assert.Zero(t, task.PendingOrderID)
	assert.Empty(t, task.PendingOrderSide)

	n, ok := e.notes.find(notify.KindSubmitFailed)
	require.True(t, ok)
	assert.Equal(t, "资金不足", n.Message)
	assert.Equal(t, id, n.TaskID)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.OrdersCounter("buy", metrics.OutcomeRejected)))
}

func TestExecutor_BuyGoesJunk(t *testing.T) {
	e := newEnv(t)
	e.ex.Start()
	defer e.ex.Stop()
	ctx := context.Background()
	id := e.createTask(t, symbol, 60, 0)
	submitBuy(t, e, id, 9003, 1800)

	require.NoError(t, e.bus.Publish(ctx, eventbus.KindOrderError, eventbus.OrderErrorEvent{OrderID: 9003, ErrorCode: -1, ErrorMsg: "废单"}))
	require.Eventually(t, e.pendingCleared(id), 2*time.Second, 10*time.Millisecond)

	tr := e.trade(t, 9003)
	assert.Equal(t, int(broker.StatusJunk), tr.BuyOrderStatus)
	assert.Equal(t, "失败: 废单", tr.BuyOrderStatusName)
	assert.Equal(t, models.TradeStatusOpen, tr.Status)
	assert.False(t, tr.IsActivePosition)

	open, err := e.reg.FindOpenTradeForTask(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, open, "a rejected buy holds no position")
	require.Eventually(t, func() bool { return e.notes.has(notify.KindOrderFailed) }, 2*time.Second, 10*time.Millisecond)

	submitBuy(t, e, id, 9005, 1790)
	assert.Equal(t, int64(9005), e.task(t, id).PendingOrderID)
}

func TestExecutor_TerminalStatusIsFinal(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.createTask(t, symbol, 60, 0)
	submitBuy(t, e, id, 9001, 1800)

	partial := statusOf(9001, broker.StatusPartSucc)
	partial.FilledQty, partial.FilledPrice = 50, 1802
	sequence := []eventbus.OrderStatusEvent{
		statusOf(9001, broker.StatusReported),
		partial,
		filled(9001, 100, 1805),
	}

	type view struct {
		BuyPrice           float64
		BuyQty             int64
		BuyOrderStatus     int
		BuyOrderStatusName string
		Status             string
		IsActivePosition   bool
		PendingOrderID     int64
		PendingOrderStatus int
	}
	snapshot := func() view {
		tr := e.trade(t, 9001)
		task := e.task(t, id)
		return view{tr.BuyPrice, tr.BuyQty, tr.BuyOrderStatus, tr.BuyOrderStatusName, tr.Status, tr.IsActivePosition, task.PendingOrderID, task.PendingOrderStatus}
	}

	for _, ev := range sequence {
		require.NoError(t, e.ex.HandleOrderStatus(ctx, ev))
	}
	first := snapshot()
	assert.Equal(t, int(broker.StatusSucceeded), first.BuyOrderStatus)
	assert.Zero(t, first.PendingOrderID)

	for _, ev := range sequence {
		require.NoError(t, e.ex.HandleOrderStatus(ctx, ev))
	}
	require.NoError(t, e.ex.HandleOrderStatus(ctx, statusOf(9001, broker.StatusJunk)))
	require.NoError(t, e.ex.HandleOrderError(ctx, eventbus.OrderErrorEvent{OrderID: 9001, ErrorCode: -1, ErrorMsg: "late"}))

	assert.Equal(t, first, snapshot())
	assert.Positive(t, testutil.ToFloat64(e.metrics.CallbacksCounter(string(eventbus.KindOrderStatus), "ignored")))
}

func TestExecutor_ConcurrentSignalsSubmitOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.createTask(t, symbol, 60, 0)
	e.gw.On("Buy", mock.Anything, symbol, int64(100), 1800.0, broker.PriceLimit).Return(int64(9001), nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.ex.Act(ctx, id, buyAt(1800))
		}()
	}
	wg.Wait()

	e.gw.AssertNumberOfCalls(t, "Buy", 1)
	trades := e.trades(t, id)
	require.Len(t, trades, 1)

	task := e.task(t, id)
	assert.Equal(t, trades[0].BuyOrderID, task.PendingOrderID)
	assert.Equal(t, trades[0].BuyOrderStatus, task.PendingOrderStatus)
	assert.Equal(t, 9.0, testutil.ToFloat64(e.metrics.OrdersCounter("buy", metrics.OutcomeInflight)))
}

func TestExecutor_CallbackDuringSubmissionWaitsForRecord(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.createTask(t, symbol, 60, 0)

	callbackDone := make(chan error, 1)
	e.gw.On("Buy", mock.Anything, symbol, int64(100), 1800.0, broker.PriceLimit).
		Run(func(args mock.Arguments) {
			go func() {
				callbackDone <- e.ex.HandleOrderStatus(context.Background(), filled(9001, 100, 1801))
			}()
			time.Sleep(50 * time.Millisecond)
		}).
		Return(int64(9001), nil).Once()

	require.NoError(t, e.ex.Act(ctx, id, buyAt(1800)))

	select {
	case err := <-callbackDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("callback never completed")
	}

	tr := e.trade(t, 9001)
	assert.Equal(t, int(broker.StatusSucceeded), tr.BuyOrderStatus)
	assert.Equal(t, 1801.0, tr.BuyPrice)
	assert.Zero(t, e.task(t, id).PendingOrderID)
}

func TestExecutor_UnknownCallbackDoesNotBlockOtherSubmissions(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	slow := e.createTask(t, symbol, 60, 0)
	fast := e.createTask(t, "000001.SZ", 60, 0)

	release := make(chan struct{})
	entered := make(chan struct{})
	e.gw.On("Buy", mock.Anything, symbol, int64(100), 1800.0, broker.PriceLimit).
		Run(func(args mock.Arguments) {
			close(entered)
			<-release
		}).
		Return(int64(9001), nil).Once()
	e.gw.On("Buy", mock.Anything, "000001.SZ", int64(100), 12.5, broker.PriceLimit).
		Return(int64(9002), nil).Once()

	slowDone := make(chan error, 1)
	go func() { slowDone <- e.ex.Act(ctx, slow, buyAt(1800)) }()
	<-entered

	callbackDone := make(chan error, 1)
	go func() {
		callbackDone <- e.ex.HandleOrderStatus(context.Background(), filled(4242, 100, 10))
	}()
	time.Sleep(20 * time.Millisecond)

	fastDone := make(chan error, 1)
	go func() { fastDone <- e.ex.Act(ctx, fast, buyAt(12.5)) }()
	select {
	case err := <-fastDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("submission for another task waited on the slow broker call")
	}
	assert.Equal(t, int64(9002), e.task(t, fast).PendingOrderID)

	close(release)
	require.NoError(t, <-slowDone)
	select {
	case err := <-callbackDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("callback for unknown order never returned")
	}
	assert.Equal(t, int64(9001), e.task(t, slow).PendingOrderID)
}

func TestExecutor_PendingConflictCancelsOrder(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.createTask(t, symbol, 60, 0)

	e.gw.On("Buy", mock.Anything, symbol, int64(100), 1800.0, broker.PriceLimit).
		Run(func(args mock.Arguments) {
			_ = e.reg.MarkPending(context.Background(), id, 7777, broker.SideBuy, int(broker.StatusReported), "已报")
		}).
		Return(int64(9001), nil).Once()
	e.gw.On("CancelOrder", mock.Anything, int64(9001)).Return(nil).Once()

	err := e.ex.Act(ctx, id, buyAt(1800))
	assert.ErrorIs(t, err, registry.ErrPendingConflict)

	e.gw.AssertExpectations(t)
	none, err := e.reg.FindTradeByOrderID(ctx, 9001)
	require.NoError(t, err)
	assert.Nil(t, none)
	assert.Equal(t, int64(7777), e.task(t, id).PendingOrderID)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.OrdersCounter("buy", metrics.OutcomeConflict)))
}

func TestExecutor_SellWithoutSellablePositionSkips(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.createTask(t, symbol, 60, 0)
	other := e.createTask(t, "000001.SZ", 60, 0)

	e.gw.On("QueryPosition", mock.Anything, symbol).Return((*broker.Position)(nil), nil)
	e.gw.On("QueryPosition", mock.Anything, "000001.SZ").Return(&broker.Position{Symbol: "000001.SZ", Volume: 100, CanSell: 0}, nil)

	require.NoError(t, e.ex.Act(ctx, id, sellAt(1900)))
	require.NoError(t, e.ex.Act(ctx, other, sellAt(10)))

	e.gw.AssertNotCalled(t, "Sell", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, 2.0, testutil.ToFloat64(e.metrics.OrdersCounter("sell", metrics.OutcomeNoPos)))
	assert.Zero(t, e.task(t, id).PendingOrderID)
}

func TestExecutor_SellWithoutOpenTradeRecordsClosedTrade(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.createTask(t, symbol, 60, 0)

	e.gw.On("QueryPosition", mock.Anything, symbol).Return(&broker.Position{Symbol: symbol, Volume: 200, CanSell: 200}, nil)
	e.gw.On("Sell", mock.Anything, symbol, int64(200), 1900.0, broker.PriceLimit).Return(int64(9010), nil).Once()
	require.NoError(t, e.ex.Act(ctx, id, sellAt(1900)))

	tr := e.trade(t, 9010)
	assert.Zero(t, tr.BuyOrderID)
	assert.Equal(t, models.TradeStatusClosed, tr.Status)
	assert.Equal(t, int64(200), tr.SellQty)

	require.NoError(t, e.ex.HandleOrderStatus(ctx, filled(9010, 200, 1901)))
	tr = e.trade(t, 9010)
	assert.Equal(t, 1901.0, tr.SellPrice)
	assert.Zero(t, tr.ProfitLoss)
	assert.Zero(t, e.task(t, id).PendingOrderID)
}

func TestExecutor_CancelledSellReopensTrade(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.createTask(t, symbol, 60, 0)
	submitBuy(t, e, id, 9001, 1800)
	require.NoError(t, e.ex.HandleOrderStatus(ctx, filled(9001, 100, 1800)))

	e.gw.On("QueryPosition", mock.Anything, symbol).Return(&broker.Position{Symbol: symbol, Volume: 100, CanSell: 100}, nil)
	e.gw.On("Sell", mock.Anything, symbol, int64(100), 1850.0, broker.PriceLimit).Return(int64(9002), nil).Once()
	require.NoError(t, e.ex.Act(ctx, id, sellAt(1850)))

	require.NoError(t, e.ex.HandleOrderStatus(ctx, statusOf(9002, broker.StatusCanceled)))

	tr := e.trade(t, 9002)
	assert.Equal(t, models.TradeStatusOpen, tr.Status)
	assert.Equal(t, int(broker.StatusCanceled), tr.SellOrderStatus)
	assert.Zero(t, tr.ProfitLoss)
	assert.True(t, tr.IsActivePosition)

	open, err := e.reg.FindOpenTradeForTask(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, tr.ID, open.ID)
	assert.Zero(t, e.task(t, id).PendingOrderID)
}

func TestExecutor_PartlyCancelledSellKeepsRemainderOpen(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.createTask(t, symbol, 60, 0)
	submitBuy(t, e, id, 9001, 1800)
	require.NoError(t, e.ex.HandleOrderStatus(ctx, filled(9001, 100, 1800)))

	e.gw.On("QueryPosition", mock.Anything, symbol).Return(&broker.Position{Symbol: symbol, Volume: 100, CanSell: 100}, nil)
	e.gw.On("Sell", mock.Anything, symbol, int64(100), 1850.0, broker.PriceLimit).Return(int64(9002), nil).Once()
	require.NoError(t, e.ex.Act(ctx, id, sellAt(1850)))

	partCancel := statusOf(9002, broker.StatusPartCancel)
	partCancel.FilledQty, partCancel.FilledPrice = 40, 1850
	require.NoError(t, e.ex.HandleOrderStatus(ctx, partCancel))

	sold := e.trade(t, 9002)
	assert.Equal(t, models.TradeStatusClosed, sold.Status)
	assert.Equal(t, int64(40), sold.SellQty)
	assert.Equal(t, int64(40), sold.BuyQty)
	assert.InDelta(t, 2000, sold.ProfitLoss, 1e-9)
	assert.False(t, sold.IsActivePosition)

	open, err := e.reg.FindOpenTradeForTask(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.NotEqual(t, sold.ID, open.ID)
	assert.Equal(t, int64(60), open.BuyQty)
	assert.Equal(t, 1800.0, open.BuyPrice)
	assert.True(t, open.IsActivePosition)
	assert.Zero(t, open.SellOrderID)
	assert.Len(t, e.trades(t, id), 2)
	assert.Zero(t, e.task(t, id).PendingOrderID)
}

func TestExecutor_PartCancelledSellWithoutFillReopens(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.createTask(t, symbol, 60, 0)
	submitBuy(t, e, id, 9001, 1800)
	require.NoError(t, e.ex.HandleOrderStatus(ctx, filled(9001, 100, 1800)))

	e.gw.On("QueryPosition", mock.Anything, symbol).Return(&broker.Position{Symbol: symbol, Volume: 100, CanSell: 100}, nil)
	e.gw.On("Sell", mock.Anything, symbol, int64(100), 1850.0, broker.PriceLimit).Return(int64(9002), nil).Once()
	require.NoError(t, e.ex.Act(ctx, id, sellAt(1850)))
	require.NoError(t, e.ex.HandleOrderStatus(ctx, statusOf(9002, broker.StatusPartCancel)))

	tr := e.trade(t, 9002)
	assert.Equal(t, models.TradeStatusOpen, tr.Status)
	assert.Zero(t, tr.ProfitLoss)
	assert.Len(t, e.trades(t, id), 1)
}

func TestExecutor_PositionSizing(t *testing.T) {
	cfg := testMonitorConfig()
	cfg.PositionSizePct = 10
	cfg.PriceType = "market"
	e := newEnvWith(t, cfg)
	ctx := context.Background()

	sized := e.createTask(t, symbol, 60, 0)
	fixed := e.createTask(t, "000001.SZ", 60, 300)

	e.gw.On("QueryAccount", mock.Anything).Return(&broker.Account{TotalAsset: 1000000}, nil).Once()
	e.gw.On("Buy", mock.Anything, symbol, int64(5500), 18.0, broker.PriceMarket).Return(int64(1), nil).Once()
	e.gw.On("Buy", mock.Anything, "000001.SZ", int64(300), 10.0, broker.PriceMarket).Return(int64(2), nil).Once()

	require.NoError(t, e.ex.Act(ctx, sized, buyAt(18)))
	require.NoError(t, e.ex.Act(ctx, fixed, buyAt(10)))

	e.gw.AssertExpectations(t)
	e.gw.AssertNumberOfCalls(t, "QueryAccount", 1)
}

func TestExecutor_PositionSizingFloorsToOneLot(t *testing.T) {
	cfg := testMonitorConfig()
	cfg.PositionSizePct = 1
	e := newEnvWith(t, cfg)
	id := e.createTask(t, symbol, 60, 0)

	e.gw.On("QueryAccount", mock.Anything).Return(&broker.Account{TotalAsset: 100000}, nil).Once()
	e.gw.On("Buy", mock.Anything, symbol, int64(100), 1800.0, broker.PriceLimit).Return(int64(1), nil).Once()

	require.NoError(t, e.ex.Act(context.Background(), id, buyAt(1800)))
	e.gw.AssertExpectations(t)
}

func TestExecutor_IgnoresUnknownOrders(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	require.NoError(t, e.ex.HandleOrderStatus(ctx, filled(424242, 100, 10)))
	require.NoError(t, e.ex.HandleOrderError(ctx, eventbus.OrderErrorEvent{OrderID: 424243, ErrorMsg: "废单"}))

	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.CallbacksCounter(string(eventbus.KindOrderStatus), "unknown")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.CallbacksCounter(string(eventbus.KindOrderError), "unknown")))
}

func TestExecutor_HoldDoesNothing(t *testing.T) {
	e := newEnv(t)
	id := e.createTask(t, symbol, 60, 0)

	require.NoError(t, e.ex.Act(context.Background(), id, signal.Result{Signal: signal.Hold}))
	e.gw.AssertExpectations(t)
	assert.Empty(t, e.trades(t, id))
}
