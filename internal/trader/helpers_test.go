package trader

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"qmt-monitor-go/internal/broker"
	"qmt-monitor-go/internal/config"
	"qmt-monitor-go/internal/database"
	"qmt-monitor-go/internal/eventbus"
	"qmt-monitor-go/internal/metrics"
	"qmt-monitor-go/internal/models"
	"qmt-monitor-go/internal/notify"
	"qmt-monitor-go/internal/registry"
	"qmt-monitor-go/internal/signal"
)

// MockGateway is a mock implementation of broker.Gateway.
type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) Connect(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockGateway) IsConnected() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockGateway) Buy(ctx context.Context, symbol string, qty int64, price float64, pt broker.PriceType) (int64, error) {
	args := m.Called(ctx, symbol, qty, price, pt)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockGateway) Sell(ctx context.Context, symbol string, qty int64, price float64, pt broker.PriceType) (int64, error) {
	args := m.Called(ctx, symbol, qty, price, pt)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockGateway) CancelOrder(ctx context.Context, orderID int64) error {
	args := m.Called(ctx, orderID)
	return args.Error(0)
}

func (m *MockGateway) QueryAccount(ctx context.Context) (*broker.Account, error) {
	args := m.Called(ctx)
	acct, _ := args.Get(0).(*broker.Account)
	return acct, args.Error(1)
}

func (m *MockGateway) QueryPositions(ctx context.Context) ([]broker.Position, error) {
	args := m.Called(ctx)
	positions, _ := args.Get(0).([]broker.Position)
	return positions, args.Error(1)
}

func (m *MockGateway) QueryPosition(ctx context.Context, symbol string) (*broker.Position, error) {
	args := m.Called(ctx, symbol)
	pos, _ := args.Get(0).(*broker.Position)
	return pos, args.Error(1)
}

func (m *MockGateway) QueryOrders(ctx context.Context, cancelableOnly bool) ([]broker.Order, error) {
	args := m.Called(ctx, cancelableOnly)
	orders, _ := args.Get(0).([]broker.Order)
	return orders, args.Error(1)
}

func (m *MockGateway) Close() error {
	args := m.Called()
	return args.Error(0)
}

// recordingNotifier keeps every notification it is sent.
type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (r *recordingNotifier) Notify(ctx context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingNotifier) find(kind notify.Kind) (notify.Notification, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.sent {
		if n.Kind == kind {
			return n, true
		}
	}
	return notify.Notification{}, false
}

func (r *recordingNotifier) has(kind notify.Kind) bool {
	_, ok := r.find(kind)
	return ok
}

type testEnv struct {
	ex      *Executor
	reg     *registry.Registry
	gw      *MockGateway
	notes   *recordingNotifier
	bus     *eventbus.MemoryBus
	logs    *observer.ObservedLogs
	logger  *zap.Logger
	metrics *metrics.Monitor
	prom    *prometheus.Registry
	cfg     config.Monitor
}

func testMonitorConfig() config.Monitor {
	return config.Monitor{
		DefaultInterval: 60,
		DefaultQuantity: 100,
		PriceType:       "limit",
		EvaluateTimeout: time.Second,
		RegistryTimeout: time.Second,
		JoinTimeout:     2 * time.Second,
	}
}

func newEnv(t *testing.T) *testEnv {
	return newEnvWith(t, testMonitorConfig())
}

func newEnvWith(t *testing.T, cfg config.Monitor) *testEnv {
	t.Helper()
	db, err := database.Open("file::memory:")
	require.NoError(t, err)

	core, logs := observer.New(zap.DebugLevel)
	log := zap.New(core)
	bus := eventbus.NewMemoryBus(zap.NewNop())
	t.Cleanup(bus.Close)

	prom := prometheus.NewRegistry()
	env := &testEnv{
		reg:     registry.New(db, cfg.RegistryTimeout, log),
		gw:      new(MockGateway),
		notes:   &recordingNotifier{},
		bus:     bus,
		logs:    logs,
		logger:  log,
		metrics: metrics.New(prom),
		prom:    prom,
		cfg:     cfg,
	}
	env.ex = NewExecutor(ExecutorDeps{
		Gateway:  env.gw,
		Registry: env.reg,
		Bus:      bus,
		Notifier: env.notes,
		Metrics:  env.metrics,
		Logger:   log,
		Config:   cfg,
	})
	return env
}

func (e *testEnv) createTask(t *testing.T, symbol string, intervalSeconds int, quantity int64) uint {
	t.Helper()
	id, err := e.reg.CreateTask(context.Background(), registry.TaskSpec{
		Symbol:          symbol,
		DisplayName:     "test",
		IntervalSeconds: intervalSeconds,
		StrategyTag:     signal.TagMA,
		AutoTrade:       true,
		Quantity:        quantity,
	})
	require.NoError(t, err)
	return id
}

func (e *testEnv) task(t *testing.T, id uint) *models.MonitorTask {
	t.Helper()
	task, err := e.reg.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task
}

func (e *testEnv) trade(t *testing.T, orderID int64) *models.Trade {
	t.Helper()
	tr, err := e.reg.FindTradeByOrderID(context.Background(), orderID)
	require.NoError(t, err)
	require.NotNil(t, tr, "no trade for order %d", orderID)
	return tr
}

func (e *testEnv) trades(t *testing.T, taskID uint) []models.Trade {
	t.Helper()
	trades, err := e.reg.ListTradesForTask(context.Background(), taskID)
	require.NoError(t, err)
	return trades
}

// pendingCleared is safe to call from require.Eventually.
func (e *testEnv) pendingCleared(id uint) func() bool {
	return func() bool {
		task, err := e.reg.GetTask(context.Background(), id)
		return err == nil && task.PendingOrderID == 0
	}
}

func buyAt(price float64) signal.Result {
	return signal.Result{Signal: signal.Buy, Strategy: signal.TagMA, Reason: "fast crossed above slow", Snapshot: signal.Snapshot{Close: price}}
}

func sellAt(price float64) signal.Result {
	return signal.Result{Signal: signal.Sell, Strategy: signal.TagMA, Reason: "fast crossed below slow", Snapshot: signal.Snapshot{Close: price}}
}

func filled(orderID int64, qty int64, price float64) eventbus.OrderStatusEvent {
	return eventbus.OrderStatusEvent{
		OrderID:     orderID,
		StatusCode:  int(broker.StatusSucceeded),
		StatusName:  broker.StatusSucceeded.Name(),
		IsFinal:     true,
		IsSuccess:   true,
		FilledQty:   qty,
		FilledPrice: price,
	}
}

func statusOf(orderID int64, status broker.OrderStatus) eventbus.OrderStatusEvent {
	return eventbus.OrderStatusEvent{
		OrderID:    orderID,
		StatusCode: int(status),
		StatusName: status.Name(),
		IsFinal:    status.IsFinal(),
		IsSuccess:  status.IsSuccess(),
	}
}
