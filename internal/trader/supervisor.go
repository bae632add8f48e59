package trader

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"qmt-monitor-go/internal/broker"
	"qmt-monitor-go/internal/config"
	"qmt-monitor-go/internal/lockmap"
	"qmt-monitor-go/internal/logger"
	"qmt-monitor-go/internal/metrics"
	"qmt-monitor-go/internal/models"
	"qmt-monitor-go/internal/notify"
	"qmt-monitor-go/internal/registry"
	"qmt-monitor-go/internal/signal"
)

// ErrSupervisorStopped is returned when a worker would be spawned after Stop.
var ErrSupervisorStopped = errors.New("supervisor is stopped")

const (
	defaultJoinTimeout     = 5 * time.Second
	defaultEvaluateTimeout = 30 * time.Second
	reconcileParallelism   = 4
)

// Supervisor owns the set of running workers and restores broker state at startup.
type Supervisor struct {
	registry   *registry.Registry
	gateway    broker.Gateway
	executor   *Executor
	strategies *signal.Registry
	notifier   notify.Notifier
	metrics    *metrics.Monitor
	logger     *zap.Logger
	cfg        config.Monitor
	now        func() time.Time

	ctx context.Context

	// lifecycle serializes start/stop/update of one task.
	lifecycle lockmap.Map[uint]
	mu        sync.Mutex
	workers   map[uint]*Worker
	stopped   bool
}

// SupervisorDeps are the collaborators of a Supervisor.
type SupervisorDeps struct {
	Registry   *registry.Registry
	Gateway    broker.Gateway
	Executor   *Executor
	Strategies *signal.Registry
	Notifier   notify.Notifier
	Metrics    *metrics.Monitor
	Logger     *zap.Logger
	Config     config.Monitor
}

func NewSupervisor(deps SupervisorDeps) *Supervisor {
	return &Supervisor{
		registry:   deps.Registry,
		gateway:    deps.Gateway,
		executor:   deps.Executor,
		strategies: deps.Strategies,
		notifier:   deps.Notifier,
		metrics:    deps.Metrics,
		logger:     deps.Logger.Named("supervisor"),
		cfg:        deps.Config,
		now:        time.Now,
		ctx:        context.Background(),
		workers:    make(map[uint]*Worker),
	}
}

// TaskState describes one live worker.
type TaskState struct {
	TaskID    uint      `json:"task_id"`
	Symbol    string    `json:"symbol"`
	Strategy  string    `json:"strategy"`
	AutoTrade bool      `json:"auto_trade"`
	State     string    `json:"state"`
	LastTick  time.Time `json:"last_tick"`
}

// Start subscribes the executor, reconciles pending orders with the broker and spawns a
// worker for every task persisted as running.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.stopped = false
	s.mu.Unlock()
	s.executor.Start()

	if err := s.Reconcile(ctx); err != nil {
		s.logger.Error("Reconciliation incomplete", zap.Error(err))
	}

	tasks, err := s.registry.ListRunningTasks(ctx)
	if err != nil {
		return fmt.Errorf("failed to list running tasks: %w", err)
	}
	for i := range tasks {
		task := tasks[i]
		unlock := s.lifecycle.Lock(task.ID)
		if err := s.spawn(task); err != nil {
			logger.ForTask(s.logger, task.ID, task.Symbol).Error("Failed to resume task", zap.Error(err))
		}
		unlock()
	}
	s.logger.Info("Supervisor started", zap.Int("workers", s.count()))
	return nil
}

// Stop cancels every worker and waits for each up to the join timeout. Persisted task
// statuses are left as they are so running tasks resume on the next start.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	workers := s.workers
	s.workers = make(map[uint]*Worker)
	s.stopped = true
	s.mu.Unlock()

	timeout := s.joinTimeout()
	var wg conc.WaitGroup
	for id, w := range workers {
		id, w := id, w
		w.Stop()
		wg.Go(func() {
			if !w.Join(timeout) {
				s.logger.Warn("Worker did not stop in time", zap.Uint("task_id", id), zap.Duration("timeout", timeout))
			}
		})
	}
	wg.Wait()

	s.executor.Stop()
	s.metrics.SetRunningWorkers(0)
	s.logger.Info("Supervisor stopped", zap.Int("workers", len(workers)))
}

// CreateTask persists a new stopped task after checking its strategy tag resolves.
func (s *Supervisor) CreateTask(ctx context.Context, spec registry.TaskSpec) (uint, error) {
	if spec.StrategyTag != "" {
		if _, err := s.strategies.Resolve(spec.StrategyTag); err != nil {
			return 0, err
		}
	}
	if spec.IntervalSeconds == 0 {
		spec.IntervalSeconds = s.cfg.DefaultInterval
	}
	return s.registry.CreateTask(ctx, spec)
}

// StartTask marks the task running and spawns its worker. Starting a running task succeeds
// without effect.
func (s *Supervisor) StartTask(ctx context.Context, id uint) error {
	unlock := s.lifecycle.Lock(id)
	defer unlock()

	if s.worker(id) != nil {
		return nil
	}
	task, err := s.registry.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.strategies.Resolve(task.StrategyTag); err != nil {
		return err
	}
	now := s.now()
	if err := s.registry.SetTaskStatus(ctx, id, models.TaskStatusRunning, &now); err != nil {
		return err
	}
	task.Status = models.TaskStatusRunning
	task.StartedAt = &now
	return s.spawn(*task)
}

// StopTask stops the task's worker, waits for it, and persists the stopped status.
func (s *Supervisor) StopTask(ctx context.Context, id uint) error {
	unlock := s.lifecycle.Lock(id)
	defer unlock()

	s.halt(id)
	return s.registry.SetTaskStatus(ctx, id, models.TaskStatusStopped, nil)
}

// UpdateTask applies patch and restarts the worker when the task is running.
func (s *Supervisor) UpdateTask(ctx context.Context, id uint, patch registry.TaskPatch) error {
	if patch.StrategyTag != nil {
		if _, err := s.strategies.Resolve(*patch.StrategyTag); err != nil {
			return err
		}
	}

	unlock := s.lifecycle.Lock(id)
	defer unlock()

	if err := s.registry.UpdateTask(ctx, id, patch); err != nil {
		return err
	}
	if !s.halt(id) {
		return nil
	}
	task, err := s.registry.GetTask(ctx, id)
	if err != nil {
		return err
	}
	return s.spawn(*task)
}

// DeleteTask stops the worker, if any, and removes the task.
func (s *Supervisor) DeleteTask(ctx context.Context, id uint) error {
	unlock := s.lifecycle.Lock(id)
	defer unlock()

	s.halt(id)
	if err := s.registry.DeleteTask(ctx, id); err != nil {
		return err
	}
	s.lifecycle.Forget(id)
	return nil
}

// RunningTasks lists live workers ordered by task id.
func (s *Supervisor) RunningTasks() []TaskState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskState, 0, len(s.workers))
	for id, w := range s.workers {
		out = append(out, TaskState{
			TaskID:    id,
			Symbol:    w.task.Symbol,
			Strategy:  w.task.StrategyTag,
			AutoTrade: w.task.AutoTrade,
			State:     w.State().String(),
			LastTick:  w.LastTick(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// Reconcile feeds the broker's current view of every pending order through the executor's
// status path. Orders the broker no longer reports stay pending.
func (s *Supervisor) Reconcile(ctx context.Context) error {
	pending, err := s.registry.ListPendingTasks(ctx)
	if err != nil {
		return fmt.Errorf("failed to list pending tasks: %w", err)
	}
	orders, err := s.gateway.QueryOrders(ctx, false)
	if err != nil {
		return fmt.Errorf("failed to query broker orders: %w", err)
	}

	known := make(map[int64]bool, len(pending))
	p := pool.New().WithErrors().WithMaxGoroutines(reconcileParallelism)
	for i := range pending {
		task := pending[i]
		known[task.PendingOrderID] = true
		p.Go(func() error {
			log := logger.ForTask(s.logger, task.ID, task.Symbol).With(zap.Int64("order_id", task.PendingOrderID))
			order, ok := broker.FindOrder(orders, task.PendingOrderID)
			if !ok {
				log.Warn("Pending order not reported by broker, leaving it pending")
				return nil
			}
			log.Info("Reconciling pending order", zap.String("broker_status", order.Status.String()))
			if err := s.executor.HandleOrderStatus(ctx, broker.StatusEvent(order)); err != nil {
				return fmt.Errorf("task %d order %d: %w", task.ID, order.OrderID, err)
			}
			return nil
		})
	}
	err = p.Wait()

	for _, o := range orders {
		if known[o.OrderID] || !strings.HasPrefix(o.Remark, broker.OrderRemarkPrefix) || o.Status.IsFinal() {
			continue
		}
		trade, ferr := s.registry.FindTradeByOrderID(ctx, o.OrderID)
		if ferr != nil {
			err = errors.Join(err, ferr)
			continue
		}
		if trade == nil {
			s.logger.Warn("Broker order from this monitor is unknown to the registry",
				zap.Int64("order_id", o.OrderID),
				zap.String("symbol", o.Symbol),
				zap.String("status", o.Status.String()))
		}
	}

	s.logger.Info("Reconciliation finished", zap.Int("pending", len(pending)), zap.Int("broker_orders", len(orders)))
	return err
}

// spawn starts a worker for task. The caller holds the task's lifecycle lock.
func (s *Supervisor) spawn(task models.MonitorTask) error {
	evaluator, err := s.strategies.Resolve(task.StrategyTag)
	if err != nil {
		return err
	}
	w := &Worker{
		task:        task,
		evaluator:   evaluator,
		executor:    s.executor,
		registry:    s.registry,
		notifier:    s.notifier,
		metrics:     s.metrics,
		logger:      logger.ForTask(s.logger.Named("worker"), task.ID, task.Symbol),
		now:         s.now,
		evalTimeout: s.evaluateTimeout(),
	}

	// Only started workers are visible in the map, and none start once Stop has run.
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrSupervisorStopped
	}
	w.Start(s.ctx)
	s.workers[task.ID] = w
	n := len(s.workers)
	s.mu.Unlock()

	s.metrics.SetRunningWorkers(n)
	return nil
}

// halt stops and joins the task's worker and reports whether one was running.
func (s *Supervisor) halt(id uint) bool {
	s.mu.Lock()
	w, ok := s.workers[id]
	delete(s.workers, id)
	n := len(s.workers)
	s.mu.Unlock()
	if !ok {
		return false
	}

	w.Stop()
	if !w.Join(s.joinTimeout()) {
		s.logger.Warn("Worker did not stop in time", zap.Uint("task_id", id))
	}
	s.metrics.SetRunningWorkers(n)
	return true
}

func (s *Supervisor) worker(id uint) *Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers[id]
}

func (s *Supervisor) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

func (s *Supervisor) joinTimeout() time.Duration {
	if s.cfg.JoinTimeout > 0 {
		return s.cfg.JoinTimeout
	}
	return defaultJoinTimeout
}

func (s *Supervisor) evaluateTimeout() time.Duration {
	if s.cfg.EvaluateTimeout > 0 {
		return s.cfg.EvaluateTimeout
	}
	return defaultEvaluateTimeout
}
