package trader

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"qmt-monitor-go/internal/metrics"
	"qmt-monitor-go/internal/models"
	"qmt-monitor-go/internal/notify"
	"qmt-monitor-go/internal/signal"
)

// ErrOutsideTradingHours is reported when an action is requested while the exchange is closed.
var ErrOutsideTradingHours = errors.New("outside trading hours")

// exchangeZone is the exchange's local time (Asia/Shanghai, no DST).
var exchangeZone = time.FixedZone("CST", 8*3600)

// InTradingHours reports whether t falls in a continuous trading session:
// weekdays 09:30-11:30 and 13:00-15:00 exchange time.
func InTradingHours(t time.Time) bool {
	local := t.In(exchangeZone)
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	minutes := local.Hour()*60 + local.Minute()
	return (minutes >= 9*60+30 && minutes < 11*60+30) || (minutes >= 13*60 && minutes < 15*60)
}

// WorkerState is the lifecycle stage of a task worker.
type WorkerState int32

const (
	WorkerIdle WorkerState = iota
	WorkerRunning
	WorkerStopping
	WorkerTerminated
)

func (s WorkerState) String() string {
	switch s {
	case WorkerIdle:
		return "idle"
	case WorkerRunning:
		return "running"
	case WorkerStopping:
		return "stopping"
	case WorkerTerminated:
		return "terminated"
	}
	return fmt.Sprintf("WorkerState(%d)", int32(s))
}

// actor is the part of the executor a worker needs.
type actor interface {
	Act(ctx context.Context, taskID uint, res signal.Result) error
}

// executionRecorder is the part of the registry a worker writes to.
type executionRecorder interface {
	IncrementExecution(ctx context.Context, id uint, signal string, at time.Time) error
}

// Worker periodically evaluates one task's symbol and hands actionable signals to the executor.
// It owns its cancellation and its timer.
type Worker struct {
	task        models.MonitorTask
	evaluator   signal.Evaluator
	executor    actor
	registry    executionRecorder
	notifier    notify.Notifier
	metrics     *metrics.Monitor
	logger      *zap.Logger
	now         func() time.Time
	evalTimeout time.Duration

	state    atomic.Int32
	lastTick atomic.Int64
	cancel   context.CancelFunc
	done     chan struct{}
}

// Start launches the worker loop. ctx is the parent of the worker's private cancellation.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	w.state.Store(int32(WorkerRunning))
	go w.run(ctx)
}

// Stop requests cancellation. The current evaluation or action, if any, completes first.
func (w *Worker) Stop() {
	if w.cancel == nil {
		return
	}
	w.state.CompareAndSwap(int32(WorkerRunning), int32(WorkerStopping))
	w.cancel()
}

// Join waits up to timeout for the loop to exit and reports whether it did.
func (w *Worker) Join(timeout time.Duration) bool {
	if w.done == nil {
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-w.done:
		return true
	case <-timer.C:
		return false
	}
}

func (w *Worker) State() WorkerState {
	return WorkerState(w.state.Load())
}

// LastTick is the time of the latest completed evaluation, zero before the first.
func (w *Worker) LastTick() time.Time {
	n := w.lastTick.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	defer w.state.Store(int32(WorkerTerminated))

	interval := w.task.Interval()
	timer := time.NewTimer(interval)
	defer timer.Stop()

	w.logger.Info("Worker started",
		zap.Duration("interval", interval),
		zap.String("strategy", w.task.StrategyTag),
		zap.Bool("auto_trade", w.task.AutoTrade))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Worker stopped")
			return
		case <-timer.C:
		}

		w.tick(ctx)
		timer.Reset(interval)
	}
}

// tick runs one evaluation. Work that has started is detached from ctx so a stop
// request does not abort it halfway.
func (w *Worker) tick(ctx context.Context) {
	if w.task.TradingHoursOnly && !InTradingHours(w.now()) {
		w.logger.Debug("Outside trading hours, skipping tick")
		return
	}

	work := context.WithoutCancel(ctx)
	evalCtx, cancel := context.WithTimeout(work, w.evalTimeout)
	started := time.Now()
	res, err := w.evaluator.Evaluate(evalCtx, w.task.Symbol)
	cancel()
	w.metrics.ObserveEvaluation(w.task.StrategyTag, string(res.Signal), time.Since(started), err)
	if err != nil {
		w.logger.Warn("Signal evaluation failed", zap.Error(err))
		return
	}

	at := w.now()
	w.lastTick.Store(at.UnixNano())
	if err := w.registry.IncrementExecution(work, w.task.ID, string(res.Signal), at); err != nil {
		w.logger.Error("Failed to record execution", zap.Error(err))
	}

	if !res.Signal.Actionable() {
		w.logger.Debug("Hold", zap.Float64("close", res.Snapshot.Close))
		return
	}

	w.logger.Info("Signal fired",
		zap.String("signal", string(res.Signal)),
		zap.Float64("close", res.Snapshot.Close),
		zap.String("reason", res.Reason))

	if !w.task.AutoTrade {
		notify.Send(work, w.notifier, w.logger, notify.Notification{
			Kind:    notify.KindSignal,
			TaskID:  w.task.ID,
			Symbol:  w.task.Symbol,
			Title:   fmt.Sprintf("%s %s 信号", w.task.Symbol, res.Signal),
			Message: res.Reason,
			Fields:  map[string]any{"close": res.Snapshot.Close, "strategy": res.Strategy},
		})
		return
	}

	actCtx, cancel := context.WithTimeout(work, w.evalTimeout)
	defer cancel()
	if err := w.executor.Act(actCtx, w.task.ID, res); err != nil {
		w.logger.Error("Order action failed", zap.String("signal", string(res.Signal)), zap.Error(err))
	}
}
