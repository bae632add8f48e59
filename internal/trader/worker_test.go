package trader

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"qmt-monitor-go/internal/models"
	"qmt-monitor-go/internal/notify"
	"qmt-monitor-go/internal/signal"
)

type fakeActor struct {
	mu    sync.Mutex
	calls []signal.Result
	// block, when set, holds every Act until it is closed.
	block   chan struct{}
	entered chan struct{}
	ctxErr  error
}

func (f *fakeActor) Act(ctx context.Context, taskID uint, res signal.Result) error {
	f.mu.Lock()
	f.calls = append(f.calls, res)
	f.mu.Unlock()
	if f.block != nil {
		close(f.entered)
		<-f.block
		f.mu.Lock()
		f.ctxErr = ctx.Err()
		f.mu.Unlock()
	}
	return nil
}

func (f *fakeActor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeRecorder struct {
	count atomic.Int64
	last  atomic.Value
}

func (f *fakeRecorder) IncrementExecution(ctx context.Context, id uint, signal string, at time.Time) error {
	f.count.Add(1)
	f.last.Store(signal)
	return nil
}

type countingEvaluator struct {
	calls atomic.Int64
	res   signal.Result
	err   error
}

func (c *countingEvaluator) Evaluate(ctx context.Context, symbol string) (signal.Result, error) {
	c.calls.Add(1)
	return c.res, c.err
}

func newTestWorker(task models.MonitorTask, eval signal.Evaluator, act actor, rec executionRecorder, notifier notify.Notifier) *Worker {
	return &Worker{
		task:        task,
		evaluator:   eval,
		executor:    act,
		registry:    rec,
		notifier:    notifier,
		logger:      zap.NewNop(),
		now:         time.Now,
		evalTimeout: time.Second,
	}
}

func exchangeTime(day, hour, minute int) time.Time {
	return time.Date(2026, time.March, day, hour, minute, 0, 0, exchangeZone)
}

func TestInTradingHours(t *testing.T) {
	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"before open", exchangeTime(2, 9, 29), false},
		{"morning open", exchangeTime(2, 9, 30), true},
		{"late morning", exchangeTime(2, 11, 29), true},
		{"lunch starts", exchangeTime(2, 11, 30), false},
		{"lunch", exchangeTime(2, 12, 0), false},
		{"afternoon open", exchangeTime(2, 13, 0), true},
		{"last minute", exchangeTime(2, 14, 59), true},
		{"close", exchangeTime(2, 15, 0), false},
		{"saturday", exchangeTime(7, 10, 0), false},
		{"sunday", exchangeTime(8, 10, 0), false},
		{"utc input", time.Date(2026, time.March, 2, 1, 30, 0, 0, time.UTC), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, InTradingHours(tt.at))
		})
	}
}

func TestWorker_SkipsOutsideTradingHours(t *testing.T) {
	eval := &countingEvaluator{res: buyAt(10)}
	act := &fakeActor{}
	rec := &fakeRecorder{}
	w := newTestWorker(models.MonitorTask{Symbol: symbol, AutoTrade: true, TradingHoursOnly: true}, eval, act, rec, &recordingNotifier{})
	w.now = func() time.Time { return exchangeTime(7, 10, 0) }

	w.tick(context.Background())

	assert.Zero(t, eval.calls.Load())
	assert.Zero(t, rec.count.Load())
	assert.Zero(t, act.count())
}

func TestWorker_ActsInsideTradingHours(t *testing.T) {
	eval := &countingEvaluator{res: buyAt(10)}
	act := &fakeActor{}
	rec := &fakeRecorder{}
	w := newTestWorker(models.MonitorTask{Symbol: symbol, AutoTrade: true, TradingHoursOnly: true}, eval, act, rec, &recordingNotifier{})
	w.now = func() time.Time { return exchangeTime(2, 10, 0) }

	w.tick(context.Background())

	assert.Equal(t, int64(1), rec.count.Load())
	assert.Equal(t, "buy", rec.last.Load())
	assert.Equal(t, 1, act.count())
	assert.Equal(t, exchangeTime(2, 10, 0).UnixNano(), w.LastTick().UnixNano())
}

func TestWorker_SignalOnlyTaskNotifies(t *testing.T) {
	eval := &countingEvaluator{res: sellAt(12.5)}
	act := &fakeActor{}
	rec := &fakeRecorder{}
	notes := &recordingNotifier{}
	w := newTestWorker(models.MonitorTask{Symbol: symbol, AutoTrade: false}, eval, act, rec, notes)

	w.tick(context.Background())

	assert.Zero(t, act.count())
	assert.Equal(t, int64(1), rec.count.Load())
	n, ok := notes.find(notify.KindSignal)
	require.True(t, ok)
	assert.Equal(t, symbol, n.Symbol)
	assert.Equal(t, 12.5, n.Fields["close"])
}

func TestWorker_HoldAndErrors(t *testing.T) {
	act := &fakeActor{}
	rec := &fakeRecorder{}

	hold := newTestWorker(models.MonitorTask{Symbol: symbol, AutoTrade: true}, &countingEvaluator{res: signal.Result{Signal: signal.Hold}}, act, rec, nil)
	hold.tick(context.Background())
	assert.Equal(t, int64(1), rec.count.Load(), "a hold still counts as an execution")
	assert.Zero(t, act.count())

	failing := newTestWorker(models.MonitorTask{Symbol: symbol, AutoTrade: true}, &countingEvaluator{err: errors.New("bars unavailable")}, act, rec, nil)
	failing.tick(context.Background())
	assert.Equal(t, int64(1), rec.count.Load(), "a failed evaluation is not an execution")
	assert.Zero(t, act.count())
	assert.True(t, failing.LastTick().IsZero())
}

func TestWorker_StopEndsEvaluations(t *testing.T) {
	eval := &countingEvaluator{res: signal.Result{Signal: signal.Hold}}
	w := newTestWorker(models.MonitorTask{Symbol: symbol, IntervalSeconds: 1}, eval, &fakeActor{}, &fakeRecorder{}, nil)
	assert.Equal(t, WorkerIdle, w.State())

	w.Start(context.Background())
	assert.Equal(t, WorkerRunning, w.State())
	require.Eventually(t, func() bool { return eval.calls.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)

	w.Stop()
	require.True(t, w.Join(2*time.Second))
	assert.Equal(t, WorkerTerminated, w.State())

	seen := eval.calls.Load()
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, seen, eval.calls.Load())
}

func TestWorker_StopLetsInflightActionFinish(t *testing.T) {
	act := &fakeActor{block: make(chan struct{}), entered: make(chan struct{})}
	w := newTestWorker(models.MonitorTask{Symbol: symbol, IntervalSeconds: 1, AutoTrade: true}, &countingEvaluator{res: buyAt(10)}, act, &fakeRecorder{}, nil)

	w.Start(context.Background())
	select {
	case <-act.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("worker never acted")
	}

	w.Stop()
	assert.Equal(t, WorkerStopping, w.State())
	assert.False(t, w.Join(100*time.Millisecond), "worker exits only after the action returns")

	close(act.block)
	require.True(t, w.Join(2*time.Second))
	act.mu.Lock()
	defer act.mu.Unlock()
	assert.NoError(t, act.ctxErr, "stopping does not cancel an action in progress")
}

func TestWorkerState_String(t *testing.T) {
	assert.Equal(t, "running", WorkerRunning.String())
	assert.Equal(t, "terminated", WorkerTerminated.String())
	assert.Equal(t, "WorkerState(9)", WorkerState(9).String())
}
