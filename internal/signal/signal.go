// Package signal turns recent bars of a symbol into a buy, sell or hold decision.
package signal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"qmt-monitor-go/internal/broker"
)

// Signal is the decision of one evaluation.
type Signal string

const (
	Buy  Signal = "buy"
	Sell Signal = "sell"
	Hold Signal = "hold"
)

// Actionable reports whether the signal asks for an order.
func (s Signal) Actionable() bool {
	return s == Buy || s == Sell
}

var (
	ErrUnknownStrategy  = errors.New("unknown strategy tag")
	ErrInsufficientBars = errors.New("not enough bars")
)

// Snapshot is the market state the decision was taken on.
type Snapshot struct {
	Close  float64            `json:"close"`
	Open   float64            `json:"open"`
	High   float64            `json:"high"`
	Low    float64            `json:"low"`
	Volume float64            `json:"volume"`
	At     time.Time          `json:"at"`
	Extra  map[string]float64 `json:"extra,omitempty"`
}

// SnapshotOf copies the OHLCV fields of a bar.
func SnapshotOf(b broker.Bar) Snapshot {
	return Snapshot{Close: b.Close, Open: b.Open, High: b.High, Low: b.Low, Volume: b.Volume, At: b.Time}
}

// Result is what an evaluation returns. On error Signal is Hold.
type Result struct {
	Signal   Signal   `json:"signal"`
	Strategy string   `json:"strategy"`
	Reason   string   `json:"reason,omitempty"`
	Snapshot Snapshot `json:"snapshot"`
}

// Evaluator decides on one symbol. Implementations must be safe for concurrent use.
type Evaluator interface {
	Evaluate(ctx context.Context, symbol string) (Result, error)
}

// Func adapts a function to Evaluator.
type Func func(ctx context.Context, symbol string) (Result, error)

func (f Func) Evaluate(ctx context.Context, symbol string) (Result, error) {
	return f(ctx, symbol)
}

// BarSource provides recent K-lines, oldest first.
type BarSource interface {
	GetBars(ctx context.Context, symbol, period string, count int) ([]broker.Bar, error)
}

// Registry resolves strategy tags to evaluators.
type Registry struct {
	mu         sync.RWMutex
	evaluators map[string]Evaluator
}

// NewRegistry registers the built-in MA and GS evaluators over src.
func NewRegistry(src BarSource) *Registry {
	r := &Registry{evaluators: make(map[string]Evaluator)}
	r.Register(TagMA, NewMACross(src, DefaultMAConfig()))
	r.Register(TagGS, NewBreakout(src, DefaultBreakoutConfig()))
	return r
}

// Register binds tag (case-insensitive) to e, replacing any previous binding.
func (r *Registry) Register(tag string, e Evaluator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evaluators[strings.ToUpper(tag)] = e
}

// Resolve returns the evaluator for tag.
func (r *Registry) Resolve(tag string) (Evaluator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.evaluators[strings.ToUpper(tag)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, tag)
	}
	return e, nil
}

// Tags lists the registered tags in order.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.evaluators))
	for tag := range r.evaluators {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

func fetch(ctx context.Context, src BarSource, symbol, period string, need int) ([]broker.Bar, error) {
	bars, err := src.GetBars(ctx, symbol, period, need)
	if err != nil {
		return nil, fmt.Errorf("failed to load bars for %s: %w", symbol, err)
	}
	if len(bars) < need {
		return nil, fmt.Errorf("%w: %s has %d of %d", ErrInsufficientBars, symbol, len(bars), need)
	}
	return bars[len(bars)-need:], nil
}
