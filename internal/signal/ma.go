package signal

import (
	"context"
	"fmt"
)

// TagMA selects the moving-average crossover evaluator.
const TagMA = "MA"

// MAConfig parameterizes MACross.
type MAConfig struct {
	Period string
	Fast   int
	Slow   int
}

func DefaultMAConfig() MAConfig {
	return MAConfig{Period: "5m", Fast: 5, Slow: 20}
}

// MACross signals buy when the fast average crosses above the slow one on the latest
// bar and sell when it crosses below.
type MACross struct {
	src BarSource
	cfg MAConfig
}

func NewMACross(src BarSource, cfg MAConfig) *MACross {
	return &MACross{src: src, cfg: cfg}
}

func (m *MACross) Evaluate(ctx context.Context, symbol string) (Result, error) {
	res := Result{Signal: Hold, Strategy: TagMA}

	bars, err := fetch(ctx, m.src, symbol, m.cfg.Period, m.cfg.Slow+1)
	if err != nil {
		return res, err
	}
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}

	prevFast, prevSlow := mean(closes[len(closes)-1-m.cfg.Fast:len(closes)-1]), mean(closes[:len(closes)-1])
	fast, slow := mean(closes[len(closes)-m.cfg.Fast:]), mean(closes[1:])

	res.Snapshot = SnapshotOf(bars[len(bars)-1])
	res.Snapshot.Extra = map[string]float64{"ma_fast": fast, "ma_slow": slow}

	switch {
	case prevFast <= prevSlow && fast > slow:
		res.Signal = Buy
		res.Reason = fmt.Sprintf("MA%d crossed above MA%d", m.cfg.Fast, m.cfg.Slow)
	case prevFast >= prevSlow && fast < slow:
		res.Signal = Sell
		res.Reason = fmt.Sprintf("MA%d crossed below MA%d", m.cfg.Fast, m.cfg.Slow)
	}
	return res, nil
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
