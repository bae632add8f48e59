package signal

import (
	"context"
	"fmt"
	"math"
)

// TagGS selects the channel breakout evaluator.
const TagGS = "GS"

// BreakoutConfig parameterizes Breakout.
type BreakoutConfig struct {
	Period   string
	Lookback int
}

func DefaultBreakoutConfig() BreakoutConfig {
	return BreakoutConfig{Period: "1d", Lookback: 20}
}

// Breakout signals buy when the latest close exceeds the highest high of the lookback
// window and sell when it falls under the lowest low.
type Breakout struct {
	src BarSource
	cfg BreakoutConfig
}

func NewBreakout(src BarSource, cfg BreakoutConfig) *Breakout {
	return &Breakout{src: src, cfg: cfg}
}

func (b *Breakout) Evaluate(ctx context.Context, symbol string) (Result, error) {
	res := Result{Signal: Hold, Strategy: TagGS}

	bars, err := fetch(ctx, b.src, symbol, b.cfg.Period, b.cfg.Lookback+1)
	if err != nil {
		return res, err
	}
	upper, lower := math.Inf(-1), math.Inf(1)
	for _, bar := range bars[:len(bars)-1] {
		upper = math.Max(upper, bar.High)
		lower = math.Min(lower, bar.Low)
	}
	last := bars[len(bars)-1]

	res.Snapshot = SnapshotOf(last)
	res.Snapshot.Extra = map[string]float64{"channel_upper": upper, "channel_lower": lower}

	switch {
	case last.Close > upper:
		res.Signal = Buy
		res.Reason = fmt.Sprintf("close %.2f broke above %d-bar high %.2f", last.Close, b.cfg.Lookback, upper)
	case last.Close < lower:
		res.Signal = Sell
		res.Reason = fmt.Sprintf("close %.2f broke below %d-bar low %.2f", last.Close, b.cfg.Lookback, lower)
	}
	return res, nil
}
