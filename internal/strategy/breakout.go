package strategy

import (
	"fmt"

	"upbit-trader/pkg/types"
)

// Breakout signals when the close escapes the recent range: BUY above the
// buffered high of the last L completed bars, SELL below the buffered low.
type Breakout struct {
	lookback  int
	bufferBps float64
}

// NewBreakout validates the parameters and builds the strategy.
func NewBreakout(lookback int, bufferBps float64) (*Breakout, error) {
	if lookback < 1 {
		return nil, fmt.Errorf("breakout lookback must be ≥ 1, got %d", lookback)
	}
	if bufferBps < 0 {
		return nil, fmt.Errorf("breakout buffer must be ≥ 0 bps, got %v", bufferBps)
	}
	return &Breakout{lookback: lookback, bufferBps: bufferBps}, nil
}

func (b *Breakout) Name() string { return "breakout" }

// Evaluate compares the current close against the high/low of the previous
// lookback bars, excluding the current bar so a new high cannot confirm
// itself.
func (b *Breakout) Evaluate(candles []types.Candle) Signal {
	if len(candles) < b.lookback+1 {
		return hold("insufficient_candles", map[string]float64{
			"candles":  float64(len(candles)),
			"required": float64(b.lookback + 1),
		})
	}

	current := candles[len(candles)-1]
	window := candles[len(candles)-1-b.lookback : len(candles)-1]

	high := window[0].High
	low := window[0].Low
	for _, c := range window[1:] {
		if c.High > high {
			high = c.High
		}
		if c.Low < low {
			low = c.Low
		}
	}

	buffer := b.bufferBps / 1e4
	upper := high * (1 + buffer)
	lower := low * (1 - buffer)

	metrics := map[string]float64{
		"close":      current.Close,
		"rangeHigh":  high,
		"rangeLow":   low,
		"upperBound": upper,
		"lowerBound": lower,
	}

	switch {
	case current.Close > upper:
		return Signal{Action: types.ActionBuy, Reason: "breakout_up", Metrics: metrics}
	case current.Close < lower:
		return Signal{Action: types.ActionSell, Reason: "breakout_dn", Metrics: metrics}
	default:
		return hold("inside_range", metrics)
	}
}
