package strategy

import (
	"fmt"
	"math"

	"upbit-trader/pkg/types"
)

// epsilon floors realized volatility so a flat series cannot divide by zero.
const epsilon = 1e-9

// MomentumParams configures the risk-managed momentum strategy.
type MomentumParams struct {
	MomentumLookback   int     // M bars for the return measurement
	VolatilityLookback int     // V bars for realized volatility, V > M
	EntryBps           float64 // momentum above this enters long
	ExitBps            float64 // momentum below −this exits
	TargetVolPct       float64 // target volatility, percent per bar
	MinMultiplier      float64
	MaxMultiplier      float64
}

// Momentum signals on the return over the last M bars and sizes positions
// inversely to realized volatility: metrics.riskMultiplier is
// targetVol/realizedVol clamped to the configured bounds. Downstream scales
// the order quote-amount by it (with its own outer clamp).
type Momentum struct {
	p MomentumParams
}

// NewMomentum validates the parameters and builds the strategy.
func NewMomentum(p MomentumParams) (*Momentum, error) {
	if p.MomentumLookback < 1 {
		return nil, fmt.Errorf("momentum lookback must be ≥ 1, got %d", p.MomentumLookback)
	}
	if p.VolatilityLookback <= p.MomentumLookback {
		return nil, fmt.Errorf("volatility lookback %d must exceed momentum lookback %d",
			p.VolatilityLookback, p.MomentumLookback)
	}
	if p.MinMultiplier <= 0 || p.MaxMultiplier < p.MinMultiplier {
		return nil, fmt.Errorf("multiplier bounds [%v, %v] invalid", p.MinMultiplier, p.MaxMultiplier)
	}
	return &Momentum{p: p}, nil
}

func (m *Momentum) Name() string { return "risk_managed_momentum" }

func (m *Momentum) Evaluate(candles []types.Candle) Signal {
	required := m.p.VolatilityLookback + 1
	if len(candles) < required {
		return hold("insufficient_candles", map[string]float64{
			"candles":  float64(len(candles)),
			"required": float64(required),
		})
	}

	last := candles[len(candles)-1].Close
	ref := candles[len(candles)-1-m.p.MomentumLookback].Close
	momentumBps := (last/ref - 1) * 1e4

	vol := realizedVolPct(candles, m.p.VolatilityLookback)
	multiplier := clamp(m.p.TargetVolPct/math.Max(epsilon, vol), m.p.MinMultiplier, m.p.MaxMultiplier)

	metrics := map[string]float64{
		"momentumBps":    momentumBps,
		"volatilityPct":  vol,
		"riskMultiplier": multiplier,
	}

	switch {
	case momentumBps > m.p.EntryBps:
		return Signal{Action: types.ActionBuy, Reason: "momentum_up", Metrics: metrics}
	case momentumBps < -m.p.ExitBps:
		return Signal{Action: types.ActionSell, Reason: "momentum_dn", Metrics: metrics}
	default:
		return hold("momentum_flat", metrics)
	}
}

// realizedVolPct is the sample standard deviation of close-to-close log
// returns over the last n bars, expressed as percent per bar.
func realizedVolPct(candles []types.Candle, n int) float64 {
	returns := make([]float64, 0, n)
	for i := len(candles) - n; i < len(candles); i++ {
		returns = append(returns, math.Log(candles[i].Close/candles[i-1].Close))
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	if len(returns) > 1 {
		variance /= float64(len(returns) - 1)
	}
	return math.Sqrt(variance) * 100
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
