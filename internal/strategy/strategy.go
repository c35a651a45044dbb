// Package strategy implements the signal engine: pure functions from a
// candle series to a BUY/SELL/HOLD signal. Strategies never touch the
// network or the store, which keeps them trivially testable.
package strategy

import (
	"fmt"

	"upbit-trader/internal/config"
	"upbit-trader/pkg/types"
)

// Signal is one strategy evaluation outcome.
type Signal struct {
	Action  types.Action       `json:"action"`
	Reason  string             `json:"reason"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

// Strategy evaluates a candle series into a signal. Candles arrive oldest
// first, validated upstream.
type Strategy interface {
	Name() string
	Evaluate(candles []types.Candle) Signal
}

// New builds the configured strategy.
func New(cfg config.StrategyConfig) (Strategy, error) {
	switch cfg.Name {
	case "breakout":
		return NewBreakout(cfg.BreakoutLookback, cfg.BreakoutBufferBps)
	case "risk_managed_momentum":
		return NewMomentum(MomentumParams{
			MomentumLookback:   cfg.MomentumLookback,
			VolatilityLookback: cfg.VolatilityLookback,
			EntryBps:           cfg.MomentumEntryBps,
			ExitBps:            cfg.MomentumExitBps,
			TargetVolPct:       cfg.TargetVolatilityPct,
			MinMultiplier:      cfg.RiskManagedMinMultiplier,
			MaxMultiplier:      cfg.RiskManagedMaxMultiplier,
		})
	default:
		return nil, fmt.Errorf("unknown strategy %q", cfg.Name)
	}
}

func hold(reason string, metrics map[string]float64) Signal {
	return Signal{Action: types.ActionHold, Reason: reason, Metrics: metrics}
}
