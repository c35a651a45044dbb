// Package decision resolves the execution policy that sits between a
// strategy signal and an order attempt. The AI operator publishes a policy
// snapshot (top-level plus optional per-symbol overrides); per symbol the
// resolver merges the two and interprets the mode:
//
//	rule     — ignore signals, act only on forceAction
//	filter   — gate the signal by allowBuy/allowSell
//	override — execute forceAction regardless of the signal
//
// A forceOnce force is consumed in memory after its first attempt; the
// consumption does not survive restart.
package decision

import (
	"fmt"
	"log/slog"
	"sync"

	"upbit-trader/internal/strategy"
	"upbit-trader/pkg/types"
)

// Policy modes.
const (
	ModeRule     = "rule"
	ModeFilter   = "filter"
	ModeOverride = "override"
)

// Policy is one resolved execution policy.
type Policy struct {
	Mode           string
	AllowBuy       bool
	AllowSell      bool
	ForceAction    types.Action // empty when unset
	ForceAmountKRW float64      // 0 means "use the window default"
	ForceOnce      bool
	Note           string
}

// Override is the wire shape of a policy layer: every field optional, so a
// per-symbol entry only overrides what it sets.
type Override struct {
	Mode           *string  `json:"mode,omitempty"`
	AllowBuy       *bool    `json:"allowBuy,omitempty"`
	AllowSell      *bool    `json:"allowSell,omitempty"`
	ForceAction    *string  `json:"forceAction,omitempty"`
	ForceAmountKRW *float64 `json:"forceAmountKrw,omitempty"`
	ForceOnce      *bool    `json:"forceOnce,omitempty"`
	Note           *string  `json:"note,omitempty"`
}

// Snapshot is the published decision policy: a top-level layer plus
// per-symbol overrides keyed by canonical symbol.
type Snapshot struct {
	Override
	Symbols map[string]Override `json:"symbols,omitempty"`
}

// Outcome is the resolver's verdict for one realtime run.
type Outcome struct {
	Action    types.Action
	AmountKRW float64 // 0 means "use the window default"
	Forced    bool
	Reason    string
}

// Resolver holds the current snapshot and the in-memory force consumption.
type Resolver struct {
	logger *slog.Logger

	mu       sync.Mutex
	snapshot Snapshot
	consumed map[string]bool // policy source key → force already used
}

// NewResolver creates an empty resolver; decisions pass signals through
// until a snapshot is set.
func NewResolver(logger *slog.Logger) *Resolver {
	return &Resolver{
		logger:   logger.With("component", "decision"),
		consumed: map[string]bool{},
	}
}

// SetSnapshot replaces the policy and resets force consumption: a newly
// published force is armed even if an earlier identical one was used.
func (r *Resolver) SetSnapshot(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshot = s
	r.consumed = map[string]bool{}
}

// ResolveFor merges the top-level policy with the symbol's override.
func (r *Resolver) ResolveFor(symbol types.Symbol) Policy {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, _ := r.resolveLocked(symbol)
	return p
}

// resolveLocked returns the merged policy and the consumption key: the
// symbol when the force came from its override, "" when it is top-level.
func (r *Resolver) resolveLocked(symbol types.Symbol) (Policy, string) {
	p := Policy{AllowBuy: true, AllowSell: true}
	forceKey := ""

	apply := func(o Override, key string) {
		if o.Mode != nil {
			p.Mode = *o.Mode
		}
		if o.AllowBuy != nil {
			p.AllowBuy = *o.AllowBuy
		}
		if o.AllowSell != nil {
			p.AllowSell = *o.AllowSell
		}
		if o.ForceAction != nil {
			p.ForceAction = types.Action(*o.ForceAction)
			forceKey = key
		}
		if o.ForceAmountKRW != nil {
			p.ForceAmountKRW = *o.ForceAmountKRW
		}
		if o.ForceOnce != nil {
			p.ForceOnce = *o.ForceOnce
		}
		if o.Note != nil {
			p.Note = *o.Note
		}
	}

	apply(r.snapshot.Override, "")
	if o, ok := r.snapshot.Symbols[string(symbol)]; ok {
		apply(o, string(symbol))
	}
	return p, forceKey
}

// Decide interprets the symbol's policy against the strategy signal.
func (r *Resolver) Decide(symbol types.Symbol, sig strategy.Signal) Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, forceKey := r.resolveLocked(symbol)
	forceArmed := p.ForceAction == types.ActionBuy || p.ForceAction == types.ActionSell
	if forceArmed && p.ForceOnce && r.consumed[forceKey] {
		forceArmed = false
	}

	switch p.Mode {
	case ModeRule:
		if forceArmed {
			return Outcome{Action: p.ForceAction, AmountKRW: p.ForceAmountKRW, Forced: true, Reason: "rule_force"}
		}
		return Outcome{Action: types.ActionHold, Reason: "rule_no_force"}

	case ModeOverride:
		if forceArmed {
			return Outcome{Action: p.ForceAction, AmountKRW: p.ForceAmountKRW, Forced: true, Reason: "override_force"}
		}
		return r.filtered(p, sig)

	case ModeFilter, "":
		return r.filtered(p, sig)

	default:
		r.logger.Warn("unknown decision mode, passing signal through", "mode", p.Mode)
		return r.filtered(p, sig)
	}
}

func (r *Resolver) filtered(p Policy, sig strategy.Signal) Outcome {
	switch {
	case sig.Action == types.ActionBuy && !p.AllowBuy:
		return Outcome{Action: types.ActionHold, Reason: "filtered_buy"}
	case sig.Action == types.ActionSell && !p.AllowSell:
		return Outcome{Action: types.ActionHold, Reason: "filtered_sell"}
	default:
		return Outcome{Action: sig.Action, Reason: sig.Reason}
	}
}

// ConsumeForce records that the symbol's armed force produced an attempt.
// Called by the scheduler after the attempt, success or not.
func (r *Resolver) ConsumeForce(symbol types.Symbol) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, forceKey := r.resolveLocked(symbol)
	if !p.ForceOnce {
		return
	}
	if r.consumed[forceKey] {
		return
	}
	r.consumed[forceKey] = true
	r.logger.Info("force consumed", "symbol", symbol, "action", p.ForceAction,
		"scope", scopeName(forceKey))
}

func scopeName(forceKey string) string {
	if forceKey == "" {
		return "top-level"
	}
	return fmt.Sprintf("symbol %s", forceKey)
}
