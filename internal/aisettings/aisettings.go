// Package aisettings reads the operator-written settings file that steers
// the scheduler between restarts. The file is written by a possibly
// concurrent external process, so reads never fail hard: a missing file
// produces a template plus the defaults, malformed JSON produces the
// defaults tagged read_error_fallback, and out-of-range values are clamped
// into their safe ranges with a warning.
package aisettings

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"upbit-trader/internal/config"
	"upbit-trader/internal/decision"
	"upbit-trader/pkg/types"
)

// Snapshot sources.
const (
	SourceFile     = "file"
	SourceDefaults = "defaults"
	SourceFallback = "read_error_fallback"
)

// ExecutionSettings drives the scheduler's window loop.
type ExecutionSettings struct {
	Enabled                   bool
	Symbols                   []types.Symbol
	OrderAmountKRW            float64
	WindowSec                 int
	CooldownSec               int
	MaxSymbolsPerWindow       int
	MaxOrderAttemptsPerWindow int
}

// Overlay scales order sizes externally: a risk multiplier plus a regime
// label for the audit trail.
type Overlay struct {
	RiskMultiplier float64 `json:"riskMultiplier"`
	Regime         string  `json:"regime,omitempty"`
	UpdatedAt      string  `json:"updatedAt,omitempty"`
}

// Controls carries operator kill-switch intent; nil means "no opinion".
type Controls struct {
	KillSwitch *bool `json:"killSwitch,omitempty"`
}

// Snapshot is one normalized read of the settings file.
type Snapshot struct {
	Source    string
	LoadedAt  time.Time
	Meta      map[string]any
	Execution ExecutionSettings
	Strategy  config.StrategyConfig
	Decision  decision.Snapshot
	Overlay   *Overlay
	Controls  Controls
}

// wire shapes: every field optional so a sparse file only overrides what it
// sets.

type executionWire struct {
	Enabled                   *bool    `json:"enabled,omitempty"`
	Symbol                    *string  `json:"symbol,omitempty"`
	Symbols                   []string `json:"symbols,omitempty"`
	OrderAmountKRW            *float64 `json:"orderAmountKrw,omitempty"`
	WindowSec                 *int     `json:"windowSec,omitempty"`
	CooldownSec               *int     `json:"cooldownSec,omitempty"`
	MaxSymbolsPerWindow       *int     `json:"maxSymbolsPerWindow,omitempty"`
	MaxOrderAttemptsPerWindow *int     `json:"maxOrderAttemptsPerWindow,omitempty"`
}

type strategyWire struct {
	Name                     *string  `json:"name,omitempty"`
	CandleInterval           *string  `json:"candleInterval,omitempty"`
	MomentumLookback         *int     `json:"momentumLookback,omitempty"`
	VolatilityLookback       *int     `json:"volatilityLookback,omitempty"`
	MomentumEntryBps         *float64 `json:"momentumEntryBps,omitempty"`
	MomentumExitBps          *float64 `json:"momentumExitBps,omitempty"`
	TargetVolatilityPct      *float64 `json:"targetVolatilityPct,omitempty"`
	RiskManagedMinMultiplier *float64 `json:"riskManagedMinMultiplier,omitempty"`
	RiskManagedMaxMultiplier *float64 `json:"riskManagedMaxMultiplier,omitempty"`
	BreakoutLookback         *int     `json:"breakoutLookback,omitempty"`
	BreakoutBufferBps        *float64 `json:"breakoutBufferBps,omitempty"`
}

type fileSettings struct {
	Version   int                `json:"version"`
	UpdatedAt string             `json:"updatedAt,omitempty"`
	Meta      map[string]any     `json:"meta,omitempty"`
	Execution *executionWire     `json:"execution,omitempty"`
	Strategy  *strategyWire      `json:"strategy,omitempty"`
	Decision  *decision.Snapshot `json:"decision,omitempty"`
	Overlay   *Overlay           `json:"overlay,omitempty"`
	Controls  *Controls          `json:"controls,omitempty"`
}

// Source reads and normalizes the settings and overlay files.
type Source struct {
	cfg      config.AIConfig
	trading  config.TradingConfig
	strategy config.StrategyConfig
	risk     config.RiskConfig
	logger   *slog.Logger

	mu           sync.Mutex
	loggedErrors map[string]bool // read errors already logged once
}

// NewSource creates the settings source with the config-derived defaults.
func NewSource(cfg config.AIConfig, trading config.TradingConfig, strategyCfg config.StrategyConfig, riskCfg config.RiskConfig, logger *slog.Logger) *Source {
	return &Source{
		cfg:          cfg,
		trading:      trading,
		strategy:     strategyCfg,
		risk:         riskCfg,
		logger:       logger.With("component", "aisettings"),
		loggedErrors: map[string]bool{},
	}
}

// Load reads the settings file. It never fails: absent or malformed input
// degrades to the defaults snapshot.
func (s *Source) Load() *Snapshot {
	data, err := os.ReadFile(s.cfg.SettingsPath)
	if err != nil {
		if os.IsNotExist(err) {
			s.writeTemplate()
			snap := s.defaults()
			snap.Source = SourceDefaults
			return s.mergeOverlay(snap)
		}
		return s.fallback(err)
	}

	var file fileSettings
	if err := json.Unmarshal(data, &file); err != nil {
		return s.fallback(err)
	}

	snap := s.defaults()
	snap.Source = SourceFile
	snap.Meta = file.Meta
	s.applyExecution(snap, file.Execution)
	s.applyStrategy(snap, file.Strategy)
	s.applyDecision(snap, file.Decision)
	if file.Overlay != nil {
		snap.Overlay = file.Overlay
	}
	if file.Controls != nil {
		snap.Controls = *file.Controls
	}
	return s.mergeOverlay(snap)
}

// mergeOverlay folds the standalone overlay file into the snapshot. The
// standalone file wins over a settings-embedded overlay, and by landing in
// the snapshot its content feeds the overlay group hash, so a deployment
// that only ships the overlay file still gets it applied.
func (s *Source) mergeOverlay(snap *Snapshot) *Snapshot {
	if o := s.LoadOverlay(); o != nil {
		snap.Overlay = o
	}
	return snap
}

// LoadOverlay reads the standalone overlay file with the same tolerance.
// Returns nil when the file is absent or unreadable.
func (s *Source) LoadOverlay() *Overlay {
	if s.cfg.OverlayPath == "" {
		return nil
	}
	data, err := os.ReadFile(s.cfg.OverlayPath)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logOnce(err)
		}
		return nil
	}
	var o Overlay
	if err := json.Unmarshal(data, &o); err != nil {
		s.logOnce(err)
		return nil
	}
	return &o
}

// fallback returns the defaults snapshot tagged read_error_fallback,
// logging each distinct error message once.
func (s *Source) fallback(err error) *Snapshot {
	s.logOnce(err)
	snap := s.defaults()
	snap.Source = SourceFallback
	return s.mergeOverlay(snap)
}

func (s *Source) logOnce(err error) {
	s.mu.Lock()
	seen := s.loggedErrors[err.Error()]
	if !seen {
		s.loggedErrors[err.Error()] = true
	}
	s.mu.Unlock()
	if !seen {
		s.logger.Error("settings read failed, using defaults", "path", s.cfg.SettingsPath, "error", err)
	}
}

// defaults builds the snapshot from runtime config.
func (s *Source) defaults() *Snapshot {
	symbols := make([]types.Symbol, 0, len(s.trading.Symbols))
	for _, raw := range s.trading.Symbols {
		if sym, err := types.NormalizeSymbol(raw); err == nil {
			symbols = append(symbols, sym)
		}
	}
	return &Snapshot{
		LoadedAt: time.Now(),
		Execution: ExecutionSettings{
			Enabled:                   true,
			Symbols:                   symbols,
			OrderAmountKRW:            s.trading.OrderAmountKRW,
			WindowSec:                 s.trading.WindowSec,
			CooldownSec:               s.trading.CooldownSec,
			MaxSymbolsPerWindow:       defaultInt(s.trading.MaxSymbolsPerWindow, 3),
			MaxOrderAttemptsPerWindow: defaultInt(s.trading.MaxOrderAttemptsPerWindow, 1),
		},
		Strategy: s.strategy,
	}
}

func (s *Source) applyExecution(snap *Snapshot, w *executionWire) {
	if w == nil {
		return
	}
	if w.Enabled != nil {
		snap.Execution.Enabled = *w.Enabled
	}
	if len(w.Symbols) > 0 {
		snap.Execution.Symbols = s.normalizeSymbols(w.Symbols)
	} else if w.Symbol != nil {
		snap.Execution.Symbols = s.normalizeSymbols([]string{*w.Symbol})
	}
	if w.OrderAmountKRW != nil {
		lo, hi := s.risk.OrderAmountMinKRW, s.risk.OrderAmountMaxKRW
		snap.Execution.OrderAmountKRW = s.clampFloat("execution.orderAmountKrw", *w.OrderAmountKRW, lo, hi)
	}
	if w.WindowSec != nil {
		snap.Execution.WindowSec = s.clampInt("execution.windowSec", *w.WindowSec, 5, 86400)
	}
	if w.CooldownSec != nil {
		snap.Execution.CooldownSec = s.clampInt("execution.cooldownSec", *w.CooldownSec, 0, 600)
	}
	if w.MaxSymbolsPerWindow != nil {
		snap.Execution.MaxSymbolsPerWindow = s.clampInt("execution.maxSymbolsPerWindow", *w.MaxSymbolsPerWindow, 1, 20)
	}
	if w.MaxOrderAttemptsPerWindow != nil {
		snap.Execution.MaxOrderAttemptsPerWindow = s.clampInt("execution.maxOrderAttemptsPerWindow", *w.MaxOrderAttemptsPerWindow, 1, 20)
	}
}

func (s *Source) applyStrategy(snap *Snapshot, w *strategyWire) {
	if w == nil {
		return
	}
	if w.Name != nil {
		switch *w.Name {
		case "risk_managed_momentum", "breakout":
			snap.Strategy.Name = *w.Name
		default:
			s.logger.Warn("unknown strategy name, keeping default", "name", *w.Name)
		}
	}
	if w.CandleInterval != nil {
		if _, err := types.ParseInterval(*w.CandleInterval); err == nil {
			snap.Strategy.CandleInterval = *w.CandleInterval
		} else {
			s.logger.Warn("invalid candle interval, keeping default", "interval", *w.CandleInterval)
		}
	}
	if w.MomentumLookback != nil {
		snap.Strategy.MomentumLookback = s.clampInt("strategy.momentumLookback", *w.MomentumLookback, 12, 72)
	}
	if w.VolatilityLookback != nil {
		snap.Strategy.VolatilityLookback = s.clampInt("strategy.volatilityLookback", *w.VolatilityLookback, 48, 144)
	}
	if w.MomentumEntryBps != nil {
		snap.Strategy.MomentumEntryBps = s.clampFloat("strategy.momentumEntryBps", *w.MomentumEntryBps, 6, 30)
	}
	if w.MomentumExitBps != nil {
		snap.Strategy.MomentumExitBps = s.clampFloat("strategy.momentumExitBps", *w.MomentumExitBps, 4, 20)
	}
	if w.TargetVolatilityPct != nil {
		snap.Strategy.TargetVolatilityPct = s.clampFloat("strategy.targetVolatilityPct", *w.TargetVolatilityPct, 0.30, 1.20)
	}
	if w.RiskManagedMinMultiplier != nil {
		snap.Strategy.RiskManagedMinMultiplier = s.clampFloat("strategy.riskManagedMinMultiplier", *w.RiskManagedMinMultiplier, 0.40, 1.00)
	}
	if w.RiskManagedMaxMultiplier != nil {
		snap.Strategy.RiskManagedMaxMultiplier = s.clampFloat("strategy.riskManagedMaxMultiplier", *w.RiskManagedMaxMultiplier, 1.20, 2.50)
	}
	if w.BreakoutLookback != nil {
		snap.Strategy.BreakoutLookback = *w.BreakoutLookback
	}
	if w.BreakoutBufferBps != nil {
		snap.Strategy.BreakoutBufferBps = *w.BreakoutBufferBps
	}
}

func (s *Source) applyDecision(snap *Snapshot, d *decision.Snapshot) {
	if d == nil {
		return
	}
	normalized := *d
	normalized.Override = s.normalizeDecisionLayer(snap, d.Override)
	if len(d.Symbols) > 0 {
		normalized.Symbols = make(map[string]decision.Override, len(d.Symbols))
		for raw, layer := range d.Symbols {
			sym, err := types.NormalizeSymbol(raw)
			if err != nil {
				s.logger.Warn("decision override for invalid symbol dropped", "symbol", raw)
				continue
			}
			normalized.Symbols[string(sym)] = s.normalizeDecisionLayer(snap, layer)
		}
	}
	snap.Decision = normalized
}

func (s *Source) normalizeDecisionLayer(snap *Snapshot, layer decision.Override) decision.Override {
	if layer.Mode != nil {
		switch *layer.Mode {
		case decision.ModeRule, decision.ModeFilter, decision.ModeOverride:
		default:
			s.logger.Warn("unknown decision mode, using filter", "mode", *layer.Mode)
			mode := decision.ModeFilter
			layer.Mode = &mode
		}
	}
	if layer.ForceAction != nil {
		switch *layer.ForceAction {
		case "BUY", "SELL":
		default:
			s.logger.Warn("invalid forceAction dropped", "forceAction", *layer.ForceAction)
			layer.ForceAction = nil
		}
	}
	if layer.ForceAmountKRW != nil {
		order := snap.Execution.OrderAmountKRW
		lo := s.risk.OrderAmountMinKRW
		if o := order * 0.1; o > lo {
			lo = o
		}
		clamped := s.clampFloat("decision.forceAmountKrw", *layer.ForceAmountKRW, lo, order*50)
		layer.ForceAmountKRW = &clamped
	}
	return layer
}

func (s *Source) normalizeSymbols(raw []string) []types.Symbol {
	symbols := make([]types.Symbol, 0, len(raw))
	for _, r := range raw {
		sym, err := types.NormalizeSymbol(r)
		if err != nil {
			s.logger.Warn("invalid symbol in settings dropped", "symbol", r)
			continue
		}
		symbols = append(symbols, sym)
	}
	return symbols
}

func (s *Source) clampFloat(key string, v, lo, hi float64) float64 {
	if v < lo || v > hi {
		clamped := v
		if clamped < lo {
			clamped = lo
		}
		if clamped > hi {
			clamped = hi
		}
		s.logger.Warn("setting out of safe range, clamped", "key", key, "value", v, "min", lo, "max", hi)
		return clamped
	}
	return v
}

func (s *Source) clampInt(key string, v, lo, hi int) int {
	return int(s.clampFloat(key, float64(v), float64(lo), float64(hi)))
}

// writeTemplate writes a starter settings file mirroring the defaults, so
// the operator edits a valid document instead of guessing the schema.
func (s *Source) writeTemplate() {
	defaults := s.defaults()
	symbols := make([]string, len(defaults.Execution.Symbols))
	for i, sym := range defaults.Execution.Symbols {
		symbols[i] = string(sym)
	}

	enabled := defaults.Execution.Enabled
	mode := decision.ModeFilter
	forceOnce := true
	template := fileSettings{
		Version:   1,
		UpdatedAt: time.Now().Format(time.RFC3339),
		Meta:      map[string]any{"note": "edit and save; picked up on the next refresh"},
		Execution: &executionWire{
			Enabled:                   &enabled,
			Symbols:                   symbols,
			OrderAmountKRW:            &defaults.Execution.OrderAmountKRW,
			WindowSec:                 &defaults.Execution.WindowSec,
			CooldownSec:               &defaults.Execution.CooldownSec,
			MaxSymbolsPerWindow:       &defaults.Execution.MaxSymbolsPerWindow,
			MaxOrderAttemptsPerWindow: &defaults.Execution.MaxOrderAttemptsPerWindow,
		},
		Strategy: &strategyWire{
			Name:                     &defaults.Strategy.Name,
			CandleInterval:           &defaults.Strategy.CandleInterval,
			MomentumLookback:         &defaults.Strategy.MomentumLookback,
			VolatilityLookback:       &defaults.Strategy.VolatilityLookback,
			MomentumEntryBps:         &defaults.Strategy.MomentumEntryBps,
			MomentumExitBps:          &defaults.Strategy.MomentumExitBps,
			TargetVolatilityPct:      &defaults.Strategy.TargetVolatilityPct,
			RiskManagedMinMultiplier: &defaults.Strategy.RiskManagedMinMultiplier,
			RiskManagedMaxMultiplier: &defaults.Strategy.RiskManagedMaxMultiplier,
		},
		Decision: &decision.Snapshot{Override: decision.Override{Mode: &mode, ForceOnce: &forceOnce}},
		Controls: &Controls{},
	}

	data, err := json.MarshalIndent(template, "", "  ")
	if err != nil {
		s.logger.Error("failed to render settings template", "error", err)
		return
	}
	tmp := s.cfg.SettingsPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.logger.Error("failed to write settings template", "path", s.cfg.SettingsPath, "error", err)
		return
	}
	if err := os.Rename(tmp, s.cfg.SettingsPath); err != nil {
		s.logger.Error("failed to write settings template", "path", s.cfg.SettingsPath, "error", err)
		return
	}
	s.logger.Info("settings template created", "path", s.cfg.SettingsPath)
}

// GroupHash stringifies one settings group for change detection. The
// scheduler applies a group only when its hash moved. JSON stringification
// keeps the hash stable across reads (pointer-typed fields print by value).
func (snap *Snapshot) GroupHash(group string) string {
	switch group {
	case "strategy":
		return jsonHash(snap.Strategy)
	case "overlay":
		if snap.Overlay == nil {
			return ""
		}
		return jsonHash(snap.Overlay)
	case "decision":
		return jsonHash(snap.Decision)
	case "kill_switch":
		if snap.Controls.KillSwitch == nil {
			return ""
		}
		return fmt.Sprintf("%t", *snap.Controls.KillSwitch)
	default:
		return ""
	}
}

func jsonHash(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(data)
}

func defaultInt(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}
