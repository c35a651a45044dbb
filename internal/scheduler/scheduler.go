// Package scheduler drives the execution loop: per window it refreshes the
// AI settings on a jittered timer, refreshes the market universe, applies
// changed settings groups, runs one strategy evaluation per surviving symbol
// concurrently, and routes resulting signals through the decision policy,
// the risk gate, and the order manager.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"upbit-trader/internal/aisettings"
	"upbit-trader/internal/config"
	"upbit-trader/internal/decision"
	"upbit-trader/internal/exchange"
	"upbit-trader/internal/health"
	"upbit-trader/internal/order"
	"upbit-trader/internal/store"
	"upbit-trader/internal/strategy"
	"upbit-trader/internal/universe"
	"upbit-trader/pkg/types"
)

// Stop reasons reported in RunResult.
const (
	StoppedDisabled    = "disabled"
	StoppedWindowLimit = "window_limit"
	StoppedRequested   = "requested"
)

// Bounds for the combined sizing multiplier (signal × overlay). Keeps a
// runaway multiplier from scaling an order out of all proportion.
const (
	sizingMultiplierMin = 0.2
	sizingMultiplierMax = 3.0
)

// RunResult summarizes one scheduler run. Code is the last failure's result
// code, CodeOK when every window stayed green; the CLI maps it to the
// process exit status.
type RunResult struct {
	OK        bool
	Windows   int
	StoppedBy string
	Code      types.Code
}

// MarketFeed is the market-data surface the scheduler consumes.
type MarketFeed interface {
	Candles(ctx context.Context, symbol types.Symbol, interval types.Interval, count int) ([]types.Candle, error)
	AccountSnapshot(ctx context.Context) (*types.BalancesSnapshot, error)
}

// OrderPlacer is the placement surface (normally the recovery wrapper).
type OrderPlacer interface {
	PlaceOrderWithRecovery(ctx context.Context, in order.PlaceInput) order.PlaceResult
	SyncFills(ctx context.Context, orderID string) error
}

// Scheduler owns the window loop.
type Scheduler struct {
	cfg      *config.Config
	settings *aisettings.Source
	universe *universe.Curator
	feed     MarketFeed
	resolver *decision.Resolver
	placer   OrderPlacer
	store    *store.Store
	logger   *slog.Logger

	nowFn   func() time.Time
	sleepFn func(time.Duration)
	rng     *rand.Rand

	stopRequested atomic.Bool

	// window-loop state, touched only by the loop goroutine
	snapshot          *aisettings.Snapshot
	nextRefreshAt     time.Time
	hashes            map[string]string
	strat             strategy.Strategy
	overlayMultiplier float64
	lastFailCode      types.Code
}

// New wires the scheduler. The initial strategy comes from runtime config;
// AI settings may replace it at any refresh.
func New(cfg *config.Config, settings *aisettings.Source, curator *universe.Curator, feed MarketFeed, resolver *decision.Resolver, placer OrderPlacer, st *store.Store, logger *slog.Logger) (*Scheduler, error) {
	strat, err := strategy.New(cfg.Strategy)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		cfg:               cfg,
		settings:          settings,
		universe:          curator,
		feed:              feed,
		resolver:          resolver,
		placer:            placer,
		store:             st,
		logger:            logger.With("component", "scheduler"),
		nowFn:             time.Now,
		sleepFn:           time.Sleep,
		rng:               rand.New(rand.NewSource(time.Now().UnixNano())),
		hashes:            map[string]string{},
		strat:             strat,
		overlayMultiplier: 1,
	}, nil
}

// RequestStop asks the loop to finish after the current window.
func (s *Scheduler) RequestStop() {
	s.stopRequested.Store(true)
}

// RunExecutionService runs execution windows until the optional window limit
// is reached or a stop is requested. stopAfterWindows ≤ 0 means unbounded.
func (s *Scheduler) RunExecutionService(ctx context.Context, stopAfterWindows int) RunResult {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case sig := <-sigCh:
			s.logger.Info("shutdown signal received", "signal", sig.String())
			s.RequestStop()
		case <-ctx.Done():
		case <-done:
		}
	}()

	s.refreshSettings()
	if !s.snapshot.Execution.Enabled && stopAfterWindows <= 0 {
		// Started while the operator has execution switched off: exit rather
		// than spin. A mid-run disable only idles the loop (step below).
		s.logger.Info("execution disabled at startup")
		return RunResult{OK: true, Windows: 0, StoppedBy: StoppedDisabled}
	}

	windows := 0
	allOK := true
	for {
		if s.stopRequested.Load() || ctx.Err() != nil {
			return s.result(allOK, windows, StoppedRequested)
		}

		windows++
		windowOK := s.runWindow(ctx, windows)
		if !windowOK {
			allOK = false
		}

		if stopAfterWindows > 0 && windows >= stopAfterWindows {
			return s.result(allOK, windows, StoppedWindowLimit)
		}
		if s.stopRequested.Load() || ctx.Err() != nil {
			return s.result(allOK, windows, StoppedRequested)
		}
		s.sleepFn(s.interWindowDelay())
	}
}

func (s *Scheduler) result(ok bool, windows int, stoppedBy string) RunResult {
	code := types.CodeOK
	if !ok {
		code = s.lastFailCode
		if code == types.CodeOK {
			code = types.CodeInternalError
		}
	}
	return RunResult{OK: ok, Windows: windows, StoppedBy: stoppedBy, Code: code}
}

// runWindow executes the per-window protocol. Returns false when any
// symbol's run failed.
func (s *Scheduler) runWindow(ctx context.Context, window int) bool {
	if s.nowFn().After(s.nextRefreshAt) {
		s.refreshSettings()
	}
	s.universe.RefreshIfDue(ctx)
	s.applyChangedGroups()

	snap := s.snapshot
	if !snap.Execution.Enabled {
		s.logger.Info("execution disabled, idling", "window", window)
		s.sleepFn(s.cfg.Trading.RestartDelay)
		return true
	}

	symbols := s.universe.Filter(snap.Execution.Symbols)
	if max := snap.Execution.MaxSymbolsPerWindow; max > 0 && len(symbols) > max {
		symbols = symbols[:max]
	}
	if len(symbols) == 0 {
		s.logger.Info("no tradeable symbols this window", "window", window)
		s.sleepFn(s.cfg.Trading.RestartDelay)
		return true
	}

	s.captureBalances(ctx)
	s.syncOpenOrders(ctx)

	// One run per symbol, concurrently; a symbol's failure never aborts its
	// siblings. The attempt budget is shared across the whole window.
	var attemptBudget atomic.Int64
	attemptBudget.Store(int64(snap.Execution.MaxOrderAttemptsPerWindow))
	results := make([]symbolResult, len(symbols))
	var wg sync.WaitGroup
	for i, sym := range symbols {
		wg.Add(1)
		go func(i int, sym types.Symbol) {
			defer wg.Done()
			results[i] = s.runSymbol(ctx, snap, sym, &attemptBudget)
		}(i, sym)
	}
	wg.Wait()

	var buys, sells, attempted, succeeded int
	failed := make(map[string]string)
	for _, r := range results {
		switch r.action {
		case types.ActionBuy:
			buys++
		case types.ActionSell:
			sells++
		}
		if r.attempted {
			attempted++
		}
		if r.attempted && r.ok {
			succeeded++
		}
		if r.err != nil {
			failed[string(r.symbol)] = fmt.Sprintf("%s: %v", r.code, r.err)
			s.lastFailCode = r.code
		}
	}

	if len(failed) > 0 {
		s.logger.Error("window failed", "window", window, "failures", failed,
			"attempted", attempted, "succeeded", succeeded)
		return false
	}

	activity := buys+sells > 0 || attempted > 0
	heartbeat := s.cfg.Trading.HeartbeatWindows
	if heartbeat <= 0 {
		heartbeat = 12
	}
	if activity || window%heartbeat == 0 {
		s.logger.Info("window completed", "window", window, "symbols", len(symbols),
			"buys", buys, "sells", sells, "attempted", attempted, "succeeded", succeeded)
		s.recordHealth()
	}

	if attempted > 0 && snap.Execution.CooldownSec > 0 {
		s.sleepFn(time.Duration(snap.Execution.CooldownSec) * time.Second)
	}
	return true
}

type symbolResult struct {
	symbol    types.Symbol
	action    types.Action
	attempted bool
	ok        bool
	code      types.Code
	err       error
}

// runSymbol performs one realtime evaluation: fetch candles, signal, decide,
// and place at most one order, subject to the window's shared attempt budget.
func (s *Scheduler) runSymbol(ctx context.Context, snap *aisettings.Snapshot, symbol types.Symbol, attemptBudget *atomic.Int64) symbolResult {
	res := symbolResult{symbol: symbol, ok: true, code: types.CodeOK}

	interval, err := types.ParseInterval(snap.Strategy.CandleInterval)
	if err != nil {
		res.ok, res.code, res.err = false, types.CodeInvalidArgs, err
		return res
	}

	candles, err := s.feed.Candles(ctx, symbol, interval, s.candleCount(snap))
	if err != nil {
		res.ok, res.err = false, err
		res.code = types.CodeExchangeRetryable
		if !exchange.IsRetryable(err) {
			res.code = types.CodeExchangeFatal
		}
		return res
	}

	sig := s.strat.Evaluate(candles)
	res.action = sig.Action

	runID := uuid.NewString()
	if err := s.store.Update(func(state *types.State) error {
		state.StrategyRuns = append(state.StrategyRuns, types.StrategyRun{
			ID:        runID,
			Symbol:    symbol,
			Strategy:  s.strat.Name(),
			Action:    sig.Action,
			Reason:    sig.Reason,
			Metrics:   sig.Metrics,
			StartedAt: s.nowFn(),
		})
		return nil
	}); err != nil {
		res.ok, res.code, res.err = false, types.CodeInternalError, err
		return res
	}

	out := s.resolver.Decide(symbol, sig)
	if out.Action != types.ActionBuy && out.Action != types.ActionSell {
		return res
	}

	input, skipReason := s.buildOrderInput(snap, symbol, runID, sig, out)
	if skipReason != "" {
		s.logger.Info("order skipped", "symbol", symbol, "reason", skipReason)
		return res
	}
	if snap.Execution.MaxOrderAttemptsPerWindow > 0 && attemptBudget.Add(-1) < 0 {
		s.logger.Info("order skipped", "symbol", symbol, "reason", "attempt budget exhausted")
		return res
	}

	res.attempted = true
	placed := s.placer.PlaceOrderWithRecovery(ctx, input)
	if out.Forced {
		s.resolver.ConsumeForce(symbol)
	}
	res.code = placed.Code
	if !placed.OK {
		res.ok = false
		res.err = placed.Err
		// A risk rejection is a verdict, not a malfunction: the window
		// stays green and the rejection lives in riskEvents.
		if placed.Code == types.CodeRiskRejected {
			res.ok, res.err = true, nil
		}
		return res
	}
	s.logger.Info("order placed", "symbol", symbol, "side", input.Side,
		"orderId", placed.Order.ID, "idempotentHit", placed.IdempotentHit)
	return res
}

// buildOrderInput sizes and shapes the order for a BUY or SELL outcome.
// Returns a non-empty skip reason when no order should go out.
func (s *Scheduler) buildOrderInput(snap *aisettings.Snapshot, symbol types.Symbol, runID string, sig strategy.Signal, out decision.Outcome) (order.PlaceInput, string) {
	aiSelected := s.isAISelected(symbol)
	in := order.PlaceInput{
		Symbol:        symbol,
		Type:          types.OrderTypeMarket,
		StrategyRunID: runID,
		AISelected:    aiSelected,
	}

	amount := snap.Execution.OrderAmountKRW
	if out.Forced {
		if out.AmountKRW > 0 {
			amount = out.AmountKRW
		}
	} else {
		multiplier := s.overlayMultiplier
		if rm, ok := sig.Metrics["riskMultiplier"]; ok {
			multiplier *= rm
		}
		amount *= clampFloat(multiplier, sizingMultiplierMin, sizingMultiplierMax)
	}

	if out.Action == types.ActionBuy {
		in.Side = types.SideBuy
		in.AmountKRW = decimal.NewFromFloat(amount)
		return in, ""
	}

	// Market sells need a base quantity: sell the free position.
	in.Side = types.SideSell
	snapState := s.store.Snapshot()
	bal := snapState.LatestBalances()
	if bal == nil {
		return in, "no balances snapshot for sell"
	}
	for _, item := range bal.Items {
		if item.Currency == symbol.Base() && item.Balance.IsPositive() {
			in.Qty = item.Balance
			return in, ""
		}
	}
	return in, "no position to sell"
}

// isAISelected reports whether the symbol was steered in by the AI settings
// rather than the operator's static config.
func (s *Scheduler) isAISelected(symbol types.Symbol) bool {
	for _, raw := range s.cfg.Trading.Symbols {
		if sym, err := types.NormalizeSymbol(raw); err == nil && sym == symbol {
			return false
		}
	}
	return true
}

// candleCount returns how many bars the active strategy needs, padded so a
// short venue response still evaluates.
func (s *Scheduler) candleCount(snap *aisettings.Snapshot) int {
	need := snap.Strategy.VolatilityLookback
	if snap.Strategy.Name == "breakout" {
		need = snap.Strategy.BreakoutLookback
	}
	count := need + 5
	if count > 200 {
		count = 200
	}
	return count
}

// refreshSettings re-reads the settings file and arms the next jittered
// refresh.
func (s *Scheduler) refreshSettings() {
	s.snapshot = s.settings.Load()
	minSec, maxSec := s.cfg.AI.RefreshMinSec, s.cfg.AI.RefreshMaxSec
	if minSec <= 0 {
		minSec = 1800
	}
	if maxSec < minSec {
		maxSec = minSec
	}
	jitter := 0
	if maxSec > minSec {
		jitter = s.rng.Intn(maxSec - minSec + 1)
	}
	s.nextRefreshAt = s.nowFn().Add(time.Duration(minSec+jitter) * time.Second)
	s.logger.Info("settings loaded", "source", s.snapshot.Source,
		"nextRefreshAt", s.nextRefreshAt.Format(time.RFC3339))
}

// applyChangedGroups diffs the snapshot's groups against the cached hashes
// and applies only what moved. A failed apply keeps the old hash so the next
// window retries.
func (s *Scheduler) applyChangedGroups() {
	snap := s.snapshot
	for _, group := range []string{"strategy", "overlay", "decision", "kill_switch"} {
		hash := snap.GroupHash(group)
		if s.hashes[group] == hash {
			continue
		}
		if err := s.applyGroup(group, snap); err != nil {
			s.logger.Error("settings apply failed, keeping previous", "group", group, "error", err)
			continue
		}
		s.hashes[group] = hash
		s.recordAgentAudit(group, hash)
		s.logger.Info("settings group applied", "group", group)
	}
}

func (s *Scheduler) applyGroup(group string, snap *aisettings.Snapshot) error {
	switch group {
	case "strategy":
		strat, err := strategy.New(snap.Strategy)
		if err != nil {
			return err
		}
		s.strat = strat
	case "overlay":
		if o := snap.Overlay; o == nil || o.RiskMultiplier <= 0 {
			s.overlayMultiplier = 1
		} else {
			s.overlayMultiplier = clampFloat(o.RiskMultiplier, sizingMultiplierMin, sizingMultiplierMax)
		}
	case "decision":
		s.resolver.SetSnapshot(snap.Decision)
	case "kill_switch":
		if snap.Controls.KillSwitch == nil {
			return nil
		}
		engaged := *snap.Controls.KillSwitch
		return s.store.Update(func(state *types.State) error {
			state.Settings.KillSwitch = engaged
			if engaged {
				state.Settings.KillSwitchReason = "ai_settings"
			} else {
				state.Settings.KillSwitchReason = ""
			}
			return nil
		})
	}
	return nil
}

func (s *Scheduler) recordAgentAudit(group, detail string) {
	if err := s.store.Update(func(state *types.State) error {
		state.AgentAudit = append(state.AgentAudit, types.AgentAuditRecord{
			AppliedAt: s.nowFn(),
			Group:     group,
			Detail:    detail,
		})
		return nil
	}); err != nil {
		s.logger.Error("failed to record agent audit", "group", group, "error", err)
	}
}

// syncOpenOrders polls the venue for executions on live open orders, so
// fills land ahead of this window's risk evaluation and settled orders stop
// counting against the concurrency cap. Failures are tolerated per order.
func (s *Scheduler) syncOpenOrders(ctx context.Context) {
	snap := s.store.Snapshot()
	for _, o := range snap.OpenOrders() {
		if o.Paper || o.State == types.OrderStateUnknownSubmit {
			continue
		}
		if err := s.placer.SyncFills(ctx, o.ID); err != nil {
			s.logger.Warn("fill sync failed", "orderId", o.ID, "error", err)
		}
	}
}

// captureBalances refreshes the balances snapshot used for exposure and
// sell sizing. Failures are tolerated: the previous snapshot stays current.
func (s *Scheduler) captureBalances(ctx context.Context) {
	bal, err := s.feed.AccountSnapshot(ctx)
	if err != nil {
		s.logger.Warn("balances preflight failed", "error", err)
		return
	}
	if err := s.store.Update(func(state *types.State) error {
		state.BalancesSnapshots = append(state.BalancesSnapshots, *bal)
		return nil
	}); err != nil {
		s.logger.Error("failed to persist balances", "error", err)
	}
}

func (s *Scheduler) recordHealth() {
	snap := s.store.Snapshot()
	rec := health.Check(&snap, health.Options{
		Now:                 s.nowFn(),
		UnknownSubmitMaxAge: time.Duration(s.cfg.Risk.UnknownSubmitMaxAgeSec) * time.Second,
	})
	if err := s.store.Update(func(state *types.State) error {
		state.SystemHealth = append(state.SystemHealth, rec)
		return nil
	}); err != nil {
		s.logger.Error("failed to persist health record", "error", err)
	}
	if rec.Status != health.StatusOK {
		s.logger.Warn("health degraded", "status", rec.Status, "findings", rec.Findings)
	}
}

func (s *Scheduler) interWindowDelay() time.Duration {
	if w := s.snapshot.Execution.WindowSec; w > 0 {
		return time.Duration(w) * time.Second
	}
	if s.cfg.Trading.RestartDelay > 0 {
		return s.cfg.Trading.RestartDelay
	}
	return 5 * time.Second
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
