// Package risk implements the deterministic pre-trade checks.
//
// Evaluate is pure: it takes the proposed order, a state snapshot, and the
// evaluation options, and returns the full vector of violated rules. Rules
// never short-circuit — a rejected order reports every limit it breaks, so
// the operator sees the whole picture in one risk event.
package risk

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"upbit-trader/internal/config"
	"upbit-trader/pkg/types"
)

// Rule names, as persisted in risk events and surfaced in rejections.
const (
	RuleMaxConcurrentOrders  = "MAX_CONCURRENT_ORDERS"
	RuleMinOrderNotional     = "MIN_ORDER_NOTIONAL_KRW"
	RuleMaxOrderNotional     = "MAX_ORDER_NOTIONAL_KRW"
	RuleDailyLossLimit       = "DAILY_LOSS_LIMIT_KRW"
	RuleAIMaxOrderNotional   = "AI_MAX_ORDER_NOTIONAL_KRW"
	RuleAIMaxOrdersPerWindow = "AI_MAX_ORDERS_PER_WINDOW"
	RuleAIMaxTotalExposure   = "AI_MAX_TOTAL_EXPOSURE_KRW"
	RuleKillSwitchActive     = "KILL_SWITCH_ACTIVE"
)

// OrderInput is the order under evaluation.
type OrderInput struct {
	Symbol     types.Symbol
	Side       types.Side
	Type       types.OrderType
	Price      decimal.Decimal
	Qty        decimal.Decimal
	AmountKRW  decimal.Decimal // quote notional, used directly for market buys
	AISelected bool            // symbol came from an AI-steered selection
}

// Notional returns the KRW value under evaluation: the quote amount for
// market buys, price·qty otherwise.
func (in OrderInput) Notional() decimal.Decimal {
	if in.Type == types.OrderTypeMarket && in.Side == types.SideBuy {
		return in.AmountKRW
	}
	return in.Price.Mul(in.Qty)
}

// Options carries evaluation inputs that are not part of the state document.
type Options struct {
	Now time.Time
	// DynamicMinNotionalKRW is the venue-advertised minimum, when known.
	// The applied minimum is max(configured, dynamic).
	DynamicMinNotionalKRW *float64
}

// Reason is one violated rule.
type Reason struct {
	Rule   string `json:"rule"`
	Detail string `json:"detail"`
}

// Result is the outcome of one evaluation. Allowed is true exactly when
// Reasons is empty.
type Result struct {
	Allowed   bool               `json:"allowed"`
	Reasons   []Reason           `json:"reasons,omitempty"`
	Metrics   map[string]float64 `json:"metrics"`
	CheckedAt time.Time          `json:"checkedAt"`
}

// Engine evaluates orders against the configured limits.
type Engine struct {
	cfg    config.RiskConfig
	loc    *time.Location
	logger *slog.Logger
}

// NewEngine creates the risk engine.
func NewEngine(cfg config.RiskConfig, loc *time.Location, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		loc:    loc,
		logger: logger.With("component", "risk"),
	}
}

// Evaluate runs every rule against the order and returns the full reason
// vector. It never mutates the snapshot.
func (e *Engine) Evaluate(in OrderInput, snap *types.State, opts Options) Result {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	var reasons []Reason
	metrics := map[string]float64{}
	notional := in.Notional()
	metrics["notionalKrw"], _ = notional.Float64()

	// Concurrency cap counts every order in an open state.
	open := snap.OpenOrders()
	metrics["openOrders"] = float64(len(open))
	if e.cfg.MaxConcurrentOrders > 0 && len(open) >= e.cfg.MaxConcurrentOrders {
		reasons = append(reasons, Reason{
			Rule:   RuleMaxConcurrentOrders,
			Detail: fmt.Sprintf("open orders %d ≥ limit %d", len(open), e.cfg.MaxConcurrentOrders),
		})
	}

	// Minimum notional: per-symbol override beats the base minimum, and the
	// venue's dynamic minimum raises (never lowers) the applied floor.
	appliedMin := e.cfg.MinOrderNotionalKRW
	if override, ok := e.cfg.SymbolMinNotionalKRW[string(in.Symbol)]; ok {
		appliedMin = override
	}
	if opts.DynamicMinNotionalKRW != nil && *opts.DynamicMinNotionalKRW > appliedMin {
		appliedMin = *opts.DynamicMinNotionalKRW
	}
	metrics["appliedMinNotionalKrw"] = appliedMin
	if appliedMin > 0 && notional.LessThan(decimal.NewFromFloat(appliedMin)) {
		reasons = append(reasons, Reason{
			Rule:   RuleMinOrderNotional,
			Detail: fmt.Sprintf("notional %s < minimum %.0f", notional, appliedMin),
		})
	}

	if e.cfg.MaxOrderNotionalKRW > 0 && notional.GreaterThan(decimal.NewFromFloat(e.cfg.MaxOrderNotionalKRW)) {
		reasons = append(reasons, Reason{
			Rule:   RuleMaxOrderNotional,
			Detail: fmt.Sprintf("notional %s > maximum %.0f", notional, e.cfg.MaxOrderNotionalKRW),
		})
	}

	// Daily loss: compare current equity against the baseline anchored at the
	// start of the trading day. No baseline (or a new day) means no loss yet.
	if e.cfg.DailyLossLimitKRW > 0 {
		loss := e.dailyRealizedLoss(snap, now)
		metrics["dailyRealizedLossKrw"], _ = loss.Float64()
		if loss.IsPositive() && loss.GreaterThanOrEqual(decimal.NewFromFloat(e.cfg.DailyLossLimitKRW)) {
			reasons = append(reasons, Reason{
				Rule:   RuleDailyLossLimit,
				Detail: fmt.Sprintf("daily realized loss %s > limit %.0f", loss, e.cfg.DailyLossLimitKRW),
			})
		}
	}

	if in.AISelected {
		reasons = append(reasons, e.evaluateAICaps(in, notional, snap, now, metrics)...)
	}

	if snap.Settings.KillSwitch {
		detail := "kill switch active"
		if snap.Settings.KillSwitchReason != "" {
			detail += ": " + snap.Settings.KillSwitchReason
		}
		reasons = append(reasons, Reason{Rule: RuleKillSwitchActive, Detail: detail})
	}

	return Result{
		Allowed:   len(reasons) == 0,
		Reasons:   reasons,
		Metrics:   metrics,
		CheckedAt: now,
	}
}

// evaluateAICaps applies the hard caps that bind only AI-selected symbols.
func (e *Engine) evaluateAICaps(in OrderInput, notional decimal.Decimal, snap *types.State, now time.Time, metrics map[string]float64) []Reason {
	var reasons []Reason

	if e.cfg.AIMaxOrderNotionalKRW > 0 && notional.GreaterThan(decimal.NewFromFloat(e.cfg.AIMaxOrderNotionalKRW)) {
		reasons = append(reasons, Reason{
			Rule:   RuleAIMaxOrderNotional,
			Detail: fmt.Sprintf("notional %s > AI cap %.0f", notional, e.cfg.AIMaxOrderNotionalKRW),
		})
	}

	// The per-window count covers every order placed in the window, not just
	// this symbol or side: the cap bounds total AI-era activity.
	if e.cfg.AIMaxOrdersPerWindow > 0 {
		windowSec := e.cfg.AIOrderCountWindowSec
		if windowSec <= 0 {
			windowSec = 3600
		}
		cutoff := now.Add(-time.Duration(windowSec) * time.Second)
		count := 0
		for _, o := range snap.Orders {
			if o.CreatedAt.After(cutoff) {
				count++
			}
		}
		metrics["aiWindowOrderCount"] = float64(count)
		if count >= e.cfg.AIMaxOrdersPerWindow {
			reasons = append(reasons, Reason{
				Rule:   RuleAIMaxOrdersPerWindow,
				Detail: fmt.Sprintf("%d orders in last %ds ≥ limit %d", count, windowSec, e.cfg.AIMaxOrdersPerWindow),
			})
		}
	}

	if e.cfg.AIMaxTotalExposureKRW > 0 {
		exposure := totalExposure(snap)
		if in.Side == types.SideBuy {
			exposure = exposure.Add(notional)
		}
		metrics["aiTotalExposureKrw"], _ = exposure.Float64()
		if exposure.GreaterThan(decimal.NewFromFloat(e.cfg.AIMaxTotalExposureKRW)) {
			reasons = append(reasons, Reason{
				Rule:   RuleAIMaxTotalExposure,
				Detail: fmt.Sprintf("projected exposure %s > limit %.0f", exposure, e.cfg.AIMaxTotalExposureKRW),
			})
		}
	}

	return reasons
}

// totalExposure values current KRW-denominated holdings at their average buy
// price and adds the remaining notional of open buy orders.
func totalExposure(snap *types.State) decimal.Decimal {
	exposure := decimal.Zero

	if bal := snap.LatestBalances(); bal != nil {
		for _, item := range bal.Items {
			if item.Currency == "KRW" || item.UnitCurrency != "KRW" {
				continue
			}
			qty := item.Balance.Add(item.Locked)
			if qty.IsNegative() {
				qty = decimal.Zero
			}
			// No positive cost basis (airdrops, migrated dust): nothing to value.
			if !item.AvgBuyPrice.IsPositive() {
				continue
			}
			exposure = exposure.Add(qty.Mul(item.AvgBuyPrice))
		}
	}

	for _, o := range snap.OpenOrders() {
		if o.Side != types.SideBuy {
			continue
		}
		if o.Type == types.OrderTypeMarket {
			exposure = exposure.Add(o.AmountKRW)
		} else {
			exposure = exposure.Add(o.Price.Mul(o.RemainingQty))
		}
	}

	return exposure
}

// dailyRealizedLoss compares equity against the day's baseline. A baseline
// from a previous trading day does not carry losses forward.
func (e *Engine) dailyRealizedLoss(snap *types.State, now time.Time) decimal.Decimal {
	baseline := snap.Settings.DailyPnlBaseline
	if baseline == nil {
		return decimal.Zero
	}
	today := now.In(e.loc).Format("2006-01-02")
	if baseline.Date != today {
		return decimal.Zero
	}
	loss := baseline.EquityKRW.Sub(EquityKRW(snap))
	if loss.IsNegative() {
		return decimal.Zero
	}
	return loss
}

// EquityKRW values the account from the latest balances snapshot: free plus
// locked KRW, and KRW-denominated holdings at average buy price.
func EquityKRW(snap *types.State) decimal.Decimal {
	bal := snap.LatestBalances()
	if bal == nil {
		return decimal.Zero
	}
	equity := decimal.Zero
	for _, item := range bal.Items {
		total := item.Balance.Add(item.Locked)
		if item.Currency == "KRW" {
			equity = equity.Add(total)
			continue
		}
		if item.UnitCurrency == "KRW" {
			equity = equity.Add(total.Mul(item.AvgBuyPrice))
		}
	}
	return equity
}

// Event converts a rejection into the persisted risk event. Severity is
// always HIGH: every violated rule blocks the order.
func Event(res Result, in OrderInput, now time.Time) types.RiskEvent {
	rules := make([]string, len(res.Reasons))
	details := make([]string, len(res.Reasons))
	for i, r := range res.Reasons {
		rules[i] = r.Rule
		details[i] = r.Detail
	}
	return types.RiskEvent{
		ID:        uuid.NewString(),
		Severity:  "HIGH",
		Rules:     strings.Join(rules, ","),
		Detail:    fmt.Sprintf("%s %s %s: %s", in.Symbol, in.Side, in.Type, strings.Join(details, "; ")),
		CreatedAt: now,
	}
}
