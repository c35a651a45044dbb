package risk

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"upbit-trader/internal/config"
	"upbit-trader/pkg/types"
)

func testEngine(cfg config.RiskConfig) *Engine {
	loc, _ := time.LoadLocation("Asia/Seoul")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine(cfg, loc, logger)
}

func baseConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxConcurrentOrders: 5,
		MinOrderNotionalKRW: 5000,
		MaxOrderNotionalKRW: 1_000_000,
	}
}

func limitBuy(price, qty float64) OrderInput {
	return OrderInput{
		Symbol: types.MustSymbol("XRP_KRW"),
		Side:   types.SideBuy,
		Type:   types.OrderTypeLimit,
		Price:  decimal.NewFromFloat(price),
		Qty:    decimal.NewFromFloat(qty),
	}
}

func ruleNames(res Result) []string {
	names := make([]string, len(res.Reasons))
	for i, r := range res.Reasons {
		names[i] = r.Rule
	}
	return names
}

func TestEvaluateAllowsWithinLimits(t *testing.T) {
	t.Parallel()
	e := testEngine(baseConfig())

	res := e.Evaluate(limitBuy(6000, 1), &types.State{}, Options{})
	assert.True(t, res.Allowed)
	assert.Empty(t, res.Reasons)
	assert.Equal(t, 6000.0, res.Metrics["notionalKrw"])
}

func TestEvaluateRejectsBelowMinNotional(t *testing.T) {
	t.Parallel()
	e := testEngine(baseConfig())

	// 1468 KRW · 1 XRP is under the 5000 KRW floor.
	res := e.Evaluate(limitBuy(1468, 1), &types.State{}, Options{})
	require.False(t, res.Allowed)
	assert.Equal(t, []string{RuleMinOrderNotional}, ruleNames(res))
	assert.Equal(t, 5000.0, res.Metrics["appliedMinNotionalKrw"])
}

func TestEvaluateDynamicMinRaisesFloor(t *testing.T) {
	t.Parallel()
	e := testEngine(baseConfig())

	dynamic := 10000.0
	res := e.Evaluate(limitBuy(6000, 1), &types.State{}, Options{DynamicMinNotionalKRW: &dynamic})
	require.False(t, res.Allowed)
	assert.Equal(t, []string{RuleMinOrderNotional}, ruleNames(res))
	assert.Equal(t, 10000.0, res.Metrics["appliedMinNotionalKrw"])

	// A dynamic minimum below the configured floor never lowers it.
	low := 1000.0
	res = e.Evaluate(limitBuy(1468, 1), &types.State{}, Options{DynamicMinNotionalKRW: &low})
	assert.False(t, res.Allowed)
	assert.Equal(t, 5000.0, res.Metrics["appliedMinNotionalKrw"])
}

func TestEvaluateSymbolOverrideBeatsBase(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.SymbolMinNotionalKRW = map[string]float64{"XRP_KRW": 2000}
	e := testEngine(cfg)

	res := e.Evaluate(limitBuy(3000, 1), &types.State{}, Options{})
	assert.True(t, res.Allowed, "symbol override lowers the floor to 2000")
	assert.Equal(t, 2000.0, res.Metrics["appliedMinNotionalKrw"])
}

func TestEvaluateKillSwitch(t *testing.T) {
	t.Parallel()
	e := testEngine(baseConfig())

	snap := &types.State{Settings: types.Settings{KillSwitch: true, KillSwitchReason: "manual"}}
	res := e.Evaluate(limitBuy(6000, 1), snap, Options{})
	require.False(t, res.Allowed)
	assert.Equal(t, []string{RuleKillSwitchActive}, ruleNames(res))
	assert.Contains(t, res.Reasons[0].Detail, "manual")
}

func TestEvaluateDoesNotShortCircuit(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.MaxConcurrentOrders = 1
	e := testEngine(cfg)

	snap := &types.State{
		Orders:   []types.Order{{ID: "o-1", State: types.OrderStateAccepted}},
		Settings: types.Settings{KillSwitch: true},
	}
	res := e.Evaluate(limitBuy(1468, 1), snap, Options{})
	require.False(t, res.Allowed)
	assert.ElementsMatch(t,
		[]string{RuleMaxConcurrentOrders, RuleMinOrderNotional, RuleKillSwitchActive},
		ruleNames(res))
}

func TestEvaluateMaxNotional(t *testing.T) {
	t.Parallel()
	e := testEngine(baseConfig())

	res := e.Evaluate(limitBuy(2_000_000, 1), &types.State{}, Options{})
	require.False(t, res.Allowed)
	assert.Equal(t, []string{RuleMaxOrderNotional}, ruleNames(res))
}

func TestEvaluateMarketBuyUsesAmount(t *testing.T) {
	t.Parallel()
	e := testEngine(baseConfig())

	in := OrderInput{
		Symbol:    types.MustSymbol("BTC_KRW"),
		Side:      types.SideBuy,
		Type:      types.OrderTypeMarket,
		AmountKRW: decimal.NewFromInt(4000),
	}
	res := e.Evaluate(in, &types.State{}, Options{})
	require.False(t, res.Allowed)
	assert.Equal(t, []string{RuleMinOrderNotional}, ruleNames(res))
	assert.Equal(t, 4000.0, res.Metrics["notionalKrw"])
}

func TestEvaluateDailyLossLimit(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.DailyLossLimitKRW = 50_000
	e := testEngine(cfg)

	now := time.Date(2026, 2, 10, 14, 0, 0, 0, e.loc)
	snap := &types.State{
		Settings: types.Settings{
			DailyPnlBaseline: &types.DailyPnlBaseline{
				Date:      "2026-02-10",
				EquityKRW: decimal.NewFromInt(1_000_000),
			},
		},
		BalancesSnapshots: []types.BalancesSnapshot{{
			Items: []types.BalanceItem{
				{Currency: "KRW", UnitCurrency: "KRW", Balance: decimal.NewFromInt(940_000)},
			},
		}},
	}

	res := e.Evaluate(limitBuy(6000, 1), snap, Options{Now: now})
	require.False(t, res.Allowed)
	assert.Equal(t, []string{RuleDailyLossLimit}, ruleNames(res))
	assert.Equal(t, 60_000.0, res.Metrics["dailyRealizedLossKrw"])

	// A baseline from yesterday carries nothing forward.
	snap.Settings.DailyPnlBaseline.Date = "2026-02-09"
	res = e.Evaluate(limitBuy(6000, 1), snap, Options{Now: now})
	assert.True(t, res.Allowed)
}

func TestAICapsOnlyBindAISelected(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.AIMaxOrderNotionalKRW = 10_000
	e := testEngine(cfg)

	in := limitBuy(20_000, 1)
	res := e.Evaluate(in, &types.State{}, Options{})
	assert.True(t, res.Allowed, "cap must not bind operator-configured symbols")

	in.AISelected = true
	res = e.Evaluate(in, &types.State{}, Options{})
	require.False(t, res.Allowed)
	assert.Equal(t, []string{RuleAIMaxOrderNotional}, ruleNames(res))
}

func TestAIOrdersPerWindowCountsAllOrders(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.AIMaxOrdersPerWindow = 2
	cfg.AIOrderCountWindowSec = 3600
	e := testEngine(cfg)

	now := time.Now()
	snap := &types.State{Orders: []types.Order{
		// Different symbol and side still count toward the window.
		{ID: "a", Symbol: types.MustSymbol("ETH_KRW"), Side: types.SideSell, State: types.OrderStateFilled, CreatedAt: now.Add(-10 * time.Minute)},
		{ID: "b", Symbol: types.MustSymbol("BTC_KRW"), Side: types.SideBuy, State: types.OrderStateCanceled, CreatedAt: now.Add(-30 * time.Minute)},
		{ID: "c", Symbol: types.MustSymbol("XRP_KRW"), Side: types.SideBuy, State: types.OrderStateFilled, CreatedAt: now.Add(-2 * time.Hour)},
	}}

	in := limitBuy(6000, 1)
	in.AISelected = true
	res := e.Evaluate(in, snap, Options{Now: now})
	require.False(t, res.Allowed)
	assert.Equal(t, []string{RuleAIMaxOrdersPerWindow}, ruleNames(res))
	assert.Equal(t, 2.0, res.Metrics["aiWindowOrderCount"], "order outside the window must not count")
}

func TestAITotalExposureProjectsThisOrder(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.AIMaxTotalExposureKRW = 100_000
	e := testEngine(cfg)

	snap := &types.State{
		BalancesSnapshots: []types.BalancesSnapshot{{
			Items: []types.BalanceItem{
				{Currency: "KRW", UnitCurrency: "KRW", Balance: decimal.NewFromInt(500_000)},
				{Currency: "BTC", UnitCurrency: "KRW", Balance: decimal.NewFromFloat(0.5), Locked: decimal.NewFromFloat(0.5), AvgBuyPrice: decimal.NewFromInt(60_000)},
				{Currency: "ETH", UnitCurrency: "USDT", Balance: decimal.NewFromInt(10), AvgBuyPrice: decimal.NewFromInt(999)}, // non-KRW unit, ignored
			},
		}},
		Orders: []types.Order{{
			ID: "open-buy", Side: types.SideBuy, Type: types.OrderTypeLimit,
			Price: decimal.NewFromInt(10_000), RemainingQty: decimal.NewFromInt(3),
			State: types.OrderStateAccepted,
		}},
	}

	// Holdings 60k + open buy 30k = 90k; a 15k buy projects to 105k > 100k.
	in := limitBuy(15_000, 1)
	in.AISelected = true
	res := e.Evaluate(in, snap, Options{})
	require.False(t, res.Allowed)
	assert.Equal(t, []string{RuleAIMaxTotalExposure}, ruleNames(res))
	assert.Equal(t, 105_000.0, res.Metrics["aiTotalExposureKrw"])

	// A sell does not add projected exposure.
	sell := in
	sell.Side = types.SideSell
	res = e.Evaluate(sell, snap, Options{})
	assert.True(t, res.Allowed)
}

func TestExposureSkipsHoldingsWithoutCostBasis(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.AIMaxTotalExposureKRW = 100_000
	e := testEngine(cfg)

	snap := &types.State{
		BalancesSnapshots: []types.BalancesSnapshot{{
			Items: []types.BalanceItem{
				{Currency: "BTC", UnitCurrency: "KRW", Balance: decimal.NewFromInt(1), AvgBuyPrice: decimal.NewFromInt(99_000)},
				// Airdropped holding: no cost basis, must not value at zero-times-anything.
				{Currency: "APT", UnitCurrency: "KRW", Balance: decimal.NewFromInt(500)},
				// A corrupt negative average must not subtract from exposure.
				{Currency: "LUNA", UnitCurrency: "KRW", Balance: decimal.NewFromInt(10), AvgBuyPrice: decimal.NewFromInt(-5000)},
			},
		}},
	}

	in := limitBuy(6000, 1)
	in.AISelected = true
	res := e.Evaluate(in, snap, Options{})
	require.False(t, res.Allowed, "99k held + 6k projected must breach the 100k cap")
	assert.Equal(t, []string{RuleAIMaxTotalExposure}, ruleNames(res))
	assert.Equal(t, 105_000.0, res.Metrics["aiTotalExposureKrw"])
}

func TestEventJoinsRules(t *testing.T) {
	t.Parallel()
	res := Result{Reasons: []Reason{
		{Rule: RuleMinOrderNotional, Detail: "notional 1468 < minimum 5000"},
		{Rule: RuleKillSwitchActive, Detail: "kill switch active"},
	}}
	ev := Event(res, limitBuy(1468, 1), time.Now())
	assert.Equal(t, "HIGH", ev.Severity)
	assert.Equal(t, "MIN_ORDER_NOTIONAL_KRW,KILL_SWITCH_ACTIVE", ev.Rules)
	assert.Contains(t, ev.Detail, "XRP_KRW buy limit")
	assert.NotEmpty(t, ev.ID)
}
