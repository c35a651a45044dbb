package order

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"upbit-trader/internal/config"
	"upbit-trader/internal/exchange"
	"upbit-trader/internal/risk"
	"upbit-trader/internal/store"
	"upbit-trader/pkg/types"
)

type fakeVenue struct {
	placeResult *exchange.PlaceOrderResult
	placeErr    error
	placeCalls  int

	statusResult *exchange.OrderStatusData
	statusErr    error
	statusCalls  int

	cancelErr   error
	cancelFn    func() error // runs in place of cancelErr when set
	cancelCalls int
}

func (f *fakeVenue) PlaceOrder(context.Context, exchange.PlaceOrderRequest) (*exchange.PlaceOrderResult, error) {
	f.placeCalls++
	return f.placeResult, f.placeErr
}

func (f *fakeVenue) CancelOrder(context.Context, string) error {
	f.cancelCalls++
	if f.cancelFn != nil {
		return f.cancelFn()
	}
	return f.cancelErr
}

func (f *fakeVenue) GetOrderStatus(context.Context, string, string) (*exchange.OrderStatusData, error) {
	f.statusCalls++
	return f.statusResult, f.statusErr
}

func newTestManager(t *testing.T, paper bool, venue Venue) (*Manager, *store.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(config.StoreConfig{Path: filepath.Join(t.TempDir(), "state.json")}, logger)
	if err != nil {
		t.Fatal(err)
	}
	loc, _ := time.LoadLocation("Asia/Seoul")
	engine := risk.NewEngine(config.RiskConfig{
		MaxConcurrentOrders: 10,
		MinOrderNotionalKRW: 5000,
		MaxOrderNotionalKRW: 10_000_000,
	}, loc, logger)
	return NewManager(st, venue, engine, paper, logger), st
}

func limitBuyInput(key string) PlaceInput {
	return PlaceInput{
		Symbol:         types.MustSymbol("BTC_KRW"),
		Side:           types.SideBuy,
		Type:           types.OrderTypeLimit,
		Price:          decimal.NewFromInt(6000),
		Qty:            decimal.NewFromInt(1),
		ClientOrderKey: key,
	}
}

func TestPlaceOrderPaperIdempotent(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, true, &fakeVenue{})

	first := m.PlaceOrder(context.Background(), limitBuyInput("k1"))
	if !first.OK || first.Code != types.CodeOK {
		t.Fatalf("first = %+v", first)
	}
	if first.Order.State != types.OrderStateAccepted {
		t.Errorf("paper order state = %s, want ACCEPTED", first.Order.State)
	}
	if first.Order.ExchangeOrderID == "" {
		t.Error("paper order missing synthetic exchange id")
	}

	second := m.PlaceOrder(context.Background(), limitBuyInput("k1"))
	if !second.OK || !second.IdempotentHit {
		t.Fatalf("second = %+v, want idempotent hit", second)
	}
	if second.Order.ID != first.Order.ID {
		t.Errorf("second id %s != first id %s", second.Order.ID, first.Order.ID)
	}
}

func TestPlaceOrderRiskRejected(t *testing.T) {
	t.Parallel()
	m, st := newTestManager(t, true, &fakeVenue{})

	in := limitBuyInput("k1")
	in.Symbol = types.MustSymbol("USDT_KRW")
	in.Price = decimal.NewFromInt(1468)

	res := m.PlaceOrder(context.Background(), in)
	if res.OK || res.Code != types.CodeRiskRejected {
		t.Fatalf("res = %+v, want code %d", res, types.CodeRiskRejected)
	}
	found := false
	for _, r := range res.RiskReasons {
		if r.Rule == risk.RuleMinOrderNotional {
			found = true
		}
	}
	if !found {
		t.Errorf("reasons = %+v, want MIN_ORDER_NOTIONAL_KRW", res.RiskReasons)
	}

	snap := st.Snapshot()
	if len(snap.Orders) != 0 {
		t.Error("rejected placement must not insert an order")
	}
	if len(snap.RiskEvents) != 1 || snap.RiskEvents[0].Severity != "HIGH" {
		t.Errorf("riskEvents = %+v", snap.RiskEvents)
	}
}

func TestPlaceOrderKillSwitchRejects(t *testing.T) {
	t.Parallel()
	m, st := newTestManager(t, true, &fakeVenue{})

	if err := st.Update(func(state *types.State) error {
		state.Settings.KillSwitch = true
		state.Settings.KillSwitchReason = "manual"
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	res := m.PlaceOrder(context.Background(), limitBuyInput("k1"))
	if res.Code != types.CodeRiskRejected {
		t.Fatalf("code = %d, want %d", res.Code, types.CodeRiskRejected)
	}
	found := false
	for _, r := range res.RiskReasons {
		if r.Rule == risk.RuleKillSwitchActive {
			found = true
		}
	}
	if !found {
		t.Errorf("reasons = %+v, want KILL_SWITCH_ACTIVE", res.RiskReasons)
	}
	if venueCalls := len(st.Snapshot().Orders); venueCalls != 0 {
		t.Error("kill switch rejection must have no side effects")
	}
}

func TestPlaceOrderLiveAccepted(t *testing.T) {
	t.Parallel()
	venue := &fakeVenue{placeResult: &exchange.PlaceOrderResult{
		ExchangeOrderID: "ex-1",
		Raw:             map[string]any{"uuid": "ex-1", "state": "wait"},
	}}
	m, st := newTestManager(t, false, venue)

	res := m.PlaceOrder(context.Background(), limitBuyInput("k1"))
	if !res.OK || res.Order.State != types.OrderStateAccepted {
		t.Fatalf("res = %+v", res)
	}
	if res.Order.ExchangeOrderID != "ex-1" {
		t.Errorf("exchangeOrderId = %q", res.Order.ExchangeOrderID)
	}

	snap := st.Snapshot()
	if len(snap.OrderEvents) != 2 ||
		snap.OrderEvents[0].EventType != types.EventNew ||
		snap.OrderEvents[1].EventType != types.EventAccepted {
		t.Errorf("events = %+v", snap.OrderEvents)
	}
}

func TestPlaceOrderLiveErrorCodes(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		status int
		want   types.Code
	}{
		{"rate limited", 429, types.CodeRateLimited},
		{"retryable", 502, types.CodeExchangeRetryable},
		{"fatal", 400, types.CodeExchangeFatal},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			venue := &fakeVenue{placeErr: &exchange.APIError{Status: tc.status, Method: "POST", Path: "/v1/orders"}}
			m, st := newTestManager(t, false, venue)

			res := m.PlaceOrder(context.Background(), limitBuyInput("k1"))
			if res.OK || res.Code != tc.want {
				t.Fatalf("res = %+v, want code %d", res, tc.want)
			}
			if res.Order.State != types.OrderStateUnknownSubmit {
				t.Errorf("state = %s, want UNKNOWN_SUBMIT", res.Order.State)
			}
			snap := st.Snapshot()
			if got := snap.Orders[0].State; got != types.OrderStateUnknownSubmit {
				t.Errorf("persisted state = %s", got)
			}
		})
	}
}

func TestApplyFillWeightedAverage(t *testing.T) {
	t.Parallel()
	m, st := newTestManager(t, true, &fakeVenue{})

	in := limitBuyInput("k1")
	in.Qty = decimal.NewFromInt(3)
	res := m.PlaceOrder(context.Background(), in)
	orderID := res.Order.ID

	if err := m.ApplyFill(FillInput{
		OrderID: orderID, ExchangeFillID: "f-1",
		Price: decimal.NewFromInt(6000), Qty: decimal.NewFromInt(1),
	}); err != nil {
		t.Fatal(err)
	}

	o := st.FindOrderByID(orderID)
	if o.State != types.OrderStatePartial {
		t.Errorf("state = %s, want PARTIAL", o.State)
	}
	if !o.FilledQty.Equal(decimal.NewFromInt(1)) || !o.RemainingQty.Equal(decimal.NewFromInt(2)) {
		t.Errorf("filled=%s remaining=%s", o.FilledQty, o.RemainingQty)
	}

	if err := m.ApplyFill(FillInput{
		OrderID: orderID, ExchangeFillID: "f-2",
		Price: decimal.NewFromInt(6300), Qty: decimal.NewFromInt(2),
	}); err != nil {
		t.Fatal(err)
	}

	o = st.FindOrderByID(orderID)
	if o.State != types.OrderStateFilled {
		t.Errorf("state = %s, want FILLED", o.State)
	}
	// (6000·1 + 6300·2) / 3 = 6200
	if o.AvgFillPrice == nil || !o.AvgFillPrice.Equal(decimal.NewFromInt(6200)) {
		t.Errorf("avgFillPrice = %v, want 6200", o.AvgFillPrice)
	}
	if !o.FilledQty.Add(o.RemainingQty).Equal(o.Qty) {
		t.Error("filled + remaining != qty")
	}
}

func TestApplyFillDuplicateIsNoOp(t *testing.T) {
	t.Parallel()
	m, st := newTestManager(t, true, &fakeVenue{})

	res := m.PlaceOrder(context.Background(), limitBuyInput("k1"))
	fill := FillInput{
		OrderID: res.Order.ID, ExchangeFillID: "f-1",
		Price: decimal.NewFromInt(6000), Qty: decimal.NewFromInt(1),
	}
	if err := m.ApplyFill(fill); err != nil {
		t.Fatal(err)
	}
	if err := m.ApplyFill(fill); err != nil {
		t.Fatal(err)
	}

	snap := st.Snapshot()
	if len(snap.Fills) != 1 {
		t.Errorf("fills = %d, want 1", len(snap.Fills))
	}
	o := snap.FindOrder(res.Order.ID)
	if !o.FilledQty.Equal(decimal.NewFromInt(1)) {
		t.Errorf("duplicate fill changed filledQty to %s", o.FilledQty)
	}
}

func TestSyncFillsAppliesVenueTrades(t *testing.T) {
	t.Parallel()
	venue := &fakeVenue{placeResult: &exchange.PlaceOrderResult{ExchangeOrderID: "ex-1"}}
	m, st := newTestManager(t, false, venue)

	in := limitBuyInput("k1")
	in.Qty = decimal.NewFromInt(3)
	res := m.PlaceOrder(context.Background(), in)
	if !res.OK {
		t.Fatalf("place = %+v", res)
	}

	venue.statusResult = &exchange.OrderStatusData{
		UUID: "ex-1", State: "wait",
		Trades: []exchange.OrderTradeData{
			{UUID: "t-1", Price: "6000", Volume: "1", CreatedAt: "2026-08-24T10:00:00+09:00"},
		},
	}
	if err := m.SyncFills(context.Background(), res.Order.ID); err != nil {
		t.Fatal(err)
	}
	o := st.FindOrderByID(res.Order.ID)
	if o.State != types.OrderStatePartial || !o.FilledQty.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("order = %+v, want PARTIAL with 1 filled", o)
	}

	// The next poll repeats the first trade and adds the closing one; only
	// the new trade may apply.
	venue.statusResult = &exchange.OrderStatusData{
		UUID: "ex-1", State: "done",
		Trades: []exchange.OrderTradeData{
			{UUID: "t-1", Price: "6000", Volume: "1"},
			{UUID: "t-2", Price: "6300", Volume: "2"},
		},
	}
	if err := m.SyncFills(context.Background(), res.Order.ID); err != nil {
		t.Fatal(err)
	}
	snap := st.Snapshot()
	o = snap.FindOrder(res.Order.ID)
	if o.State != types.OrderStateFilled {
		t.Errorf("state = %s, want FILLED", o.State)
	}
	if o.AvgFillPrice == nil || !o.AvgFillPrice.Equal(decimal.NewFromInt(6200)) {
		t.Errorf("avgFillPrice = %v, want 6200", o.AvgFillPrice)
	}
	if len(snap.Fills) != 2 {
		t.Errorf("fills = %d, want 2", len(snap.Fills))
	}

	// Settled orders never hit the venue again.
	calls := venue.statusCalls
	if err := m.SyncFills(context.Background(), res.Order.ID); err != nil {
		t.Fatal(err)
	}
	if venue.statusCalls != calls {
		t.Error("sync of a terminal order must not call the venue")
	}
}

func TestSyncFillsVenueCancelClosesOrder(t *testing.T) {
	t.Parallel()
	venue := &fakeVenue{placeResult: &exchange.PlaceOrderResult{ExchangeOrderID: "ex-2"}}
	m, st := newTestManager(t, false, venue)

	in := limitBuyInput("k1")
	in.Qty = decimal.NewFromInt(2)
	res := m.PlaceOrder(context.Background(), in)

	venue.statusResult = &exchange.OrderStatusData{
		UUID: "ex-2", State: "cancel",
		Trades: []exchange.OrderTradeData{
			{UUID: "t-1", Price: "6000", Volume: "1"},
		},
	}
	if err := m.SyncFills(context.Background(), res.Order.ID); err != nil {
		t.Fatal(err)
	}
	o := st.FindOrderByID(res.Order.ID)
	if o.State != types.OrderStateCanceled || !o.FilledQty.Equal(decimal.NewFromInt(1)) {
		t.Errorf("order = %+v, want CANCELED keeping the partial fill", o)
	}
}

func TestCancelOrderPaper(t *testing.T) {
	t.Parallel()
	m, st := newTestManager(t, true, &fakeVenue{})

	res := m.PlaceOrder(context.Background(), limitBuyInput("k1"))
	cr := m.CancelOrder(context.Background(), res.Order.ID)
	if !cr.OK {
		t.Fatalf("cancel = %+v", cr)
	}
	if got := st.FindOrderByID(res.Order.ID).State; got != types.OrderStateCanceled {
		t.Errorf("state = %s, want CANCELED", got)
	}

	// Terminal orders are a cancel no-op.
	again := m.CancelOrder(context.Background(), res.Order.ID)
	if !again.OK {
		t.Errorf("cancel of terminal order = %+v, want ok no-op", again)
	}
}

func TestCancelDoesNotOverwriteConcurrentFill(t *testing.T) {
	t.Parallel()
	venue := &fakeVenue{placeResult: &exchange.PlaceOrderResult{ExchangeOrderID: "ex-3"}}
	m, st := newTestManager(t, false, venue)

	res := m.PlaceOrder(context.Background(), limitBuyInput("k1"))
	if !res.OK {
		t.Fatalf("place = %+v", res)
	}

	// The full fill lands while the cancel round-trip is in flight.
	venue.cancelFn = func() error {
		return m.ApplyFill(FillInput{
			OrderID: res.Order.ID, ExchangeFillID: "f-1",
			Price: decimal.NewFromInt(6000), Qty: decimal.NewFromInt(1),
		})
	}

	cr := m.CancelOrder(context.Background(), res.Order.ID)
	if !cr.OK {
		t.Fatalf("cancel = %+v", cr)
	}
	if got := st.FindOrderByID(res.Order.ID).State; got != types.OrderStateFilled {
		t.Errorf("state = %s, want FILLED preserved over the late cancel", got)
	}
}

func TestCancelOrderResolvesExchangeID(t *testing.T) {
	t.Parallel()
	venue := &fakeVenue{
		placeErr:     &exchange.APIError{Status: 502},
		statusResult: &exchange.OrderStatusData{UUID: "ex-9", State: "wait"},
	}
	m, st := newTestManager(t, false, venue)

	// Placement parks in UNKNOWN_SUBMIT with no exchange id.
	res := m.PlaceOrder(context.Background(), limitBuyInput("k1"))
	if res.Order.State != types.OrderStateUnknownSubmit {
		t.Fatalf("state = %s", res.Order.State)
	}

	cr := m.CancelOrder(context.Background(), res.Order.ID)
	if !cr.OK {
		t.Fatalf("cancel = %+v", cr)
	}
	if venue.statusCalls != 1 || venue.cancelCalls != 1 {
		t.Errorf("statusCalls=%d cancelCalls=%d", venue.statusCalls, venue.cancelCalls)
	}

	snap := st.Snapshot()
	o := snap.FindOrder(res.Order.ID)
	if o.ExchangeOrderID != "ex-9" || o.State != types.OrderStateCanceled {
		t.Errorf("order = %+v", o)
	}
	resolved := false
	for _, e := range snap.OrderEvents {
		if e.EventType == types.EventExchangeIDResolved {
			resolved = true
		}
	}
	if !resolved {
		t.Error("missing EXCHANGE_ID_RESOLVED event")
	}
}

func TestResolveUnknown(t *testing.T) {
	t.Parallel()
	venue := &fakeVenue{
		placeErr:     &exchange.APIError{Status: 502},
		statusResult: &exchange.OrderStatusData{UUID: "ex-7", State: "wait"},
	}
	m, st := newTestManager(t, false, venue)

	res := m.PlaceOrder(context.Background(), limitBuyInput("k1"))
	rr := m.ResolveUnknown(context.Background(), res.Order.ID)
	if !rr.OK {
		t.Fatalf("resolve = %+v", rr)
	}
	o := st.FindOrderByID(res.Order.ID)
	if o.State != types.OrderStateAccepted || o.ExchangeOrderID != "ex-7" {
		t.Errorf("order = %+v", o)
	}
}

func TestResolveUnknownMismatch(t *testing.T) {
	t.Parallel()
	venue := &fakeVenue{
		placeErr:  &exchange.APIError{Status: 502},
		statusErr: &exchange.APIError{Status: 404},
	}
	m, _ := newTestManager(t, false, venue)

	res := m.PlaceOrder(context.Background(), limitBuyInput("k1"))
	rr := m.ResolveUnknown(context.Background(), res.Order.ID)
	if rr.OK || rr.Code != types.CodeReconcileMismatch {
		t.Fatalf("resolve = %+v, want RECONCILE_MISMATCH", rr)
	}
}
