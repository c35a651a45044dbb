package order

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"upbit-trader/internal/config"
	"upbit-trader/internal/exchange"
	"upbit-trader/pkg/types"
)

func newTestRecoverer(t *testing.T, venue Venue, cfg config.RecoveryConfig, unknownMaxAgeSec int) (*Recoverer, *Manager) {
	t.Helper()
	m, st := newTestManager(t, false, venue)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewRecoverer(m, st, cfg, unknownMaxAgeSec, logger)
	r.sleepFn = func(time.Duration) {}
	return r, m
}

func TestRecoveryResolvesParkedOrder(t *testing.T) {
	t.Parallel()
	venue := &fakeVenue{
		placeErr:     &exchange.APIError{Status: 502},
		statusResult: &exchange.OrderStatusData{UUID: "ex-5", State: "wait"},
	}
	r, _ := newTestRecoverer(t, venue, config.RecoveryConfig{
		MaxRetries:            2,
		FailureWindow:         10 * time.Minute,
		FailuresForKillSwitch: 10,
	}, 0)

	res := r.PlaceOrderWithRecovery(context.Background(), limitBuyInput("k1"))
	if !res.OK {
		t.Fatalf("res = %+v", res)
	}
	if res.Order.State != types.OrderStateAccepted || res.Order.ExchangeOrderID != "ex-5" {
		t.Errorf("order = %+v, want resolved ACCEPTED", res.Order)
	}
	if venue.placeCalls != 1 {
		t.Errorf("placeCalls = %d, want 1 (resolved, not resent)", venue.placeCalls)
	}
}

func TestRecoveryResendsUnderFreshKey(t *testing.T) {
	t.Parallel()
	venue := &fakeVenue{
		placeErr:  &exchange.APIError{Status: 502},
		statusErr: &exchange.APIError{Status: 404},
	}
	r, _ := newTestRecoverer(t, venue, config.RecoveryConfig{
		MaxRetries:            1,
		FailureWindow:         10 * time.Minute,
		FailuresForKillSwitch: 10,
	}, 0)

	res := r.PlaceOrderWithRecovery(context.Background(), limitBuyInput("k1"))
	if res.OK {
		t.Fatalf("res = %+v, want failure after retries", res)
	}
	if venue.placeCalls != 2 {
		t.Errorf("placeCalls = %d, want 2", venue.placeCalls)
	}
	// The resend uses a fresh key; an idempotent hit on the rejected order
	// would have returned immediately instead of dispatching again.
	if res.Order.ClientOrderKey != "k1-r1" {
		t.Errorf("retry key = %q, want k1-r1", res.Order.ClientOrderKey)
	}
}

func TestRecoveryTripsKillSwitchOnRepeatedFailures(t *testing.T) {
	t.Parallel()
	venue := &fakeVenue{
		placeErr:  &exchange.APIError{Status: 502},
		statusErr: &exchange.APIError{Status: 404},
	}
	r, m := newTestRecoverer(t, venue, config.RecoveryConfig{
		MaxRetries:            5,
		FailureWindow:         10 * time.Minute,
		FailuresForKillSwitch: 2,
	}, 0)

	res := r.PlaceOrderWithRecovery(context.Background(), limitBuyInput("k1"))
	if res.Code != types.CodeKillSwitchActive {
		t.Fatalf("code = %d, want KILL_SWITCH_ACTIVE", res.Code)
	}

	snap := m.store.Snapshot()
	if !snap.Settings.KillSwitch {
		t.Error("kill switch not persisted")
	}
}

func TestRecoveryTripsKillSwitchOnAgedUnknown(t *testing.T) {
	t.Parallel()
	venue := &fakeVenue{placeErr: &exchange.APIError{Status: 502}}
	r, m := newTestRecoverer(t, venue, config.RecoveryConfig{
		MaxRetries:            0,
		FailureWindow:         10 * time.Minute,
		FailuresForKillSwitch: 100,
	}, 900)

	// Park one order, then age it past the limit.
	m.PlaceOrder(context.Background(), limitBuyInput("old"))
	old := time.Now().Add(-time.Hour)
	if err := m.store.Update(func(state *types.State) error {
		state.Orders[0].UpdatedAt = old
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	res := r.PlaceOrderWithRecovery(context.Background(), limitBuyInput("new"))
	if res.Code != types.CodeKillSwitchActive {
		t.Fatalf("code = %d, want KILL_SWITCH_ACTIVE", res.Code)
	}
	if venue.placeCalls != 1 {
		t.Errorf("placeCalls = %d, want 1 (no dispatch after trip)", venue.placeCalls)
	}
	if !m.store.Snapshot().Settings.KillSwitch {
		t.Error("kill switch not persisted")
	}
}
