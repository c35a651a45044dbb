package order

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"upbit-trader/internal/config"
	"upbit-trader/internal/store"
	"upbit-trader/pkg/types"
)

// Recoverer wraps direct placement with a bounded retry policy. Repeated
// retryable failures inside the failure window, or an UNKNOWN_SUBMIT order
// older than the configured age, trip the kill switch automatically: the
// venue is misbehaving and no further orders should go out.
type Recoverer struct {
	manager       *Manager
	store         *store.Store
	cfg           config.RecoveryConfig
	unknownMaxAge time.Duration
	logger        *slog.Logger

	nowFn   func() time.Time
	sleepFn func(time.Duration)

	mu       sync.Mutex
	failures []time.Time
}

// NewRecoverer creates the recovery wrapper.
func NewRecoverer(m *Manager, st *store.Store, cfg config.RecoveryConfig, unknownMaxAgeSec int, logger *slog.Logger) *Recoverer {
	return &Recoverer{
		manager:       m,
		store:         st,
		cfg:           cfg,
		unknownMaxAge: time.Duration(unknownMaxAgeSec) * time.Second,
		logger:        logger.With("component", "recovery"),
		nowFn:         time.Now,
		sleepFn:       time.Sleep,
	}
}

// PlaceOrderWithRecovery places an order, retrying retryable failures up to
// the configured bound. Between retries it reconciles the parked order: a
// placement that actually reached the venue is resolved rather than resent,
// and one that provably never arrived is marked rejected and resent under a
// fresh key.
func (r *Recoverer) PlaceOrderWithRecovery(ctx context.Context, in PlaceInput) PlaceResult {
	if res, tripped := r.checkAgedUnknown(); tripped {
		return res
	}

	baseKey := in.clientOrderKey()
	in.ClientOrderKey = baseKey

	var res PlaceResult
	for attempt := 0; ; attempt++ {
		res = r.manager.PlaceOrder(ctx, in)
		if res.OK || !isRetryableCode(res.Code) {
			return res
		}

		if r.recordFailure() {
			r.tripKillSwitch(fmt.Sprintf("%d retryable placement failures within %v", r.cfg.FailuresForKillSwitch, r.cfg.FailureWindow))
			res.Code = types.CodeKillSwitchActive
			return res
		}
		if attempt >= r.cfg.MaxRetries {
			return res
		}

		r.sleepFn(r.cfg.RetryDelay)

		// The order is parked in UNKNOWN_SUBMIT. Resolve before resending:
		// the venue may have accepted the order we never heard back about.
		resolved := r.manager.ResolveUnknown(ctx, res.Order.ID)
		if resolved.OK {
			if o := r.store.FindOrderByID(res.Order.ID); o != nil {
				return PlaceResult{OK: true, Code: types.CodeOK, Order: *o}
			}
			return PlaceResult{OK: true, Code: types.CodeOK, Order: res.Order}
		}
		if resolved.Code != types.CodeReconcileMismatch {
			// Still ambiguous; leave the order parked rather than risking a
			// duplicate at the venue.
			return res
		}

		if err := r.manager.MarkRejected(res.Order.ID, "placement never reached venue"); err != nil {
			return PlaceResult{Code: types.CodeInternalError, Err: err}
		}
		in.ClientOrderKey = fmt.Sprintf("%s-r%d", baseKey, attempt+1)
		r.logger.Warn("retrying placement under fresh key", "key", in.ClientOrderKey, "attempt", attempt+1)
	}
}

// SyncFills forwards to the manager, so the scheduler's single placement
// handle also covers per-window fill polling.
func (r *Recoverer) SyncFills(ctx context.Context, orderID string) error {
	return r.manager.SyncFills(ctx, orderID)
}

// checkAgedUnknown trips the kill switch when an UNKNOWN_SUBMIT order has
// sat unresolved past the configured age.
func (r *Recoverer) checkAgedUnknown() (PlaceResult, bool) {
	if r.unknownMaxAge <= 0 {
		return PlaceResult{}, false
	}
	cutoff := r.nowFn().Add(-r.unknownMaxAge)
	for _, o := range r.store.GetOpenOrders() {
		if o.State == types.OrderStateUnknownSubmit && o.UpdatedAt.Before(cutoff) {
			r.tripKillSwitch(fmt.Sprintf("order %s unresolved in UNKNOWN_SUBMIT since %s", o.ID, o.UpdatedAt.Format(time.RFC3339)))
			return PlaceResult{
				Code: types.CodeKillSwitchActive,
				Err:  fmt.Errorf("kill switch tripped: aged UNKNOWN_SUBMIT order %s", o.ID),
			}, true
		}
	}
	return PlaceResult{}, false
}

// recordFailure notes one retryable failure and reports whether the window
// threshold was crossed.
func (r *Recoverer) recordFailure() bool {
	if r.cfg.FailuresForKillSwitch <= 0 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowFn()
	cutoff := now.Add(-r.cfg.FailureWindow)
	kept := r.failures[:0]
	for _, ts := range r.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	r.failures = append(kept, now)
	return len(r.failures) >= r.cfg.FailuresForKillSwitch
}

func (r *Recoverer) tripKillSwitch(reason string) {
	err := r.store.Update(func(state *types.State) error {
		state.Settings.KillSwitch = true
		state.Settings.KillSwitchReason = "auto_recovery: " + reason
		return nil
	})
	if err != nil {
		r.logger.Error("failed to persist kill switch", "error", err)
		return
	}
	r.logger.Error("kill switch tripped", "reason", reason)
}

func isRetryableCode(code types.Code) bool {
	return code == types.CodeRateLimited || code == types.CodeExchangeRetryable
}
