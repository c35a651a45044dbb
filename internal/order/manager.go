// Package order owns the order lifecycle: idempotent placement behind the
// risk gate, cancellation with exchange-id resolution, fill accounting, and
// reconciliation of orders parked in UNKNOWN_SUBMIT.
package order

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"upbit-trader/internal/exchange"
	"upbit-trader/internal/risk"
	"upbit-trader/internal/store"
	"upbit-trader/pkg/types"
)

// Venue is the slice of the exchange client the manager needs.
type Venue interface {
	PlaceOrder(ctx context.Context, req exchange.PlaceOrderRequest) (*exchange.PlaceOrderResult, error)
	CancelOrder(ctx context.Context, exchangeOrderID string) error
	GetOrderStatus(ctx context.Context, identifier, uuidHint string) (*exchange.OrderStatusData, error)
}

// Manager drives order state transitions. All persistence goes through the
// store, so transitions within one order are totally ordered.
type Manager struct {
	store  *store.Store
	venue  Venue
	risk   *risk.Engine
	paper  bool
	logger *slog.Logger
	nowFn  func() time.Time
}

// NewManager creates the order manager.
func NewManager(st *store.Store, venue Venue, riskEngine *risk.Engine, paper bool, logger *slog.Logger) *Manager {
	return &Manager{
		store:  st,
		venue:  venue,
		risk:   riskEngine,
		paper:  paper,
		logger: logger.With("component", "order"),
		nowFn:  time.Now,
	}
}

// PlaceInput describes one order to place.
type PlaceInput struct {
	Symbol         types.Symbol
	Side           types.Side
	Type           types.OrderType
	Price          decimal.Decimal
	Qty            decimal.Decimal
	AmountKRW      decimal.Decimal // quote amount, required for market buys
	ClientOrderKey string          // derived when empty
	StrategyRunID  string
	CorrelationID  string
	AISelected     bool
	// DynamicMinNotionalKRW raises the min-notional floor when the venue
	// advertises one.
	DynamicMinNotionalKRW *float64
}

// PlaceResult is the placement envelope.
type PlaceResult struct {
	OK            bool
	Code          types.Code
	Order         types.Order
	IdempotentHit bool
	RiskReasons   []risk.Reason
	Err           error
}

// ClientOrderKey returns the caller's key, or the deterministic derivation
// from the strategy run. The derivation makes crash-retry idempotent: the
// same run retrying the same (symbol, side) maps onto the same order.
func (in PlaceInput) clientOrderKey() string {
	if in.ClientOrderKey != "" {
		return in.ClientOrderKey
	}
	return fmt.Sprintf("%s-%s-%s", in.StrategyRunID, in.Symbol, in.Side)
}

// PlaceOrder runs the placement protocol: idempotency short-circuit, risk
// gate, NEW insert, then paper-accept or live dispatch. A live placement
// whose outcome is not observed parks the order in UNKNOWN_SUBMIT.
func (m *Manager) PlaceOrder(ctx context.Context, in PlaceInput) PlaceResult {
	if !in.Side.Valid() || !in.Type.Valid() {
		return PlaceResult{Code: types.CodeInvalidArgs, Err: fmt.Errorf("invalid side/type %q/%q", in.Side, in.Type)}
	}
	if in.Type == types.OrderTypeMarket && in.Side == types.SideBuy && !in.AmountKRW.IsPositive() {
		return PlaceResult{Code: types.CodeInvalidArgs, Err: fmt.Errorf("market buy requires a positive quote amount")}
	}

	key := in.clientOrderKey()
	now := m.nowFn()

	var (
		result   PlaceResult
		rejected bool
	)
	err := m.store.Update(func(state *types.State) error {
		// Idempotency first: a retry with the same key returns the existing
		// order and bypasses the risk gate.
		if existing := state.FindOrderByClientKey(key); existing != nil {
			result = PlaceResult{OK: true, Code: types.CodeOK, Order: *existing, IdempotentHit: true}
			return nil
		}

		res := m.risk.Evaluate(risk.OrderInput{
			Symbol:     in.Symbol,
			Side:       in.Side,
			Type:       in.Type,
			Price:      in.Price,
			Qty:        in.Qty,
			AmountKRW:  in.AmountKRW,
			AISelected: in.AISelected,
		}, state, risk.Options{Now: now, DynamicMinNotionalKRW: in.DynamicMinNotionalKRW})
		if !res.Allowed {
			rejected = true
			state.RiskEvents = append(state.RiskEvents, risk.Event(res, risk.OrderInput{
				Symbol: in.Symbol, Side: in.Side, Type: in.Type,
			}, now))
			result = PlaceResult{Code: types.CodeRiskRejected, RiskReasons: res.Reasons, Err: fmt.Errorf("risk rejected: %v", res.Reasons)}
			return nil
		}

		o := types.Order{
			ID:             uuid.NewString(),
			ClientOrderKey: key,
			Symbol:         in.Symbol,
			Side:           in.Side,
			Type:           in.Type,
			Price:          in.Price,
			Qty:            in.Qty,
			RemainingQty:   in.Qty,
			AmountKRW:      in.AmountKRW,
			Paper:          m.paper,
			State:          types.OrderStateNew,
			CreatedAt:      now,
			UpdatedAt:      now,
			CorrelationID:  in.CorrelationID,
			StrategyRunID:  in.StrategyRunID,
		}
		state.Orders = append(state.Orders, o)
		state.OrderEvents = append(state.OrderEvents, newEvent(o.ID, types.EventNew, map[string]any{
			"clientOrderKey": key,
			"symbol":         string(in.Symbol),
		}, now))
		result = PlaceResult{Order: o}
		return nil
	})
	if err != nil {
		return PlaceResult{Code: types.CodeInternalError, Err: err}
	}
	if result.IdempotentHit || rejected {
		return result
	}

	if m.paper {
		return m.acceptPaper(result.Order)
	}
	return m.dispatchLive(ctx, in, result.Order)
}

func (m *Manager) acceptPaper(o types.Order) PlaceResult {
	exchangeID := "paper-" + uuid.NewString()
	err := m.store.Update(func(state *types.State) error {
		ord := state.FindOrder(o.ID)
		if ord == nil {
			return fmt.Errorf("order %s vanished", o.ID)
		}
		ord.ExchangeOrderID = exchangeID
		ord.State = types.OrderStateAccepted
		ord.UpdatedAt = m.nowFn()
		state.OrderEvents = append(state.OrderEvents, newEvent(o.ID, types.EventAccepted, map[string]any{"paper": true}, ord.UpdatedAt))
		o = *ord
		return nil
	})
	if err != nil {
		return PlaceResult{Code: types.CodeInternalError, Err: err}
	}
	m.logger.Info("paper order accepted", "orderId", o.ID, "symbol", o.Symbol, "side", o.Side)
	return PlaceResult{OK: true, Code: types.CodeOK, Order: o}
}

func (m *Manager) dispatchLive(ctx context.Context, in PlaceInput, o types.Order) PlaceResult {
	req := exchange.PlaceOrderRequest{
		Symbol:     in.Symbol,
		Side:       in.Side,
		Type:       in.Type,
		Identifier: o.ClientOrderKey,
	}
	switch {
	case in.Type == types.OrderTypeLimit:
		req.Price = in.Price.String()
		req.Volume = in.Qty.String()
	case in.Side == types.SideBuy:
		req.Price = in.AmountKRW.String()
	default:
		req.Volume = in.Qty.String()
	}

	placed, placeErr := m.venue.PlaceOrder(ctx, req)
	if placeErr != nil {
		code := classifyExchangeError(placeErr)
		if err := m.store.Update(func(state *types.State) error {
			ord := state.FindOrder(o.ID)
			if ord == nil {
				return fmt.Errorf("order %s vanished", o.ID)
			}
			ord.State = types.OrderStateUnknownSubmit
			ord.UpdatedAt = m.nowFn()
			state.OrderEvents = append(state.OrderEvents, newEvent(o.ID, types.EventUnknownSubmit, map[string]any{
				"error": placeErr.Error(),
				"code":  code.String(),
			}, ord.UpdatedAt))
			o = *ord
			return nil
		}); err != nil {
			return PlaceResult{Code: types.CodeInternalError, Err: err}
		}
		m.logger.Error("order placement unresolved", "orderId", o.ID, "code", code.String(), "error", placeErr)
		return PlaceResult{Code: code, Order: o, Err: placeErr}
	}

	err := m.store.Update(func(state *types.State) error {
		ord := state.FindOrder(o.ID)
		if ord == nil {
			return fmt.Errorf("order %s vanished", o.ID)
		}
		ord.ExchangeOrderID = placed.ExchangeOrderID
		ord.State = types.OrderStateAccepted
		ord.UpdatedAt = m.nowFn()
		state.OrderEvents = append(state.OrderEvents, newEvent(o.ID, types.EventAccepted, placed.Raw, ord.UpdatedAt))
		o = *ord
		return nil
	})
	if err != nil {
		return PlaceResult{Code: types.CodeInternalError, Err: err}
	}
	m.logger.Info("order accepted", "orderId", o.ID, "exchangeOrderId", o.ExchangeOrderID)
	return PlaceResult{OK: true, Code: types.CodeOK, Order: o}
}

// CancelResult is the cancellation envelope.
type CancelResult struct {
	OK   bool
	Code types.Code
	Err  error
}

// CancelOrder cancels a live or paper order. Terminal orders are a no-op.
// A live order without an exchange id is resolved via the identifier lookup
// first; the resolution is persisted as an EXCHANGE_ID_RESOLVED event.
func (m *Manager) CancelOrder(ctx context.Context, orderID string) CancelResult {
	o := m.store.FindOrderByID(orderID)
	if o == nil {
		return CancelResult{Code: types.CodeInvalidArgs, Err: fmt.Errorf("unknown order %s", orderID)}
	}
	if o.State.IsTerminal() {
		return CancelResult{OK: true, Code: types.CodeOK}
	}

	if o.Paper {
		if err := m.transition(orderID, types.OrderStateCanceled, types.EventCanceled, map[string]any{"paper": true}); err != nil {
			return CancelResult{Code: types.CodeInternalError, Err: err}
		}
		return CancelResult{OK: true, Code: types.CodeOK}
	}

	exchangeID := o.ExchangeOrderID
	if exchangeID == "" {
		status, err := m.venue.GetOrderStatus(ctx, o.ClientOrderKey, "")
		if err != nil {
			code := classifyExchangeError(err)
			return CancelResult{Code: code, Err: fmt.Errorf("resolve exchange id: %w", err)}
		}
		exchangeID = status.UUID
		if err := m.store.Update(func(state *types.State) error {
			ord := state.FindOrder(orderID)
			if ord == nil {
				return fmt.Errorf("order %s vanished", orderID)
			}
			ord.ExchangeOrderID = exchangeID
			ord.UpdatedAt = m.nowFn()
			state.OrderEvents = append(state.OrderEvents, newEvent(orderID, types.EventExchangeIDResolved, map[string]any{
				"exchangeOrderId": exchangeID,
			}, ord.UpdatedAt))
			return nil
		}); err != nil {
			return CancelResult{Code: types.CodeInternalError, Err: err}
		}
	}

	if err := m.transition(orderID, types.OrderStateCancelRequested, types.EventCanceled, map[string]any{"requested": true}); err != nil {
		return CancelResult{Code: types.CodeInternalError, Err: err}
	}

	if err := m.venue.CancelOrder(ctx, exchangeID); err != nil {
		code := classifyExchangeError(err)
		m.logger.Error("cancel failed", "orderId", orderID, "code", code.String(), "error", err)
		return CancelResult{Code: code, Err: err}
	}

	if err := m.transition(orderID, types.OrderStateCanceled, types.EventCanceled, nil); err != nil {
		return CancelResult{Code: types.CodeInternalError, Err: err}
	}
	return CancelResult{OK: true, Code: types.CodeOK}
}

// FillInput is one execution reported by the venue.
type FillInput struct {
	OrderID        string
	ExchangeFillID string
	Price          decimal.Decimal
	Qty            decimal.Decimal
	Fee            decimal.Decimal
	FillTs         time.Time
}

// ApplyFill records one fill: idempotent by exchange fill id, maintains
// filled/remaining quantities and the weighted average fill price, and moves
// the order to PARTIAL or FILLED.
func (m *Manager) ApplyFill(in FillInput) error {
	if !in.Qty.IsPositive() {
		return fmt.Errorf("fill qty must be positive")
	}
	return m.store.Update(func(state *types.State) error {
		for _, f := range state.Fills {
			if f.ExchangeFillID == in.ExchangeFillID {
				return nil // duplicate delivery
			}
		}

		ord := state.FindOrder(in.OrderID)
		if ord == nil {
			return fmt.Errorf("fill for unknown order %s", in.OrderID)
		}
		if ord.State.IsTerminal() {
			return fmt.Errorf("fill for terminal order %s (%s)", in.OrderID, ord.State)
		}

		ts := in.FillTs
		if ts.IsZero() {
			ts = m.nowFn()
		}
		state.Fills = append(state.Fills, types.Fill{
			ID:             uuid.NewString(),
			OrderID:        in.OrderID,
			ExchangeFillID: in.ExchangeFillID,
			Price:          in.Price,
			Qty:            in.Qty,
			Fee:            in.Fee,
			FillTs:         ts,
		})

		// Weighted average over all fills: avg' = (avg·filled + price·qty) / filled'.
		prevFilled := ord.FilledQty
		newFilled := prevFilled.Add(in.Qty)
		fillValue := in.Price.Mul(in.Qty)
		if ord.AvgFillPrice != nil {
			avg := ord.AvgFillPrice.Mul(prevFilled).Add(fillValue).Div(newFilled)
			ord.AvgFillPrice = &avg
		} else {
			ord.AvgFillPrice = &in.Price
		}
		ord.FilledQty = newFilled
		ord.RemainingQty = ord.Qty.Sub(newFilled)
		if ord.RemainingQty.IsNegative() {
			ord.RemainingQty = decimal.Zero
		}
		if ord.RemainingQty.IsPositive() {
			ord.State = types.OrderStatePartial
		} else {
			ord.State = types.OrderStateFilled
		}
		ord.UpdatedAt = ts

		state.OrderEvents = append(state.OrderEvents, newEvent(in.OrderID, types.EventFill, map[string]any{
			"exchangeFillId": in.ExchangeFillID,
			"price":          in.Price.String(),
			"qty":            in.Qty.String(),
		}, ts))
		return nil
	})
}

// SyncFills polls the venue's view of a live open order and applies any
// executions not yet recorded, so limit orders progress to PARTIAL/FILLED
// without a push feed. Paper and terminal orders are a no-op, as is
// UNKNOWN_SUBMIT (that path belongs to ResolveUnknown). A venue-side cancel
// with quantity still remaining closes the order as CANCELED.
func (m *Manager) SyncFills(ctx context.Context, orderID string) error {
	o := m.store.FindOrderByID(orderID)
	if o == nil {
		return fmt.Errorf("unknown order %s", orderID)
	}
	if o.Paper || o.State.IsTerminal() || o.State == types.OrderStateUnknownSubmit {
		return nil
	}

	status, err := m.venue.GetOrderStatus(ctx, o.ClientOrderKey, o.ExchangeOrderID)
	if err != nil {
		return fmt.Errorf("order status lookup: %w", err)
	}

	for _, tr := range status.Trades {
		price, perr := decimal.NewFromString(tr.Price)
		qty, qerr := decimal.NewFromString(tr.Volume)
		if perr != nil || qerr != nil {
			m.logger.Error("malformed trade row skipped", "orderId", orderID, "tradeId", tr.UUID)
			continue
		}
		fill := FillInput{OrderID: orderID, ExchangeFillID: tr.UUID, Price: price, Qty: qty}
		if ts, terr := time.Parse(time.RFC3339, tr.CreatedAt); terr == nil {
			fill.FillTs = ts
		}
		if err := m.ApplyFill(fill); err != nil {
			return err
		}
	}

	if status.State == "cancel" {
		if cur := m.store.FindOrderByID(orderID); cur != nil && !cur.State.IsTerminal() {
			return m.transition(orderID, types.OrderStateCanceled, types.EventCanceled, map[string]any{"venueState": "cancel"})
		}
	}
	return nil
}

// ResolveUnknown reconciles an UNKNOWN_SUBMIT order with the venue. A
// successful lookup resolves the exchange id and moves the order back to
// ACCEPTED (or to CANCELED/FILLED when the venue already settled it). A
// lookup that finds nothing is a reconcile mismatch the operator must see.
func (m *Manager) ResolveUnknown(ctx context.Context, orderID string) CancelResult {
	o := m.store.FindOrderByID(orderID)
	if o == nil {
		return CancelResult{Code: types.CodeInvalidArgs, Err: fmt.Errorf("unknown order %s", orderID)}
	}
	if o.State != types.OrderStateUnknownSubmit {
		return CancelResult{Code: types.CodeInvalidArgs, Err: fmt.Errorf("order %s is %s, not UNKNOWN_SUBMIT", orderID, o.State)}
	}

	status, err := m.venue.GetOrderStatus(ctx, o.ClientOrderKey, o.ExchangeOrderID)
	if err != nil {
		if exchange.StatusOf(err) == 404 {
			return CancelResult{Code: types.CodeReconcileMismatch, Err: fmt.Errorf("order %s not found at venue: %w", orderID, err)}
		}
		return CancelResult{Code: classifyExchangeError(err), Err: err}
	}

	next := types.OrderStateAccepted
	switch status.State {
	case "cancel":
		next = types.OrderStateCanceled
	case "done":
		next = types.OrderStateFilled
	}

	updateErr := m.store.Update(func(state *types.State) error {
		ord := state.FindOrder(orderID)
		if ord == nil {
			return fmt.Errorf("order %s vanished", orderID)
		}
		ord.ExchangeOrderID = status.UUID
		ord.State = next
		ord.UpdatedAt = m.nowFn()
		state.OrderEvents = append(state.OrderEvents, newEvent(orderID, types.EventExchangeIDResolved, map[string]any{
			"exchangeOrderId": status.UUID,
			"venueState":      status.State,
		}, ord.UpdatedAt))
		return nil
	})
	if updateErr != nil {
		return CancelResult{Code: types.CodeInternalError, Err: updateErr}
	}
	m.logger.Info("unknown submit resolved", "orderId", orderID, "state", next)
	return CancelResult{OK: true, Code: types.CodeOK}
}

// MarkRejected force-closes an UNKNOWN_SUBMIT order as REJECTED after the
// operator confirmed it never reached the venue.
func (m *Manager) MarkRejected(orderID, reason string) error {
	return m.transition(orderID, types.OrderStateRejected, types.EventRejected, map[string]any{"reason": reason})
}

func (m *Manager) transition(orderID string, next types.OrderState, event types.EventType, payload map[string]any) error {
	return m.store.Update(func(state *types.State) error {
		ord := state.FindOrder(orderID)
		if ord == nil {
			return fmt.Errorf("order %s vanished", orderID)
		}
		// Re-check under the store lock: a fill can settle the order between
		// the caller's snapshot read and this transition, and an end state
		// must never be overwritten.
		if ord.State.IsTerminal() {
			return nil
		}
		ord.State = next
		ord.UpdatedAt = m.nowFn()
		state.OrderEvents = append(state.OrderEvents, newEvent(orderID, event, payload, ord.UpdatedAt))
		return nil
	})
}

func newEvent(orderID string, eventType types.EventType, payload map[string]any, ts time.Time) types.OrderEvent {
	return types.OrderEvent{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		EventType: eventType,
		Payload:   payload,
		EventTs:   ts,
	}
}

// classifyExchangeError maps a venue error onto the result-code taxonomy:
// 429 is RATE_LIMITED, other retryables are EXCHANGE_RETRYABLE, the rest are
// EXCHANGE_FATAL.
func classifyExchangeError(err error) types.Code {
	switch {
	case exchange.IsRateLimited(err):
		return types.CodeRateLimited
	case exchange.IsRetryable(err):
		return types.CodeExchangeRetryable
	default:
		return types.CodeExchangeFatal
	}
}
