// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the trader — symbols, candles,
// the order/fill/event model, the persisted state document, and the result
// codes every public operation reports. It has no dependencies on internal
// packages, so it can be imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Wire returns the Upbit order side: bids are "bid", asks are "ask".
func (s Side) Wire() string {
	if s == SideBuy {
		return "bid"
	}
	return "ask"
}

// Valid reports whether the side is one of the two supported values.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// OrderType enumerates the supported order kinds.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// Valid reports whether the order type is supported.
func (t OrderType) Valid() bool { return t == OrderTypeLimit || t == OrderTypeMarket }

// Action is a strategy signal outcome.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// OrderState is the lifecycle state of an order.
//
// NEW → ACCEPTED → (PARTIAL)* → FILLED, with CANCELED / REJECTED / EXPIRED
// terminal. UNKNOWN_SUBMIT parks an order whose placement outcome was never
// observed; it resolves back to ACCEPTED, or to CANCELED/REJECTED.
type OrderState string

const (
	OrderStateNew             OrderState = "NEW"
	OrderStateAccepted        OrderState = "ACCEPTED"
	OrderStatePartial         OrderState = "PARTIAL"
	OrderStateFilled          OrderState = "FILLED"
	OrderStateCancelRequested OrderState = "CANCEL_REQUESTED"
	OrderStateCanceled        OrderState = "CANCELED"
	OrderStateRejected        OrderState = "REJECTED"
	OrderStateExpired         OrderState = "EXPIRED"
	OrderStateUnknownSubmit   OrderState = "UNKNOWN_SUBMIT"
)

// IsTerminal reports whether the state is an end state: once reached the
// order never mutates price or quantity again.
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderStateFilled, OrderStateCanceled, OrderStateRejected, OrderStateExpired:
		return true
	}
	return false
}

// IsOpen reports whether the order still counts against concurrency limits.
func (s OrderState) IsOpen() bool {
	switch s {
	case OrderStateNew, OrderStateAccepted, OrderStatePartial,
		OrderStateCancelRequested, OrderStateUnknownSubmit:
		return true
	}
	return false
}

// EventType tags entries in the append-only order audit trail.
type EventType string

const (
	EventNew                EventType = "NEW"
	EventAccepted           EventType = "ACCEPTED"
	EventPartial            EventType = "PARTIAL"
	EventFilled             EventType = "FILLED"
	EventCanceled           EventType = "CANCELED"
	EventRejected           EventType = "REJECTED"
	EventExpired            EventType = "EXPIRED"
	EventUnknownSubmit      EventType = "UNKNOWN_SUBMIT"
	EventExchangeIDResolved EventType = "EXCHANGE_ID_RESOLVED"
	EventFill               EventType = "FILL"
)

// ————————————————————————————————————————————————————————————————————————
// Result codes
// ————————————————————————————————————————————————————————————————————————

// Code is the process exit and result code taxonomy. Every public operation
// reports one; the CLI maps the final Code to the process exit status.
type Code int

const (
	CodeOK                   Code = 0
	CodeInvalidArgs          Code = 2
	CodeRiskRejected         Code = 3
	CodeExchangeRetryable    Code = 5
	CodeExchangeFatal        Code = 6
	CodeRateLimited          Code = 7
	CodeReconcileMismatch    Code = 8
	CodeKillSwitchActive     Code = 9
	CodeInternalError        Code = 10
	CodeForbiddenInAgentMode Code = 11
)

// String returns the symbolic name used in logs and health output.
func (c Code) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeInvalidArgs:
		return "INVALID_ARGS"
	case CodeRiskRejected:
		return "RISK_REJECTED"
	case CodeExchangeRetryable:
		return "EXCHANGE_RETRYABLE"
	case CodeExchangeFatal:
		return "EXCHANGE_FATAL"
	case CodeRateLimited:
		return "RATE_LIMITED"
	case CodeReconcileMismatch:
		return "RECONCILE_MISMATCH"
	case CodeKillSwitchActive:
		return "KILL_SWITCH_ACTIVE"
	case CodeInternalError:
		return "INTERNAL_ERROR"
	case CodeForbiddenInAgentMode:
		return "FORBIDDEN_IN_AGENT_MODE"
	default:
		return "UNKNOWN"
	}
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// Candle is one OHLC bar. Timestamp is epoch milliseconds of the bar open.
// Candle series are ordered strictly ascending by timestamp; Close must be
// positive and High ≥ Low.
type Candle struct {
	Timestamp int64   `json:"timestampMs"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
}

// Tick is a normalized real-time trade-price update from the ticker stream.
type Tick struct {
	Symbol     Symbol  `json:"symbol"`
	Market     string  `json:"market"` // wire form, e.g. "KRW-BTC"
	TradePrice float64 `json:"tradePrice"`
	StreamType string  `json:"streamType"` // "SNAPSHOT" or "REALTIME"
	Timestamp  int64   `json:"timestamp"`  // epoch ms
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// Order is the locally-owned order record. The exchange-assigned id is empty
// until the venue accepts the order. ClientOrderKey is the idempotency key:
// unique per (strategyRunID, symbol, side) unless the caller supplies one.
//
// Invariants: 0 ≤ FilledQty ≤ Qty, RemainingQty == Qty − FilledQty, and a
// terminal order never mutates price or quantity. Paper is immutable.
type Order struct {
	ID              string           `json:"id"`
	ClientOrderKey  string           `json:"clientOrderKey"`
	ExchangeOrderID string           `json:"exchangeOrderId,omitempty"`
	Symbol          Symbol           `json:"symbol"`
	Side            Side             `json:"side"`
	Type            OrderType        `json:"type"`
	Price           decimal.Decimal  `json:"price"`
	Qty             decimal.Decimal  `json:"qty"`
	RemainingQty    decimal.Decimal  `json:"remainingQty"`
	FilledQty       decimal.Decimal  `json:"filledQty"`
	AvgFillPrice    *decimal.Decimal `json:"avgFillPrice,omitempty"`
	AmountKRW       decimal.Decimal  `json:"amountKrw"`
	Paper           bool             `json:"paper"`
	State           OrderState       `json:"state"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
	CorrelationID   string           `json:"correlationId,omitempty"`
	StrategyRunID   string           `json:"strategyRunId,omitempty"`
}

// Notional returns the quote-currency value of the order, price·qty.
func (o Order) Notional() decimal.Decimal {
	return o.Price.Mul(o.Qty)
}

// Fill is one execution against an order. ExchangeFillID is unique across
// all fills and is the idempotency key for applyFill.
type Fill struct {
	ID             string          `json:"id"`
	OrderID        string          `json:"orderId"`
	ExchangeFillID string          `json:"exchangeFillId"`
	Price          decimal.Decimal `json:"price"`
	Qty            decimal.Decimal `json:"qty"`
	Fee            decimal.Decimal `json:"fee"`
	FillTs         time.Time       `json:"fillTs"`
}

// OrderEvent is one entry in the append-only order audit trail.
type OrderEvent struct {
	ID        string         `json:"id"`
	OrderID   string         `json:"orderId"`
	EventType EventType      `json:"eventType"`
	Payload   map[string]any `json:"payload,omitempty"`
	EventTs   time.Time      `json:"eventTs"`
}

// ————————————————————————————————————————————————————————————————————————
// Balances, risk, settings
// ————————————————————————————————————————————————————————————————————————

// BalanceItem is one currency position inside a balances snapshot.
type BalanceItem struct {
	Currency     string          `json:"currency"`
	UnitCurrency string          `json:"unitCurrency"`
	Balance      decimal.Decimal `json:"balance"`
	Locked       decimal.Decimal `json:"locked"`
	AvgBuyPrice  decimal.Decimal `json:"avgBuyPrice"`
}

// BalancesSnapshot captures account balances at a point in time. The latest
// snapshot is authoritative for exposure calculations.
type BalancesSnapshot struct {
	CapturedAt time.Time     `json:"capturedAt"`
	Source     string        `json:"source"`
	Items      []BalanceItem `json:"items"`
}

// RiskEvent records a pre-trade rejection.
type RiskEvent struct {
	ID        string    `json:"id"`
	Severity  string    `json:"severity"`
	Rules     string    `json:"rules"` // concatenated violated rule names
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"createdAt"`
}

// DailyPnlBaseline anchors the daily realized-PnL calculation. Date is the
// trading day in the configured timezone, format 2006-01-02.
type DailyPnlBaseline struct {
	Date      string          `json:"date"`
	EquityKRW decimal.Decimal `json:"equityKrw"`
}

// Settings is the operator-controlled portion of the state document.
type Settings struct {
	PaperMode        bool              `json:"paperMode"`
	KillSwitch       bool              `json:"killSwitch"`
	KillSwitchReason string            `json:"killSwitchReason,omitempty"`
	DailyPnlBaseline *DailyPnlBaseline `json:"dailyPnlBaseline,omitempty"`
}

// StrategyRun records one realtime strategy evaluation for a symbol.
type StrategyRun struct {
	ID        string             `json:"id"`
	Symbol    Symbol             `json:"symbol"`
	Strategy  string             `json:"strategy"`
	Action    Action             `json:"action"`
	Reason    string             `json:"reason"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	StartedAt time.Time          `json:"startedAt"`
}

// HealthRecord is one persisted health-check outcome.
type HealthRecord struct {
	CheckedAt time.Time `json:"checkedAt"`
	Status    string    `json:"status"` // OK / WARN / FAIL
	Findings  []string  `json:"findings,omitempty"`
}

// AgentAuditRecord logs one applied AI-operator change.
type AgentAuditRecord struct {
	AppliedAt time.Time `json:"appliedAt"`
	Group     string    `json:"group"` // strategy / decision / overlay / kill_switch
	Detail    string    `json:"detail"`
}

// ————————————————————————————————————————————————————————————————————————
// State document
// ————————————————————————————————————————————————————————————————————————

// State is the single JSON document the store owns. Every mutation flows
// through store.Update so transitions within one order are totally ordered.
type State struct {
	Orders            []Order            `json:"orders"`
	OrderEvents       []OrderEvent       `json:"orderEvents"`
	Fills             []Fill             `json:"fills"`
	BalancesSnapshots []BalancesSnapshot `json:"balancesSnapshot"`
	StrategyRuns      []StrategyRun      `json:"strategyRuns"`
	RiskEvents        []RiskEvent        `json:"riskEvents"`
	SystemHealth      []HealthRecord     `json:"systemHealth"`
	AgentAudit        []AgentAuditRecord `json:"agentAudit"`
	Settings          Settings           `json:"settings"`
}

// FindOrder returns a pointer into s.Orders for the given local id, or nil.
func (s *State) FindOrder(id string) *Order {
	for i := range s.Orders {
		if s.Orders[i].ID == id {
			return &s.Orders[i]
		}
	}
	return nil
}

// FindOrderByClientKey returns the order with the given client-order-key, or nil.
func (s *State) FindOrderByClientKey(key string) *Order {
	for i := range s.Orders {
		if s.Orders[i].ClientOrderKey == key {
			return &s.Orders[i]
		}
	}
	return nil
}

// OpenOrders returns all orders in an open state.
func (s *State) OpenOrders() []Order {
	var open []Order
	for _, o := range s.Orders {
		if o.State.IsOpen() {
			open = append(open, o)
		}
	}
	return open
}

// LatestBalances returns the most recent balances snapshot, or nil.
func (s *State) LatestBalances() *BalancesSnapshot {
	if len(s.BalancesSnapshots) == 0 {
		return nil
	}
	return &s.BalancesSnapshots[len(s.BalancesSnapshots)-1]
}
