// Package budget implements the token-bucket spend ledger and the
// reservation contract of spec.md §4.5, in two flavors: an in-memory
// ledger guarded by the gateway's single lock, and a Store interface
// implemented by persistent backends (internal/store/postgres,
// internal/store/redis) per spec.md §6.
package budget

import (
	"context"
	"time"

	"github.com/envoyproxy/llmgw/internal/gatewaytypes"
)

// ledgerEntry tracks committed spend for one scope and metric.
type ledgerEntry struct {
	reservedTokens  int64
	committedTokens int64
	reservedCost    int64
	committedCost   int64
}

// Ledger is the in-memory spend ledger: can_spend / spend pairs for token
// and cost budgets, keyed by scope. Like ratewindow.Table, it performs no
// internal locking — callers hold the gateway lock.
type Ledger struct {
	entries map[gatewaytypes.Scope]*ledgerEntry
}

// NewLedger creates an empty in-memory ledger.
func NewLedger() *Ledger {
	return &Ledger{entries: make(map[gatewaytypes.Scope]*ledgerEntry)}
}

func (l *Ledger) entry(scope gatewaytypes.Scope) *ledgerEntry {
	e, ok := l.entries[scope]
	if !ok {
		e = &ledgerEntry{}
		l.entries[scope] = e
	}
	return e
}

// CanSpendTokens reports whether reserving amount more tokens at scope
// would keep reserved+committed <= budget.TotalTokens.
func (l *Ledger) CanSpendTokens(scope gatewaytypes.Scope, b gatewaytypes.Budget, amount int64) bool {
	e := l.entry(scope)
	return e.reservedTokens+e.committedTokens+amount <= b.TotalTokens
}

// ReserveTokens records a tentative hold of amount tokens at scope. The
// caller must already have verified CanSpendTokens.
func (l *Ledger) ReserveTokens(scope gatewaytypes.Scope, amount int64) {
	l.entry(scope).reservedTokens += amount
}

// RefundTokens releases a previously reserved token hold in full.
func (l *Ledger) RefundTokens(scope gatewaytypes.Scope, amount int64) {
	e := l.entry(scope)
	e.reservedTokens -= amount
	if e.reservedTokens < 0 {
		e.reservedTokens = 0
	}
}

// SettleTokens commits actual spend: it releases reserved from the scope's
// reservation (clamped at zero) and adds actual, uncapped, to committed;
// spec.md's settlement rule is "commit the actual spend".
func (l *Ledger) SettleTokens(scope gatewaytypes.Scope, reserved, actual int64) {
	e := l.entry(scope)
	e.reservedTokens -= reserved
	if e.reservedTokens < 0 {
		e.reservedTokens = 0
	}
	e.committedTokens += actual
}

// CanSpendCost, ReserveCost, RefundCost, and SettleCost are the
// usd_micros-denominated analogues of the token methods above.
func (l *Ledger) CanSpendCost(scope gatewaytypes.Scope, b gatewaytypes.Budget, amount int64) bool {
	if b.TotalUSDMicros == nil {
		return true
	}
	e := l.entry(scope)
	return e.reservedCost+e.committedCost+amount <= *b.TotalUSDMicros
}

func (l *Ledger) ReserveCost(scope gatewaytypes.Scope, amount int64) {
	l.entry(scope).reservedCost += amount
}

func (l *Ledger) RefundCost(scope gatewaytypes.Scope, amount int64) {
	e := l.entry(scope)
	e.reservedCost -= amount
	if e.reservedCost < 0 {
		e.reservedCost = 0
	}
}

func (l *Ledger) SettleCost(scope gatewaytypes.Scope, reserved, actual int64) {
	e := l.entry(scope)
	e.reservedCost -= reserved
	if e.reservedCost < 0 {
		e.reservedCost = 0
	}
	e.committedCost += actual
}

// Snapshot returns the current ledger state for scope, used by the
// GET /admin/budgets family of endpoints.
type Snapshot struct {
	ReservedTokens  int64
	CommittedTokens int64
	ReservedCost    int64
	CommittedCost   int64
}

// Scopes returns every scope the ledger has tracked a reservation or spend
// for, used by the GET /admin/budgets family of endpoints to enumerate
// what to report on. Order is unspecified.
func (l *Ledger) Scopes() []gatewaytypes.Scope {
	out := make([]gatewaytypes.Scope, 0, len(l.entries))
	for s := range l.entries {
		out = append(out, s)
	}
	return out
}

func (l *Ledger) Snapshot(scope gatewaytypes.Scope) Snapshot {
	e := l.entry(scope)
	return Snapshot{
		ReservedTokens:  e.reservedTokens,
		CommittedTokens: e.committedTokens,
		ReservedCost:    e.reservedCost,
		CommittedCost:   e.committedCost,
	}
}

// Store is the persistent-store reservation contract of spec.md §4.5. Two
// concrete implementations exist: internal/store/postgres (the "local
// relational store") and internal/store/redis (the "remote key-value
// store"), per spec.md §6. Both reserve/settle/refund/reap calls must be
// safe to call concurrently and settle/refund must be idempotent by
// reservation id.
type Store interface {
	// Reserve creates a tentative hold of amount at scope for the given
	// kind and returns its reservation id. Reserve must be visible to any
	// subsequent Reserve for the same scope before it returns (spec.md
	// §4.5 ordering requirement).
	Reserve(ctx context.Context, scope gatewaytypes.Scope, kind gatewaytypes.ReservationKind, amount int64) (reservationID string, err error)
	// Settle commits min(reservedAmount, actual) and refunds the
	// remainder. Idempotent by reservationID.
	Settle(ctx context.Context, reservationID string, actual int64) error
	// Refund releases the full reservation. Idempotent by reservationID.
	Refund(ctx context.Context, reservationID string) error
	// Reap releases reservations created before olderThan that were never
	// settled or refunded (orphaned by a crash mid-attempt).
	Reap(ctx context.Context, olderThan time.Time) (reaped int, err error)
}
