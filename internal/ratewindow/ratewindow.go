// Package ratewindow implements the fixed-size per-minute rate window
// described in spec.md §4.1 "Key algorithm — rate window": a compact
// record per (scope, metric) storing (requests, tokens) for the current
// minute bucket, reclaimed lazily on access.
//
// Table is not safe for concurrent use on its own; the admission
// controller serializes all access under its single gateway lock (spec.md
// §4.1, §5), so Table performs no internal locking.
package ratewindow

import "github.com/envoyproxy/llmgw/internal/gatewaytypes"

// bucket holds one minute's worth of consumption for a scope.
type bucket struct {
	minute   int64
	requests int
	tokens   int64
}

// Table is the admission controller's rate-limit state: one bucket per
// scope, reset lazily whenever the caller-supplied minute advances.
type Table struct {
	buckets map[gatewaytypes.Scope]*bucket
}

// New creates an empty rate-window table.
func New() *Table {
	return &Table{buckets: make(map[gatewaytypes.Scope]*bucket)}
}

// CheckAndConsume atomically (with respect to the caller's own locking)
// verifies that admitting one more request of chargeTokens at the given
// scope would not exceed limits, and if so, records the consumption.
//
// minute is supplied by the caller (not derived from wall-clock time) so
// tests can inject monotonic time, per spec.md §4.1.
func (t *Table) CheckAndConsume(scope gatewaytypes.Scope, limits gatewaytypes.Limits, chargeTokens int, minute int64) bool {
	b, ok := t.buckets[scope]
	if !ok || b.minute != minute {
		b = &bucket{minute: minute}
		t.buckets[scope] = b
	}

	if limits.RequestsPerMinute > 0 && b.requests+1 > limits.RequestsPerMinute {
		return false
	}
	if limits.TokensPerMinute > 0 && b.tokens+int64(chargeTokens) > int64(limits.TokensPerMinute) {
		return false
	}

	b.requests++
	b.tokens += int64(chargeTokens)
	return true
}

// Snapshot returns the current (requests, tokens) for a scope at the given
// minute, or (0, 0) if the scope has no bucket or the bucket is stale.
func (t *Table) Snapshot(scope gatewaytypes.Scope, minute int64) (requests int, tokens int64) {
	b, ok := t.buckets[scope]
	if !ok || b.minute != minute {
		return 0, 0
	}
	return b.requests, b.tokens
}

// Reclaim drops buckets older than minute-1, per spec.md §4.1 ("Buckets
// older than now_minute - 1 are reclaimed on access"). This is called
// opportunistically; CheckAndConsume's own lazy reset already makes stale
// buckets harmless, so Reclaim exists only to bound the map's size under
// many distinct, short-lived scopes (e.g. per-user scopes).
func (t *Table) Reclaim(minute int64) {
	for scope, b := range t.buckets {
		if b.minute < minute-1 {
			delete(t.buckets, scope)
		}
	}
}
