// Package idgen generates the request, reservation, and audit-record
// identifiers threaded through the admission pipeline, spec.md §4's
// Envelope.RequestID and Reservation.ID.
//
// Grounded on the teacher's use of google/uuid.NewString() throughout
// internal/mcpproxy and internal/controller (e.g. session.go's
// uuid.NewString()-suffixed jsonrpc ids) — the same call, given a
// domain-specific prefix per id kind so a mixed log stream stays
// greppable by kind.
package idgen

import "github.com/google/uuid"

// RequestID generates a new request identifier, prefixed "req_" so it is
// recognizable in logs and audit records independent of other id kinds.
func RequestID() string {
	return "req_" + uuid.NewString()
}

// ReservationID generates a new budget reservation identifier.
func ReservationID() string {
	return "resv_" + uuid.NewString()
}

// AuditID generates a new audit record identifier.
func AuditID() string {
	return "audit_" + uuid.NewString()
}

// ToolCallID generates an identifier for a synthesized tool call, used
// when a dialect must invent one (not every provider's wire format
// assigns tool-call ids the way OpenAI's does).
func ToolCallID() string {
	return "call_" + uuid.NewString()
}
