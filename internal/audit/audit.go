// Package audit holds the append-only in-memory ring buffer of
// gatewaytypes.AuditRecord the attempt engine emits per request, backing
// the admin surface's GET /admin/audit and GET /admin/audit/export
// endpoints (spec.md §6).
//
// Grounded on the same "one small mutex-guarded struct, its own lock"
// shape as internal/health.Registry and internal/proxycache.Cache
// (spec.md §5): the audit sink must never block on the gateway's
// admission lock or the attempt engine's health/ledger state, since a
// slow admin list call would otherwise stall request handling.
package audit

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/envoyproxy/llmgw/internal/gatewaytypes"
)

// Sink is a fixed-capacity, oldest-evicted-first buffer of audit records.
type Sink struct {
	mu       sync.Mutex
	records  []gatewaytypes.AuditRecord
	capacity int
}

// New builds a Sink holding at most capacity records. A non-positive
// capacity defaults to 10000.
func New(capacity int) *Sink {
	if capacity <= 0 {
		capacity = 10000
	}
	return &Sink{capacity: capacity}
}

// Append records r, evicting the oldest record if the sink is at capacity.
func (s *Sink) Append(r gatewaytypes.AuditRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.records) >= s.capacity {
		copy(s.records, s.records[1:])
		s.records = s.records[:len(s.records)-1]
	}
	s.records = append(s.records, r)
}

// List returns every currently-held record, oldest first.
func (s *Sink) List() []gatewaytypes.AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]gatewaytypes.AuditRecord, len(s.records))
	copy(out, s.records)
	return out
}

// Export streams every held record to w as newline-delimited JSON, the
// shape GET /admin/audit/export serves for bulk offline analysis.
func (s *Sink) Export(w io.Writer) error {
	enc := json.NewEncoder(w)
	for _, r := range s.List() {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of records currently held.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
