package audit

import (
	"sync"

	"github.com/arbiterlabs/arbiter/internal/domain"
)

// Ring is a fixed-capacity ring buffer of audit entries. Appends from many
// sessions are serialized under one mutex; once full, the oldest entry is
// overwritten. It never grows.
type Ring struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
	next    int
	full    bool
}

func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{entries: make([]domain.AuditEntry, capacity)}
}

func (r *Ring) Append(e domain.AuditEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = e
	r.next++
	if r.next == len(r.entries) {
		r.next = 0
		r.full = true
	}
}

// Len reports how many entries are currently held.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.entries)
	}
	return r.next
}

// Snapshot returns the retained entries oldest-first.
func (r *Ring) Snapshot() []domain.AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]domain.AuditEntry, r.next)
		copy(out, r.entries[:r.next])
		return out
	}
	out := make([]domain.AuditEntry, 0, len(r.entries))
	out = append(out, r.entries[r.next:]...)
	out = append(out, r.entries[:r.next]...)
	return out
}
