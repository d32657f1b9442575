package audit

import (
	"context"
	"errors"
	"sync"
)

var ErrDuplicateEvent = errors.New("audit: event id already recorded")

// MemoryRepo keeps events in arrival order. Like the Postgres table it
// refuses to record the same event id twice.
type MemoryRepo struct {
	mu     sync.Mutex
	events []Event
	seen   map[string]struct{}
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{seen: make(map[string]struct{})} }

func (r *MemoryRepo) Append(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.ID != "" {
		if _, dup := r.seen[e.ID]; dup {
			return ErrDuplicateEvent
		}
		r.seen[e.ID] = struct{}{}
	}
	r.events = append(r.events, e)
	return nil
}

func (r *MemoryRepo) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// ForCall returns the settlement trail of one call.
func (r *MemoryRepo) ForCall(callID string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.CallID == callID {
			out = append(out, e)
		}
	}
	return out
}
