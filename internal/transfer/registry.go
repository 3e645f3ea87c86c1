package transfer

import (
	"fmt"
	"sync"
)

// Registry is the in-memory table of transfers keyed by file id. It enforces
// forward-only status changes and non-decreasing progress while in progress.
type Registry struct {
	mu    sync.RWMutex
	items map[string]Transfer
	order []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{items: make(map[string]Transfer)}
}

// Upsert inserts t or replaces the entry with the same file id.
func (r *Registry) Upsert(t Transfer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.items[t.FileID]; ok {
		if err := checkUpdate(old, t); err != nil {
			return err
		}
	} else {
		r.order = append(r.order, t.FileID)
	}
	r.items[t.FileID] = t
	return nil
}

// Update applies fn to a copy of the entry and stores the result if valid.
func (r *Registry) Update(fileID string, fn func(*Transfer)) (before, after Transfer, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.items[fileID]
	if !ok {
		return Transfer{}, Transfer{}, fmt.Errorf("%w: %s", ErrUnknownFile, fileID)
	}
	next := old
	fn(&next)
	if err := checkUpdate(old, next); err != nil {
		return old, old, err
	}
	r.items[fileID] = next
	return old, next, nil
}

func checkUpdate(old, next Transfer) error {
	if old.Status != next.Status && !old.Status.CanTransition(next.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, old.Status, next.Status)
	}
	if old.Status.Terminal() && (old.Progress != next.Progress || old.Error != next.Error) {
		return fmt.Errorf("%w: %s is final", ErrInvalidTransition, old.Status)
	}
	if next.Status.InProgress() && old.Status == next.Status && next.Progress < old.Progress {
		return fmt.Errorf("%w: progress %d -> %d", ErrInvalidTransition, old.Progress, next.Progress)
	}
	return nil
}

// Get returns the entry for fileID.
func (r *Registry) Get(fileID string) (Transfer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.items[fileID]
	return t, ok
}

// All returns every entry in insertion order.
func (r *Registry) All() []Transfer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Transfer, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.items[id])
	}
	return out
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// AggregateProgress is the mean progress over all entries, 0 when empty.
func (r *Registry) AggregateProgress() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.items) == 0 {
		return 0
	}
	sum := 0
	for _, t := range r.items {
		sum += t.Progress
	}
	return sum / len(r.items)
}

// IsAllTerminal reports whether every entry is final. An empty registry is
// not considered finished.
func (r *Registry) IsAllTerminal() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.items) == 0 {
		return false
	}
	for _, t := range r.items {
		if !t.Status.Terminal() {
			return false
		}
	}
	return true
}

// AllTerminal reports whether every listed entry exists and is final.
func (r *Registry) AllTerminal(fileIDs []string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(fileIDs) == 0 {
		return false
	}
	for _, id := range fileIDs {
		t, ok := r.items[id]
		if !ok || !t.Status.Terminal() {
			return false
		}
	}
	return true
}

// Remove deletes one entry.
func (r *Registry) Remove(fileID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[fileID]; !ok {
		return
	}
	delete(r.items, fileID)
	for i, id := range r.order {
		if id == fileID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Reset removes every entry.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = make(map[string]Transfer)
	r.order = nil
}
