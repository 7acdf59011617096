package memory

import (
	"context"
	"sync"
	"time"

	"github.com/ackermanmoriii/Idontknow/internal/storage"
)

// Registry is the in-process status registry. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]storage.StatusRecord
	now     func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]storage.StatusRecord),
		now:     time.Now,
	}
}

func (r *Registry) SetStatus(_ context.Context, fileID string, status storage.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, exists := r.entries[fileID]
	if err := storage.CheckTransition(current.Status, exists, status); err != nil {
		return err
	}

	r.entries[fileID] = storage.StatusRecord{FileID: fileID, Status: status, UpdatedAt: r.now()}

	return nil
}

func (r *Registry) GetStatus(_ context.Context, fileID string) (storage.Status, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.entries[fileID]

	return rec.Status, ok, nil
}

// Evict removes terminal entries last updated before the given time. Entries
// still downloading are kept regardless of age.
func (r *Registry) Evict(_ context.Context, before time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0

	for id, rec := range r.entries {
		if rec.Status.IsTerminal() && rec.UpdatedAt.Before(before) {
			delete(r.entries, id)
			evicted++
		}
	}

	return evicted, nil
}

// Len returns the number of tracked file ids.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.entries)
}
