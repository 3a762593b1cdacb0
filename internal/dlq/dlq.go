// Package dlq is a thin layer over the store for dead-letter queue
// operations, kept separate from internal/store so the admin surface has a
// narrow, purpose-named entry point.
package dlq

import "github.com/kjanssen/workq/internal/store"

// Manager lists quarantined jobs and re-enqueues them on demand.
type Manager struct {
	store *store.Store
}

// New wraps a store for DLQ operations.
func New(s *store.Store) *Manager {
	return &Manager{store: s}
}

// List returns jobs in the dlq state with their last_error.
func (m *Manager) List() ([]*store.Job, error) {
	return m.store.DLQList()
}

// Retry atomically moves a dlq job back to pending, resetting attempts.
// Returns store.ErrNotInDLQ if the job is not currently quarantined.
func (m *Manager) Retry(jobID int64) error {
	return m.store.DLQRetry(jobID)
}
