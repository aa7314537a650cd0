package payments

import (
	"context"
	"sync"
)

// MemoryFailedStore is an in-memory FailedStore for tests and dev.
type MemoryFailedStore struct {
	mu   sync.Mutex
	jobs []FailedJob
}

// NewMemoryFailedStore creates an empty in-memory failed job store.
func NewMemoryFailedStore() *MemoryFailedStore {
	return &MemoryFailedStore{}
}

func (s *MemoryFailedStore) Record(_ context.Context, job FailedJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
	return nil
}

func (s *MemoryFailedStore) List(_ context.Context, limit int) ([]FailedJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FailedJob, 0, len(s.jobs))
	for i := len(s.jobs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.jobs[i])
	}
	return out, nil
}
