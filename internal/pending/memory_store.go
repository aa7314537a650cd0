package pending

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	intent    *Intent
	expiresAt time.Time
}

// MemoryStore is an in-memory intent store for development and tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

// NewMemoryStore creates a new in-memory intent store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

func (m *MemoryStore) Put(ctx context.Context, intent *Intent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *intent
	m.entries[Key(intent.Kind, intent.TxRef)] = entry{
		intent:    &cp,
		expiresAt: m.now().Add(TTL),
	}
	return nil
}

func (m *MemoryStore) Consume(ctx context.Context, kind, txRef string) (*Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := Key(kind, txRef)
	e, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	delete(m.entries, key)
	if m.now().After(e.expiresAt) {
		return nil, nil
	}
	return e.intent, nil
}

func (m *MemoryStore) Peek(ctx context.Context, kind, txRef string) (*Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[Key(kind, txRef)]
	if !ok || m.now().After(e.expiresAt) {
		return nil, nil
	}
	return e.intent, nil
}
