package commission

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

// MemoryStore keeps rate overrides in memory.
type MemoryStore struct {
	mu    sync.Mutex
	rates map[string]decimal.Decimal
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rates: make(map[string]decimal.Decimal)}
}

func (m *MemoryStore) GetRate(ctx context.Context, kind string) (decimal.Decimal, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rate, ok := m.rates[kind]
	return rate, ok, nil
}

func (m *MemoryStore) SetRate(ctx context.Context, kind string, rate decimal.Decimal, updatedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rates[kind] = rate
	return nil
}
