package agreements

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tobenna/marketledger/internal/apperr"
)

// MemoryStore is an in-memory Store for tests and dev.
type MemoryStore struct {
	mu         sync.Mutex
	agreements map[string]*Agreement
}

// NewMemoryStore creates an empty in-memory agreement store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{agreements: make(map[string]*Agreement)}
}

func cloneAgreement(a *Agreement) *Agreement {
	cp := *a
	cp.Parties = make([]*Party, len(a.Parties))
	for i, p := range a.Parties {
		pc := *p
		cp.Parties[i] = &pc
	}
	if a.Proposal != nil {
		pr := *a.Proposal
		pr.Evidence = append([]string(nil), a.Proposal.Evidence...)
		cp.Proposal = &pr
	}
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, a *Agreement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.agreements[a.ID]; exists {
		return apperr.Conflict("agreement %s already exists", a.ID)
	}
	now := time.Now()
	a.CreatedAt = now
	a.UpdatedAt = now
	m.agreements[a.ID] = cloneAgreement(a)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Agreement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agreements[id]
	if !ok {
		return nil, apperr.NotFound("agreement %s not found", id)
	}
	return cloneAgreement(a), nil
}

func (m *MemoryStore) Update(ctx context.Context, a *Agreement, expect Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.agreements[a.ID]
	if !ok {
		return apperr.NotFound("agreement %s not found", a.ID)
	}
	if stored.Status != expect {
		return apperr.Conflict("agreement %s is %s, expected %s", a.ID, stored.Status, expect)
	}
	a.UpdatedAt = time.Now()
	a.CreatedAt = stored.CreatedAt
	m.agreements[a.ID] = cloneAgreement(a)
	return nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Agreement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Agreement
	for _, a := range m.agreements {
		if a.PartyFor(userID) != nil {
			out = append(out, cloneAgreement(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
