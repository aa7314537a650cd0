package orders

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tobenna/marketledger/internal/apperr"
	"github.com/tobenna/marketledger/internal/idgen"
)

// MemoryStore is an in-memory order store for development and tests.
type MemoryStore struct {
	mu     sync.Mutex
	orders map[Kind]map[string]Settleable
}

// NewMemoryStore creates a new in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: map[Kind]map[string]Settleable{
		KindDelivery: {},
		KindFood:     {},
		KindLaundry:  {},
		KindProduct:  {},
	}}
}

func clone(o Settleable) Settleable {
	switch t := o.(type) {
	case *DeliveryOrder:
		cp := *t
		return &cp
	case *FoodOrder:
		cp := *t
		cp.Items = append([]LineItem(nil), t.Items...)
		return &cp
	case *LaundryOrder:
		cp := *t
		cp.Items = append([]LineItem(nil), t.Items...)
		return &cp
	case *ProductOrder:
		cp := *t
		cp.Items = append([]LineItem(nil), t.Items...)
		return &cp
	}
	return nil
}

func (m *MemoryStore) Create(ctx context.Context, o Settleable) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := core(o)
	if c.ID == "" {
		c.ID = idgen.New()
	}
	if _, exists := m.orders[o.OrderKind()][c.ID]; exists {
		return apperr.Conflict("order %s already exists", c.ID)
	}
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now
	m.orders[o.OrderKind()][c.ID] = clone(o)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, kind Kind, id string) (Settleable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[kind][id]
	if !ok {
		return nil, apperr.NotFound("order %s not found", id)
	}
	return clone(o), nil
}

func (m *MemoryStore) Update(ctx context.Context, o Settleable, expect Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.orders[o.OrderKind()][o.OrderID()]
	if !ok {
		return apperr.NotFound("order %s not found", o.OrderID())
	}
	if stored.OrderStatus() != expect {
		return apperr.Conflict("order %s is %s, expected %s", o.OrderID(), stored.OrderStatus(), expect)
	}
	m.orders[o.OrderKind()][o.OrderID()] = clone(o)
	return nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]Settleable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	var out []Settleable
	for _, byID := range m.orders {
		for _, o := range byID {
			if o.Payer() == userID || o.Payee() == userID {
				out = append(out, clone(o))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return core(out[i]).CreatedAt.After(core(out[j]).CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
