package disputes

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tobenna/marketledger/internal/apperr"
	"github.com/tobenna/marketledger/internal/pagination"
)

// MemoryStore is an in-memory Store for tests and dev.
type MemoryStore struct {
	mu       sync.Mutex
	disputes map[string]*Dispute
	messages map[string][]*Message
}

// NewMemoryStore creates an empty in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		disputes: make(map[string]*Dispute),
		messages: make(map[string][]*Message),
	}
}

func cloneDispute(d *Dispute) *Dispute {
	cp := *d
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.disputes[d.ID]; exists {
		return apperr.Conflict("dispute %s already exists", d.ID)
	}
	now := time.Now()
	d.CreatedAt = now
	d.UpdatedAt = now
	m.disputes[d.ID] = cloneDispute(d)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, apperr.NotFound("dispute %s not found", id)
	}
	return cloneDispute(d), nil
}

func (m *MemoryStore) Update(ctx context.Context, d *Dispute, expect Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.disputes[d.ID]
	if !ok {
		return apperr.NotFound("dispute %s not found", d.ID)
	}
	if stored.Status != expect {
		return apperr.Conflict("dispute %s is %s, expected %s", d.ID, stored.Status, expect)
	}
	d.UpdatedAt = time.Now()
	d.CreatedAt = stored.CreatedAt
	m.disputes[d.ID] = cloneDispute(d)
	return nil
}

func (m *MemoryStore) AddMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.disputes[msg.DisputeID]; !ok {
		return apperr.NotFound("dispute %s not found", msg.DisputeID)
	}
	msg.CreatedAt = time.Now()
	cp := *msg
	cp.Attachments = append([]string(nil), msg.Attachments...)
	m.messages[msg.DisputeID] = append(m.messages[msg.DisputeID], &cp)
	return nil
}

func (m *MemoryStore) Messages(ctx context.Context, disputeID string, limit int) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := m.messages[disputeID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*Message, len(msgs))
	for i, msg := range msgs {
		cp := *msg
		out[i] = &cp
	}
	return out, nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int, before *pagination.Cursor) ([]*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Dispute
	for _, d := range m.disputes {
		if !d.Participant(userID) {
			continue
		}
		if before != nil && !beforeCursor(d, before) {
			continue
		}
		out = append(out, cloneDispute(d))
	}
	return sortAndTrim(out, limit), nil
}

func beforeCursor(d *Dispute, c *pagination.Cursor) bool {
	if d.CreatedAt.Equal(c.CreatedAt) {
		return d.ID < c.ID
	}
	return d.CreatedAt.Before(c.CreatedAt)
}

func (m *MemoryStore) ListActive(ctx context.Context, limit int) ([]*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Dispute
	for _, d := range m.disputes {
		if d.Status.Active() {
			out = append(out, cloneDispute(d))
		}
	}
	return sortAndTrim(out, limit), nil
}

func sortAndTrim(out []*Dispute, limit int) []*Dispute {
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
