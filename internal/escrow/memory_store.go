package escrow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/safehold/safehold/internal/apperr"
	"github.com/safehold/safehold/internal/dbtx"
	"github.com/safehold/safehold/internal/pagination"
)

// MemoryStore is an in-memory Store for development and tests. Row locks
// and rollback come from dbtx.MemoryRunner.
type MemoryStore struct {
	mu      sync.RWMutex
	escrows map[string]*Escrow
	events  map[string][]*Event // by escrow ID
}

// NewMemoryStore creates an empty in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Escrow),
		events:  make(map[string][]*Event),
	}
}

func (m *MemoryStore) Create(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.escrows[e.ID]; ok {
		return fmt.Errorf("%w: escrow %s exists", apperr.ErrConstraintViolation, e.ID)
	}
	cp := *e
	m.escrows[e.ID] = &cp
	dbtx.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.escrows, e.ID)
	})
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.escrows[id]
	if !ok {
		return nil, notFound(id)
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) GetForUpdate(ctx context.Context, id string) (*Escrow, error) {
	if err := dbtx.Lock(ctx, "escrow:"+id); err != nil {
		return nil, err
	}
	return m.Get(ctx, id)
}

func (m *MemoryStore) Update(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.escrows[e.ID]
	if !ok {
		return notFound(e.ID)
	}
	cp := *e
	m.escrows[e.ID] = &cp
	dbtx.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.escrows[e.ID] = prev
	})
	return nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, ev *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.escrows[ev.EscrowID]; !ok {
		return notFound(ev.EscrowID)
	}
	cp := *ev
	m.events[ev.EscrowID] = append(m.events[ev.EscrowID], &cp)
	dbtx.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		list := m.events[ev.EscrowID]
		for i, existing := range list {
			if existing.ID == ev.ID {
				m.events[ev.EscrowID] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	})
	return nil
}

func (m *MemoryStore) ListEvents(_ context.Context, escrowID string) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Event, 0, len(m.events[escrowID]))
	for _, ev := range m.events[escrowID] {
		cp := *ev
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) ListForParty(_ context.Context, ownerID, email string, cursor *pagination.Cursor, limit int) ([]*Escrow, error) {
	return m.list(cursor, limit, func(e *Escrow) bool {
		return e.ClientID == ownerID ||
			(e.VendorID != "" && e.VendorID == ownerID) ||
			(e.VendorID == "" && email != "" && strings.EqualFold(e.VendorEmail, email))
	}), nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status, cursor *pagination.Cursor, limit int) ([]*Escrow, error) {
	return m.list(cursor, limit, func(e *Escrow) bool {
		return status == "" || e.Status == status
	}), nil
}

func (m *MemoryStore) ListOverdue(_ context.Context, now time.Time, limit int) ([]*Escrow, error) {
	return m.list(nil, limit, func(e *Escrow) bool {
		return (e.Status == StatusFunded || e.Status == StatusInProgress) &&
			e.DueDate != nil && e.DueDate.Before(now)
	}), nil
}

func (m *MemoryStore) list(cursor *pagination.Cursor, limit int, match func(*Escrow) bool) []*Escrow {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if !match(e) || !cursor.Before(e.CreatedAt, e.ID) {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

var _ Store = (*MemoryStore)(nil)
