package notify

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/safehold/safehold/internal/apperr"
	"github.com/safehold/safehold/internal/pagination"
)

// Store persists notifications.
type Store interface {
	Insert(ctx context.Context, n *Notification) error
	// List returns the owner's notifications newest first.
	List(ctx context.Context, ownerID string, unreadOnly bool, cursor *pagination.Cursor, limit int) ([]*Notification, error)
	// MarkRead fails with apperr.ErrNotFound unless id belongs to ownerID.
	MarkRead(ctx context.Context, ownerID, id string) error
	UnreadCount(ctx context.Context, ownerID string) (int, error)
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*Notification
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*Notification)}
}

func (m *MemoryStore) Insert(_ context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[n.ID]; ok {
		return fmt.Errorf("%w: notification %s exists", apperr.ErrConstraintViolation, n.ID)
	}
	cp := *n
	m.items[n.ID] = &cp
	return nil
}

func (m *MemoryStore) List(_ context.Context, ownerID string, unreadOnly bool, cursor *pagination.Cursor, limit int) ([]*Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Notification
	for _, n := range m.items {
		if n.OwnerID != ownerID || (unreadOnly && n.Read) {
			continue
		}
		if !cursor.Before(n.CreatedAt, n.ID) {
			continue
		}
		cp := *n
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) MarkRead(_ context.Context, ownerID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.items[id]
	if !ok || n.OwnerID != ownerID {
		return fmt.Errorf("notification %s: %w", id, apperr.ErrNotFound)
	}
	n.Read = true
	return nil
}

func (m *MemoryStore) UnreadCount(_ context.Context, ownerID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, n := range m.items {
		if n.OwnerID == ownerID && !n.Read {
			count++
		}
	}
	return count, nil
}

var _ Store = (*MemoryStore)(nil)
