package bankaccount

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/safehold/safehold/internal/apperr"
	"github.com/safehold/safehold/internal/dbtx"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account
}

// NewMemoryStore creates an empty in-memory bank account store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]*Account)}
}

func (m *MemoryStore) LockOwner(ctx context.Context, ownerID string) error {
	return dbtx.Lock(ctx, "bank:"+ownerID)
}

func (m *MemoryStore) Insert(ctx context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.accounts {
		if existing.OwnerID == a.OwnerID && existing.BankName == a.BankName && existing.AccountNumber == a.AccountNumber {
			return fmt.Errorf("%w: account %s at %s is already saved", apperr.ErrConstraintViolation, a.AccountNumber, a.BankName)
		}
		if a.IsDefault && existing.OwnerID == a.OwnerID && existing.IsDefault {
			return fmt.Errorf("%w: owner already has a default account", apperr.ErrConstraintViolation)
		}
	}
	cp := *a
	m.accounts[a.ID] = &cp
	dbtx.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.accounts, a.ID)
	})
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, notFound(id)
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) ListByOwner(_ context.Context, ownerID string) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := []*Account{}
	for _, a := range m.accounts {
		if a.OwnerID == ownerID {
			cp := *a
			result = append(result, &cp)
		}
	}
	sortAccounts(result)
	return result, nil
}

func (m *MemoryStore) SetDefault(ctx context.Context, ownerID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	target, ok := m.accounts[id]
	if !ok || target.OwnerID != ownerID {
		return notFound(id)
	}
	prev := make(map[string]bool)
	for _, a := range m.accounts {
		if a.OwnerID == ownerID {
			prev[a.ID] = a.IsDefault
			a.IsDefault = a.ID == id
		}
	}
	dbtx.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for accountID, wasDefault := range prev {
			if a, ok := m.accounts[accountID]; ok {
				a.IsDefault = wasDefault
			}
		}
	})
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return notFound(id)
	}
	delete(m.accounts, id)
	dbtx.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.accounts[id] = a
	})
	return nil
}

// sortAccounts orders the default first, then oldest first.
func sortAccounts(accounts []*Account) {
	sort.Slice(accounts, func(i, j int) bool {
		if accounts[i].IsDefault != accounts[j].IsDefault {
			return accounts[i].IsDefault
		}
		if !accounts[i].CreatedAt.Equal(accounts[j].CreatedAt) {
			return accounts[i].CreatedAt.Before(accounts[j].CreatedAt)
		}
		return accounts[i].ID < accounts[j].ID
	})
}

var _ Store = (*MemoryStore)(nil)
