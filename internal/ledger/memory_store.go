package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/safehold/safehold/internal/apperr"
	"github.com/safehold/safehold/internal/dbtx"
	"github.com/safehold/safehold/internal/idgen"
	"github.com/safehold/safehold/internal/money"
	"github.com/safehold/safehold/internal/pagination"
)

// MemoryStore is an in-memory Store for development and tests. Row locks
// and rollback come from dbtx.MemoryRunner.
type MemoryStore struct {
	mu          sync.RWMutex
	wallets     map[string]*Wallet // by owner ID
	walletsByID map[string]*Wallet
	entries     map[string]*Entry
	byReference map[string]string // external reference -> entry ID
}

// NewMemoryStore creates an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:     make(map[string]*Wallet),
		walletsByID: make(map[string]*Wallet),
		entries:     make(map[string]*Entry),
		byReference: make(map[string]string),
	}
}

func walletLockKey(ownerID string) string { return "wallet:" + ownerID }

func (m *MemoryStore) GetWallet(_ context.Context, ownerID string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.wallets[ownerID]
	if !ok {
		return nil, fmt.Errorf("wallet for %s: %w", ownerID, apperr.ErrNotFound)
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) LockWallet(ctx context.Context, ownerID string) (*Wallet, error) {
	if err := dbtx.Lock(ctx, walletLockKey(ownerID)); err != nil {
		return nil, err
	}
	return m.GetWallet(ctx, ownerID)
}

// ShareWallet takes the same exclusive lock as LockWallet; the memory
// runner has no shared locks.
func (m *MemoryStore) ShareWallet(ctx context.Context, ownerID string) (*Wallet, error) {
	return m.LockWallet(ctx, ownerID)
}

func (m *MemoryStore) OpenWallet(ctx context.Context, ownerID, currency string) (*Wallet, error) {
	if err := dbtx.Lock(ctx, walletLockKey(ownerID)); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if _, ok := m.wallets[ownerID]; !ok {
		now := time.Now().UTC()
		w := &Wallet{ID: idgen.New(), OwnerID: ownerID, Currency: currency, CreatedAt: now, UpdatedAt: now}
		m.wallets[ownerID] = w
		m.walletsByID[w.ID] = w
		dbtx.OnRollback(ctx, func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.wallets, ownerID)
			delete(m.walletsByID, w.ID)
		})
	}
	m.mu.Unlock()

	return m.GetWallet(ctx, ownerID)
}

func (m *MemoryStore) SetBalance(ctx context.Context, walletID string, balance money.Amount, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.walletsByID[walletID]
	if !ok {
		return fmt.Errorf("wallet %s: %w", walletID, apperr.ErrNotFound)
	}
	if balance < 0 {
		return fmt.Errorf("%w: wallet balance cannot be negative", apperr.ErrConstraintViolation)
	}
	prevBalance, prevUpdated := w.Balance, w.UpdatedAt
	w.Balance, w.UpdatedAt = balance, at
	dbtx.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		w.Balance, w.UpdatedAt = prevBalance, prevUpdated
	})
	return nil
}

func (m *MemoryStore) ListWallets(_ context.Context, afterID string, limit int) ([]*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Wallet, 0, len(m.walletsByID))
	for id, w := range m.walletsByID {
		if id > afterID {
			cp := *w
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) LockReference(ctx context.Context, reference string) error {
	return dbtx.Lock(ctx, "ref:"+reference)
}

func (m *MemoryStore) InsertEntry(ctx context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ExternalReference != "" {
		if _, exists := m.byReference[e.ExternalReference]; exists {
			return fmt.Errorf("reference %s: %w", e.ExternalReference, apperr.ErrDuplicateReference)
		}
		m.byReference[e.ExternalReference] = e.ID
	}
	cp := *e
	m.entries[e.ID] = &cp
	dbtx.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.entries, e.ID)
		if e.ExternalReference != "" {
			delete(m.byReference, e.ExternalReference)
		}
	})
	return nil
}

func (m *MemoryStore) SettleEntry(ctx context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.entries[e.ID]
	if !ok {
		return fmt.Errorf("entry %s: %w", e.ID, apperr.ErrNotFound)
	}
	if stored.Status == StatusCompleted {
		return fmt.Errorf("%w: entry %s is %s", apperr.ErrInvalidTransition, e.ID, stored.Status)
	}
	prev := *stored
	*stored = *e
	dbtx.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		*stored = prev
	})
	return nil
}

func (m *MemoryStore) GetEntryByReference(_ context.Context, reference string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byReference[reference]
	if !ok {
		return nil, fmt.Errorf("reference %s: %w", reference, apperr.ErrNotFound)
	}
	cp := *m.entries[id]
	return &cp, nil
}

func (m *MemoryStore) ListEntries(_ context.Context, ownerID string, cursor *pagination.Cursor, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Entry
	for _, e := range m.entries {
		if e.OwnerID == ownerID && cursor.Before(e.CreatedAt, e.ID) {
			cp := *e
			result = append(result, &cp)
		}
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

func (m *MemoryStore) SumCompleted(_ context.Context, walletID string) (money.Amount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var sum money.Amount
	for _, e := range m.entries {
		if e.WalletID != walletID || e.Status != StatusCompleted {
			continue
		}
		var err error
		if sum, err = sum.Add(e.Signed()); err != nil {
			return 0, err
		}
	}
	return sum, nil
}

var _ Store = (*MemoryStore)(nil)
