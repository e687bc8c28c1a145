// Package bankaccount manages the bank accounts owners withdraw to.
//
// An owner with any accounts has exactly one default. The default cannot be
// deleted while other accounts exist; it must be moved first.
package bankaccount

import (
	"context"
	"fmt"
	"time"

	"github.com/safehold/safehold/internal/apperr"
)

// Account is a withdrawal destination.
type Account struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"ownerId"`
	BankName      string    `json:"bankName"`
	BankCode      string    `json:"bankCode,omitempty"`
	AccountNumber string    `json:"accountNumber"`
	AccountName   string    `json:"accountName"`
	IsDefault     bool      `json:"isDefault"`
	IsVerified    bool      `json:"isVerified"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Store persists bank accounts. Writes join the transaction carried by ctx.
type Store interface {
	// LockOwner serializes changes to one owner's accounts until the
	// transaction ends.
	LockOwner(ctx context.Context, ownerID string) error
	Insert(ctx context.Context, a *Account) error
	Get(ctx context.Context, id string) (*Account, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*Account, error)
	SetDefault(ctx context.Context, ownerID, id string) error
	Delete(ctx context.Context, id string) error
}

// Resolver looks up the registered name on an account.
type Resolver interface {
	ResolveAccountName(ctx context.Context, accountNumber, bankCode string) (string, error)
}

// CreateRequest is the body of POST /v1/bank-accounts.
type CreateRequest struct {
	BankName      string `json:"bankName" binding:"required"`
	BankCode      string `json:"bankCode"`
	AccountNumber string `json:"accountNumber" binding:"required"`
	AccountName   string `json:"accountName"`
	MakeDefault   bool   `json:"makeDefault"`
}

func notFound(id string) error {
	return fmt.Errorf("bank account %s: %w", id, apperr.ErrNotFound)
}
