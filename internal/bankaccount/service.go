package bankaccount

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/safehold/safehold/internal/apperr"
	"github.com/safehold/safehold/internal/dbtx"
	"github.com/safehold/safehold/internal/idgen"
	"github.com/safehold/safehold/internal/validation"
)

const maxNameLength = 100

// Service applies the default-account rules on top of a Store.
type Service struct {
	store    Store
	runner   dbtx.Runner
	resolver Resolver
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a bank account service.
func NewService(store Store, runner dbtx.Runner) *Service {
	return &Service{
		store:  store,
		runner: runner,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithResolver verifies account names against the payment gateway when a
// bank code is supplied.
func (s *Service) WithResolver(r Resolver) *Service {
	s.resolver = r
	return s
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(logger *slog.Logger) *Service {
	s.logger = logger
	return s
}

// Create adds an account. The owner's first account becomes the default.
func (s *Service) Create(ctx context.Context, ownerID string, req CreateRequest) (*Account, error) {
	a := &Account{
		ID:            idgen.New(),
		OwnerID:       ownerID,
		BankName:      validation.SanitizeString(req.BankName, maxNameLength),
		BankCode:      validation.SanitizeString(req.BankCode, 16),
		AccountNumber: validation.SanitizeString(req.AccountNumber, 32),
		AccountName:   validation.SanitizeString(req.AccountName, maxNameLength),
		CreatedAt:     s.now(),
	}
	if err := validation.Validate(
		validation.Required("bankName", a.BankName),
		validation.AccountNumber("accountNumber", a.AccountNumber),
	); err != nil {
		return nil, err
	}

	if s.resolver != nil && a.BankCode != "" {
		name, err := s.resolver.ResolveAccountName(ctx, a.AccountNumber, a.BankCode)
		switch {
		case err == nil:
			a.AccountName = name
			a.IsVerified = true
		case errors.Is(err, apperr.ErrGatewayUnavailable) && a.AccountName != "":
			s.logger.Warn("account name resolution unavailable, saving unverified",
				"owner_id", ownerID, "error", err)
		default:
			return nil, err
		}
	}
	if a.AccountName == "" {
		return nil, validation.ValidationErrors{{Field: "accountName", Message: "is required"}}
	}

	err := s.runner.InTx(ctx, func(ctx context.Context) error {
		if err := s.store.LockOwner(ctx, ownerID); err != nil {
			return err
		}
		existing, err := s.store.ListByOwner(ctx, ownerID)
		if err != nil {
			return err
		}
		a.IsDefault = len(existing) == 0
		if err := s.store.Insert(ctx, a); err != nil {
			return err
		}
		if req.MakeDefault && !a.IsDefault {
			if err := s.store.SetDefault(ctx, ownerID, a.ID); err != nil {
				return err
			}
			a.IsDefault = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// List returns the owner's accounts, default first.
func (s *Service) List(ctx context.Context, ownerID string) ([]*Account, error) {
	return s.store.ListByOwner(ctx, ownerID)
}

// SetDefault makes id the owner's default account.
func (s *Service) SetDefault(ctx context.Context, ownerID, id string) (*Account, error) {
	var result *Account
	err := s.runner.InTx(ctx, func(ctx context.Context) error {
		if err := s.store.LockOwner(ctx, ownerID); err != nil {
			return err
		}
		a, err := s.owned(ctx, ownerID, id)
		if err != nil {
			return err
		}
		if !a.IsDefault {
			if err := s.store.SetDefault(ctx, ownerID, id); err != nil {
				return err
			}
			a.IsDefault = true
		}
		result = a
		return nil
	})
	return result, err
}

// Delete removes an account. The default can only go when it is the
// owner's last account.
func (s *Service) Delete(ctx context.Context, ownerID, id string) error {
	return s.runner.InTx(ctx, func(ctx context.Context) error {
		if err := s.store.LockOwner(ctx, ownerID); err != nil {
			return err
		}
		a, err := s.owned(ctx, ownerID, id)
		if err != nil {
			return err
		}
		if a.IsDefault {
			all, err := s.store.ListByOwner(ctx, ownerID)
			if err != nil {
				return err
			}
			if len(all) > 1 {
				return fmt.Errorf("%w: choose another default before deleting this account", apperr.ErrConstraintViolation)
			}
		}
		return s.store.Delete(ctx, id)
	})
}

// CheckWithdrawalAccount confirms id is one of the owner's accounts.
func (s *Service) CheckWithdrawalAccount(ctx context.Context, ownerID, id string) error {
	_, err := s.owned(ctx, ownerID, id)
	return err
}

// owned loads an account of ownerID. Ids that are not UUIDs never reach the
// store, where the uuid column would reject them as a query error.
func (s *Service) owned(ctx context.Context, ownerID, id string) (*Account, error) {
	if !idgen.Valid(id) {
		return nil, notFound(id)
	}
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.OwnerID != ownerID {
		return nil, notFound(id)
	}
	return a, nil
}
