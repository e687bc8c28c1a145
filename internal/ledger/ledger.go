// Package ledger owns user wallets and their append-only transaction log.
//
// Every balance change is a posting: a pending entry is written, the
// wallet row is locked and its balance moved, and the entry is marked
// completed, all inside one dbtx transaction. A wallet's balance therefore
// always equals the signed sum of its completed entries:
//
//	deposit, escrow_release, refund  credit (+amount)
//	withdrawal, escrow_fund          debit  (-amount)
//
// External references are unique; posting a reference that has already
// completed returns the existing entry with apperr.ErrDuplicateReference,
// which callers treat as success.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/safehold/safehold/internal/apperr"
	"github.com/safehold/safehold/internal/dbtx"
	"github.com/safehold/safehold/internal/idgen"
	"github.com/safehold/safehold/internal/metrics"
	"github.com/safehold/safehold/internal/money"
	"github.com/safehold/safehold/internal/pagination"
	"github.com/safehold/safehold/internal/traces"
)

// Kind is the type of a ledger entry.
type Kind string

const (
	KindDeposit       Kind = "deposit"
	KindWithdrawal    Kind = "withdrawal"
	KindEscrowFund    Kind = "escrow_fund"
	KindEscrowRelease Kind = "escrow_release"
	KindRefund        Kind = "refund"
)

// IsCredit reports whether entries of this kind increase the balance.
func (k Kind) IsCredit() bool {
	switch k {
	case KindDeposit, KindEscrowRelease, KindRefund:
		return true
	}
	return false
}

// Status is the lifecycle state of a ledger entry.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Wallet is a user's balance. One per owner, created on first credit.
type Wallet struct {
	ID        string       `json:"id,omitempty"`
	OwnerID   string       `json:"ownerId"`
	Balance   money.Amount `json:"balance"`
	Currency  string       `json:"currency"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// Entry is one row of a wallet's transaction log.
type Entry struct {
	ID                string       `json:"id"`
	WalletID          string       `json:"walletId,omitempty"`
	OwnerID           string       `json:"ownerId"`
	Kind              Kind         `json:"kind"`
	Amount            money.Amount `json:"amount"`
	Fee               money.Amount `json:"fee"`
	BalanceAfter      money.Amount `json:"balanceAfter"`
	Description       string       `json:"description,omitempty"`
	ExternalReference string       `json:"externalReference,omitempty"`
	Status            Status       `json:"status"`
	RelatedEscrowID   string       `json:"relatedEscrowId,omitempty"`
	BankAccountID     string       `json:"bankAccountId,omitempty"`
	FailureReason     string       `json:"failureReason,omitempty"`
	CreatedAt         time.Time    `json:"createdAt"`
	CompletedAt       *time.Time   `json:"completedAt,omitempty"`
}

// Signed returns the entry's contribution to its wallet balance.
func (e *Entry) Signed() money.Amount {
	if e.Kind.IsCredit() {
		return e.Amount
	}
	return -e.Amount
}

// Store persists wallets and entries. Methods that take a lock hold it
// until the transaction carried by ctx ends.
type Store interface {
	// GetWallet returns the owner's wallet or apperr.ErrNotFound.
	GetWallet(ctx context.Context, ownerID string) (*Wallet, error)
	// LockWallet is GetWallet plus a row lock.
	LockWallet(ctx context.Context, ownerID string) (*Wallet, error)
	// ShareWallet is GetWallet plus a lock that keeps postings to the
	// wallet from committing until the transaction ends.
	ShareWallet(ctx context.Context, ownerID string) (*Wallet, error)
	// OpenWallet returns the owner's wallet, creating a zero-balance one
	// if needed, with the row locked.
	OpenWallet(ctx context.Context, ownerID, currency string) (*Wallet, error)
	SetBalance(ctx context.Context, walletID string, balance money.Amount, at time.Time) error
	ListWallets(ctx context.Context, afterID string, limit int) ([]*Wallet, error)

	// LockReference serializes transactions posting the same reference.
	LockReference(ctx context.Context, reference string) error
	// InsertEntry fails with apperr.ErrDuplicateReference on a reused reference.
	InsertEntry(ctx context.Context, e *Entry) error
	// SettleEntry writes the final state of an entry that is pending, or a
	// failed one being completed. It fails with apperr.ErrInvalidTransition
	// if the entry has already completed.
	SettleEntry(ctx context.Context, e *Entry) error
	GetEntryByReference(ctx context.Context, reference string) (*Entry, error)
	ListEntries(ctx context.Context, ownerID string, cursor *pagination.Cursor, limit int) ([]*Entry, error)
	// SumCompleted returns the signed sum of a wallet's completed entries.
	SumCompleted(ctx context.Context, walletID string) (money.Amount, error)
}

// AccountChecker confirms a withdrawal destination belongs to the owner.
type AccountChecker interface {
	CheckWithdrawalAccount(ctx context.Context, ownerID, accountID string) error
}

// EntryObserver is told about every committed entry.
type EntryObserver func(e *Entry)

// Ledger applies postings to wallets.
type Ledger struct {
	store         Store
	runner        dbtx.Runner
	currency      string
	withdrawalFee money.Amount
	accounts      AccountChecker
	observers     []EntryObserver
	logger        *slog.Logger
	now           func() time.Time
}

// New creates a ledger over store. All postings run through runner.
func New(store Store, runner dbtx.Runner) *Ledger {
	return &Ledger{
		store:    store,
		runner:   runner,
		currency: money.DefaultCurrency,
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithWithdrawalFee sets the flat fee added to every withdrawal.
func (l *Ledger) WithWithdrawalFee(fee money.Amount) *Ledger {
	l.withdrawalFee = fee
	return l
}

// WithAccountChecker validates withdrawal destinations.
func (l *Ledger) WithAccountChecker(c AccountChecker) *Ledger {
	l.accounts = c
	return l
}

// WithObserver registers fn to run after each committed entry.
func (l *Ledger) WithObserver(fn EntryObserver) *Ledger {
	l.observers = append(l.observers, fn)
	return l
}

func (l *Ledger) WithLogger(logger *slog.Logger) *Ledger {
	l.logger = logger
	return l
}

func (l *Ledger) WithCurrency(currency string) *Ledger {
	l.currency = currency
	return l
}

// WithdrawalFee returns the configured flat withdrawal fee.
func (l *Ledger) WithdrawalFee() money.Amount { return l.withdrawalFee }

// posting describes one balance change.
type posting struct {
	ownerID       string
	kind          Kind
	amount        money.Amount // total moved, fee included
	fee           money.Amount
	description   string
	reference     string
	escrowID      string
	bankAccountID string
}

// Deposit credits amount to the owner's wallet, opening it if needed.
// A reference that already completed returns that entry unchanged along
// with apperr.ErrDuplicateReference. A pending or failed entry for the
// reference (opened by OpenDeposit) is completed with the confirmed amount:
// a confirmed payment outranks an earlier failure.
func (l *Ledger) Deposit(ctx context.Context, ownerID string, amount money.Amount, reference string) (*Entry, error) {
	if err := validate(ownerID, amount); err != nil {
		return nil, err
	}
	return l.post(ctx, posting{
		ownerID:     ownerID,
		kind:        KindDeposit,
		amount:      amount,
		description: "Wallet funding",
		reference:   reference,
	})
}

// OpenDeposit records a pending deposit for a payment the gateway has not
// confirmed yet. The wallet is not touched.
func (l *Ledger) OpenDeposit(ctx context.Context, ownerID string, amount money.Amount, reference string) (*Entry, error) {
	if err := validate(ownerID, amount); err != nil {
		return nil, err
	}
	if reference == "" {
		return nil, fmt.Errorf("%w: reference required", apperr.ErrInvalidInput)
	}
	entry := &Entry{
		ID:                idgen.New(),
		OwnerID:           ownerID,
		Kind:              KindDeposit,
		Amount:            amount,
		Description:       "Wallet funding",
		ExternalReference: reference,
		Status:            StatusPending,
		CreatedAt:         l.now(),
	}
	if err := l.store.InsertEntry(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// FailDeposit marks the pending deposit for reference failed. Failing an
// already-failed entry is a no-op; a completed one is an invalid transition.
func (l *Ledger) FailDeposit(ctx context.Context, reference, reason string) (*Entry, error) {
	var entry *Entry
	err := l.runner.InTx(ctx, func(ctx context.Context) error {
		if err := l.store.LockReference(ctx, reference); err != nil {
			return err
		}
		e, err := l.store.GetEntryByReference(ctx, reference)
		if err != nil {
			return err
		}
		entry = e
		switch e.Status {
		case StatusFailed:
			return nil
		case StatusCompleted:
			return fmt.Errorf("%w: reference %s already completed", apperr.ErrInvalidTransition, reference)
		}
		now := l.now()
		e.Status = StatusFailed
		e.FailureReason = reason
		e.CompletedAt = &now
		return l.store.SettleEntry(ctx, e)
	})
	if err != nil {
		return entry, err
	}
	return entry, nil
}

// WithdrawRequest is a request to move funds out to a bank account.
type WithdrawRequest struct {
	OwnerID        string
	Amount         money.Amount
	BankAccountID  string
	IdempotencyKey string
}

// Withdraw debits amount plus the withdrawal fee. The debit is final once
// recorded; paying out to the bank is settled elsewhere.
func (l *Ledger) Withdraw(ctx context.Context, req WithdrawRequest) (*Entry, error) {
	if err := validate(req.OwnerID, req.Amount); err != nil {
		return nil, err
	}
	if req.BankAccountID == "" {
		return nil, fmt.Errorf("%w: bank account required", apperr.ErrInvalidInput)
	}
	total, err := req.Amount.Add(l.withdrawalFee)
	if err != nil {
		return nil, err
	}

	var reference string
	if req.IdempotencyKey != "" {
		reference = "withdrawal:" + req.OwnerID + ":" + req.IdempotencyKey
	}

	var entry *Entry
	err = l.runner.InTx(ctx, func(ctx context.Context) error {
		if l.accounts != nil {
			if err := l.accounts.CheckWithdrawalAccount(ctx, req.OwnerID, req.BankAccountID); err != nil {
				return err
			}
		}
		var err error
		entry, err = l.post(ctx, posting{
			ownerID:       req.OwnerID,
			kind:          KindWithdrawal,
			amount:        total,
			fee:           l.withdrawalFee,
			description:   "Withdrawal to bank account",
			reference:     reference,
			bankAccountID: req.BankAccountID,
		})
		return err
	})
	if errors.Is(err, apperr.ErrDuplicateReference) {
		return entry, err
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// FundEscrow debits amount+fee from the client for escrow escrowID.
func (l *Ledger) FundEscrow(ctx context.Context, clientID, escrowID string, amount, fee money.Amount, description string) error {
	total, err := amount.Add(fee)
	if err != nil {
		return err
	}
	_, err = l.post(ctx, posting{
		ownerID:     clientID,
		kind:        KindEscrowFund,
		amount:      total,
		fee:         fee,
		description: description,
		reference:   "escrow:" + escrowID + ":fund",
		escrowID:    escrowID,
	})
	return err
}

// ReleaseEscrow credits the vendor with the escrow amount.
func (l *Ledger) ReleaseEscrow(ctx context.Context, vendorID, escrowID string, amount money.Amount, description string) error {
	_, err := l.post(ctx, posting{
		ownerID:     vendorID,
		kind:        KindEscrowRelease,
		amount:      amount,
		description: description,
		reference:   "escrow:" + escrowID + ":release",
		escrowID:    escrowID,
	})
	return err
}

// RefundEscrow credits the client with amount for a refunded escrow.
func (l *Ledger) RefundEscrow(ctx context.Context, clientID, escrowID string, amount money.Amount, description string) error {
	_, err := l.post(ctx, posting{
		ownerID:     clientID,
		kind:        KindRefund,
		amount:      amount,
		description: description,
		reference:   "escrow:" + escrowID + ":refund",
		escrowID:    escrowID,
	})
	return err
}

func (l *Ledger) post(ctx context.Context, p posting) (entry *Entry, err error) {
	ctx, span := traces.StartSpan(ctx, "ledger."+string(p.kind),
		traces.OwnerID(p.ownerID), traces.Amount(p.amount), traces.Reference(p.reference), traces.EntryKind(string(p.kind)))
	defer func() {
		if errors.Is(err, apperr.ErrDuplicateReference) {
			traces.End(span, nil)
			return
		}
		traces.End(span, err)
	}()
	defer metrics.ObserveLedgerOp(string(p.kind))()

	err = l.runner.InTx(ctx, func(ctx context.Context) error {
		var pending *Entry
		if p.reference != "" {
			if err := l.store.LockReference(ctx, p.reference); err != nil {
				return err
			}
			existing, err := l.store.GetEntryByReference(ctx, p.reference)
			switch {
			case errors.Is(err, apperr.ErrNotFound):
			case err != nil:
				return err
			case existing.OwnerID != p.ownerID || existing.Kind != p.kind:
				return fmt.Errorf("%w: reference %s belongs to another %s entry", apperr.ErrConstraintViolation, p.reference, existing.Kind)
			case existing.Status == StatusCompleted:
				entry = existing
				return fmt.Errorf("reference %s: %w", p.reference, apperr.ErrDuplicateReference)
			case existing.Status == StatusFailed && p.kind != KindDeposit:
				return fmt.Errorf("%w: reference %s already failed", apperr.ErrConstraintViolation, p.reference)
			case existing.Status == StatusFailed:
				l.logger.Warn("completing a failed deposit on confirmed payment",
					"reference", p.reference, "owner_id", p.ownerID, "failure_reason", existing.FailureReason)
				existing.FailureReason = ""
				pending = existing
			default:
				pending = existing
			}
		}

		wallet, err := l.walletFor(ctx, p)
		if err != nil {
			return err
		}

		var balance money.Amount
		if p.kind.IsCredit() {
			balance, err = wallet.Balance.Add(p.amount)
		} else {
			balance, err = wallet.Balance.Sub(p.amount)
			if errors.Is(err, money.ErrNegativeResult) {
				return fmt.Errorf("%w: balance %s, required %s", apperr.ErrInsufficientFunds, wallet.Balance, p.amount)
			}
		}
		if err != nil {
			return err
		}

		now := l.now()
		if pending == nil {
			pending = &Entry{
				ID:                idgen.New(),
				WalletID:          wallet.ID,
				OwnerID:           p.ownerID,
				Kind:              p.kind,
				Amount:            p.amount,
				Fee:               p.fee,
				Description:       p.description,
				ExternalReference: p.reference,
				Status:            StatusPending,
				RelatedEscrowID:   p.escrowID,
				BankAccountID:     p.bankAccountID,
				CreatedAt:         now,
			}
			if err := l.store.InsertEntry(ctx, pending); err != nil {
				return err
			}
		}

		pending.WalletID = wallet.ID
		pending.Amount = p.amount
		pending.Fee = p.fee
		pending.BalanceAfter = balance
		pending.Status = StatusCompleted
		pending.CompletedAt = &now

		if err := l.store.SetBalance(ctx, wallet.ID, balance, now); err != nil {
			return err
		}
		if err := l.store.SettleEntry(ctx, pending); err != nil {
			return err
		}

		entry = pending
		committed := *pending
		dbtx.AfterCommit(ctx, func() { l.committed(&committed) })
		return nil
	})
	if err != nil {
		if errors.Is(err, apperr.ErrDuplicateReference) {
			metrics.DuplicateReferencesTotal.WithLabelValues(string(p.kind)).Inc()
			return entry, err
		}
		return nil, err
	}
	return entry, nil
}

// walletFor locks the wallet a posting applies to. Credits open the wallet
// on first use; a debit against a missing wallet is a debit against zero.
func (l *Ledger) walletFor(ctx context.Context, p posting) (*Wallet, error) {
	if p.kind.IsCredit() {
		return l.store.OpenWallet(ctx, p.ownerID, l.currency)
	}
	w, err := l.store.LockWallet(ctx, p.ownerID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, fmt.Errorf("%w: balance 0.00, required %s", apperr.ErrInsufficientFunds, p.amount)
	}
	return w, err
}

func (l *Ledger) committed(e *Entry) {
	metrics.LedgerEntriesTotal.WithLabelValues(string(e.Kind)).Inc()
	for _, fn := range l.observers {
		fn(e)
	}
}

// Balance returns the owner's wallet with its balance checked against the
// ledger. On disagreement the ledger sum wins and the mismatch is logged.
// An owner without a wallet gets a zero balance.
func (l *Ledger) Balance(ctx context.Context, ownerID string) (*Wallet, error) {
	w, sum, err := l.snapshot(ctx, ownerID)
	if errors.Is(err, apperr.ErrNotFound) {
		return &Wallet{OwnerID: ownerID, Currency: l.currency}, nil
	}
	if err != nil {
		return nil, err
	}
	if sum != w.Balance {
		metrics.BalanceMismatchesTotal.Inc()
		l.logger.Error("wallet balance disagrees with ledger",
			"wallet_id", w.ID, "owner_id", ownerID, "stored", w.Balance.String(), "ledger", sum.String())
		w.Balance = sum
	}
	return w, nil
}

// snapshot reads the stored balance and the entry sum of one wallet while
// holding it against postings, so a deposit committing between the two
// reads cannot look like a mismatch.
func (l *Ledger) snapshot(ctx context.Context, ownerID string) (w *Wallet, sum money.Amount, err error) {
	err = l.runner.InTx(ctx, func(ctx context.Context) error {
		if w, err = l.store.ShareWallet(ctx, ownerID); err != nil {
			return err
		}
		if sum, err = l.store.SumCompleted(ctx, w.ID); err != nil {
			return fmt.Errorf("sum entries: %w", err)
		}
		return nil
	})
	return w, sum, err
}

// History returns the owner's entries, newest first.
func (l *Ledger) History(ctx context.Context, ownerID string, cursor *pagination.Cursor, limit int) (pagination.Page[*Entry], error) {
	entries, err := l.store.ListEntries(ctx, ownerID, cursor, limit+1)
	if err != nil {
		return pagination.Page[*Entry]{}, err
	}
	return pagination.Compute(entries, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	}), nil
}

// EntryByReference looks up an entry by its external reference.
func (l *Ledger) EntryByReference(ctx context.Context, reference string) (*Entry, error) {
	return l.store.GetEntryByReference(ctx, reference)
}

func validate(ownerID string, amount money.Amount) error {
	if ownerID == "" {
		return fmt.Errorf("%w: owner required", apperr.ErrInvalidInput)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", apperr.ErrInvalidInput)
	}
	return nil
}
