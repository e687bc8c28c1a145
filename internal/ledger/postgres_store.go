package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/safehold/safehold/internal/apperr"
	"github.com/safehold/safehold/internal/dbtx"
	"github.com/safehold/safehold/internal/money"
	"github.com/safehold/safehold/internal/pagination"
)

// PostgresStore implements Store on the wallets and wallet_transactions
// tables. Statements run on the transaction carried by ctx when present.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const walletColumns = `id, owner_id, balance, currency, created_at, updated_at`

const entryColumns = `id, wallet_id, owner_id, kind, amount, fee, balance_after, description,
		external_reference, status, related_escrow_id, bank_account_id, failure_reason,
		created_at, completed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanWallet(row scanner) (*Wallet, error) {
	w := &Wallet{}
	if err := row.Scan(&w.ID, &w.OwnerID, &w.Balance, &w.Currency, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	return w, nil
}

func scanEntry(row scanner) (*Entry, error) {
	var (
		e                                 Entry
		walletID, description, reference  sql.NullString
		escrowID, bankAcct, failureReason sql.NullString
		balanceAfter                      sql.NullInt64
		completedAt                       sql.NullTime
	)
	err := row.Scan(&e.ID, &walletID, &e.OwnerID, &e.Kind, &e.Amount, &e.Fee, &balanceAfter, &description,
		&reference, &e.Status, &escrowID, &bankAcct, &failureReason,
		&e.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	e.WalletID = walletID.String
	e.BalanceAfter = money.Amount(balanceAfter.Int64)
	e.Description = description.String
	e.ExternalReference = reference.String
	e.RelatedEscrowID = escrowID.String
	e.BankAccountID = bankAcct.String
	e.FailureReason = failureReason.String
	e.CompletedAt = dbtx.TimePtr(completedAt)
	return &e, nil
}

func (p *PostgresStore) GetWallet(ctx context.Context, ownerID string) (*Wallet, error) {
	row := dbtx.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE owner_id = $1`, ownerID)
	w, err := scanWallet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("wallet for %s: %w", ownerID, apperr.ErrNotFound)
	}
	return w, err
}

func (p *PostgresStore) LockWallet(ctx context.Context, ownerID string) (*Wallet, error) {
	return p.lockWallet(ctx, ownerID, "FOR UPDATE")
}

// ShareWallet takes FOR SHARE, which blocks the FOR UPDATE every posting
// takes but not other readers.
func (p *PostgresStore) ShareWallet(ctx context.Context, ownerID string) (*Wallet, error) {
	return p.lockWallet(ctx, ownerID, "FOR SHARE")
}

func (p *PostgresStore) lockWallet(ctx context.Context, ownerID, mode string) (*Wallet, error) {
	row := dbtx.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE owner_id = $1 `+mode, ownerID)
	w, err := scanWallet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("wallet for %s: %w", ownerID, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, dbtx.MapError(err)
	}
	return w, nil
}

func (p *PostgresStore) OpenWallet(ctx context.Context, ownerID, currency string) (*Wallet, error) {
	_, err := dbtx.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO wallets (id, owner_id, balance, currency, created_at, updated_at)
		VALUES (gen_random_uuid(), $1, 0, $2, NOW(), NOW())
		ON CONFLICT (owner_id) DO NOTHING`, ownerID, currency)
	if err != nil {
		return nil, fmt.Errorf("open wallet: %w", dbtx.MapError(err))
	}
	return p.LockWallet(ctx, ownerID)
}

func (p *PostgresStore) SetBalance(ctx context.Context, walletID string, balance money.Amount, at time.Time) error {
	res, err := dbtx.Conn(ctx, p.db).ExecContext(ctx,
		`UPDATE wallets SET balance = $1, updated_at = $2 WHERE id = $3`, balance, at, walletID)
	if err != nil {
		if dbtx.PQCode(err) == dbtx.CodeCheckViolation {
			return fmt.Errorf("%w: wallet balance cannot be negative", apperr.ErrConstraintViolation)
		}
		return dbtx.MapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("wallet %s: %w", walletID, apperr.ErrNotFound)
	}
	return nil
}

func (p *PostgresStore) ListWallets(ctx context.Context, afterID string, limit int) ([]*Wallet, error) {
	rows, err := dbtx.Conn(ctx, p.db).QueryContext(ctx, `
		SELECT `+walletColumns+` FROM wallets
		WHERE ($1 = '' OR id::text > $1)
		ORDER BY id::text ASC
		LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, w)
	}
	return result, rows.Err()
}

// LockReference takes a transaction-scoped advisory lock on the reference.
// Two deliveries of the same payment queue here instead of racing to the
// unique index.
func (p *PostgresStore) LockReference(ctx context.Context, reference string) error {
	_, err := dbtx.Conn(ctx, p.db).ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext('ref:' || $1))`, reference)
	return dbtx.MapError(err)
}

func (p *PostgresStore) InsertEntry(ctx context.Context, e *Entry) error {
	_, err := dbtx.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO wallet_transactions (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		e.ID, dbtx.NullString(e.WalletID), e.OwnerID, string(e.Kind), e.Amount, e.Fee,
		nullBalance(e), dbtx.NullString(e.Description),
		dbtx.NullString(e.ExternalReference), string(e.Status), dbtx.NullString(e.RelatedEscrowID),
		dbtx.NullString(e.BankAccountID), dbtx.NullString(e.FailureReason),
		e.CreatedAt, dbtx.NullTime(e.CompletedAt),
	)
	if dbtx.PQCode(err) == dbtx.CodeUniqueViolation {
		return fmt.Errorf("reference %s: %w", e.ExternalReference, apperr.ErrDuplicateReference)
	}
	if err != nil {
		return fmt.Errorf("insert entry: %w", dbtx.MapError(err))
	}
	return nil
}

func (p *PostgresStore) SettleEntry(ctx context.Context, e *Entry) error {
	res, err := dbtx.Conn(ctx, p.db).ExecContext(ctx, `
		UPDATE wallet_transactions SET
			wallet_id = $2, amount = $3, fee = $4, balance_after = $5,
			status = $6, failure_reason = $7, completed_at = $8
		WHERE id = $1 AND status <> 'completed'`,
		e.ID, dbtx.NullString(e.WalletID), e.Amount, e.Fee, nullBalance(e),
		string(e.Status), dbtx.NullString(e.FailureReason), dbtx.NullTime(e.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("settle entry: %w", dbtx.MapError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: entry %s has already completed", apperr.ErrInvalidTransition, e.ID)
	}
	return nil
}

func (p *PostgresStore) GetEntryByReference(ctx context.Context, reference string) (*Entry, error) {
	row := dbtx.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM wallet_transactions WHERE external_reference = $1`, reference)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reference %s: %w", reference, apperr.ErrNotFound)
	}
	return e, err
}

func (p *PostgresStore) ListEntries(ctx context.Context, ownerID string, cursor *pagination.Cursor, limit int) ([]*Entry, error) {
	var (
		before sql.NullTime
		lastID sql.NullString
	)
	if cursor != nil {
		before = sql.NullTime{Time: cursor.CreatedAt, Valid: true}
		lastID = sql.NullString{String: cursor.ID, Valid: true}
	}
	rows, err := dbtx.Conn(ctx, p.db).QueryContext(ctx, `
		SELECT `+entryColumns+` FROM wallet_transactions
		WHERE owner_id = $1
		  AND ($2::timestamptz IS NULL OR (created_at, id::text) < ($2, $3::text))
		ORDER BY created_at DESC, id::text DESC
		LIMIT $4`, ownerID, before, lastID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (p *PostgresStore) SumCompleted(ctx context.Context, walletID string) (money.Amount, error) {
	var sum money.Amount
	err := dbtx.Conn(ctx, p.db).QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN kind IN ('deposit', 'escrow_release', 'refund') THEN amount ELSE -amount END), 0)
		FROM wallet_transactions
		WHERE wallet_id = $1 AND status = 'completed'`, walletID).Scan(&sum)
	return sum, err
}

func nullBalance(e *Entry) sql.NullInt64 {
	if e.Status != StatusCompleted {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: e.BalanceAfter.Kobo(), Valid: true}
}

var _ Store = (*PostgresStore)(nil)
