package bankaccount

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/safehold/safehold/internal/apperr"
	"github.com/safehold/safehold/internal/dbtx"
)

// PostgresStore implements Store on the bank_accounts table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed bank account store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const accountColumns = `id, owner_id, bank_name, bank_code, account_number, account_name,
		is_default, is_verified, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (*Account, error) {
	var (
		a        Account
		bankCode sql.NullString
	)
	err := row.Scan(&a.ID, &a.OwnerID, &a.BankName, &bankCode, &a.AccountNumber, &a.AccountName,
		&a.IsDefault, &a.IsVerified, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.BankCode = bankCode.String
	return &a, nil
}

// LockOwner takes a transaction-scoped advisory lock on the owner, so the
// default-account rules see a stable set of rows.
func (p *PostgresStore) LockOwner(ctx context.Context, ownerID string) error {
	_, err := dbtx.Conn(ctx, p.db).ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext('bank:' || $1))`, ownerID)
	return dbtx.MapError(err)
}

func (p *PostgresStore) Insert(ctx context.Context, a *Account) error {
	_, err := dbtx.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO bank_accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.OwnerID, a.BankName, dbtx.NullString(a.BankCode), a.AccountNumber, a.AccountName,
		a.IsDefault, a.IsVerified, a.CreatedAt,
	)
	switch dbtx.PQCode(err) {
	case "":
	case dbtx.CodeUniqueViolation:
		return fmt.Errorf("%w: account %s at %s is already saved", apperr.ErrConstraintViolation, a.AccountNumber, a.BankName)
	case dbtx.CodeCheckViolation:
		return fmt.Errorf("%w: account number must be 10 digits", apperr.ErrInvalidInput)
	}
	if err != nil {
		return fmt.Errorf("insert bank account: %w", dbtx.MapError(err))
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Account, error) {
	row := dbtx.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM bank_accounts WHERE id = $1`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	return a, err
}

func (p *PostgresStore) ListByOwner(ctx context.Context, ownerID string) ([]*Account, error) {
	rows, err := dbtx.Conn(ctx, p.db).QueryContext(ctx, `
		SELECT `+accountColumns+` FROM bank_accounts
		WHERE owner_id = $1
		ORDER BY is_default DESC, created_at ASC, id::text ASC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []*Account{}
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// SetDefault clears the old default before setting the new one; the
// partial unique index allows at most one default row at any time.
func (p *PostgresStore) SetDefault(ctx context.Context, ownerID, id string) error {
	conn := dbtx.Conn(ctx, p.db)
	if _, err := conn.ExecContext(ctx,
		`UPDATE bank_accounts SET is_default = FALSE WHERE owner_id = $1 AND is_default AND id <> $2`,
		ownerID, id); err != nil {
		return dbtx.MapError(err)
	}
	res, err := conn.ExecContext(ctx,
		`UPDATE bank_accounts SET is_default = TRUE WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return dbtx.MapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(id)
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := dbtx.Conn(ctx, p.db).ExecContext(ctx, `DELETE FROM bank_accounts WHERE id = $1`, id)
	if err != nil {
		return dbtx.MapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(id)
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
