package dbtx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/safehold/safehold/internal/apperr"
)

// PostgreSQL SQLSTATE codes the stores react to.
const (
	CodeUniqueViolation      = "23505"
	CodeCheckViolation       = "23514"
	CodeLockNotAvailable     = "55P03"
	CodeSerializationFailure = "40001"
	CodeDeadlockDetected     = "40P01"
)

// SQLRunner runs units of work in READ COMMITTED transactions. Stores are
// expected to take row locks with SELECT ... FOR UPDATE; lock waits are
// capped with SET LOCAL lock_timeout.
type SQLRunner struct {
	db          *sql.DB
	lockTimeout time.Duration
}

// NewSQLRunner creates a runner over db.
func NewSQLRunner(db *sql.DB, lockTimeout time.Duration) *SQLRunner {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &SQLRunner{db: db, lockTimeout: lockTimeout}
}

// DB exposes the pool for non-transactional reads.
func (r *SQLRunner) DB() *sql.DB { return r.db }

// InTx implements Runner.
func (r *SQLRunner) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if InTransaction(ctx) {
		return fn(ctx)
	}

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", MapError(err))
	}
	defer func() { _ = tx.Rollback() }()

	// SET does not accept bind parameters.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())); err != nil {
		return fmt.Errorf("set lock_timeout: %w", MapError(err))
	}

	st := &txState{sqlTx: tx}
	if err := fn(withState(ctx, st)); err != nil {
		return MapError(err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", MapError(err))
	}
	st.runHooks()
	return nil
}

// PQCode returns the SQLSTATE of a lib/pq error, or "" for other errors.
func PQCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

// MapError converts lock timeouts, serialization failures, and deadlocks
// into apperr.ErrContention. Other errors pass through unchanged.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	switch PQCode(err) {
	case CodeLockNotAvailable, CodeSerializationFailure, CodeDeadlockDetected:
		if errors.Is(err, apperr.ErrContention) {
			return err
		}
		return fmt.Errorf("%w: %v", apperr.ErrContention, err)
	}
	return err
}
