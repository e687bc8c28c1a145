// Package dbtx carries a unit of work through context.Context so that the
// ledger, escrow, and bank account stores can take part in one atomic
// transaction without knowing about each other.
//
// Two runners implement the same contract: SQLRunner wraps a PostgreSQL
// transaction; MemoryRunner emulates row locks and rollback for the
// in-memory stores. Both bound lock waits and report a timed-out wait as
// apperr.ErrContention.
package dbtx

import (
	"context"
	"database/sql"
	"time"
)

// DefaultLockTimeout bounds how long a transaction waits for a row lock.
const DefaultLockTimeout = 3 * time.Second

// Runner executes fn inside a transaction. If ctx already carries a
// transaction, fn joins it and commit is left to the outermost caller.
type Runner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Querier is the subset of *sql.DB and *sql.Tx the Postgres stores use.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type ctxKey struct{}

type txState struct {
	sqlTx       *sql.Tx
	mem         *memTx
	afterCommit []func()
}

func stateFrom(ctx context.Context) *txState {
	st, _ := ctx.Value(ctxKey{}).(*txState)
	return st
}

func withState(ctx context.Context, st *txState) context.Context {
	return context.WithValue(ctx, ctxKey{}, st)
}

// InTransaction reports whether ctx carries an open transaction.
func InTransaction(ctx context.Context) bool {
	return stateFrom(ctx) != nil
}

// Conn returns the transaction carried by ctx, or db when there is none.
func Conn(ctx context.Context, db *sql.DB) Querier {
	if st := stateFrom(ctx); st != nil && st.sqlTx != nil {
		return st.sqlTx
	}
	return db
}

// AfterCommit schedules fn to run once the enclosing transaction commits.
// Hooks are dropped on rollback. Outside a transaction fn runs immediately.
// Hooks run synchronously on the committing goroutine and must not block.
func AfterCommit(ctx context.Context, fn func()) {
	if st := stateFrom(ctx); st != nil {
		st.afterCommit = append(st.afterCommit, fn)
		return
	}
	fn()
}

func (st *txState) runHooks() {
	for _, fn := range st.afterCommit {
		fn()
	}
}

// NullString maps "" to SQL NULL.
func NullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// NullTime maps a nil pointer to SQL NULL.
func NullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// TimePtr converts a scanned sql.NullTime back to a pointer.
func TimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
