//go:build integration

package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safehold/safehold/internal/apperr"
	"github.com/safehold/safehold/internal/dbtx"
	"github.com/safehold/safehold/internal/ledger"
	"github.com/safehold/safehold/internal/money"
	"github.com/safehold/safehold/internal/testutil"
)

func newPGLedger(t *testing.T) (*ledger.Ledger, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	runner := dbtx.NewSQLRunner(db, 2*time.Second)
	return ledger.New(ledger.NewPostgresStore(db), runner), cleanup
}

func TestPostgres_DepositIsIdempotent(t *testing.T) {
	l, cleanup := newPGLedger(t)
	defer cleanup()
	ctx := context.Background()

	first, err := l.Deposit(ctx, "client-1", money.MustMajor(500_000), "PAY-1")
	require.NoError(t, err)

	again, err := l.Deposit(ctx, "client-1", money.MustMajor(500_000), "PAY-1")
	require.ErrorIs(t, err, apperr.ErrDuplicateReference)
	assert.Equal(t, first.ID, again.ID)

	w, err := l.Balance(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, money.MustMajor(500_000), w.Balance)
}

func TestPostgres_ConcurrentDeliveriesCreditOnce(t *testing.T) {
	l, cleanup := newPGLedger(t)
	defer cleanup()
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = l.Deposit(ctx, "client-1", money.MustMajor(1_000), "PAY-RACE")
		}(i)
	}
	wg.Wait()

	credited := 0
	for _, err := range errs {
		if err == nil {
			credited++
			continue
		}
		assert.ErrorIs(t, err, apperr.ErrDuplicateReference)
	}
	assert.Equal(t, 1, credited)

	w, err := l.Balance(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, money.MustMajor(1_000), w.Balance)
}

func TestPostgres_ConcurrentWithdrawalsNeverOverdraw(t *testing.T) {
	l, cleanup := newPGLedger(t)
	defer cleanup()
	ctx := context.Background()

	_, err := l.Deposit(ctx, "client-1", money.MustMajor(100), "PAY-1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = l.Withdraw(ctx, ledger.WithdrawRequest{
				OwnerID:       "client-1",
				Amount:        money.MustMajor(30),
				BankAccountID: "00000000-0000-0000-0000-000000000001",
			})
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		}
	}
	assert.Equal(t, 3, ok)

	report, err := l.Audit(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Mismatches)
	assert.Equal(t, money.MustMajor(10), report.TotalBalance)
}

func TestPostgres_PendingDepositLifecycle(t *testing.T) {
	l, cleanup := newPGLedger(t)
	defer cleanup()
	ctx := context.Background()

	pending, err := l.OpenDeposit(ctx, "client-1", money.MustMajor(50), "SH-FUND-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, pending.Status)

	entry, err := l.Deposit(ctx, "client-1", money.MustMajor(50), "SH-FUND-1")
	require.NoError(t, err)
	assert.Equal(t, pending.ID, entry.ID)
	assert.Equal(t, ledger.StatusCompleted, entry.Status)

	_, err = l.FailDeposit(ctx, "SH-FUND-1", "late failure")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	_, err = l.OpenDeposit(ctx, "client-1", money.MustMajor(5), "SH-FUND-2")
	require.NoError(t, err)
	failed, err := l.FailDeposit(ctx, "SH-FUND-2", "abandoned")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, failed.Status)

	revived, err := l.Deposit(ctx, "client-1", money.MustMajor(5), "SH-FUND-2")
	require.NoError(t, err)
	assert.Equal(t, failed.ID, revived.ID)
	assert.Equal(t, ledger.StatusCompleted, revived.Status)
	w, err := l.Balance(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, money.MustMajor(55), w.Balance)

	page, err := l.History(ctx, "client-1", nil, 10)
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
}
