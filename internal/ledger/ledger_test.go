package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safehold/safehold/internal/apperr"
	"github.com/safehold/safehold/internal/dbtx"
	"github.com/safehold/safehold/internal/metrics"
	"github.com/safehold/safehold/internal/money"
	"github.com/safehold/safehold/internal/pagination"
)

func newTestLedger() (*Ledger, *MemoryStore) {
	store := NewMemoryStore()
	return New(store, dbtx.NewMemoryRunner(time.Second)), store
}

func naira(n int64) money.Amount { return money.MustMajor(n) }

func corruptBalance(m *MemoryStore, ownerID string, balance money.Amount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wallets[ownerID].Balance = balance
}

func TestDeposit_RedeliveredReferenceIsNoop(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	first, err := l.Deposit(ctx, "client-1", naira(500_000), "PAY-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, first.Status)
	assert.Equal(t, naira(500_000), first.BalanceAfter)

	again, err := l.Deposit(ctx, "client-1", naira(500_000), "PAY-1")
	require.ErrorIs(t, err, apperr.ErrDuplicateReference)
	assert.Equal(t, first.ID, again.ID)

	w, err := l.Balance(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, naira(500_000), w.Balance)

	page, err := l.History(ctx, "client-1", nil, 10)
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
}

func TestDeposit_OpensWalletLazily(t *testing.T) {
	l, store := newTestLedger()
	ctx := context.Background()

	_, err := store.GetWallet(ctx, "new-user")
	require.ErrorIs(t, err, apperr.ErrNotFound)

	w, err := l.Balance(ctx, "new-user")
	require.NoError(t, err)
	assert.Equal(t, money.Zero, w.Balance)
	assert.Empty(t, w.ID, "reading a balance must not open a wallet")

	_, err = l.Deposit(ctx, "new-user", naira(10), "")
	require.NoError(t, err)
	w, err = store.GetWallet(ctx, "new-user")
	require.NoError(t, err)
	assert.Equal(t, money.DefaultCurrency, w.Currency)
}

func TestDeposit_RejectsBadInput(t *testing.T) {
	l, _ := newTestLedger()
	_, err := l.Deposit(context.Background(), "", naira(1), "")
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
	_, err = l.Deposit(context.Background(), "u", 0, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestDeposit_CompletesPendingEntry(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	pending, err := l.OpenDeposit(ctx, "client-1", naira(20_000), "SH-FUND-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, pending.Status)
	assert.Empty(t, pending.WalletID)

	w, err := l.Balance(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, money.Zero, w.Balance)

	// The gateway confirmed a slightly different amount; the confirmed
	// amount is what gets credited.
	done, err := l.Deposit(ctx, "client-1", naira(19_999), "SH-FUND-1")
	require.NoError(t, err)
	assert.Equal(t, pending.ID, done.ID)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, naira(19_999), done.Amount)

	w, err = l.Balance(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, naira(19_999), w.Balance)
}

func TestOpenDeposit_DuplicateReference(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()
	_, err := l.OpenDeposit(ctx, "u", naira(1), "SH-FUND-2")
	require.NoError(t, err)
	_, err = l.OpenDeposit(ctx, "u", naira(1), "SH-FUND-2")
	assert.ErrorIs(t, err, apperr.ErrDuplicateReference)
}

func TestFailDeposit(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	_, err := l.OpenDeposit(ctx, "u", naira(100), "SH-FUND-3")
	require.NoError(t, err)

	failed, err := l.FailDeposit(ctx, "SH-FUND-3", "abandoned")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, "abandoned", failed.FailureReason)

	_, err = l.FailDeposit(ctx, "SH-FUND-3", "abandoned")
	assert.NoError(t, err, "failing twice is a no-op")

	_, err = l.Withdraw(ctx, WithdrawRequest{OwnerID: "u", Amount: naira(1), BankAccountID: "acct", IdempotencyKey: "x"})
	assert.ErrorIs(t, err, apperr.ErrInsufficientFunds)

	_, err = l.Deposit(ctx, "u", naira(100), "SH-FUND-4")
	require.NoError(t, err)
	_, err = l.FailDeposit(ctx, "SH-FUND-4", "late failure")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	_, err = l.FailDeposit(ctx, "SH-UNKNOWN", "x")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestDeposit_CompletesFailedFunding(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	opened, err := l.OpenDeposit(ctx, "u", naira(100), "SH-FUND-5")
	require.NoError(t, err)
	_, err = l.FailDeposit(ctx, "SH-FUND-5", "checkout could not be started")
	require.NoError(t, err)

	entry, err := l.Deposit(ctx, "u", naira(100), "SH-FUND-5")
	require.NoError(t, err)
	assert.Equal(t, opened.ID, entry.ID)
	assert.Equal(t, StatusCompleted, entry.Status)
	assert.Empty(t, entry.FailureReason)

	_, err = l.Deposit(ctx, "u", naira(100), "SH-FUND-5")
	assert.ErrorIs(t, err, apperr.ErrDuplicateReference)

	w, err := l.Balance(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, naira(100), w.Balance)

	page, err := l.History(ctx, "u", nil, 10)
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
}

func TestDeposit_ReferenceOfAnotherOwner(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	_, err := l.Deposit(ctx, "alice", naira(5), "PAY-X")
	require.NoError(t, err)
	_, err = l.Deposit(ctx, "mallory", naira(5), "PAY-X")
	assert.ErrorIs(t, err, apperr.ErrConstraintViolation)

	w, err := l.Balance(ctx, "mallory")
	require.NoError(t, err)
	assert.Equal(t, money.Zero, w.Balance)
}

func TestDeposit_ConcurrentSameReferenceCreditsOnce(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	credited, replayed := 0, 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Deposit(ctx, "client-1", naira(500_000), "PAY-RACE")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				credited++
			case errors.Is(err, apperr.ErrDuplicateReference):
				replayed++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, credited)
	assert.Equal(t, 19, replayed)
	w, err := l.Balance(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, naira(500_000), w.Balance)
}

func TestWithdraw_InsufficientFunds(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	_, err := l.Withdraw(ctx, WithdrawRequest{OwnerID: "nobody", Amount: naira(1), BankAccountID: "acct"})
	assert.ErrorIs(t, err, apperr.ErrInsufficientFunds)

	_, err = l.Deposit(ctx, "vendor-1", naira(1_000), "")
	require.NoError(t, err)

	_, err = l.Withdraw(ctx, WithdrawRequest{OwnerID: "vendor-1", Amount: naira(1_001), BankAccountID: "acct"})
	assert.ErrorIs(t, err, apperr.ErrInsufficientFunds)

	w, err := l.Balance(ctx, "vendor-1")
	require.NoError(t, err)
	assert.Equal(t, naira(1_000), w.Balance)
	page, err := l.History(ctx, "vendor-1", nil, 10)
	require.NoError(t, err)
	assert.Len(t, page.Items, 1, "a rejected withdrawal leaves no entry")
}

func TestWithdraw_FeeIncludedInDebit(t *testing.T) {
	l, _ := newTestLedger()
	l.WithWithdrawalFee(naira(50))
	ctx := context.Background()

	_, err := l.Deposit(ctx, "vendor-1", naira(1_000), "")
	require.NoError(t, err)

	_, err = l.Withdraw(ctx, WithdrawRequest{OwnerID: "vendor-1", Amount: naira(1_000), BankAccountID: "acct"})
	assert.ErrorIs(t, err, apperr.ErrInsufficientFunds, "fee must count against the balance")

	entry, err := l.Withdraw(ctx, WithdrawRequest{OwnerID: "vendor-1", Amount: naira(950), BankAccountID: "acct"})
	require.NoError(t, err)
	assert.Equal(t, KindWithdrawal, entry.Kind)
	assert.Equal(t, naira(1_000), entry.Amount)
	assert.Equal(t, naira(50), entry.Fee)
	assert.Equal(t, money.Zero, entry.BalanceAfter)
	assert.Equal(t, "acct", entry.BankAccountID)
}

func TestWithdraw_IdempotencyKey(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()
	_, err := l.Deposit(ctx, "vendor-1", naira(1_000), "")
	require.NoError(t, err)

	req := WithdrawRequest{OwnerID: "vendor-1", Amount: naira(300), BankAccountID: "acct", IdempotencyKey: "k-1"}
	first, err := l.Withdraw(ctx, req)
	require.NoError(t, err)

	second, err := l.Withdraw(ctx, req)
	require.ErrorIs(t, err, apperr.ErrDuplicateReference)
	assert.Equal(t, first.ID, second.ID)

	w, err := l.Balance(ctx, "vendor-1")
	require.NoError(t, err)
	assert.Equal(t, naira(700), w.Balance)
}

type stubAccounts struct{ err error }

func (s stubAccounts) CheckWithdrawalAccount(context.Context, string, string) error { return s.err }

func TestWithdraw_ChecksAccount(t *testing.T) {
	l, _ := newTestLedger()
	l.WithAccountChecker(stubAccounts{err: fmt.Errorf("bank account: %w", apperr.ErrNotFound)})
	ctx := context.Background()
	_, err := l.Deposit(ctx, "vendor-1", naira(1_000), "")
	require.NoError(t, err)

	_, err = l.Withdraw(ctx, WithdrawRequest{OwnerID: "vendor-1", Amount: naira(10), BankAccountID: "someone-elses"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	w, err := l.Balance(ctx, "vendor-1")
	require.NoError(t, err)
	assert.Equal(t, naira(1_000), w.Balance)
}

func TestEscrowPostings(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()
	_, err := l.Deposit(ctx, "client-1", naira(400_000), "PAY-2")
	require.NoError(t, err)

	require.NoError(t, l.FundEscrow(ctx, "client-1", "esc-1", naira(350_000), naira(5_250), "Escrow funding"))
	w, err := l.Balance(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, naira(44_750), w.Balance)

	require.NoError(t, l.ReleaseEscrow(ctx, "vendor-1", "esc-1", naira(350_000), "Escrow release"))
	v, err := l.Balance(ctx, "vendor-1")
	require.NoError(t, err)
	assert.Equal(t, naira(350_000), v.Balance)

	err = l.ReleaseEscrow(ctx, "vendor-1", "esc-1", naira(350_000), "Escrow release")
	assert.ErrorIs(t, err, apperr.ErrDuplicateReference, "an escrow releases at most once")

	err = l.FundEscrow(ctx, "client-1", "esc-2", naira(44_750), naira(1), "Escrow funding")
	assert.ErrorIs(t, err, apperr.ErrInsufficientFunds)
}

func TestBalance_LedgerSumWinsOnMismatch(t *testing.T) {
	l, store := newTestLedger()
	ctx := context.Background()
	_, err := l.Deposit(ctx, "u", naira(100), "")
	require.NoError(t, err)

	corruptBalance(store, "u", naira(1_000_000))

	w, err := l.Balance(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, naira(100), w.Balance)

	report, err := l.Audit(ctx)
	require.NoError(t, err)
	require.Len(t, report.Mismatches, 1)
	assert.Equal(t, naira(1_000_000), report.Mismatches[0].Stored)
	assert.Equal(t, naira(100), report.Mismatches[0].Ledger)
}

func TestAudit_CleanLedger(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := l.Deposit(ctx, fmt.Sprintf("user-%d", i), naira(int64(i+1)), "")
		require.NoError(t, err)
	}
	report, err := l.Audit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, report.WalletsChecked)
	assert.Equal(t, naira(15), report.TotalBalance)
	assert.Empty(t, report.Mismatches)
}

func TestBalanceMatchesEntrySumUnderRandomOperations(t *testing.T) {
	l, store := newTestLedger()
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 300; i++ {
		amount := money.Amount(rng.Int63n(50_000) + 1)
		if rng.Intn(2) == 0 {
			_, err := l.Deposit(ctx, "prop", amount, "")
			require.NoError(t, err)
		} else {
			_, err := l.Withdraw(ctx, WithdrawRequest{OwnerID: "prop", Amount: amount, BankAccountID: "acct"})
			if err != nil {
				require.ErrorIs(t, err, apperr.ErrInsufficientFunds)
			}
		}

		w, err := store.GetWallet(ctx, "prop")
		if errors.Is(err, apperr.ErrNotFound) {
			continue
		}
		require.NoError(t, err)
		sum, err := store.SumCompleted(ctx, w.ID)
		require.NoError(t, err)
		require.Equal(t, sum, w.Balance, "step %d", i)
		require.GreaterOrEqual(t, int64(w.Balance), int64(0))
	}
}

func TestHistory_Paginates(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := l.Deposit(ctx, "u", naira(1), "")
		require.NoError(t, err)
	}

	seen := map[string]bool{}
	var cursor *pagination.Cursor
	pages := 0
	for {
		page, err := l.History(ctx, "u", cursor, 2)
		require.NoError(t, err)
		pages++
		for _, e := range page.Items {
			assert.False(t, seen[e.ID], "entry repeated across pages")
			seen[e.ID] = true
		}
		if !page.HasMore {
			break
		}
		cursor, err = pagination.Decode(page.NextCursor)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, pages)
	assert.Len(t, seen, 5)
}

func TestObserverRunsAfterCommitOnly(t *testing.T) {
	l, _ := newTestLedger()
	var got []Kind
	l.WithObserver(func(e *Entry) { got = append(got, e.Kind) })
	ctx := context.Background()

	_, err := l.Deposit(ctx, "u", naira(10), "")
	require.NoError(t, err)
	_, err = l.Withdraw(ctx, WithdrawRequest{OwnerID: "u", Amount: naira(11), BankAccountID: "a"})
	require.Error(t, err)

	assert.Equal(t, []Kind{KindDeposit}, got)
}

func TestBalanceAndAudit_ConsistentUnderConcurrentDeposits(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()
	mismatchesBefore := testutil.ToFloat64(metrics.BalanceMismatchesTotal)

	const deposits = 200
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < deposits; i++ {
			_, err := l.Deposit(ctx, "busy", naira(1), fmt.Sprintf("PAY-%d", i))
			assert.NoError(t, err)
		}
	}()

	reads := 0
	for running := true; running; reads++ {
		select {
		case <-done:
			running = false
		default:
		}
		_, err := l.Balance(ctx, "busy")
		require.NoError(t, err)
		report, err := l.Audit(ctx)
		require.NoError(t, err)
		require.Empty(t, report.Mismatches, "read %d", reads)
	}

	assert.Equal(t, mismatchesBefore, testutil.ToFloat64(metrics.BalanceMismatchesTotal))
	w, err := l.Balance(ctx, "busy")
	require.NoError(t, err)
	assert.Equal(t, naira(deposits), w.Balance)
}
