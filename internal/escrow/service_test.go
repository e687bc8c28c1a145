package escrow

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safehold/safehold/internal/apperr"
	"github.com/safehold/safehold/internal/dbtx"
	"github.com/safehold/safehold/internal/ledger"
	"github.com/safehold/safehold/internal/money"
	"github.com/safehold/safehold/internal/notify"
)

var (
	client   = Actor{ID: "client-1", Email: "client@example.com"}
	vendor   = Actor{ID: "vendor-1", Email: "vendor@example.com"}
	admin    = Actor{ID: "admin-1", Email: "ops@example.com", Admin: true}
	stranger = Actor{ID: "stranger-1", Email: "someone@example.com"}
)

type recordingNotifier struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
}

func (r *recordingNotifier) forOwner(owner string) []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Notification
	for _, n := range r.got {
		if n.OwnerID == owner {
			out = append(out, n)
		}
	}
	return out
}

type fixture struct {
	svc      *Service
	store    *MemoryStore
	ledger   *ledger.Ledger
	runner   *dbtx.MemoryRunner
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	runner := dbtx.NewMemoryRunner(time.Second)
	l := ledger.New(ledger.NewMemoryStore(), runner)
	store := NewMemoryStore()
	rec := &recordingNotifier{}
	return &fixture{
		svc:      NewService(store, l, runner).WithNotifier(rec),
		store:    store,
		ledger:   l,
		runner:   runner,
		notifier: rec,
	}
}

func naira(n int64) money.Amount { return money.MustMajor(n) }

func (f *fixture) deposit(t *testing.T, owner string, amount money.Amount) {
	t.Helper()
	_, err := f.ledger.Deposit(context.Background(), owner, amount, "")
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, owner string) money.Amount {
	t.Helper()
	w, err := f.ledger.Balance(context.Background(), owner)
	require.NoError(t, err)
	return w.Balance
}

func (f *fixture) create(t *testing.T, amount money.Amount) *Escrow {
	t.Helper()
	e, err := f.svc.Create(context.Background(), client, CreateRequest{
		VendorEmail: vendor.Email,
		Title:       "Website redesign",
		Amount:      amount,
	})
	require.NoError(t, err)
	return e
}

// toPendingRelease funds, starts, and submits a new escrow.
func (f *fixture) toPendingRelease(t *testing.T, amount money.Amount) *Escrow {
	t.Helper()
	ctx := context.Background()
	e := f.create(t, amount)
	_, err := f.svc.Fund(ctx, client, e.ID)
	require.NoError(t, err)
	_, err = f.svc.Start(ctx, vendor, e.ID)
	require.NoError(t, err)
	e, err = f.svc.Submit(ctx, vendor, e.ID)
	require.NoError(t, err)
	return e
}

func TestFundAndRelease_FeeRetained(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, client.ID, naira(400_000))

	e := f.create(t, naira(350_000))
	assert.Equal(t, naira(5_250), e.PlatformFee)
	assert.Equal(t, StatusPendingFunding, e.Status)

	e, err := f.svc.Fund(ctx, client, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFunded, e.Status)
	assert.NotNil(t, e.FundedAt)
	assert.Equal(t, naira(44_750), f.balance(t, client.ID))

	_, err = f.svc.Start(ctx, vendor, e.ID)
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, vendor, e.ID)
	require.NoError(t, err)
	e, err = f.svc.Release(ctx, client, e.ID)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, e.Status)
	assert.Equal(t, vendor.ID, e.VendorID)
	assert.Equal(t, naira(350_000), f.balance(t, vendor.ID))
	assert.Equal(t, naira(44_750), f.balance(t, client.ID))

	events, err := f.svc.Events(ctx, client, e.ID)
	require.NoError(t, err)
	var types []string
	for _, ev := range events {
		types = append(types, ev.EventType)
	}
	assert.Equal(t, []string{EventCreated, EventFunded, EventStarted, EventSubmitted, EventReleased}, types)
	assertValidPath(t, events)
}

func TestFund_InsufficientFundsChangesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, client.ID, naira(100_000))
	e := f.create(t, naira(350_000))

	_, err := f.svc.Fund(ctx, client, e.ID)
	require.ErrorIs(t, err, apperr.ErrInsufficientFunds)

	got, err := f.svc.Get(ctx, client, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingFunding, got.Status)
	assert.Nil(t, got.FundedAt)
	assert.Equal(t, naira(100_000), f.balance(t, client.ID))

	events, err := f.svc.Events(ctx, client, e.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	page, err := f.ledger.History(ctx, client.ID, nil, 10)
	require.NoError(t, err)
	assert.Len(t, page.Items, 1, "only the deposit is recorded")
}

func TestFund_NoWalletIsInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, naira(10))
	_, err := f.svc.Fund(context.Background(), client, e.ID)
	assert.ErrorIs(t, err, apperr.ErrInsufficientFunds)
}

func TestRelease_ConcurrentCallsPayOnce(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, client.ID, naira(400_000))
	e := f.toPendingRelease(t, naira(350_000))

	const callers = 10
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Release(context.Background(), client, e.ID)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, naira(350_000), f.balance(t, vendor.ID))

	page, err := f.ledger.History(context.Background(), vendor.ID, nil, 10)
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
}

func TestFund_ConcurrentCallsDebitOnce(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, client.ID, naira(1_000_000))
	e := f.create(t, naira(100_000))

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Fund(context.Background(), client, e.ID)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, naira(898_500), f.balance(t, client.ID))
}

func TestTransition_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, client.ID, naira(1_000))
	e := f.create(t, naira(100))

	_, err := f.svc.Release(ctx, client, e.ID)
	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, StatusPendingFunding, te.From)
	assert.Equal(t, StatusCompleted, te.To)

	_, err = f.svc.Fund(ctx, vendor, e.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden, "vendor cannot fund")

	_, err = f.svc.Fund(ctx, stranger, e.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound, "strangers cannot see the escrow")

	_, err = f.svc.Get(ctx, stranger, e.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.svc.Fund(ctx, client, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.svc.Fund(ctx, client, e.ID)
	require.NoError(t, err)
	_, err = f.svc.Start(ctx, client, e.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden, "client cannot start work")
	_, err = f.svc.Fund(ctx, client, e.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition, "second funding")
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.create(t, naira(100))

	e, err := f.svc.Cancel(ctx, client, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, e.Status)

	_, err = f.svc.Fund(ctx, client, e.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestCancel_FundedRequiresDispute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, client.ID, naira(1_000))
	e := f.create(t, naira(100))
	_, err := f.svc.Fund(ctx, client, e.ID)
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, client, e.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestDisputeAndRefund_FeeNotRefunded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, client.ID, naira(400_000))
	e := f.create(t, naira(350_000))
	_, err := f.svc.Fund(ctx, client, e.ID)
	require.NoError(t, err)

	_, err = f.svc.Dispute(ctx, vendor, e.ID, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	e, err = f.svc.Dispute(ctx, vendor, e.ID, "Scope changed")
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, e.Status)
	assert.Equal(t, "Scope changed", e.DisputeReason)
	assert.Equal(t, vendor.ID, e.VendorID, "disputing vendor is recorded")

	_, err = f.svc.Release(ctx, client, e.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden, "only an admin moves a disputed escrow")

	_, err = f.svc.Refund(ctx, client, e.ID, "")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	e, err = f.svc.Refund(ctx, admin, e.ID, "Vendor unresponsive")
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, e.Status)
	assert.Equal(t, "Vendor unresponsive", e.ResolutionNote)
	assert.Equal(t, naira(394_750), f.balance(t, client.ID))
	assert.Equal(t, money.Zero, f.balance(t, vendor.ID))

	_, err = f.svc.Refund(ctx, admin, e.ID, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestResolve(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, client.ID, naira(10_000))

	e := f.toPendingRelease(t, naira(1_000))
	_, err := f.svc.Dispute(ctx, client, e.ID, "Missing pages")
	require.NoError(t, err)

	_, err = f.svc.Resolve(ctx, admin, e.ID, StatusFunded, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	e, err = f.svc.Resolve(ctx, admin, e.ID, StatusPendingRelease, "Vendor delivered the pages")
	require.NoError(t, err)
	assert.Equal(t, StatusPendingRelease, e.Status)

	e, err = f.svc.Release(ctx, client, e.ID)
	require.NoError(t, err)
	assert.Equal(t, naira(1_000), f.balance(t, vendor.ID))

	second := f.toPendingRelease(t, naira(2_000))
	_, err = f.svc.Dispute(ctx, vendor, second.ID, "Client not responding")
	require.NoError(t, err)
	second, err = f.svc.Resolve(ctx, admin, second.ID, StatusCompleted, "")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, second.Status)
	assert.Equal(t, naira(3_000), f.balance(t, vendor.ID))
}

func TestAccept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.create(t, naira(100))

	page, err := f.svc.List(ctx, vendor, nil, 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1, "unclaimed escrows are listed for the addressed vendor")

	_, err = f.svc.Accept(ctx, stranger, e.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	e, err = f.svc.Accept(ctx, vendor, e.ID)
	require.NoError(t, err)
	assert.Equal(t, vendor.ID, e.VendorID)

	again, err := f.svc.Accept(ctx, vendor, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.UpdatedAt, again.UpdatedAt)

	impostor := Actor{ID: "vendor-2", Email: vendor.Email}
	_, err = f.svc.Get(ctx, impostor, e.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound, "a claimed escrow is hidden from other holders of the email")

	assert.Len(t, f.notifier.forOwner(client.ID), 1)
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, client, CreateRequest{VendorEmail: client.Email, Title: "x", Amount: naira(1)})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = f.svc.Create(ctx, client, CreateRequest{VendorEmail: "not-an-email", Title: "x", Amount: naira(1)})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = f.svc.Create(ctx, client, CreateRequest{VendorEmail: vendor.Email, Title: "  ", Amount: naira(1)})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = f.svc.Create(ctx, client, CreateRequest{VendorEmail: vendor.Email, Title: "x", Amount: 0})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = f.svc.Create(ctx, client, CreateRequest{VendorEmail: vendor.Email, Title: "x", Amount: money.Amount(1<<63 - 1)})
	assert.ErrorIs(t, err, money.ErrAmountOverflow)
}

func TestAdminList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, naira(1))
	cancelled := f.create(t, naira(2))
	_, err := f.svc.Cancel(ctx, client, cancelled.ID)
	require.NoError(t, err)

	_, err = f.svc.AdminList(ctx, client, "", nil, 10)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	page, err := f.svc.AdminList(ctx, admin, StatusCancelled, nil, 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, cancelled.ID, page.Items[0].ID)

	_, err = f.svc.AdminList(ctx, admin, "bogus", nil, 10)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestNotifications_AfterCommitOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.create(t, naira(100))
	_, err := f.svc.Accept(ctx, vendor, e.ID)
	require.NoError(t, err)

	_, err = f.svc.Fund(ctx, client, e.ID)
	require.Error(t, err)
	assert.Empty(t, f.notifier.forOwner(vendor.ID), "failed funding notifies no one")

	f.deposit(t, client.ID, naira(1_000))
	_, err = f.svc.Fund(ctx, client, e.ID)
	require.NoError(t, err)
	_, err = f.svc.Start(ctx, vendor, e.ID)
	require.NoError(t, err)

	vendorNotes := f.notifier.forOwner(vendor.ID)
	require.Len(t, vendorNotes, 1)
	assert.Equal(t, "escrow_funded", vendorNotes[0].Type)
	assert.Equal(t, e.ID, vendorNotes[0].RelatedEscrowID)

	clientNotes := f.notifier.forOwner(client.ID)
	require.Len(t, clientNotes, 2)
	assert.Equal(t, "escrow_vendor_accepted", clientNotes[0].Type)
	assert.Equal(t, "escrow_started", clientNotes[1].Type)
}

func TestTransition_LockContentionIsRetriedThenSurfaced(t *testing.T) {
	runner := dbtx.NewMemoryRunner(20 * time.Millisecond)
	l := ledger.New(ledger.NewMemoryStore(), runner)
	store := NewMemoryStore()
	svc := NewService(store, l, runner).WithMaxAttempts(2)
	ctx := context.Background()

	e, err := svc.Create(ctx, client, CreateRequest{VendorEmail: vendor.Email, Title: "x", Amount: naira(1)})
	require.NoError(t, err)

	locked := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = runner.InTx(ctx, func(ctx context.Context) error {
			_, err := store.GetForUpdate(ctx, e.ID)
			close(locked)
			<-release
			return err
		})
	}()
	<-locked

	_, err = svc.Cancel(ctx, client, e.ID)
	assert.ErrorIs(t, err, apperr.ErrContention)
	close(release)

	require.Eventually(t, func() bool {
		_, err := svc.Cancel(ctx, client, e.ID)
		return err == nil
	}, time.Second, 10*time.Millisecond)
}

func TestRandomOperationsFollowLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))
	f.deposit(t, client.ID, naira(10_000_000))

	actors := []Actor{client, vendor, admin, stranger}
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, f.create(t, naira(int64(1_000*(i+1)))).ID)
	}

	for i := 0; i < 400; i++ {
		id := ids[rng.Intn(len(ids))]
		actor := actors[rng.Intn(len(actors))]
		switch rng.Intn(8) {
		case 0:
			_, _ = f.svc.Fund(ctx, actor, id)
		case 1:
			_, _ = f.svc.Cancel(ctx, actor, id)
		case 2:
			_, _ = f.svc.Start(ctx, actor, id)
		case 3:
			_, _ = f.svc.Submit(ctx, actor, id)
		case 4:
			_, _ = f.svc.Release(ctx, actor, id)
		case 5:
			_, _ = f.svc.Dispute(ctx, actor, id, "random")
		case 6:
			outcomes := []Status{StatusPendingRelease, StatusCompleted, StatusRefunded}
			_, _ = f.svc.Resolve(ctx, actor, id, outcomes[rng.Intn(len(outcomes))], "")
		case 7:
			_, _ = f.svc.Accept(ctx, actor, id)
		}
	}

	for _, id := range ids {
		events, err := f.store.ListEvents(ctx, id)
		require.NoError(t, err)
		assertValidPath(t, events)
	}

	report, err := f.ledger.Audit(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Mismatches)
}

// assertValidPath checks that events form a chain of legal transitions
// starting at pending_funding.
func assertValidPath(t *testing.T, events []*Event) {
	t.Helper()
	require.NotEmpty(t, events)
	require.Equal(t, EventCreated, events[0].EventType)
	current := events[0].ToStatus
	require.Equal(t, StatusPendingFunding, current)
	for _, ev := range events[1:] {
		require.Equal(t, current, ev.FromStatus, "event %s starts where the previous ended", ev.EventType)
		if ev.FromStatus != ev.ToStatus {
			require.True(t, CanTransition(ev.FromStatus, ev.ToStatus), "%s -> %s", ev.FromStatus, ev.ToStatus)
		}
		current = ev.ToStatus
	}
}
