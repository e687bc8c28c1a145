package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/safehold/safehold/internal/apperr"
	"github.com/safehold/safehold/internal/dbtx"
	"github.com/safehold/safehold/internal/idgen"
	"github.com/safehold/safehold/internal/metrics"
	"github.com/safehold/safehold/internal/money"
	"github.com/safehold/safehold/internal/notify"
	"github.com/safehold/safehold/internal/pagination"
	"github.com/safehold/safehold/internal/retry"
	"github.com/safehold/safehold/internal/traces"
	"github.com/safehold/safehold/internal/validation"
)

const (
	DefaultMaxAttempts = 4
	maxTitleLength     = 200
	maxTextLength      = 2000
	retryBaseDelay     = 25 * time.Millisecond
)

// DefaultFeeRate is the platform fee charged on funding (1.5%).
var DefaultFeeRate = decimal.RequireFromString("0.015")

// Notifier receives notifications after a transition commits.
type Notifier interface {
	Notify(ctx context.Context, n notify.Notification)
}

// Service runs escrow transitions against the ledger.
type Service struct {
	store       Store
	ledger      LedgerService
	runner      dbtx.Runner
	feeRate     decimal.Decimal
	notifier    Notifier
	logger      *slog.Logger
	maxAttempts int
	now         func() time.Time
}

// NewService creates an escrow service. store and ledger must share runner.
func NewService(store Store, ledger LedgerService, runner dbtx.Runner) *Service {
	return &Service{
		store:       store,
		ledger:      ledger,
		runner:      runner,
		feeRate:     DefaultFeeRate,
		logger:      slog.Default(),
		maxAttempts: DefaultMaxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithFeeRate sets the platform fee rate applied at creation.
func (s *Service) WithFeeRate(rate decimal.Decimal) *Service {
	s.feeRate = rate
	return s
}

func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

func (s *Service) WithLogger(logger *slog.Logger) *Service {
	s.logger = logger
	return s
}

// WithMaxAttempts caps how often a transition is retried on lock contention.
func (s *Service) WithMaxAttempts(n int) *Service {
	if n > 0 {
		s.maxAttempts = n
	}
	return s
}

// FeeRate returns the configured platform fee rate.
func (s *Service) FeeRate() decimal.Decimal { return s.feeRate }

// Create opens a pending_funding escrow with the caller as client. The
// platform fee is computed here once and stored.
func (s *Service) Create(ctx context.Context, actor Actor, req CreateRequest) (*Escrow, error) {
	title := validation.SanitizeString(req.Title, maxTitleLength)
	description := validation.SanitizeString(req.Description, maxTextLength)
	vendorEmail := strings.ToLower(strings.TrimSpace(req.VendorEmail))

	if err := validation.Validate(
		validation.Required("title", title),
		validation.Email("vendorEmail", vendorEmail),
	); err != nil {
		return nil, err
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", apperr.ErrInvalidInput)
	}
	if strings.EqualFold(vendorEmail, actor.Email) {
		return nil, fmt.Errorf("%w: client and vendor must differ", apperr.ErrInvalidInput)
	}
	fee, err := money.Fee(req.Amount, s.feeRate)
	if err != nil {
		return nil, err
	}
	if _, err := req.Amount.Add(fee); err != nil {
		return nil, err
	}

	now := s.now()
	e := &Escrow{
		ID:          idgen.New(),
		ClientID:    actor.ID,
		VendorEmail: vendorEmail,
		Title:       title,
		Description: description,
		Amount:      req.Amount,
		PlatformFee: fee,
		Status:      StatusPendingFunding,
		DueDate:     req.DueDate,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	ev := &Event{
		ID:          idgen.New(),
		EscrowID:    e.ID,
		ActorID:     actor.ID,
		EventType:   EventCreated,
		ToStatus:    StatusPendingFunding,
		Description: "Escrow created",
		CreatedAt:   now,
	}

	err = s.runner.InTx(ctx, func(ctx context.Context) error {
		if err := s.store.Create(ctx, e); err != nil {
			return err
		}
		if err := s.store.AppendEvent(ctx, ev); err != nil {
			return err
		}
		snapshot := *e
		dbtx.AfterCommit(ctx, func() {
			metrics.EscrowCreatedTotal.Inc()
			s.announce(ctx, &snapshot, ev)
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Get returns an escrow visible to actor. Escrows the caller has no part
// in are reported as not found.
func (s *Service) Get(ctx context.Context, actor Actor, id string) (*Escrow, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if partiesOf(actor, e) == 0 {
		return nil, notFound(id)
	}
	return e, nil
}

// List returns the caller's escrows, newest first.
func (s *Service) List(ctx context.Context, actor Actor, cursor *pagination.Cursor, limit int) (pagination.Page[*Escrow], error) {
	items, err := s.store.ListForParty(ctx, actor.ID, strings.ToLower(actor.Email), cursor, limit+1)
	if err != nil {
		return pagination.Page[*Escrow]{}, err
	}
	return pagination.Compute(items, limit, escrowKey), nil
}

// AdminList lists every escrow, optionally filtered by status.
func (s *Service) AdminList(ctx context.Context, actor Actor, status Status, cursor *pagination.Cursor, limit int) (pagination.Page[*Escrow], error) {
	if !actor.Admin {
		return pagination.Page[*Escrow]{}, fmt.Errorf("%w: admin only", apperr.ErrForbidden)
	}
	if status != "" && !status.Valid() {
		return pagination.Page[*Escrow]{}, fmt.Errorf("%w: unknown status %q", apperr.ErrInvalidInput, status)
	}
	items, err := s.store.ListByStatus(ctx, status, cursor, limit+1)
	if err != nil {
		return pagination.Page[*Escrow]{}, err
	}
	return pagination.Compute(items, limit, escrowKey), nil
}

// Events returns an escrow's history, oldest first.
func (s *Service) Events(ctx context.Context, actor Actor, id string) ([]*Event, error) {
	if _, err := s.Get(ctx, actor, id); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, id)
}

// Accept records the caller as vendor of an escrow addressed to their
// e-mail. Accepting twice is a no-op.
func (s *Service) Accept(ctx context.Context, actor Actor, id string) (*Escrow, error) {
	var result *Escrow
	err := s.withRetry(ctx, "accept", func() error {
		return s.runner.InTx(ctx, func(ctx context.Context) error {
			e, err := s.store.GetForUpdate(ctx, id)
			if err != nil {
				return err
			}
			if e.VendorID == actor.ID {
				result = e
				return nil
			}
			if e.VendorID != "" || !strings.EqualFold(e.VendorEmail, actor.Email) {
				return notFound(id)
			}
			if e.ClientID == actor.ID {
				return fmt.Errorf("%w: the client cannot act as vendor", apperr.ErrForbidden)
			}
			if e.Status.IsTerminal() {
				return fmt.Errorf("%w: escrow is %s", apperr.ErrInvalidTransition, e.Status)
			}

			now := s.now()
			e.VendorID = actor.ID
			e.UpdatedAt = now
			if err := s.store.Update(ctx, e); err != nil {
				return err
			}
			ev := &Event{
				ID:          idgen.New(),
				EscrowID:    e.ID,
				ActorID:     actor.ID,
				EventType:   EventVendorAccepted,
				FromStatus:  e.Status,
				ToStatus:    e.Status,
				Description: "Vendor accepted the escrow",
				CreatedAt:   now,
			}
			if err := s.store.AppendEvent(ctx, ev); err != nil {
				return err
			}
			snapshot := *e
			dbtx.AfterCommit(ctx, func() { s.announce(ctx, &snapshot, ev) })
			result = e
			return nil
		})
	})
	return result, err
}

// Fund debits amount+fee from the client's wallet and moves the escrow
// to funded. On InsufficientFunds neither the wallet nor the escrow changes.
func (s *Service) Fund(ctx context.Context, actor Actor, id string) (*Escrow, error) {
	return s.transition(ctx, actor, id, StatusFunded, EventFunded, "Escrow funded from wallet",
		func(ctx context.Context, e *Escrow, now time.Time) error {
			err := s.ledger.FundEscrow(ctx, e.ClientID, e.ID, e.Amount, e.PlatformFee, "Escrow funding: "+e.Title)
			if err != nil && !errors.Is(err, apperr.ErrDuplicateReference) {
				return err
			}
			e.FundedAt = &now
			return nil
		})
}

// Cancel abandons an escrow that was never funded.
func (s *Service) Cancel(ctx context.Context, actor Actor, id string) (*Escrow, error) {
	return s.transition(ctx, actor, id, StatusCancelled, EventCancelled, "Escrow cancelled by client", nil)
}

// Start marks work as begun. The vendor is recorded if they had not
// accepted explicitly.
func (s *Service) Start(ctx context.Context, actor Actor, id string) (*Escrow, error) {
	return s.transition(ctx, actor, id, StatusInProgress, EventStarted, "Vendor started work",
		func(_ context.Context, e *Escrow, now time.Time) error {
			e.StartedAt = &now
			return nil
		})
}

// Submit hands the finished work to the client for review.
func (s *Service) Submit(ctx context.Context, actor Actor, id string) (*Escrow, error) {
	return s.transition(ctx, actor, id, StatusPendingRelease, EventSubmitted, "Vendor submitted work",
		func(_ context.Context, e *Escrow, now time.Time) error {
			e.SubmittedAt = &now
			return nil
		})
}

// Release credits the vendor with the escrow amount and completes it. The
// platform fee is retained.
func (s *Service) Release(ctx context.Context, actor Actor, id string) (*Escrow, error) {
	return s.transition(ctx, actor, id, StatusCompleted, EventReleased, "Funds released to vendor", s.payVendor)
}

// Dispute suspends the escrow until an admin resolves it.
func (s *Service) Dispute(ctx context.Context, actor Actor, id, reason string) (*Escrow, error) {
	reason = validation.SanitizeString(reason, maxTextLength)
	if reason == "" {
		return nil, fmt.Errorf("%w: dispute reason required", apperr.ErrInvalidInput)
	}
	return s.transition(ctx, actor, id, StatusDisputed, EventDisputed, reason,
		func(_ context.Context, e *Escrow, now time.Time) error {
			e.DisputedAt = &now
			e.DisputeReason = reason
			return nil
		})
}

// Resolve settles a disputed escrow. The outcome is pending_release (work
// goes back to the client for review), completed (vendor is paid), or
// refunded (client gets the amount back; the fee is not refunded).
func (s *Service) Resolve(ctx context.Context, actor Actor, id string, outcome Status, note string) (*Escrow, error) {
	note = validation.SanitizeString(note, maxTextLength)
	var pay func(ctx context.Context, e *Escrow, now time.Time) error
	eventType := EventResolved
	switch outcome {
	case StatusPendingRelease:
	case StatusCompleted:
		pay = s.payVendor
	case StatusRefunded:
		pay = s.refundClient
		eventType = EventRefunded
	default:
		return nil, fmt.Errorf("%w: resolution must be pending_release, completed, or refunded", apperr.ErrInvalidInput)
	}
	description := "Dispute resolved: " + string(outcome)
	if note != "" {
		description += ": " + note
	}
	return s.transition(ctx, actor, id, outcome, eventType, description,
		func(ctx context.Context, e *Escrow, now time.Time) error {
			e.ResolutionNote = note
			if pay != nil {
				return pay(ctx, e, now)
			}
			return nil
		})
}

// Refund returns a disputed escrow's amount to the client.
func (s *Service) Refund(ctx context.Context, actor Actor, id, note string) (*Escrow, error) {
	return s.Resolve(ctx, actor, id, StatusRefunded, note)
}

func (s *Service) payVendor(ctx context.Context, e *Escrow, now time.Time) error {
	if e.VendorID == "" {
		return fmt.Errorf("%w: escrow %s has no vendor to pay", apperr.ErrConstraintViolation, e.ID)
	}
	err := s.ledger.ReleaseEscrow(ctx, e.VendorID, e.ID, e.Amount, "Escrow release: "+e.Title)
	if err != nil && !errors.Is(err, apperr.ErrDuplicateReference) {
		return err
	}
	e.CompletedAt = &now
	return nil
}

func (s *Service) refundClient(ctx context.Context, e *Escrow, now time.Time) error {
	err := s.ledger.RefundEscrow(ctx, e.ClientID, e.ID, e.Amount, "Escrow refund: "+e.Title)
	if err != nil && !errors.Is(err, apperr.ErrDuplicateReference) {
		return err
	}
	e.CompletedAt = &now
	return nil
}

// transition locks the escrow, checks the move and the caller, applies
// effect, and writes the new state and an event, all in one transaction.
func (s *Service) transition(ctx context.Context, actor Actor, id string, to Status, eventType, description string,
	effect func(ctx context.Context, e *Escrow, now time.Time) error) (result *Escrow, err error) {

	ctx, span := traces.StartSpan(ctx, "escrow."+eventType, traces.EscrowID(id), traces.OwnerID(actor.ID))
	defer func() { traces.End(span, err) }()

	err = s.withRetry(ctx, eventType, func() error {
		return s.runner.InTx(ctx, func(ctx context.Context) error {
			e, err := s.store.GetForUpdate(ctx, id)
			if err != nil {
				return err
			}
			parties := partiesOf(actor, e)
			if parties == 0 {
				return notFound(id)
			}
			from := e.Status
			if err := Authorize(from, to, parties); err != nil {
				return err
			}
			span.SetAttributes(traces.Transition(string(from), string(to)))

			now := s.now()
			if parties&PartyVendor != 0 && e.VendorID == "" {
				e.VendorID = actor.ID
			}
			if effect != nil {
				if err := effect(ctx, e, now); err != nil {
					return err
				}
			}
			e.Status = to
			e.UpdatedAt = now
			if err := s.store.Update(ctx, e); err != nil {
				return err
			}
			ev := &Event{
				ID:          idgen.New(),
				EscrowID:    e.ID,
				ActorID:     actor.ID,
				EventType:   eventType,
				FromStatus:  from,
				ToStatus:    to,
				Description: description,
				CreatedAt:   now,
			}
			if err := s.store.AppendEvent(ctx, ev); err != nil {
				return err
			}

			snapshot := *e
			dbtx.AfterCommit(ctx, func() {
				metrics.EscrowTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
				s.logger.Info("escrow transition",
					"escrow_id", snapshot.ID, "from", from, "to", to, "actor_id", actor.ID)
				s.announce(ctx, &snapshot, ev)
			})
			result = e
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) withRetry(ctx context.Context, op string, fn func() error) error {
	return retry.Policy{
		MaxAttempts: s.maxAttempts,
		BaseDelay:   retryBaseDelay,
		Retryable:   apperr.IsRetryable,
		OnRetry: func(attempt int, err error) {
			metrics.ContentionRetriesTotal.WithLabelValues("escrow_" + op).Inc()
			s.logger.Debug("retrying escrow transition", "operation", op, "attempt", attempt, "error", err)
		},
	}.Run(ctx, fn)
}

// partiesOf returns the roles actor holds on e. A caller whose e-mail
// matches an unclaimed escrow counts as its vendor.
func partiesOf(actor Actor, e *Escrow) Party {
	var p Party
	if actor.ID != "" && actor.ID == e.ClientID {
		p |= PartyClient
	}
	switch {
	case e.VendorID != "" && actor.ID == e.VendorID:
		p |= PartyVendor
	case e.VendorID == "" && actor.Email != "" && actor.ID != e.ClientID && strings.EqualFold(actor.Email, e.VendorEmail):
		p |= PartyVendor
	}
	if actor.Admin {
		p |= PartyAdmin
	}
	return p
}

func notFound(id string) error {
	return fmt.Errorf("escrow %s: %w", id, apperr.ErrNotFound)
}

func escrowKey(e *Escrow) (time.Time, string) { return e.CreatedAt, e.ID }
