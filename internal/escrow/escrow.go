// Package escrow holds client funds against a piece of work until the
// client releases them to the vendor.
//
// Lifecycle:
//
//	pending_funding -> funded -> in_progress -> pending_release -> completed
//	pending_funding -> cancelled
//	funded | in_progress | pending_release -> disputed
//	disputed -> pending_release | completed | refunded   (admin)
//
// Funding debits amount+platform_fee from the client wallet; release
// credits amount to the vendor; a refund credits amount back to the
// client. Each transition, its ledger posting, and its event row commit in
// one transaction.
package escrow

import (
	"context"
	"time"

	"github.com/safehold/safehold/internal/money"
	"github.com/safehold/safehold/internal/pagination"
)

// Status is an escrow lifecycle state.
type Status string

const (
	StatusPendingFunding Status = "pending_funding"
	StatusFunded         Status = "funded"
	StatusInProgress     Status = "in_progress"
	StatusPendingRelease Status = "pending_release"
	StatusCompleted      Status = "completed"
	StatusDisputed       Status = "disputed"
	StatusCancelled      Status = "cancelled"
	StatusRefunded       Status = "refunded"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range lifecycleOrder {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusRefunded
}

// Holding reports whether the platform holds the escrow's funds in this state.
func (s Status) Holding() bool {
	switch s {
	case StatusFunded, StatusInProgress, StatusPendingRelease, StatusDisputed:
		return true
	}
	return false
}

// Escrow is a funded agreement between a client and a vendor.
type Escrow struct {
	ID             string       `json:"id"`
	ClientID       string       `json:"clientId"`
	VendorID       string       `json:"vendorId,omitempty"`
	VendorEmail    string       `json:"vendorEmail"`
	Title          string       `json:"title"`
	Description    string       `json:"description,omitempty"`
	Amount         money.Amount `json:"amount"`
	PlatformFee    money.Amount `json:"platformFee"`
	Status         Status       `json:"status"`
	DueDate        *time.Time   `json:"dueDate,omitempty"`
	FundedAt       *time.Time   `json:"fundedAt,omitempty"`
	StartedAt      *time.Time   `json:"startedAt,omitempty"`
	SubmittedAt    *time.Time   `json:"submittedAt,omitempty"`
	CompletedAt    *time.Time   `json:"completedAt,omitempty"`
	DisputedAt     *time.Time   `json:"disputedAt,omitempty"`
	DisputeReason  string       `json:"disputeReason,omitempty"`
	ResolutionNote string       `json:"resolutionNote,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// Total is what funding debits from the client.
func (e *Escrow) Total() (money.Amount, error) {
	return e.Amount.Add(e.PlatformFee)
}

// Event types written to the escrow's history.
const (
	EventCreated        = "created"
	EventVendorAccepted = "vendor_accepted"
	EventFunded         = "funded"
	EventCancelled      = "cancelled"
	EventStarted        = "started"
	EventSubmitted      = "submitted"
	EventReleased       = "released"
	EventDisputed       = "disputed"
	EventResolved       = "resolved"
	EventRefunded       = "refunded"
)

// Event is one append-only row of an escrow's history.
type Event struct {
	ID          string    `json:"id"`
	EscrowID    string    `json:"escrowId"`
	ActorID     string    `json:"actorId,omitempty"`
	EventType   string    `json:"eventType"`
	FromStatus  Status    `json:"fromStatus,omitempty"`
	ToStatus    Status    `json:"toStatus"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store persists escrows and their events. GetForUpdate holds a row lock
// until the transaction carried by ctx ends.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	GetForUpdate(ctx context.Context, id string) (*Escrow, error)
	Update(ctx context.Context, e *Escrow) error
	AppendEvent(ctx context.Context, ev *Event) error
	ListEvents(ctx context.Context, escrowID string) ([]*Event, error)
	// ListForParty returns escrows where ownerID is the client or vendor,
	// plus unclaimed escrows addressed to email, newest first.
	ListForParty(ctx context.Context, ownerID, email string, cursor *pagination.Cursor, limit int) ([]*Escrow, error)
	// ListByStatus lists all escrows, or those in status when it is non-empty.
	ListByStatus(ctx context.Context, status Status, cursor *pagination.Cursor, limit int) ([]*Escrow, error)
	// ListOverdue returns funded or in-progress escrows whose due date is before now.
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]*Escrow, error)
}

// LedgerService moves escrow money between wallets. *ledger.Ledger
// satisfies it. Each call is exactly-once per escrow and direction.
type LedgerService interface {
	FundEscrow(ctx context.Context, clientID, escrowID string, amount, fee money.Amount, description string) error
	ReleaseEscrow(ctx context.Context, vendorID, escrowID string, amount money.Amount, description string) error
	RefundEscrow(ctx context.Context, clientID, escrowID string, amount money.Amount, description string) error
}

// Actor is the authenticated caller of an escrow operation.
type Actor struct {
	ID    string
	Email string
	Admin bool
}

// CreateRequest is the input to Service.Create.
type CreateRequest struct {
	VendorEmail string       `json:"vendorEmail" binding:"required"`
	Title       string       `json:"title" binding:"required"`
	Description string       `json:"description"`
	Amount      money.Amount `json:"amount" binding:"required"`
	DueDate     *time.Time   `json:"dueDate"`
}
