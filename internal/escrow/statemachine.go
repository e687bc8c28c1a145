package escrow

import (
	"fmt"

	"github.com/safehold/safehold/internal/apperr"
)

// Party is the role a caller plays on a particular escrow. A caller may
// hold several at once (an admin who is also the client).
type Party uint8

const (
	PartyClient Party = 1 << iota
	PartyVendor
	PartyAdmin
)

func (p Party) String() string {
	switch p {
	case PartyClient:
		return "client"
	case PartyVendor:
		return "vendor"
	case PartyAdmin:
		return "admin"
	case PartyClient | PartyVendor:
		return "client or vendor"
	}
	return fmt.Sprintf("party(%d)", uint8(p))
}

// transitions lists every legal move and the parties allowed to make it.
var transitions = map[Status]map[Status]Party{
	StatusPendingFunding: {
		StatusFunded:    PartyClient,
		StatusCancelled: PartyClient,
	},
	StatusFunded: {
		StatusInProgress: PartyVendor,
		StatusDisputed:   PartyClient | PartyVendor,
	},
	StatusInProgress: {
		StatusPendingRelease: PartyVendor,
		StatusDisputed:       PartyClient | PartyVendor,
	},
	StatusPendingRelease: {
		StatusCompleted: PartyClient,
		StatusDisputed:  PartyClient | PartyVendor,
	},
	StatusDisputed: {
		StatusPendingRelease: PartyAdmin,
		StatusCompleted:      PartyAdmin,
		StatusRefunded:       PartyAdmin,
	},
}

// CanTransition reports whether from -> to appears in the lifecycle table.
func CanTransition(from, to Status) bool {
	_, ok := transitions[from][to]
	return ok
}

// Next returns the states reachable from s.
func Next(s Status) []Status {
	var out []Status
	for _, to := range lifecycleOrder {
		if CanTransition(s, to) {
			out = append(out, to)
		}
	}
	return out
}

var lifecycleOrder = []Status{
	StatusPendingFunding, StatusFunded, StatusInProgress, StatusPendingRelease,
	StatusCompleted, StatusDisputed, StatusCancelled, StatusRefunded,
}

// Authorize checks that parties may move an escrow from -> to. An illegal
// move is a *TransitionError; a legal move by the wrong party is
// apperr.ErrForbidden.
func Authorize(from, to Status, parties Party) error {
	allowed, ok := transitions[from][to]
	if !ok {
		return &TransitionError{From: from, To: to}
	}
	if allowed&parties == 0 {
		return fmt.Errorf("%w: only the %s may move an escrow from %s to %s", apperr.ErrForbidden, allowed, from, to)
	}
	return nil
}

// TransitionError reports a move outside the lifecycle table.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("escrow is %s and cannot move to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return apperr.ErrInvalidTransition }

// Details exposes both states to API clients.
func (e *TransitionError) Details() map[string]any {
	return map[string]any{"currentStatus": e.From, "requestedStatus": e.To}
}
