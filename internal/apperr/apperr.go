// Package apperr defines the error taxonomy shared by the ledger, escrow,
// bank account, and payment packages, and maps it onto HTTP responses.
package apperr

import (
	"errors"
	"net/http"

	"github.com/safehold/safehold/internal/money"
)

var (
	ErrInvalidTransition    = errors.New("invalid state transition")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrDuplicateReference   = errors.New("duplicate reference")
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrNotFound             = errors.New("not found")
	ErrContention           = errors.New("resource busy, retry")
	ErrConstraintViolation  = errors.New("constraint violation")
	ErrForbidden            = errors.New("forbidden")
	ErrInvalidInput         = errors.New("invalid input")
	ErrPaymentNotSuccessful = errors.New("payment not successful")
	ErrGatewayUnavailable   = errors.New("payment gateway unavailable")
)

// Classification is the wire shape of an error: a stable machine code the
// UI switches on and the HTTP status to send it with.
type Classification struct {
	Status int
	Code   string
}

// Classify maps err onto its HTTP status and code. Unknown errors are 500s.
func Classify(err error) Classification {
	switch {
	case err == nil:
		return Classification{http.StatusOK, ""}
	case errors.Is(err, ErrNotFound):
		return Classification{http.StatusNotFound, "not_found"}
	case errors.Is(err, ErrForbidden):
		return Classification{http.StatusForbidden, "forbidden"}
	case errors.Is(err, ErrInvalidTransition):
		return Classification{http.StatusConflict, "invalid_transition"}
	case errors.Is(err, ErrInsufficientFunds):
		return Classification{http.StatusUnprocessableEntity, "insufficient_funds"}
	case errors.Is(err, ErrConstraintViolation):
		return Classification{http.StatusConflict, "constraint_violation"}
	case errors.Is(err, ErrDuplicateReference):
		return Classification{http.StatusOK, "duplicate_reference"}
	case errors.Is(err, ErrInvalidSignature):
		return Classification{http.StatusUnauthorized, "invalid_signature"}
	case errors.Is(err, ErrContention):
		return Classification{http.StatusServiceUnavailable, "contention"}
	case errors.Is(err, ErrPaymentNotSuccessful):
		return Classification{http.StatusPaymentRequired, "payment_not_successful"}
	case errors.Is(err, ErrGatewayUnavailable):
		return Classification{http.StatusBadGateway, "gateway_unavailable"}
	case errors.Is(err, money.ErrAmountOverflow):
		return Classification{http.StatusBadRequest, "amount_overflow"}
	case errors.Is(err, money.ErrNegativeResult):
		return Classification{http.StatusBadRequest, "negative_result"}
	case errors.Is(err, money.ErrInvalidAmount), errors.Is(err, ErrInvalidInput):
		return Classification{http.StatusBadRequest, "invalid_input"}
	default:
		return Classification{http.StatusInternalServerError, "internal_error"}
	}
}

// IsRetryable reports whether the caller may retry the whole operation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrContention)
}
