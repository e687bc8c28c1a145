package dbtx

import (
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"

	"github.com/safehold/safehold/internal/apperr"
)

func TestMapError_ContentionCodes(t *testing.T) {
	for _, code := range []string{CodeLockNotAvailable, CodeSerializationFailure, CodeDeadlockDetected} {
		err := fmt.Errorf("update wallet: %w", &pq.Error{Code: pq.ErrorCode(code), Message: "busy"})
		mapped := MapError(err)
		assert.ErrorIs(t, mapped, apperr.ErrContention, code)
	}
}

func TestMapError_UniqueViolationUntouched(t *testing.T) {
	err := &pq.Error{Code: CodeUniqueViolation}
	assert.NotErrorIs(t, MapError(err), apperr.ErrContention)
	assert.Equal(t, CodeUniqueViolation, PQCode(fmt.Errorf("wrap: %w", err)))
}
