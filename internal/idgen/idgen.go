// Package idgen generates identifiers for stored rows and payment references.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random (version 4) UUID string. Every table keys its rows
// by one of these.
func New() string {
	return uuid.NewString()
}

// Reference returns a gateway payment reference such as
// "SH-FUND-8F14E45F...". References are upper-case so they survive
// case-insensitive handling by banks and gateways.
func Reference(kind string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "SH-" + strings.ToUpper(kind) + "-" + strings.ToUpper(id)
}

// Valid reports whether s parses as a UUID.
func Valid(s string) bool {
	return uuid.Validate(s) == nil
}
