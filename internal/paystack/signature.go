package paystack

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"strings"

	"github.com/safehold/safehold/internal/apperr"
)

// Sign returns the hex HMAC-SHA512 of body under secret, as the gateway
// puts it in the webhook signature header.
func Sign(body []byte, secret string) string {
	h := hmac.New(sha512.New, []byte(secret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks signature against the raw body in constant time.
func VerifySignature(body []byte, signature, secret string) error {
	if secret == "" || signature == "" {
		return apperr.ErrInvalidSignature
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return apperr.ErrInvalidSignature
	}
	h := hmac.New(sha512.New, []byte(secret))
	h.Write(body)
	if !hmac.Equal(got, h.Sum(nil)) {
		return apperr.ErrInvalidSignature
	}
	return nil
}
