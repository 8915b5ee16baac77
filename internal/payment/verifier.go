// Package payment checks the authenticity of payment-success callbacks.
package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/BearBump/FulfillBox/internal/apperr"
)

// Verifier validates callbacks with the provider's shared key secret.
type Verifier struct {
	secret string
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: secret}
}

// Verify reports whether signature is the hex HMAC-SHA256 of
// "providerOrderID|providerPaymentID" under secret. The comparison is exact,
// so an upper-case rendering of a valid signature does not match.
func Verify(providerOrderID, providerPaymentID, signature, secret string) bool {
	if secret == "" || providerOrderID == "" || providerPaymentID == "" || signature == "" {
		return false
	}
	want := hex.EncodeToString(digest(providerOrderID, providerPaymentID, secret))
	return hmac.Equal([]byte(signature), []byte(want))
}

// Sign returns the signature the provider would send for the pair.
func Sign(providerOrderID, providerPaymentID, secret string) string {
	return hex.EncodeToString(digest(providerOrderID, providerPaymentID, secret))
}

func digest(providerOrderID, providerPaymentID, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(providerOrderID + "|" + providerPaymentID))
	return mac.Sum(nil)
}

// Check returns an AuthenticationError when the callback is not authentic.
func (v *Verifier) Check(providerOrderID, providerPaymentID, signature string) error {
	if !Verify(providerOrderID, providerPaymentID, signature, v.secret) {
		return &apperr.AuthenticationError{Msg: "payment signature mismatch", Payment: true}
	}
	return nil
}
