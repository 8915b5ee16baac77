// Package apperr holds the error taxonomy shared by the fulfillment core.
//
// Every error type is a plain struct so callers can match with errors.As and
// read the carried fields (retry-after, remediation text, blocking status).
package apperr

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// AuthenticationError covers a bad payment signature and rejected carrier
// credentials. Payment marks the signature case; everything else is the
// carrier refusing our own credentials. RetryAfter is set when a carrier
// login was refused locally because the backoff window has not elapsed yet.
type AuthenticationError struct {
	Msg        string
	RetryAfter time.Duration
	Payment    bool
	Err        error
}

func (e *AuthenticationError) Error() string {
	msg := "authentication failed"
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter.Round(time.Second))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// RateLimitedError is returned while the carrier has us throttled.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("carrier rate limited, retry after %s", e.RetryAfter.Round(time.Second))
}

// PermissionError is a carrier 403: the account lacks an entitlement and an
// operator has to act. Never retried automatically.
type PermissionError struct {
	Endpoint    string
	Msg         string
	Remediation string
}

func (e *PermissionError) Error() string {
	msg := "carrier permission denied"
	if e.Endpoint != "" {
		msg += " for " + e.Endpoint
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Remediation != "" {
		msg += " (" + e.Remediation + ")"
	}
	return msg
}

// ConnectivityError wraps network level failures: timeouts, DNS, refused
// connections.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("carrier unreachable during %s: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// ValidationError marks a malformed request payload, either ours or one the
// carrier refused.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Msg
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Msg)
}

// PolicyError is a request that is well formed but not allowed in the
// current state, e.g. cancelling a delivered shipment.
type PolicyError struct {
	Action string
	Status string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("%s not allowed: shipment is %s", e.Action, e.Status)
}

type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// CarrierError is any other non-2xx carrier response.
type CarrierError struct {
	StatusCode int
	Body       string
}

func (e *CarrierError) Error() string {
	return fmt.Sprintf("carrier http %d: %s", e.StatusCode, e.Body)
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

func IsPermission(err error) bool {
	var pe *PermissionError
	return errors.As(err, &pe)
}

func IsRateLimited(err error) bool {
	var rl *RateLimitedError
	return errors.As(err, &rl)
}

func IsAuthentication(err error) bool {
	var ae *AuthenticationError
	return errors.As(err, &ae)
}

func IsConnectivity(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}

// Kind names the taxonomy bucket of err, used as a structured log field.
func Kind(err error) string {
	var (
		ae *AuthenticationError
		rl *RateLimitedError
		pe *PermissionError
		ce *ConnectivityError
		ve *ValidationError
		po *PolicyError
		nf *NotFoundError
		cr *CarrierError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ae):
		return "authentication"
	case errors.As(err, &rl):
		return "rate_limited"
	case errors.As(err, &pe):
		return "permission"
	case errors.As(err, &ce):
		return "connectivity"
	case errors.As(err, &ve):
		return "validation"
	case errors.As(err, &po):
		return "policy"
	case errors.As(err, &nf):
		return "not_found"
	case errors.As(err, &cr):
		return "carrier"
	default:
		return "internal"
	}
}
