package apperr

import (
	"errors"
	"testing"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestKind(t *testing.T) {
	cases := map[string]error{
		"authentication": &AuthenticationError{Msg: "bad signature"},
		"rate_limited":   &RateLimitedError{RetryAfter: time.Minute},
		"permission":     &PermissionError{Endpoint: "/orders/create/adhoc"},
		"connectivity":   &ConnectivityError{Op: "login", Err: errors.New("dial tcp")},
		"validation":     &ValidationError{Field: "items", Msg: "empty"},
		"policy":         &PolicyError{Action: "cancel", Status: "DELIVERED"},
		"not_found":      &NotFoundError{Resource: "order", ID: "X"},
		"carrier":        &CarrierError{StatusCode: 500},
		"internal":       errors.New("boom"),
	}
	for want, err := range cases {
		require.Equal(t, want, Kind(err), want)
		require.Equal(t, want, Kind(pkgerrors.Wrap(err, "wrapped")), want)
	}
	require.Equal(t, "", Kind(nil))
}

func TestMatchersSeeThroughWrapping(t *testing.T) {
	err := pkgerrors.Wrap(&PermissionError{Remediation: "contact support"}, "create order")
	require.True(t, IsPermission(err))
	require.False(t, IsRateLimited(err))

	var pe *PermissionError
	require.True(t, errors.As(err, &pe))
	require.Equal(t, "contact support", pe.Remediation)
}

func TestAuthenticationError_Message(t *testing.T) {
	err := &AuthenticationError{Msg: "login attempted too soon", RetryAfter: 90 * time.Second}
	require.Contains(t, err.Error(), "too soon")
	require.Contains(t, err.Error(), "1m30s")

	inner := errors.New("401")
	wrapped := &AuthenticationError{Err: inner}
	require.ErrorIs(t, wrapped, inner)
}

func TestPolicyError_NamesStatus(t *testing.T) {
	err := &PolicyError{Action: "cancel", Status: "RTO_DELIVERED"}
	require.Contains(t, err.Error(), "RTO_DELIVERED")
}
