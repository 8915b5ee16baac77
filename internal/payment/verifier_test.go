package payment

import (
	"strings"
	"testing"

	"github.com/BearBump/FulfillBox/internal/apperr"
	"github.com/stretchr/testify/require"
)

const secret = "rzp_test_secret"

func mutate(s string, i int) string {
	b := []byte(s)
	if b[i] == 'a' {
		b[i] = 'b'
	} else {
		b[i] = 'a'
	}
	return string(b)
}

func TestVerify_ValidTriples(t *testing.T) {
	pairs := [][2]string{
		{"order_9A33XWu170gUtm", "pay_29QQoUBi66xm2f"},
		{"order_1", "pay_1"},
		{"order_with|pipe", "pay_x"},
	}
	for _, p := range pairs {
		sig := Sign(p[0], p[1], secret)
		require.True(t, Verify(p[0], p[1], sig, secret))
	}
}

func TestVerify_SingleCharacterMutations(t *testing.T) {
	orderID, paymentID := "order_9A33XWu170gUtm", "pay_29QQoUBi66xm2f"
	sig := Sign(orderID, paymentID, secret)

	for i := range orderID {
		require.False(t, Verify(mutate(orderID, i), paymentID, sig, secret), "order id pos %d", i)
	}
	for i := range paymentID {
		require.False(t, Verify(orderID, mutate(paymentID, i), sig, secret), "payment id pos %d", i)
	}
	for i := range sig {
		require.False(t, Verify(orderID, paymentID, mutate(sig, i), secret), "signature pos %d", i)
	}
}

func TestVerify_CaseMutations(t *testing.T) {
	orderID, paymentID := "order_9A33XWu170gUtm", "pay_29QQoUBi66xm2f"
	sig := Sign(orderID, paymentID, secret)

	flipped := 0
	for i := range sig {
		c := sig[i]
		if c < 'a' || c > 'f' {
			continue
		}
		b := []byte(sig)
		b[i] = c - 'a' + 'A'
		require.False(t, Verify(orderID, paymentID, string(b), secret), "upper-case at pos %d", i)
		flipped++
	}
	require.Positive(t, flipped)

	tests := []struct {
		name string
		sig  string
	}{
		{name: "all upper", sig: strings.ToUpper(sig)},
		{name: "trailing space", sig: sig + " "},
		{name: "truncated", sig: sig[:len(sig)-1]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.False(t, Verify(orderID, paymentID, tt.sig, secret))
		})
	}
}

func TestVerify_RejectsGarbage(t *testing.T) {
	require.False(t, Verify("o", "p", "not-hex", secret))
	require.False(t, Verify("o", "p", Sign("o", "p", secret), ""))
	require.False(t, Verify("o", "p", Sign("o", "p", "other"), secret))
	require.False(t, Verify("", "p", Sign("", "p", secret), secret))
}

func TestVerifier_Check(t *testing.T) {
	v := NewVerifier(secret)
	require.NoError(t, v.Check("o", "p", Sign("o", "p", secret)))

	err := v.Check("o", "p", "deadbeef")
	var ae *apperr.AuthenticationError
	require.ErrorAs(t, err, &ae)
	require.True(t, ae.Payment)
}
