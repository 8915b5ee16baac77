package storefront_api

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/BearBump/FulfillBox/internal/apperr"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type errorResponse struct {
	Error       string `json:"error"`
	Kind        string `json:"kind"`
	Remediation string `json:"remediation,omitempty"`
	Status      string `json:"status,omitempty"`
}

// statusFor maps the error taxonomy onto an HTTP status and fills the
// response body. Retry-After is set for throttled requests. Only a bad
// payment signature is the caller's fault; a carrier login failure is an
// upstream problem and never surfaces as 401.
func statusFor(w http.ResponseWriter, err error, body *errorResponse) int {
	var (
		ae *apperr.AuthenticationError
		rl *apperr.RateLimitedError
		pe *apperr.PermissionError
		ce *apperr.ConnectivityError
		ve *apperr.ValidationError
		po *apperr.PolicyError
		nf *apperr.NotFoundError
		cr *apperr.CarrierError
	)
	switch {
	case errors.As(err, &ae):
		if ae.Payment {
			return http.StatusUnauthorized
		}
		if ae.RetryAfter > 0 {
			setRetryAfter(w, ae.RetryAfter)
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	case errors.As(err, &rl):
		setRetryAfter(w, rl.RetryAfter)
		return http.StatusTooManyRequests
	case errors.As(err, &pe):
		body.Remediation = pe.Remediation
		return http.StatusForbidden
	case errors.As(err, &ce):
		return http.StatusGatewayTimeout
	case errors.As(err, &ve):
		return http.StatusUnprocessableEntity
	case errors.As(err, &po):
		body.Status = po.Status
		return http.StatusConflict
	case errors.As(err, &nf):
		return http.StatusNotFound
	case errors.As(err, &cr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func setRetryAfter(w http.ResponseWriter, d time.Duration) {
	if d <= 0 {
		return
	}
	secs := int(math.Ceil(d.Seconds()))
	w.Header().Set("Retry-After", strconv.Itoa(secs))
}

func (a *StorefrontAPI) writeError(w http.ResponseWriter, r *http.Request, err error) {
	body := errorResponse{Error: err.Error(), Kind: apperr.Kind(err)}
	code := statusFor(w, err, &body)
	if code == http.StatusInternalServerError {
		// Storage details stay in the log.
		body.Error = "internal error"
		a.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeJSON(w, code, body)
}
