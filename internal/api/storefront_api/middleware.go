package storefront_api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const adminKeyHeader = "X-Admin-Key"

func (a *StorefrontAPI) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		a.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("took", time.Since(start)),
		)
	})
}

func (a *StorefrontAPI) requireAdminKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(adminKeyHeader)
		if len(a.adminKeyHash) == 0 || key == "" ||
			bcrypt.CompareHashAndPassword(a.adminKeyHash, []byte(key)) != nil {
			a.logger.Warn("admin key rejected", zap.String("path", r.URL.Path))
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "admin key required", Kind: "authentication"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
