package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/maruel/datasync/internal/auth"
	apierrors "github.com/maruel/datasync/internal/errors"
)

type contextKey int

const userKey contextKey = 0

// UserFromContext returns the subject of the bearer token of the request, if
// any.
func UserFromContext(ctx context.Context) string {
	s, _ := ctx.Value(userKey).(string)
	return s
}

// AuthMiddleware validates bearer JWT tokens and adds the subject to the
// context.
func AuthMiddleware(jwtSecret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, apierrors.Unauthorized())
				return
			}
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				writeError(w, apierrors.Unauthorized().WithDetail("header", "Authorization"))
				return
			}
			userID, err := auth.ParseToken(jwtSecret, parts[1])
			if err != nil {
				writeError(w, apierrors.Unauthorized())
				return
			}
			ctx := context.WithValue(r.Context(), userKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requestLogger logs each request once it completes.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.DebugContext(r.Context(), "http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"size", ww.BytesWritten(),
			"dur", time.Since(start).Round(time.Millisecond),
			"ip", r.RemoteAddr,
		)
	})
}

func writeError(w http.ResponseWriter, err *apierrors.APIError) {
	writeErrorResponseWithCode(w, err.StatusCode(), err.Code(), err.Error(), err.Details())
}
