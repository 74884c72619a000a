package middleware

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"

	dErrors "beacon/pkg/domain-errors"
	"beacon/pkg/platform/httputil"
)

const (
	HeaderAdminToken = "X-Admin-Token"
	HeaderAdminActor = "X-Admin-Actor-ID"
)

type adminActorKey struct{}

// GetAdminActorID returns the operator named by X-Admin-Actor-ID, if any.
func GetAdminActorID(ctx context.Context) string {
	v, _ := ctx.Value(adminActorKey{}).(string)
	return v
}

// RequireAdminToken guards the management API with a shared token. When no
// token is configured the API is closed.
func RequireAdminToken(expected string, logger *slog.Logger) func(http.Handler) http.Handler {
	want := []byte(expected)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			got := []byte(r.Header.Get(HeaderAdminToken))
			if len(want) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
				logger.WarnContext(ctx, "admin request rejected",
					"path", r.URL.Path,
					"request_id", GetRequestID(ctx),
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "admin token required"))
				return
			}
			if actor := r.Header.Get(HeaderAdminActor); actor != "" {
				ctx = context.WithValue(ctx, adminActorKey{}, actor)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
