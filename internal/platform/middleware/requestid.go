// Package middleware holds the chi middleware shared by the admin API, the
// health probes and the websocket upgrade route.
package middleware

import (
	"context"
	"net/http"
	"regexp"

	"github.com/google/uuid"
)

const (
	HeaderRequestID = "X-Request-ID"
	// MaxRequestIDLength bounds client supplied request ids.
	MaxRequestIDLength = 128
)

var requestIDPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

type requestIDKey struct{}

func GetRequestID(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey{}).(string)
	return v
}

// RequestID keeps a well-formed client supplied X-Request-ID and mints a
// uuid otherwise. The id is echoed on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get(HeaderRequestID)
		if !validRequestID(rid) {
			rid = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, rid)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, rid)))
	})
}

func validRequestID(rid string) bool {
	return rid != "" && len(rid) <= MaxRequestIDLength && requestIDPattern.MatchString(rid)
}
