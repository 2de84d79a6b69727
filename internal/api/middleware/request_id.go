package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/mailflow/hub/internal/observability"
)

const requestIDHeader = "X-Request-ID"

// maxRequestIDLen caps client-supplied ids. The webhook routes are public, so
// an id longer than this is replaced rather than echoed into logs and headers.
const maxRequestIDLen = 64

// RequestID runs first in the chain: it ensures every request carries an
// X-Request-ID in context and in the response header. A client-supplied id is
// propagated so delivery retries from the same provider correlate; otherwise
// a time-ordered one is generated.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.Must(uuid.NewV7()).String()
		}

		ctx := context.WithValue(r.Context(), observability.RequestIDKey, id)
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
