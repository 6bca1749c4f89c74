package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	slogctx "github.com/veqryn/slog-context"
)

// RequestIDHeader carries the correlation id of one IPC request. Bridges may
// set it to tie their own logs to the host's.
const RequestIDHeader = "X-Request-ID"

const (
	requestIDKey    contextKey = "request_id"
	maxRequestIDLen            = 64
)

// RequestID tags each request with a correlation id, taken from the caller
// when it is well formed and generated otherwise. The id is echoed in the
// response and attached to every log line written with the request context.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if !validRequestID(id) {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)

		ctx := slogctx.With(context.WithValue(r.Context(), requestIDKey, id), "request_id", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// validRequestID accepts short ids made of letters, digits, '.', '_' and
// '-', so a caller cannot inject arbitrary text into logs.
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}

// GetRequestID returns the correlation id set by RequestID, or "".
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
