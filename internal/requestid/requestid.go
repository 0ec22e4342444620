// Package requestid correlates management API log lines. Each request
// carries an ID, either supplied by the caller on the X-Request-ID header
// or minted on entry, and the ID travels with the request's context.
package requestid

import (
	"context"

	"github.com/google/uuid"
)

// Header is the HTTP header the ID is read from and echoed back on.
const Header = "X-Request-ID"

type ctxKey struct{}

// WithRequestID returns a context carrying id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the request ID carried by ctx, or "" when none was
// attached.
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// Ensure returns a context carrying a request ID, plus the ID itself. An ID
// already present in ctx wins; otherwise candidate (the inbound header
// value) is adopted, and a fresh UUID is minted when there is neither.
func Ensure(ctx context.Context, candidate string) (context.Context, string) {
	if id := FromContext(ctx); id != "" {
		return ctx, id
	}
	if candidate == "" {
		candidate = uuid.New().String()
	}
	return WithRequestID(ctx, candidate), candidate
}
