// Package invocation carries the per-request invocation identifier.
package invocation

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const (
	// HeaderName is the inbound header the function platform uses to correlate
	// an invocation with its logs.
	HeaderName = "fn-invoke-id"
	// StartupID labels log entries emitted before any request is served.
	StartupID = "startup"
	// MaxIDLength defines the maximum number of characters accepted for invocation identifiers.
	MaxIDLength = 128
)

type contextKey struct{}

// WithID returns a copy of ctx carrying id. Invalid identifiers leave ctx unchanged.
func WithID(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// ID retrieves the invocation ID stored on ctx, if any.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// FromHeader returns the caller-supplied invocation ID when present and valid,
// otherwise a freshly generated one. The boolean reports whether the caller
// supplied the ID.
func FromHeader(h http.Header) (string, bool) {
	if h != nil {
		if id, ok := Normalize(h.Get(HeaderName)); ok {
			return id, true
		}
	}
	return Generate(), false
}

// Normalize validates and canonicalizes an external invocation identifier.
// It returns the normalized ID and true if the input is acceptable. Accepted
// identifiers use only [A-Za-z0-9._:-] and are not made of dots alone, so they
// embed verbatim in object names.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	if strings.Trim(id, ".") == "" {
		return "", false
	}
	for _, r := range id {
		if !isIDRune(r) {
			return "", false
		}
	}
	return id, true
}

func isIDRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '.', r == '_', r == ':', r == '-':
		return true
	}
	return false
}

// Generate produces a new time-ordered invocation identifier (UUIDv7).
func Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}
