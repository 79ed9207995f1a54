// Package fault defines the closed set of error kinds hellofn reports and the
// single mapping from kind to HTTP status.
package fault

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies an error. The zero value is KindUnexpected.
type Kind uint8

const (
	// KindUnexpected is the catch-all for anything not classified below.
	KindUnexpected Kind = iota
	// KindConfiguration marks missing or empty configuration.
	KindConfiguration
	// KindInvalidKeyMaterial marks a private key that cannot be reconstructed or parsed.
	KindInvalidKeyMaterial
	// KindDependencyUnavailable marks a process-wide client or pool that was never initialised.
	KindDependencyUnavailable
	// KindUpstream marks a failure reported by a storage, secret or database service.
	KindUpstream
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration_error"
	case KindInvalidKeyMaterial:
		return "invalid_key_material"
	case KindDependencyUnavailable:
		return "dependency_unavailable"
	case KindUpstream:
		return "upstream_service_error"
	default:
		return "unexpected_error"
	}
}

// HTTPStatus maps a kind onto the status code returned to callers.
func HTTPStatus(k Kind) int {
	if k == KindDependencyUnavailable {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// UpstreamDetail preserves what a remote service said about a failed call.
type UpstreamDetail struct {
	Service   string
	Status    int
	Code      string
	Message   string
	RequestID string
}

// Error is a classified error. Message is safe to return to callers; Err keeps
// the full cause for logs.
type Error struct {
	Kind     Kind
	Op       string
	Message  string
	Upstream *UpstreamDetail
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	switch {
	case e.Message != "" && e.Err != nil:
		b.WriteString(e.Message)
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	case e.Message != "":
		b.WriteString(e.Message)
	case e.Err != nil:
		b.WriteString(e.Err.Error())
	default:
		b.WriteString(e.Kind.String())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a classified error without a cause.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrapf classifies err with a caller-facing message.
func Wrapf(kind Kind, op string, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

// Upstream classifies err as a remote service failure and keeps the remote detail.
func Upstream(op string, detail UpstreamDetail, err error) error {
	if err == nil {
		return nil
	}
	d := detail
	return &Error{Kind: KindUpstream, Op: op, Upstream: &d, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnexpected.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnexpected
}

// Is reports whether err carries kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// UpstreamOf returns the upstream detail carried by err, if any.
func UpstreamOf(err error) (UpstreamDetail, bool) {
	var fe *Error
	for e := err; e != nil; {
		if !errors.As(e, &fe) {
			return UpstreamDetail{}, false
		}
		if fe.Upstream != nil {
			return *fe.Upstream, true
		}
		e = fe.Err
	}
	return UpstreamDetail{}, false
}

// Public returns the caller-safe description of err. Unclassified errors never
// leak their text.
func Public(err error) string {
	var fe *Error
	if !errors.As(err, &fe) || fe.Kind == KindUnexpected {
		return "An internal error occurred."
	}
	if fe.Message != "" {
		return fe.Message
	}
	if d, ok := UpstreamOf(err); ok && d.Message != "" {
		return d.Message
	}
	return fe.Kind.String()
}
