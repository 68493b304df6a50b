// Package errs classifies failures so workers can decide between retry,
// abort, and alert without string-matching error text.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind is the failure class carried across worker and store boundaries.
type Kind string

const (
	Validation        Kind = "validation"
	Auth              Kind = "auth"
	UpstreamTransient Kind = "upstream_transient"
	RateLimited       Kind = "rate_limited"
	UpstreamRejected  Kind = "upstream_rejected"
	HotStore          Kind = "hot_store"
	ColdStore         Kind = "cold_store"
	Integrity         Kind = "integrity"
	Timeout           Kind = "timeout"
	CacheUnavailable  Kind = "cache_unavailable"
	NotFound          Kind = "not_found"
	Conflict          Kind = "conflict"
	Internal          Kind = "internal"
)

// E attaches a kind and the failing operation to an underlying error.
type E struct {
	Kind Kind
	Op   string
	Err  error

	// RetryAfter is a server-provided pause hint, set on rate limits.
	RetryAfter time.Duration
}

func (e *E) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *E) Unwrap() error { return e.Err }

// New returns a fresh error of the given kind.
func New(kind Kind, op, msg string) error {
	return &E{Kind: kind, Op: op, Err: errors.New(msg)}
}

// Newf is New with a format string.
func Newf(kind Kind, op, format string, args ...any) error {
	return &E{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap annotates err with a kind and operation. Returns nil for nil err.
// An already-classified err keeps its original kind.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var e *E
	if errors.As(err, &e) {
		return &E{Kind: e.Kind, Op: op, Err: err, RetryAfter: e.RetryAfter}
	}
	return &E{Kind: kind, Op: op, Err: err}
}

// RateLimitedFor builds a rate-limit error carrying the server's pause hint.
func RateLimitedFor(op string, retryAfter time.Duration, err error) error {
	return &E{Kind: RateLimited, Op: op, Err: err, RetryAfter: retryAfter}
}

// KindOf reports the classification of err. Untyped errors are Internal;
// context deadline errors are Timeout.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *E
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return Internal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }

// Retryable reports whether another attempt can plausibly succeed.
// Store kinds are included: the stores classify hard failures (bad SQL,
// missing bucket) before they get here, so what remains is transient.
func Retryable(err error) bool {
	switch KindOf(err) {
	case UpstreamTransient, RateLimited, Timeout, HotStore, ColdStore:
		return true
	}
	return false
}

// RetryAfterHint returns the server-provided pause, when one was attached.
func RetryAfterHint(err error) (time.Duration, bool) {
	var e *E
	if errors.As(err, &e) && e.RetryAfter > 0 {
		return e.RetryAfter, true
	}
	return 0, false
}

// HTTPStatus maps a failure to the status code the API layer responds with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case Validation:
		return http.StatusBadRequest
	case Auth:
		return http.StatusUnauthorized
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case RateLimited:
		return http.StatusTooManyRequests
	case Timeout:
		return http.StatusGatewayTimeout
	case UpstreamTransient, UpstreamRejected:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Code is the machine-readable error_code used in JSON error bodies.
func Code(err error) string {
	k := KindOf(err)
	if k == "" {
		return string(Internal)
	}
	return string(k)
}
