package errs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWrap_PreservesInnerKind(t *testing.T) {
	inner := New(RateLimited, "upstream.samples", "429 from vendor")
	outer := Wrap(HotStore, "ingest.run", inner)

	assert.Equal(t, RateLimited, KindOf(outer))
	assert.True(t, errors.Is(outer, inner) || errors.As(outer, new(*E)))
}

func TestWrap_NilPassthrough(t *testing.T) {
	assert.NoError(t, Wrap(HotStore, "ingest.run", nil))
}

func TestKindOf_UntypedAndDeadline(t *testing.T) {
	assert.Equal(t, Internal, KindOf(errors.New("boom")))
	assert.Equal(t, Timeout, KindOf(fmt.Errorf("query: %w", context.DeadlineExceeded)))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(UpstreamTransient, "op", "503")))
	assert.True(t, Retryable(New(RateLimited, "op", "429")))
	assert.True(t, Retryable(New(Timeout, "op", "deadline")))
	assert.True(t, Retryable(New(HotStore, "op", "deadlock")))
	assert.True(t, Retryable(New(ColdStore, "op", "503 from object store")))

	assert.False(t, Retryable(New(UpstreamRejected, "op", "400")))
	assert.False(t, Retryable(New(Validation, "op", "bad range")))
	assert.False(t, Retryable(New(Integrity, "op", "count mismatch")))
	assert.False(t, Retryable(nil))
}

func TestRetryAfterHint(t *testing.T) {
	err := RateLimitedFor("upstream.samples", 7*time.Second, errors.New("429"))
	d, ok := RetryAfterHint(err)
	assert.True(t, ok)
	assert.Equal(t, 7*time.Second, d)

	wrapped := Wrap(Internal, "ingest.run", err)
	d, ok = RetryAfterHint(wrapped)
	assert.True(t, ok, "hint survives wrapping")
	assert.Equal(t, 7*time.Second, d)

	_, ok = RetryAfterHint(New(RateLimited, "op", "no hint"))
	assert.False(t, ok)
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		Validation:        http.StatusBadRequest,
		Auth:              http.StatusUnauthorized,
		NotFound:          http.StatusNotFound,
		Conflict:          http.StatusConflict,
		RateLimited:       http.StatusTooManyRequests,
		Timeout:           http.StatusGatewayTimeout,
		UpstreamTransient: http.StatusBadGateway,
		UpstreamRejected:  http.StatusBadGateway,
		HotStore:          http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, HTTPStatus(New(kind, "op", "x")), "kind %s", kind)
	}
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("untyped")))
}

func TestCode(t *testing.T) {
	assert.Equal(t, "validation", Code(New(Validation, "op", "x")))
	assert.Equal(t, "internal", Code(errors.New("untyped")))
}
