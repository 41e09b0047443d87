package perch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Gateway is the request/response collaborator for entity lookups and
// message mutations.
//
// Implementations encode body as JSON, attach the session credential, and
// classify every failure as a *RequestError.
type Gateway interface {
	// Request performs one call and returns the raw response entity.
	Request(ctx context.Context, method, path string, body any) (json.RawMessage, error)
}

// RequestFailureKind classifies gateway failures.
type RequestFailureKind string

const (
	// RequestFailureUnauthorized indicates the credential was rejected.
	RequestFailureUnauthorized RequestFailureKind = "unauthorized"
	// RequestFailureNotFound indicates the entity does not exist.
	RequestFailureNotFound RequestFailureKind = "not_found"
	// RequestFailureRateLimited indicates platform-side throttling.
	RequestFailureRateLimited RequestFailureKind = "rate_limited"
	// RequestFailureTimeout indicates the per-request deadline expired.
	RequestFailureTimeout RequestFailureKind = "timeout"
	// RequestFailureNetwork indicates transport or server-side failure.
	RequestFailureNetwork RequestFailureKind = "network"
)

// RequestError carries structured metadata for one gateway failure.
type RequestError struct {
	// Method is the request method that failed.
	Method string
	// Path is the request path that failed.
	Path string
	// Kind classifies the failure.
	Kind RequestFailureKind
	// Status is the HTTP status code when one was received.
	Status int
	// RetryAfter carries the suggested retry delay for rate-limited failures.
	RetryAfter time.Duration
	// Cause is the wrapped transport/decoding error.
	Cause error
}

// Error returns one operator-readable failure summary.
func (e *RequestError) Error() string {
	if e == nil {
		return "<nil>"
	}

	fields := make([]string, 0, 5)
	if method := strings.TrimSpace(e.Method); method != "" {
		fields = append(fields, "method="+method)
	}
	if path := strings.TrimSpace(e.Path); path != "" {
		fields = append(fields, "path="+path)
	}
	if kind := strings.TrimSpace(string(e.Kind)); kind != "" {
		fields = append(fields, "kind="+kind)
	}
	if e.Status != 0 {
		fields = append(fields, fmt.Sprintf("status=%d", e.Status))
	}
	if e.RetryAfter > 0 {
		fields = append(fields, "retry_after="+e.RetryAfter.String())
	}

	if len(fields) == 0 {
		if e.Cause == nil {
			return "request error"
		}
		return fmt.Sprintf("request error: %v", e.Cause)
	}

	if e.Cause == nil {
		return "request error: " + strings.Join(fields, " ")
	}
	return "request error: " + strings.Join(fields, " ") + ": " + e.Cause.Error()
}

// Unwrap returns the wrapped root cause.
func (e *RequestError) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Cause
}

// AsRequestError extracts one RequestError from wrapped error chains.
func AsRequestError(err error) (*RequestError, bool) {
	if err == nil {
		return nil, false
	}

	var requestErr *RequestError
	if errors.As(err, &requestErr) {
		return requestErr, true
	}

	return nil, false
}

// AsRequestRateLimit extracts retry delay metadata from rate-limited failures.
//
// It returns `(0, false)` if err is not classified as rate-limited.
// It returns `(0, true)` when rate-limited but no retry-after hint is known.
func AsRequestRateLimit(err error) (time.Duration, bool) {
	requestErr, ok := AsRequestError(err)
	if !ok || requestErr == nil || requestErr.Kind != RequestFailureRateLimited {
		return 0, false
	}

	return requestErr.RetryAfter, true
}

// RequestAs performs one gateway call and decodes the response entity.
func RequestAs[T any](ctx context.Context, gateway Gateway, method, path string, body any) (*T, error) {
	if gateway == nil {
		return nil, fmt.Errorf("request %s %s: nil gateway", method, path)
	}

	raw, err := gateway.Request(ctx, method, path, body)
	if err != nil {
		return nil, fmt.Errorf("request %s %s: %w", method, path, err)
	}

	var decoded T
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode %s %s response: %w", method, path, err)
	}

	return &decoded, nil
}
