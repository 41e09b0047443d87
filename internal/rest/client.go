// Package rest implements the request/response gateway over HTTP.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"perch/internal/telemetry"
	"perch/pkg/perch"
)

const (
	// maxResponseBytes caps how much of a gateway response is read.
	maxResponseBytes = 8 << 20
	// maxErrorSnippetBytes caps how much of an error body is carried in failures.
	maxErrorSnippetBytes = 256
)

// Option mutates client configuration.
type Option func(*Client)

// WithLogger injects a logger for request diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(client *Client) {
		if logger != nil {
			client.logger = logger
		}
	}
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(client *Client) {
		if httpClient != nil {
			client.httpClient = httpClient
		}
	}
}

// Client performs authenticated platform API calls. It implements
// perch.Gateway: every failure is classified into a *perch.RequestError so
// callers can branch on the failure kind instead of status codes.
type Client struct {
	logger     *slog.Logger
	httpClient *http.Client
	baseURL    string
	token      string
}

// New creates a gateway client for the platform API rooted at baseURL.
func New(baseURL, token string, options ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("new rest client: missing base url")
	}
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("new rest client: missing token")
	}

	client := &Client{
		logger:     slog.Default(),
		httpClient: http.DefaultClient,
		baseURL:    baseURL,
		token:      token,
	}
	for _, option := range options {
		option(client)
	}

	return client, nil
}

// Request performs one API call and returns the raw response entity.
// A 204 response yields an empty payload and a nil error.
func (c *Client) Request(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	started := time.Now()

	var bodyReader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s body: %w", method, path, err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("build %s %s request: %w", method, path, err)
	}
	request.Header.Set("Authorization", "Bot "+c.token)
	request.Header.Set("Accept", "application/json")
	if bodyReader != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		requestErr := &perch.RequestError{
			Method: method,
			Path:   path,
			Kind:   classifyTransportFailure(err),
			Cause:  err,
		}
		c.observe(method, string(requestErr.Kind), started)
		c.logger.Debug("gateway request failed",
			"method", method, "path", path, "kind", requestErr.Kind, "error", err)

		return nil, requestErr
	}
	defer func() {
		if closeErr := response.Body.Close(); closeErr != nil {
			c.logger.Debug("gateway response close failed", "error", closeErr)
		}
	}()

	payload, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		requestErr := &perch.RequestError{
			Method: method,
			Path:   path,
			Kind:   perch.RequestFailureNetwork,
			Status: response.StatusCode,
			Cause:  fmt.Errorf("read response body: %w", err),
		}
		c.observe(method, string(requestErr.Kind), started)

		return nil, requestErr
	}

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		requestErr := classifyStatusFailure(method, path, response, payload)
		c.observe(method, string(requestErr.Kind), started)
		c.logger.Debug("gateway request rejected",
			"method", method, "path", path, "status", response.StatusCode, "kind", requestErr.Kind)

		return nil, requestErr
	}

	c.observe(method, "ok", started)

	if response.StatusCode == http.StatusNoContent || len(payload) == 0 {
		return nil, nil
	}

	return json.RawMessage(payload), nil
}

func (c *Client) observe(method, outcome string, started time.Time) {
	telemetry.RecordGatewayRequest(method, outcome, time.Since(started))
}

// classifyTransportFailure maps errors from the HTTP round trip itself.
func classifyTransportFailure(err error) perch.RequestFailureKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return perch.RequestFailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return perch.RequestFailureTimeout
	}

	return perch.RequestFailureNetwork
}

// classifyStatusFailure maps a non-2xx response into a request error.
func classifyStatusFailure(method, path string, response *http.Response, payload []byte) *perch.RequestError {
	requestErr := &perch.RequestError{
		Method: method,
		Path:   path,
		Status: response.StatusCode,
		Cause:  errorBodyCause(payload),
	}

	switch response.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		requestErr.Kind = perch.RequestFailureUnauthorized
	case http.StatusNotFound:
		requestErr.Kind = perch.RequestFailureNotFound
	case http.StatusTooManyRequests:
		requestErr.Kind = perch.RequestFailureRateLimited
		requestErr.RetryAfter = parseRetryAfter(response.Header.Get("Retry-After"))
	default:
		requestErr.Kind = perch.RequestFailureNetwork
	}

	return requestErr
}

// errorBodyCause extracts the platform error message when the body carries
// one, falling back to a raw snippet.
func errorBodyCause(payload []byte) error {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" {
		return nil
	}

	var shaped struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &shaped); err == nil {
		if shaped.Error != "" {
			return errors.New(shaped.Error)
		}
		if shaped.Message != "" {
			return errors.New(shaped.Message)
		}
	}

	if len(trimmed) > maxErrorSnippetBytes {
		trimmed = trimmed[:maxErrorSnippetBytes]
	}

	return errors.New(trimmed)
}

// parseRetryAfter reads a Retry-After header given in seconds.
func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.ParseFloat(header, 64)
	if err != nil || seconds < 0 {
		return 0
	}

	return time.Duration(seconds * float64(time.Second))
}

var _ perch.Gateway = (*Client)(nil)
