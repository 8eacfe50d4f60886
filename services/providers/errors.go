package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Error codes carried by ProviderError
const (
	CodeAuth          = "AUTH_ERROR"
	CodeRateLimit     = "RATE_LIMIT"
	CodeServer        = "SERVER_ERROR"
	CodeTransport     = "TRANSPORT_ERROR"
	CodeInvalidReq    = "INVALID_REQUEST"
	CodeDecode        = "DECODE_ERROR"
	CodeCircuitOpen   = "CIRCUIT_OPEN"
	CodeStreamAborted = "STREAM_ABORTED"
)

// ProviderError is the generic failure returned by every backend.
// Vendor payloads are summarized into Message; the raw error is only kept as Cause.
type ProviderError struct {
	// Provider that generated the error
	Provider Backend

	// Code is the error code
	Code string

	// Message is the error message
	Message string

	// StatusCode is the HTTP status code (if applicable)
	StatusCode int

	// Retryable indicates if the request can be retried
	Retryable bool

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Provider, e.Message)
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap implements error unwrapping
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError creates a new provider error
func NewProviderError(provider Backend, code, message string, statusCode int, retryable bool, cause error) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Retryable:  retryable,
		Cause:      cause,
	}
}

// AuthError is returned for rejected credentials. Never retryable.
type AuthError struct {
	ProviderError
}

// NewAuthError creates an auth error
func NewAuthError(provider Backend, statusCode int, message string) *AuthError {
	return &AuthError{ProviderError{
		Provider:   provider,
		Code:       CodeAuth,
		Message:    message,
		StatusCode: statusCode,
	}}
}

// RateLimitError is returned when the backend throttles the caller
type RateLimitError struct {
	ProviderError

	// RetryAfter is the backend's hint, zero when none was given
	RetryAfter time.Duration
}

// NewRateLimitError creates a rate limit error
func NewRateLimitError(provider Backend, message string, retryAfter time.Duration) *RateLimitError {
	return &RateLimitError{
		ProviderError: ProviderError{
			Provider:   provider,
			Code:       CodeRateLimit,
			Message:    message,
			StatusCode: http.StatusTooManyRequests,
			Retryable:  true,
		},
		RetryAfter: retryAfter,
	}
}

// CircuitOpenError is returned when a request is short-circuited
type CircuitOpenError struct {
	ProviderError
	Until time.Time
}

// NewCircuitOpenError creates a circuit open error
func NewCircuitOpenError(provider Backend, until time.Time) *CircuitOpenError {
	return &CircuitOpenError{
		ProviderError: ProviderError{
			Provider:   provider,
			Code:       CodeCircuitOpen,
			Message:    "circuit open",
			StatusCode: http.StatusServiceUnavailable,
			Retryable:  true,
		},
		Until: until,
	}
}

// ModelNotFoundError is returned when no mapping exists for a logical model on a backend
type ModelNotFoundError struct {
	Model   string
	Backend Backend
}

func (e *ModelNotFoundError) Error() string {
	return fmt.Sprintf("model %q not mapped for backend %s", e.Model, e.Backend)
}

// ModelTranslationError is returned when a request cannot be mapped onto a backend wire format
type ModelTranslationError struct {
	Logical string
	Backend Backend
	Region  string
	Reason  string
	Cause   error
}

func (e *ModelTranslationError) Error() string {
	return fmt.Sprintf("translate %q for %s (region %q): %s", e.Logical, e.Backend, e.Region, e.Reason)
}

func (e *ModelTranslationError) Unwrap() error {
	return e.Cause
}

// ModelAvailabilityError is returned when a tier is not servable by a backend
type ModelAvailabilityError struct {
	Logical string
	Backend Backend
	Region  string
	Reason  string
}

func (e *ModelAvailabilityError) Error() string {
	return fmt.Sprintf("model %q unavailable on %s (region %q): %s", e.Logical, e.Backend, e.Region, e.Reason)
}

// AsProviderError extracts the ProviderError carried by any error of the provider family
func AsProviderError(err error) (*ProviderError, bool) {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return &authErr.ProviderError, true
	}
	var rlErr *RateLimitError
	if errors.As(err, &rlErr) {
		return &rlErr.ProviderError, true
	}
	var coErr *CircuitOpenError
	if errors.As(err, &coErr) {
		return &coErr.ProviderError, true
	}
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if provErr, ok := AsProviderError(err); ok {
		return provErr.Retryable
	}
	return false
}

// IsAuthError checks if an error is an AuthError
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// IsRateLimitError checks if an error is a RateLimitError
func IsRateLimitError(err error) bool {
	var rlErr *RateLimitError
	return errors.As(err, &rlErr)
}

// IsCircuitOpenError checks if an error is a CircuitOpenError
func IsCircuitOpenError(err error) bool {
	var coErr *CircuitOpenError
	return errors.As(err, &coErr)
}

// IsModelNotFound checks if an error is a ModelNotFoundError
func IsModelNotFound(err error) bool {
	var nfErr *ModelNotFoundError
	return errors.As(err, &nfErr)
}

// RetryAfter returns the retry hint of a RateLimitError, or zero
func RetryAfter(err error) time.Duration {
	var rlErr *RateLimitError
	if errors.As(err, &rlErr) {
		return rlErr.RetryAfter
	}
	return 0
}

var quotaPatterns = []string{
	"quota",
	"rate limit",
	"rate_limit",
	"too many requests",
	"resource_exhausted",
	"resource exhausted",
	"overloaded",
	"insufficient_quota",
}

// isQuotaMessage reports whether a non-429 body still describes throttling
func isQuotaMessage(body string) bool {
	lower := strings.ToLower(body)
	for _, p := range quotaPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// ClassifyHTTPError maps an HTTP failure onto the error taxonomy.
// message should already be extracted from the vendor payload.
func ClassifyHTTPError(provider Backend, statusCode int, message string, header http.Header) error {
	if message == "" {
		message = http.StatusText(statusCode)
	}

	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return NewAuthError(provider, statusCode, message)
	case statusCode == http.StatusTooManyRequests:
		return NewRateLimitError(provider, message, ParseRetryAfter(header))
	case statusCode == http.StatusPaymentRequired && isQuotaMessage(message):
		rl := NewRateLimitError(provider, message, ParseRetryAfter(header))
		rl.StatusCode = statusCode
		return rl
	case statusCode >= 500:
		return NewProviderError(provider, CodeServer, message, statusCode, true, nil)
	default:
		return NewProviderError(provider, CodeInvalidReq, message, statusCode, false, nil)
	}
}

// TransportError wraps a network-level failure
func TransportError(provider Backend, err error) *ProviderError {
	return NewProviderError(provider, CodeTransport, "request failed", 0, true, err)
}

// ParseRetryAfter reads a Retry-After header in seconds or HTTP-date form
func ParseRetryAfter(header http.Header) time.Duration {
	if header == nil {
		return 0
	}
	for _, key := range []string{"Retry-After", "retry-after-ms", "x-ratelimit-reset-requests"} {
		v := strings.TrimSpace(header.Get(key))
		if v == "" {
			continue
		}
		if key == "retry-after-ms" {
			if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
				return time.Duration(ms) * time.Millisecond
			}
			continue
		}
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
		if t, err := http.ParseTime(v); err == nil {
			if d := time.Until(t); d > 0 {
				return d
			}
		}
	}
	return 0
}
