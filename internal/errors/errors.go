package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rcourtman/voicegate/pkg/entitlement"
)

// Base error types
var (
	ErrNotFound         = errors.New("not found")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("forbidden")
	ErrTimeout          = errors.New("timeout")
	ErrInvalidInput     = errors.New("invalid input")
	ErrConnectionFailed = errors.New("connection failed")
	ErrInternalError    = errors.New("internal error")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeConnection ErrorType = "connection"
	ErrorTypeAuth       ErrorType = "auth"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeInternal   ErrorType = "internal"
	ErrorTypeAPI        ErrorType = "api"
	ErrorTypeTimeout    ErrorType = "timeout"
)

// ProviderError is a structured error from a billing ledger call.
type ProviderError struct {
	Type       ErrorType
	Op         string // e.g. "fetch_subscriber"
	UserID     string
	Err        error
	StatusCode int // HTTP status code if applicable
	Timestamp  time.Time
	Retryable  bool
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		if e.UserID != "" {
			return fmt.Sprintf("%s failed for %s (HTTP %d): %v", e.Op, e.UserID, e.StatusCode, e.Err)
		}
		return fmt.Sprintf("%s failed (HTTP %d): %v", e.Op, e.StatusCode, e.Err)
	}
	if e.UserID != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.UserID, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface. Connection and timeout failures also
// match entitlement.ErrUnreachable so the resolver can report them as such.
func (e *ProviderError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrNotFound:
		return e.Type == ErrorTypeNotFound
	case ErrUnauthorized, ErrForbidden:
		return e.Type == ErrorTypeAuth
	case ErrTimeout:
		return e.Type == ErrorTypeTimeout
	case ErrConnectionFailed:
		return e.Type == ErrorTypeConnection
	case entitlement.ErrUnreachable:
		if e.Type == ErrorTypeConnection || e.Type == ErrorTypeTimeout {
			return true
		}
	}

	return errors.Is(e.Err, target)
}

// NewProviderError creates a new ProviderError
func NewProviderError(errorType ErrorType, op, userID string, err error) *ProviderError {
	return &ProviderError{
		Type:      errorType,
		Op:        op,
		UserID:    userID,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(errorType, err),
	}
}

// WithStatusCode records the HTTP status and re-derives Retryable from it.
func (e *ProviderError) WithStatusCode(code int) *ProviderError {
	e.StatusCode = code
	if code >= 500 || code == 429 || code == 408 {
		e.Retryable = true
	} else if code >= 400 && code < 500 {
		e.Retryable = false
	}
	return e
}

func isRetryable(errorType ErrorType, err error) bool {
	switch errorType {
	case ErrorTypeConnection, ErrorTypeTimeout:
		return true
	case ErrorTypeAuth, ErrorTypeValidation, ErrorTypeNotFound:
		return false
	default:
		if err != nil {
			return !errors.Is(err, ErrInvalidInput) && !errors.Is(err, ErrForbidden)
		}
		return true
	}
}

// Classify maps a transport-level failure to an ErrorType.
func Classify(err error) ErrorType {
	if err == nil {
		return ""
	}
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Type
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
		return ErrorTypeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorTypeTimeout
	}
	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) || errors.Is(err, ErrConnectionFailed) {
		return ErrorTypeConnection
	}
	if errors.Is(err, context.Canceled) {
		return ErrorTypeConnection
	}
	return ErrorTypeInternal
}

// WrapTransportError wraps a failed request with the classified type.
func WrapTransportError(op, userID string, err error) error {
	return NewProviderError(Classify(err), op, userID, err)
}

// WrapAPIError wraps a non-success HTTP answer.
func WrapAPIError(op, userID string, err error, statusCode int) *ProviderError {
	errorType := ErrorTypeAPI
	switch statusCode {
	case 401, 403:
		errorType = ErrorTypeAuth
	case 404:
		errorType = ErrorTypeNotFound
	case 400, 422:
		errorType = ErrorTypeValidation
	}
	return NewProviderError(errorType, op, userID, err).WithStatusCode(statusCode)
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Retryable
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnectionFailed)
}

// IsAuthError checks if an error is an authentication error
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}

	var provErr *ProviderError
	if errors.As(err, &provErr) {
		if provErr.Type == ErrorTypeAuth {
			return true
		}
		if provErr.StatusCode == 401 || provErr.StatusCode == 403 {
			return true
		}
	}

	if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrForbidden) {
		return true
	}

	errMsg := strings.ToLower(err.Error())
	return strings.Contains(errMsg, "authentication failed") ||
		strings.Contains(errMsg, "unauthorized") ||
		strings.Contains(errMsg, "forbidden")
}
