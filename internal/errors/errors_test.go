package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/rcourtman/voicegate/pkg/entitlement"
)

func TestProviderErrorIs(t *testing.T) {
	tests := []struct {
		name   string
		err    *ProviderError
		target error
		want   bool
	}{
		{"timeout matches ErrTimeout", NewProviderError(ErrorTypeTimeout, "fetch", "u1", context.DeadlineExceeded), ErrTimeout, true},
		{"timeout is unreachable", NewProviderError(ErrorTypeTimeout, "fetch", "u1", context.DeadlineExceeded), entitlement.ErrUnreachable, true},
		{"connection is unreachable", NewProviderError(ErrorTypeConnection, "fetch", "u1", errors.New("refused")), entitlement.ErrUnreachable, true},
		{"auth is not unreachable", NewProviderError(ErrorTypeAuth, "fetch", "u1", errors.New("bad key")), entitlement.ErrUnreachable, false},
		{"auth matches unauthorized", NewProviderError(ErrorTypeAuth, "fetch", "u1", errors.New("bad key")), ErrUnauthorized, true},
		{"not found", NewProviderError(ErrorTypeNotFound, "fetch", "u1", errors.New("missing")), ErrNotFound, true},
		{"wrapped cause", NewProviderError(ErrorTypeAPI, "fetch", "u1", ErrInvalidInput), ErrInvalidInput, true},
		{"unrelated", NewProviderError(ErrorTypeAPI, "fetch", "u1", errors.New("x")), ErrNotFound, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.Is(tt.err, tt.target); got != tt.want {
				t.Fatalf("errors.Is=%t, want %t", got, tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorType
	}{
		{"nil", nil, ""},
		{"deadline", fmt.Errorf("get: %w", context.DeadlineExceeded), ErrorTypeTimeout},
		{"dial", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, ErrorTypeConnection},
		{"dns", &net.DNSError{Err: "no such host", Name: "ledger.invalid"}, ErrorTypeConnection},
		{"canceled", context.Canceled, ErrorTypeConnection},
		{"already typed", NewProviderError(ErrorTypeAuth, "x", "", nil), ErrorTypeAuth},
		{"other", errors.New("decode failed"), ErrorTypeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Fatalf("Classify=%q, want %q", got, tt.want)
			}
		})
	}
}

func TestWrapAPIErrorRetryable(t *testing.T) {
	tests := []struct {
		code      int
		wantType  ErrorType
		wantRetry bool
	}{
		{401, ErrorTypeAuth, false},
		{404, ErrorTypeNotFound, false},
		{422, ErrorTypeValidation, false},
		{429, ErrorTypeAPI, true},
		{503, ErrorTypeAPI, true},
	}
	for _, tt := range tests {
		err := WrapAPIError("fetch_subscriber", "u1", errors.New("status"), tt.code)
		if err.Type != tt.wantType || err.Retryable != tt.wantRetry {
			t.Errorf("code %d: type=%q retry=%t, want %q %t", tt.code, err.Type, err.Retryable, tt.wantType, tt.wantRetry)
		}
		if IsRetryableError(err) != tt.wantRetry {
			t.Errorf("code %d: IsRetryableError mismatch", tt.code)
		}
	}
}

func TestIsAuthError(t *testing.T) {
	if !IsAuthError(WrapAPIError("fetch", "u1", errors.New("nope"), 403)) {
		t.Fatal("403 should be an auth error")
	}
	if !IsAuthError(fmt.Errorf("wrapped: %w", ErrUnauthorized)) {
		t.Fatal("wrapped ErrUnauthorized should be an auth error")
	}
	if IsAuthError(errors.New("timeout")) || IsAuthError(nil) {
		t.Fatal("unexpected auth classification")
	}
}

func TestProviderErrorMessage(t *testing.T) {
	err := WrapAPIError("fetch_subscriber", "u1", errors.New("bad gateway"), 502)
	want := "fetch_subscriber failed for u1 (HTTP 502): bad gateway"
	if err.Error() != want {
		t.Fatalf("Error()=%q, want %q", err.Error(), want)
	}
}
