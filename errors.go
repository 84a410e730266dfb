package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// =============================================================================
// Fatal Errors
// =============================================================================

// FatalError represents an error that should stop every worker immediately.
// These are configuration problems where no other account or proxy would help.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// NewFatalError wraps an error as fatal.
func NewFatalError(err error) error {
	return &FatalError{Err: err}
}

// IsFatalError checks if the error is a fatal error that should stop the run.
func IsFatalError(err error) bool {
	if err == nil {
		return false
	}
	var fe *FatalError
	return errors.As(err, &fe)
}

// =============================================================================
// Email Errors
// =============================================================================

// EmailLoginError means the mailbox rejected the credentials or INBOX could not be selected.
type EmailLoginError struct {
	Email string
	Host  string
	Err   error
}

func (e *EmailLoginError) Error() string {
	return fmt.Sprintf("email login %s on %s: %v", e.Email, e.Host, e.Err)
}

func (e *EmailLoginError) Unwrap() error {
	return e.Err
}

// EmailCodeTimeoutError means no qualifying message arrived before the deadline.
type EmailCodeTimeoutError struct {
	Email    string
	Deadline time.Duration
}

func (e *EmailCodeTimeoutError) Error() string {
	return fmt.Sprintf("email code timeout for %s (%s)", e.Email, e.Deadline)
}

// IsEmailError reports whether err came from the mailbox side of a challenge.
func IsEmailError(err error) bool {
	var loginErr *EmailLoginError
	var timeoutErr *EmailCodeTimeoutError
	return errors.As(err, &loginErr) || errors.As(err, &timeoutErr)
}

// =============================================================================
// Retryable Errors
// =============================================================================

// retryableErrorPatterns contains error message substrings that indicate retryable errors.
var retryableErrorPatterns = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"i/o timeout",
	"TLS handshake timeout",
	"tls: ",
	"EOF",
	"malformed HTTP response",
	"transport connection broken",
	"use of closed network connection",
	"proxy",
}

// IsRetryableError checks if the error is temporary and worth a new attempt with a new proxy.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if IsFatalError(err) || IsEmailError(err) || errors.Is(err, context.Canceled) {
		return false
	}

	if isNetworkTimeout(err) {
		return true
	}

	return containsRetryablePattern(err.Error())
}

// isTransportRetryable decides whether the session retries a failed round trip.
// Every client error is a transport error, timeouts included; cancellation and fatal errors stop the retry.
func isTransportRetryable(err error) bool {
	return !errors.Is(err, context.Canceled) && !IsFatalError(err)
}

func isNetworkTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func containsRetryablePattern(errStr string) bool {
	for _, pattern := range retryableErrorPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
