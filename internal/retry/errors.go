// Package retry wraps fallible network and automation calls with bounded
// exponential backoff and failure classification. Transient failures are
// retried, permanent ones surface immediately, and an exhausted retry budget
// yields an ExhaustedError the caller handles as skip-and-continue.
package retry

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// TransientError marks an error as safe to retry (timeouts, 5xx, rate
// limiting, crashed automation contexts).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError marks an error that retrying cannot fix (non-rate-limit
// 4xx, malformed payloads). It never consumes retry budget.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// ExhaustedError reports that a transient failure outlived the retry budget.
// Callers must treat it as a bounded local loss, never as run-fatal.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// MarkTransient wraps err as retryable. A zero statusCode means the failure
// was not HTTP-shaped.
func MarkTransient(err error, statusCode int) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err, StatusCode: statusCode}
}

// MarkPermanent wraps err as not retryable.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether the chain carries an explicit permanent mark.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsExhausted reports whether err is a spent retry budget.
func IsExhausted(err error) bool {
	var ee *ExhaustedError
	return errors.As(err, &ee)
}

// IsTransient reports whether the error is worth retrying. An explicit
// permanent mark wins over everything else; otherwise explicit transient
// marks, network timeouts, connection-level resets, and a small set of
// string patterns from wrapped HTTP client errors qualify.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsPermanent(err) {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

var transientPatterns = []string{
	"connection reset by peer",
	"broken pipe",
	"temporary failure in name resolution",
	"no such host",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
	"transport connection broken",
	"target crashed",
	"context canceled by browser",
}

// IsTransientHTTPStatus reports whether an HTTP status is a server-side or
// rate-limiting condition worth retrying.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504:
		return true
	}
	return statusCode >= 500
}

// FromHTTPStatus classifies an HTTP failure: rate limiting and 5xx become
// transient, every other 4xx permanent.
func FromHTTPStatus(statusCode int, err error) error {
	if err == nil {
		return nil
	}
	if IsTransientHTTPStatus(statusCode) {
		return MarkTransient(err, statusCode)
	}
	if statusCode >= 400 && statusCode < 500 {
		return MarkPermanent(err)
	}
	return err
}
