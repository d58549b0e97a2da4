package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
)

// Class is the failure classification that drives retry and fallback.
type Class int

const (
	// Retryable is a transient failure (timeout, 5xx, connection reset) that is
	// retried on the same provider.
	Retryable Class = iota + 1
	// Fallback is a provider-specific rejection another provider might satisfy
	// (quota exceeded, unsupported format).
	Fallback
	// Fatal is malformed input no provider can recover from.
	Fatal
)

func (c Class) String() string {
	switch c {
	case Retryable:
		return "retryable"
	case Fallback:
		return "fallback"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ErrRateLimitTimeout is returned when a rate limiter permit could not be
// acquired before the deadline.
var ErrRateLimitTimeout = eris.New("rate limit timeout")

// ClassifiedError carries an explicit classification set by the code that
// produced the failure.
type ClassifiedError struct {
	Class      Class
	Err        error
	StatusCode int
}

func (e *ClassifiedError) Error() string {
	return e.Err.Error()
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// NewRetryable marks err as retryable.
func NewRetryable(err error) *ClassifiedError {
	return &ClassifiedError{Class: Retryable, Err: err}
}

// NewFallback marks err as fallback.
func NewFallback(err error) *ClassifiedError {
	return &ClassifiedError{Class: Fallback, Err: err}
}

// NewFatal marks err as fatal.
func NewFatal(err error) *ClassifiedError {
	return &ClassifiedError{Class: Fatal, Err: err}
}

// HTTPError is returned by vendor clients for non-2xx responses.
type HTTPError struct {
	StatusCode int
	Body       string
	Op         string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: http %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: http %d: %s", e.Op, e.StatusCode, e.Body)
}

// ClassOf returns the explicit classification in err's chain, or 0 if none.
func ClassOf(err error) Class {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	return 0
}

// DefaultClassifier maps a raw failure to a Class. Explicit classifications
// win; otherwise transport failures and 5xx are retryable, rate limiting and
// quota/format rejections fall back, and caller cancellation is fatal for the
// current chain.
func DefaultClassifier(err error) Class {
	if err == nil {
		return 0
	}
	if c := ClassOf(err); c != 0 {
		return c
	}
	if errors.Is(err, context.Canceled) {
		return Fatal
	}
	if errors.Is(err, ErrRateLimitTimeout) || errors.Is(err, ErrCircuitOpen) {
		return Fallback
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return ClassifyHTTPStatus(he.StatusCode)
	}
	if errors.Is(err, context.DeadlineExceeded) || IsTransient(err) {
		return Retryable
	}
	return Fallback
}

// ClassifyHTTPStatus maps an HTTP status code to a Class.
func ClassifyHTTPStatus(status int) Class {
	switch {
	case status == http.StatusTooManyRequests,
		status == http.StatusPaymentRequired,
		status == http.StatusUnsupportedMediaType,
		status == http.StatusUnprocessableEntity,
		status == http.StatusUnauthorized,
		status == http.StatusForbidden,
		status == http.StatusNotFound:
		return Fallback
	case IsTransientHTTPStatus(status):
		return Retryable
	case status == http.StatusBadRequest:
		return Fatal
	default:
		return Fallback
	}
}

// IsTransient returns true if the error (or any error in its chain) is
// explicitly retryable, or if it matches common transient error patterns
// (network timeouts, connection resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if ClassOf(err) == Retryable {
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

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
		"unexpected eof",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}
