// Package resilience provides retry with backoff and the error taxonomy the
// ingestion pipeline scopes its failure handling on.
package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// ErrorKind classifies a failure so callers can decide its blast radius
// (skip record vs skip month vs abort run) on structured data.
type ErrorKind string

const (
	// KindTransient covers timeouts, 429 and 5xx after retry exhaustion.
	KindTransient ErrorKind = "transient"
	// KindProtocol covers unexpected response shapes (non-list feed pages).
	KindProtocol ErrorKind = "protocol"
	// KindData covers single-record defects (unparseable timestamps,
	// missing mandatory fields after completion).
	KindData ErrorKind = "data"
	// KindIncomplete means a record could not be completed: no hash and no
	// local fallback. Such records are excluded from matching, fail-closed.
	KindIncomplete ErrorKind = "incomplete"
)

// FetchError carries the kind taxonomy through error chains.
type FetchError struct {
	Kind ErrorKind
	Err  error
}

func (e *FetchError) Error() string {
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewFetchError wraps err with a kind tag.
func NewFetchError(kind ErrorKind, err error) *FetchError {
	return &FetchError{Kind: kind, Err: err}
}

// KindOf extracts the kind from an error chain, defaulting to KindTransient
// for untagged errors so unknown failures stay retryable and bounded.
func KindOf(err error) ErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindTransient
}

// TransientError wraps an error that is safe to retry (429, 5xx, network
// timeout), optionally carrying the HTTP status that produced it.
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

// NewTransientError wraps an error as transient with an optional HTTP status.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// IsTransient returns true if the error chain contains a TransientError or
// matches common network-level transient patterns.
func IsTransient(err error) bool {
	if err == nil {
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

	// Wrapped client errors lose their types; fall back to message checks.
	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true for status codes that are safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
