package resource

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrForbidden matches, via errors.Is, any TransportError carrying status 403
var ErrForbidden = errors.New("resource: forbidden")

// ErrorKind classifies a failed call for callers that switch on it
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindTransport
	KindForbidden
	KindDomain
	KindDecode
	KindCanceled
	KindUnknown
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTransport:
		return "transport"
	case KindForbidden:
		return "forbidden"
	case KindDomain:
		return "domain"
	case KindDecode:
		return "decode"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// TransportError is a network or HTTP-layer failure: a non-2xx status or no response at all.
// Path is the resource path, never the full URL, so the embedded credential stays out of messages.
type TransportError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
	Cause      error
}

func (e *TransportError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s %s: request failed: %v", e.Method, e.Path, e.Cause)
	}
	msg := fmt.Sprintf("%s %s: upstream returned status %d", e.Method, e.Path, e.StatusCode)
	if body := strings.TrimSpace(e.Body); body != "" {
		msg += ": " + truncate(body, 200)
	}
	return msg
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

// Is makes errors.Is(err, ErrForbidden) true for 403 responses
func (e *TransportError) Is(target error) bool {
	return target == ErrForbidden && e.Forbidden()
}

// Forbidden reports whether the upstream answered 403
func (e *TransportError) Forbidden() bool {
	return e.StatusCode == http.StatusForbidden
}

// DomainError is a logical failure reported inside a response whose transport status was successful
type DomainError struct {
	Code        string
	Message     string
	Details     []string
	Description string
}

func (e *DomainError) Error() string {
	var b strings.Builder
	b.WriteString("upstream error")
	if e.Code != "" {
		b.WriteString(" " + e.Code)
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	if len(e.Details) > 0 {
		b.WriteString(" (" + strings.Join(e.Details, "; ") + ")")
	}
	return b.String()
}

// DecodeError means the upstream body could not be parsed
type DecodeError struct {
	Path  string
	Cause error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Path, e.Cause)
}

func (e *DecodeError) Unwrap() error {
	return e.Cause
}

// Classify maps an error returned by the client to its kind
func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}

	var transportErr *TransportError
	var domainErr *DomainError
	var decodeErr *DecodeError

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.As(err, &transportErr):
		return KindTransport
	case errors.As(err, &domainErr):
		return KindDomain
	case errors.As(err, &decodeErr):
		return KindDecode
	default:
		return KindUnknown
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
