package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Kind classifies provider failures so the runner can decide between
// retrying, rotating credentials and compacting.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransport
	KindRateLimited
	KindContextOverflow
	KindAuth
	KindBadRequest
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindRateLimited:
		return "rate_limited"
	case KindContextOverflow:
		return "context_overflow"
	case KindAuth:
		return "auth"
	case KindBadRequest:
		return "bad_request"
	default:
		return "unknown"
	}
}

// Error is returned by every provider call that fails.
type Error struct {
	Provider   string
	Kind       Kind
	Status     int // HTTP status, 0 when the request never got a response
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	b.WriteString(": ")
	b.WriteString(e.Kind.String())
	if e.Status != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind carried by err, or KindUnknown.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// overflowMarkers are substrings providers use to report that the prompt
// does not fit the model's context window.
var overflowMarkers = []string{
	"prompt is too long",
	"context_length_exceeded",
	"maximum context length",
	"context window",
	"too many tokens",
}

// IsContextOverflowMessage reports whether msg looks like a context window error.
func IsContextOverflowMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, m := range overflowMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// classifyStatus maps an HTTP error response to a Kind.
func classifyStatus(status int, body string) Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusRequestEntityTooLarge:
		return KindContextOverflow
	case status >= 500:
		// 529 (anthropic overloaded) lands here too.
		return KindTransport
	case status >= 400:
		if IsContextOverflowMessage(body) {
			return KindContextOverflow
		}
		return KindBadRequest
	}
	return KindUnknown
}

// httpError builds an *Error from a non-200 response.
func httpError(provider string, status int, body string, retryAfter time.Duration) *Error {
	return &Error{
		Provider:   provider,
		Kind:       classifyStatus(status, body),
		Status:     status,
		Message:    truncate(strings.TrimSpace(body), 512),
		RetryAfter: retryAfter,
	}
}

// transportError wraps connection and stream failures. Context cancellation
// is passed through untouched so callers can tell an abort from a failure.
func transportError(provider string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &Error{Provider: provider, Kind: KindTransport, Err: err}
}

// streamError classifies an error event delivered inside an SSE stream.
func streamError(provider, errType, message string) *Error {
	kind := KindTransport
	switch {
	case strings.Contains(errType, "rate_limit"):
		kind = KindRateLimited
	case strings.Contains(errType, "authentication") || strings.Contains(errType, "permission"):
		kind = KindAuth
	case IsContextOverflowMessage(message):
		kind = KindContextOverflow
	case strings.Contains(errType, "invalid_request"):
		kind = KindBadRequest
	}
	return &Error{Provider: provider, Kind: kind, Message: errType + ": " + message}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
