package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// FailureKind classifies why a provider call or grading task failed.
type FailureKind string

const (
	KindNetwork           FailureKind = "network"
	KindRateLimited       FailureKind = "rate_limited"
	KindAuth              FailureKind = "auth"
	KindMalformedResponse FailureKind = "malformed_response"

	// Task-level kinds, never produced by a provider client.
	KindMalformedInput FailureKind = "malformed_input"
	KindQuotaExceeded  FailureKind = "quota_exceeded"
	KindCancelled      FailureKind = "cancelled"
	KindInternal       FailureKind = "internal"
)

// Retryable reports whether a failure of this kind may succeed on retry.
func (k FailureKind) Retryable() bool {
	return k == KindNetwork || k == KindRateLimited
}

var ErrUnknownProvider = errors.New("unknown ai provider")

// ProviderError is the typed failure every ProviderClient returns.
type ProviderError struct {
	Kind       FailureKind
	Provider   string
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Provider, e.Kind)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
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

func (e *ProviderError) Unwrap() error { return e.Err }

func NewError(kind FailureKind, provider, message string) *ProviderError {
	return &ProviderError{Kind: kind, Provider: provider, Message: message}
}

// Classify returns the failure kind of err. Errors that are not
// ProviderErrors are classified by their cause.
func Classify(err error) FailureKind {
	if err == nil {
		return ""
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindNetwork
	}
	return KindInternal
}

// RetryAfterOf returns the provider's requested delay, or zero.
func RetryAfterOf(err error) time.Duration {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// FromStatus maps a non-2xx HTTP response to a ProviderError.
func FromStatus(provider string, status int, header http.Header, body []byte) *ProviderError {
	e := &ProviderError{Provider: provider, StatusCode: status, Message: snippet(body)}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = KindAuth
	case status == http.StatusTooManyRequests:
		e.Kind = KindRateLimited
		e.RetryAfter = ParseRetryAfter(header.Get("Retry-After"), time.Now())
	case status == http.StatusRequestTimeout || status >= http.StatusInternalServerError:
		e.Kind = KindNetwork
	default:
		// Other 4xx means the request or response shape is wrong; retrying
		// the same call cannot help.
		e.Kind = KindMalformedResponse
	}
	return e
}

// ParseRetryAfter accepts delta-seconds or an HTTP date.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

const maxSnippet = 200

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxSnippet {
		return s[:maxSnippet] + "..."
	}
	return s
}
