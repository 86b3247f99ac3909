// Package provider implements the LLM provider routing and resilience core:
// a unified abstraction over heterogeneous backends with circuit breaking,
// retries, timeouts, and response normalization (spec.md §4.7-§4.10).
package provider

import (
	"errors"
	"fmt"
)

// Kind is the normalized error taxonomy from spec.md §7/§4.9.
type Kind string

const (
	KindTimeout     Kind = "timeout"
	KindAuth        Kind = "auth"
	KindRateLimit   Kind = "rate_limit"
	KindConnection  Kind = "connection"
	KindCircuitOpen Kind = "circuit_open"
	KindValidation  Kind = "validation"
	KindUnknown     Kind = "unknown"
)

// Error is the normalized error every Router call returns on failure. It
// carries a human suggestion and whether the caller may retry, mirroring
// digitallysavvy-go-ai's ProviderError/RateLimitError shape but collapsed
// into the single taxonomy spec.md §4.9 calls for.
type Error struct {
	Kind        Kind
	Provider    string
	StatusCode  int
	Message     string
	Suggestion  string
	Recoverable bool
	Cause       error

	// CooldownRemaining is set only for KindCircuitOpen.
	CooldownRemainingMs int64
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (provider=%s cause=%v)", e.Kind, e.Message, e.Provider, e.Cause)
	}
	return fmt.Sprintf("%s: %s (provider=%s)", e.Kind, e.Message, e.Provider)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is comparisons against any other *Error; two match
// when their Kind is equal.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

func newError(kind Kind, provider, message, suggestion string, recoverable bool, cause error) *Error {
	return &Error{
		Kind:        kind,
		Provider:    provider,
		Message:     message,
		Suggestion:  suggestion,
		Recoverable: recoverable,
		Cause:       cause,
	}
}

func TimeoutError(provider string, seconds float64, cause error) *Error {
	return newError(KindTimeout, provider,
		fmt.Sprintf("timed out after %.0fs", seconds),
		"retry, or try a faster provider", true, cause)
}

func AuthError(provider string, statusCode int, cause error) *Error {
	e := newError(KindAuth, provider, "authentication failed", "re-enter your API key", false, cause)
	e.StatusCode = statusCode
	return e
}

func RateLimitError(provider string, cause error) *Error {
	return newError(KindRateLimit, provider, "rate limited", "wait for the indicated cooldown", true, cause)
}

func ConnectionError(provider string, cause error) *Error {
	return newError(KindConnection, provider, "connection failed", "check the endpoint is reachable", true, cause)
}

func CircuitOpenError(provider string, cooldownRemainingMs int64) *Error {
	suggestion := fmt.Sprintf("try again in %ds, or try a different provider", (cooldownRemainingMs+999)/1000)
	e := newError(KindCircuitOpen, provider, "circuit breaker open", suggestion, true, nil)
	e.CooldownRemainingMs = cooldownRemainingMs
	return e
}

func ValidationError(provider, message string) *Error {
	return newError(KindValidation, provider, message, "fix the request configuration", false, nil)
}

func UnknownError(provider string, cause error) *Error {
	return newError(KindUnknown, provider, "unexpected error", "retry; report if persistent", true, cause)
}

// IsRecoverable reports whether err (a *Error or not) should be treated as
// recoverable by UI surfaces.
func IsRecoverable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Recoverable
	}
	return false
}
