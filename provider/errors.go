package provider

import (
	"errors"
	"fmt"
)

// ErrorKind classifies provider failures into the categories flows react to.
type ErrorKind string

const (
	// KindConfig means the call could never succeed as configured: unknown
	// provider, missing model, tools requested on a stream.
	KindConfig ErrorKind = "config"

	// KindAuth means the provider rejected the credentials (401/403).
	KindAuth ErrorKind = "auth"

	// KindTimeout means the attempt exceeded its deadline.
	KindTimeout ErrorKind = "timeout"

	// KindRetryExhausted means every retry attempt failed.
	KindRetryExhausted ErrorKind = "retry_exhausted"

	// KindCircuitOpen means the breaker rejected the call before the
	// provider was invoked.
	KindCircuitOpen ErrorKind = "circuit_open"

	// KindTransient covers rate limits, 5xx responses and network failures
	// where a retry may succeed.
	KindTransient ErrorKind = "transient"
)

// Stable wire-observable provider error codes.
const (
	CodeConfig      = "N3P-1801"
	CodeAuth        = "N3P-1802"
	CodeTimeout     = "N3P-1803"
	CodeRetry       = "N3P-1804"
	CodeCircuitOpen = "N3P-1805"
)

// Error describes a provider invocation failure. It crosses package
// boundaries so flows and sinks can surface stable structured information.
type Error struct {
	provider string
	model    string
	kind     ErrorKind
	code     string
	http     int
	message  string
	attempts int
	cause    error
}

// Provider returns the provider name.
func (e *Error) Provider() string { return e.provider }

// Model returns the model identifier.
func (e *Error) Model() string { return e.model }

// Kind returns the coarse classification.
func (e *Error) Kind() ErrorKind { return e.kind }

// Code returns the stable wire code.
func (e *Error) Code() string { return e.code }

// HTTPStatus returns the provider HTTP status when known, otherwise 0.
func (e *Error) HTTPStatus() int { return e.http }

// Attempts returns the number of attempts made, when the error ended a
// retry loop.
func (e *Error) Attempts() int { return e.attempts }

func (e *Error) Error() string {
	msg := e.message
	if msg == "" && e.cause != nil {
		msg = e.cause.Error()
	}
	if msg == "" {
		msg = "provider call failed"
	}
	return fmt.Sprintf("%s (%s/%s, %s): %s", e.code, e.provider, e.model, e.kind, msg)
}

func (e *Error) Unwrap() error { return e.cause }

// NewConfigError reports a misconfigured call.
func NewConfigError(provider, model, format string, args ...any) *Error {
	return &Error{provider: provider, model: model, kind: KindConfig, code: CodeConfig,
		message: fmt.Sprintf(format, args...)}
}

// NewAuthError reports a 401/403 from the provider.
func NewAuthError(provider, model string, httpStatus int, cause error) *Error {
	return &Error{provider: provider, model: model, kind: KindAuth, code: CodeAuth,
		http: httpStatus, cause: cause}
}

// NewTimeoutError reports a deadline hit during the attempt.
func NewTimeoutError(provider, model string, cause error) *Error {
	return &Error{provider: provider, model: model, kind: KindTimeout, code: CodeTimeout,
		cause: cause}
}

// NewRetryError reports retry exhaustion, preserving the final failure.
func NewRetryError(provider, model string, attempts int, cause error) *Error {
	return &Error{provider: provider, model: model, kind: KindRetryExhausted,
		code: CodeRetry, attempts: attempts, cause: cause}
}

// NewCircuitOpenError reports a breaker rejection.
func NewCircuitOpenError(provider, model string, cause error) *Error {
	return &Error{provider: provider, model: model, kind: KindCircuitOpen,
		code: CodeCircuitOpen, cause: cause}
}

// NewTransientError reports a retriable provider failure.
func NewTransientError(provider, model string, httpStatus int, cause error) *Error {
	return &Error{provider: provider, model: model, kind: KindTransient, code: CodeRetry,
		http: httpStatus, cause: cause}
}

// AsError returns the first provider Error in err's chain, if any.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// Retriable reports whether a retry without changing the request may
// succeed. Timeouts and transient failures qualify; auth, config and breaker
// rejections do not.
func Retriable(err error) bool {
	pe, ok := AsError(err)
	if !ok {
		return false
	}
	return pe.kind == KindTimeout || pe.kind == KindTransient
}
