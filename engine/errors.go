package engine

import "fmt"

// Error is a flow-level runtime error with a stable, wire-observable code.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

func errf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Stable flow error codes.
const (
	CodeUnknownFlow       = "N3F-901"
	CodeUnknownTarget     = "N3F-902"
	CodeRedirectMissing   = "N3F-903"
	CodeStepTimeout       = "N3F-1001"
	CodeNestedTransaction = "N3F-1002"
	CodeTransactionAbort  = "N3F-1003"
	CodeBadStatement      = "N3-5001"
	CodeBadDestructure    = "N3-5002"
	CodeMatchFallthrough  = "N3-5003"
	CodeBadIterable       = "N3-5004"
	CodeGuardFailed       = "N3-5005"
	CodeAuthFailed        = "N3-6001"
)

// ReturnSignal unwinds from a `return` statement to the flow root. It is
// control flow, not a failure; only the flow root consumes it.
type ReturnSignal struct {
	Value any
}

func (r *ReturnSignal) Error() string { return "return" }
