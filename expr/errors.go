package expr

import "fmt"

// Error is a user-facing evaluation error. Messages state what was expected,
// what was received, and when possible suggest a concrete fix. Code is stable
// and wire-observable (N3-3xxx for expressions, N3-4xxx for conditions).
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

func errf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Stable expression error codes.
const (
	CodeUnknownName    = "N3-3001"
	CodeExpiredLoopVar = "N3-3002"
	CodeConstAssign    = "N3-3003"
	CodeUndeclared     = "N3-3004"
	CodeTypeMismatch   = "N3-3101"
	CodeBadOperand     = "N3-3102"
	CodeIncomparable   = "N3-3103"
	CodeBadBuiltinArg  = "N3-3201"
	CodeUnknownCall    = "N3-3202"
	CodeMissingField   = "N3-3301"
	CodeBadIndex       = "N3-3302"
	CodePipelineSource = "N3-3401"
	CodePipelineCond   = "N3-3402"
	CodeNotBoolean     = "N3-4001"
)
