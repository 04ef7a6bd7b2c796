package record

import "fmt"

// Error is a user-facing record operation error. Code is stable and
// wire-observable.
type Error struct {
	Code    string
	Record  string
	Field   string
	Message string
}

func (e *Error) Error() string { return e.Message }

func errf(code, rec, field, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Record:  rec,
		Field:   field,
		Message: fmt.Sprintf(format, args...),
	}
}

// Stable record error codes.
const (
	CodeUnknownRecord   = "N3L-1501"
	CodeMissingRequired = "N3L-1502"
	CodeCoercion        = "N3L-1503"
	CodeValidation      = "N3L-1504"
	CodeUniqueConflict  = "N3L-1505"
	CodeForeignKey      = "N3L-1506"
	CodeBadReference    = "N3L-1507"
)

// AsRecordError unwraps err into *Error when possible.
func AsRecordError(err error) (*Error, bool) {
	re, ok := err.(*Error)
	return re, ok
}
