package stage

import "fmt"

// Code classifies a compile failure.
type Code int8

const (
	ParseError Code = iota + 1
	SemanticError
	UnsupportedOperation
	LimitExceeded
	ValidationError
)

func (c Code) String() string {
	switch c {
	case ParseError:
		return "ParseError"
	case SemanticError:
		return "SemanticError"
	case UnsupportedOperation:
		return "UnsupportedOperation"
	case LimitExceeded:
		return "LimitExceeded"
	case ValidationError:
		return "ValidationError"
	}
	return "Unknown"
}

// DetailMissingUniqueIndex marks the $merge unique-index validation
// failure within the ValidationError code.
const DetailMissingUniqueIndex = "MissingUniqueIndex"

// Error is the structured compile error surfaced to the pipeline
// submitter: stage name and offending field are kept so callers can
// render a precise message.
type Error struct {
	Code   Code
	Stage  string
	Field  string
	Detail string
	Msg    string
}

func (e *Error) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Stage, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func NewParseError(stage, field, format string, args ...interface{}) *Error {
	return &Error{Code: ParseError, Stage: stage, Field: field, Msg: fmt.Sprintf(format, args...)}
}

func NewSemanticError(stage, field, format string, args ...interface{}) *Error {
	return &Error{Code: SemanticError, Stage: stage, Field: field, Msg: fmt.Sprintf(format, args...)}
}

func NewUnsupported(stage, format string, args ...interface{}) *Error {
	return &Error{Code: UnsupportedOperation, Stage: stage, Msg: fmt.Sprintf(format, args...)}
}

func NewLimitExceeded(format string, args ...interface{}) *Error {
	return &Error{Code: LimitExceeded, Msg: fmt.Sprintf(format, args...)}
}

func NewMissingUniqueIndex(stage string) *Error {
	return &Error{
		Code:   ValidationError,
		Stage:  stage,
		Field:  "on",
		Detail: DetailMissingUniqueIndex,
		Msg:    "cannot find index to verify that join fields will be unique",
	}
}

// CodeOf returns the compile code carried by err, or zero when err is
// not a stage error.
func CodeOf(err error) Code {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return 0
		}
		err = u.Unwrap()
	}
	return 0
}

// IsMissingUniqueIndex reports the $merge unique-index failure.
func IsMissingUniqueIndex(err error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Detail == DetailMissingUniqueIndex
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
