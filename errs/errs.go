// Package errs defines the error-code taxonomy shared by every polifence
// component. Negative codes are failures; zero is success. Operations never
// panic on caller misuse or contention; they return one of these codes,
// optionally wrapped with context via Wrap.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code is a signed result code. Values >= 0 indicate success; the taxonomy
// below occupies a small negative range, with UnitTestFailure (-1000) and
// every value below it reserved for the user-extensible range.
type Code int32

const (
	OK Code = 0

	NotOK                 Code = -1
	InvalidArg            Code = -2
	Busy                  Code = -3
	TimedOut              Code = -4
	Already               Code = -5
	ItemNotFound          Code = -6
	ItemAlreadyPresent    Code = -7
	StringArgTooLong      Code = -8
	InternalCheckFailed   Code = -9
	IncompatibleState     Code = -10
	InvalidState          Code = -11
	OutOfMemory           Code = -12
	CapacityExceeded      Code = -13
	NotImplemented        Code = -14

	// UnitTestFailure and below are reserved for callers (spec.md's "user
	// range"); this package never returns a code <= UnitTestFailure itself.
	UnitTestFailure Code = -1000
)

var names = map[Code]string{
	OK:                  "OK",
	NotOK:               "NOT_OK",
	InvalidArg:          "INVALID_ARG",
	Busy:                "BUSY",
	TimedOut:            "TIMED_OUT",
	Already:             "ALREADY",
	ItemNotFound:        "ITEM_NOT_FOUND",
	ItemAlreadyPresent:  "ITEM_ALREADY_PRESENT",
	StringArgTooLong:    "STRING_ARG_TOO_LONG",
	InternalCheckFailed: "INTERNAL_CHECK_FAILED",
	IncompatibleState:   "INCOMPATIBLE_STATE",
	InvalidState:        "INVALID_STATE",
	OutOfMemory:         "OUT_OF_MEMORY",
	CapacityExceeded:    "CAPACITY_EXCEEDED",
	NotImplemented:      "NOT_IMPLEMENTED",
	UnitTestFailure:     "UNIT_TEST_FAILURE",
}

// String renders the symbolic name of a code, falling back to its numeric
// value for codes in the user range.
func (c Code) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	if c <= UnitTestFailure {
		return fmt.Sprintf("UNIT_TEST_FAILURE(%d)", int32(c))
	}
	return fmt.Sprintf("CODE(%d)", int32(c))
}

// Failed reports whether c represents a failure (any negative code).
func (c Code) Failed() bool { return c < 0 }

// OK reports whether c represents success.
func (c Code) OK() bool { return c >= 0 }

// Error wraps a Code with a descriptive message and, optionally, an
// underlying cause captured via github.com/pkg/errors so that callers who
// want a stack trace (errors.Cause, errors.Unwrap) still get one, while
// callers who only care about the taxonomy can call Code().
type Error struct {
	code  Code
	msg   string
	cause error
}

// New returns an *Error for code with the given message.
func New(code Code, msg string) *Error {
	return &Error{code: code, msg: msg}
}

// Newf is New with fmt.Sprintf-style formatting.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{code: code, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches code and msg to an existing error, preserving it as the
// cause for errors.Unwrap/errors.Cause.
func Wrap(code Code, cause error, msg string) *Error {
	return &Error{code: code, msg: msg, cause: errors.WithStack(cause)}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.msg)
}

// Code returns the taxonomy code carried by e.
func (e *Error) Code() Code { return e.code }

// Unwrap exposes the wrapped cause, if any, to errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.cause }

// Cause exposes the wrapped cause, if any, to errors.Cause.
func (e *Error) Cause() error { return e.cause }
