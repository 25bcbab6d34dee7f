// Package fserrors defines the error taxonomy shared by every core
// component. The core never returns a bare errno; it returns a *Error
// carrying one of the Codes below, leaving the POSIX errno mapping to the
// (out of scope) FUSE adaptor.
package fserrors

import (
	"errors"
	"fmt"
)

// Code is one of the taxonomy members from the filesystem's error handling
// design. It deliberately excludes anything resembling a raw errno.
type Code int

const (
	_ Code = iota
	NotFound
	AlreadyExists
	NotADirectory
	IsADirectory
	NotEmpty
	PermissionDenied
	InvalidArgument
	ReadOnly
	NoSpace
	WrongPassword
	Corrupt
	Staleness
	Io
	Cancelled
)

func (c Code) String() string {
	switch c {
	case NotFound:
		return "NotFound"
	case AlreadyExists:
		return "AlreadyExists"
	case NotADirectory:
		return "NotADirectory"
	case IsADirectory:
		return "IsADirectory"
	case NotEmpty:
		return "NotEmpty"
	case PermissionDenied:
		return "PermissionDenied"
	case InvalidArgument:
		return "InvalidArgument"
	case ReadOnly:
		return "ReadOnly"
	case NoSpace:
		return "NoSpace"
	case WrongPassword:
		return "WrongPassword"
	case Corrupt:
		return "Corrupt"
	case Staleness:
		return "Staleness"
	case Io:
		return "Io"
	case Cancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type surfaced by every public operation.
type Error struct {
	Code Code
	Op   string // the operation that failed, e.g. "lookup", "chunk_read"
	Err  error  // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error with no wrapped cause.
func New(op string, code Code) *Error {
	return &Error{Op: op, Code: code}
}

// Wrap constructs an *Error that wraps cause under the given code.
func Wrap(op string, code Code, cause error) *Error {
	return &Error{Op: op, Code: code, Err: cause}
}

// CodeOf extracts the Code from err, defaulting to Io for any error that
// did not originate as an *Error (e.g. a bare os.PathError).
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	if err == nil {
		return 0
	}
	return Io
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
