// Package ferrors provides the structured Stage/Code error type shared by
// every layer of braidwire, in the style of the teacher's per-package
// error.go files.
package ferrors

import "fmt"

// Stage identifies which layer of the stack produced an error.
type Stage string

const (
	StageFraming   Stage = "framing"
	StageHandshake Stage = "handshake"
	StageAdmission Stage = "admission"
	StageBroadcast Stage = "broadcast"
	StageE2E       Stage = "e2e"
	StageConnect   Stage = "connect"
	StageClose     Stage = "close"
)

// Code is a stable, programmatically identifiable error code.
type Code string

const (
	CodeShortRead        Code = "short_read"
	CodeBadHeader        Code = "bad_header"
	CodeUnknownAlgorithm Code = "unknown_algorithm"
	CodeBadPublicValue   Code = "bad_public_value"
	CodeAuthFailure      Code = "auth_failure"
	CodeTimeout          Code = "timeout"
	CodeNotConnected     Code = "not_connected"
	CodeEncodeTooLarge   Code = "encode_too_large"
)

// Error is a structured, programmatically identifiable error.
type Error struct {
	Stage Stage
	Code  Code
	Err   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Stage, e.Code, e.Err)
	}
	return fmt.Sprintf("%s (%s)", e.Stage, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap builds a structured Error around an underlying cause.
func Wrap(stage Stage, code Code, err error) error {
	return &Error{Stage: stage, Code: code, Err: err}
}

// Is reports whether err carries the given Code, looking through wrapping.
func Is(err error, code Code) bool {
	var fe *Error
	for err != nil {
		if e, ok := err.(*Error); ok {
			fe = e
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return fe != nil && fe.Code == code
}
