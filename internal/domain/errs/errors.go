package errs

import (
	"errors"
	"fmt"
)

// Code classifies an error for callers. Codes are part of the API surface:
// handlers map them to HTTP statuses and clients branch on them.
type Code string

const (
	CodeNotFound      Code = "not_found"
	CodeValidation    Code = "validation"
	CodeConflict      Code = "conflict"
	CodeTransient     Code = "transient"
	CodeTerminalState Code = "terminal_state"
)

// Error is a structured {code, message} error.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	cause   error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

func NotFound(entity, id string) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf("%s %q not found", entity, id)}
}

func Validation(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// Conflict reports that the request clashes with existing state, such as a
// duplicate of something that must be unique.
func Conflict(format string, args ...any) *Error {
	return &Error{Code: CodeConflict, Message: fmt.Sprintf(format, args...)}
}

func Transient(err error) *Error {
	return &Error{Code: CodeTransient, Message: err.Error(), cause: err}
}

func TerminalState(format string, args ...any) *Error {
	return &Error{Code: CodeTerminalState, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code carried by err, or "" for untyped errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func IsNotFound(err error) bool      { return CodeOf(err) == CodeNotFound }
func IsValidation(err error) bool    { return CodeOf(err) == CodeValidation }
func IsConflict(err error) bool      { return CodeOf(err) == CodeConflict }
func IsTransient(err error) bool     { return CodeOf(err) == CodeTransient }
func IsTerminalState(err error) bool { return CodeOf(err) == CodeTerminalState }
