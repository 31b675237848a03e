package match

import (
	"errors"
	"fmt"
)

// Error represents an operation the engine rejected.
//
// Rejected operations leave the match untouched and are never recorded in
// history or forwarded to persistence.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Details contains additional context.
	Details map[string]string
}

// ErrorCode categorizes engine errors.
type ErrorCode string

const (
	// ErrCodeInvalidInput indicates an argument outside the ruleset tables.
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"

	// ErrCodeTerminalState indicates the match has already ended.
	ErrCodeTerminalState ErrorCode = "TERMINAL_STATE"

	// ErrCodeInvalidTransition indicates the operation is not allowed from
	// the current status.
	ErrCodeInvalidTransition ErrorCode = "INVALID_TRANSITION"

	// ErrCodeNoActiveMatch indicates no match has been started.
	ErrCodeNoActiveMatch ErrorCode = "NO_ACTIVE_MATCH"
)

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsValidationError returns true if err is an input-validation error.
func IsValidationError(err error) bool {
	return hasCode(err, ErrCodeInvalidInput)
}

// IsTerminalStateError returns true if err was caused by operating on an
// ended match.
func IsTerminalStateError(err error) bool {
	return hasCode(err, ErrCodeTerminalState)
}

// IsTransitionError returns true if err is a state-machine violation.
func IsTransitionError(err error) bool {
	return hasCode(err, ErrCodeInvalidTransition)
}

// IsNoActiveMatchError returns true if err was caused by a missing match.
func IsNoActiveMatchError(err error) bool {
	return hasCode(err, ErrCodeNoActiveMatch)
}

// CodeOf returns the code of an engine error, or "" for other errors.
func CodeOf(err error) ErrorCode {
	var me *Error
	if errors.As(err, &me) {
		return me.Code
	}
	return ""
}

func hasCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

func invalidInput(format string, args ...any) *Error {
	return &Error{Code: ErrCodeInvalidInput, Message: fmt.Sprintf(format, args...)}
}

func invalidTransition(op string, status Status) *Error {
	return &Error{
		Code:    ErrCodeInvalidTransition,
		Message: fmt.Sprintf("%s is not allowed while %s", op, status),
		Details: map[string]string{"op": op, "status": string(status)},
	}
}

func terminalState(op string) *Error {
	return &Error{
		Code:    ErrCodeTerminalState,
		Message: fmt.Sprintf("%s rejected: match has ended", op),
		Details: map[string]string{"op": op},
	}
}

var errNoActiveMatch = &Error{Code: ErrCodeNoActiveMatch, Message: "no match in progress"}
