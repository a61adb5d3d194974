package workflow

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is.
var (
	// ErrInvalid covers graph-level problems: duplicate ids, dangling
	// dependencies, cycles and unresolvable orders.
	ErrInvalid = errors.New("invalid workflow")
	// ErrNotFound reports a step id that does not exist in the workflow.
	ErrNotFound = errors.New("step not found")
	// ErrState reports an illegal transition or a state invariant violation.
	ErrState = errors.New("state error")
	// ErrValidation reports parameter substitution failures.
	ErrValidation = errors.New("validation failed")
	// ErrIO reports persistence read/write failures.
	ErrIO = errors.New("io error")
)

// Error carries one of the kind sentinels plus a message and optional cause.
type Error struct {
	Kind error
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Is reports whether target is the error kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Invalidf builds an ErrInvalid error.
func Invalidf(format string, args ...any) error {
	return &Error{Kind: ErrInvalid, Msg: fmt.Sprintf(format, args...)}
}

// NotFound builds an ErrNotFound error for a step id.
func NotFound(stepID string) error {
	return &Error{Kind: ErrNotFound, Msg: fmt.Sprintf("step %q", stepID)}
}

// StateErrorf builds an ErrState error.
func StateErrorf(format string, args ...any) error {
	return &Error{Kind: ErrState, Msg: fmt.Sprintf(format, args...)}
}

// Validationf builds an ErrValidation error.
func Validationf(format string, args ...any) error {
	return &Error{Kind: ErrValidation, Msg: fmt.Sprintf(format, args...)}
}

// IOError wraps a persistence failure for the named operation.
func IOError(op string, err error) error {
	return &Error{Kind: ErrIO, Msg: op, Err: err}
}
