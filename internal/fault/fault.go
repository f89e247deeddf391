// Package fault carries the error taxonomy shared by the engine and its tools.
//
// Components return ordinary wrapped errors; the ones that belong to a known
// class are tagged with a Kind so the engine can report it on the tool result
// or the terminal event without string matching.
package fault

import (
	"errors"
	"fmt"
)

// Kind names one class of failure.
type Kind string

const (
	CapabilityDenied      Kind = "capability_denied"
	ToolNotFound          Kind = "tool_not_found"
	ToolInvocationError   Kind = "tool_invocation_error"
	DiffConflict          Kind = "diff_conflict"
	ShellTimeout          Kind = "shell_timeout"
	ShellNonZeroExit      Kind = "shell_non_zero_exit"
	ServerUnavailable     Kind = "server_unavailable"
	IterationLimitReached Kind = "iteration_limit_reached"
	RecursionLimitReached Kind = "recursion_limit_reached"
	Cancelled             Kind = "cancelled"
	ModelError            Kind = "model_error"
)

// Error tags Err with a Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap tags err with kind. A nil err stays nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the outermost kind tagged in err's chain, or "" when err
// carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
