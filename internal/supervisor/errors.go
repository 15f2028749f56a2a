package supervisor

import (
	"errors"
	"fmt"
)

var (
	// ErrDaemonUnavailable is returned when the daemon cannot be reached or
	// does not answer within the operation timeout.
	ErrDaemonUnavailable = errors.New("supervisor daemon unavailable")

	// ErrStartFailed is returned when the daemon refuses to launch a process.
	ErrStartFailed = errors.New("process start failed")

	// ErrNotFound is returned when the daemon has no process with the given name.
	ErrNotFound = errors.New("process not found")

	// ErrControlFailed is returned when a start, stop, restart or delete is
	// rejected by the daemon.
	ErrControlFailed = errors.New("process control failed")
)

// Error is a classified daemon failure. Kind is one of the package sentinels
// and Diagnostic carries the daemon's own message.
type Error struct {
	Op         string
	Name       string
	Kind       error
	Diagnostic string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Diagnostic != "" {
		msg += ": " + e.Diagnostic
	}
	if e.Name != "" {
		return fmt.Sprintf("supervisor %s %s: %s", e.Op, e.Name, msg)
	}
	return fmt.Sprintf("supervisor %s: %s", e.Op, msg)
}

// Unwrap exposes both the kind and the underlying cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Diagnostic extracts the daemon message from err, or err's text if it is not
// a supervisor error.
func Diagnostic(err error) string {
	var se *Error
	if errors.As(err, &se) && se.Diagnostic != "" {
		return se.Diagnostic
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
