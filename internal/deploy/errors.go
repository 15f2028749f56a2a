// Package deploy turns uploaded archives into supervised workloads and applies
// control actions to them.
package deploy

import (
	"errors"
	"fmt"

	"github.com/narvanalabs/botpanel/internal/models"
)

// Kind classifies an orchestrator failure.
type Kind string

const (
	KindInvalidInput      Kind = "invalid_input"
	KindAlreadyExists     Kind = "already_exists"
	KindNotFound          Kind = "not_found"
	KindAccessDenied      Kind = "access_denied"
	KindExtractionFailed  Kind = "extraction_failed"
	KindEntryPointMissing Kind = "entry_point_missing"
	KindDaemonUnavailable Kind = "daemon_unavailable"
	KindDeploymentFailed  Kind = "deployment_failed"
	KindControlFailed     Kind = "control_failed"
	KindIOFailure         Kind = "io_failure"
)

// Error is a classified orchestrator failure.
type Error struct {
	Kind    Kind
	Op      string
	Name    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	var msg string
	if e.Name != "" {
		msg = fmt.Sprintf("%s %s: %s", e.Op, e.Name, e.Message)
	} else {
		msg = fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	if e.Err != nil && e.Message == "" {
		msg += e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of err, or "" if err is not an orchestrator error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err is an orchestrator error of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

func newError(kind Kind, op, name, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Name: name, Message: message, Err: err}
}

// UserMessage returns the part of err meant for a client.
func UserMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return err.Error()
}

// ActionMessage describes a successful control action.
func ActionMessage(name string, action models.Action) string {
	switch action {
	case models.ActionStart:
		return fmt.Sprintf("%s started", name)
	case models.ActionStop:
		return fmt.Sprintf("%s stopped", name)
	case models.ActionRestart:
		return fmt.Sprintf("%s restarted", name)
	case models.ActionDelete:
		return fmt.Sprintf("%s deleted", name)
	default:
		return fmt.Sprintf("%s: %s done", name, action)
	}
}
