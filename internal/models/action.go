package models

import "fmt"

// Action is a control operation that can be requested for a workload.
type Action string

const (
	// ActionStart starts a stopped workload.
	ActionStart Action = "start"
	// ActionStop stops a running workload, keeping its files and registration.
	ActionStop Action = "stop"
	// ActionRestart restarts the workload process in place.
	ActionRestart Action = "restart"
	// ActionDelete removes the daemon entry, the working directory and the
	// registration. It cannot be undone.
	ActionDelete Action = "delete"
)

// ParseAction validates a client-supplied action string. Unknown actions are
// rejected before anything touches the daemon.
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if !a.IsValid() {
		return "", &ValidationError{Field: "action", Message: fmt.Sprintf("unknown action %q", s)}
	}
	return a, nil
}

// IsValid returns true if the action is one of the known control actions.
func (a Action) IsValid() bool {
	switch a {
	case ActionStart, ActionStop, ActionRestart, ActionDelete:
		return true
	default:
		return false
	}
}

// String returns the string representation of the action.
func (a Action) String() string {
	return string(a)
}

// ValidActions returns all control actions.
func ValidActions() []Action {
	return []Action{ActionStart, ActionStop, ActionRestart, ActionDelete}
}

// AvailableActions returns the actions that make sense in this observed state.
// It is a hint for observers; the orchestrator accepts any valid action.
func (s ObservedState) AvailableActions() []Action {
	switch s {
	case ObservedOnline:
		return []Action{ActionStop, ActionRestart, ActionDelete}
	case ObservedStarting, ObservedStopping:
		return []Action{ActionDelete}
	case ObservedStopped, ObservedErrored:
		return []Action{ActionStart, ActionRestart, ActionDelete}
	default:
		return []Action{ActionStart, ActionStop, ActionRestart, ActionDelete}
	}
}

// HasAction returns true if the given action is available in this state.
func (s ObservedState) HasAction(action Action) bool {
	for _, a := range s.AvailableActions() {
		if a == action {
			return true
		}
	}
	return false
}

// ValidationError describes an invalid field in a request.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
