// Package models provides data models for the bot panel.
package models

import "time"

// RuntimeKind identifies the interpreter family a workload runs under.
type RuntimeKind string

const (
	// RuntimeNode runs the entry point with node.
	RuntimeNode RuntimeKind = "node"
	// RuntimePython runs the entry point with python3.
	RuntimePython RuntimeKind = "python"
	// RuntimeOther runs the entry point with a caller-supplied interpreter.
	RuntimeOther RuntimeKind = "other"
)

// DefaultInterpreter returns the interpreter binary for the runtime.
// RuntimeOther has no default.
func (r RuntimeKind) DefaultInterpreter() string {
	switch r {
	case RuntimeNode:
		return "node"
	case RuntimePython:
		return "python3"
	default:
		return ""
	}
}

// IsValid returns true if the runtime kind is known.
func (r RuntimeKind) IsValid() bool {
	switch r {
	case RuntimeNode, RuntimePython, RuntimeOther:
		return true
	default:
		return false
	}
}

// DesiredState is the operator's intent for a workload.
type DesiredState string

const (
	DesiredRunning DesiredState = "running"
	DesiredStopped DesiredState = "stopped"
)

// ObservedState is the last state reported by the supervisor daemon.
type ObservedState string

const (
	ObservedStarting ObservedState = "starting"
	ObservedOnline   ObservedState = "online"
	ObservedStopping ObservedState = "stopping"
	ObservedStopped  ObservedState = "stopped"
	ObservedErrored  ObservedState = "errored"
	ObservedUnknown  ObservedState = "unknown"
)

// ObservedStateFromDaemon maps a daemon status string onto an ObservedState.
// PM2 reports "launching", "online", "stopping", "stopped", "errored" and
// "one-launch-status"; anything unrecognized is unknown.
func ObservedStateFromDaemon(status string) ObservedState {
	switch status {
	case "launching", "starting", "waiting restart":
		return ObservedStarting
	case "online":
		return ObservedOnline
	case "stopping":
		return ObservedStopping
	case "stopped":
		return ObservedStopped
	case "errored":
		return ObservedErrored
	default:
		return ObservedUnknown
	}
}

// WorkloadMetrics holds the last sampled runtime metrics for a workload.
// The values are stale between monitor ticks and never drive control decisions.
type WorkloadMetrics struct {
	DaemonID     int     `json:"daemon_id"`
	PID          int     `json:"pid"`
	RestartCount int     `json:"restart_count"`
	CPUPercent   float64 `json:"cpu_percent"`
	MemoryBytes  int64   `json:"memory_bytes"`
	UptimeMs     int64   `json:"uptime_ms"`
}

// Workload is a deployed bot unit managed by the panel.
type Workload struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	WorkDir       string            `json:"working_directory"`
	EntryPoint    string            `json:"entry_point"`
	Runtime       RuntimeKind       `json:"runtime"`
	Interpreter   string            `json:"interpreter"`
	Args          []string          `json:"args,omitempty"`
	Env           map[string]string `json:"-"`
	DesiredState  DesiredState      `json:"desired_state"`
	ObservedState ObservedState     `json:"observed_state"`
	Metrics       WorkloadMetrics   `json:"metrics"`
	OutLogPath    string            `json:"out_log_path,omitempty"`
	ErrLogPath    string            `json:"err_log_path,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Clone returns a copy of the workload that shares no mutable state with w.
func (w *Workload) Clone() *Workload {
	if w == nil {
		return nil
	}
	c := *w
	if w.Args != nil {
		c.Args = append([]string(nil), w.Args...)
	}
	if w.Env != nil {
		c.Env = make(map[string]string, len(w.Env))
		for k, v := range w.Env {
			c.Env[k] = v
		}
	}
	return &c
}
