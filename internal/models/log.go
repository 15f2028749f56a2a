package models

import "time"

// LogStream selects which daemon output file a tail follows.
type LogStream string

const (
	LogStreamOut LogStream = "out"
	LogStreamErr LogStream = "err"
)

// LogLine is a single line of workload or installer output.
type LogLine struct {
	Workload  string    `json:"workload"`
	Stream    LogStream `json:"stream,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	// Diagnostic marks lines produced by the panel itself (tail errors and the
	// like) rather than by the workload.
	Diagnostic bool `json:"diagnostic,omitempty"`
}
