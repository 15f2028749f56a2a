// Package events fans panel events out to connected observers.
package events

import (
	"time"

	"github.com/narvanalabs/botpanel/internal/models"
)

// Type identifies the kind of an event.
type Type string

const (
	TypeWorkloadList    Type = "workload-list"
	TypeSystemMonitor   Type = "system-monitor"
	TypeActionResult    Type = "action-result"
	TypeLogOutput       Type = "log-output"
	TypeInstallOutput   Type = "install-output"
	TypeInstallComplete Type = "install-complete"
	TypeDeployResult    Type = "deploy-result"
)

// Event is one message pushed to observers.
type Event struct {
	Type      Type      `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ActionResult reports the outcome of a control request.
type ActionResult struct {
	Name    string        `json:"name"`
	Action  models.Action `json:"action"`
	Status  string        `json:"status"`
	Message string        `json:"message"`
	Code    string        `json:"code,omitempty"`
}

// DeployResult reports a finished deployment.
type DeployResult struct {
	Name    string `json:"name"`
	ID      string `json:"id,omitempty"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// InstallOutput carries one line of installer output.
type InstallOutput struct {
	Session  string `json:"session"`
	Workload string `json:"workload"`
	Line     string `json:"line"`
}

// InstallComplete reports the end of an install session.
type InstallComplete struct {
	Session  string `json:"session"`
	Workload string `json:"workload"`
	ExitCode int    `json:"exitCode"`
	Error    string `json:"error,omitempty"`
}

const (
	StatusSuccess = "success"
	StatusError   = "error"
)
