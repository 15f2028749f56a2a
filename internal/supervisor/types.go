// Package supervisor talks to the external process-supervisor daemon that
// forks, restarts and monitors workload processes.
package supervisor

import (
	"context"
	"time"

	"github.com/narvanalabs/botpanel/internal/models"
)

// ExecModeFork runs one process per workload without clustering.
const ExecModeFork = "fork"

// DefaultMaxRestarts caps automatic restarts of a crashing workload.
const DefaultMaxRestarts = 5

// StartSpec describes a process for the daemon to launch.
type StartSpec struct {
	Name        string
	Interpreter string
	Script      string
	Args        []string
	WorkDir     string
	ExecMode    string
	Instances   int
	MaxRestarts int
	AutoRestart bool
	OutLogPath  string
	ErrLogPath  string
	Env         map[string]string
}

// NewStartSpec builds a StartSpec for a workload with the default fork mode,
// a single instance and bounded automatic restarts.
func NewStartSpec(w *models.Workload) *StartSpec {
	env := make(map[string]string, len(w.Env))
	for k, v := range w.Env {
		env[k] = v
	}
	return &StartSpec{
		Name:        w.Name,
		Interpreter: w.Interpreter,
		Script:      w.EntryPoint,
		Args:        append([]string(nil), w.Args...),
		WorkDir:     w.WorkDir,
		ExecMode:    ExecModeFork,
		Instances:   1,
		MaxRestarts: DefaultMaxRestarts,
		AutoRestart: true,
		OutLogPath:  w.OutLogPath,
		ErrLogPath:  w.ErrLogPath,
		Env:         env,
	}
}

// ProcessInfo is the daemon's view of one managed process.
type ProcessInfo struct {
	Name         string
	DaemonID     int
	PID          int
	Status       string
	CPUPercent   float64
	MemoryBytes  int64
	RestartCount int
	Uptime       time.Duration
	WorkDir      string
	Script       string
	Interpreter  string
	Args         []string
	OutLogPath   string
	ErrLogPath   string
}

// Daemon opens connections to the supervisor daemon.
type Daemon interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn is a single connection to the daemon. Callers must Close it.
type Conn interface {
	Start(ctx context.Context, spec *StartSpec) error
	Control(ctx context.Context, name string, action models.Action) error
	List(ctx context.Context) ([]ProcessInfo, error)
	Close() error
}
