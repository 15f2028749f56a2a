// Package supervisortest provides an in-memory supervisor daemon for tests.
package supervisortest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/narvanalabs/botpanel/internal/models"
	"github.com/narvanalabs/botpanel/internal/supervisor"
)

// Call records one operation received by the fake.
type Call struct {
	Op   string
	Name string
}

// Fake is an in-memory supervisor.Daemon. The zero value is not usable; use New.
type Fake struct {
	mu        sync.Mutex
	processes map[string]*supervisor.ProcessInfo
	specs     map[string]*supervisor.StartSpec
	calls     []Call
	nextID    int
	open      int
	maxOpen   int

	// DialErr, when set, is returned by Dial.
	DialErr error
	// StartErr, when set, is returned by Start.
	StartErr error
	// ControlErr, when set, is returned by Control for the given action.
	ControlErr map[models.Action]error
	// ListErr, when set, is returned by List.
	ListErr error
	// Latency delays every operation. Cancellation of the context is honored.
	Latency time.Duration
	// StartStatus is the status a freshly started process reports. Defaults
	// to "online".
	StartStatus string
	// Hook, when set, runs at the start of every operation with the lock released.
	Hook func(ctx context.Context, op, name string) error
}

var _ supervisor.Daemon = (*Fake)(nil)

// New creates an empty fake daemon.
func New() *Fake {
	return &Fake{
		processes:  make(map[string]*supervisor.ProcessInfo),
		specs:      make(map[string]*supervisor.StartSpec),
		ControlErr: make(map[models.Action]error),
	}
}

// Dial opens a connection.
func (f *Fake) Dial(ctx context.Context) (supervisor.Conn, error) {
	if err := f.enter(ctx, "dial", ""); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DialErr != nil {
		return nil, f.DialErr
	}
	f.open++
	if f.open > f.maxOpen {
		f.maxOpen = f.open
	}
	return &conn{f: f}, nil
}

// Seed adds a process as if it had been started outside the panel.
func (f *Fake) Seed(info supervisor.ProcessInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	info.DaemonID = f.nextID
	f.processes[info.Name] = &info
}

// Forget drops a process from the table, as pm2 kill would.
func (f *Fake) Forget(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.processes, name)
}

// SetStatus changes the reported status of a process.
func (f *Fake) SetStatus(name, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.processes[name]; ok {
		p.Status = status
	}
}

// Has reports whether the daemon manages name.
func (f *Fake) Has(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.processes[name]
	return ok
}

// Process returns a copy of the named process.
func (f *Fake) Process(name string) (supervisor.ProcessInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.processes[name]
	if !ok {
		return supervisor.ProcessInfo{}, false
	}
	return *p, true
}

// LastSpec returns the last StartSpec received for name.
func (f *Fake) LastSpec(name string) *supervisor.StartSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.specs[name]
}

// Calls returns the operations received so far.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// OpenConns returns the number of connections currently open.
func (f *Fake) OpenConns() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

// MaxOpenConns returns the highest number of simultaneously open connections.
func (f *Fake) MaxOpenConns() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxOpen
}

// enter records the call, runs the hook and applies latency.
func (f *Fake) enter(ctx context.Context, op, name string) error {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Op: op, Name: name})
	hook := f.Hook
	latency := f.Latency
	f.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, op, name); err != nil {
			return err
		}
	}
	if latency > 0 {
		t := time.NewTimer(latency)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

type conn struct {
	f      *Fake
	closed bool
}

func (c *conn) Start(ctx context.Context, spec *supervisor.StartSpec) error {
	f := c.f
	if err := f.enter(ctx, "start", spec.Name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StartErr != nil {
		return f.StartErr
	}
	if _, exists := f.processes[spec.Name]; exists {
		return fmt.Errorf("%w: process %s already launched", supervisor.ErrStartFailed, spec.Name)
	}

	status := f.StartStatus
	if status == "" {
		status = "online"
	}
	f.nextID++
	f.processes[spec.Name] = &supervisor.ProcessInfo{
		Name:        spec.Name,
		DaemonID:    f.nextID,
		PID:         10000 + f.nextID,
		Status:      status,
		WorkDir:     spec.WorkDir,
		Script:      spec.Script,
		Interpreter: spec.Interpreter,
		Args:        append([]string(nil), spec.Args...),
		OutLogPath:  spec.OutLogPath,
		ErrLogPath:  spec.ErrLogPath,
	}
	cp := *spec
	f.specs[spec.Name] = &cp
	return nil
}

func (c *conn) Control(ctx context.Context, name string, action models.Action) error {
	f := c.f
	if err := f.enter(ctx, string(action), name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ControlErr[action]; err != nil {
		return err
	}
	p, ok := f.processes[name]
	if !ok {
		return fmt.Errorf("%w: process or namespace %s not found", supervisor.ErrNotFound, name)
	}

	switch action {
	case models.ActionStart, models.ActionRestart:
		p.Status = "online"
		p.RestartCount++
	case models.ActionStop:
		p.Status = "stopped"
		p.PID = 0
	case models.ActionDelete:
		delete(f.processes, name)
	default:
		return errors.New("unknown action")
	}
	return nil
}

func (c *conn) List(ctx context.Context) ([]supervisor.ProcessInfo, error) {
	f := c.f
	if err := f.enter(ctx, "list", ""); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	out := make([]supervisor.ProcessInfo, 0, len(f.processes))
	for _, p := range f.processes {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (c *conn) Close() error {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.f.open--
	}
	return nil
}
