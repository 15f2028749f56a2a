// Package install runs dependency installation for workloads under a
// pseudo-terminal and streams the output to observers.
package install

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/narvanalabs/botpanel/internal/events"
	"github.com/narvanalabs/botpanel/internal/logs"
	"github.com/narvanalabs/botpanel/internal/models"
)

var (
	// ErrAlreadyRunning is returned when the workload already has an install
	// in progress.
	ErrAlreadyRunning = errors.New("install already running")
	// ErrManifestMissing is returned when the workload has no dependency
	// manifest for the selected runtime.
	ErrManifestMissing = errors.New("dependency manifest not found")
	// ErrUnsupportedRuntime is returned for runtimes without an installer.
	ErrUnsupportedRuntime = errors.New("runtime has no dependency installer")
	// ErrSessionNotFound is returned for unknown session IDs.
	ErrSessionNotFound = errors.New("install session not found")
	// ErrClosed is returned once the installer has been shut down.
	ErrClosed = errors.New("installer closed")
)

const (
	// DefaultTimeout bounds a single install session.
	DefaultTimeout = 10 * time.Minute
	// DefaultOutputLines is how much output a session keeps for late readers.
	DefaultOutputLines = 1000
	// drainGrace is how long output is still read after the process exits.
	drainGrace = 2 * time.Second
)

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07]*\x07`)

// Resolver looks up a workload by name.
type Resolver interface {
	Get(name string) (*models.Workload, error)
}

// Locker serializes install starts with other operations on the same
// workload, such as a delete.
type Locker interface {
	LockWorkload(name string) (unlock func())
}

// Publisher receives install events.
type Publisher interface {
	Publish(ev events.Event)
}

// Config holds installer settings.
type Config struct {
	Timeout     time.Duration
	NpmBin      string
	OutputLines int
}

// DefaultConfig returns the default installer configuration.
func DefaultConfig() *Config {
	return &Config{
		Timeout:     DefaultTimeout,
		NpmBin:      "npm",
		OutputLines: DefaultOutputLines,
	}
}

// Session is one install run.
type Session struct {
	ID        string
	Workload  string
	Command   []string
	StartedAt time.Time

	output *logs.Container
	done   chan struct{}
	cancel context.CancelFunc

	mu         sync.Mutex
	finishedAt time.Time
	exitCode   int
	err        error
}

// Status is a point-in-time view of a session.
type Status struct {
	ID         string           `json:"session"`
	Workload   string           `json:"workload"`
	Command    []string         `json:"command"`
	Running    bool             `json:"running"`
	ExitCode   int              `json:"exitCode"`
	Error      string           `json:"error,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
	Output     []models.LogLine `json:"output"`
}

// Done is closed when the session has finished.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		ID:        s.ID,
		Workload:  s.Workload,
		Command:   s.Command,
		StartedAt: s.StartedAt,
		Output:    s.output.GetAll(),
	}
	select {
	case <-s.done:
	default:
		st.Running = true
		return st
	}
	st.ExitCode = s.exitCode
	if s.err != nil {
		st.Error = s.err.Error()
	}
	finished := s.finishedAt
	st.FinishedAt = &finished
	return st
}

// Installer runs at most one install per workload at a time.
type Installer struct {
	resolver  Resolver
	publisher Publisher
	locker    Locker
	cfg       *Config
	logger    *slog.Logger

	// command and startPTY are replaced in tests.
	command  func(ctx context.Context, dir, bin string, args ...string) *exec.Cmd
	startPTY func(cmd *exec.Cmd) (*os.File, error)
	now      func() time.Time

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	running  map[string]*Session // workload name -> session
	sessions map[string]*Session // session ID -> session
}

// NewInstaller creates an installer. publisher may be nil.
func NewInstaller(resolver Resolver, publisher Publisher, cfg *Config, logger *slog.Logger) *Installer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.NpmBin == "" {
		cfg.NpmBin = "npm"
	}
	if cfg.OutputLines <= 0 {
		cfg.OutputLines = DefaultOutputLines
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Installer{
		resolver:   resolver,
		publisher:  publisher,
		cfg:        cfg,
		logger:     logger,
		command:    defaultCommand,
		startPTY:   pty.Start,
		now:        time.Now,
		rootCtx:    ctx,
		rootCancel: cancel,
		running:    make(map[string]*Session),
		sessions:   make(map[string]*Session),
	}
}

// SetLocker makes Start hold the workload's lock while it looks the workload
// up and registers the session.
func (i *Installer) SetLocker(l Locker) {
	i.locker = l
}

// Start launches the dependency installer for a workload and returns the
// session ID. An empty runtime uses the workload's own runtime.
func (i *Installer) Start(name string, runtime models.RuntimeKind) (string, error) {
	if i.locker != nil {
		unlock := i.locker.LockWorkload(name)
		defer unlock()
	}

	w, err := i.resolver.Get(name)
	if err != nil {
		return "", err
	}
	if runtime == "" {
		runtime = w.Runtime
	}

	bin, args, err := i.commandFor(w, runtime)
	if err != nil {
		return "", err
	}

	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return "", ErrClosed
	}
	if _, busy := i.running[name]; busy {
		i.mu.Unlock()
		return "", fmt.Errorf("%w for %s", ErrAlreadyRunning, name)
	}
	ctx, cancel := context.WithTimeout(i.rootCtx, i.cfg.Timeout)
	session := &Session{
		ID:        uuid.New().String(),
		Workload:  name,
		Command:   append([]string{bin}, args...),
		StartedAt: i.now(),
		output:    logs.NewContainer(i.cfg.OutputLines),
		done:      make(chan struct{}),
		cancel:    cancel,
	}
	i.running[name] = session
	i.sessions[session.ID] = session
	i.wg.Add(1)
	i.mu.Unlock()

	i.logger.Info("dependency install started",
		"session_id", session.ID,
		"workload", name,
		"command", strings.Join(session.Command, " "),
	)

	cmd := i.command(ctx, w.WorkDir, bin, args...)
	go i.run(ctx, session, cmd)
	return session.ID, nil
}

// Session returns a session by ID. Finished sessions stay available until
// the next install for the same workload starts.
func (i *Installer) Session(id string) (*Session, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	s, ok := i.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Running reports whether the workload has an install in progress.
func (i *Installer) Running(name string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.running[name]
	return ok
}

// Cancel kills the workload's running install, if any, and waits for it to
// exit or for ctx to expire.
func (i *Installer) Cancel(ctx context.Context, name string) error {
	i.mu.Lock()
	s, ok := i.running[name]
	i.mu.Unlock()
	if !ok {
		return nil
	}

	i.logger.Info("cancelling dependency install", "session_id", s.ID, "workload", name)
	s.cancel()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for install of %s: %w", name, ctx.Err())
	}
}

// Close kills running installs and waits for them to finish or for ctx to
// expire.
func (i *Installer) Close(ctx context.Context) error {
	i.mu.Lock()
	i.closed = true
	i.mu.Unlock()
	i.rootCancel()

	done := make(chan struct{})
	go func() {
		i.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// commandFor selects the install command for the runtime and checks that
// its manifest exists.
func (i *Installer) commandFor(w *models.Workload, runtime models.RuntimeKind) (string, []string, error) {
	var manifest, bin string
	var args []string

	switch runtime {
	case models.RuntimeNode:
		manifest = "package.json"
		bin = i.cfg.NpmBin
		args = []string{"install"}
	case models.RuntimePython:
		manifest = "requirements.txt"
		bin = w.Interpreter
		if w.Runtime != models.RuntimePython || bin == "" {
			bin = models.RuntimePython.DefaultInterpreter()
		}
		args = []string{"-m", "pip", "install", "--disable-pip-version-check", "-r", "requirements.txt"}
	default:
		return "", nil, fmt.Errorf("%w: %q", ErrUnsupportedRuntime, runtime)
	}

	fi, err := os.Stat(filepath.Join(w.WorkDir, manifest))
	if err != nil || !fi.Mode().IsRegular() {
		return "", nil, fmt.Errorf("%w: %s has no %s", ErrManifestMissing, w.Name, manifest)
	}
	return bin, args, nil
}

func (i *Installer) run(ctx context.Context, s *Session, cmd *exec.Cmd) {
	defer i.wg.Done()
	defer s.cancel()

	exitCode, err := i.execute(ctx, s, cmd)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("install timed out after %s", i.cfg.Timeout)
		exitCode = -1
	} else if ctx.Err() != nil && err != nil {
		err = fmt.Errorf("install cancelled: %w", err)
	}

	s.mu.Lock()
	s.finishedAt = i.now()
	s.exitCode = exitCode
	s.err = err
	s.mu.Unlock()

	i.mu.Lock()
	if i.running[s.Workload] == s {
		delete(i.running, s.Workload)
	}
	for id, other := range i.sessions {
		if other.Workload == s.Workload && other != s {
			delete(i.sessions, id)
		}
	}
	i.mu.Unlock()
	close(s.done)

	complete := events.InstallComplete{Session: s.ID, Workload: s.Workload, ExitCode: exitCode}
	if err != nil {
		complete.Error = err.Error()
		i.logger.Warn("dependency install failed",
			"session_id", s.ID,
			"workload", s.Workload,
			"exit_code", exitCode,
			"error", err,
		)
	} else {
		i.logger.Info("dependency install finished",
			"session_id", s.ID,
			"workload", s.Workload,
			"exit_code", exitCode,
		)
	}
	i.publish(events.TypeInstallComplete, complete)
}

// execute runs cmd under a pty and forwards its output line by line.
func (i *Installer) execute(ctx context.Context, s *Session, cmd *exec.Cmd) (int, error) {
	ptmx, err := i.startPTY(cmd)
	if err != nil {
		i.emit(s, fmt.Sprintf("failed to start %s: %v", s.Command[0], err))
		return -1, fmt.Errorf("starting pty: %w", err)
	}

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		i.copyOutput(s, ptmx)
	}()

	waitErr := cmd.Wait()

	select {
	case <-readDone:
	case <-time.After(drainGrace):
	case <-ctx.Done():
	}
	_ = ptmx.Close()
	<-readDone

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code := exitErr.ExitCode()
			return code, fmt.Errorf("installer exited with code %d", code)
		}
		return -1, waitErr
	}
	return 0, nil
}

func (i *Installer) copyOutput(s *Session, r io.Reader) {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			if text, ok := cleanLine(line); ok {
				i.emit(s, text)
			}
		}
		if err != nil {
			// The pty master reports EIO once the child side is gone.
			return
		}
	}
}

func (i *Installer) emit(s *Session, text string) {
	s.output.Add(models.LogLine{Workload: s.Workload, Message: text, Timestamp: i.now()})
	i.publish(events.TypeInstallOutput, events.InstallOutput{Session: s.ID, Workload: s.Workload, Line: text})
}

func (i *Installer) publish(typ events.Type, data any) {
	if i.publisher == nil {
		return
	}
	i.publisher.Publish(events.Event{Type: typ, Data: data, Timestamp: i.now()})
}

// cleanLine strips terminal control sequences and keeps what a terminal
// would show after carriage-return redraws.
func cleanLine(raw string) (string, bool) {
	line := strings.TrimRight(raw, "\r\n")
	if idx := strings.LastIndex(line, "\r"); idx >= 0 {
		line = line[idx+1:]
	}
	line = ansiEscape.ReplaceAllString(line, "")
	line = strings.TrimRight(line, " \t")
	return line, line != ""
}

func defaultCommand(ctx context.Context, dir, bin string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	cmd.Cancel = func() error { return killGroup(cmd) }
	cmd.Env = append(os.Environ(),
		"TERM=xterm-256color",
		"CI=true",
		"PIP_NO_INPUT=1",
		"npm_config_update_notifier=false",
	)
	return cmd
}

// killGroup kills cmd and everything it spawned. pty.Start makes the child a
// session leader, so its pid is also its process group.
func killGroup(cmd *exec.Cmd) error {
	return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
}
