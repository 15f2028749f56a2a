package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/narvanalabs/botpanel/internal/models"
)

// PM2Config configures the pm2 CLI driver.
type PM2Config struct {
	// Bin is the pm2 executable. Defaults to "pm2" on PATH.
	Bin string
	// Home overrides PM2_HOME so the panel can use a dedicated daemon.
	Home string
	// MaxConnections bounds concurrent CLI invocations.
	MaxConnections int
}

// runFunc executes one pm2 command and returns its output.
type runFunc func(ctx context.Context, env []string, args ...string) (stdout, stderr []byte, err error)

// PM2Daemon drives the pm2 process manager through its CLI. Each connection
// is a slot in a bounded pool; the pm2 daemon itself is spawned on demand by
// the first command.
type PM2Daemon struct {
	cfg    PM2Config
	sem    chan struct{}
	run    runFunc
	now    func() time.Time
	logger *slog.Logger
}

var _ Daemon = (*PM2Daemon)(nil)

// NewPM2Daemon creates a pm2 driver.
func NewPM2Daemon(cfg PM2Config, logger *slog.Logger) *PM2Daemon {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Bin == "" {
		cfg.Bin = "pm2"
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 4
	}
	d := &PM2Daemon{
		cfg:    cfg,
		sem:    make(chan struct{}, cfg.MaxConnections),
		now:    time.Now,
		logger: logger,
	}
	d.run = d.exec
	return d
}

// Dial acquires a connection slot and checks that the daemon answers.
func (d *PM2Daemon) Dial(ctx context.Context) (Conn, error) {
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for daemon connection slot: %w", ctx.Err())
	}

	stdout, stderr, err := d.run(ctx, nil, "ping")
	if err != nil {
		<-d.sem
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, d.commandError("ping", "", ErrDaemonUnavailable, stdout, stderr, err)
	}
	return &pm2Conn{d: d}, nil
}

// exec runs the pm2 binary.
func (d *PM2Daemon) exec(ctx context.Context, env []string, args ...string) ([]byte, []byte, error) {
	d.logger.Debug("running pm2 command", "args", args)

	cmd := exec.CommandContext(ctx, d.cfg.Bin, args...)
	cmd.Env = os.Environ()
	if d.cfg.Home != "" {
		cmd.Env = append(cmd.Env, "PM2_HOME="+d.cfg.Home)
	}
	cmd.Env = append(cmd.Env, env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// commandError classifies a failed pm2 invocation.
func (d *PM2Daemon) commandError(op, name string, fallback error, stdout, stderr []byte, err error) *Error {
	e := &Error{Op: op, Name: name, Kind: fallback, Err: err}

	if errors.Is(err, exec.ErrNotFound) {
		e.Kind = ErrDaemonUnavailable
		e.Diagnostic = fmt.Sprintf("%s executable not found", d.cfg.Bin)
		return e
	}

	diag := lastErrorLine(stderr)
	if diag == "" {
		diag = lastErrorLine(stdout)
	}
	if diag == "" {
		diag = err.Error()
	}
	e.Diagnostic = diag

	lower := strings.ToLower(diag)
	if fallback != ErrDaemonUnavailable && strings.Contains(lower, "not found") {
		e.Kind = ErrNotFound
	}
	return e
}

// pm2Conn is one slot in the daemon's connection pool.
type pm2Conn struct {
	d    *PM2Daemon
	once sync.Once
}

// Start launches a process with pm2 start.
func (c *pm2Conn) Start(ctx context.Context, spec *StartSpec) error {
	args := startArgs(spec)
	stdout, stderr, err := c.d.run(ctx, envPairs(spec.Env), args...)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e := c.d.commandError("start", spec.Name, ErrStartFailed, stdout, stderr, err)
		// A missing script is a start failure, not a missing process.
		if e.Kind == ErrNotFound {
			e.Kind = ErrStartFailed
		}
		return e
	}
	return nil
}

// Control runs pm2 start|stop|restart|delete against a named process.
func (c *pm2Conn) Control(ctx context.Context, name string, action models.Action) error {
	if !action.IsValid() {
		return &Error{Op: string(action), Name: name, Kind: ErrControlFailed, Diagnostic: "unknown action"}
	}
	stdout, stderr, err := c.d.run(ctx, nil, string(action), name)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return c.d.commandError(string(action), name, ErrControlFailed, stdout, stderr, err)
	}
	return nil
}

// List reads the process table with pm2 jlist.
func (c *pm2Conn) List(ctx context.Context) ([]ProcessInfo, error) {
	stdout, stderr, err := c.d.run(ctx, nil, "jlist")
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, c.d.commandError("list", "", ErrDaemonUnavailable, stdout, stderr, err)
	}
	procs, err := parseJList(stdout, c.d.now())
	if err != nil {
		return nil, &Error{Op: "list", Kind: ErrDaemonUnavailable, Diagnostic: err.Error(), Err: err}
	}
	return procs, nil
}

// Close releases the connection slot. It is safe to call more than once.
func (c *pm2Conn) Close() error {
	c.once.Do(func() { <-c.d.sem })
	return nil
}

// startArgs builds the pm2 start command line for spec.
func startArgs(spec *StartSpec) []string {
	script := spec.Script
	if !filepath.IsAbs(script) && spec.WorkDir != "" {
		script = filepath.Join(spec.WorkDir, script)
	}

	args := []string{"start", script, "--name", spec.Name}
	if spec.WorkDir != "" {
		args = append(args, "--cwd", spec.WorkDir)
	}
	if spec.Interpreter != "" {
		args = append(args, "--interpreter", spec.Interpreter)
	}
	if spec.ExecMode != "" && spec.ExecMode != ExecModeFork {
		args = append(args, "--exec-mode", spec.ExecMode)
	}
	if spec.Instances > 1 {
		args = append(args, "--instances", strconv.Itoa(spec.Instances))
	}
	maxRestarts := spec.MaxRestarts
	if maxRestarts <= 0 {
		maxRestarts = DefaultMaxRestarts
	}
	args = append(args, "--max-restarts", strconv.Itoa(maxRestarts))
	if !spec.AutoRestart {
		args = append(args, "--no-autorestart")
	}
	if spec.OutLogPath != "" {
		args = append(args, "--output", spec.OutLogPath)
	}
	if spec.ErrLogPath != "" {
		args = append(args, "--error", spec.ErrLogPath)
	}
	args = append(args, "--time")
	if len(spec.Args) > 0 {
		args = append(args, "--")
		args = append(args, spec.Args...)
	}
	return args
}

// envPairs renders env as sorted KEY=VALUE pairs.
func envPairs(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	pairs := make([]string, 0, len(env))
	for k, v := range env {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return pairs
}

// lastErrorLine picks the most useful line of pm2 output: the last line
// tagged as an error, or else the last non-empty line.
func lastErrorLine(out []byte) string {
	var last, lastErr string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		last = line
		if strings.Contains(line, "[ERROR]") || strings.HasPrefix(strings.ToLower(line), "error") {
			lastErr = line
		}
	}
	if lastErr != "" {
		last = lastErr
	}
	return strings.TrimSpace(strings.TrimPrefix(last, "[PM2][ERROR]"))
}

// pm2Process is the subset of a pm2 jlist entry the panel reads.
type pm2Process struct {
	Name  string `json:"name"`
	PMID  int    `json:"pm_id"`
	PID   int    `json:"pid"`
	Monit struct {
		Memory int64   `json:"memory"`
		CPU    float64 `json:"cpu"`
	} `json:"monit"`
	Env struct {
		Status      string          `json:"status"`
		PMUptime    int64           `json:"pm_uptime"`
		RestartTime int             `json:"restart_time"`
		OutLogPath  string          `json:"pm_out_log_path"`
		ErrLogPath  string          `json:"pm_err_log_path"`
		CWD         string          `json:"pm_cwd"`
		ExecPath    string          `json:"pm_exec_path"`
		Interpreter string          `json:"exec_interpreter"`
		Args        json.RawMessage `json:"args"`
	} `json:"pm2_env"`
}

// jsonArrayStart returns the offset of the first line that opens a JSON
// array of objects, or -1. A "[PM2]" banner also starts with '[' but is
// followed by a letter.
func jsonArrayStart(out []byte) int {
	offset := 0
	for offset < len(out) {
		line := out[offset:]
		end := bytes.IndexByte(line, '\n')
		if end >= 0 {
			line = line[:end]
		}
		trimmed := bytes.TrimLeft(line, " \t\r")
		if len(trimmed) > 0 && trimmed[0] == '[' {
			rest := bytes.TrimSpace(trimmed[1:])
			if len(rest) == 0 || rest[0] == '{' || rest[0] == ']' {
				return offset + len(line) - len(trimmed)
			}
		}
		if end < 0 {
			break
		}
		offset += end + 1
	}
	return -1
}

// parseJList decodes pm2 jlist output. pm2 may print "[PM2] ..." banner or
// warning lines around the JSON array; they are skipped.
func parseJList(out []byte, now time.Time) ([]ProcessInfo, error) {
	start := jsonArrayStart(out)
	if start < 0 {
		if len(bytes.TrimSpace(out)) == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("unexpected pm2 jlist output: %q", truncate(string(out), 200))
	}

	var raw []pm2Process
	if err := json.NewDecoder(bytes.NewReader(out[start:])).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding pm2 jlist output: %w", err)
	}

	procs := make([]ProcessInfo, 0, len(raw))
	for _, p := range raw {
		info := ProcessInfo{
			Name:         p.Name,
			DaemonID:     p.PMID,
			PID:          p.PID,
			Status:       p.Env.Status,
			CPUPercent:   p.Monit.CPU,
			MemoryBytes:  p.Monit.Memory,
			RestartCount: p.Env.RestartTime,
			WorkDir:      p.Env.CWD,
			Script:       p.Env.ExecPath,
			Interpreter:  p.Env.Interpreter,
			Args:         decodeArgs(p.Env.Args),
			OutLogPath:   p.Env.OutLogPath,
			ErrLogPath:   p.Env.ErrLogPath,
		}
		if p.Env.CWD != "" && p.Env.ExecPath != "" {
			if rel, err := filepath.Rel(p.Env.CWD, p.Env.ExecPath); err == nil && !strings.HasPrefix(rel, "..") {
				info.Script = rel
			}
		}
		if p.Env.Status == "online" && p.Env.PMUptime > 0 {
			if up := now.Sub(time.UnixMilli(p.Env.PMUptime)); up > 0 {
				info.Uptime = up
			}
		}
		procs = append(procs, info)
	}
	return procs, nil
}

// decodeArgs accepts pm2's args field, which is either a list or a single string.
func decodeArgs(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		if len(list) == 0 {
			return nil
		}
		return list
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil && single != "" {
		return strings.Fields(single)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
