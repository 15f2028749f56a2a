package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/narvanalabs/botpanel/internal/archive"
	"github.com/narvanalabs/botpanel/internal/models"
	"github.com/narvanalabs/botpanel/internal/registry"
	"github.com/narvanalabs/botpanel/internal/supervisor"
	"github.com/narvanalabs/botpanel/internal/validation"
)

// Config holds orchestrator settings.
type Config struct {
	// ProjectsDir is the parent of every workload working directory.
	ProjectsDir string
	// LogsDir, when set, receives the daemon's per-workload output and error
	// logs. Otherwise the daemon picks its own locations.
	LogsDir string
	// DefaultEnv is merged under every workload's own environment.
	DefaultEnv map[string]string
	// Interpreters overrides the default interpreter per runtime.
	Interpreters map[models.RuntimeKind]string
}

// DeployRequest describes an uploaded workload.
type DeployRequest struct {
	Name        string
	EntryPoint  string
	Runtime     models.RuntimeKind
	Interpreter string
	Args        []string
	Env         map[string]string
	Archive     io.ReaderAt
	Size        int64
}

// DeployResult is returned by a successful deploy.
type DeployResult struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	StrippedPrefix string `json:"stripped_prefix,omitempty"`
}

// RecoverReport summarizes startup reconciliation.
type RecoverReport struct {
	Loaded  int
	Adopted []string
	Dropped []string
	Orphans []string
}

// installStopTimeout bounds how long delete waits for a dependency install
// to exit.
const installStopTimeout = 30 * time.Second

// InstallCanceller stops processes that write into a workload's directory.
type InstallCanceller interface {
	Cancel(ctx context.Context, name string) error
}

// Orchestrator sequences extraction, registration and daemon calls so that a
// workload directory never exists without a registry entry and vice versa.
type Orchestrator struct {
	cfg        Config
	registry   *registry.Registry
	supervisor *supervisor.Client
	extractor  *archive.Extractor
	installs   InstallCanceller
	locks      *KeyedMutex
	onChange   func()
	newID      func() string
	logger     *slog.Logger
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(cfg Config, reg *registry.Registry, sup *supervisor.Client, ex *archive.Extractor, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if abs, err := filepath.Abs(cfg.ProjectsDir); err == nil {
		cfg.ProjectsDir = abs
	}
	return &Orchestrator{
		cfg:        cfg,
		registry:   reg,
		supervisor: sup,
		extractor:  ex,
		locks:      NewKeyedMutex(),
		newID:      func() string { return uuid.New().String() },
		logger:     logger,
	}
}

// OnChange registers fn to be called whenever the workload set changes.
func (o *Orchestrator) OnChange(fn func()) {
	o.onChange = fn
}

// SetInstaller registers the dependency installer so delete can stop a
// running install before removing the working directory.
func (o *Orchestrator) SetInstaller(c InstallCanceller) {
	o.installs = c
}

// LockWorkload takes the per-name lock that deploy and control hold. Other
// components use it to avoid racing a delete.
func (o *Orchestrator) LockWorkload(name string) (unlock func()) {
	return o.locks.Lock(name)
}

// WorkDir returns the working directory for a workload name.
func (o *Orchestrator) WorkDir(name string) string {
	return filepath.Join(o.cfg.ProjectsDir, name)
}

// Deploy validates the request, extracts the archive into a fresh working
// directory, registers the workload and asks the daemon to start it. On any
// failure every earlier step is undone. The operation is not cancelled by ctx.
func (o *Orchestrator) Deploy(ctx context.Context, req DeployRequest) (*DeployResult, error) {
	ctx = context.WithoutCancel(ctx)
	const op = "deploy"

	name, err := validation.SanitizeWorkloadName(req.Name)
	if err != nil {
		return nil, newError(KindInvalidInput, op, "", err.Error(), err)
	}
	if !req.Runtime.IsValid() {
		return nil, newError(KindInvalidInput, op, name, fmt.Sprintf("unknown runtime %q", req.Runtime), nil)
	}
	interpreter, err := o.interpreterFor(req.Runtime, req.Interpreter)
	if err != nil {
		return nil, newError(KindInvalidInput, op, name, err.Error(), err)
	}
	if err := validation.ValidateEntryPoint(req.EntryPoint); err != nil {
		return nil, newError(KindInvalidInput, op, name, err.Error(), err)
	}
	for k := range req.Env {
		if err := validation.ValidateEnvKey(k); err != nil {
			return nil, newError(KindInvalidInput, op, name, err.Error(), err)
		}
	}
	if req.Archive == nil || req.Size <= 0 {
		return nil, newError(KindInvalidInput, op, name, "archive is required", nil)
	}

	unlock := o.locks.Lock(name)
	defer unlock()

	dir := o.WorkDir(name)
	if o.registry.Has(name) {
		return nil, newError(KindAlreadyExists, op, name, "a workload with this name already exists", registry.ErrAlreadyExists)
	}
	if _, err := os.Lstat(dir); err == nil {
		return nil, newError(KindAlreadyExists, op, name, "working directory already exists", os.ErrExist)
	}

	if err := os.MkdirAll(o.cfg.ProjectsDir, 0o755); err != nil {
		return nil, newError(KindIOFailure, op, name, "creating projects directory", err)
	}
	if err := os.Mkdir(dir, 0o755); err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, newError(KindAlreadyExists, op, name, "working directory already exists", err)
		}
		return nil, newError(KindIOFailure, op, name, "creating working directory", err)
	}

	entry := filepath.ToSlash(filepath.Clean(req.EntryPoint))
	res, err := o.extractor.Extract(ctx, req.Archive, req.Size, dir, entry)
	if err != nil {
		return nil, extractionError(name, err)
	}

	w := &models.Workload{
		ID:            o.newID(),
		Name:          name,
		WorkDir:       dir,
		EntryPoint:    entry,
		Runtime:       req.Runtime,
		Interpreter:   interpreter,
		Args:          req.Args,
		Env:           MergeEnvVars(o.cfg.DefaultEnv, req.Env),
		DesiredState:  models.DesiredRunning,
		ObservedState: models.ObservedStarting,
	}
	if o.cfg.LogsDir != "" {
		w.OutLogPath = filepath.Join(o.cfg.LogsDir, name+"-out.log")
		w.ErrLogPath = filepath.Join(o.cfg.LogsDir, name+"-error.log")
	}

	if err := o.registry.Insert(ctx, w); err != nil {
		o.removeDir(name, dir)
		if errors.Is(err, registry.ErrAlreadyExists) {
			return nil, newError(KindAlreadyExists, op, name, "a workload with this name already exists", err)
		}
		return nil, newError(KindIOFailure, op, name, "registering workload", err)
	}

	if err := o.supervisor.Start(ctx, supervisor.NewStartSpec(w)); err != nil {
		o.rollbackStart(ctx, name, dir, err)
		if errors.Is(err, supervisor.ErrDaemonUnavailable) {
			return nil, newError(KindDaemonUnavailable, op, name, supervisor.Diagnostic(err), err)
		}
		return nil, newError(KindDeploymentFailed, op, name, supervisor.Diagnostic(err), err)
	}

	o.logger.Info("workload deployed",
		"workload", name,
		"id", w.ID,
		"runtime", w.Runtime,
		"entry_point", entry,
		"files", res.Files,
	)
	o.changed()

	return &DeployResult{ID: w.ID, Name: name, StrippedPrefix: res.StrippedPrefix}, nil
}

// Control applies a start, stop, restart or delete to a registered workload.
// The operation is not cancelled by ctx.
func (o *Orchestrator) Control(ctx context.Context, name string, action models.Action) error {
	ctx = context.WithoutCancel(ctx)
	op := string(action)

	if !action.IsValid() {
		return newError(KindInvalidInput, "control", name, fmt.Sprintf("unknown action %q", action), nil)
	}
	if !o.registry.Has(name) {
		return newError(KindNotFound, op, name, "workload not found", registry.ErrNotFound)
	}

	unlock := o.locks.Lock(name)
	defer unlock()

	// Re-read under the lock: a concurrent delete may have won.
	w, err := o.registry.Get(name)
	if err != nil {
		return newError(KindNotFound, op, name, "workload not found", err)
	}

	if action == models.ActionDelete {
		return o.delete(ctx, w)
	}

	err = o.supervisor.Control(ctx, name, action)
	if err != nil && action == models.ActionStart && errors.Is(err, supervisor.ErrNotFound) {
		o.logger.Info("daemon lost workload, registering it again", "workload", name)
		err = o.supervisor.Start(ctx, supervisor.NewStartSpec(w))
	}
	if err != nil {
		return controlError(op, name, err)
	}

	desired, hint := models.DesiredRunning, models.ObservedStarting
	if action == models.ActionStop {
		desired, hint = models.DesiredStopped, models.ObservedStopping
	}
	if err := o.registry.SetDesiredState(ctx, name, desired); err != nil {
		o.logger.Warn("failed to record desired state", "workload", name, "error", err)
	}
	if err := o.registry.UpdateObservedState(name, hint); err != nil {
		o.logger.Warn("failed to record observed state", "workload", name, "error", err)
	}

	o.logger.Info("workload control applied", "workload", name, "action", action)
	o.changed()
	return nil
}

// delete stops any dependency install, then removes the daemon entry, the
// working directory and the registry entry, in that order. A daemon entry
// that is already gone is not an error.
func (o *Orchestrator) delete(ctx context.Context, w *models.Workload) error {
	const op = "delete"

	if o.installs != nil {
		stopCtx, cancel := context.WithTimeout(ctx, installStopTimeout)
		err := o.installs.Cancel(stopCtx, w.Name)
		cancel()
		if err != nil {
			return newError(KindIOFailure, op, w.Name, "dependency install did not stop", err)
		}
	}

	if err := o.supervisor.Control(ctx, w.Name, models.ActionDelete); err != nil {
		if !errors.Is(err, supervisor.ErrNotFound) {
			return controlError(op, w.Name, err)
		}
		o.logger.Info("daemon entry already gone", "workload", w.Name)
	}

	if !o.ownsDir(w.WorkDir) {
		return newError(KindIOFailure, op, w.Name, fmt.Sprintf("refusing to remove %s outside the projects directory", w.WorkDir), nil)
	}
	if err := os.RemoveAll(w.WorkDir); err != nil {
		return newError(KindIOFailure, op, w.Name, "removing working directory", err)
	}

	if err := o.registry.Remove(ctx, w.Name); err != nil && !errors.Is(err, registry.ErrNotFound) {
		return newError(KindIOFailure, op, w.Name, "removing registry entry", err)
	}

	o.removeLogs(w)
	o.logger.Info("workload deleted", "workload", w.Name)
	o.changed()
	return nil
}

// Recover rebuilds the registry at startup from the durable store and the
// daemon's process table. Records whose directory is gone are dropped;
// directories nobody knows about are reported as orphans and left alone.
func (o *Orchestrator) Recover(ctx context.Context) (*RecoverReport, error) {
	report := &RecoverReport{}

	loaded, err := o.registry.Load(ctx)
	if err != nil {
		o.logger.Warn("failed to load workload records", "error", err)
	}
	report.Loaded = loaded

	procs, listErr := o.supervisor.List(ctx)
	if listErr != nil {
		o.logger.Warn("failed to list daemon processes during recovery", "error", listErr)
	}

	var discovered []*models.Workload
	for _, p := range procs {
		if w := o.adopt(p); w != nil {
			discovered = append(discovered, w)
		}
	}
	report.Adopted = o.registry.Reconcile(ctx, discovered)

	for _, w := range o.registry.List() {
		if _, err := os.Stat(w.WorkDir); err != nil {
			o.logger.Warn("dropping workload whose directory is missing",
				"workload", w.Name,
				"dir", w.WorkDir,
			)
			if err := o.registry.Remove(ctx, w.Name); err == nil {
				report.Dropped = append(report.Dropped, w.Name)
			}
		}
	}

	entries, err := os.ReadDir(o.cfg.ProjectsDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return report, fmt.Errorf("reading projects directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() && !o.registry.Has(e.Name()) {
			report.Orphans = append(report.Orphans, e.Name())
			o.logger.Warn("orphaned workload directory",
				"dir", filepath.Join(o.cfg.ProjectsDir, e.Name()),
			)
		}
	}

	o.logger.Info("registry recovered",
		"loaded", report.Loaded,
		"adopted", len(report.Adopted),
		"dropped", len(report.Dropped),
		"orphans", len(report.Orphans),
	)
	if len(report.Adopted) > 0 || len(report.Dropped) > 0 {
		o.changed()
	}
	return report, listErr
}

// adopt converts a daemon process living in the projects directory into a
// workload record. Processes elsewhere are not ours and are ignored.
func (o *Orchestrator) adopt(p supervisor.ProcessInfo) *models.Workload {
	if p.WorkDir == "" || validation.ValidateWorkloadName(p.Name) != nil {
		return nil
	}
	if filepath.Clean(p.WorkDir) != o.WorkDir(p.Name) {
		return nil
	}

	desired := models.DesiredRunning
	if p.Status == "stopped" {
		desired = models.DesiredStopped
	}
	return &models.Workload{
		ID:            o.newID(),
		Name:          p.Name,
		WorkDir:       o.WorkDir(p.Name),
		EntryPoint:    p.Script,
		Runtime:       RuntimeFromInterpreter(p.Interpreter),
		Interpreter:   p.Interpreter,
		Args:          p.Args,
		DesiredState:  desired,
		ObservedState: models.ObservedStateFromDaemon(p.Status),
		OutLogPath:    p.OutLogPath,
		ErrLogPath:    p.ErrLogPath,
		CreatedAt:     time.Now().UTC().Add(-p.Uptime),
	}
}

// interpreterFor resolves the interpreter for a runtime. An explicit value
// wins, then the configured override, then the runtime default.
func (o *Orchestrator) interpreterFor(runtime models.RuntimeKind, explicit string) (string, error) {
	interp := strings.TrimSpace(explicit)
	if interp == "" {
		interp = o.cfg.Interpreters[runtime]
	}
	if interp == "" {
		interp = runtime.DefaultInterpreter()
	}
	if interp == "" {
		return "", &models.ValidationError{Field: "interpreter", Message: "interpreter is required for runtime other"}
	}
	if strings.ContainsAny(interp, " \t\r\n\x00;|&$`") {
		return "", &models.ValidationError{Field: "interpreter", Message: "interpreter must be a single executable name or path"}
	}
	return interp, nil
}

// rollbackStart undoes registration and extraction after a failed start.
func (o *Orchestrator) rollbackStart(ctx context.Context, name, dir string, startErr error) {
	// The daemon may have created an errored entry before refusing.
	if !errors.Is(startErr, supervisor.ErrDaemonUnavailable) {
		if err := o.supervisor.Control(ctx, name, models.ActionDelete); err != nil && !errors.Is(err, supervisor.ErrNotFound) {
			o.logger.Warn("failed to remove daemon entry after start failure", "workload", name, "error", err)
		}
	}
	if err := o.registry.Remove(ctx, name); err != nil {
		o.logger.Warn("failed to remove registry entry after start failure", "workload", name, "error", err)
	}
	o.removeDir(name, dir)
}

func (o *Orchestrator) removeDir(name, dir string) {
	if err := os.RemoveAll(dir); err != nil {
		o.logger.Error("failed to remove working directory",
			"workload", name,
			"dir", dir,
			"error", err,
		)
	}
}

// removeLogs deletes daemon log files the panel placed in LogsDir.
func (o *Orchestrator) removeLogs(w *models.Workload) {
	if o.cfg.LogsDir == "" {
		return
	}
	for _, p := range []string{w.OutLogPath, w.ErrLogPath} {
		if p == "" || !validation.IsWithin(o.cfg.LogsDir, p) {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			o.logger.Debug("failed to remove log file", "path", p, "error", err)
		}
	}
}

// ownsDir reports whether dir is a direct child of the projects directory.
func (o *Orchestrator) ownsDir(dir string) bool {
	root, err := filepath.Abs(o.cfg.ProjectsDir)
	if err != nil {
		return false
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	return filepath.Dir(abs) == root
}

func (o *Orchestrator) changed() {
	if o.onChange != nil {
		o.onChange()
	}
}

func extractionError(name string, err error) *Error {
	const op = "deploy"
	switch {
	case errors.Is(err, archive.ErrPathTraversal):
		return newError(KindAccessDenied, op, name, err.Error(), err)
	case errors.Is(err, archive.ErrEntryPointMissing):
		return newError(KindEntryPointMissing, op, name, err.Error(), err)
	default:
		return newError(KindExtractionFailed, op, name, err.Error(), err)
	}
}

func controlError(op, name string, err error) *Error {
	if errors.Is(err, supervisor.ErrDaemonUnavailable) {
		return newError(KindDaemonUnavailable, op, name, supervisor.Diagnostic(err), err)
	}
	return newError(KindControlFailed, op, name, supervisor.Diagnostic(err), err)
}

// RuntimeFromInterpreter infers the runtime family from an interpreter binary.
func RuntimeFromInterpreter(interp string) models.RuntimeKind {
	base := filepath.Base(interp)
	switch {
	case base == "node" || base == "nodejs":
		return models.RuntimeNode
	case strings.HasPrefix(base, "python"):
		return models.RuntimePython
	default:
		return models.RuntimeOther
	}
}
