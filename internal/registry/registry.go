// Package registry holds the in-process authoritative record of deployed
// workloads.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/narvanalabs/botpanel/internal/models"
	"github.com/narvanalabs/botpanel/internal/store"
)

var (
	// ErrAlreadyExists is returned when inserting a name that is already registered.
	ErrAlreadyExists = errors.New("workload already registered")

	// ErrNotFound is returned when the named workload is not registered.
	ErrNotFound = errors.New("workload not registered")
)

// Observation is one daemon-reported sample for a workload.
type Observation struct {
	Name       string
	State      models.ObservedState
	Metrics    models.WorkloadMetrics
	OutLogPath string
	ErrLogPath string
}

// Registry maps workload names to records. Every read returns a copy, so
// callers never observe a record while it is being updated.
type Registry struct {
	mu        sync.RWMutex
	workloads map[string]*models.Workload
	version   uint64

	store  store.WorkloadStore
	logger *slog.Logger
	now    func() time.Time
}

// New creates a registry. st may be nil, in which case records live only in
// memory and are rebuilt from the daemon at startup.
func New(st store.WorkloadStore, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		workloads: make(map[string]*models.Workload),
		store:     st,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Durable reports whether records are written through to a store.
func (r *Registry) Durable() bool {
	return r.store != nil
}

// Load replaces the in-memory records with those held by the store. It is a
// no-op without a store.
func (r *Registry) Load(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	records, err := r.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading workloads: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.workloads = make(map[string]*models.Workload, len(records))
	for _, w := range records {
		r.workloads[w.Name] = w.Clone()
	}
	r.version++
	return len(records), nil
}

// Insert registers a new workload. The record is persisted before Insert
// returns; if persistence fails the in-memory insert is rolled back.
func (r *Registry) Insert(ctx context.Context, w *models.Workload) error {
	if w == nil || w.Name == "" {
		return fmt.Errorf("inserting workload: name is required")
	}

	rec := w.Clone()
	now := r.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	r.mu.Lock()
	if _, exists := r.workloads[rec.Name]; exists {
		r.mu.Unlock()
		return ErrAlreadyExists
	}
	r.workloads[rec.Name] = rec
	r.version++
	r.mu.Unlock()

	if r.store == nil {
		return nil
	}
	if err := r.store.Create(ctx, rec.Clone()); err != nil {
		r.mu.Lock()
		if cur, ok := r.workloads[rec.Name]; ok && cur.ID == rec.ID {
			delete(r.workloads, rec.Name)
			r.version++
		}
		r.mu.Unlock()
		if errors.Is(err, store.ErrDuplicateName) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("persisting workload: %w", err)
	}
	return nil
}

// Remove unregisters the named workload. A store failure is logged; the
// in-memory record is removed regardless so the panel never lists a
// workload whose directory is already gone.
func (r *Registry) Remove(ctx context.Context, name string) error {
	r.mu.Lock()
	if _, ok := r.workloads[name]; !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	delete(r.workloads, name)
	r.version++
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.Delete(ctx, name); err != nil && !errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("failed to delete workload record",
				"workload", name,
				"error", err,
			)
		}
	}
	return nil
}

// Get returns a copy of the named workload.
func (r *Registry) Get(name string) (*models.Workload, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workloads[name]
	if !ok {
		return nil, ErrNotFound
	}
	return w.Clone(), nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.workloads[name]
	return ok
}

// List returns copies of all workloads sorted by name.
func (r *Registry) List() []*models.Workload {
	r.mu.RLock()
	out := make([]*models.Workload, 0, len(r.workloads))
	for _, w := range r.workloads {
		out = append(out, w.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered workloads.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workloads)
}

// Version returns a counter that increases on every change to the registry.
func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// UpdateMetrics replaces the metrics of the named workload.
func (r *Registry) UpdateMetrics(name string, m models.WorkloadMetrics) error {
	return r.mutate(name, func(w *models.Workload) bool {
		if w.Metrics == m {
			return false
		}
		w.Metrics = m
		return true
	})
}

// UpdateObservedState sets the last observed state of the named workload.
func (r *Registry) UpdateObservedState(name string, s models.ObservedState) error {
	return r.mutate(name, func(w *models.Workload) bool {
		if w.ObservedState == s {
			return false
		}
		w.ObservedState = s
		return true
	})
}

// SetDesiredState records the operator's intent and writes it through to the
// store.
func (r *Registry) SetDesiredState(ctx context.Context, name string, d models.DesiredState) error {
	if err := r.mutate(name, func(w *models.Workload) bool {
		if w.DesiredState == d {
			return false
		}
		w.DesiredState = d
		return true
	}); err != nil {
		return err
	}

	if r.store != nil {
		if err := r.store.UpdateState(ctx, name, d); err != nil {
			r.logger.Warn("failed to persist desired state",
				"workload", name,
				"desired_state", d,
				"error", err,
			)
		}
	}
	return nil
}

// Observe applies a batch of daemon samples in one step. Registered workloads
// missing from the batch are marked unknown with zeroed metrics; samples for
// names the registry does not know are ignored. It returns true if anything
// changed.
func (r *Registry) Observe(samples []Observation) bool {
	byName := make(map[string]Observation, len(samples))
	for _, s := range samples {
		byName[s.Name] = s
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	changed := false
	now := r.now()
	for name, w := range r.workloads {
		s, ok := byName[name]
		if !ok {
			s = Observation{Name: name, State: models.ObservedUnknown}
		}
		if w.ObservedState == s.State && w.Metrics == s.Metrics &&
			(s.OutLogPath == "" || w.OutLogPath == s.OutLogPath) &&
			(s.ErrLogPath == "" || w.ErrLogPath == s.ErrLogPath) {
			continue
		}
		w.ObservedState = s.State
		w.Metrics = s.Metrics
		if s.OutLogPath != "" {
			w.OutLogPath = s.OutLogPath
		}
		if s.ErrLogPath != "" {
			w.ErrLogPath = s.ErrLogPath
		}
		w.UpdatedAt = now
		changed = true
	}
	if changed {
		r.version++
	}
	return changed
}

// Reconcile adopts workloads discovered outside the registry, typically from
// the daemon's process table at startup. Names already registered are left
// untouched. Adopted records are persisted when a store is configured. It
// returns the names that were added.
func (r *Registry) Reconcile(ctx context.Context, discovered []*models.Workload) []string {
	var added []*models.Workload

	r.mu.Lock()
	now := r.now()
	for _, d := range discovered {
		if d == nil || d.Name == "" {
			continue
		}
		if _, ok := r.workloads[d.Name]; ok {
			continue
		}
		rec := d.Clone()
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		rec.UpdatedAt = now
		r.workloads[rec.Name] = rec
		added = append(added, rec.Clone())
	}
	if len(added) > 0 {
		r.version++
	}
	r.mu.Unlock()

	names := make([]string, 0, len(added))
	for _, w := range added {
		names = append(names, w.Name)
		if r.store == nil {
			continue
		}
		if err := r.store.Create(ctx, w); err != nil && !errors.Is(err, store.ErrDuplicateName) {
			r.logger.Warn("failed to persist adopted workload",
				"workload", w.Name,
				"error", err,
			)
		}
	}
	sort.Strings(names)
	return names
}

// mutate applies fn to the named record under the write lock. fn reports
// whether it changed anything.
func (r *Registry) mutate(name string, fn func(*models.Workload) bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workloads[name]
	if !ok {
		return ErrNotFound
	}
	if fn(w) {
		w.UpdatedAt = r.now()
		r.version++
	}
	return nil
}
