package registry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narvanalabs/botpanel/internal/models"
	"github.com/narvanalabs/botpanel/internal/store"
)

// memStore is an in-memory store.WorkloadStore for tests.
type memStore struct {
	mu        sync.Mutex
	records   map[string]*models.Workload
	createErr error
	deleteErr error
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*models.Workload)}
}

func (m *memStore) Create(_ context.Context, w *models.Workload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if _, ok := m.records[w.Name]; ok {
		return store.ErrDuplicateName
	}
	m.records[w.Name] = w.Clone()
	return nil
}

func (m *memStore) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	if _, ok := m.records[name]; !ok {
		return store.ErrNotFound
	}
	delete(m.records, name)
	return nil
}

func (m *memStore) List(context.Context) ([]*models.Workload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Workload
	for _, w := range m.records {
		out = append(out, w.Clone())
	}
	return out, nil
}

func (m *memStore) UpdateState(_ context.Context, name string, d models.DesiredState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.records[name]
	if !ok {
		return store.ErrNotFound
	}
	w.DesiredState = d
	return nil
}

func (m *memStore) Ping(context.Context) error { return nil }
func (m *memStore) Close() error               { return nil }

func workload(name string) *models.Workload {
	return &models.Workload{
		ID:            name + "-id",
		Name:          name,
		WorkDir:       "/srv/projects/" + name,
		EntryPoint:    "index.js",
		Runtime:       models.RuntimeNode,
		Interpreter:   "node",
		DesiredState:  models.DesiredRunning,
		ObservedState: models.ObservedStarting,
	}
}

func TestInsertGetRemove(t *testing.T) {
	ctx := context.Background()
	r := New(nil, nil)

	require.NoError(t, r.Insert(ctx, workload("echo-bot")))
	assert.ErrorIs(t, r.Insert(ctx, workload("echo-bot")), ErrAlreadyExists)

	got, err := r.Get("echo-bot")
	require.NoError(t, err)
	assert.Equal(t, "echo-bot-id", got.ID)
	assert.False(t, got.CreatedAt.IsZero())

	require.NoError(t, r.Remove(ctx, "echo-bot"))
	assert.ErrorIs(t, r.Remove(ctx, "echo-bot"), ErrNotFound)

	_, err = r.Get("echo-bot")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	r := New(nil, nil)
	w := workload("bot")
	w.Env = map[string]string{"A": "1"}
	require.NoError(t, r.Insert(ctx, w))

	// Mutating the caller's value or a returned copy must not leak in.
	w.Env["A"] = "changed"
	got, err := r.Get("bot")
	require.NoError(t, err)
	got.Name = "other"
	got.Env["A"] = "also changed"

	again, err := r.Get("bot")
	require.NoError(t, err)
	assert.Equal(t, "bot", again.Name)
	assert.Equal(t, "1", again.Env["A"])
}

func TestListSorted(t *testing.T) {
	ctx := context.Background()
	r := New(nil, nil)
	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, r.Insert(ctx, workload(name)))
	}

	var names []string
	for _, w := range r.List() {
		names = append(names, w.Name)
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, names)
	assert.Equal(t, 3, r.Len())
}

func TestVersionIncreasesOnChange(t *testing.T) {
	ctx := context.Background()
	r := New(nil, nil)
	v0 := r.Version()

	require.NoError(t, r.Insert(ctx, workload("bot")))
	v1 := r.Version()
	assert.Greater(t, v1, v0)

	require.NoError(t, r.UpdateObservedState("bot", models.ObservedStarting))
	assert.Equal(t, v1, r.Version(), "no-op update must not bump version")

	require.NoError(t, r.UpdateObservedState("bot", models.ObservedOnline))
	assert.Greater(t, r.Version(), v1)
}

func TestUpdatesOnMissingWorkload(t *testing.T) {
	r := New(nil, nil)
	assert.ErrorIs(t, r.UpdateMetrics("ghost", models.WorkloadMetrics{PID: 1}), ErrNotFound)
	assert.ErrorIs(t, r.UpdateObservedState("ghost", models.ObservedOnline), ErrNotFound)
	assert.ErrorIs(t, r.SetDesiredState(context.Background(), "ghost", models.DesiredStopped), ErrNotFound)
}

func TestObserve(t *testing.T) {
	ctx := context.Background()
	r := New(nil, nil)
	require.NoError(t, r.Insert(ctx, workload("a")))
	require.NoError(t, r.Insert(ctx, workload("b")))

	changed := r.Observe([]Observation{
		{Name: "a", State: models.ObservedOnline, Metrics: models.WorkloadMetrics{PID: 42, CPUPercent: 1.5}, OutLogPath: "/logs/a-out.log"},
		{Name: "stranger", State: models.ObservedOnline},
	})
	assert.True(t, changed)

	a, _ := r.Get("a")
	assert.Equal(t, models.ObservedOnline, a.ObservedState)
	assert.Equal(t, 42, a.Metrics.PID)
	assert.Equal(t, "/logs/a-out.log", a.OutLogPath)

	b, _ := r.Get("b")
	assert.Equal(t, models.ObservedUnknown, b.ObservedState)

	assert.False(t, r.Has("stranger"))

	again := r.Observe([]Observation{
		{Name: "a", State: models.ObservedOnline, Metrics: models.WorkloadMetrics{PID: 42, CPUPercent: 1.5}},
	})
	assert.False(t, again, "identical samples must not report a change")
}

func TestWriteThrough(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	r := New(st, nil)
	assert.True(t, r.Durable())

	require.NoError(t, r.Insert(ctx, workload("bot")))
	require.NoError(t, r.SetDesiredState(ctx, "bot", models.DesiredStopped))
	assert.Equal(t, models.DesiredStopped, st.records["bot"].DesiredState)

	require.NoError(t, r.Remove(ctx, "bot"))
	assert.Empty(t, st.records)
}

func TestInsertRollsBackOnStoreFailure(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	st.createErr = errors.New("connection reset")
	r := New(st, nil)

	err := r.Insert(ctx, workload("bot"))
	require.Error(t, err)
	assert.False(t, r.Has("bot"))
}

func TestInsertMapsStoreDuplicate(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	st.records["bot"] = workload("bot")
	r := New(st, nil)

	assert.ErrorIs(t, r.Insert(ctx, workload("bot")), ErrAlreadyExists)
	assert.False(t, r.Has("bot"))
}

func TestRemoveToleratesStoreFailure(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	r := New(st, nil)
	require.NoError(t, r.Insert(ctx, workload("bot")))

	st.deleteErr = errors.New("database down")
	require.NoError(t, r.Remove(ctx, "bot"))
	assert.False(t, r.Has("bot"))
}

func TestLoadAndReconcile(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	st.records["stored"] = workload("stored")
	r := New(st, nil)

	n, err := r.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, r.Has("stored"))

	added := r.Reconcile(ctx, []*models.Workload{workload("stored"), workload("adopted"), nil})
	assert.Equal(t, []string{"adopted"}, added)
	assert.True(t, r.Has("adopted"))
	assert.Contains(t, st.records, "adopted")
}
