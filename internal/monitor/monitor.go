// Package monitor periodically samples host metrics and the supervisor's
// process table and pushes snapshots to observers.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/narvanalabs/botpanel/internal/models"
	"github.com/narvanalabs/botpanel/internal/registry"
	"github.com/narvanalabs/botpanel/internal/supervisor"
)

// DefaultInterval is the sampling period.
const DefaultInterval = 2 * time.Second

// Publisher receives monitor snapshots.
type Publisher interface {
	PublishHostMetrics(m *models.HostMetrics)
	PublishWorkloads(ws []*models.Workload)
}

// Lister lists the supervisor's processes.
type Lister interface {
	List(ctx context.Context) ([]supervisor.ProcessInfo, error)
}

// Monitor samples on a ticker until its context is cancelled.
type Monitor struct {
	registry  *registry.Registry
	lister    Lister
	host      *HostCollector
	publisher Publisher
	metrics   *Metrics
	interval  time.Duration
	logger    *slog.Logger

	mu   sync.RWMutex
	last *models.HostMetrics
}

// New creates a monitor. publisher and metrics may be nil.
func New(reg *registry.Registry, lister Lister, host *HostCollector, publisher Publisher, metrics *Metrics, interval time.Duration, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		registry:  reg,
		lister:    lister,
		host:      host,
		publisher: publisher,
		metrics:   metrics,
		interval:  interval,
		logger:    logger,
	}
}

// Run samples immediately and then on every tick. It returns when ctx is
// cancelled. Failed samples are logged and skipped.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("monitor started", "interval", m.interval)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("monitor stopped")
			return nil
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick takes one sample of the host and the process table and publishes the
// result. It never panics on sampling errors; the registry is only updated
// when the process list was read successfully.
func (m *Monitor) Tick(ctx context.Context) {
	var (
		host  *models.HostMetrics
		procs []supervisor.ProcessInfo
	)

	g, gctx := errgroup.WithContext(ctx)
	if m.host != nil {
		g.Go(func() error {
			h, err := m.host.Collect()
			if err != nil {
				m.logger.Warn("host sampling failed", "error", err)
				m.metrics.tickError("host")
				return nil
			}
			host = h
			return nil
		})
	}
	g.Go(func() error {
		p, err := m.lister.List(gctx)
		if err != nil {
			return err
		}
		procs = p
		return nil
	})

	listErr := g.Wait()

	if host != nil {
		m.mu.Lock()
		m.last = host
		m.mu.Unlock()
		m.metrics.observeHost(host)
		if m.publisher != nil {
			m.publisher.PublishHostMetrics(host)
		}
	}

	if listErr != nil {
		if ctx.Err() == nil {
			m.logger.Warn("process list failed, skipping tick", "error", listErr)
			m.metrics.tickError("supervisor")
		}
		return
	}

	m.registry.Observe(Observations(procs))
	workloads := m.registry.List()
	m.metrics.observeWorkloads(workloads)
	if m.publisher != nil {
		m.publisher.PublishWorkloads(workloads)
	}
}

// LastHostMetrics returns the most recent host sample, or nil before the
// first successful tick.
func (m *Monitor) LastHostMetrics() *models.HostMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.last == nil {
		return nil
	}
	cp := *m.last
	return &cp
}

// Snapshot returns the latest host sample together with the current workloads.
// When no sample exists yet one is taken synchronously.
func (m *Monitor) Snapshot() *models.StatusSnapshot {
	host := m.LastHostMetrics()
	if host == nil && m.host != nil {
		if h, err := m.host.Collect(); err == nil {
			host = h
		}
	}
	return &models.StatusSnapshot{
		System:    host,
		Workloads: m.registry.List(),
	}
}

// Observations projects daemon processes onto registry observations.
func Observations(procs []supervisor.ProcessInfo) []registry.Observation {
	out := make([]registry.Observation, 0, len(procs))
	for _, p := range procs {
		out = append(out, registry.Observation{
			Name:  p.Name,
			State: models.ObservedStateFromDaemon(p.Status),
			Metrics: models.WorkloadMetrics{
				DaemonID:     p.DaemonID,
				PID:          p.PID,
				RestartCount: p.RestartCount,
				CPUPercent:   p.CPUPercent,
				MemoryBytes:  p.MemoryBytes,
				UptimeMs:     p.Uptime.Milliseconds(),
			},
			OutLogPath: p.OutLogPath,
			ErrLogPath: p.ErrLogPath,
		})
	}
	return out
}
