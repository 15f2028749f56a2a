package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/narvanalabs/botpanel/internal/models"
)

// Metrics exports monitor samples as Prometheus gauges.
type Metrics struct {
	workloadCPU      *prometheus.GaugeVec
	workloadMemory   *prometheus.GaugeVec
	workloadRestarts *prometheus.GaugeVec
	workloadUp       *prometheus.GaugeVec
	hostLoad1        prometheus.Gauge
	hostMemoryUsed   prometheus.Gauge
	hostCPU          prometheus.Gauge
	tickErrors       *prometheus.CounterVec
}

// NewMetrics registers the monitor collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		workloadCPU: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "botpanel_workload_cpu_percent",
			Help: "CPU usage of each workload process as reported by the supervisor",
		}, []string{"workload"}),
		workloadMemory: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "botpanel_workload_memory_bytes",
			Help: "Resident memory of each workload process",
		}, []string{"workload"}),
		workloadRestarts: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "botpanel_workload_restarts",
			Help: "Restart count of each workload process",
		}, []string{"workload"}),
		workloadUp: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "botpanel_workload_up",
			Help: "1 if the workload is online, 0 otherwise",
		}, []string{"workload"}),
		hostLoad1: factory.NewGauge(prometheus.GaugeOpts{
			Name: "botpanel_host_load1",
			Help: "One minute load average of the host",
		}),
		hostMemoryUsed: factory.NewGauge(prometheus.GaugeOpts{
			Name: "botpanel_host_memory_used_percent",
			Help: "Share of host memory in use",
		}),
		hostCPU: factory.NewGauge(prometheus.GaugeOpts{
			Name: "botpanel_host_cpu_percent",
			Help: "Host CPU usage since the previous sample",
		}),
		tickErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "botpanel_monitor_tick_errors_total",
			Help: "Monitor sampling failures by source",
		}, []string{"source"}),
	}
}

func (m *Metrics) observeHost(h *models.HostMetrics) {
	if m == nil || h == nil {
		return
	}
	m.hostLoad1.Set(h.LoadAverage[0])
	m.hostMemoryUsed.Set(h.MemoryUsedPercent())
	m.hostCPU.Set(h.CPUPercent)
}

// observeWorkloads replaces the per-workload series so deleted workloads
// disappear from the export.
func (m *Metrics) observeWorkloads(ws []*models.Workload) {
	if m == nil {
		return
	}
	m.workloadCPU.Reset()
	m.workloadMemory.Reset()
	m.workloadRestarts.Reset()
	m.workloadUp.Reset()
	for _, w := range ws {
		m.workloadCPU.WithLabelValues(w.Name).Set(w.Metrics.CPUPercent)
		m.workloadMemory.WithLabelValues(w.Name).Set(float64(w.Metrics.MemoryBytes))
		m.workloadRestarts.WithLabelValues(w.Name).Set(float64(w.Metrics.RestartCount))
		up := 0.0
		if w.ObservedState == models.ObservedOnline {
			up = 1
		}
		m.workloadUp.WithLabelValues(w.Name).Set(up)
	}
}

func (m *Metrics) tickError(source string) {
	if m == nil {
		return
	}
	m.tickErrors.WithLabelValues(source).Inc()
}
