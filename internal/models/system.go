package models

// HostMetrics is a snapshot of host-level resource usage.
type HostMetrics struct {
	Hostname        string     `json:"hostname"`
	OS              string     `json:"os"`
	CPUCores        int        `json:"cpu_cores"`
	CPUPercent      float64    `json:"cpu_percent"`
	LoadAverage     [3]float64 `json:"load_average"`
	MemoryTotal     int64      `json:"memory_total"`
	MemoryFree      int64      `json:"memory_free"`
	MemoryAvailable int64      `json:"memory_available"`
	Disk            *DiskStats `json:"disk,omitempty"`
	Uptime          float64    `json:"uptime"`
	Timestamp       int64      `json:"timestamp"`
}

// MemoryUsedPercent returns the share of memory in use, based on available memory
// when the kernel reports it and free memory otherwise.
func (h *HostMetrics) MemoryUsedPercent() float64 {
	if h.MemoryTotal <= 0 {
		return 0
	}
	avail := h.MemoryAvailable
	if avail <= 0 {
		avail = h.MemoryFree
	}
	return float64(h.MemoryTotal-avail) / float64(h.MemoryTotal) * 100
}

// DiskStats represents disk usage statistics for a specific path.
type DiskStats struct {
	Path         string  `json:"path"`
	Total        int64   `json:"total"`
	Used         int64   `json:"used"`
	Available    int64   `json:"available"`
	UsagePercent float64 `json:"usage_percent"`
}

// StatusSnapshot is the payload of GET /status.
type StatusSnapshot struct {
	System    *HostMetrics `json:"system"`
	Workloads []*Workload  `json:"workloads"`
}
