package monitor

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/narvanalabs/botpanel/internal/models"
)

// HostCollector samples host resource usage from procfs. CPU usage is the
// delta between consecutive samples, so the first sample reports zero.
type HostCollector struct {
	procRoot string
	diskPath string

	mu        sync.Mutex
	prevIdle  uint64
	prevTotal uint64
}

// NewHostCollector creates a collector reading from procRoot (normally
// "/proc") and reporting disk usage for diskPath.
func NewHostCollector(procRoot, diskPath string) *HostCollector {
	if procRoot == "" {
		procRoot = "/proc"
	}
	return &HostCollector{procRoot: procRoot, diskPath: diskPath}
}

// Collect takes one sample. Sources that cannot be read are left zero; an
// error is returned only when memory information is unavailable.
func (c *HostCollector) Collect() (*models.HostMetrics, error) {
	hostname, _ := os.Hostname()
	m := &models.HostMetrics{
		Hostname:  hostname,
		OS:        runtime.GOOS,
		CPUCores:  runtime.NumCPU(),
		Timestamp: time.Now().Unix(),
	}

	mem, err := c.readMemInfo()
	if err != nil {
		return nil, fmt.Errorf("reading memory info: %w", err)
	}
	m.MemoryTotal = mem.total
	m.MemoryFree = mem.free
	m.MemoryAvailable = mem.available

	if load, err := c.readLoadAvg(); err == nil {
		m.LoadAverage = load
	}
	if usage, err := c.cpuUsage(); err == nil {
		m.CPUPercent = usage
	}
	if up, err := c.readUptime(); err == nil {
		m.Uptime = up
	}
	if c.diskPath != "" {
		if disk, err := diskUsage(c.diskPath); err == nil {
			m.Disk = disk
		}
	}
	return m, nil
}

type memInfo struct {
	total     int64
	free      int64
	available int64
}

func (c *HostCollector) readMemInfo() (memInfo, error) {
	file, err := os.Open(filepath.Join(c.procRoot, "meminfo"))
	if err != nil {
		return memInfo{}, err
	}
	defer file.Close()

	var res memInfo
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		parts := strings.Fields(scanner.Text())
		if len(parts) < 2 {
			continue
		}
		val, _ := strconv.ParseInt(parts[1], 10, 64)
		switch strings.TrimSuffix(parts[0], ":") {
		case "MemTotal":
			res.total = val * 1024
		case "MemFree":
			res.free = val * 1024
		case "MemAvailable":
			res.available = val * 1024
		}
	}
	if err := scanner.Err(); err != nil {
		return memInfo{}, err
	}
	if res.total == 0 {
		return memInfo{}, fmt.Errorf("MemTotal missing")
	}
	return res, nil
}

func (c *HostCollector) readLoadAvg() ([3]float64, error) {
	var load [3]float64
	data, err := os.ReadFile(filepath.Join(c.procRoot, "loadavg"))
	if err != nil {
		return load, err
	}
	fields := strings.Fields(string(data))
	if len(fields) < 3 {
		return load, fmt.Errorf("malformed loadavg: %q", string(data))
	}
	for i := 0; i < 3; i++ {
		v, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return load, fmt.Errorf("parsing loadavg: %w", err)
		}
		load[i] = v
	}
	return load, nil
}

func (c *HostCollector) readUptime() (float64, error) {
	data, err := os.ReadFile(filepath.Join(c.procRoot, "uptime"))
	if err != nil {
		return 0, err
	}
	parts := strings.Fields(string(data))
	if len(parts) == 0 {
		return 0, fmt.Errorf("empty uptime")
	}
	return strconv.ParseFloat(parts[0], 64)
}

// cpuUsage returns busy time as a percentage of the interval since the
// previous call.
func (c *HostCollector) cpuUsage() (float64, error) {
	idle, total, err := c.readCPUStat()
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	prevIdle, prevTotal := c.prevIdle, c.prevTotal
	c.prevIdle, c.prevTotal = idle, total

	if prevTotal == 0 || total <= prevTotal || idle < prevIdle {
		return 0, nil
	}
	idleTicks := float64(idle - prevIdle)
	totalTicks := float64(total - prevTotal)
	return 100 * (1 - idleTicks/totalTicks), nil
}

func (c *HostCollector) readCPUStat() (idle, total uint64, err error) {
	data, err := os.ReadFile(filepath.Join(c.procRoot, "stat"))
	if err != nil {
		return 0, 0, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "cpu ") {
			continue
		}
		fields := strings.Fields(line)
		for i := 1; i < len(fields); i++ {
			val, _ := strconv.ParseUint(fields[i], 10, 64)
			total += val
			// idle and iowait
			if i == 4 || i == 5 {
				idle += val
			}
		}
		return idle, total, nil
	}
	return 0, 0, fmt.Errorf("no cpu line in stat")
}

func diskUsage(path string) (*models.DiskStats, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return nil, err
	}
	total := int64(st.Blocks) * int64(st.Bsize)
	avail := int64(st.Bavail) * int64(st.Bsize)
	free := int64(st.Bfree) * int64(st.Bsize)
	used := total - free

	d := &models.DiskStats{
		Path:      path,
		Total:     total,
		Used:      used,
		Available: avail,
	}
	if used+avail > 0 {
		d.UsagePercent = float64(used) / float64(used+avail) * 100
	}
	return d, nil
}
