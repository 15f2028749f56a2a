package monitor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostCollectorReadsProcfs(t *testing.T) {
	c := NewHostCollector("testdata/proc", t.TempDir())

	m, err := c.Collect()
	require.NoError(t, err)
	assert.Equal(t, int64(8048576*1024), m.MemoryTotal)
	assert.Equal(t, int64(1024000*1024), m.MemoryFree)
	assert.Equal(t, int64(4024288*1024), m.MemoryAvailable)
	assert.Equal(t, [3]float64{0.52, 0.58, 0.59}, m.LoadAverage)
	assert.InDelta(t, 86400.25, m.Uptime, 0.001)
	assert.Positive(t, m.CPUCores)
	assert.Zero(t, m.CPUPercent, "first sample has no previous reading")
	require.NotNil(t, m.Disk)
	assert.Positive(t, m.Disk.Total)
	assert.InDelta(t, 50.0, m.MemoryUsedPercent(), 0.1)
}

func TestHostCollectorCPUDelta(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"meminfo", "loadavg", "uptime"} {
		data, err := os.ReadFile(filepath.Join("testdata/proc", name))
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
	}
	writeStat := func(user, idle uint64) {
		line := []byte("cpu  " + itoa(user) + " 0 0 " + itoa(idle) + " 0 0 0 0 0 0\n")
		require.NoError(t, os.WriteFile(filepath.Join(dir, "stat"), line, 0o644))
	}

	c := NewHostCollector(dir, "")
	writeStat(100, 900)
	_, err := c.Collect()
	require.NoError(t, err)

	// 300 busy ticks out of 400 elapsed.
	writeStat(400, 1000)
	m, err := c.Collect()
	require.NoError(t, err)
	assert.InDelta(t, 75.0, m.CPUPercent, 0.01)
	assert.Nil(t, m.Disk)
}

func TestHostCollectorMissingMeminfo(t *testing.T) {
	c := NewHostCollector(t.TempDir(), "")
	_, err := c.Collect()
	assert.Error(t, err)
}

func itoa(v uint64) string {
	const digits = "0123456789"
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v%10]
		v /= 10
	}
	return string(buf[i:])
}
