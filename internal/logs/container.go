package logs

import (
	"sync"

	"github.com/narvanalabs/botpanel/internal/models"
)

const (
	// DefaultMaxLines is the default maximum number of lines to keep.
	DefaultMaxLines = 500
)

// Container maintains a bounded collection of output lines.
// Once full, every Add evicts the oldest line.
type Container struct {
	mu       sync.RWMutex
	lines    []models.LogLine
	maxLines int
}

// NewContainer creates a new container holding at most maxLines lines.
func NewContainer(maxLines int) *Container {
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}
	return &Container{
		lines:    make([]models.LogLine, 0, min(maxLines, 64)),
		maxLines: maxLines,
	}
}

// Add appends a line, dropping the oldest one when the container is full.
func (c *Container) Add(line models.LogLine) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.lines) >= c.maxLines {
		n := copy(c.lines, c.lines[1:])
		c.lines = c.lines[:n]
	}
	c.lines = append(c.lines, line)
}

// GetAll returns a copy of every line held.
func (c *Container) GetAll() []models.LogLine {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]models.LogLine, len(c.lines))
	copy(result, c.lines)
	return result
}

// GetLast returns the last n lines.
func (c *Container) GetLast(n int) []models.LogLine {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if n <= 0 || len(c.lines) == 0 {
		return nil
	}
	if n > len(c.lines) {
		n = len(c.lines)
	}

	result := make([]models.LogLine, n)
	copy(result, c.lines[len(c.lines)-n:])
	return result
}

// Len returns the number of lines held.
func (c *Container) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.lines)
}

// MaxLines returns the capacity of the container.
func (c *Container) MaxLines() int {
	return c.maxLines
}
