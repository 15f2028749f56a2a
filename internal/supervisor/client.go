package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/narvanalabs/botpanel/internal/models"
)

// DefaultTimeout bounds every daemon round trip.
const DefaultTimeout = 15 * time.Second

// Client performs daemon operations with a connection scoped to each call.
// No handle is held between operations, so unrelated requests never share a
// daemon connection.
type Client struct {
	daemon  Daemon
	timeout time.Duration
	logger  *slog.Logger
}

// NewClient creates a client. A non-positive timeout uses DefaultTimeout.
func NewClient(daemon Daemon, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		daemon:  daemon,
		timeout: timeout,
		logger:  logger,
	}
}

// Start launches a new process.
func (c *Client) Start(ctx context.Context, spec *StartSpec) error {
	if spec == nil || spec.Name == "" {
		return &Error{Op: "start", Kind: ErrStartFailed, Diagnostic: "missing process name"}
	}
	return c.withConn(ctx, "start", spec.Name, ErrStartFailed, func(ctx context.Context, conn Conn) error {
		return conn.Start(ctx, spec)
	})
}

// Control applies a start, stop, restart or delete to a named process.
func (c *Client) Control(ctx context.Context, name string, action models.Action) error {
	if !action.IsValid() {
		return &Error{Op: string(action), Name: name, Kind: ErrControlFailed, Diagnostic: fmt.Sprintf("unknown action %q", action)}
	}
	return c.withConn(ctx, string(action), name, ErrControlFailed, func(ctx context.Context, conn Conn) error {
		return conn.Control(ctx, name, action)
	})
}

// List returns every process the daemon manages.
func (c *Client) List(ctx context.Context) ([]ProcessInfo, error) {
	var procs []ProcessInfo
	err := c.withConn(ctx, "list", "", ErrDaemonUnavailable, func(ctx context.Context, conn Conn) error {
		var err error
		procs, err = conn.List(ctx)
		return err
	})
	return procs, err
}

// Ping dials the daemon and closes the connection immediately.
func (c *Client) Ping(ctx context.Context) error {
	return c.withConn(ctx, "ping", "", ErrDaemonUnavailable, func(context.Context, Conn) error {
		return nil
	})
}

// withConn dials, runs fn and closes the connection on every exit path.
func (c *Client) withConn(ctx context.Context, op, name string, fallback error, fn func(context.Context, Conn) error) (err error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	conn, err := c.daemon.Dial(ctx)
	if err != nil {
		return c.classify(ctx, op, name, ErrDaemonUnavailable, err)
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			c.logger.Warn("failed to close daemon connection",
				"op", op,
				"error", closeErr,
			)
		}
	}()

	if err := fn(ctx, conn); err != nil {
		return c.classify(ctx, op, name, fallback, err)
	}

	c.logger.Debug("daemon operation completed",
		"op", op,
		"workload", name,
		"duration", time.Since(start),
	)
	return nil
}

func (c *Client) classify(ctx context.Context, op, name string, fallback, err error) error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}

	e := &Error{Op: op, Name: name, Kind: fallback, Err: err}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		e.Kind = ErrDaemonUnavailable
		e.Diagnostic = fmt.Sprintf("daemon did not respond within %s", c.timeout)
	} else {
		for _, kind := range []error{ErrDaemonUnavailable, ErrNotFound, ErrStartFailed, ErrControlFailed} {
			if errors.Is(err, kind) {
				e.Kind = kind
				break
			}
		}
		e.Diagnostic = strings.TrimPrefix(strings.TrimPrefix(err.Error(), e.Kind.Error()), ": ")
	}

	c.logger.Warn("daemon operation failed",
		"op", op,
		"workload", name,
		"kind", e.Kind.Error(),
		"error", err,
	)
	return e
}
