package shutdown

import (
	"context"
	"io"
)

// Shutdowner is anything that drains gracefully under a deadline, such as
// *http.Server or the panel's API server.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// ServerComponent drains a server: listeners close first, then in-flight
// requests are waited on until ctx expires.
type ServerComponent struct {
	name   string
	server Shutdowner
}

// NewServerComponent wraps server for the coordinator.
func NewServerComponent(name string, server Shutdowner) *ServerComponent {
	return &ServerComponent{name: name, server: server}
}

func (c *ServerComponent) Name() string { return c.name }

func (c *ServerComponent) Shutdown(ctx context.Context) error {
	return c.server.Shutdown(ctx)
}

// CloserComponent wraps an io.Closer for graceful shutdown.
type CloserComponent struct {
	name   string
	closer io.Closer
}

// NewCloserComponent creates a new closer shutdown component.
func NewCloserComponent(name string, closer io.Closer) *CloserComponent {
	return &CloserComponent{
		name:   name,
		closer: closer,
	}
}

// Name returns the component name.
func (c *CloserComponent) Name() string {
	return c.name
}

// Shutdown closes the underlying resource.
func (c *CloserComponent) Shutdown(ctx context.Context) error {
	return c.closer.Close()
}

// FuncComponent wraps a function for graceful shutdown.
type FuncComponent struct {
	name string
	fn   func(ctx context.Context) error
}

// NewFuncComponent creates a new function-based shutdown component.
func NewFuncComponent(name string, fn func(ctx context.Context) error) *FuncComponent {
	return &FuncComponent{
		name: name,
		fn:   fn,
	}
}

// Name returns the component name.
func (c *FuncComponent) Name() string {
	return c.name
}

// Shutdown calls the wrapped function.
func (c *FuncComponent) Shutdown(ctx context.Context) error {
	return c.fn(ctx)
}

// LoopComponent stops a background loop started with a cancellable context.
type LoopComponent struct {
	name   string
	cancel context.CancelFunc
	done   <-chan struct{}
}

// NewLoopComponent creates a component that cancels a loop and waits for
// done to close.
func NewLoopComponent(name string, cancel context.CancelFunc, done <-chan struct{}) *LoopComponent {
	return &LoopComponent{
		name:   name,
		cancel: cancel,
		done:   done,
	}
}

// Name returns the component name.
func (c *LoopComponent) Name() string {
	return c.name
}

// Shutdown cancels the loop and waits for it to return.
func (c *LoopComponent) Shutdown(ctx context.Context) error {
	c.cancel()
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
