// Package store provides durable storage interfaces for workload records.
package store

import (
	"context"
	"errors"

	"github.com/narvanalabs/botpanel/internal/models"
)

// Common store errors.
var (
	// ErrNotFound is returned when a requested workload record does not exist.
	ErrNotFound = errors.New("workload record not found")

	// ErrDuplicateName is returned when a record with the same name already exists.
	ErrDuplicateName = errors.New("duplicate workload name")
)

// WorkloadStore persists the operator-facing part of a workload: its identity,
// launch parameters and desired state. Observed state and metrics are never
// persisted; they are rebuilt from the supervisor daemon.
type WorkloadStore interface {
	// Create inserts a new workload record.
	Create(ctx context.Context, w *models.Workload) error
	// Delete removes the record for the named workload.
	Delete(ctx context.Context, name string) error
	// List returns every stored workload ordered by name.
	List(ctx context.Context) ([]*models.Workload, error)
	// UpdateState records a new desired state for the named workload.
	UpdateState(ctx context.Context, name string, desired models.DesiredState) error
	// Ping verifies the backing database is reachable.
	Ping(ctx context.Context) error
	// Close releases the underlying connection pool.
	Close() error
}
