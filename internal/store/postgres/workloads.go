package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/narvanalabs/botpanel/internal/models"
)

// Create inserts a new workload record.
func (s *WorkloadStore) Create(ctx context.Context, w *models.Workload) error {
	envJSON, err := json.Marshal(envOrEmpty(w.Env))
	if err != nil {
		return fmt.Errorf("marshaling env: %w", err)
	}

	query := `
		INSERT INTO workloads (id, name, work_dir, entry_point, runtime, interpreter, args, env,
			desired_state, out_log_path, err_log_path, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	now := time.Now().UTC()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	if w.UpdatedAt.IsZero() {
		w.UpdatedAt = now
	}

	args := w.Args
	if args == nil {
		args = []string{}
	}

	_, err = s.db.ExecContext(ctx, query,
		w.ID,
		w.Name,
		w.WorkDir,
		w.EntryPoint,
		string(w.Runtime),
		w.Interpreter,
		pq.Array(args),
		envJSON,
		string(w.DesiredState),
		w.OutLogPath,
		w.ErrLogPath,
		w.CreatedAt,
		w.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateName
		}
		return fmt.Errorf("inserting workload: %w", err)
	}
	return nil
}

// Delete removes the record for the named workload.
func (s *WorkloadStore) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workloads WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("deleting workload: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns every stored workload ordered by name. Observed state is
// reported as unknown until the monitor projects daemon data onto it.
func (s *WorkloadStore) List(ctx context.Context) ([]*models.Workload, error) {
	query := `
		SELECT id, name, work_dir, entry_point, runtime, interpreter, args, env,
			desired_state, out_log_path, err_log_path, created_at, updated_at
		FROM workloads
		ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying workloads: %w", err)
	}
	defer rows.Close()

	var workloads []*models.Workload
	for rows.Next() {
		var (
			w       models.Workload
			runtime string
			desired string
			envJSON []byte
		)
		if err := rows.Scan(
			&w.ID,
			&w.Name,
			&w.WorkDir,
			&w.EntryPoint,
			&runtime,
			&w.Interpreter,
			pq.Array(&w.Args),
			&envJSON,
			&desired,
			&w.OutLogPath,
			&w.ErrLogPath,
			&w.CreatedAt,
			&w.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning workload: %w", err)
		}

		w.Runtime = models.RuntimeKind(runtime)
		w.DesiredState = models.DesiredState(desired)
		w.ObservedState = models.ObservedUnknown
		if len(envJSON) > 0 {
			if err := json.Unmarshal(envJSON, &w.Env); err != nil {
				return nil, fmt.Errorf("unmarshaling env for %s: %w", w.Name, err)
			}
		}
		if len(w.Env) == 0 {
			w.Env = nil
		}
		if len(w.Args) == 0 {
			w.Args = nil
		}
		workloads = append(workloads, &w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating workloads: %w", err)
	}
	return workloads, nil
}

// UpdateState records a new desired state for the named workload.
func (s *WorkloadStore) UpdateState(ctx context.Context, name string, desired models.DesiredState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workloads SET desired_state = $2, updated_at = $3 WHERE name = $1`,
		name, string(desired), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("updating workload state: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func envOrEmpty(env map[string]string) map[string]string {
	if env == nil {
		return map[string]string{}
	}
	return env
}
