package store

import (
	"context"
	"database/sql"

	"github.com/go-faster/errors"

	"spectra/internal/model"
)

// StartParallelTask records the start of one scheduler-dispatched unit of
// work (spec §4.G). TaskID must be unique (callers use a uuid).
func (s *Store) StartParallelTask(ctx context.Context, t model.ParallelTask) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO parallel_tasks (task_id, kind, target, session_handle, started_at)
			VALUES (?, ?, ?, ?, ?)`,
			t.TaskID, t.Kind, t.Target, t.SessionHandle, t.StartedAt)
		if err != nil {
			return errors.Wrap(err, "start parallel task")
		}
		return nil
	})
}

// CompleteParallelTask records the outcome of a started task. t's TaskID
// selects the row to update; CompletedAt, Success, Error and ResultJSON are
// the fields written.
func (s *Store) CompleteParallelTask(ctx context.Context, t model.ParallelTask) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE parallel_tasks SET
				completed_at = ?,
				success = ?,
				error = ?,
				result_json = ?
			WHERE task_id = ?`,
			nullTimePtr(t.CompletedAt), nullBoolPtr(t.Success),
			t.Error, t.ResultJSON, t.TaskID)
		if err != nil {
			return errors.Wrap(err, "complete parallel task")
		}
		return nil
	})
}

// ListInFlightTasks returns every task whose CompletedAt is still null,
// used at startup to detect and log crash-interrupted work.
func (s *Store) ListInFlightTasks(ctx context.Context) ([]model.ParallelTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, kind, target, session_handle, started_at, completed_at, success, error, result_json
		FROM parallel_tasks WHERE completed_at IS NULL ORDER BY started_at`)
	if err != nil {
		return nil, errors.Wrap(err, "list in-flight tasks")
	}
	defer rows.Close()

	var out []model.ParallelTask
	for rows.Next() {
		t, err := scanParallelTask(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan parallel task")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetParallelTask fetches one task record by id.
func (s *Store) GetParallelTask(ctx context.Context, taskID string) (model.ParallelTask, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, kind, target, session_handle, started_at, completed_at, success, error, result_json
		FROM parallel_tasks WHERE task_id = ?`, taskID)
	t, err := scanParallelTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ParallelTask{}, false, nil
	}
	if err != nil {
		return model.ParallelTask{}, false, errors.Wrap(err, "get parallel task")
	}
	return t, true, nil
}

func scanParallelTask(row rowScanner) (model.ParallelTask, error) {
	var t model.ParallelTask
	var completed sql.NullTime
	var success sql.NullBool
	if err := row.Scan(&t.TaskID, &t.Kind, &t.Target, &t.SessionHandle, &t.StartedAt,
		&completed, &success, &t.Error, &t.ResultJSON); err != nil {
		return model.ParallelTask{}, err
	}
	if completed.Valid {
		t.CompletedAt = &completed.Time
	}
	if success.Valid {
		v := success.Bool
		t.Success = &v
	}
	return t, nil
}

func nullBoolPtr(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}
