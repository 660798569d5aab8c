package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/giovanniandreuzza/nimbus/internal/download"
	"github.com/giovanniandreuzza/nimbus/internal/storage"
)

// TaskWriteRepository stores task rows. Writes with a version that is not
// newer than the stored one leave the row untouched.
type TaskWriteRepository struct {
	db *sql.DB
}

func NewTaskWriteRepository(db *sql.DB) *TaskWriteRepository {
	return &TaskWriteRepository{db: db}
}

// UpsertTask inserts or updates the row and reports whether it changed.
func (r *TaskWriteRepository) UpsertTask(ctx context.Context, t *download.Task) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO tasks (id, file_name, file_url, file_path, file_size, state_kind, progress, error_code, error_message, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			file_name = excluded.file_name,
			file_url = excluded.file_url,
			file_path = excluded.file_path,
			file_size = excluded.file_size,
			state_kind = excluded.state_kind,
			progress = excluded.progress,
			error_code = excluded.error_code,
			error_message = excluded.error_message,
			version = excluded.version,
			updated_at = excluded.updated_at
		WHERE excluded.version > tasks.version
	`,
		string(t.ID), t.FileName, t.FileURL, t.FilePath, t.FileSize,
		t.State.Kind.String(), t.State.Progress, t.State.ErrorCode, t.State.ErrorMessage,
		t.Version, t.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return false, &storage.StoreError{Op: "write", Err: err}
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, &storage.StoreError{Op: "write", Err: err}
	}

	return affected > 0, nil
}

func (r *TaskWriteRepository) DeleteTask(ctx context.Context, id download.ID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, string(id))
	if err != nil {
		return &storage.StoreError{Op: "delete", Err: err}
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return &storage.StoreError{Op: "delete", Err: err}
	}

	if affected == 0 {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}

	return nil
}
