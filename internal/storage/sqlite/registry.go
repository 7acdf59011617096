package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ackermanmoriii/Idontknow/internal/storage"
)

// Registry is a StatusRegistry backed by SQLite. Transition rules are
// enforced by the statements themselves, so concurrent writers cannot
// overwrite a terminal status.
type Registry struct {
	db  *sql.DB
	now func() time.Time
}

func NewRegistry(dbConn *sql.DB) *Registry {
	return &Registry{db: dbConn, now: time.Now}
}

func (r *Registry) SetStatus(ctx context.Context, fileID string, status storage.Status) error {
	var (
		res sql.Result
		err error
	)

	ts := r.now().UnixNano()

	if status == storage.StatusDownloading {
		res, err = r.db.ExecContext(ctx, `
			INSERT INTO download_status (file_id, status, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(file_id) DO NOTHING
		`, fileID, string(status), ts)
	} else {
		res, err = r.db.ExecContext(ctx, `
			UPDATE download_status SET status = ?, updated_at = ?
			WHERE file_id = ? AND status = ?
		`, string(status), ts, fileID, string(storage.StatusDownloading))
	}

	if err != nil {
		return fmt.Errorf("failed to write status: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected > 0 {
		return nil
	}

	current, exists, err := r.GetStatus(ctx, fileID)
	if err != nil {
		return err
	}

	if err := storage.CheckTransition(current, exists, status); err != nil {
		return err
	}

	// A valid transition that touched no row means the table is inconsistent.
	return fmt.Errorf("%w: %s not applied to %s", storage.ErrInvalidTransition, status, fileID)
}

func (r *Registry) GetStatus(ctx context.Context, fileID string) (storage.Status, bool, error) {
	var status string

	err := r.db.QueryRowContext(ctx, `SELECT status FROM download_status WHERE file_id = ?`, fileID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}

	if err != nil {
		return "", false, fmt.Errorf("failed to read status: %w", err)
	}

	return storage.Status(status), true, nil
}

// Evict removes terminal entries last updated before the given time.
func (r *Registry) Evict(ctx context.Context, before time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM download_status
		WHERE status IN (?, ?) AND updated_at < ?
	`, string(storage.StatusCompleted), string(storage.StatusError), before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to evict statuses: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}

	return int(affected), nil
}
