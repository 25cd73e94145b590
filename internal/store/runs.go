package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/roach88/offsync/internal/model"
)

// WriteSyncRun appends a finished drain pass to the run log.
func (s *Store) WriteSyncRun(ctx context.Context, run model.SyncRun) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_runs (started_at, finished_at, success, failure, remaining, error)
		VALUES (?, ?, ?, ?, ?, ?)
	`, toMillis(run.StartedAt), toMillis(run.EndedAt), run.Success, run.Failure, run.Remaining, run.Error)
	if err != nil {
		return 0, wrapErr("write sync run", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrapErr("write sync run: last insert id", err)
	}
	return id, nil
}

// LastSyncRun returns the most recent drain pass. found is false if none ran yet.
func (s *Store) LastSyncRun(ctx context.Context) (run model.SyncRun, found bool, err error) {
	var startedAt, finishedAt int64
	err = s.db.QueryRowContext(ctx, `
		SELECT id, started_at, finished_at, success, failure, remaining, error
		FROM sync_runs ORDER BY id DESC LIMIT 1
	`).Scan(&run.ID, &startedAt, &finishedAt, &run.Success, &run.Failure, &run.Remaining, &run.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SyncRun{}, false, nil
	}
	if err != nil {
		return model.SyncRun{}, false, wrapErr("last sync run", err)
	}
	run.StartedAt = fromMillis(startedAt)
	run.EndedAt = fromMillis(finishedAt)
	return run, true, nil
}
