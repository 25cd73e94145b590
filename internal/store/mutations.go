package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/roach88/offsync/internal/model"
)

const mutationColumns = `id, seq, created_at, endpoint, action, payload, priority,
	retry_count, status, next_attempt_at, last_error`

const insertMutationSQL = `
	INSERT INTO mutations
	(id, seq, created_at, endpoint, action, payload, priority, priority_rank,
	 retry_count, status, next_attempt_at, last_error)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

func mutationArgs(rec model.MutationRecord) []any {
	return []any{
		rec.ID,
		rec.Seq,
		toMillis(rec.CreatedAt),
		rec.Endpoint,
		rec.Action,
		string(rec.Payload),
		string(rec.Priority),
		rec.Priority.Rank(),
		rec.RetryCount,
		string(rec.Status),
		toMillis(rec.NextAttemptAt),
		rec.LastError,
	}
}

// InsertMutation writes a new mutation record. The write is committed before
// returning, so an acknowledged enqueue survives a crash.
func (s *Store) InsertMutation(ctx context.Context, rec model.MutationRecord) error {
	if _, err := s.db.ExecContext(ctx, insertMutationSQL, mutationArgs(rec)...); err != nil {
		return wrapErr("insert mutation", err)
	}
	return nil
}

// GetMutation retrieves a single record by id.
// Returns a CodeNotFound error if the id is unknown.
func (s *Store) GetMutation(ctx context.Context, id string) (model.MutationRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+mutationColumns+` FROM mutations WHERE id = ?`, id)
	rec, err := scanMutation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.MutationRecord{}, &model.Error{Code: model.CodeNotFound, Message: "no such mutation", RecordID: id}
	}
	if err != nil {
		return model.MutationRecord{}, wrapErr("get mutation", err)
	}
	return rec, nil
}

// MutationFilter narrows ListMutations.
type MutationFilter struct {
	// Status restricts to one status; empty means any.
	Status model.Status

	// CreatedAfter restricts to records created strictly after this time.
	CreatedAfter time.Time

	// Limit caps the result; zero or negative means no cap.
	Limit int
}

// ListMutations returns records in drain order: priority tier, then seq.
// Returns an empty slice (not nil) if nothing matches.
func (s *Store) ListMutations(ctx context.Context, f MutationFilter) ([]model.MutationRecord, error) {
	query := `SELECT ` + mutationColumns + ` FROM mutations WHERE 1 = 1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if !f.CreatedAfter.IsZero() {
		query += ` AND created_at > ?`
		args = append(args, toMillis(f.CreatedAfter))
	}
	query += ` ORDER BY priority_rank ASC, seq ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("list mutations", err)
	}
	defer rows.Close()

	records := []model.MutationRecord{}
	for rows.Next() {
		rec, err := scanMutation(rows)
		if err != nil {
			return nil, wrapErr("scan mutation", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("iterate mutations", err)
	}

	return records, nil
}

// MaxSeq returns the highest sequence number ever stored, or 0.
func (s *Store) MaxSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM mutations`).Scan(&seq); err != nil {
		return 0, wrapErr("max seq", err)
	}
	return seq.Int64, nil
}

// TransitionFunc mutates a record in place. Returning remove=true deletes the
// record instead of updating it.
type TransitionFunc func(rec *model.MutationRecord) (remove bool, err error)

// TransitionMutation performs an atomic read-modify-write of one record in a
// single transaction. Returns the record as it was written (or removed).
func (s *Store) TransitionMutation(ctx context.Context, id string, fn TransitionFunc) (model.MutationRecord, error) {
	var out model.MutationRecord
	err := s.withTx(ctx, "transition mutation", func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+mutationColumns+` FROM mutations WHERE id = ?`, id)
		rec, err := scanMutation(row)
		if errors.Is(err, sql.ErrNoRows) {
			return &model.Error{Code: model.CodeNotFound, Message: "no such mutation", RecordID: id}
		}
		if err != nil {
			return wrapErr("transition mutation: read", err)
		}

		remove, err := fn(&rec)
		if err != nil {
			return err
		}
		out = rec

		if remove {
			if _, err := tx.ExecContext(ctx, `DELETE FROM mutations WHERE id = ?`, id); err != nil {
				return wrapErr("transition mutation: delete", err)
			}
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE mutations
			SET retry_count = ?, status = ?, next_attempt_at = ?, last_error = ?
			WHERE id = ?
		`, rec.RetryCount, string(rec.Status), toMillis(rec.NextAttemptAt), rec.LastError, id)
		if err != nil {
			return wrapErr("transition mutation: update", err)
		}
		return nil
	})
	if err != nil {
		return model.MutationRecord{}, err
	}
	return out, nil
}

// ResetSyncing returns records left in 'syncing' (by a crash mid-drain) to
// 'pending'. Returns the number of records reset.
func (s *Store) ResetSyncing(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE mutations SET status = 'pending' WHERE status = 'syncing'`)
	if err != nil {
		return 0, wrapErr("reset syncing", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapErr("reset syncing: rows affected", err)
	}
	return n, nil
}

// ClearMutations deletes every record. Returns the number deleted.
func (s *Store) ClearMutations(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM mutations`)
	if err != nil {
		return 0, wrapErr("clear mutations", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapErr("clear mutations: rows affected", err)
	}
	return n, nil
}

// CountMutations returns counts grouped by priority and status.
func (s *Store) CountMutations(ctx context.Context) (model.QueueStats, error) {
	stats := model.QueueStats{
		ByPriority: map[model.Priority]int{},
		ByStatus:   map[model.Status]int{},
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT priority, status, COUNT(*) FROM mutations GROUP BY priority, status
	`)
	if err != nil {
		return stats, wrapErr("count mutations", err)
	}
	defer rows.Close()

	for rows.Next() {
		var priority, status string
		var n int
		if err := rows.Scan(&priority, &status, &n); err != nil {
			return stats, wrapErr("count mutations: scan", err)
		}
		stats.Total += n
		stats.ByPriority[model.Priority(priority)] += n
		stats.ByStatus[model.Status(status)] += n
	}
	if err := rows.Err(); err != nil {
		return stats, wrapErr("count mutations: iterate", err)
	}
	return stats, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMutation(row rowScanner) (model.MutationRecord, error) {
	var (
		rec                   model.MutationRecord
		createdAt, nextAt     int64
		payload, prio, status string
	)
	err := row.Scan(
		&rec.ID,
		&rec.Seq,
		&createdAt,
		&rec.Endpoint,
		&rec.Action,
		&payload,
		&prio,
		&rec.RetryCount,
		&status,
		&nextAt,
		&rec.LastError,
	)
	if err != nil {
		return model.MutationRecord{}, err
	}
	rec.CreatedAt = fromMillis(createdAt)
	rec.NextAttemptAt = fromMillis(nextAt)
	rec.Payload = []byte(payload)
	rec.Priority = model.Priority(prio)
	rec.Status = model.Status(status)
	return rec, nil
}

// ImportMutations inserts recs in one transaction, skipping any whose id is
// already stored. Each record's Seq must be unused. Returns the ids skipped.
func (s *Store) ImportMutations(ctx context.Context, recs []model.MutationRecord) ([]string, error) {
	skipped := []string{}
	err := s.withTx(ctx, "import mutations", func(tx *sql.Tx) error {
		for _, rec := range recs {
			var exists int
			err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM mutations WHERE id = ?`, rec.ID).Scan(&exists)
			if err != nil {
				return wrapErr("import mutations: lookup", err)
			}
			if exists > 0 {
				skipped = append(skipped, rec.ID)
				continue
			}
			if _, err := tx.ExecContext(ctx, insertMutationSQL, mutationArgs(rec)...); err != nil {
				return wrapErr("import mutations: insert "+rec.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return skipped, nil
}
