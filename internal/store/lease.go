package store

import (
	"context"
	"time"
)

// AcquireLease takes or renews the named lease for holder until expiresAt.
// It succeeds if the lease is free, already held by holder, or expired at
// now. The check and the write are one statement, so two connections racing
// for the same lease cannot both win.
func (s *Store) AcquireLease(ctx context.Context, name, holder string, now, expiresAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO leases (name, holder, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE
		SET holder = excluded.holder, expires_at = excluded.expires_at
		WHERE leases.holder = excluded.holder OR leases.expires_at <= ?
	`, name, holder, toMillis(expiresAt), toMillis(now))
	if err != nil {
		return false, wrapErr("acquire lease", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr("acquire lease: rows affected", err)
	}
	return n == 1, nil
}

// ReleaseLease drops the named lease if holder still owns it.
func (s *Store) ReleaseLease(ctx context.Context, name, holder string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE name = ? AND holder = ?`, name, holder); err != nil {
		return wrapErr("release lease", err)
	}
	return nil
}
