package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/roach88/offsync/internal/model"
)

// PutCacheEntry inserts or overwrites a cache entry.
func (s *Store) PutCacheEntry(ctx context.Context, e model.CacheEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache (key, value, stored_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			stored_at = excluded.stored_at,
			expires_at = excluded.expires_at
	`, e.Key, string(e.Value), toMillis(e.StoredAt), toMillis(e.ExpiresAt))
	if err != nil {
		return wrapErr("put cache entry", err)
	}
	return nil
}

// GetCacheEntry returns the entry for key regardless of expiry.
// found is false if no entry exists.
func (s *Store) GetCacheEntry(ctx context.Context, key string) (entry model.CacheEntry, found bool, err error) {
	var value string
	var storedAt, expiresAt int64
	err = s.db.QueryRowContext(ctx, `
		SELECT key, value, stored_at, expires_at FROM cache WHERE key = ?
	`, key).Scan(&entry.Key, &value, &storedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.CacheEntry{}, false, nil
	}
	if err != nil {
		return model.CacheEntry{}, false, wrapErr("get cache entry", err)
	}
	entry.Value = []byte(value)
	entry.StoredAt = fromMillis(storedAt)
	entry.ExpiresAt = fromMillis(expiresAt)
	return entry, true, nil
}

// DeleteCacheEntry removes one entry. Deleting a missing key is not an error.
func (s *Store) DeleteCacheEntry(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache WHERE key = ?`, key); err != nil {
		return wrapErr("delete cache entry", err)
	}
	return nil
}

// DeleteCachePrefix removes every entry whose key starts with prefix and
// returns the removed keys. An empty prefix removes everything.
func (s *Store) DeleteCachePrefix(ctx context.Context, prefix string) ([]string, error) {
	return s.deleteCacheWhere(ctx, "delete cache prefix",
		`substr(key, 1, length(?)) = ?`, prefix, prefix)
}

// DeleteExpiredCache removes every entry with expires_at <= now and returns
// the removed keys.
func (s *Store) DeleteExpiredCache(ctx context.Context, now time.Time) ([]string, error) {
	return s.deleteCacheWhere(ctx, "delete expired cache", `expires_at <= ?`, toMillis(now))
}

func (s *Store) deleteCacheWhere(ctx context.Context, op, where string, args ...any) ([]string, error) {
	keys := []string{}
	err := s.withTx(ctx, op, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT key FROM cache WHERE `+where, args...)
		if err != nil {
			return wrapErr(op+": select", err)
		}
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				rows.Close()
				return wrapErr(op+": scan", err)
			}
			keys = append(keys, k)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return wrapErr(op+": iterate", err)
		}
		rows.Close()

		if _, err := tx.ExecContext(ctx, `DELETE FROM cache WHERE `+where, args...); err != nil {
			return wrapErr(op+": delete", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// CacheCounts returns the total number of entries and how many are expired at now.
func (s *Store) CacheCounts(ctx context.Context, now time.Time) (total, expired int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN expires_at <= ? THEN 1 ELSE 0 END), 0) FROM cache
	`, toMillis(now)).Scan(&total, &expired)
	if err != nil {
		return 0, 0, wrapErr("count cache", err)
	}
	return total, expired, nil
}
