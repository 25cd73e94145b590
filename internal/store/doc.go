// Package store provides SQLite-backed durable storage for offsync.
//
// Three tables:
//   - mutations: queued local writes, keyed by id, scanned in drain order
//     (priority_rank, seq)
//   - cache: cached reads keyed by key, swept by expires_at
//   - sync_runs: append-only log of finished drain passes
//
// # Critical Patterns
//
// Durability: every write is committed before the method returns, with
// synchronous=FULL, so an acknowledged enqueue or cache write is never
// unwound by a crash.
//
// Ordering: drain order uses the logical seq column, never timestamps, so
// FIFO within a tier holds even when wall clocks repeat or step backwards.
//
// Atomic transitions: TransitionMutation reads, mutates and writes one record
// inside a single transaction.
//
// Quota: a full database (SQLITE_FULL, or the WithMaxPages cap) surfaces as a
// model.CodeStorageQuota error instead of silently dropping data.
package store
