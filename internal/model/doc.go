// Package model defines the records shared by every offsync component:
// queued mutations, cache entries, network state and drain statistics,
// plus the engine's error taxonomy.
//
// # Error taxonomy
//
//   - CodeValidation: malformed record, rejected at enqueue, never queued
//   - CodeTransientNetwork: timeout or connection failure, retried with backoff
//   - CodePermanentRemote: explicit remote rejection, reported immediately
//   - CodeStorageQuota: durable store full, enqueue and cache writes fail loudly
//   - CodeLockContention: a drain is already running
//
// Use the IsX predicates (errors.As based) rather than comparing messages.
package model
