// Package engine implements the sync coordinator: it drains the mutation
// queue against the remote endpoint, one pass at a time.
//
// ARCHITECTURE:
//
// Single-flight drain:
// At most one drain pass runs at any moment. ManualSync, the periodic loop
// and Trigger all funnel into the same compare-and-swap on an atomic flag;
// a second caller observes model.ErrSyncAlreadyRunning (an error for manual
// requests, a silent no-op for ticks).
//
// Drain pass:
//  1. Snapshot the pending records in drain order (high, normal, low; FIFO
//     within a tier by logical seq).
//  2. Walk the snapshot, skipping records still inside their backoff window.
//     Each record is marked syncing, sent with the record id as its
//     idempotency token, and then acked, failed or rejected by error class.
//  3. A transient failure is retried inline after its backoff, up to
//     InlineRetries times. If it still fails with attempts left, it is
//     deferred to the end of the pass.
//  4. Each deferred record gets one more attempt once its backoff expires.
//
// Error policy:
// Permanent remote errors (explicit rejection, success:false, 4xx) remove
// the record immediately without consuming retries. Transient errors (and
// any unclassified transport error) are retried with exponential backoff
// until MaxRetries. Storage errors abort the pass and are returned; remote
// errors never escape, they surface only as ItemFailed events and stats.
//
// CRITICAL PATTERNS:
//
// A pass that has started is not cancelled by its caller: ctx cancellation
// bounds the current request and backoff wait, stops new records from
// starting, and the current record's bookkeeping still completes.
package engine
