// Package queue implements the durable, priority-ordered mutation queue.
//
// Records drain high before normal before low, FIFO within a tier. Every
// call that changes the queue commits to SQLite before it returns, and
// per-record transitions (MarkSyncing, Ack, Fail, Reject) are atomic: they
// run as one transaction under the queue mutex, so no caller observes a
// record mid-transition.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/roach88/offsync/internal/clock"
	"github.com/roach88/offsync/internal/event"
	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/store"
)

// Config holds the retry policy.
type Config struct {
	// MaxRetries is the number of failed attempts after which a record is
	// dropped as failed.
	MaxRetries int

	// BaseBackoff is the delay after the first failure; it doubles per
	// failure up to MaxBackoff.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultConfig returns the default retry policy: 3 attempts, 1s doubling
// backoff capped at 60s.
func DefaultConfig() Config {
	return Config{
		MaxRetries:  3,
		BaseBackoff: time.Second,
		MaxBackoff:  60 * time.Second,
	}
}

// Backoff returns min(BaseBackoff * 2^retryCount, MaxBackoff).
func (c Config) Backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	d := c.BaseBackoff
	for i := 0; i < retryCount; i++ {
		if c.MaxBackoff > 0 && d >= c.MaxBackoff {
			break
		}
		d *= 2
	}
	if c.MaxBackoff > 0 && d > c.MaxBackoff {
		d = c.MaxBackoff
	}
	return d
}

// Failure is published on Queue.Failed when a record leaves the queue
// without being acknowledged.
type Failure struct {
	Record model.MutationRecord
	Err    error
}

// FailOutcome describes the result of Queue.Fail.
type FailOutcome struct {
	// Record is the record as written (or, if Exhausted, as removed).
	Record model.MutationRecord

	// Delay is the backoff applied before the next attempt.
	Delay time.Duration

	// Exhausted is true if the record reached MaxRetries and was removed.
	Exhausted bool
}

// Queue is the durable mutation queue.
type Queue struct {
	mu    sync.Mutex
	store *store.Store
	clock clock.Clock
	ids   IDGenerator
	seq   *clock.Seq
	cfg   Config

	// Failed receives each record removed as failed, exactly once.
	Failed event.Topic[Failure]
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock sets the wall clock. Defaults to clock.System.
func WithClock(c clock.Clock) Option {
	return func(q *Queue) {
		q.clock = c
	}
}

// WithIDGenerator sets the id generator. Defaults to UUIDv7Generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(q *Queue) {
		q.ids = g
	}
}

// WithConfig sets the retry policy.
func WithConfig(cfg Config) Option {
	return func(q *Queue) {
		q.cfg = cfg
	}
}

// Open creates a queue over st. The sequence resumes after the highest
// persisted seq. Open changes no records: other processes may be draining
// the same database, so recovery of interrupted records waits for Recover.
func Open(ctx context.Context, st *store.Store, opts ...Option) (*Queue, error) {
	q := &Queue{
		store: st,
		clock: clock.System{},
		ids:   UUIDv7Generator{},
		cfg:   DefaultConfig(),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.cfg.MaxRetries < 1 {
		return nil, fmt.Errorf("open queue: max retries must be at least 1, got %d", q.cfg.MaxRetries)
	}

	maxSeq, err := st.MaxSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	q.seq = clock.NewSeqAt(maxSeq)

	return q, nil
}

// Config returns the retry policy.
func (q *Queue) Config() Config {
	return q.cfg
}

// Enqueue validates m, assigns its id, creation time and sequence, and
// persists it as pending. The record is durable when Enqueue returns.
func (q *Queue) Enqueue(ctx context.Context, m model.NewMutation) (string, error) {
	if strings.TrimSpace(m.Endpoint) == "" {
		return "", model.NewValidationError("endpoint is required")
	}
	if strings.TrimSpace(m.Action) == "" {
		return "", model.NewValidationError("action is required")
	}
	if len(bytes.TrimSpace(m.Payload)) == 0 || bytes.Equal(bytes.TrimSpace(m.Payload), []byte("null")) {
		return "", model.NewValidationError("payload is required")
	}
	payload, err := model.CanonicalJSON(m.Payload)
	if err != nil {
		return "", model.NewValidationError("payload is not valid JSON: %v", err)
	}
	prio, err := model.ParsePriority(string(m.Priority))
	if err != nil {
		return "", model.NewValidationError("%v", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	rec := model.MutationRecord{
		ID:        q.ids.Generate(),
		Seq:       q.seq.Next(),
		CreatedAt: q.clock.Now(),
		Endpoint:  m.Endpoint,
		Action:    m.Action,
		Payload:   payload,
		Priority:  prio,
		Status:    model.StatusPending,
	}
	if err := q.store.InsertMutation(ctx, rec); err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}

	slog.Debug("mutation enqueued",
		"id", rec.ID,
		"endpoint", rec.Endpoint,
		"action", rec.Action,
		"priority", rec.Priority,
		"seq", rec.Seq)
	return rec.ID, nil
}

// PeekBatch returns up to limit pending records in drain order without
// changing them. limit <= 0 returns all.
func (q *Queue) PeekBatch(ctx context.Context, limit int) ([]model.MutationRecord, error) {
	return q.store.ListMutations(ctx, store.MutationFilter{Status: model.StatusPending, Limit: limit})
}

// Get returns the record with the given id.
func (q *Queue) Get(ctx context.Context, id string) (model.MutationRecord, error) {
	return q.store.GetMutation(ctx, id)
}

// MarkSyncing moves a pending record to syncing.
func (q *Queue) MarkSyncing(ctx context.Context, id string) (model.MutationRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.store.TransitionMutation(ctx, id, func(rec *model.MutationRecord) (bool, error) {
		if rec.Status != model.StatusPending {
			return false, invalidTransition("mark syncing", rec)
		}
		rec.Status = model.StatusSyncing
		return false, nil
	})
}

// Ack marks a syncing record synced and removes it.
func (q *Queue) Ack(ctx context.Context, id string) (model.MutationRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, err := q.store.TransitionMutation(ctx, id, func(rec *model.MutationRecord) (bool, error) {
		if rec.Status != model.StatusSyncing {
			return false, invalidTransition("ack", rec)
		}
		rec.Status = model.StatusSynced
		rec.LastError = ""
		return true, nil
	})
	if err != nil {
		return model.MutationRecord{}, err
	}
	slog.Debug("mutation synced", "id", id, "retry_count", rec.RetryCount)
	return rec, nil
}

// Fail records a failed attempt of a syncing record. The backoff is computed
// from the retry count before the failure; the count is then incremented.
// If it reaches MaxRetries the record is removed as failed and published on
// Failed, otherwise it returns to pending with NextAttemptAt set.
func (q *Queue) Fail(ctx context.Context, id string, cause error) (FailOutcome, error) {
	q.mu.Lock()

	var out FailOutcome
	now := q.clock.Now()
	rec, err := q.store.TransitionMutation(ctx, id, func(rec *model.MutationRecord) (bool, error) {
		if rec.Status != model.StatusSyncing {
			return false, invalidTransition("fail", rec)
		}
		out.Delay = q.cfg.Backoff(rec.RetryCount)
		rec.RetryCount++
		rec.LastError = errString(cause)
		if rec.RetryCount >= q.cfg.MaxRetries {
			out.Exhausted = true
			rec.Status = model.StatusFailed
			return true, nil
		}
		rec.Status = model.StatusPending
		rec.NextAttemptAt = now.Add(out.Delay)
		return false, nil
	})
	q.mu.Unlock()
	if err != nil {
		return FailOutcome{}, err
	}
	out.Record = rec

	if out.Exhausted {
		slog.Warn("mutation failed permanently",
			"id", id,
			"retry_count", rec.RetryCount,
			"error", rec.LastError)
		q.Failed.Publish(Failure{Record: rec, Err: cause})
	} else {
		slog.Debug("mutation will retry",
			"id", id,
			"retry_count", rec.RetryCount,
			"delay", out.Delay)
	}
	return out, nil
}

// Reject removes a syncing record as failed without consuming retries, for
// errors a retry cannot fix. The record is published on Failed.
func (q *Queue) Reject(ctx context.Context, id string, cause error) (model.MutationRecord, error) {
	q.mu.Lock()
	rec, err := q.store.TransitionMutation(ctx, id, func(rec *model.MutationRecord) (bool, error) {
		if rec.Status != model.StatusSyncing {
			return false, invalidTransition("reject", rec)
		}
		rec.Status = model.StatusFailed
		rec.LastError = errString(cause)
		return true, nil
	})
	q.mu.Unlock()
	if err != nil {
		return model.MutationRecord{}, err
	}

	slog.Warn("mutation rejected", "id", id, "error", rec.LastError)
	q.Failed.Publish(Failure{Record: rec, Err: cause})
	return rec, nil
}

// Release returns a syncing record to pending without counting an attempt,
// for sends abandoned before the remote could answer (shutdown).
func (q *Queue) Release(ctx context.Context, id string) (model.MutationRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.store.TransitionMutation(ctx, id, func(rec *model.MutationRecord) (bool, error) {
		if rec.Status != model.StatusSyncing {
			return false, invalidTransition("release", rec)
		}
		rec.Status = model.StatusPending
		return false, nil
	})
}

// DrainLease names the lease that serializes drains across processes
// sharing one database.
const DrainLease = "drain"

// Claim takes or renews the drain lease for holder until now+ttl. Returns
// false if another holder has a live lease.
func (q *Queue) Claim(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	now := q.clock.Now()
	ok, err := q.store.AcquireLease(ctx, DrainLease, holder, now, now.Add(ttl))
	if err != nil {
		return false, fmt.Errorf("claim drain lease: %w", err)
	}
	return ok, nil
}

// Unclaim gives up the drain lease if holder has it.
func (q *Queue) Unclaim(ctx context.Context, holder string) error {
	if err := q.store.ReleaseLease(ctx, DrainLease, holder); err != nil {
		return fmt.Errorf("unclaim drain lease: %w", err)
	}
	return nil
}

// Recover returns records left in syncing by an interrupted drain to
// pending. Call only while holding the drain lease and with no send in
// flight, or a live drain's records are pulled from under it.
func (q *Queue) Recover(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n, err := q.store.ResetSyncing(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover: %w", err)
	}
	if n > 0 {
		slog.Info("recovered interrupted records", "count", n)
	}
	return n, nil
}

// Len returns the number of records in the queue.
func (q *Queue) Len(ctx context.Context) (int, error) {
	stats, err := q.store.CountMutations(ctx)
	if err != nil {
		return 0, err
	}
	return stats.Total, nil
}

// Stats returns record counts by priority and status.
func (q *Queue) Stats(ctx context.Context) (model.QueueStats, error) {
	return q.store.CountMutations(ctx)
}

// Recent returns pending records created within maxAge of now, in drain order.
func (q *Queue) Recent(ctx context.Context, maxAge time.Duration) ([]model.MutationRecord, error) {
	return q.store.ListMutations(ctx, store.MutationFilter{
		Status:       model.StatusPending,
		CreatedAfter: q.clock.Now().Add(-maxAge),
	})
}

// Snapshot is the export document.
type Snapshot struct {
	ExportedAt time.Time              `json:"exported_at"`
	Records    []model.MutationRecord `json:"records"`
}

// Export writes every record, in drain order, as an indented JSON snapshot.
func (q *Queue) Export(ctx context.Context, w io.Writer) error {
	recs, err := q.store.ListMutations(ctx, store.MutationFilter{})
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(Snapshot{ExportedAt: q.clock.Now(), Records: recs}); err != nil {
		return fmt.Errorf("export: encode: %w", err)
	}
	return nil
}

// ImportResult reports what Import wrote.
type ImportResult struct {
	Imported int      `json:"imported"`
	Skipped  []string `json:"skipped"`
}

// Import restores records from an Export snapshot. Ids are kept; records
// whose id is already queued are skipped. Imported records are resequenced
// after the existing ones, keeping their relative order within each
// priority tier, and return as pending with their retry state intact. The
// whole snapshot is written in one transaction.
func (q *Queue) Import(ctx context.Context, r io.Reader) (ImportResult, error) {
	var snap Snapshot
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&snap); err != nil {
		return ImportResult{}, model.NewValidationError("import: decode snapshot: %v", err)
	}

	recs := make([]model.MutationRecord, 0, len(snap.Records))
	seen := make(map[string]bool, len(snap.Records))
	var dup []string
	for i, rec := range snap.Records {
		if err := validateImported(&rec); err != nil {
			return ImportResult{}, model.NewValidationError("import: records[%d]: %v", i, err)
		}
		if seen[rec.ID] {
			dup = append(dup, rec.ID)
			continue
		}
		seen[rec.ID] = true
		recs = append(recs, rec)
	}
	sort.SliceStable(recs, func(i, j int) bool {
		if a, b := recs[i].Priority.Rank(), recs[j].Priority.Rank(); a != b {
			return a < b
		}
		return recs[i].Seq < recs[j].Seq
	})

	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range recs {
		recs[i].Seq = q.seq.Next()
	}
	skipped, err := q.store.ImportMutations(ctx, recs)
	if err != nil {
		return ImportResult{}, fmt.Errorf("import: %w", err)
	}

	res := ImportResult{
		Imported: len(recs) - len(skipped),
		Skipped:  append(skipped, dup...),
	}
	slog.Info("queue imported", "imported", res.Imported, "skipped", len(res.Skipped))
	return res, nil
}

func validateImported(rec *model.MutationRecord) error {
	switch {
	case strings.TrimSpace(rec.ID) == "":
		return fmt.Errorf("id is required")
	case strings.TrimSpace(rec.Endpoint) == "":
		return fmt.Errorf("%s: endpoint is required", rec.ID)
	case strings.TrimSpace(rec.Action) == "":
		return fmt.Errorf("%s: action is required", rec.ID)
	case !rec.Priority.Valid():
		return fmt.Errorf("%s: invalid priority %q", rec.ID, rec.Priority)
	case rec.RetryCount < 0:
		return fmt.Errorf("%s: negative retry count", rec.ID)
	}
	switch rec.Status {
	case model.StatusPending, model.StatusSyncing, "":
		rec.Status = model.StatusPending
	default:
		return fmt.Errorf("%s: status %s is terminal", rec.ID, rec.Status)
	}
	payload, err := model.CanonicalJSON(rec.Payload)
	if err != nil {
		return fmt.Errorf("%s: payload: %w", rec.ID, err)
	}
	rec.Payload = payload
	return nil
}

// Clear drops every record. Returns the number dropped.
func (q *Queue) Clear(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n, err := q.store.ClearMutations(ctx)
	if err != nil {
		return 0, err
	}
	slog.Info("queue cleared", "count", n)
	return n, nil
}

func invalidTransition(op string, rec *model.MutationRecord) error {
	return &model.Error{
		Code:     model.CodeInvalidTransition,
		Message:  fmt.Sprintf("%s from %s", op, rec.Status),
		RecordID: rec.ID,
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
