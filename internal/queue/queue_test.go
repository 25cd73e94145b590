package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/store"
	"github.com/roach88/offsync/internal/testutil"
)

func TestMain(m *testing.M) {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
	os.Exit(m.Run())
}

type fixture struct {
	path  string
	st    *store.Store
	q     *Queue
	clock *testutil.FakeClock
}

func setup(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		path:  filepath.Join(t.TempDir(), "queue.db"),
		clock: testutil.NewFakeClock(time.Time{}),
	}
	f.open(t, opts...)
	return f
}

func (f *fixture) open(t *testing.T, opts ...Option) {
	t.Helper()
	st, err := store.Open(f.path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	opts = append([]Option{WithClock(f.clock)}, opts...)
	q, err := Open(context.Background(), st, opts...)
	require.NoError(t, err)
	f.st, f.q = st, q
}

func mutation(prio model.Priority) model.NewMutation {
	return model.NewMutation{
		Endpoint: "inventory",
		Action:   "submitInventory",
		Payload:  json.RawMessage(`{"quantity":3,"item":"A-1"}`),
		Priority: prio,
	}
}

func ids(recs []model.MutationRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

func TestEnqueue_Validation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	tests := []struct {
		name string
		edit func(*model.NewMutation)
	}{
		{"missing endpoint", func(m *model.NewMutation) { m.Endpoint = "" }},
		{"blank action", func(m *model.NewMutation) { m.Action = "  " }},
		{"missing payload", func(m *model.NewMutation) { m.Payload = nil }},
		{"null payload", func(m *model.NewMutation) { m.Payload = json.RawMessage(`null`) }},
		{"malformed payload", func(m *model.NewMutation) { m.Payload = json.RawMessage(`{"a":`) }},
		{"unknown priority", func(m *model.NewMutation) { m.Priority = "urgent" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := mutation(model.PriorityNormal)
			tt.edit(&m)
			_, err := f.q.Enqueue(ctx, m)
			assert.True(t, model.IsValidationError(err), "got %v", err)
		})
	}

	n, err := f.q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "rejected records must never be queued")
}

func TestEnqueue_AssignsFields(t *testing.T) {
	f := setup(t, WithIDGenerator(NewFixedGenerator("r1")))
	ctx := context.Background()

	id, err := f.q.Enqueue(ctx, mutation(""))
	require.NoError(t, err)
	assert.Equal(t, "r1", id)

	rec, err := f.q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.PriorityNormal, rec.Priority)
	assert.Equal(t, model.StatusPending, rec.Status)
	assert.Equal(t, testutil.Epoch, rec.CreatedAt)
	assert.Equal(t, int64(1), rec.Seq)
	assert.Equal(t, 0, rec.RetryCount)
	assert.Equal(t, `{"item":"A-1","quantity":3}`, string(rec.Payload), "payload stored canonically")
}

func TestEnqueue_UniqueIDs(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		id, err := f.q.Enqueue(ctx, mutation(model.PriorityLow))
		require.NoError(t, err)
		require.False(t, seen[id])
		seen[id] = true
	}
}

func TestPeekBatch_HighBeforeNormalBeforeLow(t *testing.T) {
	f := setup(t, WithIDGenerator(NewFixedGenerator("N1", "L1", "H1", "N2", "H2")))
	ctx := context.Background()

	for _, p := range []model.Priority{"normal", "low", "high", "normal", "high"} {
		_, err := f.q.Enqueue(ctx, mutation(p))
		require.NoError(t, err)
	}

	recs, err := f.q.PeekBatch(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"H1", "H2", "N1", "N2", "L1"}, ids(recs))

	recs, err = f.q.PeekBatch(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"H1", "H2"}, ids(recs))

	// Peek never mutates.
	rec, err := f.q.Get(ctx, "H1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, rec.Status)
}

func TestPeekBatch_FIFOWithinTierIgnoresWallClock(t *testing.T) {
	f := setup(t, WithIDGenerator(NewFixedGenerator("a", "b", "c")))
	ctx := context.Background()

	// Wall clock steps backwards between enqueues; seq still orders them.
	_, err := f.q.Enqueue(ctx, mutation(model.PriorityNormal))
	require.NoError(t, err)
	f.clock.Advance(-time.Hour)
	_, err = f.q.Enqueue(ctx, mutation(model.PriorityNormal))
	require.NoError(t, err)
	_, err = f.q.Enqueue(ctx, mutation(model.PriorityNormal))
	require.NoError(t, err)

	recs, err := f.q.PeekBatch(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids(recs))
}

func TestQueue_SurvivesReopen(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	id, err := f.q.Enqueue(ctx, mutation(model.PriorityHigh))
	require.NoError(t, err)
	before, err := f.q.Get(ctx, id)
	require.NoError(t, err)
	require.NoError(t, f.st.Close())

	f.open(t)
	after, err := f.q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	id2, err := f.q.Enqueue(ctx, mutation(model.PriorityHigh))
	require.NoError(t, err)
	rec2, err := f.q.Get(ctx, id2)
	require.NoError(t, err)
	assert.Greater(t, rec2.Seq, before.Seq, "seq resumes after reopen")
}

func TestOpen_LeavesSyncingRecordsAlone(t *testing.T) {
	f := setup(t, WithIDGenerator(NewFixedGenerator("r1")))
	ctx := context.Background()

	_, err := f.q.Enqueue(ctx, mutation(model.PriorityNormal))
	require.NoError(t, err)
	_, err = f.q.MarkSyncing(ctx, "r1")
	require.NoError(t, err)

	// A second process opening the same database must not disturb the
	// in-flight record.
	st2, err := store.Open(f.path)
	require.NoError(t, err)
	defer st2.Close()
	_, err = Open(ctx, st2, WithClock(f.clock))
	require.NoError(t, err)

	_, err = f.q.Ack(ctx, "r1")
	require.NoError(t, err)
}

func TestRecover_ResetsInterruptedSyncing(t *testing.T) {
	f := setup(t, WithIDGenerator(NewFixedGenerator("r1")))
	ctx := context.Background()

	_, err := f.q.Enqueue(ctx, mutation(model.PriorityNormal))
	require.NoError(t, err)
	_, err = f.q.MarkSyncing(ctx, "r1")
	require.NoError(t, err)
	require.NoError(t, f.st.Close())

	f.open(t)
	rec, err := f.q.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSyncing, rec.Status, "reopen alone does not recover")

	n, err := f.q.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	recs, err := f.q.PeekBatch(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, ids(recs))
}

func TestClaim(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	ok, err := f.q.Claim(ctx, "p1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.q.Claim(ctx, "p2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	f.clock.Advance(time.Minute)
	ok, err = f.q.Claim(ctx, "p2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is taken over")

	require.NoError(t, f.q.Unclaim(ctx, "p2"))
	ok, err = f.q.Claim(ctx, "p1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOpen_RejectsZeroMaxRetries(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "q.db"))
	require.NoError(t, err)
	defer st.Close()

	_, err = Open(context.Background(), st, WithConfig(Config{MaxRetries: 0}))
	assert.Error(t, err)
}

func TestAck_RemovesRecord(t *testing.T) {
	f := setup(t, WithIDGenerator(NewFixedGenerator("r1")))
	ctx := context.Background()

	_, err := f.q.Enqueue(ctx, mutation(model.PriorityNormal))
	require.NoError(t, err)
	_, err = f.q.MarkSyncing(ctx, "r1")
	require.NoError(t, err)

	rec, err := f.q.Ack(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSynced, rec.Status)

	_, err = f.q.Get(ctx, "r1")
	assert.True(t, model.IsNotFound(err))
}

func TestRelease_KeepsRetryCount(t *testing.T) {
	f := setup(t, WithIDGenerator(NewFixedGenerator("r1")))
	ctx := context.Background()

	_, err := f.q.Enqueue(ctx, mutation(model.PriorityNormal))
	require.NoError(t, err)
	_, err = f.q.MarkSyncing(ctx, "r1")
	require.NoError(t, err)

	rec, err := f.q.Release(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, rec.Status)
	assert.Equal(t, 0, rec.RetryCount)

	_, err = f.q.Release(ctx, "r1")
	assert.Equal(t, model.CodeInvalidTransition, model.CodeOf(err))
}

func TestTransitions_Invalid(t *testing.T) {
	f := setup(t, WithIDGenerator(NewFixedGenerator("r1")))
	ctx := context.Background()

	_, err := f.q.Enqueue(ctx, mutation(model.PriorityNormal))
	require.NoError(t, err)

	_, err = f.q.Ack(ctx, "r1")
	assert.Equal(t, model.CodeInvalidTransition, model.CodeOf(err))
	_, err = f.q.Fail(ctx, "r1", errors.New("x"))
	assert.Equal(t, model.CodeInvalidTransition, model.CodeOf(err))
	_, err = f.q.Reject(ctx, "r1", errors.New("x"))
	assert.Equal(t, model.CodeInvalidTransition, model.CodeOf(err))

	_, err = f.q.MarkSyncing(ctx, "r1")
	require.NoError(t, err)
	_, err = f.q.MarkSyncing(ctx, "r1")
	assert.Equal(t, model.CodeInvalidTransition, model.CodeOf(err))

	_, err = f.q.MarkSyncing(ctx, "missing")
	assert.True(t, model.IsNotFound(err))
}

func TestFail_BackoffThenExhaustion(t *testing.T) {
	f := setup(t, WithIDGenerator(NewFixedGenerator("r1")))
	ctx := context.Background()

	var failures []Failure
	f.q.Failed.Subscribe(func(fl Failure) { failures = append(failures, fl) })

	_, err := f.q.Enqueue(ctx, mutation(model.PriorityNormal))
	require.NoError(t, err)

	cause := model.NewTransientError("timeout", nil)
	var delays []time.Duration
	for attempt := 1; attempt <= 3; attempt++ {
		_, err := f.q.MarkSyncing(ctx, "r1")
		require.NoError(t, err, "attempt %d", attempt)
		out, err := f.q.Fail(ctx, "r1", cause)
		require.NoError(t, err)
		assert.Equal(t, attempt, out.Record.RetryCount)
		delays = append(delays, out.Delay)

		if attempt < 3 {
			assert.False(t, out.Exhausted)
			rec, err := f.q.Get(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, model.StatusPending, rec.Status)
			assert.Equal(t, f.clock.Now().Add(out.Delay), rec.NextAttemptAt)
			assert.False(t, rec.Due(f.clock.Now()))
			assert.Empty(t, failures)
		} else {
			assert.True(t, out.Exhausted)
			assert.Equal(t, model.StatusFailed, out.Record.Status)
		}
	}

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, delays)

	_, err = f.q.Get(ctx, "r1")
	assert.True(t, model.IsNotFound(err), "exhausted record is removed")

	require.Len(t, failures, 1, "reported exactly once")
	assert.Equal(t, "r1", failures[0].Record.ID)
	assert.Equal(t, 3, failures[0].Record.RetryCount)
	assert.True(t, model.IsTransientError(failures[0].Err))
}

func TestReject_DoesNotConsumeRetries(t *testing.T) {
	f := setup(t, WithIDGenerator(NewFixedGenerator("r1")))
	ctx := context.Background()

	var failures []Failure
	f.q.Failed.Subscribe(func(fl Failure) { failures = append(failures, fl) })

	_, err := f.q.Enqueue(ctx, mutation(model.PriorityNormal))
	require.NoError(t, err)
	_, err = f.q.MarkSyncing(ctx, "r1")
	require.NoError(t, err)

	rec, err := f.q.Reject(ctx, "r1", model.NewPermanentError("bad qty", nil))
	require.NoError(t, err)
	assert.Equal(t, 0, rec.RetryCount)
	assert.Equal(t, model.StatusFailed, rec.Status)
	assert.Contains(t, rec.LastError, "bad qty")

	n, err := f.q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	require.Len(t, failures, 1)
}

func TestConfig_Backoff(t *testing.T) {
	cfg := Config{MaxRetries: 10, BaseBackoff: time.Second, MaxBackoff: 10 * time.Second}

	assert.Equal(t, time.Second, cfg.Backoff(0))
	assert.Equal(t, 2*time.Second, cfg.Backoff(1))
	assert.Equal(t, 8*time.Second, cfg.Backoff(3))
	assert.Equal(t, 10*time.Second, cfg.Backoff(4))
	assert.Equal(t, 10*time.Second, cfg.Backoff(200), "no overflow")
	assert.Equal(t, time.Second, cfg.Backoff(-1))
}

func TestRecent(t *testing.T) {
	f := setup(t, WithIDGenerator(NewFixedGenerator("old", "new")))
	ctx := context.Background()

	_, err := f.q.Enqueue(ctx, mutation(model.PriorityNormal))
	require.NoError(t, err)
	f.clock.Advance(10 * time.Minute)
	_, err = f.q.Enqueue(ctx, mutation(model.PriorityNormal))
	require.NoError(t, err)
	f.clock.Advance(time.Minute)

	recs, err := f.q.Recent(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, ids(recs))
}

func TestStatsExportClear(t *testing.T) {
	f := setup(t, WithIDGenerator(NewFixedGenerator("h", "n")))
	ctx := context.Background()

	_, err := f.q.Enqueue(ctx, mutation(model.PriorityHigh))
	require.NoError(t, err)
	_, err = f.q.Enqueue(ctx, mutation(model.PriorityNormal))
	require.NoError(t, err)

	stats, err := f.q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByPriority[model.PriorityHigh])

	var buf bytes.Buffer
	require.NoError(t, f.q.Export(ctx, &buf))
	var snap Snapshot
	require.NoError(t, json.Unmarshal(buf.Bytes(), &snap))
	assert.Equal(t, []string{"h", "n"}, ids(snap.Records))
	assert.Equal(t, testutil.Epoch, snap.ExportedAt)

	n, err := f.q.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	l, err := f.q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, l)
}

func TestEnqueue_StorageQuota(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "small.db"), store.WithMaxPages(16))
	require.NoError(t, err)
	defer st.Close()

	q, err := Open(context.Background(), st)
	require.NoError(t, err)

	m := mutation(model.PriorityNormal)
	m.Payload = json.RawMessage(`{"blob":"` + strings.Repeat("z", 256*1024) + `"}`)
	_, err = q.Enqueue(context.Background(), m)
	assert.True(t, model.IsQuotaError(err), "got %v", err)
}

func TestImport_RoundTrip(t *testing.T) {
	src := setup(t, WithIDGenerator(NewFixedGenerator("h1", "n1", "l1", "n2")))
	ctx := context.Background()

	for _, p := range []model.Priority{model.PriorityHigh, model.PriorityNormal, model.PriorityLow, model.PriorityNormal} {
		_, err := src.q.Enqueue(ctx, mutation(p))
		require.NoError(t, err)
	}
	_, err := src.q.MarkSyncing(ctx, "n1")
	require.NoError(t, err)
	_, err = src.q.Fail(ctx, "n1", errors.New("timeout"))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, src.q.Export(ctx, &buf))

	dst := setup(t, WithIDGenerator(NewFixedGenerator("local")))
	_, err = dst.q.Enqueue(ctx, mutation(model.PriorityNormal))
	require.NoError(t, err)

	res, err := dst.q.Import(ctx, bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 4, res.Imported)
	assert.Empty(t, res.Skipped)

	recs, err := dst.q.PeekBatch(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"h1", "local", "n1", "n2", "l1"}, ids(recs))

	n1, err := dst.q.Get(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, 1, n1.RetryCount)
	assert.Equal(t, "timeout", n1.LastError)
	assert.Equal(t, model.StatusPending, n1.Status)

	// Importing again skips everything already queued.
	res, err = dst.q.Import(ctx, bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Imported)
	assert.ElementsMatch(t, []string{"h1", "n1", "l1", "n2"}, res.Skipped)

	l, err := dst.q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, l)
}

func TestImport_SyncingBecomesPending(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	doc := `{"exported_at":"2026-01-02T09:00:00Z","records":[
		{"id":"s1","seq":9,"created_at":"2026-01-02T08:00:00Z","endpoint":"inventory",
		 "action":"submitInventory","payload":{"b":1,"a":2},"priority":"high",
		 "retry_count":0,"status":"syncing"}]}`
	res, err := f.q.Import(ctx, strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Imported)

	rec, err := f.q.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, rec.Status)
	assert.Equal(t, `{"a":2,"b":1}`, string(rec.Payload))
}

func TestImport_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not json", `nope`},
		{"unknown field", `{"records":[],"extra":1}`},
		{"missing id", `{"records":[{"endpoint":"e","action":"a","payload":{},"priority":"low"}]}`},
		{"bad priority", `{"records":[{"id":"x","endpoint":"e","action":"a","payload":{},"priority":"urgent"}]}`},
		{"terminal status", `{"records":[{"id":"x","endpoint":"e","action":"a","payload":{},"priority":"low","status":"synced"}]}`},
		{"missing payload", `{"records":[{"id":"x","endpoint":"e","action":"a","priority":"low"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			_, err := f.q.Import(context.Background(), strings.NewReader(tt.doc))
			require.Error(t, err)
			assert.True(t, model.IsValidationError(err), "got %v", err)

			l, err := f.q.Len(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 0, l)
		})
	}
}
