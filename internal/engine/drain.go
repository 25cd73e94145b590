package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/remote"
)

// attemptOutcome tells the drain loop whether a record wants another try
// in this pass, and when.
type attemptOutcome struct {
	retry bool
	next  time.Time
}

// drain runs one pass. The caller holds the single-flight flag and the
// drain lease; ctx is cancelled only by Stop.
func (c *Coordinator) drain(ctx context.Context) (model.SyncStats, error) {
	stats := model.SyncStats{StartedAt: c.clock.Now()}

	batch, err := c.queue.PeekBatch(ctx, c.cfg.BatchSize)
	if err != nil {
		return c.finish(ctx, stats, fmt.Errorf("drain: peek batch: %w", err))
	}

	slog.Info("sync started", "queue_length", len(batch))
	c.Started.Publish(Started{QueueLength: len(batch)})

	var deferred []string
	for _, rec := range batch {
		if ctx.Err() != nil {
			break
		}
		if !rec.Due(c.clock.Now()) {
			slog.Debug("record in backoff, skipping", "id", rec.ID, "next_attempt_at", rec.NextAttemptAt)
			continue
		}

		out, err := c.attempt(ctx, &stats, rec.ID)
		if err != nil {
			return c.finish(ctx, stats, err)
		}
		for i := 0; out.retry && i < c.cfg.InlineRetries; i++ {
			if c.waitUntil(ctx, out.next) != nil {
				break
			}
			if out, err = c.attempt(ctx, &stats, rec.ID); err != nil {
				return c.finish(ctx, stats, err)
			}
		}
		if out.retry {
			deferred = append(deferred, rec.ID)
		}
	}

	// Deferred records get one more attempt once their backoff expires.
	for _, id := range deferred {
		if ctx.Err() != nil {
			break
		}
		rec, err := c.queue.Get(ctx, id)
		if model.IsNotFound(err) {
			continue
		}
		if err != nil {
			return c.finish(ctx, stats, fmt.Errorf("drain: reload %s: %w", id, err))
		}
		if c.waitUntil(ctx, rec.NextAttemptAt) != nil {
			break
		}
		if _, err := c.attempt(ctx, &stats, id); err != nil {
			return c.finish(ctx, stats, err)
		}
	}

	return c.finish(ctx, stats, nil)
}

// attempt sends one record and applies the outcome. The returned error is
// always a storage error; remote errors are classified into the queue.
func (c *Coordinator) attempt(ctx context.Context, stats *model.SyncStats, id string) (attemptOutcome, error) {
	if ctx.Err() != nil {
		return attemptOutcome{}, nil
	}
	held, err := c.queue.Claim(ctx, c.holder, c.cfg.LeaseTTL)
	if err != nil {
		return attemptOutcome{}, fmt.Errorf("drain: renew lease: %w", err)
	}
	if !held {
		return attemptOutcome{}, fmt.Errorf("drain: lease taken over: %w", model.ErrSyncAlreadyRunning)
	}

	rec, err := c.queue.MarkSyncing(ctx, id)
	switch {
	case model.IsNotFound(err), model.CodeOf(err) == model.CodeInvalidTransition:
		// Removed or claimed since the snapshot (e.g. queue cleared).
		slog.Debug("record no longer pending, skipping", "id", id)
		return attemptOutcome{}, nil
	case err != nil:
		return attemptOutcome{}, fmt.Errorf("drain: mark syncing %s: %w", id, err)
	}

	attemptNo := rec.RetryCount + 1
	req := remote.Request{
		Endpoint:  rec.Endpoint,
		Action:    rec.Action,
		Data:      rec.Payload,
		Timestamp: rec.CreatedAt.UnixMilli(),
		SyncID:    rec.ID,
		Source:    c.cfg.Source,
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	resp, sendErr := c.remote.Send(reqCtx, req)
	cancel()
	if sendErr == nil && !resp.Acked() {
		msg := resp.Error
		if msg == "" {
			msg = "remote replied success:false"
		}
		sendErr = model.NewPermanentError(msg, nil)
	}

	// Bookkeeping for a record already sent completes even if ctx is done.
	book := context.WithoutCancel(ctx)

	switch {
	case sendErr == nil:
		done, err := c.queue.Ack(book, id)
		if err != nil {
			return attemptOutcome{}, fmt.Errorf("drain: ack %s: %w", id, err)
		}
		stats.Success++
		slog.Debug("item synced", "id", id, "attempt", attemptNo)
		c.ItemSynced.Publish(ItemSynced{Record: done, Attempt: attemptNo})
		return attemptOutcome{}, nil

	case model.IsPermanentError(sendErr):
		done, err := c.queue.Reject(book, id, sendErr)
		if err != nil {
			return attemptOutcome{}, fmt.Errorf("drain: reject %s: %w", id, err)
		}
		stats.Failure++
		c.ItemFailed.Publish(ItemFailed{Record: done, Err: sendErr})
		return attemptOutcome{}, nil

	case ctx.Err() != nil:
		// Stopped mid-send, not failed by the remote.
		if _, err := c.queue.Release(book, id); err != nil {
			return attemptOutcome{}, fmt.Errorf("drain: release %s: %w", id, err)
		}
		return attemptOutcome{}, nil
	}

	if model.CodeOf(sendErr) == "" {
		sendErr = model.NewTransientError("send", sendErr)
	}
	out, err := c.queue.Fail(book, id, sendErr)
	if err != nil {
		return attemptOutcome{}, fmt.Errorf("drain: fail %s: %w", id, err)
	}
	if out.Exhausted {
		stats.Failure++
		c.ItemFailed.Publish(ItemFailed{Record: out.Record, Err: sendErr})
		return attemptOutcome{}, nil
	}
	c.ItemRetrying.Publish(ItemRetrying{Record: out.Record, Err: sendErr, Delay: out.Delay})
	return attemptOutcome{retry: true, next: out.Record.NextAttemptAt}, nil
}

func (c *Coordinator) waitUntil(ctx context.Context, t time.Time) error {
	if t.IsZero() {
		return ctx.Err()
	}
	return c.clock.Sleep(ctx, t.Sub(c.clock.Now()))
}

// finish stamps, persists and publishes the pass.
func (c *Coordinator) finish(ctx context.Context, stats model.SyncStats, passErr error) (model.SyncStats, error) {
	book := context.WithoutCancel(ctx)
	stats.EndedAt = c.clock.Now()

	n, err := c.queue.Len(book)
	if err != nil && passErr == nil {
		passErr = fmt.Errorf("drain: count remaining: %w", err)
	}
	stats.Remaining = n

	if c.runs != nil {
		run := model.SyncRun{SyncStats: stats}
		if passErr != nil {
			run.Error = passErr.Error()
		}
		if _, err := c.runs.WriteSyncRun(book, run); err != nil {
			slog.Error("failed to record sync run", "error", err)
		}
	}

	if passErr != nil {
		slog.Error("sync aborted",
			"error", passErr,
			"success", stats.Success,
			"failure", stats.Failure,
			"remaining", stats.Remaining)
	} else {
		slog.Info("sync completed",
			"success", stats.Success,
			"failure", stats.Failure,
			"remaining", stats.Remaining,
			"duration", stats.EndedAt.Sub(stats.StartedAt))
	}
	c.Completed.Publish(Completed{SyncStats: stats})
	return stats, passErr
}
