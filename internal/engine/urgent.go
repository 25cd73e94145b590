package engine

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/roach88/offsync/internal/remote"
)

// UrgentAction is the action name of an urgent flush request.
const UrgentAction = "syncUrgentData"

type urgentItem struct {
	SyncID    string          `json:"syncId"`
	Endpoint  string          `json:"endpoint"`
	Action    string          `json:"action"`
	Data      json.RawMessage `json:"data"`
	Priority  string          `json:"priority"`
	Timestamp int64           `json:"timestamp"`
}

// FlushUrgent sends every pending record younger than UrgentAge in a single
// best-effort request, on imminent shutdown. It does not wait for the reply
// and does not ack anything: the records stay queued for the next pass.
// Returns the number of records sent.
func (c *Coordinator) FlushUrgent(ctx context.Context) int {
	recs, err := c.queue.Recent(ctx, c.cfg.UrgentAge)
	if err != nil {
		slog.Error("urgent flush: list recent records", "error", err)
		return 0
	}
	if len(recs) == 0 {
		return 0
	}

	items := make([]urgentItem, len(recs))
	for i, r := range recs {
		items[i] = urgentItem{
			SyncID:    r.ID,
			Endpoint:  r.Endpoint,
			Action:    r.Action,
			Data:      r.Payload,
			Priority:  string(r.Priority),
			Timestamp: r.CreatedAt.UnixMilli(),
		}
	}
	data, err := json.Marshal(items)
	if err != nil {
		slog.Error("urgent flush: encode", "error", err)
		return 0
	}

	endpoint := c.cfg.UrgentEndpoint
	if endpoint == "" {
		endpoint = recs[0].Endpoint
	}
	req := remote.Request{
		Endpoint:  endpoint,
		Action:    UrgentAction,
		Data:      data,
		Timestamp: c.clock.Now().UnixMilli(),
		SyncID:    c.ids.Generate(),
		Source:    c.cfg.Source,
	}

	c.urgent.Add(1)
	go func() {
		defer c.urgent.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.RequestTimeout)
		defer cancel()
		if _, err := c.remote.Send(sendCtx, req); err != nil {
			slog.Warn("urgent flush failed", "records", len(items), "error", err)
			return
		}
		slog.Debug("urgent flush sent", "records", len(items))
	}()

	slog.Info("urgent flush started", "records", len(recs))
	return len(recs)
}

// WaitUrgent blocks until in-flight urgent flushes finish or ctx is done.
func (c *Coordinator) WaitUrgent(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.urgent.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
