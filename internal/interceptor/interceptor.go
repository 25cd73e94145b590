// Package interceptor fronts outbound HTTP traffic for an offline-first
// client.
//
// Transport chooses per request between cache-first (static resources) and
// network-first (everything else), falls back to cached copies and an
// offline page when the network is down, and turns failed API writes into
// queued mutations. Interceptor drains the queue whenever connectivity
// returns, and Server exposes both behind a local reverse proxy.
package interceptor

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/netmon"
)

// Syncer runs one drain pass. Implemented by *engine.Coordinator.
type Syncer interface {
	ManualSync(ctx context.Context) (model.SyncStats, error)
}

// Interceptor starts a sync each time the monitor reports the network
// restored, independent of whichever caller queued the writes.
type Interceptor struct {
	syncer Syncer
	net    *netmon.Monitor

	mu    sync.Mutex
	unsub func()
	wg    sync.WaitGroup
}

// New creates an interceptor. Call Start to begin listening.
func New(s Syncer, net *netmon.Monitor) *Interceptor {
	return &Interceptor{syncer: s, net: net}
}

// Start subscribes to network restoration. Syncs it starts run under ctx.
// Calling Start twice is a no-op.
func (i *Interceptor) Start(ctx context.Context) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.unsub != nil {
		return
	}
	i.unsub = i.net.Restored.Subscribe(func(model.NetworkState) {
		i.wg.Add(1)
		go func() {
			defer i.wg.Done()
			i.syncOnRestore(ctx)
		}()
	})
}

// Stop unsubscribes and waits for syncs already started.
func (i *Interceptor) Stop() {
	i.mu.Lock()
	if i.unsub != nil {
		i.unsub()
		i.unsub = nil
	}
	i.mu.Unlock()
	i.wg.Wait()
}

func (i *Interceptor) syncOnRestore(ctx context.Context) {
	stats, err := i.syncer.ManualSync(ctx)
	switch {
	case err == nil:
		slog.Info("background sync after reconnect",
			"success", stats.Success,
			"failure", stats.Failure,
			"remaining", stats.Remaining)
	case model.IsNotOnline(err), model.IsLockContention(err):
		slog.Debug("background sync skipped", "cause", err)
	default:
		slog.Error("background sync failed", "error", err)
	}
}
