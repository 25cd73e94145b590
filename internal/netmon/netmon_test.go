package netmon

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/testutil"
)

func TestMain(m *testing.M) {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
	os.Exit(m.Run())
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) attach(m *Monitor) {
	m.Restored.Subscribe(func(model.NetworkState) { r.add("restored") })
	m.Lost.Subscribe(func(model.NetworkState) { r.add("lost") })
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, s)
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func TestReport_GenuineTransitionsOnly(t *testing.T) {
	clk := testutil.NewFakeClock(time.Time{})
	m := New(WithClock(clk), WithInitialState(false))
	var rec recorder
	rec.attach(m)

	m.Report(false)
	m.Report(true)
	m.Report(true)
	m.Report(true)
	clk.Advance(time.Minute)
	m.Report(false)
	m.Report(false)

	assert.Equal(t, []string{"restored", "lost"}, rec.get())
	assert.False(t, m.Online())
	assert.Equal(t, testutil.Epoch.Add(time.Minute), m.State().LastTransitionAt)
}

func TestReport_DefaultsOnline(t *testing.T) {
	m := New()
	assert.True(t, m.Online())
	assert.True(t, m.State().LastTransitionAt.IsZero())
}

func TestReport_DebounceSuppressesFlap(t *testing.T) {
	m := New(WithDebounce(50 * time.Millisecond))
	defer m.Close()
	var rec recorder
	rec.attach(m)

	m.Report(false)
	m.Report(true) // flips back before the debounce elapses
	time.Sleep(100 * time.Millisecond)

	assert.Empty(t, rec.get())
	assert.True(t, m.Online())
}

func TestReport_DebounceCommits(t *testing.T) {
	m := New(WithDebounce(10 * time.Millisecond))
	defer m.Close()
	var rec recorder
	rec.attach(m)

	m.Report(false)
	m.Report(false)
	assert.True(t, m.Online(), "not committed before the debounce elapses")

	require.Eventually(t, func() bool { return !m.Online() }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, []string{"lost"}, rec.get())
}

func TestRun_ReportsProbeResults(t *testing.T) {
	m := New(WithInitialState(false))
	var rec recorder
	rec.attach(m)

	var calls atomic.Int32
	prober := ProberFunc(func(context.Context) bool {
		return calls.Add(1) >= 2
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, prober, 5*time.Millisecond) }()

	require.Eventually(t, m.Online, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, []string{"restored"}, rec.get())
}

func TestHTTPProber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(http.StatusNotFound)
	}))

	p := NewHTTPProber(srv.URL)
	assert.True(t, p.Probe(context.Background()), "any response means online")

	srv.Close()
	assert.False(t, p.Probe(context.Background()))

	assert.False(t, NewHTTPProber("://bad").Probe(context.Background()))
}
