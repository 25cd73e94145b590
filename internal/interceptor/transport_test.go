package interceptor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/cache"
	"github.com/roach88/offsync/internal/netmon"
	"github.com/roach88/offsync/internal/queue"
	"github.com/roach88/offsync/internal/store"
	"github.com/roach88/offsync/internal/testutil"
)

// bigBody is larger than anything the transport buffers for the cache.
const bigBody = 9 << 20

func TestMain(m *testing.M) {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
	os.Exit(m.Run())
}

// switchable fails every request while down is set, like a dropped link.
type switchable struct {
	base http.RoundTripper
	down atomic.Bool
}

func (s *switchable) RoundTrip(req *http.Request) (*http.Response, error) {
	if s.down.Load() {
		return nil, errors.New("dial tcp: connect: network is unreachable")
	}
	return s.base.RoundTrip(req)
}

type env struct {
	upstream *httptest.Server
	hits     map[string]*atomic.Int32
	link     *switchable
	clock    *testutil.FakeClock
	st       *store.Store
	cache    *cache.Store
	queue    *queue.Queue
	net      *netmon.Monitor
	tr       *Transport
}

func newEnv(t *testing.T, ids ...string) *env {
	t.Helper()
	e := &env{
		hits:  map[string]*atomic.Int32{},
		clock: testutil.NewFakeClock(time.Time{}),
		net:   netmon.New(),
	}
	for _, p := range []string{"/api/categories", "/api/inventory", "/app.css", "/index.html", "/hello"} {
		e.hits[p] = &atomic.Int32{}
	}

	e.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, ok := e.hits[r.URL.Path]; ok {
			c.Add(1)
		}
		switch r.URL.Path {
		case "/api/categories":
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `["tools","paint"]`)
		case "/api/inventory":
			body, _ := io.ReadAll(r.Body)
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"success":true,"echo":`+string(body)+`}`)
		case "/app.css":
			w.Header().Set("Content-Type", "text/css")
			io.WriteString(w, "body{margin:0}")
		case "/index.html":
			w.Header().Set("Content-Type", "text/html")
			io.WriteString(w, "<html>shell</html>")
		case "/hello":
			io.WriteString(w, "hello")
		case "/big":
			w.Header().Set("Content-Length", strconv.Itoa(bigBody))
			w.Write(bytes.Repeat([]byte("x"), bigBody))
		case "/big-chunked":
			for i := 0; i < bigBody/(1<<20); i++ {
				w.Write(bytes.Repeat([]byte("y"), 1<<20))
				w.(http.Flusher).Flush()
			}
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(e.upstream.Close)
	e.link = &switchable{base: e.upstream.Client().Transport}

	var err error
	e.st, err = store.Open(filepath.Join(t.TempDir(), "interceptor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { e.st.Close() })

	e.cache, err = cache.New(e.st, cache.WithClock(e.clock))
	require.NoError(t, err)
	t.Cleanup(e.cache.Close)

	e.queue, err = queue.Open(context.Background(), e.st,
		queue.WithClock(e.clock),
		queue.WithIDGenerator(queue.NewFixedGenerator(ids...)))
	require.NoError(t, err)

	e.tr = NewTransport(e.cache, e.queue,
		WithBase(e.link),
		WithReporter(e.net),
		WithTTL(time.Hour, 5*time.Second))
	return e
}

func (e *env) get(t *testing.T, path string, header ...string) (*http.Response, string, error) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.upstream.URL+path, nil)
	require.NoError(t, err)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := e.tr.RoundTrip(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body), nil
}

func (e *env) post(t *testing.T, path, body string) (*http.Response, string, error) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.upstream.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.tr.RoundTrip(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(out), nil
}

func TestPolicy_Classify(t *testing.T) {
	p := DefaultPolicy()
	p.StaticHosts = []string{"fonts.example.com"}
	p.APIHosts = []string{"script.example.com"}

	tests := []struct {
		url  string
		want Strategy
	}{
		{"http://app.local/css/app.css", CacheFirst},
		{"http://app.local/js/APP.JS", CacheFirst},
		{"http://app.local/icons/icon.png", CacheFirst},
		{"https://fonts.example.com/css2", CacheFirst},
		{"http://app.local/api/items", API},
		{"https://script.example.com/macros/exec", API},
		{"http://app.local/", NetworkFirst},
		{"http://app.local/apiary", NetworkFirst},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			assert.Equal(t, tt.want, p.Classify(req))
		})
	}
}

func TestTransport_NetworkFirstFallsBackToStale(t *testing.T) {
	e := newEnv(t)

	resp, body, err := e.get(t, "/api/categories")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get(HeaderCache), "served by the network")
	assert.Equal(t, `["tools","paint"]`, body)

	e.link.down.Store(true)
	e.clock.Advance(6 * time.Second)

	resp, body, err = e.get(t, "/api/categories")
	require.NoError(t, err)
	assert.Equal(t, "stale", resp.Header.Get(HeaderCache))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, `["tools","paint"]`, body)
	assert.False(t, e.net.Online(), "failure reported offline")

	e.link.down.Store(false)
	_, _, err = e.get(t, "/api/categories")
	require.NoError(t, err)
	assert.True(t, e.net.Online(), "response reported online")
	assert.Equal(t, int32(2), e.hits["/api/categories"].Load())
}

func TestTransport_NetworkFirstMissPropagates(t *testing.T) {
	e := newEnv(t)
	e.link.down.Store(true)

	_, _, err := e.get(t, "/api/categories")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "network is unreachable")
}

func TestTransport_CacheFirst(t *testing.T) {
	e := newEnv(t)

	_, body, err := e.get(t, "/app.css")
	require.NoError(t, err)
	assert.Equal(t, "body{margin:0}", body)

	resp, body, err := e.get(t, "/app.css")
	require.NoError(t, err)
	assert.Equal(t, "fresh", resp.Header.Get(HeaderCache))
	assert.Equal(t, "body{margin:0}", body)
	assert.Equal(t, int32(1), e.hits["/app.css"].Load(), "second read never hit the network")

	// Expired and unreachable: the stale copy still serves.
	e.clock.Advance(2 * time.Hour)
	e.link.down.Store(true)
	resp, _, err = e.get(t, "/app.css")
	require.NoError(t, err)
	assert.Equal(t, "stale", resp.Header.Get(HeaderCache))
}

func TestTransport_OfflineNavigation(t *testing.T) {
	e := newEnv(t)
	e.link.down.Store(true)

	resp, body, err := e.get(t, "/orders", "Accept", "text/html,application/xhtml+xml")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get(HeaderOffline))
	assert.Contains(t, body, "You are offline")

	e.link.down.Store(false)
	n, err := e.tr.Precache(context.Background(), []string{e.upstream.URL + "/index.html"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	e.link.down.Store(true)
	resp, body, err = e.get(t, "/orders", "Accept", "text/html")
	require.NoError(t, err)
	assert.Equal(t, "1", resp.Header.Get(HeaderOffline))
	assert.Equal(t, "<html>shell</html>", body)
}

func TestTransport_QueuesFailedAPIWrite(t *testing.T) {
	e := newEnv(t, "w1")
	e.link.down.Store(true)

	resp, body, err := e.post(t, "/api/inventory",
		`{"action":"submitInventory","data":{"sku":"A","qty":2},"priority":"high"}`)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "w1", resp.Header.Get(HeaderSyncID))
	assert.JSONEq(t, `{"success":true,"queued":true,"syncId":"w1"}`, body)

	rec, err := e.queue.Get(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, e.upstream.URL+"/api/inventory", rec.Endpoint)
	assert.Equal(t, "submitInventory", rec.Action)
	assert.Equal(t, `{"qty":2,"sku":"A"}`, string(rec.Payload))
	assert.Equal(t, "high", string(rec.Priority))
}

func TestTransport_UnqueueableWriteFails(t *testing.T) {
	e := newEnv(t)
	e.link.down.Store(true)

	_, _, err := e.post(t, "/api/inventory", `{"qty":2}`)
	require.Error(t, err)

	n, err := e.queue.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTransport_WriteOnlineIsForwarded(t *testing.T) {
	e := newEnv(t)

	resp, body, err := e.post(t, "/api/inventory", `{"action":"submitInventory","data":{"qty":1}}`)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"success":true,"echo":{"action":"submitInventory","data":{"qty":1}}}`, body)

	n, err := e.queue.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "forwarded writes are not queued")

	_, found, err := e.cache.Entry(context.Background(), "POST "+e.upstream.URL+"/api/inventory")
	require.NoError(t, err)
	assert.False(t, found, "writes are never cached")
}

func TestTransport_PrecacheReportsFailures(t *testing.T) {
	e := newEnv(t)

	n, err := e.tr.Precache(context.Background(), []string{
		e.upstream.URL + "/app.css",
		e.upstream.URL + "/missing.js",
	})
	assert.Equal(t, 1, n)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}

func TestTransport_LargeResponsesStreamUncached(t *testing.T) {
	for _, path := range []string{"/big", "/big-chunked"} {
		t.Run(path, func(t *testing.T) {
			e := newEnv(t)

			resp, body, err := e.get(t, path)
			require.NoError(t, err)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Len(t, body, bigBody)

			_, found, err := e.cache.Entry(context.Background(), "GET "+e.upstream.URL+path)
			require.NoError(t, err)
			assert.False(t, found, "oversized bodies are not cached")
		})
	}
}

func TestTransport_ErrorStatusIsPassedThrough(t *testing.T) {
	e := newEnv(t)

	resp, _, err := e.get(t, "/missing.js")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, found, err := e.cache.Entry(context.Background(), "GET "+e.upstream.URL+"/missing.js")
	require.NoError(t, err)
	assert.False(t, found)
}
