package interceptor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/roach88/offsync/internal/cache"
	"github.com/roach88/offsync/internal/model"
)

// Reporter receives connectivity signals. Implemented by *netmon.Monitor.
type Reporter interface {
	Report(online bool)
}

// Enqueuer stores a write for background sync. Implemented by *queue.Queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, m model.NewMutation) (string, error)
}

// Transport is an http.RoundTripper that serves requests from the network
// or the cache according to a Policy, and queues API writes that cannot
// reach the network.
type Transport struct {
	base      http.RoundTripper
	cache     *cache.Store
	queue     Enqueuer
	net       Reporter
	policy    Policy
	timeout   time.Duration
	staticTTL time.Duration
	apiTTL    time.Duration

	group singleflight.Group
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithBase sets the RoundTripper used for network requests. Defaults to
// http.DefaultTransport.
func WithBase(rt http.RoundTripper) TransportOption {
	return func(t *Transport) { t.base = rt }
}

// WithPolicy sets the routing policy. Defaults to DefaultPolicy.
func WithPolicy(p Policy) TransportOption {
	return func(t *Transport) { t.policy = p }
}

// WithRequestTimeout bounds each network request. Defaults to 30s.
func WithRequestTimeout(d time.Duration) TransportOption {
	return func(t *Transport) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithTTL sets cache lifetimes for static resources and for everything
// else. Zero uses the cache's default TTL.
func WithTTL(static, api time.Duration) TransportOption {
	return func(t *Transport) {
		t.staticTTL = static
		t.apiTTL = api
	}
}

// WithReporter feeds transport outcomes to r.
func WithReporter(r Reporter) TransportOption {
	return func(t *Transport) { t.net = r }
}

// NewTransport creates a transport over c, queuing failed writes on q.
func NewTransport(c *cache.Store, q Enqueuer, opts ...TransportOption) *Transport {
	t := &Transport{
		base:      http.DefaultTransport,
		cache:     c,
		queue:     q,
		policy:    DefaultPolicy(),
		timeout:   30 * time.Second,
		staticTTL: 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
		return t.base.RoundTrip(req)
	}
	switch t.policy.Classify(req) {
	case CacheFirst:
		return t.cacheFirst(req)
	case API:
		return t.networkFirst(req, true)
	default:
		return t.networkFirst(req, false)
	}
}

func (t *Transport) cacheFirst(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet {
		return t.networkFirst(req, false)
	}
	key := cacheKey(req.URL)
	cached, freshness, hit := t.lookup(req.Context(), key)
	if hit && freshness == cache.Fresh {
		return serve(req, cached, freshness), nil
	}

	f, err := t.fetch(req)
	if err == nil {
		return t.respond(req, f, key, t.staticTTL), nil
	}
	if hit {
		return serve(req, cached, freshness), nil
	}
	if isNavigation(req) {
		return t.offline(req), nil
	}
	return nil, err
}

func (t *Transport) networkFirst(req *http.Request, api bool) (*http.Response, error) {
	req, body, err := bufferBody(req)
	if err != nil {
		return nil, err
	}

	f, err := t.fetch(req)
	if err == nil {
		return t.respond(req, f, cacheKey(req.URL), t.apiTTL), nil
	}

	if req.Method == http.MethodGet {
		if cached, freshness, hit := t.lookup(req.Context(), cacheKey(req.URL)); hit {
			return serve(req, cached, freshness), nil
		}
		if isNavigation(req) {
			return t.offline(req), nil
		}
		return nil, err
	}
	if api {
		if resp, ok := t.enqueue(req, body); ok {
			return resp, nil
		}
	}
	return nil, err
}

// respond returns f to the caller, storing it under key first if it was
// buffered as a successful GET.
func (t *Transport) respond(req *http.Request, f fetched, key string, ttl time.Duration) *http.Response {
	if f.stream != nil {
		return f.stream.take()
	}
	if req.Method == http.MethodGet && f.env.ok() {
		t.store(req.Context(), key, f.env, ttl)
	}
	return f.env.response(req)
}

// fetch performs req on the network. Concurrent identical GETs share one
// request; a caller that shares a streamed response someone else already
// took fetches its own.
func (t *Transport) fetch(req *http.Request) (fetched, error) {
	if req.Method != http.MethodGet {
		return t.roundTrip(req)
	}
	v, err, shared := t.group.Do(cacheKey(req.URL), func() (any, error) {
		return t.roundTrip(req)
	})
	if err != nil {
		return fetched{}, err
	}
	f := v.(fetched)
	if !shared {
		return f, nil
	}
	slog.Debug("shared in-flight fetch", "url", req.URL.Redacted())
	if f.stream == nil {
		return f, nil
	}
	if resp := f.stream.take(); resp != nil {
		return fetched{stream: &stream{resp: resp}}, nil
	}
	return t.roundTrip(req)
}

// roundTrip sends req with the request timeout. A response that may be
// cached is buffered under the timeout; any other is streamed, and the
// timeout stops applying once its headers arrive.
func (t *Transport) roundTrip(req *http.Request) (fetched, error) {
	ctx, cancel := context.WithCancel(req.Context())
	timer := time.AfterFunc(t.timeout, cancel)

	resp, err := t.base.RoundTrip(req.WithContext(ctx))
	if err != nil {
		timer.Stop()
		cancel()
		if req.Context().Err() == nil {
			t.report(false)
		}
		return fetched{}, fmt.Errorf("%s %s: %w", req.Method, req.URL.Redacted(), err)
	}
	t.report(true)

	if !cacheable(req, resp) {
		timer.Stop()
		resp.Body = cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
		return fetched{stream: &stream{resp: resp}}, nil
	}

	f, err := capture(resp)
	timer.Stop()
	if err != nil {
		cancel()
		return fetched{}, fmt.Errorf("%s %s: %w", req.Method, req.URL.Redacted(), err)
	}
	if f.stream != nil {
		f.stream.resp.Body = cancelOnClose{ReadCloser: f.stream.resp.Body, cancel: cancel}
	} else {
		cancel()
	}
	return f, nil
}

func (t *Transport) report(online bool) {
	if t.net != nil {
		t.net.Report(online)
	}
}

func (t *Transport) lookup(ctx context.Context, key string) (envelope, cache.Freshness, bool) {
	var e envelope
	freshness, err := t.cache.GetInto(ctx, key, true, &e)
	switch {
	case err == nil:
		return e, freshness, true
	case !errors.Is(err, cache.ErrMiss):
		slog.Warn("cache lookup failed", "key", key, "error", err)
	}
	return envelope{}, 0, false
}

func (t *Transport) store(ctx context.Context, key string, e envelope, ttl time.Duration) {
	if err := t.cache.Set(context.WithoutCancel(ctx), key, e, ttl); err != nil {
		slog.Warn("cache store failed", "key", key, "error", err)
	}
}

func (t *Transport) offline(req *http.Request) *http.Response {
	if shell, _, hit := t.lookup(req.Context(), shellKey(req.URL)); hit {
		resp := shell.response(req)
		resp.Header.Set(HeaderOffline, "1")
		return resp
	}
	return offlineResponse(req)
}

// queuedWrite is the body shape of an API write the transport can queue.
type queuedWrite struct {
	Action   string          `json:"action"`
	Data     json.RawMessage `json:"data"`
	Priority model.Priority  `json:"priority,omitempty"`
}

// enqueue stores a failed API write for background sync and answers 202.
// ok is false if the body is not a queueable write or the queue refused it.
func (t *Transport) enqueue(req *http.Request, body []byte) (*http.Response, bool) {
	if t.queue == nil {
		return nil, false
	}
	var w queuedWrite
	if err := json.Unmarshal(body, &w); err != nil || w.Action == "" || len(w.Data) == 0 {
		return nil, false
	}

	endpoint := *req.URL
	endpoint.Fragment = ""
	id, err := t.queue.Enqueue(context.WithoutCancel(req.Context()), model.NewMutation{
		Endpoint: endpoint.String(),
		Action:   w.Action,
		Payload:  w.Data,
		Priority: w.Priority,
	})
	if err != nil {
		slog.Error("failed to queue offline write", "url", req.URL.Redacted(), "action", w.Action, "error", err)
		return nil, false
	}
	slog.Info("queued offline write", "id", id, "action", w.Action)

	reply, _ := json.Marshal(map[string]any{"success": true, "queued": true, "syncId": id})
	resp := envelope{
		Status: http.StatusAccepted,
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   reply,
	}.response(req)
	resp.Header.Set(HeaderSyncID, id)
	return resp, true
}

// Precache fetches urls and stores every successful response as a static
// resource. Returns the number stored; failures are joined into err.
func (t *Transport) Precache(ctx context.Context, urls []string) (int, error) {
	var (
		g       errgroup.Group
		results = make([]error, len(urls))
	)
	g.SetLimit(4)
	for i, u := range urls {
		g.Go(func() error {
			results[i] = t.precacheOne(ctx, u)
			return nil
		})
	}
	_ = g.Wait()

	stored := 0
	for _, err := range results {
		if err == nil {
			stored++
		}
	}
	slog.Info("precache finished", "requested", len(urls), "stored", stored)
	return stored, errors.Join(results...)
}

func (t *Transport) precacheOne(ctx context.Context, rawURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("precache %s: %w", rawURL, err)
	}
	f, err := t.fetch(req)
	if err != nil {
		return fmt.Errorf("precache: %w", err)
	}
	if f.stream != nil {
		// Not cacheable: an error status or a body over the limit.
		if resp := f.stream.take(); resp != nil {
			resp.Body.Close()
			return fmt.Errorf("precache %s: status %d, length %d: not cacheable", rawURL, resp.StatusCode, resp.ContentLength)
		}
		return fmt.Errorf("precache %s: not cacheable", rawURL)
	}
	t.store(ctx, cacheKey(req.URL), f.env, t.staticTTL)
	return nil
}

func serve(req *http.Request, e envelope, f cache.Freshness) *http.Response {
	resp := e.response(req)
	resp.Header.Set(HeaderCache, f.String())
	return resp
}

// bufferBody reads a write's body so it can be queued if the network
// fails. The returned request carries a replayable copy.
func bufferBody(req *http.Request) (*http.Request, []byte, error) {
	if req.Body == nil || req.Body == http.NoBody || req.Method == http.MethodGet || req.Method == http.MethodHead {
		return req, nil, nil
	}
	body, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, nil, fmt.Errorf("read request body: %w", err)
	}
	out := req.Clone(req.Context())
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	out.ContentLength = int64(len(body))
	return out, body, nil
}
