package interceptor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
)

// Response headers set on responses not served by the network.
const (
	HeaderCache   = "X-Offsync-Cache"
	HeaderOffline = "X-Offsync-Offline"
	HeaderSyncID  = "X-Offsync-Sync-Id"
)

// maxCachedBody bounds bodies buffered for the cache. Larger responses are
// streamed through uncached.
const maxCachedBody = 8 << 20

// envelope is an HTTP response as stored in the cache.
type envelope struct {
	Status int         `json:"status"`
	Header http.Header `json:"header"`
	Body   []byte      `json:"body"`
}

// fetched is a network response. It is buffered into env when it may be
// cached, otherwise it stays a stream that exactly one caller consumes.
type fetched struct {
	env    envelope
	stream *stream
}

// stream hands a live response to the first caller that takes it. Callers
// that shared the fetch but lost the race must fetch again.
type stream struct {
	once sync.Once
	resp *http.Response
}

func (s *stream) take() *http.Response {
	var resp *http.Response
	s.once.Do(func() { resp = s.resp })
	return resp
}

// cacheable reports whether resp to req may be stored, and so is worth
// buffering.
func cacheable(req *http.Request, resp *http.Response) bool {
	return req.Method == http.MethodGet &&
		resp.StatusCode >= 200 && resp.StatusCode < 300 &&
		resp.ContentLength <= maxCachedBody
}

// capture buffers resp, closing its body. If the body turns out longer than
// maxCachedBody it is returned as a stream instead: the bytes already read
// followed by the rest.
func capture(resp *http.Response) (fetched, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCachedBody+1))
	if err != nil {
		resp.Body.Close()
		return fetched{}, fmt.Errorf("read response body: %w", err)
	}
	if len(body) > maxCachedBody {
		resp.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(body), resp.Body), resp.Body}
		return fetched{stream: &stream{resp: resp}}, nil
	}
	resp.Body.Close()
	return fetched{env: envelope{Status: resp.StatusCode, Header: resp.Header.Clone(), Body: body}}, nil
}

// cancelOnClose releases a request's context once its streamed body is
// closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func (e envelope) ok() bool {
	return e.Status >= 200 && e.Status < 300
}

// response builds a fresh *http.Response for req. Every call returns an
// independent body.
func (e envelope) response(req *http.Request) *http.Response {
	h := e.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	h.Set("Content-Length", strconv.Itoa(len(e.Body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

// cacheKey is the cache key of a GET for u. The fragment never reaches the
// server and is dropped.
func cacheKey(u *url.URL) string {
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	return "GET " + c.String()
}

// shellKey is the cache key of the offline navigation shell for u's origin.
func shellKey(u *url.URL) string {
	return cacheKey(&url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/index.html"})
}

const offlinePage = `<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>Offline</title>
</head>
<body>
<h1>You are offline</h1>
<p>Changes you make are saved on this device and will sync when the connection returns.</p>
<button onclick="window.location.reload()">Reload</button>
</body>
</html>
`

func offlineResponse(req *http.Request) *http.Response {
	e := envelope{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"text/html; charset=utf-8"}},
		Body:   []byte(offlinePage),
	}
	resp := e.response(req)
	resp.Header.Set(HeaderOffline, "1")
	return resp
}
