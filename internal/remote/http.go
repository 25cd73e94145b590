package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/roach88/offsync/internal/model"
)

// maxResponseBytes bounds how much of a reply body is read.
const maxResponseBytes = 1 << 20

// HTTPEndpoint posts requests as JSON to a URL resolved from the request's
// endpoint name.
type HTTPEndpoint struct {
	client *http.Client
	routes map[string]string
	header http.Header
}

// HTTPOption configures an HTTPEndpoint.
type HTTPOption func(*HTTPEndpoint)

// WithClient sets the HTTP client. The default has a 30 second timeout.
func WithClient(c *http.Client) HTTPOption {
	return func(e *HTTPEndpoint) {
		e.client = c
	}
}

// WithHeader adds a header sent with every request (e.g. an auth token
// supplied by the session layer).
func WithHeader(key, value string) HTTPOption {
	return func(e *HTTPEndpoint) {
		e.header.Add(key, value)
	}
}

// NewHTTPEndpoint creates an endpoint. routes maps logical endpoint names to
// URLs; an endpoint that is already an absolute http(s) URL is used as is.
func NewHTTPEndpoint(routes map[string]string, opts ...HTTPOption) *HTTPEndpoint {
	e := &HTTPEndpoint{
		client: &http.Client{Timeout: 30 * time.Second},
		routes: routes,
		header: make(http.Header),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Resolve returns the URL for a logical endpoint name.
func (e *HTTPEndpoint) Resolve(endpoint string) (string, error) {
	if u, ok := e.routes[endpoint]; ok {
		return u, nil
	}
	if u, err := url.Parse(endpoint); err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
		return endpoint, nil
	}
	return "", model.NewPermanentError(fmt.Sprintf("unknown endpoint %q", endpoint), nil)
}

// Send posts req and classifies the outcome:
//   - dial errors, timeouts, 5xx and 429 are transient
//   - other 4xx, success:false and unknown endpoints are permanent
//   - a 2xx body that is not JSON counts as an ack
func (e *HTTPEndpoint) Send(ctx context.Context, req Request) (Response, error) {
	target, err := e.Resolve(req.Endpoint)
	if err != nil {
		return Response{}, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, model.NewPermanentError("encode request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return Response{}, model.NewPermanentError("build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.SyncID)
	for k, vs := range e.header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	httpResp, err := e.client.Do(httpReq)
	if err != nil {
		return Response{}, model.NewTransientError("send request", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return Response{}, model.NewTransientError("read response", err)
	}

	return classify(httpResp.StatusCode, raw)
}

func classify(status int, raw []byte) (Response, error) {
	switch {
	case status >= 500 || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout:
		return Response{}, model.NewTransientError(fmt.Sprintf("remote returned %d", status), errors.New(snippet(raw)))
	case status >= 400:
		return Response{}, model.NewPermanentError(fmt.Sprintf("remote returned %d", status), errors.New(snippet(raw)))
	case status < 200 || status >= 300:
		return Response{}, model.NewTransientError(fmt.Sprintf("unexpected status %d", status), nil)
	}

	var resp Response
	if len(bytes.TrimSpace(raw)) == 0 || json.Unmarshal(raw, &resp) != nil {
		// Non-JSON 2xx: the remote accepted the write but replied with a page
		// or plain text.
		return Ack(), nil
	}
	if !resp.Acked() {
		msg := resp.Error
		if msg == "" {
			msg = "remote rejected the request"
		}
		return resp, model.NewPermanentError(msg, nil)
	}
	return resp, nil
}

// maxSnippet bounds the body quoted in error messages, in bytes.
const maxSnippet = 200

func snippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > maxSnippet {
		cut := maxSnippet
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "..."
	}
	if s == "" {
		s = "empty body"
	}
	return s
}
