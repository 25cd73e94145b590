package netmon

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// HTTPProber reports online if a HEAD request to URL gets any response.
// Status codes are ignored: a 404 still proves the network path works.
type HTTPProber struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
}

// NewHTTPProber creates a prober with a 5 second timeout.
func NewHTTPProber(url string) *HTTPProber {
	return &HTTPProber{URL: url, Client: http.DefaultClient, Timeout: 5 * time.Second}
}

// Probe issues one HEAD request.
func (p *HTTPProber) Probe(ctx context.Context) bool {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		slog.Error("invalid probe url", "url", p.URL, "error", err)
		return false
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		slog.Debug("probe failed", "url", p.URL, "error", err)
		return false
	}
	resp.Body.Close()
	return true
}
