package interceptor

import (
	"net/http"
	"path"
	"strings"
)

// Strategy is how the transport serves a request.
type Strategy int

const (
	// NetworkFirst tries the network, falling back to a cached copy.
	NetworkFirst Strategy = iota

	// CacheFirst serves a fresh cached copy without touching the network.
	CacheFirst

	// API is NetworkFirst for the remote data service. Failed writes are
	// queued for background sync.
	API
)

func (s Strategy) String() string {
	switch s {
	case CacheFirst:
		return "cache-first"
	case API:
		return "api"
	}
	return "network-first"
}

// Policy routes requests to a strategy.
type Policy struct {
	// StaticExtensions are path suffixes served cache-first.
	StaticExtensions []string

	// StaticHosts are hosts whose resources are served cache-first.
	StaticHosts []string

	// APIPrefixes are path prefixes of the data API.
	APIPrefixes []string

	// APIHosts are hosts of the data API.
	APIHosts []string
}

// DefaultPolicy treats stylesheets, scripts, images and fonts as static and
// /api/ as the data API.
func DefaultPolicy() Policy {
	return Policy{
		StaticExtensions: []string{
			".css", ".js", ".png", ".jpg", ".jpeg", ".gif",
			".ico", ".svg", ".woff", ".woff2", ".ttf",
		},
		APIPrefixes: []string{"/api/"},
	}
}

// Classify returns the strategy for req.
func (p Policy) Classify(req *http.Request) Strategy {
	host := req.URL.Hostname()
	if containsFold(p.StaticHosts, host) {
		return CacheFirst
	}
	if ext := path.Ext(req.URL.Path); ext != "" && containsFold(p.StaticExtensions, ext) {
		return CacheFirst
	}
	if containsFold(p.APIHosts, host) {
		return API
	}
	for _, prefix := range p.APIPrefixes {
		if strings.HasPrefix(req.URL.Path, prefix) {
			return API
		}
	}
	return NetworkFirst
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// isNavigation reports whether req loads a page rather than a subresource.
func isNavigation(req *http.Request) bool {
	return req.Method == http.MethodGet && strings.Contains(req.Header.Get("Accept"), "text/html")
}
