package interceptor

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/roach88/offsync/internal/cache"
	"github.com/roach88/offsync/internal/engine"
	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/netmon"
	"github.com/roach88/offsync/internal/queue"
)

// AdminPrefix is the path prefix of the control routes.
const AdminPrefix = "/_offsync"

// Components are the engine parts the server exposes.
type Components struct {
	Queue       *queue.Queue
	Cache       *cache.Store
	Monitor     *netmon.Monitor
	Coordinator *engine.Coordinator
	Transport   *Transport
}

// Server reverse-proxies to the upstream application through the
// Transport and serves the control routes under AdminPrefix.
type Server struct {
	router   chi.Router
	upstream *url.URL
	c        Components
}

// NewServer creates a server proxying to upstream.
func NewServer(upstream *url.URL, c Components) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		upstream: upstream,
		c:        c,
	}

	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.SetXForwarded()
		},
		Transport: c.Transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			slog.Warn("upstream unavailable", "path", r.URL.Path, "error", err)
			writeError(w, http.StatusBadGateway, err)
		},
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(logRequests)

	s.router.Route(AdminPrefix, func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/sync", s.handleSync)
		r.Post("/enqueue", s.handleEnqueue)
		r.Delete("/cache", s.handleClearCache)
		r.Get("/export", s.handleExport)
		r.Post("/import", s.handleImport)
		r.Post("/precache", s.handlePrecache)
	})
	s.router.Handle("/*", proxy)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Status is the body of GET /_offsync/status.
type Status struct {
	Queue   model.QueueStats   `json:"queue"`
	Cache   cache.Stats        `json:"cache"`
	Network model.NetworkState `json:"network"`
	Syncing bool               `json:"syncing"`
	LastRun *model.SyncRun     `json:"last_run,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var st Status
	var err error

	if st.Queue, err = s.c.Queue.Stats(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if st.Cache, err = s.c.Cache.Stats(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	st.Network = s.c.Monitor.State()
	st.Syncing = s.c.Coordinator.Running()

	run, found, err := s.c.Coordinator.LastRun(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if found {
		st.LastRun = &run
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	stats, err := s.c.Coordinator.ManualSync(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type enqueueRequest struct {
	Endpoint string          `json:"endpoint"`
	Action   string          `json:"action"`
	Data     json.RawMessage `json:"data"`
	Payload  json.RawMessage `json:"payload"`
	Priority model.Priority  `json:"priority,omitempty"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCachedBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	payload := req.Payload
	if len(payload) == 0 {
		payload = req.Data
	}

	id, err := s.c.Queue.Enqueue(r.Context(), model.NewMutation{
		Endpoint: req.Endpoint,
		Action:   req.Action,
		Payload:  payload,
		Priority: req.Priority,
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if s.c.Monitor.Online() {
		s.c.Coordinator.Trigger()
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"syncId": id})
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	n, err := s.c.Cache.Clear(r.Context(), r.URL.Query().Get("prefix"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

// maxImportBody bounds an uploaded queue snapshot.
const maxImportBody = 64 << 20

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	res, err := s.c.Queue.Import(r.Context(), http.MaxBytesReader(w, r.Body, maxImportBody))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="offsync-queue-%s.json"`, time.Now().UTC().Format("20060102-150405")))
	if err := s.c.Queue.Export(r.Context(), w); err != nil {
		slog.Error("queue export failed", "error", err)
	}
}

type precacheRequest struct {
	URLs []string `json:"urls"`
}

type precacheResponse struct {
	Stored int    `json:"stored"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) handlePrecache(w http.ResponseWriter, r *http.Request) {
	var req precacheRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	urls := make([]string, 0, len(req.URLs))
	for _, raw := range req.URLs {
		ref, err := url.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("url %q: %w", raw, err))
			return
		}
		urls = append(urls, s.upstream.ResolveReference(ref).String())
	}

	stored, err := s.c.Transport.Precache(r.Context(), urls)
	resp := precacheResponse{Stored: stored}
	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, resp)
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case model.IsValidationError(err):
		return http.StatusBadRequest
	case model.IsNotOnline(err):
		return http.StatusServiceUnavailable
	case model.IsLockContention(err):
		return http.StatusConflict
	case model.IsQuotaError(err):
		return http.StatusInsufficientStorage
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	Error string          `json:"error"`
	Code  model.ErrorCode `json:"code,omitempty"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	body := errorBody{Error: err.Error()}
	var me *model.Error
	if errors.As(err, &me) {
		body.Code = me.Code
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "error", err)
	}
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
