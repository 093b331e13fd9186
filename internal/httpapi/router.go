package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lukasbauer/negocia/internal/eventlog"
	"github.com/lukasbauer/negocia/internal/ingest"
	"github.com/lukasbauer/negocia/internal/insight"
	"github.com/lukasbauer/negocia/internal/query"
	"github.com/lukasbauer/negocia/internal/registry"
	"github.com/lukasbauer/negocia/internal/store"
)

type RouterConfig struct {
	Environment string
	Version     string

	// Admin access (HS256 tokens with role "admin"); empty disables admin routes
	AdminJWTSecret string

	// Webhook idempotency
	IdempotencyTTL     time.Duration
	IdempotencyEntries int

	// Websocket push
	WSPollInterval time.Duration
}

// ExportReader looks up exported sessions for the admin surface.
type ExportReader interface {
	Get(ctx context.Context, sessionID string) (insight.Record, error)
	ListExports(ctx context.Context, limit int) ([]store.ExportSummary, error)
}

// HistoryReader reads the session event journal.
type HistoryReader interface {
	ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]store.SessionEvent, error)
}

// Deps are the pipeline components served over HTTP.
type Deps struct {
	Coordinator *ingest.Coordinator
	Query       *query.Service
	Registry    *registry.Registry
	Exports     ExportReader  // optional
	History     HistoryReader // optional
	EventLog    *eventlog.Logger
	Inflight    *Inflight // optional; readiness and drain tracking
}

type Router struct {
	cfg      RouterConfig
	logger   *log.Logger
	coord    *ingest.Coordinator
	query    *query.Service
	registry *registry.Registry
	exports  ExportReader
	history  HistoryReader
	eventLog *eventlog.Logger
	inflight *Inflight
	idem     *idempotencyCache
	started  time.Time
	mux      *http.ServeMux
}

func NewRouter(cfg RouterConfig, logger *log.Logger, d Deps) http.Handler {
	r := newRouter(cfg, logger, d)
	return withSentryRecovery(withRequestLog(logger, withCORS(r.mux)))
}

func newRouter(cfg RouterConfig, logger *log.Logger, d Deps) *Router {
	if cfg.IdempotencyTTL == 0 {
		cfg.IdempotencyTTL = 10 * time.Minute
	}
	if cfg.IdempotencyEntries == 0 {
		cfg.IdempotencyEntries = 10000
	}
	if cfg.WSPollInterval == 0 {
		cfg.WSPollInterval = 500 * time.Millisecond
	}
	inflight := d.Inflight
	if inflight == nil {
		inflight = NewInflight()
	}
	r := &Router{
		cfg:      cfg,
		logger:   logger,
		coord:    d.Coordinator,
		query:    d.Query,
		registry: d.Registry,
		exports:  d.Exports,
		history:  d.History,
		eventLog: d.EventLog,
		inflight: inflight,
		idem:     newIdempotencyCache(cfg.IdempotencyTTL, cfg.IdempotencyEntries),
		started:  time.Now(),
		mux:      http.NewServeMux(),
	}
	r.routes()
	return r
}

func (r *Router) routes() {
	// Health check
	r.mux.HandleFunc("GET /healthz", r.handleHealthz)
	r.mux.HandleFunc("GET /health", r.handleHealth)
	r.mux.HandleFunc("GET /readyz", r.handleReadyz)
	r.mux.Handle("GET /metrics", promhttp.Handler())

	// Transcript ingestion
	r.mux.HandleFunc("POST /omi/webhook", r.handleOmiWebhook)
	r.mux.HandleFunc("POST /omi/sessions/{id}/end", r.handleEndSession)
	r.mux.HandleFunc("POST /events", r.handleRawEvent)

	// Session analytics
	r.mux.HandleFunc("GET /omi/sessions", r.handleListSessions)
	r.mux.HandleFunc("GET /omi/sessions/{id}", r.handleGetSession)
	r.mux.HandleFunc("GET /omi/sessions/{id}/summary", r.handleSessionSummary)
	r.mux.HandleFunc("GET /omi/sessions/{id}/transcript", r.handleSessionTranscript)
	r.mux.HandleFunc("GET /omi/sessions/{id}/insights", r.handleGetInsights)

	// Insights
	r.mux.HandleFunc("GET /insights/{id}", r.handleGetInsights)
	r.mux.HandleFunc("GET /insights/{id}/coaching", r.handleCoaching)
	r.mux.HandleFunc("GET /insights/{id}/ws", r.handleInsightsWS)

	// Admin endpoints (requires admin token)
	if r.cfg.AdminJWTSecret != "" {
		r.mux.HandleFunc("GET /admin/sessions", r.withAdmin(r.handleAdminListSessions))
		r.mux.HandleFunc("POST /admin/sessions/{id}/close", r.withAdmin(r.handleAdminCloseSession))
		r.mux.HandleFunc("GET /admin/sessions/{id}/events", r.withAdmin(r.handleAdminSessionEvents))
		r.mux.HandleFunc("GET /admin/exports", r.withAdmin(r.handleAdminListExports))
		r.mux.HandleFunc("GET /admin/exports/{id}", r.withAdmin(r.handleAdminGetExport))
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"version":        r.cfg.Version,
		"environment":    r.cfg.Environment,
		"uptime_seconds": time.Since(r.started).Round(10 * time.Millisecond).Seconds(),
		"events_dropped": r.eventLog.Dropped(),
	})
}

func (r *Router) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if r.inflight.IsDraining() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeLookupError maps read-path errors to responses.
func (r *Router) writeLookupError(w http.ResponseWriter, req *http.Request, err error) {
	if errors.Is(err, insight.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("session %q not found", req.PathValue("id")))
		return
	}
	r.logger.Printf("http: lookup failed path=%s err=%v", req.URL.Path, err)
	captureError(req, err, "lookup failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization,X-Idempotency-Key,X-Request-Id")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// statusRecorder captures the response status for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

// Hijack lets websocket upgrades pass through the recorder.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// withRequestLog logs method, path, status and latency of every request and
// propagates or assigns an X-Request-Id.
func withRequestLog(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		id := req.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)

		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, req)

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		logger.Printf("http: method=%s path=%s status=%d duration=%s request_id=%s",
			req.Method, req.URL.Path, status, time.Since(start).Round(time.Microsecond), id)
	})
}

// captureError sends an error to Sentry with request context
func captureError(req *http.Request, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}
