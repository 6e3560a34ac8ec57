// Package api exposes the HTTP surface of the gateway: connection lifecycle,
// signed query execution and export, transactions, schema inspection, and
// the admin cleanup trigger.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/querygate/querygate/internal/config"
	"github.com/querygate/querygate/internal/metrics"
	"github.com/querygate/querygate/internal/ratelimit"
	"github.com/querygate/querygate/internal/sanitize"
	"github.com/querygate/querygate/internal/session"
)

// maxBodyBytes caps request bodies at 1 MB.
const maxBodyBytes = 1 << 20

// SessionStore is the session lifecycle surface the handlers use.
// *session.Manager satisfies it.
type SessionStore interface {
	Create(ctx context.Context, params session.CreateParams) (*session.CreateResult, error)
	Get(id string) (*session.Session, bool)
	SetAllowDestructive(id string, allow bool) error
	Close(ctx context.Context, id string) error
	Count() int
}

// CleanupRunner triggers the tenant database sweep. *schedule.Scheduler
// satisfies it.
type CleanupRunner interface {
	RunCleanup(ctx context.Context) error
}

// Server wires the HTTP handlers to the gateway subsystems.
type Server struct {
	cfg       *config.Config
	sessions  SessionStore
	scheduler CleanupRunner
	validator *sanitize.Validator
	metrics   *metrics.Collector

	queryLimiter *ratelimit.Limiter
	connLimiter  *ratelimit.Limiter

	httpSrv *http.Server
}

// Deps carries the subsystems the server depends on.
type Deps struct {
	Config       *config.Config
	Sessions     SessionStore
	Scheduler    CleanupRunner
	Metrics      *metrics.Collector
	QueryLimiter *ratelimit.Limiter
	ConnLimiter  *ratelimit.Limiter
}

func NewServer(deps Deps) *Server {
	s := &Server{
		cfg:          deps.Config,
		sessions:     deps.Sessions,
		scheduler:    deps.Scheduler,
		validator:    sanitize.New(deps.Config.Query),
		metrics:      deps.Metrics,
		queryLimiter: deps.QueryLimiter,
		connLimiter:  deps.ConnLimiter,
	}

	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", deps.Config.Listen.Bind, deps.Config.Listen.Port),
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}
	return s
}

// Router builds the full route table. Exposed for handler tests.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.securityHeaders, s.bodyLimit)

	conn := r.PathPrefix("/connections").Subrouter()
	conn.Use(s.rateLimit(s.connLimiter, "connection"))
	conn.HandleFunc("/test", s.handleConnectionTest).Methods(http.MethodPost)
	conn.HandleFunc("/connect", s.handleConnect).Methods(http.MethodPost)
	conn.HandleFunc("/disconnect", s.handleDisconnect).Methods(http.MethodPost)
	conn.HandleFunc("/keepalive", s.handleKeepalive).Methods(http.MethodPost)
	conn.HandleFunc("/session-extend", s.handleSessionExtend).Methods(http.MethodPost)

	query := r.NewRoute().Subrouter()
	query.Use(s.rateLimit(s.queryLimiter, "query"))
	query.HandleFunc("/query/execute", s.handleExecute).Methods(http.MethodPost)
	query.HandleFunc("/query/export", s.handleExport).Methods(http.MethodPost)
	query.HandleFunc("/transaction", s.handleTransaction).Methods(http.MethodPost)
	query.HandleFunc("/schema/databases", s.handleSchemaDatabases).Methods(http.MethodGet)
	query.HandleFunc("/schema/tables", s.handleSchemaTables).Methods(http.MethodGet)
	query.HandleFunc("/schema/columns", s.handleSchemaColumns).Methods(http.MethodGet)

	r.HandleFunc("/config/databases", s.handleConfigDatabases).Methods(http.MethodGet)
	r.HandleFunc("/admin/cleanup", s.handleAdminCleanup)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))

	return r
}

func (s *Server) Start() error {
	slog.Info("http server listening", "addr", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": s.sessions.Count(),
	})
}

// writeJSON renders a response body; encoding failures are logged only.
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("write response failed", "error", err)
	}
}

// writeError renders the uniform failure envelope.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   msg,
	})
}
