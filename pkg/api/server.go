// Package api serves the read-only dashboard API over the store and the
// report directories.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/vjranagit/luxlogger/internal/logging"
	"github.com/vjranagit/luxlogger/internal/metrics"
	"github.com/vjranagit/luxlogger/pkg/report"
	"github.com/vjranagit/luxlogger/pkg/storage"
)

// Server implements the HTTP API server
type Server struct {
	store     *storage.Store
	renderer  *report.Renderer
	metrics   *metrics.Metrics
	addr      string
	accessLog io.Writer
	now       func() time.Time
	logger    *slog.Logger

	mu      sync.Mutex
	server  *http.Server
	stopped bool
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics serves /metrics from m and instruments every route.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithAccessLog writes combined-format access logs to w.
func WithAccessLog(w io.Writer) Option {
	return func(s *Server) { s.accessLog = w }
}

// WithClock overrides the time source for default query ranges.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a new API server
func NewServer(addr string, store *storage.Store, renderer *report.Renderer, opts ...Option) *Server {
	s := &Server{
		store:     store,
		renderer:  renderer,
		addr:      addr,
		accessLog: os.Stdout,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.Component("api")
	}
	return s
}

// Handler returns the routed and wrapped handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	route := func(path string, h http.HandlerFunc) {
		r.Handle(path, s.metrics.WrapHandler(path, h)).Methods(http.MethodGet)
	}

	route("/health", s.handleHealth)
	route("/api/v1/status", s.handleStatus)
	route("/api/v1/readings", s.handleReadings)
	route("/api/v1/sensors/{id}/summary", s.handleSensorSummary)
	route("/api/v1/reports", s.handleReports)
	route("/api/v1/reports/{kind}/{filename}", s.handleDownload)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	var h http.Handler = r
	h = requestID(h)
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{s.logger}))(h)
	if s.accessLog != nil {
		h = handlers.CombinedLoggingHandler(s.accessLog, h)
	}
	return h
}

// Start starts the HTTP server and blocks until it stops. A clean Stop
// returns nil.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	s.server = srv
	s.mu.Unlock()

	s.logger.Info("API server listening", "addr", s.addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	srv := s.server
	s.mu.Unlock()

	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// requestID keeps a caller supplied id or assigns a new one.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(RequestIDHeader, id)
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

type recoveryLogger struct {
	logger *slog.Logger
}

func (l recoveryLogger) Println(v ...interface{}) {
	l.logger.Error("panic in handler", "panic", fmt.Sprint(v...))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
