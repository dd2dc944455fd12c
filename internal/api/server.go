// Package api implements the device's HTTP control endpoint.
//
// Request handling is split across two goroutines. net/http accepts the
// connection, routes it and checks the API key; every route that touches
// agent state is then queued and executed by the coordinator goroutine,
// one request per tick, through [Server.Poll]. Read-only Prometheus
// scrapes are served directly.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/net/netutil"

	"github.com/nugget/roost/internal/config"
	"github.com/nugget/roost/internal/metrics"
	"github.com/nugget/roost/internal/status"
)

// Defaults for the listener and the poll queue.
const (
	DefaultMaxConns      = 4
	DefaultPickupTimeout = 5 * time.Second
	queueDepth           = 8
	maxBodyBytes         = 4 << 10
)

// APIKeyHeader carries the shared secret on mutating routes.
const APIKeyHeader = "X-API-Key"

// ConfigStore is the part of [config.Store] the endpoint reads and writes.
type ConfigStore interface {
	Config() *config.Config
	IntervalSeconds() int
	SetInterval(seconds int, persist bool) (*config.Config, error)
}

// StatusSource provides the diagnostic snapshot. *status.Tracker
// satisfies it.
type StatusSource interface {
	Snapshot() status.Snapshot
}

// writeJSON encodes v as the response body, logging (but otherwise
// ignoring) write failures.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the control endpoint.
type Server struct {
	address  string
	port     int
	maxConns int
	apiKey   string
	deviceID string

	store   ConfigStore
	status  StatusSource
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	queue         chan *job
	pickupTimeout time.Duration

	handler http.Handler

	mu     sync.Mutex
	server *http.Server
}

// NewServer creates a control endpoint for deviceID backed by store and
// src. Nothing is served until [Server.Start].
func NewServer(address string, port int, deviceID string, store ConfigStore, src StatusSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		address:       address,
		port:          port,
		maxConns:      DefaultMaxConns,
		deviceID:      deviceID,
		store:         store,
		status:        src,
		logger:        logger,
		now:           time.Now,
		queue:         make(chan *job, queueDepth),
		pickupTimeout: DefaultPickupTimeout,
	}
	s.handler = s.routes()
	return s
}

// SetAPIKey requires key on mutating routes. An empty key disables auth.
func (s *Server) SetAPIKey(key string) {
	s.apiKey = key
}

// SetMetrics enables request accounting and the /metrics route.
func (s *Server) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
	s.handler = s.routes()
}

// SetMaxConns caps concurrent connections. Values below 1 are ignored.
func (s *Server) SetMaxConns(n int) {
	if n > 0 {
		s.maxConns = n
	}
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()

	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	// Public, read-only routes
	r.HandleFunc("/", s.queued("root", s.handleRoot)).Methods(http.MethodGet)
	r.HandleFunc("/status", s.queued("status", s.handleStatus)).Methods(http.MethodGet)
	r.HandleFunc("/config", s.queued("config_get", s.handleConfigGet)).Methods(http.MethodGet)

	// Mutating routes
	protected := r.NewRoute().Subrouter()
	protected.Use(s.requireAPIKey)
	protected.HandleFunc("/config", s.queued("config_post", s.handleConfigPost)).Methods(http.MethodPost).Name("config_post")
	protected.HandleFunc("/config/set", s.queued("config_set", s.handleConfigSet)).Methods(http.MethodGet).Name("config_set")

	recovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError)),
	)
	return recovery(handlers.ProxyHeaders(s.withLogging(r)))
}

// Handler returns the endpoint's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens on the configured address and serves until Shutdown.
// At most maxConns connections are open at once.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.address, strconv.Itoa(s.port))
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      s.pickupTimeout + 5*time.Second,
		IdleTimeout:       30 * time.Second,
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting control endpoint",
		"address", addr,
		"port", s.port,
		"max_conns", s.maxConns,
		"auth", s.apiKey != "",
	)
	err := srv.Serve(netutil.LimitListener(ln, s.maxConns))
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"code", sw.code(),
			"duration", time.Since(start),
		)
	})
}

// requireAPIKey rejects requests without the configured key. It runs on
// the net/http goroutine, so an unauthorized request never reaches the
// coordinator.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" || keysEqual(r.Header.Get(APIKeyHeader), s.apiKey) {
			next.ServeHTTP(w, r)
			return
		}
		route := "unknown"
		if cur := mux.CurrentRoute(r); cur != nil && cur.GetName() != "" {
			route = cur.GetName()
		}
		s.logger.Warn("rejected unauthorized control request",
			"subsystem", "api",
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
		)
		s.metrics.ControlRequest(route, http.StatusUnauthorized)
		s.errorResponse(w, http.StatusUnauthorized, "unauthorized")
	})
}

func (s *Server) timestamp() string {
	return status.Timestamp(s.now())
}

// errorResponse writes {ok:false, error, timestamp}.
func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"ok":        false,
		"error":     message,
		"timestamp": s.timestamp(),
	}, s.logger)
}

// statusWriter remembers the response code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) code() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

func (w *statusWriter) wrote() bool {
	return w.status != 0
}

// Job states.
const (
	jobPending int32 = iota
	jobRunning
	jobAbandoned
)

// job is one queued request awaiting the coordinator.
type job struct {
	route string
	fn    http.HandlerFunc
	w     *statusWriter
	r     *http.Request
	state atomic.Int32
	done  chan struct{}
}

// queued wraps fn so that it runs inside [Server.Poll] rather than on the
// net/http goroutine. The request body is read here, before queueing, so
// a slow client can only ever stall its own connection. The net/http
// goroutine then waits for the coordinator; if the request is not picked
// up within the pickup timeout the client gets 503 and the job is
// abandoned.
func (s *Server) queued(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil && r.Body != http.NoBody {
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
			if err != nil {
				s.metrics.ControlRequest(route, http.StatusBadRequest)
				s.errorResponse(w, http.StatusBadRequest, "request body too large or unreadable")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
		}

		j := &job{
			route: route,
			fn:    fn,
			w:     &statusWriter{ResponseWriter: w},
			r:     r,
			done:  make(chan struct{}),
		}

		select {
		case s.queue <- j:
		default:
			s.metrics.ControlRequest(route, http.StatusServiceUnavailable)
			s.errorResponse(w, http.StatusServiceUnavailable, "busy")
			return
		}

		timer := time.NewTimer(s.pickupTimeout)
		defer timer.Stop()

		select {
		case <-j.done:
			return
		case <-r.Context().Done():
		case <-timer.C:
		}

		if j.state.CompareAndSwap(jobPending, jobAbandoned) {
			s.logger.Warn("control request not picked up",
				"subsystem", "api",
				"route", route,
				"timeout", s.pickupTimeout,
				"pending", s.pending(),
			)
			s.metrics.ControlRequest(route, http.StatusServiceUnavailable)
			s.errorResponse(w, http.StatusServiceUnavailable, "agent busy")
			return
		}
		// The coordinator already claimed it; the response is being written.
		<-j.done
	}
}

// Poll executes at most one queued request on the calling goroutine and
// reports whether it did. Requests whose client already gave up are
// discarded without counting against the tick.
func (s *Server) Poll() bool {
	for {
		select {
		case j := <-s.queue:
			if !j.state.CompareAndSwap(jobPending, jobRunning) {
				continue
			}
			s.run(j)
			return true
		default:
			return false
		}
	}
}

// pending returns the number of queued requests.
func (s *Server) pending() int {
	return len(s.queue)
}

func (s *Server) run(j *job) {
	defer close(j.done)
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("control handler panicked",
				"subsystem", "api",
				"route", j.route,
				"panic", fmt.Sprint(p),
			)
			if !j.w.wrote() {
				s.errorResponse(j.w, http.StatusInternalServerError, "internal error")
			}
		}
		s.metrics.ControlRequest(j.route, j.w.code())
	}()
	j.fn(j.w, j.r)
}
