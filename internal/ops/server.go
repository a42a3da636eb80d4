// Package ops serves health, metrics and credential state over HTTP.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fbchat/relay/commands"
	"github.com/fbchat/relay/health"
	"github.com/fbchat/relay/relogin"
)

const (
	checkTimeout    = 5 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Server is the operations HTTP endpoint of a relay process
type Server struct {
	addr     string
	health   *health.Registry
	gatherer prometheus.Gatherer
	tracker  *relogin.StateTracker
	commands *commands.Registry
	logger   *slog.Logger
	router   chi.Router
}

// Option configures the Server
type Option func(*Server)

// WithHealth serves registry at /healthz
func WithHealth(registry *health.Registry) Option {
	return func(s *Server) {
		s.health = registry
	}
}

// WithGatherer serves gatherer at /metrics
func WithGatherer(gatherer prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = gatherer
	}
}

// WithStateTracker serves tracker at /accounts
func WithStateTracker(tracker *relogin.StateTracker) Option {
	return func(s *Server) {
		s.tracker = tracker
	}
}

// WithCommands serves the command list at /commands
func WithCommands(registry *commands.Registry) Option {
	return func(s *Server) {
		s.commands = registry
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates an ops server listening on addr
func NewServer(addr string, options ...Option) *Server {
	s := &Server{
		addr:   addr,
		health: health.NewRegistry(),
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/livez", s.handleLive)
	r.Get("/healthz", s.handleHealth)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	if s.tracker != nil {
		r.Get("/accounts", s.handleAccounts)
		r.Get("/accounts/{accountID}", s.handleAccount)
	}
	if s.commands != nil {
		r.Get("/commands", s.handleCommands)
	}

	s.router = r
	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run serves until ctx is done and then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("ops server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	report := s.health.Check(ctx)
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tracker.Snapshot())
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "accountID")
	status, ok := s.tracker.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown account: " + id})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.commands.List())
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"requestId", middleware.GetReqID(r.Context()))
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
