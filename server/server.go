// Package server provides the HTTP API of tenantflow.
//
// Every /api/v1 request is made on behalf of a tenant. When a TokenVerifier is
// configured the tenant comes from the verified bearer token, otherwise from
// the tenant header. Executions of other tenants are reported as not found.
//
// # Endpoints
//
//   - GET /health - Liveness and build information
//   - GET /metrics - Prometheus metrics, when a metrics handler is configured
//   - GET /api/v1/workflows - Deployed workflow types and versions
//   - POST /api/v1/executions - Start an execution
//   - GET /api/v1/executions - List the tenant's executions
//   - GET /api/v1/executions/{id} - Execution status, result and history
//   - GET /api/v1/executions/{id}/result - Wait for an execution to finish
//   - GET /api/v1/executions/{id}/logs - Logs captured while it ran
//   - POST /api/v1/executions/{id}/signal - Deliver a signal
//   - POST /api/v1/executions/{id}/cancel - Cancel an execution
//   - POST /api/v1/executions/{id}/complete - Complete an asynchronous activity
//
// # Example
//
//	srv, err := server.New(logger, client, workflows, resolver,
//	    server.WithListener(cfg.Listener),
//	    server.WithVerifier(verifier),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := srv.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nomis52/tenantflow/config"
	"github.com/nomis52/tenantflow/server/handlers"
	"github.com/nomis52/tenantflow/tenant"
)

const (
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 60 * time.Second
	defaultShutdownTimeout = 5 * time.Second
	defaultListenAddr      = ":8080"

	// maxResultWait caps how long GET .../result holds a request.
	maxResultWait = 50 * time.Second
)

// Server is the HTTP server of tenantflow.
type Server struct {
	listener   config.ListenerConfig
	logger     *slog.Logger
	executions handlers.Executions
	catalog    handlers.CatalogProvider
	resolver   *tenant.Resolver
	verifier   TokenVerifier
	progress   handlers.ProgressProvider
	logs       handlers.LogProvider
	schedule   handlers.ScheduleProvider
	metrics    http.Handler
	started    time.Time
	handler    http.Handler
	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server) error

// WithListener configures the listen address, timeouts and TLS files.
func WithListener(cfg config.ListenerConfig) Option {
	return func(s *Server) error {
		if cfg.Addr != "" {
			s.listener.Addr = cfg.Addr
		}
		if cfg.ReadTimeout > 0 {
			s.listener.ReadTimeout = cfg.ReadTimeout
		}
		if cfg.WriteTimeout > 0 {
			s.listener.WriteTimeout = cfg.WriteTimeout
		}
		if cfg.ShutdownTimeout > 0 {
			s.listener.ShutdownTimeout = cfg.ShutdownTimeout
		}
		s.listener.TLSCert = cfg.TLSCert
		s.listener.TLSKey = cfg.TLSKey
		return nil
	}
}

// WithVerifier requires a valid bearer token on every API request.
func WithVerifier(v TokenVerifier) Option {
	return func(s *Server) error {
		s.verifier = v
		return nil
	}
}

// WithProgress adds the live status lines of running steps to execution
// responses.
func WithProgress(p handlers.ProgressProvider) Option {
	return func(s *Server) error {
		s.progress = p
		return nil
	}
}

// WithLogs serves captured execution logs.
func WithLogs(l handlers.LogProvider) Option {
	return func(s *Server) error {
		s.logs = l
		return nil
	}
}

// WithSchedule reports the next cron run in /health.
func WithSchedule(sp handlers.ScheduleProvider) Option {
	return func(s *Server) error {
		s.schedule = sp
		return nil
	}
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) error {
		s.metrics = h
		return nil
	}
}

// New creates a Server.
func New(logger *slog.Logger, executions handlers.Executions, catalog handlers.CatalogProvider, resolver *tenant.Resolver, opts ...Option) (*Server, error) {
	if executions == nil || catalog == nil || resolver == nil {
		return nil, errors.New("server: executions, catalog and resolver are required")
	}
	s := &Server{
		listener: config.ListenerConfig{
			Addr:            defaultListenAddr,
			ReadTimeout:     defaultReadTimeout,
			WriteTimeout:    defaultWriteTimeout,
			ShutdownTimeout: defaultShutdownTimeout,
		},
		logger:     logger.With("component", "server"),
		executions: executions,
		catalog:    catalog,
		resolver:   resolver,
		started:    time.Now(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if (s.listener.TLSCert == "") != (s.listener.TLSKey == "") {
		return nil, errors.New("server: tls cert and key must be set together")
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.handler = s.logRequests(mux)
	return s, nil
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run starts the HTTP server and blocks until the context is cancelled.
// It performs a graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listener.Addr,
		Handler:      s.handler,
		ReadTimeout:  s.listener.ReadTimeout,
		WriteTimeout: s.listener.WriteTimeout,
	}

	useTLS := s.listener.TLSCert != ""
	if useTLS {
		loader, err := NewCertLoader(s.listener.TLSCert, s.listener.TLSKey, s.logger)
		if err != nil {
			return fmt.Errorf("loading tls certificate: %w", err)
		}
		s.httpServer.TLSConfig = &tls.Config{
			MinVersion:     tls.VersionTLS12,
			GetCertificate: loader.GetCertificate,
		}
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "addr", s.listener.Addr, "tls", useTLS)
		var err error
		if useTLS {
			err = s.httpServer.ListenAndServeTLS("", "")
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.listener.ShutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	api := func(h http.Handler) http.Handler {
		return tenantMiddleware(s.resolver, s.verifier, s.logger, h)
	}

	mux.Handle("GET /health", handlers.NewHealthHandler(s.started, s.schedule))
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	mux.Handle("GET /api/v1/workflows", api(handlers.NewWorkflowsHandler(s.catalog)))
	mux.Handle("POST /api/v1/executions", api(handlers.NewStartHandler(s.logger, s.executions)))
	mux.Handle("GET /api/v1/executions", api(handlers.NewListHandler(s.logger, s.executions)))
	mux.Handle("GET /api/v1/executions/{id}", api(handlers.NewGetHandler(s.logger, s.executions, s.progress)))
	mux.Handle("GET /api/v1/executions/{id}/result", api(handlers.NewResultHandler(s.logger, s.executions, maxResultWait)))
	mux.Handle("POST /api/v1/executions/{id}/signal", api(handlers.NewSignalHandler(s.logger, s.executions)))
	mux.Handle("POST /api/v1/executions/{id}/cancel", api(handlers.NewCancelHandler(s.logger, s.executions)))
	mux.Handle("POST /api/v1/executions/{id}/complete", api(handlers.NewCompleteHandler(s.logger, s.executions)))
	if s.logs != nil {
		mux.Handle("GET /api/v1/executions/{id}/logs", api(handlers.NewLogsHandler(s.logger, s.executions, s.logs)))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}
