package api

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"Aetherra-Core/internal/chain"
	"Aetherra-Core/internal/job"
	"Aetherra-Core/internal/observability/metrics"
	"Aetherra-Core/internal/script"
	"Aetherra-Core/internal/versioning"
	"Aetherra-Core/pkg/logger"
	"Aetherra-Core/pkg/plugin"
)

// PluginLister is the read side of the plugin manager.
type PluginLister interface {
	List() []plugin.Info
}

// Dependencies are the services the API exposes. Only Jobs is required;
// routes whose service is nil answer 503.
type Dependencies struct {
	Jobs     *job.Service
	Scripts  *script.Catalog
	Plugins  PluginLister
	Chainer  *chain.Chainer
	Versions *versioning.Control
	Metrics  *metrics.Metrics
}

// Server exposes the job, chain and plugin version APIs over HTTP.
type Server struct {
	addr            string
	deps            Dependencies
	tracer          trace.Tracer
	limiter         *clientLimiter
	shutdownTimeout time.Duration
	started         time.Time
	log             *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithRateLimit limits mutating requests per client IP. A zero rate disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Server) {
		if perSecond > 0 {
			s.limiter = newClientLimiter(perSecond, burst, 10*time.Minute)
		} else {
			s.limiter = nil
		}
	}
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(s *Server) {
		if t != nil {
			s.tracer = t
		}
	}
}

// NewServer builds the API server.
func NewServer(addr string, deps Dependencies, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		deps:            deps,
		tracer:          otel.Tracer("aetherra/api"),
		limiter:         newClientLimiter(20, 40, 10*time.Minute),
		shutdownTimeout: 5 * time.Second,
		started:         time.Now(),
		log:             logger.Named("http"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.withTracing)
	if s.deps.Metrics != nil {
		r.Use(s.deps.Metrics.Middleware)
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}

	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Get("/scripts", s.handleScripts)
	r.Get("/jobs", s.handleListJobs)
	r.Get("/status/{job_id}", s.handleStatus)
	r.Get("/plugins", s.handlePlugins)
	r.Route("/plugins/{name}", func(r chi.Router) {
		r.Get("/snapshots", s.handleHistory)
		r.Get("/snapshots/{timestamp}", s.handleSnapshot)
		r.Get("/diff", s.handleDiff)
		r.Get("/stats", s.handleHistoryStats)
		r.Group(func(r chi.Router) {
			r.Use(s.rateLimit)
			r.Post("/snapshots", s.handleCreateSnapshot)
			r.Post("/rollback", s.handleRollback)
			r.Post("/export", s.handleExport)
			r.Post("/import", s.handleImport)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Post("/run", s.handleRun)
		r.Post("/cancel/{job_id}", s.handleCancel)
		r.Post("/jobs/cleanup", s.handleCleanup)
		r.Post("/chains", s.handleChain)
		r.Post("/snapshots/prune", s.handlePrune)
	})
	return r
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("api server listening", slog.String("address", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("api server shutdown", slog.Any("error", err))
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
