package api

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	xerrors "Aetherra-Core/internal/errors"
	"Aetherra-Core/internal/observability/metrics"
)

type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(sw, r)

		s.log.Debug("request",
			slog.String("req_id", middleware.GetReqID(r.Context())),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", sw.status),
			slog.Int("bytes", sw.bytes),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) withTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := s.tracer.Start(r.Context(), r.Method+" "+r.URL.Path, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		sw := &statusWriter{ResponseWriter: w}
		r = r.WithContext(ctx)
		next.ServeHTTP(sw, r)

		route := metrics.RouteLabel(r)
		span.SetName(r.Method + " " + route)
		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", sw.status),
		)
		if sw.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(sw.status))
		}
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.allow(clientIP(r)) {
			if s.deps.Metrics != nil {
				s.deps.Metrics.RateLimited(r.URL.Path)
			}
			w.Header().Set("Retry-After", "1")
			writeError(w, xerrors.New(xerrors.CodeRateLimited, "too many requests"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

type cachedLimiter struct {
	limiter   *rate.Limiter
	expiresAt time.Time
}

// clientLimiter keeps one token bucket per client; idle buckets are
// replaced once their ttl passes.
type clientLimiter struct {
	limiters sync.Map
	limit    rate.Limit
	burst    int
	ttl      time.Duration
}

func newClientLimiter(perSecond float64, burst int, ttl time.Duration) *clientLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &clientLimiter{limit: rate.Limit(perSecond), burst: burst, ttl: ttl}
}

func (c *clientLimiter) allow(client string) bool {
	now := time.Now()
	if v, ok := c.limiters.Load(client); ok {
		cached := v.(*cachedLimiter)
		if now.Before(cached.expiresAt) {
			return cached.limiter.Allow()
		}
	}
	cached := &cachedLimiter{limiter: rate.NewLimiter(c.limit, c.burst), expiresAt: now.Add(c.ttl)}
	c.limiters.Store(client, cached)
	return cached.limiter.Allow()
}
