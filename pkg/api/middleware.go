package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/scopecfg/scopecfg/pkg/audit"
	"github.com/scopecfg/scopecfg/pkg/identity"
	"github.com/scopecfg/scopecfg/pkg/log"
	"github.com/scopecfg/scopecfg/pkg/metrics"
	"github.com/scopecfg/scopecfg/pkg/types"
)

// CorrelationHeader is echoed on every response and recorded in audit
// rows.
const CorrelationHeader = "X-Correlation-Id"

type principalKey struct{}

// principalFrom returns the authenticated principal, or nil on
// unauthenticated routes.
func principalFrom(ctx context.Context) identity.Principal {
	p, _ := ctx.Value(principalKey{}).(identity.Principal)
	return p
}

// correlationMiddleware echoes the caller's correlation id or mints a
// fresh one, and threads it through the context for audit rows.
func correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(CorrelationHeader)
		if id == "" {
			id = audit.MintCorrelation()
		}
		w.Header().Set(CorrelationHeader, id)
		next.ServeHTTP(w, r.WithContext(audit.WithCorrelation(r.Context(), id)))
	})
}

// timeoutMiddleware attaches the request deadline. Handlers pass the
// context into every store call, so expiry surfaces as KindDeadline.
func timeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// rateLimitMiddleware applies a process-wide request budget
func rateLimitMiddleware(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				writeJSON(w, http.StatusTooManyRequests, errorBody{
					Error:  "rate_limited",
					Detail: "request rate exceeded, retry later",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// statusRecorder captures the response status for logs and metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// observeMiddleware logs each request and feeds the HTTP metrics.
// Route patterns (not raw paths) label the metrics so cardinality
// stays bounded.
func observeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		metrics.HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(rec.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(elapsed.Seconds())

		zl1 := log.WithComponent("api")
		zl1.Info().
			Str("method", r.Method).
			Str("route", route).
			Int("status", rec.status).
			Dur("elapsed", elapsed).
			Str("correlation_id", audit.CorrelationFrom(r.Context())).
			Msg("request")
	})
}

// authMiddleware resolves the bearer credential and stores the
// principal in the context. Routes mounted behind it always see a
// non-nil principal.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bearer := bearerFrom(r)
		p, err := s.resolver.Resolve(r.Context(), bearer)
		if err != nil {
			metrics.TokenResolutionsTotal.WithLabelValues("none", string(types.KindOf(err))).Inc()
			writeError(w, err)
			return
		}
		metrics.TokenResolutionsTotal.WithLabelValues(string(p.AuthKind()), "ok").Inc()
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

func bearerFrom(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if bearer, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(bearer)
	}
	// Cookie-forwarded equivalent for browser SSO sessions.
	if c, err := r.Cookie("scopecfg_token"); err == nil {
		return c.Value
	}
	return ""
}
