package httpapi

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/meshworks/meshchat/internal/auth"
	"github.com/meshworks/meshchat/internal/metrics"
)

// statusWriter records the response status for logging. It forwards Flush
// and Hijack so SSE streaming and WebSocket upgrades keep working behind
// the wrapper.
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

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := w.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, errors.New("response writer does not support hijacking")
}

// logRequests writes one access log line and one metrics sample per
// request. The route label comes from the mux pattern so path parameters
// do not blow up metric cardinality.
func (s *Server) logRequests(mux *http.ServeMux, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		if sw.status == 0 {
			sw.status = http.StatusOK
		}
		duration := time.Since(start)

		route := "unmatched"
		if _, pattern := mux.Handler(r); pattern != "" {
			route = pattern
		}
		metrics.RecordHTTPRequest(r.Method, route, strconv.Itoa(sw.status), duration.Seconds())

		s.logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("duration", duration),
			zap.String("remote", r.RemoteAddr))
	})
}

func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("Panic in HTTP handler",
					zap.Any("panic", rec),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Stack("stack"))
				sendError(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// corsOriginPattern admits browser dev servers on any localhost port.
var corsOriginPattern = regexp.MustCompile(`^http://localhost:\d+$`)

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" || !corsOriginPattern.MatchString(origin) {
			next.ServeHTTP(w, r)
			return
		}

		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Add("Vary", "Origin")

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS, PATCH")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RateLimiter applies a per-user request budget. With Redis it counts in
// one-minute windows shared across instances; without it each process
// falls back to local token buckets.
type RateLimiter struct {
	redis     redis.Cmdable
	logger    *zap.Logger
	perMinute int
	burstSize int

	mu    sync.Mutex
	local map[string]*rate.Limiter
}

// NewRateLimiter creates a rate limiter. client may be nil for the local
// fallback mode.
func NewRateLimiter(client redis.Cmdable, perMinute int, logger *zap.Logger) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	return &RateLimiter{
		redis:     client,
		logger:    logger,
		perMinute: perMinute,
		burstSize: 10,
		local:     make(map[string]*rate.Limiter),
	}
}

// Wrap enforces the limit for the authenticated caller. Requests without an
// identity pass through; auth rejects those itself.
func (rl *RateLimiter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := auth.GetIdentity(r.Context())
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}

		allowed, remaining, resetAt := rl.allow(r.Context(), id.AuthID)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.perMinute))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if !allowed {
			rl.logger.Warn("Rate limit exceeded",
				zap.String("auth_id", id.AuthID),
				zap.String("path", r.URL.Path))
			w.Header().Set("Retry-After", strconv.FormatInt(resetAt.Unix()-time.Now().Unix(), 10))
			sendError(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) allow(ctx context.Context, authID string) (allowed bool, remaining int, resetAt time.Time) {
	now := time.Now()
	window := now.Truncate(time.Minute)
	resetAt = window.Add(time.Minute)

	if rl.redis == nil {
		return rl.allowLocal(authID, resetAt)
	}

	windowKey := fmt.Sprintf("ratelimit:user:%s:%d", authID, window.Unix())

	pipe := rl.redis.Pipeline()
	incr := pipe.Incr(ctx, windowKey)
	pipe.Expire(ctx, windowKey, time.Minute+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		rl.logger.Error("Rate limit check failed", zap.Error(err))
		// On error, allow the request (fail open)
		return true, rl.perMinute, resetAt
	}

	count := incr.Val()
	remaining = rl.perMinute - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return count <= int64(rl.perMinute), remaining, resetAt
}

func (rl *RateLimiter) allowLocal(authID string, resetAt time.Time) (bool, int, time.Time) {
	rl.mu.Lock()
	lim, ok := rl.local[authID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(rl.perMinute)), rl.burstSize)
		rl.local[authID] = lim
	}
	rl.mu.Unlock()

	if !lim.Allow() {
		return false, 0, resetAt
	}
	remaining := int(lim.Tokens())
	if remaining < 0 {
		remaining = 0
	}
	return true, remaining, resetAt
}
