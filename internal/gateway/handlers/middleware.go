package handlers

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// visitorTTL is how long an idle client's token bucket is kept
const visitorTTL = 3 * time.Minute

// RateLimitStore is a shared fixed-window counter, satisfied by *redis.Client
type RateLimitStore interface {
	CheckRateLimit(ctx context.Context, clientID string, limit int) (bool, int, error)
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type Middleware struct {
	store  RateLimitStore
	limit  int
	logger *zap.Logger

	mu       sync.Mutex
	visitors map[string]*visitor
}

// NewMiddleware creates the HTTP middleware set. limitPerMinute <= 0
// disables rate limiting. A nil store keeps per-client token buckets in
// process; idle buckets are dropped until ctx is canceled.
func NewMiddleware(ctx context.Context, store RateLimitStore, limitPerMinute int, logger *zap.Logger) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Middleware{
		store:    store,
		limit:    limitPerMinute,
		logger:   logger.With(zap.String("component", "http")),
		visitors: make(map[string]*visitor),
	}
	if store == nil && limitPerMinute > 0 {
		go m.sweepVisitors(ctx)
	}
	return m
}

// RateLimitMiddleware enforces the per-client request limit
func (m *Middleware) RateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.limit <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		client := clientIP(r)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(m.limit))

		if m.store != nil {
			exceeded, remaining, err := m.store.CheckRateLimit(r.Context(), client, m.limit)
			if err != nil {
				// fail open
				m.logger.Warn("rate limit check failed", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			if exceeded {
				w.Header().Set("Retry-After", "60")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		if !m.limiterFor(client).Allow() {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) limiterFor(client string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.visitors[client]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(m.limit)), m.limit)}
		m.visitors[client] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

func (m *Middleware) sweepVisitors(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			for ip, v := range m.visitors {
				if time.Since(v.lastSeen) > visitorTTL {
					delete(m.visitors, ip)
				}
			}
			m.mu.Unlock()
		}
	}
}

// CORSMiddleware handles CORS
func (m *Middleware) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
