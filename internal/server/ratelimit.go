package server

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type RateLimitConfig struct {
	GlobalRPS     float64
	GlobalBurst   int
	IPLimit       int
	IPWindow      time.Duration
	RedisAddr     string
	RedisPassword string
	RedisTimeout  time.Duration
}

// windowStore counts requests per key in fixed windows.
type windowStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
	Close() error
}

type rateLimiter struct {
	global   *rate.Limiter
	ipLimit  int
	ipWindow time.Duration
	store    windowStore
}

func newRateLimiter(cfg RateLimitConfig, logger *slog.Logger) (*rateLimiter, error) {
	rl := &rateLimiter{
		ipLimit:  cfg.IPLimit,
		ipWindow: cfg.IPWindow,
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(math.Ceil(cfg.GlobalRPS))
		}
		rl.global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), burst)
	}
	if rl.ipLimit < 0 {
		rl.ipLimit = 0
	}
	if rl.ipWindow <= 0 {
		rl.ipWindow = time.Minute
	}
	if rl.ipLimit == 0 {
		return rl, nil
	}
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		store, err := newRedisStore(redisStoreConfig{
			Addr:     addr,
			Password: cfg.RedisPassword,
			Timeout:  cfg.RedisTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("rate limit store: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), store.timeout)
		err = store.Ping(ctx)
		cancel()
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("rate limit store: ping %s: %w", addr, err)
		}
		rl.store = store
		if logger != nil {
			logger.Info("per-client rate limit backed by redis", "addr", addr, "limit", rl.ipLimit, "window", rl.ipWindow)
		}
		return rl, nil
	}
	rl.store = newMemoryStore()
	return rl, nil
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

func (r *rateLimiter) AllowClient(ctx context.Context, ip string) (bool, time.Duration, error) {
	if r == nil || r.ipLimit <= 0 || r.store == nil {
		return true, 0, nil
	}
	if ip == "" {
		ip = "unknown"
	}
	return r.store.Allow(ctx, "tubebridge:ratelimit:"+ip, r.ipLimit, r.ipWindow)
}

func (r *rateLimiter) Close() error {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.Close()
}

func rateLimitMiddleware(rl *rateLimiter, logger *slog.Logger, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if !rl.AllowRequest() {
			writeMiddlewareError(w, http.StatusTooManyRequests, "global rate limit exceeded")
			return
		}
		allowed, retryAfter, err := rl.AllowClient(r.Context(), extractClientIP(r))
		if err != nil {
			if logger != nil {
				logger.Error("rate limiter failure", "error", err)
			}
			writeMiddlewareError(w, http.StatusServiceUnavailable, "rate limit failure")
			return
		}
		if !allowed {
			if retryAfter > 0 {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(math.Ceil(retryAfter.Seconds()))))
			}
			writeMiddlewareError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// memoryStore is the single-instance fallback when no Redis address is set.
type memoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	windows map[string]*fixedWindow
}

type fixedWindow struct {
	count   int
	expires time.Time
}

func newMemoryStore() *memoryStore {
	return &memoryStore{now: time.Now, windows: make(map[string]*fixedWindow)}
}

func (s *memoryStore) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.cleanupLocked(now)

	entry, ok := s.windows[key]
	if !ok {
		entry = &fixedWindow{expires: now.Add(window)}
		s.windows[key] = entry
	}
	entry.count++
	if entry.count <= limit {
		return true, 0, nil
	}
	return false, entry.expires.Sub(now), nil
}

func (s *memoryStore) cleanupLocked(now time.Time) {
	for key, entry := range s.windows {
		if !now.Before(entry.expires) {
			delete(s.windows, key)
		}
	}
}

func (s *memoryStore) Close() error {
	return nil
}

func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if first := strings.TrimSpace(parts[0]); first != "" {
			return first
		}
	}
	if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
		return strings.TrimSpace(xrip)
	}
	return clientIP(r.RemoteAddr)
}

func clientIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
