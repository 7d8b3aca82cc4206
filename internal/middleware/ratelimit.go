package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"wizardchat/pkg/logging"
)

// RateLimitConfig sets the per-client token bucket.
type RateLimitConfig struct {
	RPS   float64
	Burst int
	// MaxClients bounds the remembered buckets. Default 10000.
	MaxClients int
	// IdleTTL forgets a client's bucket after this long. Default 10m.
	IdleTTL time.Duration
	// KeyFunc picks the client identity. Default: RemoteAddr, which chi's
	// RealIP has already resolved.
	KeyFunc func(r *http.Request) string
}

// RateLimit rejects requests over the client's budget with 429. A zero RPS
// disables limiting.
func RateLimit(cfg RateLimitConfig) func(http.Handler) http.Handler {
	if cfg.RPS <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(math.Ceil(cfg.RPS))
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = 10000
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = func(r *http.Request) string { return r.RemoteAddr }
	}

	limiters := newLimiterSet(cfg)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := cfg.KeyFunc(r)
			res := limiters.get(key).Reserve()
			if delay := res.Delay(); delay > 0 {
				res.Cancel()
				logging.L(r.Context()).Warn("rate limited",
					zap.String("client", key),
					zap.Duration("retry_after", delay),
				)
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
				writeError(w, http.StatusTooManyRequests, "rate_limited")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type limiterSet struct {
	cfg   RateLimitConfig
	mu    sync.Mutex
	cache *expirable.LRU[string, *rate.Limiter]
}

func newLimiterSet(cfg RateLimitConfig) *limiterSet {
	return &limiterSet{
		cfg:   cfg,
		cache: expirable.NewLRU[string, *rate.Limiter](cfg.MaxClients, nil, cfg.IdleTTL),
	}
}

func (s *limiterSet) get(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.cache.Get(key); ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(s.cfg.RPS), s.cfg.Burst)
	s.cache.Add(key, l)
	return l
}
