// Package gateway provides HTTP-edge concerns for the event endpoints,
// currently rate limiting of finding ingestion.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig configures ingestion rate limiting. Limits are enforced
// per submitting client over a one-minute window shared across replicas.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`

	// BatchCost is how many window slots one batch submission consumes.
	// Batches carry up to an order of magnitude more events per request.
	BatchCost int `yaml:"batch_cost"`

	IncludeHeaders bool `yaml:"include_headers"`
}

// DefaultRateLimitConfig returns limits sized for a single detector account.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:           false,
		RequestsPerMinute: 300,
		BatchCost:         10,
		IncludeHeaders:    true,
	}
}

// RateLimiter enforces per-client ingestion limits against a shared Redis
// window, so limits hold across service replicas.
type RateLimiter struct {
	redis  *redis.Client
	logger *zap.Logger
	config RateLimitConfig
}

// RateLimitResult is the verdict for one request.
type RateLimitResult struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// NewRateLimiter creates a limiter backed by redisClient.
func NewRateLimiter(redisClient *redis.Client, cfg RateLimitConfig, logger *zap.Logger) *RateLimiter {
	defaults := DefaultRateLimitConfig()
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = defaults.RequestsPerMinute
	}
	if cfg.BatchCost <= 0 {
		cfg.BatchCost = defaults.BatchCost
	}
	return &RateLimiter{
		redis:  redisClient,
		logger: logger,
		config: cfg,
	}
}

var windowScript = redis.NewScript(`
	local current = redis.call('INCRBY', KEYS[1], ARGV[2])
	if current == tonumber(ARGV[2]) then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return current
`)

// Check consumes cost slots from the client's window and reports whether the
// request may proceed. Redis being unreachable fails open: dropping security
// findings is worse than admitting a burst.
func (rl *RateLimiter) Check(ctx context.Context, clientID string, cost int) (*RateLimitResult, error) {
	key := fmt.Sprintf("iamsentry:ratelimit:%s:minute", clientID)
	now := time.Now()

	current, err := windowScript.Run(ctx, rl.redis, []string{key}, 60000, cost).Int()
	if err != nil {
		rl.logger.Warn("rate limit check failed, allowing request", zap.Error(err))
		return &RateLimitResult{Allowed: true, Limit: rl.config.RequestsPerMinute}, nil
	}

	remaining := rl.config.RequestsPerMinute - current
	if remaining < 0 {
		remaining = 0
	}

	ttl, _ := rl.redis.TTL(ctx, key).Result()
	result := &RateLimitResult{
		Allowed:   current <= rl.config.RequestsPerMinute,
		Remaining: remaining,
		Limit:     rl.config.RequestsPerMinute,
		ResetAt:   now.Add(ttl),
	}
	if !result.Allowed {
		result.RetryAfter = ttl
	}
	return result, nil
}

// Middleware wraps the ingestion endpoints. Batch submissions are weighted by
// BatchCost; everything else costs one slot.
func (rl *RateLimiter) Middleware(batchPath string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cost := 1
			if r.URL.Path == batchPath {
				cost = rl.config.BatchCost
			}

			result, err := rl.Check(r.Context(), clientID(r), cost)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			if rl.config.IncludeHeaders {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
			}

			if !result.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds())))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprintf(w, `{"error":"rate_limit_exceeded","retry_after":%d}`,
					int(result.RetryAfter.Seconds()))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientID identifies the submitting detector. Detectors authenticate at the
// platform edge, so a forwarded header is trusted here.
func clientID(r *http.Request) string {
	if id := r.Header.Get("X-Client-Id"); id != "" {
		return id
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	return r.RemoteAddr
}
