package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Limiter decides whether one more request for key fits in the current window.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// InMemoryRateLimiter limits requests per key (e.g. IP or user ID) with a
// sliding window. It is per process.
type InMemoryRateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
	now      func() time.Time
}

func NewInMemoryRateLimiter(limit int, window time.Duration) *InMemoryRateLimiter {
	return &InMemoryRateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		now:      time.Now,
	}
}

func (r *InMemoryRateLimiter) Allow(_ context.Context, key string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	valid := r.prune(r.requests[key], now.Add(-r.window))
	if len(valid) >= r.limit {
		r.requests[key] = valid
		return false, nil
	}
	r.requests[key] = append(valid, now)
	return true, nil
}

// Run drops expired keys every interval until ctx is done.
func (r *InMemoryRateLimiter) Run(ctx context.Context, interval time.Duration) {
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			r.cleanup()
		}
	}
}

func (r *InMemoryRateLimiter) cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-r.window)
	for k, times := range r.requests {
		valid := r.prune(times, cutoff)
		if len(valid) == 0 {
			delete(r.requests, k)
		} else {
			r.requests[k] = valid
		}
	}
}

func (r *InMemoryRateLimiter) prune(times []time.Time, cutoff time.Time) []time.Time {
	var valid []time.Time
	for _, t := range times {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	return valid
}

var fixedWindowScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return current
`)

// RedisRateLimiter is a fixed-window limiter shared by every instance using
// the same redis.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration) *RedisRateLimiter {
	if prefix == "" {
		prefix = "premiumpay:ratelimit"
	}
	if window < time.Millisecond {
		window = time.Minute
	}
	return &RedisRateLimiter{client: client, prefix: prefix, limit: limit, window: window, now: time.Now}
}

func (r *RedisRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	bucket := r.now().UnixMilli() / r.window.Milliseconds()
	redisKey := fmt.Sprintf("%s:%s:%d", r.prefix, key, bucket)
	n, err := fixedWindowScript.Run(ctx, r.client, []string{redisKey}, strconv.FormatInt(r.window.Milliseconds(), 10)).Int64()
	if err != nil {
		return false, err
	}
	return n <= int64(r.limit), nil
}

// RateLimit returns a middleware that limits by client IP. A limiter error
// lets the request through.
func RateLimit(limiter Limiter, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		ok, err := limiter.Allow(c.Request.Context(), key)
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("rate limiter unavailable")
			c.Next()
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded", "code": "rate_limited"})
			return
		}
		c.Next()
	}
}
