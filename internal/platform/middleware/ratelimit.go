package middleware

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/clinic/labflow/internal/platform/auth"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

// DefaultRateLimitConfig returns default rate limiting settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 20,
		BurstSize:         40,
	}
}

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether the caller identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// tokenBucket implements a token bucket rate limiter.
type tokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	mu         sync.Mutex
}

func newTokenBucket(rate float64, burst int, now time.Time) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: rate,
		lastRefill: now,
	}
}

func (b *tokenBucket) take(now time.Time) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(b.maxTokens, b.tokens+elapsed*b.refillRate)
		b.lastRefill = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return Decision{Allowed: true, Remaining: int(b.tokens)}
	}
	return Decision{RetryAfter: refillWait(b.tokens, b.refillRate)}
}

func refillWait(tokens, rate float64) time.Duration {
	if rate <= 0 {
		return time.Second
	}
	return time.Duration((1 - tokens) / rate * float64(time.Second))
}

// MemoryLimiter keeps one token bucket per key in process memory. It suits a
// single instance; replicas should share a RedisLimiter.
type MemoryLimiter struct {
	cfg     RateLimitConfig
	buckets map[string]*tokenBucket
	mu      sync.RWMutex
	now     func() time.Time
}

func NewMemoryLimiter(cfg RateLimitConfig) *MemoryLimiter {
	return &MemoryLimiter{
		cfg:     cfg,
		buckets: make(map[string]*tokenBucket),
		now:     time.Now,
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	return l.bucket(key).take(l.now()), nil
}

func (l *MemoryLimiter) bucket(key string) *tokenBucket {
	l.mu.RLock()
	bucket, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return bucket
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if bucket, ok := l.buckets[key]; ok {
		return bucket
	}
	bucket = newTokenBucket(l.cfg.RequestsPerSecond, l.cfg.BurstSize, l.now())
	l.buckets[key] = bucket
	return bucket
}

// tokenBucketScript refills and takes from a bucket stored as a hash, using
// the server clock so replicas agree. Returns {allowed, tokens*1000}.
const tokenBucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local t = redis.call("TIME")
local now = (t[1] * 1000) + math.floor(t[2] / 1000)

local data = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])

if tokens == nil then
  tokens = burst
else
  local delta = math.max(0, now - ts)
  tokens = math.min(burst, tokens + (delta / 1000) * rate)
end

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call("HSET", KEYS[1], "tokens", tokens, "ts", now)
redis.call("PEXPIRE", KEYS[1], ttl)

return {allowed, math.floor(tokens * 1000)}
`

// RedisLimiter shares token buckets across replicas through Redis.
type RedisLimiter struct {
	client redis.Scripter
	script *redis.Script
	cfg    RateLimitConfig
	prefix string
}

func NewRedisLimiter(client redis.Scripter, cfg RateLimitConfig) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		script: redis.NewScript(tokenBucketScript),
		cfg:    cfg,
		prefix: "labflow:ratelimit:",
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	if key == "" {
		return Decision{}, errors.New("rate limiter key is empty")
	}
	res, err := l.script.Run(ctx, l.client, []string{l.prefix + key},
		l.cfg.RequestsPerSecond, l.cfg.BurstSize, bucketTTL(l.cfg).Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Decision{}, err
	}
	if len(res) < 2 {
		return Decision{}, errors.New("invalid rate limit script response")
	}

	tokens := float64(res[1]) / 1000
	if res[0] == 1 {
		return Decision{Allowed: true, Remaining: int(tokens)}, nil
	}
	return Decision{RetryAfter: refillWait(tokens, l.cfg.RequestsPerSecond)}, nil
}

// bucketTTL keeps an idle bucket long enough to refill completely twice.
func bucketTTL(cfg RateLimitConfig) time.Duration {
	if cfg.RequestsPerSecond <= 0 || cfg.BurstSize <= 0 {
		return time.Second
	}
	seconds := math.Ceil(float64(cfg.BurstSize) / cfg.RequestsPerSecond * 2)
	return time.Duration(math.Max(seconds, 1)) * time.Second
}

// rateLimitKey scopes buckets to clinic and user, falling back to the client
// address for unauthenticated requests.
func rateLimitKey(c echo.Context) string {
	clinic, _ := c.Get(auth.ClinicContextKey).(string)
	who := auth.UserIDFromContext(c.Request().Context())
	if who == "" {
		who = "ip:" + c.RealIP()
	}
	return clinic + ":" + who
}

// RateLimit rejects callers that exceed their bucket with 429. If the limiter
// itself fails the request is let through.
func RateLimit(cfg RateLimitConfig, limiter Limiter, logger zerolog.Logger) echo.MiddlewareFunc {
	if limiter == nil {
		limiter = NewMemoryLimiter(cfg)
	}
	limit := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', -1, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := rateLimitKey(c)
			d, err := limiter.Allow(c.Request().Context(), key)
			if err != nil {
				logger.Warn().Err(err).Str("key", key).Msg("rate limiter unavailable")
				return next(c)
			}

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limit)
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				secs := int(math.Ceil(d.RetryAfter.Seconds()))
				if secs < 1 {
					secs = 1
				}
				h.Set("Retry-After", strconv.Itoa(secs))
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
