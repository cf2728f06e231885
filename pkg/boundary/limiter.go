package boundary

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Policy is a per-key token bucket: RPM tokens per minute, at most Burst
// at once.
type Policy struct {
	RPM   int
	Burst int
}

func (p Policy) perSecond() float64 {
	r := float64(p.RPM) / 60.0
	if r <= 0 {
		r = 1
	}
	return r
}

func (p Policy) burst() int {
	if p.Burst > 0 {
		return p.Burst
	}
	if p.RPM > 0 {
		return p.RPM
	}
	return 1
}

// RetryAfter suggests a client backoff in whole seconds.
func (p Policy) RetryAfter() int {
	if p.RPM <= 0 || p.RPM >= 60 {
		return 1
	}
	return 60 / p.RPM
}

// Limiter decides whether one more call by key is allowed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// tokenBucketScript refills and consumes a bucket atomically.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = cost
// ARGV[4] = now (unix seconds, fractional)
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, math.ceil(capacity / rate) + 1)

return {allowed, tostring(tokens)}
`)

// RedisLimiter is a token bucket shared by every replica.
type RedisLimiter struct {
	client redis.UniversalClient
	policy Policy
	prefix string
	clock  func() time.Time
}

// NewRedisLimiter creates a Redis-backed limiter.
func NewRedisLimiter(client redis.UniversalClient, policy Policy) *RedisLimiter {
	return &RedisLimiter{client: client, policy: policy, prefix: "ratelimit:", clock: time.Now}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := float64(l.clock().UnixMicro()) / 1e6
	res, err := tokenBucketScript.Run(ctx, l.client, []string{l.prefix + key},
		l.policy.perSecond(), l.policy.burst(), 1, now).Result()
	if err != nil {
		return false, fmt.Errorf("redis limiter: %w", err)
	}
	values, ok := res.([]interface{})
	if !ok || len(values) != 2 {
		return false, fmt.Errorf("redis limiter: unexpected script result %T", res)
	}
	allowed, _ := values[0].(int64)
	return allowed == 1, nil
}

// LocalLimiter keeps one golang.org/x/time/rate limiter per key in process.
type LocalLimiter struct {
	mu       sync.Mutex
	policy   Policy
	visitors map[string]*visitor
	idle     time.Duration
	clock    func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLocalLimiter creates an in-process limiter.
func NewLocalLimiter(policy Policy) *LocalLimiter {
	return &LocalLimiter{
		policy:   policy,
		visitors: make(map[string]*visitor),
		idle:     3 * time.Minute,
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *LocalLimiter) WithClock(clock func() time.Time) *LocalLimiter {
	l.clock = clock
	return l
}

func (l *LocalLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	for k, v := range l.visitors {
		if now.Sub(v.lastSeen) > l.idle {
			delete(l.visitors, k)
		}
	}
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(l.policy.perSecond()), l.policy.burst())}
		l.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1), nil
}

// NewRedisClient connects to a redis:// URL and pings it.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
