package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "ratelimit:"

// tokenBucketScript refills and takes one token in a single atomic step.
// ARGV: capacity, refill per millisecond, now (ms), ttl (ms).
// Returns {allowed (0|1), wait in ms}.
var tokenBucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
  tokens = capacity
  ts = now
end
if now > ts then
  tokens = math.min(capacity, tokens + (now - ts) * rate)
  ts = now
end

local allowed = 0
local wait = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  wait = math.ceil((1 - tokens) / rate)
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', tostring(ts))
redis.call('PEXPIRE', KEYS[1], ttl)
return {allowed, wait}
`)

// Redis keeps buckets in Redis hashes so that every instance shares them.
type Redis struct {
	client redis.Scripter
	policy Policy
	now    func() time.Time
}

var _ Limiter = (*Redis)(nil)

type RedisOption func(*Redis)

// WithRedisClock overrides the time source passed to the script.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(r *Redis) {
		r.now = now
	}
}

func NewRedis(client redis.Scripter, policy Policy, opts ...RedisOption) (*Redis, error) {
	if client == nil {
		return nil, errors.New("ratelimit: redis client must not be nil")
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	r := &Redis{client: client, policy: policy, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// NewRedisFromURL connects to url (redis://...) and verifies the connection.
func NewRedisFromURL(ctx context.Context, url string, policy Policy) (*Redis, *redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("ratelimit: parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ratelimit: ping redis: %w", err)
	}
	lim, err := NewRedis(client, policy)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return lim, client, nil
}

func (r *Redis) TryAcquire(ctx context.Context, key Key) (Decision, error) {
	if err := checkKey(key); err != nil {
		return Decision{}, err
	}
	b := r.policy.BucketFor(key.Provider)
	perMs := b.RefillPerSecond / 1000
	ttl := time.Duration(float64(b.Capacity)/b.RefillPerSecond*float64(time.Second)) * 2
	if ttl < time.Second {
		ttl = time.Second
	}

	res, err := tokenBucketScript.Run(ctx, r.client, []string{redisKeyPrefix + key.String()},
		b.Capacity,
		strconv.FormatFloat(perMs, 'f', -1, 64),
		r.now().UnixMilli(),
		ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: run token bucket script: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected script reply %v", res)
	}
	if res[0] == 1 {
		return Decision{Allowed: true}, nil
	}
	wait := time.Duration(res[1]) * time.Millisecond
	if wait <= 0 {
		wait = b.refillInterval()
	}
	return Decision{RetryAfter: wait}, nil
}
