// Package ratelimit implements the per-consumer sliding-window CU
// limiter on Redis. One atomic Lua script prunes the window, sums the
// CU consumed in it, and admits or rejects the request, so concurrent
// gateway instances never double-admit past the limit.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	gateway "github.com/unifra/rpcgate/internal"
	"github.com/unifra/rpcgate/internal/redisbreaker"
)

// slidingWindowScript is evaluated atomically on Redis. KEYS[1] is the
// window ZSET (member -> admit timestamp), KEYS[2] the cost HASH
// (member -> CU). Expired members are dropped from both before the
// remaining costs are summed against the limit. go-redis caches the
// script SHA and re-EVALs on NOSCRIPT, so a Redis restart only costs
// one extra round trip.
var slidingWindowScript = redis.NewScript(`
local zkey = KEYS[1]
local hkey = KEYS[2]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local limit = tonumber(ARGV[4])
local member = ARGV[5]

local cutoff = now - window
local expired = redis.call('ZRANGEBYSCORE', zkey, 0, cutoff)
if #expired > 0 then
  redis.call('HDEL', hkey, unpack(expired))
  redis.call('ZREMRANGEBYSCORE', zkey, 0, cutoff)
end

local current = 0
local costs = redis.call('HVALS', hkey)
for i = 1, #costs do
  current = current + tonumber(costs[i])
end

if current + cost > limit then
  return {0, current}
end

redis.call('ZADD', zkey, now, member)
redis.call('HSET', hkey, member, cost)
local ttl = math.floor(window / 1000) + 10
redis.call('EXPIRE', zkey, ttl)
redis.call('EXPIRE', hkey, ttl)
return {1, current + cost}
`)

// Result is the outcome of one admission check.
type Result struct {
	Allowed   bool
	Limit     int64 // per-window CU limit; -1 when unlimited
	CurrentCU int64 // CU in the window, including this request when admitted
	Remaining int64 // CU left in the window; never negative
	WindowMs  int64 // window length, for response headers
	Degraded  bool  // admitted without Redis (fail-open)
}

// Limiter checks per-consumer CU admission against Redis.
type Limiter struct {
	rdb              redis.Scripter
	breakers         *redisbreaker.Registry
	endpoint         string
	windowMs         int64
	callTimeout      time.Duration
	allowDegradation bool
	observeRedis     func(op, status string)
	log              *slog.Logger
}

// Options configures a Limiter.
type Options struct {
	WindowMs         int64
	CallTimeout      time.Duration
	AllowDegradation bool
	Endpoint         string // breaker key, typically the Redis addr
	ObserveRedis     func(op, status string)
	Logger           *slog.Logger
}

// New creates a Limiter on the given Redis client.
func New(rdb redis.Scripter, breakers *redisbreaker.Registry, opts Options) *Limiter {
	if opts.WindowMs <= 0 {
		opts.WindowMs = 1000
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Limiter{
		rdb:              rdb,
		breakers:         breakers,
		endpoint:         opts.Endpoint,
		windowMs:         opts.WindowMs,
		callTimeout:      opts.CallTimeout,
		allowDegradation: opts.AllowDegradation,
		observeRedis:     opts.ObserveRedis,
		log:              opts.Logger,
	}
}

// WindowKey is the ZSET key for a consumer's sliding window.
func WindowKey(consumer string) string { return "ratelimit:cu:sliding:" + consumer }

// CostKey is the HASH key for a consumer's per-request CU costs.
func CostKey(consumer string) string { return "ratelimit:cu:sliding:" + consumer + ":values" }

// Allow runs the admission check for cost CU against the consumer's
// per-window limit. A consumer without a per-second quota is unlimited
// and never touches Redis. When Redis is unreachable the limiter
// fail-opens if degradation is allowed, otherwise it returns
// ErrRateLimitDown.
func (l *Limiter) Allow(ctx context.Context, consumer *gateway.Consumer, cost int64) (Result, error) {
	if consumer == nil || consumer.SecondsQuota <= 0 {
		return Result{Allowed: true, Limit: -1, Remaining: -1}, nil
	}

	limit := consumer.SecondsQuota
	now := time.Now().UnixMilli()
	// Unique per admission; the timestamp prefix keeps members sortable
	// when inspecting a window by hand.
	member := fmt.Sprintf("%d-%s", now, uuid.NewString())

	var raw any
	err := l.breakers.Do(l.endpoint, func() error {
		cctx, cancel := context.WithTimeout(ctx, l.callTimeout)
		defer cancel()
		var err error
		raw, err = slidingWindowScript.Run(cctx, l.rdb,
			[]string{WindowKey(consumer.Name), CostKey(consumer.Name)},
			now, l.windowMs, cost, limit, member,
		).Result()
		return err
	})
	l.observe("eval", err)
	if err != nil {
		if !l.allowDegradation {
			return Result{}, fmt.Errorf("%w: %v", gateway.ErrRateLimitDown, err)
		}
		l.log.LogAttrs(ctx, slog.LevelWarn, "rate limiter degraded, admitting without redis",
			slog.String("consumer", consumer.Name),
			slog.String("error", err.Error()))
		return Result{Allowed: true, Limit: limit, Remaining: limit, WindowMs: l.windowMs, Degraded: true}, nil
	}

	vals, ok := raw.([]any)
	if !ok || len(vals) != 2 {
		return Result{}, fmt.Errorf("%w: unexpected script reply %T", gateway.ErrRateLimitDown, raw)
	}
	allowed := toInt64(vals[0]) == 1
	current := toInt64(vals[1])

	res := Result{
		Allowed:   allowed,
		Limit:     limit,
		CurrentCU: current,
		Remaining: max(limit-current, 0),
		WindowMs:  l.windowMs,
	}
	if !allowed {
		return res, fmt.Errorf("%w: %d CU in window, limit %d", gateway.ErrRateLimited, current, limit)
	}
	return res, nil
}

// WindowMs returns the configured window length in milliseconds, for
// the Retry-After and X-RateLimit-Reset headers.
func (l *Limiter) WindowMs() int64 { return l.windowMs }

// observe reports a Redis call outcome to the operations counter.
func (l *Limiter) observe(op string, err error) {
	if l.observeRedis == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	l.observeRedis(op, status)
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
