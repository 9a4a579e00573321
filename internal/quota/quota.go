// Package quota enforces per-consumer monthly CU quotas on Redis. The
// check-and-charge runs as one atomic Lua script against a single
// counter keyed by consumer and billing cycle, so concurrent gateway
// instances can never jointly overshoot the quota.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	gateway "github.com/unifra/rpcgate/internal"
	"github.com/unifra/rpcgate/internal/redisbreaker"
)

// chargeScript checks the cycle counter against the limit and, when
// within it, charges the cost and pins the key's expiry to the end of
// the billing cycle. The EXPIREAT is re-asserted on every charge; it is
// idempotent and heals a counter that lost its TTL.
var chargeScript = redis.NewScript(`
local key = KEYS[1]
local cost = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local expireat = tonumber(ARGV[3])

local current = tonumber(redis.call('GET', key) or '0')
if current + cost > limit then
  return {0, current}
end
local new = redis.call('INCRBY', key, cost)
redis.call('EXPIREAT', key, expireat)
return {1, new}
`)

// Result is the outcome of one quota charge.
type Result struct {
	Allowed   bool
	Limit     int64 // monthly CU quota; -1 when unlimited
	Used      int64 // cycle counter, including this charge when allowed
	Remaining int64 // never negative
	Degraded  bool  // admitted without Redis (fail-open)
}

// Checker charges monthly quota cycles on Redis.
type Checker struct {
	rdb              redis.UniversalClient
	breakers         *redisbreaker.Registry
	endpoint         string
	callTimeout      time.Duration
	allowDegradation bool
	observeRedis     func(op, status string)
	log              *slog.Logger
	now              func() time.Time // test hook
}

// Options configures a Checker.
type Options struct {
	CallTimeout      time.Duration
	AllowDegradation bool // monthly quota is revenue, default fail-closed
	Endpoint         string
	ObserveRedis     func(op, status string)
	Logger           *slog.Logger
}

// New creates a Checker on the given Redis client.
func New(rdb redis.UniversalClient, breakers *redisbreaker.Registry, opts Options) *Checker {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Checker{
		rdb:              rdb,
		breakers:         breakers,
		endpoint:         opts.Endpoint,
		callTimeout:      opts.CallTimeout,
		allowDegradation: opts.AllowDegradation,
		observeRedis:     opts.ObserveRedis,
		log:              opts.Logger,
		now:              time.Now,
	}
}

// Charge atomically checks and charges cost CU against the consumer's
// current billing cycle. A consumer without a monthly quota (or without
// a name to key on) is unlimited. When Redis is unreachable the check
// fail-closes with ErrQuotaDown unless degradation is allowed.
func (c *Checker) Charge(ctx context.Context, consumer *gateway.Consumer, cost int64) (Result, error) {
	if consumer == nil || consumer.Name == "" || consumer.MonthlyQuota <= 0 {
		return Result{Allowed: true, Limit: -1, Remaining: -1}, nil
	}

	limit := consumer.MonthlyQuota
	now := c.now().UTC()
	key := gateway.QuotaKey(consumer.Name, now)
	expireAt := gateway.CycleEnd(now).Unix()

	var raw any
	err := c.breakers.Do(c.endpoint, func() error {
		cctx, cancel := context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
		var err error
		raw, err = chargeScript.Run(cctx, c.rdb, []string{key}, cost, limit, expireAt).Result()
		return err
	})
	c.observe("eval", err)
	if err != nil {
		if !c.allowDegradation {
			return Result{}, fmt.Errorf("%w: %v", gateway.ErrQuotaDown, err)
		}
		c.log.LogAttrs(ctx, slog.LevelWarn, "quota check degraded, admitting without redis",
			slog.String("consumer", consumer.Name),
			slog.String("error", err.Error()))
		return Result{Allowed: true, Limit: limit, Remaining: limit, Degraded: true}, nil
	}

	vals, ok := raw.([]any)
	if !ok || len(vals) != 2 {
		return Result{}, fmt.Errorf("%w: unexpected script reply %T", gateway.ErrQuotaDown, raw)
	}
	allowed := toInt64(vals[0]) == 1
	used := toInt64(vals[1])

	res := Result{
		Allowed:   allowed,
		Limit:     limit,
		Used:      used,
		Remaining: max(limit-used, 0),
	}
	if !allowed {
		return res, fmt.Errorf("%w: %d of %d CU used", gateway.ErrQuotaExceeded, used, limit)
	}
	return res, nil
}

// Decrement refunds cost CU to the consumer's current cycle, flooring
// at zero. The request pipeline never refunds; this exists for
// out-of-band corrections (support credits, billing adjustments).
func (c *Checker) Decrement(ctx context.Context, consumerName string, cost int64) error {
	if consumerName == "" || cost <= 0 {
		return nil
	}
	key := gateway.QuotaKey(consumerName, c.now().UTC())
	err := c.breakers.Do(c.endpoint, func() error {
		cctx, cancel := context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
		return decrementScript.Run(cctx, c.rdb, []string{key}, cost).Err()
	})
	c.observe("eval", err)
	return err
}

var decrementScript = redis.NewScript(`
local key = KEYS[1]
local cost = tonumber(ARGV[1])
local current = tonumber(redis.call('GET', key) or '0')
local new = current - cost
if new < 0 then new = 0 end
redis.call('SET', key, new, 'KEEPTTL')
return new
`)

// Used reads the consumer's current cycle counter without charging.
func (c *Checker) Used(ctx context.Context, consumerName string) (int64, error) {
	key := gateway.QuotaKey(consumerName, c.now().UTC())
	var used int64
	err := c.breakers.Do(c.endpoint, func() error {
		cctx, cancel := context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
		v, err := c.rdb.Get(cctx, key).Int64()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		used = v
		return err
	})
	c.observe("get", err)
	return used, err
}

// observe reports a Redis call outcome to the operations counter.
func (c *Checker) observe(op string, err error) {
	if c.observeRedis == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.observeRedis(op, status)
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
