package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"boothsync/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix 令牌桶 key 前缀，实际 key 为 前缀:host。
const DefaultKeyPrefix = "boothsync:ratelimit"

var ErrRateLimitTimeout = errors.New("rate limit wait timeout")

// hostBucketLua 补充并扣减一个令牌，返回 {allowed, wait_ms}。
// 桶在空闲两倍补满时间后过期。
const hostBucketLua = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
if rate <= 0 or burst <= 0 then
  return {1, 0}
end

local tokens = tonumber(redis.call("HGET", KEYS[1], "tokens") or burst)
local ts = tonumber(redis.call("HGET", KEYS[1], "ts") or now)
tokens = math.min(burst, tokens + math.max(0, now - ts) * rate / 1000.0)

if tokens < 1 then
  return {0, math.ceil((1 - tokens) * 1000.0 / rate)}
end

redis.call("HSET", KEYS[1], "tokens", tostring(tokens - 1), "ts", now)
redis.call("PEXPIRE", KEYS[1], math.ceil(burst / rate * 2000.0))
return {1, 0}
`

// RateLimiter 基于 Redis 的分布式令牌桶，每个源站 host 一个桶。
//
// API 进程与 Worker 进程共享同一组 key，同一站点的请求速率受同一预算约束。
type RateLimiter struct {
	rdb    redis.Scripter
	prefix string
	rate   float64
	burst  float64
	logger *slog.Logger
	script *redis.Script
}

// NewRedisRateLimiter 创建令牌桶。rate 或 burst 小于等于 0 时 Acquire 直接放行。
func NewRedisRateLimiter(rdb redis.Scripter, logger *slog.Logger, prefix string, rate float64, burst float64) *RateLimiter {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		rdb:    rdb,
		prefix: prefix,
		rate:   rate,
		burst:  burst,
		logger: logger,
		script: redis.NewScript(hostBucketLua),
	}
}

// Key 返回 host 对应的桶 key。
func (r *RateLimiter) Key(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return r.prefix
	}
	return r.prefix + ":" + host
}

// Acquire 阻塞直到拿到 host 的一个令牌；ctx 结束时返回 ErrRateLimitTimeout。
func (r *RateLimiter) Acquire(ctx context.Context, host string) error {
	if r == nil || r.rdb == nil || r.rate <= 0 || r.burst <= 0 {
		return nil
	}
	key := r.Key(host)

	const jitterMax = 10 * time.Millisecond
	start := time.Now()
	for {
		allowed, waitMs, err := r.tryAcquire(ctx, key)
		if err != nil {
			return err
		}
		if allowed {
			metrics.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
			return nil
		}

		wait := time.Duration(waitMs) * time.Millisecond
		if wait <= 0 {
			wait = 50 * time.Millisecond
		}
		wait += time.Duration(rand.Int63n(int64(jitterMax)))

		r.logger.Debug("rate limited, waiting",
			slog.String("key", key),
			slog.String("wait", wait.String()))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			metrics.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
			metrics.RateLimitTimeoutTotal.Inc()
			return ErrRateLimitTimeout
		case <-timer.C:
		}
	}
}

func (r *RateLimiter) tryAcquire(ctx context.Context, key string) (bool, int64, error) {
	now := time.Now().UnixMilli()
	res, err := r.script.Run(ctx, r.rdb, []string{key}, r.rate, r.burst, now).Result()
	if err != nil {
		if ctx.Err() != nil {
			metrics.RateLimitTimeoutTotal.Inc()
			return false, 0, ErrRateLimitTimeout
		}
		return false, 0, fmt.Errorf("ratelimit eval: %w", err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) < 2 {
		return false, 0, fmt.Errorf("ratelimit invalid result")
	}

	return toInt64(values[0]) == 1, toInt64(values[1]), nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		if t == "" {
			return 0
		}
		if parsed, err := strconv.ParseInt(t, 10, 64); err == nil {
			return parsed
		}
		if parsed, err := strconv.ParseFloat(t, 64); err == nil {
			return int64(parsed)
		}
	}
	return 0
}
