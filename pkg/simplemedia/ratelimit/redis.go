package ratelimit

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed rate_limit.lua
var rateLimitScript string

// KeyPrefix namespaces every counter key.
const KeyPrefix = "rate_limit:uploads:"

// Redis is a fixed-window limiter shared by every instance using the same Redis.
type Redis struct {
	client redis.UniversalClient
	script *redis.Script
	limit  int64
	period time.Duration
	logger *slog.Logger
}

// NewRedis creates a limiter allowing limit requests per period.
func NewRedis(client redis.UniversalClient, limit int, period time.Duration, logger *slog.Logger) *Redis {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if period <= 0 {
		period = DefaultWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{
		client: client,
		script: redis.NewScript(rateLimitScript),
		limit:  int64(limit),
		period: period,
		logger: logger,
	}
}

// Allow executes the rate limit script atomically for key.
func (r *Redis) Allow(ctx context.Context, key string) (Result, error) {
	redisKey := KeyPrefix + key
	raw, err := r.script.Run(ctx, r.client, []string{redisKey}, r.limit, r.period.Milliseconds()).Result()
	if err != nil {
		r.logger.Error("rate limit check failed", "key", redisKey, "error", err)
		return Result{}, fmt.Errorf("rate limit check failed: %w", err)
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 4 {
		return Result{}, fmt.Errorf("unexpected script result format")
	}
	nums := make([]int64, 4)
	for i, v := range values {
		n, ok := v.(int64)
		if !ok {
			return Result{}, fmt.Errorf("unexpected script result element %d: %T", i, v)
		}
		nums[i] = n
	}

	result := Result{
		Allowed:    nums[0] == 1,
		Count:      nums[1],
		Limit:      nums[2],
		RetryAfter: time.Duration(nums[3]) * time.Millisecond,
	}
	if !result.Allowed {
		r.logger.Warn("rate limit exceeded", "key", redisKey, "current", result.Count, "limit", result.Limit, "retry_after", result.RetryAfter)
	}
	return result, nil
}

// Reset clears a counter.
func (r *Redis) Reset(ctx context.Context, key string) error {
	return r.client.Del(ctx, KeyPrefix+key).Err()
}
