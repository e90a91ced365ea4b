package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
)

// VelocityChecker throttles money movement per source (device id, IP) with
// Redis counters: INCR per key, EXPIRE on first hit. Without Redis the
// checker is a no-op so the ledger stays available when the cache is down.
type VelocityChecker struct {
	redis  *redis.Client
	limit  int64
	window time.Duration
}

func NewVelocityChecker(redisClient *redis.Client, limit int, window time.Duration) *VelocityChecker {
	return &VelocityChecker{
		redis:  redisClient,
		limit:  int64(limit),
		window: window,
	}
}

// Check counts one attempt of operation from source and fails once the
// window's limit is exceeded. Empty sources are not counted.
func (v *VelocityChecker) Check(ctx context.Context, operation, source string) error {
	if v.redis == nil || v.limit <= 0 || source == "" {
		return nil
	}
	key := fmt.Sprintf("velocity:%s:%s", operation, source)
	count, err := v.redis.Incr(ctx, key).Result()
	if err != nil {
		// Velocity checks are advisory; Redis trouble must not block the
		// ledger.
		log.Printf("[VELOCITY] check failed for %s: %v", key, err)
		return nil
	}
	if count == 1 {
		if err := v.redis.Expire(ctx, key, v.window).Err(); err != nil {
			log.Printf("[VELOCITY] expire failed for %s: %v", key, err)
		}
	}
	if count > v.limit {
		return fmt.Errorf("%s from %s: %d attempts in window: %w", operation, source, count, ErrVelocityExceeded)
	}
	return nil
}
