package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Throttle spaces sends within one campaign. Wait blocks until the campaign
// has capacity or ctx is done. A perMinute of 0 means unthrottled.
type Throttle interface {
	Wait(ctx context.Context, campaignID string, perMinute int) error
}

// Lua script for an atomic per-campaign-minute counter. GET then INCR from
// the client would race between workers sharing the same Redis.
const campaignMinuteLuaScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local current = tonumber(redis.call("GET", key) or "0")
if current + 1 > limit then
    return 0
end

local newVal = redis.call("INCR", key)
if newVal == 1 then
    redis.call("EXPIRE", key, ttl)
end
return 1
`

// RedisThrottle enforces per-campaign send rates across all worker processes
// using an atomic Redis counter keyed by campaign and minute.
type RedisThrottle struct {
	redis  *redis.Client
	script *redis.Script

	// retryAfter is how long Wait sleeps before re-checking a full minute
	// bucket. Short enough to pick up the next minute promptly.
	retryAfter time.Duration
}

// NewRedisThrottle creates a throttle with a pre-compiled Lua script.
func NewRedisThrottle(client *redis.Client) *RedisThrottle {
	return &RedisThrottle{
		redis:      client,
		script:     redis.NewScript(campaignMinuteLuaScript),
		retryAfter: 2 * time.Second,
	}
}

// Wait reserves one send slot for the campaign, blocking while the current
// minute's bucket is full.
func (t *RedisThrottle) Wait(ctx context.Context, campaignID string, perMinute int) error {
	if perMinute <= 0 {
		return nil
	}

	for {
		key := fmt.Sprintf("throttle:campaign:%s:%s", campaignID, time.Now().UTC().Format("200601021504"))
		allowed, err := t.script.Run(ctx, t.redis, []string{key}, perMinute, 120).Int()
		if err != nil {
			return fmt.Errorf("throttle: redis script: %w", err)
		}
		if allowed == 1 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.retryAfter):
		}
	}
}

// LocalThrottle is the single-process fallback used when Redis is not
// configured. It keeps one token bucket per campaign.
type LocalThrottle struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewLocalThrottle() *LocalThrottle {
	return &LocalThrottle{limiters: make(map[string]*rate.Limiter)}
}

func (t *LocalThrottle) Wait(ctx context.Context, campaignID string, perMinute int) error {
	if perMinute <= 0 {
		return nil
	}

	t.mu.Lock()
	lim, ok := t.limiters[campaignID]
	if !ok || lim.Limit() != rate.Limit(float64(perMinute)/60.0) {
		lim = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), 1)
		t.limiters[campaignID] = lim
	}
	t.mu.Unlock()

	return lim.Wait(ctx)
}
