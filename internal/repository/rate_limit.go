package repository

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"marketplace_chat/internal/domain"
	apperrors "marketplace_chat/pkg/errors"
	"marketplace_chat/pkg/logger"
)

// RateLimitRepository stores sliding-window counters. Reserve checks and
// consumes a slot atomically, so concurrent callers can never overshoot the limit.
type RateLimitRepository interface {
	Reserve(ctx context.Context, key string, limit int, window time.Duration) (*domain.RateLimitStatus, error)
	Peek(ctx context.Context, key string, limit int, window time.Duration) (*domain.RateLimitStatus, error)
	Release(ctx context.Context, key, token string) error
}

// slidingWindowScript keeps one sorted-set member per consumed slot, scored by
// its timestamp in milliseconds. Returns {allowed, count, reset_at_ms}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]
local reserve = ARGV[5] == "1"

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
local count = redis.call("ZCARD", key)
local allowed = 0
if count < limit then
	allowed = 1
	if reserve then
		redis.call("ZADD", key, now, member)
		count = count + 1
	end
end
if count > 0 then
	redis.call("PEXPIRE", key, window)
end

local reset = now + window
local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
if #oldest > 0 then
	reset = tonumber(oldest[2]) + window
end
return {allowed, count, reset}
`)

type rateLimitRepository struct {
	redis redis.UniversalClient
	log   logger.Logger
	now   func() time.Time
}

func NewRateLimitRepository(redis redis.UniversalClient, log logger.Logger) RateLimitRepository {
	return &rateLimitRepository{redis: redis, log: log, now: time.Now}
}

func (r *rateLimitRepository) Reserve(ctx context.Context, key string, limit int, window time.Duration) (*domain.RateLimitStatus, error) {
	return r.run(ctx, key, limit, window, true)
}

func (r *rateLimitRepository) Peek(ctx context.Context, key string, limit int, window time.Duration) (*domain.RateLimitStatus, error) {
	return r.run(ctx, key, limit, window, false)
}

func (r *rateLimitRepository) Release(ctx context.Context, key, token string) error {
	if token == "" {
		return nil
	}
	if err := r.redis.ZRem(ctx, key, token).Err(); err != nil {
		r.log.Error("Failed to release rate limit slot", "error", err, "key", key)
		return apperrors.Persistence("release rate limit", err)
	}
	return nil
}

func (r *rateLimitRepository) run(ctx context.Context, key string, limit int, window time.Duration, reserve bool) (*domain.RateLimitStatus, error) {
	now := r.now()
	token := uuid.NewString()
	mode := "0"
	if reserve {
		mode = "1"
	}

	res, err := slidingWindowScript.Run(ctx, r.redis, []string{key},
		now.UnixMilli(), window.Milliseconds(), limit, token, mode,
	).Int64Slice()
	if err != nil {
		r.log.Error("Failed to evaluate rate limit", "error", err, "key", key)
		return nil, apperrors.Persistence("rate limit", err)
	}

	status := newStatus(res[0] == 1, limit, int(res[1]), time.UnixMilli(res[2]))
	if status.Allowed && reserve {
		status.Token = token
	}
	return status, nil
}

func newStatus(allowed bool, limit, count int, resetAt time.Time) *domain.RateLimitStatus {
	remaining := limit - count
	if remaining < 0 || !allowed {
		remaining = 0
	}
	return &domain.RateLimitStatus{
		Allowed:   allowed,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

type slot struct {
	at    time.Time
	token string
}

type memoryRateLimitRepository struct {
	mu    sync.Mutex
	slots map[string][]slot
	now   func() time.Time
}

// NewMemoryRateLimitRepository keeps counters in process memory. now may be
// nil, in which case the wall clock is used.
func NewMemoryRateLimitRepository(now func() time.Time) RateLimitRepository {
	if now == nil {
		now = time.Now
	}
	return &memoryRateLimitRepository{slots: make(map[string][]slot), now: now}
}

func (r *memoryRateLimitRepository) Reserve(_ context.Context, key string, limit int, window time.Duration) (*domain.RateLimitStatus, error) {
	return r.run(key, limit, window, true), nil
}

func (r *memoryRateLimitRepository) Peek(_ context.Context, key string, limit int, window time.Duration) (*domain.RateLimitStatus, error) {
	return r.run(key, limit, window, false), nil
}

func (r *memoryRateLimitRepository) Release(_ context.Context, key, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	slots := r.slots[key]
	for i, s := range slots {
		if s.token == token {
			r.slots[key] = append(slots[:i:i], slots[i+1:]...)
			break
		}
	}
	return nil
}

func (r *memoryRateLimitRepository) run(key string, limit int, window time.Duration, reserve bool) *domain.RateLimitStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-window)

	live := r.slots[key][:0:0]
	for _, s := range r.slots[key] {
		if s.at.After(cutoff) {
			live = append(live, s)
		}
	}

	allowed := len(live) < limit
	var token string
	if allowed && reserve {
		token = uuid.NewString()
		live = append(live, slot{at: now, token: token})
	}

	if len(live) == 0 {
		delete(r.slots, key)
	} else {
		r.slots[key] = live
	}

	resetAt := now.Add(window)
	if len(live) > 0 {
		resetAt = live[0].at.Add(window)
	}

	status := newStatus(allowed, limit, len(live), resetAt)
	status.Token = token
	return status
}
