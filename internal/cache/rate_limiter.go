package cache

import (
	"context"
	"sync"
	"time"
)

// Backends reported in a Decision.
const (
	BackendRedis    = "redis"
	BackendMemory   = "memory"
	BackendDisabled = "disabled"
)

// Counter is the shared window counter, satisfied by *CacheService.
type Counter interface {
	IsHealthy() bool
	IncrWindow(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	Backend   string
}

// RateLimiter is a fixed-window limiter keyed by scope and client. It
// counts in Redis when a healthy Counter is configured and in process
// memory otherwise, so limiting keeps working while Redis is down.
type RateLimiter struct {
	shared Counter
	limit  int
	window time.Duration
	now    func() time.Time

	mu    sync.Mutex
	local map[string]*localWindow
}

type localWindow struct {
	index int64
	count int
}

// NewRateLimiter allows limit requests per window for each client. shared
// may be nil. A non-positive limit disables limiting.
func NewRateLimiter(shared Counter, limit int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		shared: shared,
		limit:  limit,
		window: window,
		now:    time.Now,
		local:  make(map[string]*localWindow),
	}
}

// SetClock overrides the time source.
func (rl *RateLimiter) SetClock(now func() time.Time) {
	rl.now = now
}

// Limit returns the configured requests per window.
func (rl *RateLimiter) Limit() int {
	return rl.limit
}

// Backend names where the next request would be counted.
func (rl *RateLimiter) Backend() string {
	switch {
	case rl.limit <= 0:
		return BackendDisabled
	case rl.shared != nil && rl.shared.IsHealthy():
		return BackendRedis
	default:
		return BackendMemory
	}
}

// Allow counts one request from client under scope.
func (rl *RateLimiter) Allow(ctx context.Context, scope, client string) Decision {
	now := rl.now()
	index := now.UnixNano() / int64(rl.window)
	resetAt := time.Unix(0, (index+1)*int64(rl.window))

	if rl.limit <= 0 {
		return Decision{Allowed: true, Limit: rl.limit, ResetAt: resetAt, Backend: BackendMemory}
	}

	if rl.shared != nil && rl.shared.IsHealthy() {
		n, err := rl.shared.IncrWindow(ctx, RateLimitKey(scope, client, index), rl.window)
		if err == nil {
			return rl.decide(int(n), resetAt, BackendRedis)
		}
	}

	return rl.decide(rl.incrLocal(scope+"|"+client, index), resetAt, BackendMemory)
}

func (rl *RateLimiter) decide(count int, resetAt time.Time, backend string) Decision {
	remaining := rl.limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= rl.limit,
		Limit:     rl.limit,
		Remaining: remaining,
		ResetAt:   resetAt,
		Backend:   backend,
	}
}

func (rl *RateLimiter) incrLocal(key string, index int64) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.local[key]
	if !ok || w.index != index {
		if len(rl.local) > 10000 {
			rl.pruneLocked(index)
		}
		w = &localWindow{index: index}
		rl.local[key] = w
	}
	w.count++
	return w.count
}

// pruneLocked drops windows older than index. Caller holds rl.mu.
func (rl *RateLimiter) pruneLocked(index int64) {
	for k, w := range rl.local {
		if w.index < index {
			delete(rl.local, k)
		}
	}
}
