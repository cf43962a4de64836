// Package cache provides the Redis client used for request rate limiting,
// with a circuit breaker that lets callers fall back to local state.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"license-server/config"
	"license-server/internal/logging"
)

// ErrUnavailable is returned while the circuit breaker is open.
var ErrUnavailable = errors.New("redis unavailable (circuit breaker open)")

const rateLimitKeyFormat = "ratelimit:%s:%s:%d" // scope, client, window index

// breaker opens after maxFailures consecutive errors and allows one probe
// per probeInterval while open.
type breaker struct {
	mu            sync.Mutex
	open          bool
	failures      int
	lastProbe     time.Time
	maxFailures   int
	probeInterval time.Duration
	now           func() time.Time
	log           *logging.Logger
}

func (b *breaker) healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.open
}

// probeDue reports whether an open breaker should try the backend again,
// and claims the probe slot when it does.
func (b *breaker) probeDue() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open || b.now().Sub(b.lastProbe) < b.probeInterval {
		return false
	}
	b.lastProbe = b.now()
	return true
}

func (b *breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.maxFailures && !b.open {
		b.open = true
		b.lastProbe = b.now()
		b.log.Warn("circuit breaker open: Redis marked unhealthy", "failures", b.failures)
	}
}

func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open {
		b.log.Info("circuit breaker closed: Redis recovered")
	}
	b.open = false
	b.failures = 0
}

// CacheService wraps a Redis client with graceful degradation. While Redis
// is unavailable IncrWindow fails fast with ErrUnavailable.
type CacheService struct {
	client  *redis.Client
	address string
	breaker *breaker
}

// NewCacheService connects to the configured Redis. A failed initial ping
// yields a service with the breaker already open rather than an error.
func NewCacheService(cfg config.RedisConfig) (*CacheService, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is not enabled in configuration")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	log := logging.WithComponent("cache")
	cs := &CacheService{
		client:  client,
		address: cfg.Address,
		breaker: &breaker{
			maxFailures:   3,
			probeInterval: 30 * time.Second,
			now:           time.Now,
			log:           log,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn("initial Redis connection failed", "address", cfg.Address, "error", err.Error())
		cs.breaker.open = true
		cs.breaker.lastProbe = time.Now()
		return cs, nil
	}

	log.Info("Redis connected", "address", cfg.Address)
	return cs, nil
}

// IsHealthy reports whether the breaker is closed. An open breaker due for
// a probe pings Redis in the background.
func (cs *CacheService) IsHealthy() bool {
	if cs.breaker.probeDue() {
		go cs.probe()
	}
	return cs.breaker.healthy()
}

func (cs *CacheService) probe() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := cs.client.Ping(ctx).Err(); err == nil {
		cs.breaker.success()
	}
}

// IncrWindow atomically increments the counter at key and sets it to
// expire after ttl. It returns the post-increment value.
func (cs *CacheService) IncrWindow(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if !cs.IsHealthy() {
		return 0, ErrUnavailable
	}

	var incr *redis.IntCmd
	_, err := cs.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		cs.breaker.failure()
		return 0, fmt.Errorf("redis incr %s: %w", key, err)
	}

	cs.breaker.success()
	return incr.Val(), nil
}

// Address is the configured Redis address.
func (cs *CacheService) Address() string {
	return cs.address
}

// Close closes the Redis connection.
func (cs *CacheService) Close() error {
	return cs.client.Close()
}

// RateLimitKey generates the counter key for one client in one window.
func RateLimitKey(scope, client string, window int64) string {
	return fmt.Sprintf(rateLimitKeyFormat, scope, client, window)
}
