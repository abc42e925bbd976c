package runner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	defaultSharedRunTimeout = 10 * time.Second
	sharedRunMargin         = 5 * time.Second
)

// OutputCache stores clean target program results.
type OutputCache interface {
	Get(ctx context.Context, key string) (Result, bool, error)
	Set(ctx context.Context, key string, result Result) error
}

// CachingRunner memoises runs of immutable target programs. Only clean runs
// are cached; concurrent runs of the same program share one execution.
type CachingRunner struct {
	runner Runner
	cache  OutputCache
	group  singleflight.Group
	logger zerolog.Logger
}

// NewCachingRunner wraps runner with the cache.
func NewCachingRunner(runner Runner, cache OutputCache, logger zerolog.Logger) *CachingRunner {
	if cache == nil {
		cache = NewMemoryOutputCache(512)
	}
	return &CachingRunner{
		runner: runner,
		cache:  cache,
		logger: logger.With().Str("component", "target_runner").Logger(),
	}
}

// CacheKey derives the cache key for a request.
func CacheKey(req Request) string {
	hash := sha256.New()
	hash.Write([]byte(req.Language))
	hash.Write([]byte{0})
	hash.Write([]byte(req.Source))
	hash.Write([]byte{0})
	hash.Write([]byte(req.Stdin))
	return hex.EncodeToString(hash.Sum(nil))
}

// Run returns the cached result or executes the program.
func (c *CachingRunner) Run(ctx context.Context, req Request) (Result, error) {
	key := CacheKey(req)

	if cached, ok, err := c.cache.Get(ctx, key); err != nil {
		c.logger.Warn().Err(err).Msg("failed to read target output cache")
	} else if ok {
		return cached, nil
	}

	flight := c.group.DoChan(key, func() (interface{}, error) {
		runCtx, cancel := sharedRunContext(ctx, req.Timeout)
		defer cancel()

		result, err := c.runner.Run(runCtx, req)
		if err != nil {
			return result, err
		}
		if !result.Failed() {
			if err := c.cache.Set(runCtx, key, result); err != nil {
				c.logger.Warn().Err(err).Msg("failed to store target output cache")
			}
		}
		return result, nil
	})

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case shared := <-flight:
		result, _ := shared.Val.(Result)
		return result, shared.Err
	}
}

// sharedRunContext detaches a shared execution from the caller that started
// it, so one caller giving up does not fail the others waiting on the run.
func sharedRunContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = defaultSharedRunTimeout
	}
	return context.WithTimeout(context.WithoutCancel(ctx), timeout+sharedRunMargin)
}

// MemoryOutputCache is a bounded in-process cache.
type MemoryOutputCache struct {
	mu      sync.RWMutex
	entries map[string]Result
	limit   int
}

// NewMemoryOutputCache creates a cache holding at most limit entries.
func NewMemoryOutputCache(limit int) *MemoryOutputCache {
	if limit <= 0 {
		limit = 512
	}
	return &MemoryOutputCache{entries: make(map[string]Result), limit: limit}
}

// Get implements OutputCache.
func (m *MemoryOutputCache) Get(_ context.Context, key string) (Result, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result, ok := m.entries[key]
	return result, ok, nil
}

// Set implements OutputCache. When full, an arbitrary entry is evicted.
func (m *MemoryOutputCache) Set(_ context.Context, key string, result Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[key]; !exists && len(m.entries) >= m.limit {
		for victim := range m.entries {
			delete(m.entries, victim)
			break
		}
	}
	m.entries[key] = result
	return nil
}

// RedisOutputCache shares target outputs between API nodes.
type RedisOutputCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisOutputCache builds a Redis backed cache.
func NewRedisOutputCache(client *redis.Client, prefix string, ttl time.Duration) *RedisOutputCache {
	if prefix == "" {
		prefix = "lab:target-output"
	}
	return &RedisOutputCache{client: client, prefix: prefix, ttl: ttl}
}

// Get implements OutputCache.
func (r *RedisOutputCache) Get(ctx context.Context, key string) (Result, bool, error) {
	payload, err := r.client.Get(ctx, r.prefix+":"+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Result{}, false, nil
		}
		return Result{}, false, err
	}

	var result Result
	if err := json.Unmarshal(payload, &result); err != nil {
		return Result{}, false, err
	}
	return result, true, nil
}

// Set implements OutputCache.
func (r *RedisOutputCache) Set(ctx context.Context, key string, result Result) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.prefix+":"+key, payload, r.ttl).Err()
}
