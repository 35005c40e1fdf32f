package govern

import (
	"encoding/json"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// DefaultCacheSize is the maximum number of cached responses per scope.
	DefaultCacheSize = 256
	// DefaultCacheTTL is how long a cached response stays replayable.
	DefaultCacheTTL = 5 * time.Minute
	// sweepInterval is how often expired entries are evicted in the background.
	sweepInterval = 30 * time.Second
)

// CachedResponse represents a completed request outcome held for replay.
type CachedResponse struct {
	Success   bool            `json:"success"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// IdempotencyCache deduplicates requests by idempotency key, scoped per
// tenant so keys from different tenants never collide. Only completed
// outcomes are cached; in-flight and timed-out requests are not.
type IdempotencyCache struct {
	scopeCaches map[string]*lru.Cache[string, *CachedResponse]
	mutex       sync.RWMutex
	maxSize     int
	ttl         time.Duration
	done        chan struct{}
	closeOnce   sync.Once
}

// NewIdempotencyCache creates an idempotency cache and starts its sweep loop.
func NewIdempotencyCache(maxSize int, ttl time.Duration) *IdempotencyCache {
	if maxSize <= 0 {
		maxSize = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}

	ic := &IdempotencyCache{
		scopeCaches: make(map[string]*lru.Cache[string, *CachedResponse]),
		maxSize:     maxSize,
		ttl:         ttl,
		done:        make(chan struct{}),
	}

	go ic.sweepLoop()

	return ic
}

// getScopeCache gets or creates the LRU cache for a scope
func (ic *IdempotencyCache) getScopeCache(scope string) *lru.Cache[string, *CachedResponse] {
	ic.mutex.Lock()
	defer ic.mutex.Unlock()

	cache, exists := ic.scopeCaches[scope]
	if !exists {
		cache, _ = lru.New[string, *CachedResponse](ic.maxSize)
		ic.scopeCaches[scope] = cache
	}

	return cache
}

// Check returns the cached outcome for a key if one exists and has not
// expired. An empty key is treated as a new request.
func (ic *IdempotencyCache) Check(scope, key string) (*CachedResponse, bool) {
	if key == "" {
		return nil, false
	}

	cache := ic.getScopeCache(scope)

	if cached, found := cache.Get(key); found {
		if time.Since(cached.CreatedAt) > ic.ttl {
			cache.Remove(key)
			return nil, false
		}
		return cached, true
	}

	return nil, false
}

// Store records a completed outcome under a key. Empty keys are ignored.
func (ic *IdempotencyCache) Store(scope, key string, response *CachedResponse) {
	if key == "" || response == nil {
		return
	}

	if response.CreatedAt.IsZero() {
		response.CreatedAt = time.Now()
	}

	cache := ic.getScopeCache(scope)
	cache.Add(key, response)
}

// Remove drops a single key from a scope's cache.
func (ic *IdempotencyCache) Remove(scope, key string) {
	ic.mutex.RLock()
	cache, exists := ic.scopeCaches[scope]
	ic.mutex.RUnlock()

	if exists {
		cache.Remove(key)
	}
}

// Len returns the number of cached entries for a scope.
func (ic *IdempotencyCache) Len(scope string) int {
	ic.mutex.RLock()
	cache, exists := ic.scopeCaches[scope]
	ic.mutex.RUnlock()

	if !exists {
		return 0
	}
	return cache.Len()
}

// sweepLoop periodically evicts expired entries
func (ic *IdempotencyCache) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ic.sweep()
		case <-ic.done:
			return
		}
	}
}

// sweep removes expired entries from all scope caches
func (ic *IdempotencyCache) sweep() {
	ic.mutex.RLock()
	scopeCaches := make(map[string]*lru.Cache[string, *CachedResponse], len(ic.scopeCaches))
	for scope, cache := range ic.scopeCaches {
		scopeCaches[scope] = cache
	}
	ic.mutex.RUnlock()

	now := time.Now()

	for scope, cache := range scopeCaches {
		for _, key := range cache.Keys() {
			if value, found := cache.Peek(key); found {
				if now.Sub(value.CreatedAt) > ic.ttl {
					cache.Remove(key)
				}
			}
		}

		if cache.Len() == 0 {
			ic.mutex.Lock()
			delete(ic.scopeCaches, scope)
			ic.mutex.Unlock()
		}
	}
}

// Close stops the sweep loop and drops all cached entries.
func (ic *IdempotencyCache) Close() {
	ic.closeOnce.Do(func() {
		close(ic.done)
	})

	ic.mutex.Lock()
	defer ic.mutex.Unlock()

	for _, cache := range ic.scopeCaches {
		cache.Purge()
	}
	ic.scopeCaches = make(map[string]*lru.Cache[string, *CachedResponse])
}
