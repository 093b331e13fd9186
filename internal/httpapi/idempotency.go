package httpapi

import (
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// cachedResponse is a webhook response replayed for a repeated
// X-Idempotency-Key.
type cachedResponse struct {
	status int
	body   []byte
}

// idempotencyCache remembers successful webhook responses for a TTL.
type idempotencyCache struct {
	ttl   time.Duration
	cache *ristretto.Cache[string, cachedResponse]
}

func newIdempotencyCache(ttl time.Duration, maxEntries int) *idempotencyCache {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, cachedResponse]{
		NumCounters:        int64(maxEntries) * 10,
		MaxCost:            int64(maxEntries),
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		// Only reachable with a zero or negative config.
		panic(err)
	}
	return &idempotencyCache{ttl: ttl, cache: cache}
}

func (c *idempotencyCache) get(key string) (cachedResponse, bool) {
	if key == "" {
		return cachedResponse{}, false
	}
	return c.cache.Get(key)
}

// put stores a response and waits until it is visible to get.
func (c *idempotencyCache) put(key string, status int, body []byte) {
	if key == "" {
		return
	}
	c.cache.SetWithTTL(key, cachedResponse{status: status, body: body}, 1, c.ttl)
	c.cache.Wait()
}
