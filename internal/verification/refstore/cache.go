package refstore

import (
	"sync"
	"time"
)

type cacheEntry struct {
	expiresAt time.Time
	value     []byte
}

// ttlCache is a small expiring cache for reference images. Entries live for
// a fixed TTL and a janitor goroutine sweeps out expired ones so a quiet
// store does not pin memory.
type ttlCache struct {
	ttl        time.Duration
	maxEntries int
	data       sync.Map
	size       int
	mu         sync.Mutex
}

func newTTLCache(ttl time.Duration, maxEntries int) *ttlCache {
	return &ttlCache{ttl: ttl, maxEntries: maxEntries}
}

func (c *ttlCache) store(key string, value []byte) {
	c.mu.Lock()
	if _, loaded := c.data.Load(key); !loaded {
		if c.size >= c.maxEntries {
			c.mu.Unlock()
			return
		}
		c.size++
	}
	c.mu.Unlock()
	c.data.Store(key, cacheEntry{
		expiresAt: time.Now().Add(c.ttl),
		value:     value,
	})
}

func (c *ttlCache) load(key string) ([]byte, bool) {
	v, ok := c.data.Load(key)
	if !ok {
		return nil, false
	}
	entry := v.(cacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.delete(key)
		return nil, false
	}
	return entry.value, true
}

func (c *ttlCache) delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, loaded := c.data.LoadAndDelete(key); loaded {
		c.size--
	}
}

// cleaningBackground sweeps expired entries until stop is closed.
func (c *ttlCache) cleaningBackground(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case now := <-ticker.C:
				c.data.Range(func(k, v any) bool {
					if entry, ok := v.(cacheEntry); ok && now.After(entry.expiresAt) {
						c.delete(k.(string))
					}
					return true
				})
			}
		}
	}()
}
