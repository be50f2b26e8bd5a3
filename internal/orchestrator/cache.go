package orchestrator

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

const cacheSweepInterval = time.Minute

// responseCache keeps tool-free answers keyed by a hash of the system
// prompt plus the last user message. Entries expire on a TTL swept by a
// background tick.
type responseCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry

	doneCh chan struct{}
	once   sync.Once
}

type cacheEntry struct {
	response string
	model    string
	expires  time.Time
}

func newResponseCache(ttl time.Duration) *responseCache {
	c := &responseCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		doneCh:  make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

func cacheKey(systemPrompt, lastUserMessage string) string {
	sum := sha256.Sum256([]byte(systemPrompt + "\x00" + lastUserMessage))
	return hex.EncodeToString(sum[:])
}

func (c *responseCache) get(key string) (response, model string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, found := c.entries[key]
	if !found || time.Now().After(entry.expires) {
		return "", "", false
	}
	return entry.response, entry.model, true
}

func (c *responseCache) put(key, response, model string) {
	c.mu.Lock()
	c.entries[key] = cacheEntry{response: response, model: model, expires: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *responseCache) sweepLoop() {
	ticker := time.NewTicker(cacheSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.doneCh:
			return
		}
	}
}

func (c *responseCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for key, entry := range c.entries {
		if now.After(entry.expires) {
			delete(c.entries, key)
		}
	}
}

func (c *responseCache) close() {
	c.once.Do(func() { close(c.doneCh) })
}
