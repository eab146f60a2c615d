package cache

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/pkg/types"
)

// maxEntries bounds the recency list; the real bound is the byte limit.
const maxEntries = 1 << 30

// Key identifies a hydrated email
type Key struct {
	AccountID string
	Mailbox   string
	UID       uint32
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%d", k.AccountID, k.Mailbox, k.UID)
}

type entry struct {
	body       *types.MessageBody
	lastAccess time.Time
	size       int64
}

// EmailCache is a bounded in-memory store of hydrated email bodies, evicted
// least-recently-accessed first. Eviction and insertion happen under one lock,
// so the total size never exceeds the limit as observed from outside.
type EmailCache struct {
	mu     sync.Mutex
	lru    *simplelru.LRU[Key, *entry]
	size   int64
	now    func() time.Time
	logger *logrus.Logger
}

// NewEmailCache creates an empty cache
func NewEmailCache(logger *logrus.Logger) *EmailCache {
	lru, err := simplelru.NewLRU[Key, *entry](maxEntries, nil)
	if err != nil {
		// Only returned for a non-positive size
		panic(err)
	}
	return &EmailCache{
		lru:    lru,
		now:    time.Now,
		logger: logger,
	}
}

// EstimateSize returns the serialized byte length of body
func EstimateSize(body *types.MessageBody) int64 {
	data, err := json.Marshal(body)
	if err != nil {
		return 0
	}
	return int64(len(data))
}

// touch returns an access time strictly after prev
func (c *EmailCache) touch(prev time.Time) time.Time {
	t := c.now()
	if !t.After(prev) {
		t = prev.Add(time.Nanosecond)
	}
	return t
}

// Add inserts body under key, evicting the least recently accessed entries
// until it fits within limitMB. A limit of 0 means unbounded. A body larger
// than the whole limit is not cached. It returns the number of evicted entries.
func (c *EmailCache) Add(key Key, body *types.MessageBody, limitMB int) int {
	size := EstimateSize(body)

	c.mu.Lock()
	defer c.mu.Unlock()

	var prev time.Time
	if old, ok := c.lru.Peek(key); ok {
		prev = old.lastAccess
		c.lru.Remove(key)
		c.size -= old.size
	}

	evicted := 0
	if limitMB > 0 {
		limit := int64(limitMB) * 1024 * 1024
		if size > limit {
			c.logger.WithFields(logrus.Fields{
				"key":   key.String(),
				"size":  humanize.IBytes(uint64(size)),
				"limit": humanize.IBytes(uint64(limit)),
			}).Debug("Email larger than cache limit, not caching")
			return 0
		}

		for c.size+size > limit {
			_, victim, ok := c.lru.RemoveOldest()
			if !ok {
				break
			}
			c.size -= victim.size
			evicted++
		}
	}

	c.lru.Add(key, &entry{body: body, lastAccess: c.touch(prev), size: size})
	c.size += size

	if evicted > 0 {
		c.logger.WithFields(logrus.Fields{
			"evicted": evicted,
			"size":    humanize.IBytes(uint64(c.size)),
		}).Debug("Evicted emails from cache")
	}
	return evicted
}

// Get returns the body cached under key and refreshes its access time.
// A miss has no side effects.
func (c *EmailCache) Get(key Key) (*types.MessageBody, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	e.lastAccess = c.touch(e.lastAccess)
	return e.body, true
}

// Peek returns the body cached under key without refreshing its access time
func (c *EmailCache) Peek(key Key) (*types.MessageBody, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Peek(key)
	if !ok {
		return nil, false
	}
	return e.body, true
}

// LastAccess returns the access time of key without refreshing it
func (c *EmailCache) LastAccess(key Key) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Peek(key)
	if !ok {
		return time.Time{}, false
	}
	return e.lastAccess, true
}

// Contains reports whether key is cached without refreshing it
func (c *EmailCache) Contains(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Contains(key)
}

// Update applies fn to a cached body in place, without refreshing recency
func (c *EmailCache) Update(key Key, fn func(*types.MessageBody)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Peek(key)
	if !ok {
		return false
	}
	fn(e.body)
	return true
}

// Remove drops key from the cache
func (c *EmailCache) Remove(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.lru.Peek(key); ok {
		c.lru.Remove(key)
		c.size -= e.size
	}
}

// RemoveAccount drops every entry of an account
func (c *EmailCache) RemoveAccount(accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range c.lru.Keys() {
		if key.AccountID != accountID {
			continue
		}
		if e, ok := c.lru.Peek(key); ok {
			c.lru.Remove(key)
			c.size -= e.size
		}
	}
}

// Size returns the total estimated size in bytes
func (c *EmailCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Len returns the number of cached bodies
func (c *EmailCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
