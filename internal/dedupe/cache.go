// ABOUTME: Thread-safe TTL cache for suppressing re-delivered webhook events.
// ABOUTME: Backed by an expirable LRU so both age and size are bounded.

package dedupe

import (
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Default window and capacity for webhook event keys.
const (
	DefaultTTL     = 5 * time.Minute
	DefaultMaxSize = 10_000
)

// Cache tracks recently seen keys. Entries expire after the TTL; when the
// cache is full the least recently marked key is evicted.
type Cache struct {
	mu     sync.Mutex // makes check-then-mark atomic
	seen   *expirable.LRU[string, time.Time]
	closed bool
}

// New creates a dedupe cache with the given TTL and maximum size.
// Non-positive values fall back to DefaultTTL and DefaultMaxSize.
func New(ttl time.Duration, maxSize int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Cache{
		seen: expirable.NewLRU[string, time.Time](maxSize, nil, ttl),
	}
}

// Key builds the dedupe key for a group message. Events without a message
// id return "" and are never deduplicated.
func Key(groupID, messageID int64) string {
	if messageID == 0 {
		return ""
	}
	return strconv.FormatInt(groupID, 10) + ":" + strconv.FormatInt(messageID, 10)
}

// CheckAndMark atomically checks if a key has been seen and marks it if not.
// Returns true for a duplicate, false if the key is new and now marked.
// The empty key is never a duplicate.
func (c *Cache) CheckAndMark(key string) bool {
	if key == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.seen.Peek(key); ok {
		return true
	}
	if !c.closed {
		c.seen.Add(key, time.Now())
	}
	return false
}

// Len returns the number of unexpired keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen.Len()
}

// Close drops all entries and stops further marking. It is safe to call
// multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.seen.Purge()
		c.closed = true
	}
}
