// ABOUTME: Tests for the dedupe cache used to drop re-delivered webhook events.
// ABOUTME: Validates TTL expiration, size limits, eviction order, keys and concurrency safety.

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_EvictionOrder(t *testing.T) {
	cache := New(5*time.Minute, 3)
	defer cache.Close()

	assert.False(t, cache.CheckAndMark("first"))
	assert.False(t, cache.CheckAndMark("second"))
	assert.False(t, cache.CheckAndMark("third"))

	// A duplicate hit does not count as use.
	assert.True(t, cache.CheckAndMark("first"))

	assert.False(t, cache.CheckAndMark("fourth"))
	assert.Equal(t, 3, cache.Len())
	assert.True(t, cache.CheckAndMark("second"))
	assert.True(t, cache.CheckAndMark("third"))
	assert.True(t, cache.CheckAndMark("fourth"))

	assert.False(t, cache.CheckAndMark("first"), "first should have been evicted")
	assert.False(t, cache.CheckAndMark("second"), "second should have been evicted")
}

func TestCache_CheckAndMark(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	assert.False(t, cache.CheckAndMark("123:1"), "first delivery is new")
	assert.True(t, cache.CheckAndMark("123:1"), "second delivery is a duplicate")
	assert.False(t, cache.CheckAndMark("123:2"))
	assert.False(t, cache.CheckAndMark("456:1"), "same message id in another group is distinct")
}

func TestCache_CheckAndMark_EmptyKeyNeverDuplicate(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	assert.False(t, cache.CheckAndMark(""))
	assert.False(t, cache.CheckAndMark(""))
	assert.Equal(t, 0, cache.Len())
}

func TestCache_CheckAndMark_Expired(t *testing.T) {
	cache := New(20*time.Millisecond, 100)
	defer cache.Close()

	assert.False(t, cache.CheckAndMark("expiring-key"))
	assert.True(t, cache.CheckAndMark("expiring-key"))

	time.Sleep(40 * time.Millisecond)
	assert.False(t, cache.CheckAndMark("expiring-key"), "should not be seen after expiry")
}

func TestCache_CheckAndMark_Atomic(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	const numGoroutines = 100
	var winners atomic.Int32
	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			if !cache.CheckAndMark("contested-key") {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load(), "exactly one goroutine should win the race for CheckAndMark")
}

func TestCache_Concurrent(t *testing.T) {
	cache := New(5*time.Minute, 1000)
	defer cache.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("%d:%d", id%7, j)
				cache.CheckAndMark(key)
				cache.CheckAndMark(key)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 700, cache.Len())
	assert.False(t, cache.CheckAndMark("final-key"))
	assert.True(t, cache.CheckAndMark("final-key"))
}

func TestCache_Close(t *testing.T) {
	cache := New(5*time.Minute, 100)
	assert.False(t, cache.CheckAndMark("before-close"))

	cache.Close()
	cache.Close()

	assert.Equal(t, 0, cache.Len())
	assert.False(t, cache.CheckAndMark("before-close"))
	assert.False(t, cache.CheckAndMark("after-close"), "closed cache never marks")
}

func TestNew_Defaults(t *testing.T) {
	cache := New(0, 0)
	defer cache.Close()

	assert.False(t, cache.CheckAndMark("k"))
	assert.True(t, cache.CheckAndMark("k"))
	assert.Equal(t, 1, cache.Len())
}

func TestKey(t *testing.T) {
	assert.Equal(t, "123:45", Key(123, 45))
	assert.Equal(t, "", Key(123, 0))
}
