package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func newTestSeen(ttl time.Duration, maxSize int) (*Seen, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := New(ttl, maxSize)
	s.now = clock.now
	return s, clock
}

func TestSeen_CheckAndMark(t *testing.T) {
	s, _ := newTestSeen(time.Minute, 10)

	assert.False(t, s.CheckAndMark("a"), "first sighting")
	assert.True(t, s.CheckAndMark("a"), "redelivery")
	assert.False(t, s.CheckAndMark("b"))
	assert.Equal(t, 2, s.Len())
}

func TestSeen_Expiry(t *testing.T) {
	s, clock := newTestSeen(time.Minute, 10)

	s.CheckAndMark("a")
	clock.t = clock.t.Add(30 * time.Second)
	s.CheckAndMark("b")

	clock.t = clock.t.Add(31 * time.Second)
	assert.Equal(t, 1, s.Len(), "a expired, b still live")
	assert.False(t, s.CheckAndMark("a"))
	assert.True(t, s.CheckAndMark("b"))
}

func TestSeen_RemarkExtendsLifetime(t *testing.T) {
	s, clock := newTestSeen(time.Minute, 10)

	s.CheckAndMark("a")
	clock.t = clock.t.Add(50 * time.Second)
	assert.True(t, s.CheckAndMark("a"))

	clock.t = clock.t.Add(50 * time.Second)
	assert.True(t, s.CheckAndMark("a"))
}

func TestSeen_EvictsOldestAtCapacity(t *testing.T) {
	s, _ := newTestSeen(time.Hour, 2)

	s.CheckAndMark("a")
	s.CheckAndMark("b")
	s.CheckAndMark("c")

	assert.Equal(t, 2, s.Len())
	assert.False(t, s.CheckAndMark("a"), "a was evicted")
}

func TestSeen_Clear(t *testing.T) {
	s, _ := newTestSeen(time.Hour, 10)

	s.CheckAndMark("a")
	s.CheckAndMark("b")
	s.Clear()

	assert.Equal(t, 0, s.Len())
	assert.False(t, s.CheckAndMark("a"))
	assert.Equal(t, 1, s.Len())
}

func TestSeen_ConcurrentAccess(t *testing.T) {
	s := New(time.Minute, 1000)

	var wg sync.WaitGroup
	var mu sync.Mutex
	fresh := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if !s.CheckAndMark(fmt.Sprintf("key-%d", j)) {
					mu.Lock()
					fresh++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, fresh, "each key is new exactly once")
}
