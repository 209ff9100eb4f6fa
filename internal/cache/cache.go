package cache

import (
	"container/list"
	"sync"
	"time"
)

// seenEntry stores when a key was marked and its position in the order list
type seenEntry struct {
	markedAt time.Time
	element  *list.Element
}

// Seen is a size-bounded TTL set of message keys.
// The live channel uses it to drop frames the push service redelivers.
// Expired entries are pruned lazily on access, oldest first.
type Seen struct {
	mu      sync.Mutex
	entries map[string]*seenEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// New creates a Seen cache. maxSize <= 0 means unbounded.
func New(ttl time.Duration, maxSize int) *Seen {
	return &Seen{
		entries: make(map[string]*seenEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// CheckAndMark reports whether key was already seen within the TTL.
// A new or expired key is marked and false is returned.
func (s *Seen) CheckAndMark(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.pruneLocked(now)

	if entry, ok := s.entries[key]; ok {
		entry.markedAt = now
		s.order.MoveToBack(entry.element)
		return true
	}

	if s.maxSize > 0 && len(s.entries) >= s.maxSize {
		s.evictOldestLocked()
	}

	s.entries[key] = &seenEntry{
		markedAt: now,
		element:  s.order.PushBack(key),
	}
	return false
}

// Clear forgets every key
func (s *Seen) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]*seenEntry)
	s.order.Init()
}

// Len returns the number of unexpired keys
func (s *Seen) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneLocked(s.now())
	return len(s.entries)
}

// pruneLocked drops expired entries from the front of the order list.
// Marking moves a key to the back, so the list stays sorted by markedAt.
func (s *Seen) pruneLocked(now time.Time) {
	if s.ttl <= 0 {
		return
	}
	for front := s.order.Front(); front != nil; front = s.order.Front() {
		key, _ := front.Value.(string)
		entry := s.entries[key]
		if now.Sub(entry.markedAt) < s.ttl {
			return
		}
		s.order.Remove(front)
		delete(s.entries, key)
	}
}

func (s *Seen) evictOldestLocked() {
	front := s.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	s.order.Remove(front)
	delete(s.entries, key)
}
