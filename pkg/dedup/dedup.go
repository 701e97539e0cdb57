// Package dedup implements the bounded message-id cache that suppresses
// duplicate envelope processing on gossipy paths.
package dedup

import (
    "container/list"
    "sync"
    "time"
)

type entry struct {
    id     string
    seenAt time.Time
}

// Set is an LRU set with a per-entry TTL. Lookups refresh recency;
// expiry is always measured from first insertion. Safe for concurrent use.
type Set struct {
    mu    sync.Mutex
    max   int
    ttl   time.Duration
    order *list.List // front = most recently used
    items map[string]*list.Element
}

// NewSet returns a set holding at most max ids, each expiring ttl after
// it was first added.
func NewSet(max int, ttl time.Duration) *Set {
    if max <= 0 { max = 1 }
    return &Set{max: max, ttl: ttl, order: list.New(), items: make(map[string]*list.Element, max)}
}

// AddIfAbsent records id and reports whether it was newly added. A hit on
// a live entry returns false and refreshes its recency without extending
// its TTL. Expired entries count as absent and are re-added fresh.
func (s *Set) AddIfAbsent(id string) bool {
    now := time.Now()
    s.mu.Lock()
    defer s.mu.Unlock()
    s.pruneLocked(now)
    if el, ok := s.items[id]; ok {
        s.order.MoveToFront(el)
        return false
    }
    el := s.order.PushFront(&entry{id: id, seenAt: now})
    s.items[id] = el
    if s.order.Len() > s.max { s.evictOldestLocked() }
    return true
}

// Contains reports whether id is present and unexpired, without touching
// recency.
func (s *Set) Contains(id string) bool {
    now := time.Now()
    s.mu.Lock()
    defer s.mu.Unlock()
    el, ok := s.items[id]
    if !ok { return false }
    if s.ttl > 0 && now.Sub(el.Value.(*entry).seenAt) >= s.ttl {
        s.removeLocked(el)
        return false
    }
    return true
}

// Len returns the number of live entries.
func (s *Set) Len() int {
    s.mu.Lock()
    defer s.mu.Unlock()
    s.pruneLocked(time.Now())
    return s.order.Len()
}

func (s *Set) pruneLocked(now time.Time) {
    if s.ttl <= 0 { return }
    // Recency order is not age order (hits move entries forward), so walk
    // the whole list.
    for el := s.order.Back(); el != nil; {
        prev := el.Prev()
        if now.Sub(el.Value.(*entry).seenAt) >= s.ttl { s.removeLocked(el) }
        el = prev
    }
}

func (s *Set) evictOldestLocked() {
    if el := s.order.Back(); el != nil { s.removeLocked(el) }
}

func (s *Set) removeLocked(el *list.Element) {
    s.order.Remove(el)
    delete(s.items, el.Value.(*entry).id)
}
