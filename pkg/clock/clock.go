// Package clock provides the Lamport logical clock that orders replicated
// room messages across nodes.
package clock

import "sync"

// Lamport is a thread-safe Lamport clock. The zero value is ready to use.
type Lamport struct {
    mu sync.Mutex
    v  int64
}

// New returns a clock starting at zero.
func New() *Lamport { return &Lamport{} }

// Tick advances the clock for a local event and returns the new value.
func (l *Lamport) Tick() int64 {
    l.mu.Lock()
    defer l.mu.Unlock()
    l.v++
    return l.v
}

// Observe merges a remote clock value: the local clock becomes
// max(local, remote)+1. The new value is returned.
func (l *Lamport) Observe(remote int64) int64 {
    l.mu.Lock()
    defer l.mu.Unlock()
    if remote > l.v { l.v = remote }
    l.v++
    return l.v
}

// Current returns the clock without advancing it.
func (l *Lamport) Current() int64 {
    l.mu.Lock()
    defer l.mu.Unlock()
    return l.v
}
