package dedup

import (
    "fmt"
    "testing"
    "time"
)

func TestAddIfAbsentOncePerID(t *testing.T) {
    s := NewSet(16, time.Minute)
    if !s.AddIfAbsent("m1") { t.Fatalf("first add should report absent") }
    if s.AddIfAbsent("m1") { t.Fatalf("second add should report present") }
    if !s.AddIfAbsent("m2") { t.Fatalf("distinct id should report absent") }
    if s.Len() != 2 { t.Fatalf("len = %d, want 2", s.Len()) }
}

func TestTTLExpiryAllowsReAdd(t *testing.T) {
    s := NewSet(16, 30*time.Millisecond)
    if !s.AddIfAbsent("m1") { t.Fatalf("first add") }
    time.Sleep(60 * time.Millisecond)
    if s.Contains("m1") { t.Fatalf("entry should have expired") }
    if !s.AddIfAbsent("m1") { t.Fatalf("expired id should be absent again") }
}

func TestCapacityEvictsLeastRecentlyUsed(t *testing.T) {
    s := NewSet(3, time.Minute)
    for i := 1; i <= 3; i++ { s.AddIfAbsent(fmt.Sprintf("m%d", i)) }
    // Touch m1 so m2 becomes the LRU victim.
    if s.AddIfAbsent("m1") { t.Fatalf("m1 should be present") }
    s.AddIfAbsent("m4")
    if s.Contains("m2") { t.Fatalf("m2 should have been evicted") }
    if !s.Contains("m1") || !s.Contains("m3") || !s.Contains("m4") {
        t.Fatalf("unexpected survivors")
    }
    if s.Len() != 3 { t.Fatalf("len = %d, want 3", s.Len()) }
}

func TestHitDoesNotExtendTTL(t *testing.T) {
    s := NewSet(16, 50*time.Millisecond)
    s.AddIfAbsent("m1")
    time.Sleep(30 * time.Millisecond)
    if s.AddIfAbsent("m1") { t.Fatalf("m1 should still be live") }
    time.Sleep(30 * time.Millisecond)
    if s.Contains("m1") { t.Fatalf("ttl runs from first insertion, not last hit") }
}
