package clock

import (
    "sync"
    "testing"
)

func TestTickIsStrictlyIncreasing(t *testing.T) {
    l := New()
    prev := int64(0)
    for i := 0; i < 100; i++ {
        v := l.Tick()
        if v <= prev { t.Fatalf("tick %d not greater than %d", v, prev) }
        prev = v
    }
}

func TestObserveExceedsBothInputs(t *testing.T) {
    l := New()
    l.Tick() // local = 1
    got := l.Observe(10)
    if got != 11 { t.Fatalf("observe(10) after tick = %d, want 11", got) }
    // Remote behind local still advances past local.
    got = l.Observe(3)
    if got != 12 { t.Fatalf("observe(3) = %d, want 12", got) }
}

func TestConcurrentTicksAreUnique(t *testing.T) {
    l := New()
    const workers, per = 8, 200
    var wg sync.WaitGroup
    seen := make(chan int64, workers*per)
    for w := 0; w < workers; w++ {
        wg.Add(1)
        go func() {
            defer wg.Done()
            for i := 0; i < per; i++ { seen <- l.Tick() }
        }()
    }
    wg.Wait()
    close(seen)
    dup := make(map[int64]bool, workers*per)
    for v := range seen {
        if dup[v] { t.Fatalf("duplicate clock value %d", v) }
        dup[v] = true
    }
    if cur := l.Current(); cur != workers*per {
        t.Fatalf("final clock %d, want %d", cur, workers*per)
    }
}
