package ratelimit

import (
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }
func newFakeClock() *fakeClock               { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func TestCheckRejectsAtCeiling(t *testing.T) {
	clock := newFakeClock()
	l := New(time.Minute, 1, WithClock(clock.now))

	if d := l.Check("tenant-1"); !d.Allowed {
		t.Fatalf("first request rejected: %+v", d)
	}
	d := l.Check("tenant-1")
	if d.Allowed {
		t.Fatal("second request within the window should be rejected")
	}
	if d.RetryAfter <= 0 {
		t.Fatalf("RetryAfter must be positive on rejection, got %s", d.RetryAfter)
	}
	if d.RetryAfter > time.Minute {
		t.Fatalf("RetryAfter exceeds window width: %s", d.RetryAfter)
	}
}

func TestCheckWindowReset(t *testing.T) {
	clock := newFakeClock()
	l := New(time.Minute, 1, WithClock(clock.now))

	l.Check("tenant-1")
	if d := l.Check("tenant-1"); d.Allowed {
		t.Fatal("should be at ceiling")
	}

	// One step past the window width resets the count entirely.
	clock.advance(time.Minute + time.Second)
	if d := l.Check("tenant-1"); !d.Allowed {
		t.Fatalf("request after window reset rejected: %+v", d)
	}
}

func TestCheckKeysIndependent(t *testing.T) {
	clock := newFakeClock()
	l := New(time.Minute, 1, WithClock(clock.now))

	l.Check("10.0.0.1")
	if d := l.Check("10.0.0.1"); d.Allowed {
		t.Fatal("first key should be at ceiling")
	}
	if d := l.Check("10.0.0.2"); !d.Allowed {
		t.Fatal("a different key must not be affected")
	}
}

func TestCheckRemainingCountsDown(t *testing.T) {
	clock := newFakeClock()
	l := New(time.Minute, 3, WithClock(clock.now))

	want := []int{2, 1, 0}
	for i, expect := range want {
		d := l.Check("k")
		if !d.Allowed {
			t.Fatalf("request %d rejected", i)
		}
		if d.Remaining != expect {
			t.Fatalf("request %d: remaining = %d, want %d", i, d.Remaining, expect)
		}
	}
}

func TestEvictStale(t *testing.T) {
	clock := newFakeClock()
	l := New(time.Minute, 5, WithClock(clock.now))

	l.Check("idle")
	clock.advance(3 * time.Minute)
	l.evictStale()

	if _, ok := l.windows.Load("idle"); ok {
		t.Fatal("stale window should have been evicted")
	}
}

func TestJanitorStops(t *testing.T) {
	l := New(time.Minute, 5)
	j := NewJanitor(10*time.Millisecond, l)

	done := make(chan struct{})
	go func() {
		j.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}
