// Package ratelimit implements the window-reset limiter used for proof
// generation. It is deliberately not a token bucket: a window is anchored at
// the first request for a key and the count resets in one step once the
// window ages out, matching the admission contract callers report to clients
// via Retry-After.
package ratelimit

import (
	"sync"
	"time"
)

// GlobalKey is the shared dimension every request counts against.
const GlobalKey = "global"

// Decision is the outcome of a single admission check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration // positive only when Allowed is false
}

type window struct {
	mu    sync.Mutex
	count int
	start time.Time
}

// Limiter admits up to ceiling requests per key within each window.
// Safe for concurrent use; each key carries its own lock so unrelated
// callers never serialize on each other.
type Limiter struct {
	width   time.Duration
	ceiling int
	now     func() time.Time
	windows sync.Map // key → *window
}

// Option configures the Limiter.
type Option func(*Limiter)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(l *Limiter) {
		if fn != nil {
			l.now = fn
		}
	}
}

// New creates a limiter with the given window width and admission ceiling.
func New(width time.Duration, ceiling int, opts ...Option) *Limiter {
	if width <= 0 {
		width = time.Minute
	}
	if ceiling <= 0 {
		ceiling = 1
	}
	l := &Limiter{
		width:   width,
		ceiling: ceiling,
		now:     time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Check records one request against key and reports whether it is admitted.
// The increment-and-compare is atomic per key.
func (l *Limiter) Check(key string) Decision {
	now := l.now()
	v, _ := l.windows.LoadOrStore(key, &window{start: now})
	w := v.(*window)

	w.mu.Lock()
	defer w.mu.Unlock()

	age := now.Sub(w.start)
	if age > l.width {
		w.count = 0
		w.start = now
		age = 0
	}

	if w.count >= l.ceiling {
		return Decision{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: l.width - age,
		}
	}
	w.count++
	return Decision{
		Allowed:   true,
		Remaining: l.ceiling - w.count,
	}
}

// Reset clears all windows. Test and operational use only.
func (l *Limiter) Reset() {
	l.windows.Range(func(key, _ any) bool {
		l.windows.Delete(key)
		return true
	})
}

// evictStale drops windows that have been idle past their width; they would
// reset on the next request anyway, this just bounds memory.
func (l *Limiter) evictStale() {
	now := l.now()
	l.windows.Range(func(key, v any) bool {
		w := v.(*window)
		w.mu.Lock()
		stale := now.Sub(w.start) > 2*l.width
		w.mu.Unlock()
		if stale {
			l.windows.Delete(key)
		}
		return true
	})
}

// Janitor periodically evicts stale windows from a set of limiters. It is an
// owned background task: Stop halts the ticker and waits for the loop to exit.
type Janitor struct {
	stop chan struct{}
	done chan struct{}
}

// NewJanitor starts the eviction loop. Eviction never runs on a request path.
func NewJanitor(every time.Duration, limiters ...*Limiter) *Janitor {
	if every <= 0 {
		every = time.Minute
	}
	j := &Janitor{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go func() {
		defer close(j.done)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for _, l := range limiters {
					l.evictStale()
				}
			case <-j.stop:
				return
			}
		}
	}()
	return j
}

// Stop halts background eviction.
func (j *Janitor) Stop() {
	close(j.stop)
	<-j.done
}
