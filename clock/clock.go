// Package clock provides the time and identity sources shared by every
// receptor component. Both are injected rather than read from globals so
// that tests can advance time and fix identifiers.
package clock

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock is the receptor's source of wall-clock time.
type Clock interface {
	// Now returns the current UTC instant.
	Now() time.Time
	// After behaves as time.After against this clock.
	After(d time.Duration) <-chan time.Time
}

// Real is a Clock backed by the system clock.
type Real struct{}

func (Real) Now() time.Time                         { return time.Now().UTC() }
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

// NewID returns a fresh UUIDv4 string. Used for internal ids,
// correlation ids, and x-fapi-interaction-id headers.
func NewID() string { return uuid.NewString() }

// RunID builds a scheduler run identifier from its start instant
// plus a random suffix, so runs sort chronologically but never collide.
func RunID(now time.Time) string {
	return now.UTC().Format("20060102T150405Z") + "-" + uuid.NewString()[:8]
}

// Fake is a manually-advanced Clock for tests.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
}

type waiter struct {
	at time.Time
	ch chan time.Time
}

// NewFake returns a Fake pinned at |start|.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start.UTC()}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	var ch = make(chan time.Time, 1)
	if d <= 0 {
		ch <- f.now
		return ch
	}
	f.waiters = append(f.waiters, waiter{at: f.now.Add(d), ch: ch})
	return ch
}

// Advance moves the fake clock forward, firing any timers which elapse.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.now = f.now.Add(d)

	var rest = f.waiters[:0]
	for _, w := range f.waiters {
		if !w.at.After(f.now) {
			w.ch <- f.now
		} else {
			rest = append(rest, w)
		}
	}
	f.waiters = rest
}
