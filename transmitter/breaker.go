package transmitter

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/openfinancebr/receptor/clock"
)

// Breaker states.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

const (
	breakerWindow      = 20
	breakerTripRatio   = 0.5
	breakerOpenFor     = 30 * time.Second
	breakerCloseStreak = 2
)

// breaker is a per-organisation circuit breaker over a rolling window
// of call outcomes. CLOSED admits everything; OPEN short-circuits for
// breakerOpenFor; HALF_OPEN admits a single probe and closes again
// after breakerCloseStreak consecutive successes.
type breaker struct {
	mu    sync.Mutex
	clock clock.Clock
	org   string

	state     breakerState
	openUntil time.Time

	// Rolling outcome window: ring[i] is true for a failure.
	ring  [breakerWindow]bool
	next  int
	count int
	fails int

	probeInFlight bool
	successStreak int
}

func newBreaker(org string, clk clock.Clock) *breaker {
	return &breaker{clock: clk, org: org}
}

// allow reports whether a call may proceed now.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if b.clock.Now().Before(b.openUntil) {
			return false
		}
		// Open period elapsed: admit one probe.
		b.state = breakerHalfOpen
		b.probeInFlight = true
		b.successStreak = 0
		log.WithField("organisationId", b.org).Info("circuit breaker half-open")
		return true
	default: // breakerHalfOpen
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	}
}

// record feeds one call outcome back into the breaker.
func (b *breaker) record(failure bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerHalfOpen:
		b.probeInFlight = false
		if failure {
			b.trip()
			return
		}
		if b.successStreak++; b.successStreak >= breakerCloseStreak {
			b.reset()
			log.WithField("organisationId", b.org).Info("circuit breaker closed")
		}
		return

	case breakerOpen:
		// Late result of a call admitted before the trip.
		return
	}

	// CLOSED: roll the window.
	if b.count == breakerWindow {
		if b.ring[b.next] {
			b.fails--
		}
	} else {
		b.count++
	}
	b.ring[b.next] = failure
	if failure {
		b.fails++
	}
	b.next = (b.next + 1) % breakerWindow

	if b.count == breakerWindow && float64(b.fails) > breakerTripRatio*float64(b.count) {
		b.trip()
	}
}

func (b *breaker) trip() {
	b.state = breakerOpen
	b.openUntil = b.clock.Now().Add(breakerOpenFor)
	b.successStreak = 0
	b.probeInFlight = false
	breakerOpenCounter.WithLabelValues(b.org).Inc()
	log.WithFields(log.Fields{
		"organisationId": b.org,
		"until":          b.openUntil,
	}).Warn("circuit breaker open")
}

func (b *breaker) reset() {
	b.state = breakerClosed
	b.ring = [breakerWindow]bool{}
	b.next, b.count, b.fails = 0, 0, 0
	b.probeInFlight = false
	b.successStreak = 0
}
