package keypool

import (
	"sync"
	"time"
)

// BreakerState is the circuit state of one credential.
type BreakerState int

const (
	Closed BreakerState = iota
	Open
	HalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Breaker isolates a credential after consecutive transient failures.
// Open short-circuits all calls; after the cooldown one probe is allowed
// (HalfOpen). A failed probe reopens with a doubled cooldown, capped.
type Breaker struct {
	mu sync.Mutex

	threshold   int
	baseCool    time.Duration
	capCool     time.Duration
	currentCool time.Duration

	state         BreakerState
	failures      int
	openUntil     time.Time
	probeInFlight bool
}

func NewBreaker(threshold int, cooldown, cooldownCap time.Duration) *Breaker {
	return &Breaker{
		threshold:   threshold,
		baseCool:    cooldown,
		capCool:     cooldownCap,
		currentCool: cooldown,
	}
}

// CanAttempt reports whether a call could be admitted now, without
// consuming the half-open probe slot.
func (b *Breaker) CanAttempt(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed:
		return true
	case Open:
		return !now.Before(b.openUntil)
	case HalfOpen:
		return !b.probeInFlight
	}
	return false
}

// Allow admits a call. In HalfOpen it consumes the single probe slot.
func (b *Breaker) Allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed:
		return true
	case Open:
		if now.Before(b.openUntil) {
			return false
		}
		b.state = HalfOpen
		b.probeInFlight = true
		return true
	case HalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	}
	return false
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.probeInFlight = false
	b.currentCool = b.baseCool
}

func (b *Breaker) RecordFailure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	switch b.state {
	case HalfOpen:
		// failed probe: reopen longer
		b.currentCool *= 2
		if b.currentCool > b.capCool {
			b.currentCool = b.capCool
		}
		b.open(now)
	case Closed:
		if b.failures >= b.threshold {
			b.open(now)
		}
	case Open:
		// late failure report while already open; extend nothing
	}
}

func (b *Breaker) open(now time.Time) {
	b.state = Open
	b.openUntil = now.Add(b.currentCool)
	b.probeInFlight = false
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
