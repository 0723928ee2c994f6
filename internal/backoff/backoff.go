// Package backoff provides the exponential delay policy shared by
// credential cooldowns and poll retries.
package backoff

import (
	"math/rand"
	"time"
)

// Policy computes exponential delays with optional jitter.
// Attempt numbering starts at 0, which yields Base.
type Policy struct {
	Base       time.Duration
	Cap        time.Duration
	Multiplier float64
	Jitter     float64 // fraction of the delay randomized away, 0..1
}

// Default is the policy used for transient network retries.
var Default = Policy{
	Base:       1 * time.Second,
	Cap:        60 * time.Second,
	Multiplier: 2.0,
	Jitter:     0.5,
}

// Cooldown is the policy applied to rate-limited credentials.
var Cooldown = Policy{
	Base:       1 * time.Second,
	Cap:        5 * time.Minute,
	Multiplier: 2.0,
}

func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.Base)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.Cap) {
			d = float64(p.Cap)
			break
		}
	}
	if d > float64(p.Cap) {
		d = float64(p.Cap)
	}
	if p.Jitter > 0 {
		// keep (1-Jitter)·d .. d so delays never collapse to zero
		d *= 1 - p.Jitter*rand.Float64()
	}
	return time.Duration(d)
}
