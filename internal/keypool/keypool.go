// Package keypool manages the pool of decrypted API credentials for one
// account: validity, cooldown, rate limiting and failure isolation.
package keypool

import (
	"errors"
	"sync"
	"time"

	"github.com/example/slotwatch/internal/backoff"
)

// ErrNoCredentials is returned by Acquire when every credential is
// invalid, cooling down, rate limited or short-circuited.
var ErrNoCredentials = errors.New("keypool: no credentials available")

// Outcome classifies the result of an upstream call made with a handle.
type Outcome int

const (
	Success Outcome = iota
	RateLimited
	AuthRejected
	Transient
)

// Credential is one decrypted API key as delivered by the vault.
type Credential struct {
	ID     int64
	Name   string
	Secret string
}

// Handle wraps a credential with its runtime health state. Handles are
// owned by the pool; callers hold them only between Acquire and Report.
type Handle struct {
	cred Credential

	valid         bool
	lastUsed      time.Time
	failures      int
	cooldownUntil time.Time

	limiter *bucket
	breaker *Breaker
}

func (h *Handle) ID() int64      { return h.cred.ID }
func (h *Handle) Name() string   { return h.cred.Name }
func (h *Handle) Secret() string { return h.cred.Secret }

// Options tune per-credential limits and the breaker.
type Options struct {
	// Token bucket: RatePerSec tokens refill per second up to Burst.
	RatePerSec float64
	Burst      float64

	// Breaker trips Open after FailureThreshold consecutive transient
	// failures; Open lasts BreakerCooldown, doubling per reopen up to
	// BreakerCooldownCap.
	FailureThreshold   int
	BreakerCooldown    time.Duration
	BreakerCooldownCap time.Duration

	// Cooldown policy for rate-limited credentials.
	Cooldown backoff.Policy

	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.RatePerSec == 0 {
		o.RatePerSec = 2
	}
	if o.Burst == 0 {
		o.Burst = 4
	}
	if o.FailureThreshold == 0 {
		o.FailureThreshold = 5
	}
	if o.BreakerCooldown == 0 {
		o.BreakerCooldown = 30 * time.Second
	}
	if o.BreakerCooldownCap == 0 {
		o.BreakerCooldownCap = 5 * time.Minute
	}
	if o.Cooldown == (backoff.Policy{}) {
		o.Cooldown = backoff.Cooldown
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Pool selects credentials least-recently-used first and tracks their
// health from reported call outcomes.
type Pool struct {
	mu       sync.Mutex
	handles  []*Handle
	cooldown backoff.Policy
	now      func() time.Time
}

func New(creds []Credential, opts Options) *Pool {
	opts = opts.withDefaults()
	p := &Pool{cooldown: opts.Cooldown, now: opts.Now}
	for _, c := range creds {
		p.handles = append(p.handles, &Handle{
			cred:    c,
			valid:   true,
			limiter: newBucket(opts.RatePerSec, opts.Burst, opts.Now()),
			breaker: NewBreaker(opts.FailureThreshold, opts.BreakerCooldown, opts.BreakerCooldownCap),
		})
	}
	return p
}

// Acquire returns the least-recently-used credential that is valid, out
// of cooldown, inside its rate budget and not short-circuited.
func (p *Pool) Acquire() (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var candidates []*Handle
	for _, h := range p.handles {
		if !h.valid || now.Before(h.cooldownUntil) {
			continue
		}
		if !h.breaker.CanAttempt(now) {
			continue
		}
		candidates = append(candidates, h)
	}
	// oldest lastUsed first
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j].lastUsed.Before(candidates[j-1].lastUsed); j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}
	for _, h := range candidates {
		if !h.limiter.allow(now) {
			continue
		}
		if !h.breaker.Allow(now) {
			continue
		}
		h.lastUsed = now
		return h, nil
	}
	return nil, ErrNoCredentials
}

// Report feeds a call outcome back into the pool.
func (p *Pool) Report(h *Handle, outcome Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	switch outcome {
	case Success:
		h.failures = 0
		h.cooldownUntil = time.Time{}
		h.breaker.RecordSuccess()
	case RateLimited:
		h.failures++
		h.cooldownUntil = now.Add(p.cooldown.Delay(h.failures - 1))
	case AuthRejected:
		h.valid = false
	case Transient:
		h.breaker.RecordFailure(now)
	}
}

// Reset clears the cooldown and failure count of the named credential.
func (p *Pool) Reset(credID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range p.handles {
		if h.cred.ID == credID {
			h.failures = 0
			h.cooldownUntil = time.Time{}
		}
	}
}

// HandleStatus is a point-in-time view of one credential's health.
type HandleStatus struct {
	ID            int64
	Name          string
	Valid         bool
	Failures      int
	CooldownUntil time.Time
	LastUsed      time.Time
	BreakerState  BreakerState
}

func (p *Pool) Snapshot() []HandleStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]HandleStatus, 0, len(p.handles))
	for _, h := range p.handles {
		out = append(out, HandleStatus{
			ID:            h.cred.ID,
			Name:          h.cred.Name,
			Valid:         h.valid,
			Failures:      h.failures,
			CooldownUntil: h.cooldownUntil,
			LastUsed:      h.lastUsed,
			BreakerState:  h.breaker.State(),
		})
	}
	return out
}

func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}
