// Package claims deduplicates booking attempts across tasks: exactly one
// claim per opportunity key may be live at a time, held under a lease.
package claims

import (
	"context"
	"errors"
	"time"
)

// ErrAlreadyClaimed means another task holds a live claim, or the
// opportunity was already resolved. Callers treat it as a normal
// outcome, not a failure.
var ErrAlreadyClaimed = errors.New("claims: opportunity already claimed")

// DefaultLease bounds how long an executor may hold an unresolved claim
// before the opportunity becomes claimable again.
const DefaultLease = 30 * time.Second

// Claim is a time-leased exclusive right to attempt one booking.
type Claim struct {
	ID       string
	Key      string
	Owner    int64 // task id
	Deadline time.Time
}

// Expired reports whether the lease has lapsed.
func (c *Claim) Expired(now time.Time) bool {
	return !now.Before(c.Deadline)
}

// Coordinator is the shared claim registry. Implementations must make
// TryClaim an atomic compare-and-set on the opportunity key.
type Coordinator interface {
	// TryClaim admits at most one live claim per key.
	TryClaim(ctx context.Context, key string, owner int64) (*Claim, error)

	// Resolve marks the claim's opportunity permanently taken
	// (a confirmed booking). The key is never claimable again.
	Resolve(ctx context.Context, c *Claim) error

	// Release abandons the claim; the key becomes claimable immediately.
	Release(ctx context.Context, c *Claim) error

	// ReleaseOwner drops every live claim held by a task, used when the
	// task is deleted.
	ReleaseOwner(ctx context.Context, owner int64) error

	// ActiveByOwner counts the live claims a task currently holds.
	ActiveByOwner(ctx context.Context, owner int64) (int, error)
}
