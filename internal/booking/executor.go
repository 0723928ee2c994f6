package booking

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/example/slotwatch/internal/backoff"
	"github.com/example/slotwatch/internal/claims"
	"github.com/example/slotwatch/internal/inventory"
	"github.com/example/slotwatch/internal/keypool"
	"github.com/example/slotwatch/internal/notify"
	"github.com/example/slotwatch/internal/opportunity"
	"github.com/example/slotwatch/internal/tasks"
)

// Booker commits one slot upstream. *inventory.Client implements it.
type Booker interface {
	Book(ctx context.Context, target opportunity.Target, opp opportunity.Opportunity, secret string) (string, error)
}

// Executor converts an admitted claim into a committed reservation.
// Transient failures retry while the lease holds; definitive rejections
// release the claim and invalidate the cached view of the target.
type Executor struct {
	booker     Booker
	claims     claims.Coordinator
	results    Store
	sink       notify.Sink
	invalidate func(key string)
	retry      backoff.Policy

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type ExecutorOptions struct {
	// Invalidate is called with the target cache key after a rejected
	// booking so the next tick fetches fresh availability.
	Invalidate func(key string)
	Retry      backoff.Policy

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

func NewExecutor(b Booker, c claims.Coordinator, s Store, sink notify.Sink, opts ExecutorOptions) *Executor {
	if opts.Retry == (backoff.Policy{}) {
		opts.Retry = backoff.Policy{Base: 500 * time.Millisecond, Cap: 5 * time.Second, Multiplier: 2, Jitter: 0.5}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		}
	}
	if opts.Invalidate == nil {
		opts.Invalidate = func(string) {}
	}
	return &Executor{
		booker:     b,
		claims:     c,
		results:    s,
		sink:       sink,
		invalidate: opts.Invalidate,
		retry:      opts.Retry,
		now:        opts.Now,
		sleep:      opts.Sleep,
	}
}

// Execute runs the booking attempt for a claimed opportunity and returns
// the terminal result. The claim is resolved on confirmation and
// released on any failure.
func (e *Executor) Execute(ctx context.Context, pool *keypool.Pool, task tasks.Task, c *claims.Claim, opp opportunity.Opportunity) (*Result, error) {
	res := &Result{
		ID:          uuid.NewString(),
		TaskID:      task.ID,
		WarehouseID: opp.WarehouseID,
		Date:        opp.Date,
		Slot:        opp.Slot,
		Coefficient: opp.Coefficient,
		Status:      StatusPending,
	}
	if err := e.results.Create(ctx, res); err != nil {
		_ = e.claims.Release(ctx, c)
		return nil, fmt.Errorf("booking: create result: %w", err)
	}

	// terminal persistence and notifications use the parent context so a
	// lapsed lease cannot block recording the outcome
	parent := ctx
	ctx, cancel := context.WithDeadline(ctx, c.Deadline)
	defer cancel()

	target := task.Target()
	attempt := 0
	for !c.Expired(e.now()) {
		h, err := pool.Acquire()
		if errors.Is(err, keypool.ErrNoCredentials) {
			if e.sleep(ctx, e.retry.Delay(attempt)) != nil {
				break
			}
			attempt++
			continue
		}
		if err != nil {
			return nil, err
		}

		externalID, err := e.booker.Book(ctx, target, opp, h.Secret())
		switch {
		case err == nil:
			pool.Report(h, keypool.Success)
			return e.confirm(parent, task, c, res, externalID)

		case errors.Is(err, inventory.ErrAuthRejected):
			pool.Report(h, keypool.AuthRejected)
			e.sink.Notify(ctx, task.UserID, notify.Event{
				Type:   notify.KeyInvalidated,
				TaskID: task.ID,
				Detail: fmt.Sprintf("credential %q rejected during booking", h.Name()),
				At:     e.now(),
			})
			continue // another credential may still work

		case errors.Is(err, inventory.ErrThrottled):
			pool.Report(h, keypool.RateLimited)
			continue

		case inventory.IsTransient(err):
			pool.Report(h, keypool.Transient)
			log.Printf("[booking] task=%d transient booking failure: %v", task.ID, err)
			if e.sleep(ctx, e.retry.Delay(attempt)) != nil {
				break
			}
			attempt++
			continue

		default:
			// definitive rejection: slot gone between claim and commit
			pool.Report(h, keypool.Success)
			var rej *inventory.RejectedError
			reason := err.Error()
			if errors.As(err, &rej) {
				reason = rej.Reason
			}
			return e.reject(parent, task, c, res, target, reason)
		}
	}

	// lease ran out without a decision
	return e.reject(parent, task, c, res, target, "claim lease expired before booking completed")
}

func (e *Executor) confirm(ctx context.Context, task tasks.Task, c *claims.Claim, res *Result, externalID string) (*Result, error) {
	if err := e.results.MarkConfirmed(ctx, res.ID, externalID); err != nil {
		return nil, fmt.Errorf("booking: mark confirmed: %w", err)
	}
	res.Status = StatusConfirmed
	res.ExternalID = externalID
	if err := e.claims.Resolve(ctx, c); err != nil {
		log.Printf("[booking] task=%d resolve claim: %v", task.ID, err)
	}
	e.sink.Notify(ctx, task.UserID, notify.Event{
		Type:      notify.BookingConfirmed,
		TaskID:    task.ID,
		Warehouse: task.WarehouseName,
		Slot:      res.Slot,
		Date:      res.Date.Format("2006-01-02"),
		Detail:    externalID,
		At:        e.now(),
	})
	return res, nil
}

func (e *Executor) reject(ctx context.Context, task tasks.Task, c *claims.Claim, res *Result, target opportunity.Target, reason string) (*Result, error) {
	if err := e.results.MarkFailed(ctx, res.ID, reason); err != nil {
		return nil, fmt.Errorf("booking: mark failed: %w", err)
	}
	res.Status = StatusFailed
	res.Error = reason
	if err := e.claims.Release(ctx, c); err != nil {
		log.Printf("[booking] task=%d release claim: %v", task.ID, err)
	}
	e.invalidate(target.CacheKey())
	e.sink.Notify(ctx, task.UserID, notify.Event{
		Type:      notify.BookingFailed,
		TaskID:    task.ID,
		Warehouse: task.WarehouseName,
		Slot:      res.Slot,
		Date:      res.Date.Format("2006-01-02"),
		Detail:    reason,
		At:        e.now(),
	})
	return res, nil
}
