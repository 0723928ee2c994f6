// Package scheduler drives active monitoring tasks at their configured
// cadence: poll, filter, claim, book. Ticks for one task are strictly
// sequential; parallelism across tasks is bounded by a worker ceiling.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/example/slotwatch/internal/booking"
	"github.com/example/slotwatch/internal/claims"
	"github.com/example/slotwatch/internal/inventory"
	"github.com/example/slotwatch/internal/keypool"
	"github.com/example/slotwatch/internal/notify"
	"github.com/example/slotwatch/internal/opportunity"
	"github.com/example/slotwatch/internal/tasks"
)

// Poller fetches availability for a target. *inventory.Client implements it.
type Poller interface {
	Poll(ctx context.Context, target opportunity.Target, secret string) ([]opportunity.Opportunity, error)
}

// Executor commits a claimed opportunity. *booking.Executor implements it.
type Executor interface {
	Execute(ctx context.Context, pool *keypool.Pool, task tasks.Task, c *claims.Claim, opp opportunity.Opportunity) (*booking.Result, error)
}

// TaskStore is the slice of task persistence the scheduler writes to.
type TaskStore interface {
	MarkChecked(ctx context.Context, id int64, slotsFound int) error
	Deactivate(ctx context.Context, id int64) error
}

// Pools hands out the credential pool for a user's account.
type Pools interface {
	Pool(userID int64) (*keypool.Pool, error)
}

type Options struct {
	// Workers bounds concurrently in-flight ticks across all tasks.
	Workers int
	// DeferDelay is how long a due task waits when every worker is busy.
	DeferDelay time.Duration

	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 8
	}
	if o.DeferDelay <= 0 {
		o.DeferDelay = 500 * time.Millisecond
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type taskState struct {
	task    tasks.Task
	paused  bool
	running bool
}

type item struct {
	id      int64
	due     time.Time
	cadence time.Duration
	index   int
}

// queue orders by due time; among equally due items shorter cadences go
// first so backpressure defers the longer ones.
type queue []*item

func (q queue) Len() int { return len(q) }
func (q queue) Less(i, j int) bool {
	if !q[i].due.Equal(q[j].due) {
		return q[i].due.Before(q[j].due)
	}
	return q[i].cadence < q[j].cadence
}
func (q queue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}
func (q *queue) Push(x any) {
	it := x.(*item)
	it.index = len(*q)
	*q = append(*q, it)
}
func (q *queue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return it
}

// Scheduler owns the due-time heap and the worker budget.
type Scheduler struct {
	poller Poller
	cache  *opportunity.Cache
	claims claims.Coordinator
	exec   Executor
	store  TaskStore
	pools  Pools
	sink   notify.Sink

	deferDelay time.Duration
	now        func() time.Time

	mu       sync.Mutex
	q        queue
	states   map[int64]*taskState
	degraded map[int64]bool // pool-exhausted latch per user

	sem  chan struct{}
	wake chan struct{}
	wg   sync.WaitGroup
}

func New(p Poller, cache *opportunity.Cache, cc claims.Coordinator, exec Executor, store TaskStore, pools Pools, sink notify.Sink, opts Options) *Scheduler {
	opts = opts.withDefaults()
	return &Scheduler{
		poller:     p,
		cache:      cache,
		claims:     cc,
		exec:       exec,
		store:      store,
		pools:      pools,
		sink:       sink,
		deferDelay: opts.DeferDelay,
		now:        opts.Now,
		states:     make(map[int64]*taskState),
		degraded:   make(map[int64]bool),
		sem:        make(chan struct{}, opts.Workers),
		wake:       make(chan struct{}, 1),
	}
}

// Add registers a task and schedules its first tick immediately.
// An existing entry is replaced with the fresh snapshot.
func (s *Scheduler) Add(t tasks.Task) {
	s.mu.Lock()
	st, ok := s.states[t.ID]
	if ok {
		wasPaused := st.paused
		st.task = t
		st.paused = t.Paused
		if wasPaused && !st.paused && !st.running {
			s.push(t.ID, s.now(), t.Cadence())
		}
		s.mu.Unlock()
		s.wakeup()
		return
	}
	s.states[t.ID] = &taskState{task: t, paused: t.Paused}
	if !t.Paused {
		s.push(t.ID, s.now(), t.Cadence())
	}
	s.mu.Unlock()
	s.wakeup()
}

// Pause stops future ticks; an in-flight tick finishes but its findings
// are discarded before claiming.
func (s *Scheduler) Pause(id int64) {
	s.mu.Lock()
	if st, ok := s.states[id]; ok {
		st.paused = true
	}
	s.mu.Unlock()
}

func (s *Scheduler) Resume(id int64) {
	s.mu.Lock()
	st, ok := s.states[id]
	if ok && st.paused {
		st.paused = false
		// an in-flight tick requeues itself when it finishes
		if !st.running {
			s.push(id, s.now(), st.task.Cadence())
		}
	}
	s.mu.Unlock()
	s.wakeup()
}

// Remove drops the task and releases every claim it holds.
func (s *Scheduler) Remove(ctx context.Context, id int64) {
	s.mu.Lock()
	delete(s.states, id)
	s.mu.Unlock()
	if err := s.claims.ReleaseOwner(ctx, id); err != nil {
		log.Printf("[scheduler] task=%d release claims: %v", id, err)
	}
}

// Size reports how many tasks are registered.
func (s *Scheduler) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}

// Run dispatches due ticks until ctx is cancelled, then drains in-flight
// work before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.dispatch(ctx)

		wait := s.untilNext()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case <-timer.C:
		case <-s.wake:
		}
	}
}

func (s *Scheduler) wakeup() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) untilNext() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.q) == 0 {
		return time.Hour
	}
	d := s.q[0].due.Sub(s.now())
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

// push must be called with s.mu held.
func (s *Scheduler) push(id int64, due time.Time, cadence time.Duration) {
	heap.Push(&s.q, &item{id: id, due: due, cadence: cadence})
}

// dispatch starts a tick for every due task that fits in the worker
// budget; the rest are deferred, never dropped.
func (s *Scheduler) dispatch(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*item
	for len(s.q) > 0 && !s.q[0].due.After(now) {
		due = append(due, heap.Pop(&s.q).(*item))
	}

	for _, it := range due {
		st, ok := s.states[it.id]
		if !ok || st.paused || st.running {
			continue
		}
		select {
		case s.sem <- struct{}{}:
			st.running = true
			t := st.task
			s.wg.Add(1)
			go s.runTick(ctx, t)
		default:
			log.Printf("[scheduler] task=%d deferred, all workers busy", it.id)
			s.push(it.id, now.Add(s.deferDelay), it.cadence)
		}
	}
	s.mu.Unlock()
}

// runTick executes one tick and requeues the task for its next cadence.
func (s *Scheduler) runTick(ctx context.Context, t tasks.Task) {
	defer s.wg.Done()

	booked := s.tick(ctx, t)

	s.mu.Lock()
	<-s.sem
	st, ok := s.states[t.ID]
	if ok {
		st.running = false
		if booked {
			delete(s.states, t.ID)
		} else if !st.paused {
			s.push(t.ID, s.now().Add(t.Cadence()), t.Cadence())
		}
	}
	s.mu.Unlock()
	s.wakeup()
}

// tick performs poll → filter → claim → book for one task. It reports
// whether the task finished for good (a confirmed booking).
func (s *Scheduler) tick(ctx context.Context, t tasks.Task) bool {
	if t.Expired(s.now()) {
		log.Printf("[scheduler] task=%d date range ended, deactivating", t.ID)
		if err := s.store.Deactivate(ctx, t.ID); err != nil {
			log.Printf("[scheduler] task=%d deactivate: %v", t.ID, err)
		}
		return true
	}

	pool, err := s.pools.Pool(t.UserID)
	if err != nil {
		log.Printf("[scheduler] task=%d no credential pool: %v", t.ID, err)
		return false
	}

	// a tick never outlives its cadence; overrunning is a missed tick
	tctx, cancel := context.WithTimeout(ctx, t.Cadence())
	defer cancel()

	target := t.Target()
	opps, err := s.cache.GetOrFetch(tctx, target.CacheKey(), func(fctx context.Context) ([]opportunity.Opportunity, error) {
		return s.fetch(fctx, pool, t, target)
	})
	switch {
	case err == nil:
		s.clearDegraded(t.UserID)
	case errors.Is(err, keypool.ErrNoCredentials):
		s.markDegraded(ctx, t)
		return false
	case errors.Is(err, context.DeadlineExceeded):
		log.Printf("[scheduler] task=%d missed tick: poll exceeded %s cadence", t.ID, t.Cadence())
		return false
	default:
		log.Printf("[scheduler] task=%d poll failed: %v", t.ID, err)
		return false
	}

	matched := opportunity.Filter(opps, t.MaxCoefficient)
	if err := s.store.MarkChecked(ctx, t.ID, len(matched)); err != nil {
		log.Printf("[scheduler] task=%d record check: %v", t.ID, err)
	}
	if len(matched) == 0 {
		return false
	}

	// deactivation is cooperative: findings from a now-paused or removed
	// task are discarded before any claim is taken
	s.mu.Lock()
	st, ok := s.states[t.ID]
	active := ok && !st.paused
	s.mu.Unlock()
	if !active {
		return false
	}

	if t.Mode == tasks.ModeNotify {
		best := matched[0]
		s.sink.Notify(ctx, t.UserID, notify.Event{
			Type:      notify.SlotsFound,
			TaskID:    t.ID,
			Warehouse: t.WarehouseName,
			Slot:      best.Slot,
			Date:      best.Date.Format("2006-01-02"),
			Detail:    fmt.Sprintf("%d matching slot(s), best coefficient %.1f", len(matched), best.Coefficient),
			At:        s.now(),
		})
		return false
	}

	return s.book(ctx, pool, t, matched)
}

// fetch is the cache-miss path: one credential, one upstream call, one
// outcome report.
func (s *Scheduler) fetch(ctx context.Context, pool *keypool.Pool, t tasks.Task, target opportunity.Target) ([]opportunity.Opportunity, error) {
	h, err := pool.Acquire()
	if err != nil {
		return nil, err
	}
	opps, err := s.poller.Poll(ctx, target, h.Secret())
	switch {
	case err == nil:
		pool.Report(h, keypool.Success)
	case errors.Is(err, inventory.ErrAuthRejected):
		pool.Report(h, keypool.AuthRejected)
		s.sink.Notify(ctx, t.UserID, notify.Event{
			Type:   notify.KeyInvalidated,
			TaskID: t.ID,
			Detail: fmt.Sprintf("credential %q rejected during poll", h.Name()),
			At:     s.now(),
		})
	case errors.Is(err, inventory.ErrThrottled):
		pool.Report(h, keypool.RateLimited)
	case inventory.IsTransient(err):
		pool.Report(h, keypool.Transient)
	default:
		// upstream understood the request and refused it; the
		// credential itself is healthy
		pool.Report(h, keypool.Success)
	}
	return opps, err
}

// book claims matched opportunities cheapest-first and hands the first
// admitted claim to the executor.
func (s *Scheduler) book(ctx context.Context, pool *keypool.Pool, t tasks.Task, matched []opportunity.Opportunity) bool {
	for _, opp := range matched {
		c, err := s.claims.TryClaim(ctx, opp.Key(), t.ID)
		if errors.Is(err, claims.ErrAlreadyClaimed) {
			continue // someone else got there first, not an error
		}
		if err != nil {
			log.Printf("[scheduler] task=%d claim %s: %v", t.ID, opp.Key(), err)
			return false
		}

		res, err := s.exec.Execute(ctx, pool, t, c, opp)
		if err != nil {
			log.Printf("[scheduler] task=%d booking %s: %v", t.ID, opp.Key(), err)
			return false
		}
		if res.Status == booking.StatusConfirmed {
			if err := s.store.Deactivate(ctx, t.ID); err != nil {
				log.Printf("[scheduler] task=%d deactivate after booking: %v", t.ID, err)
			}
			log.Printf("[scheduler] task=%d booked %s (%s)", t.ID, opp.Key(), res.ExternalID)
			return true
		}
		// rejected: the cache entry was invalidated, try the next match
	}
	return false
}

// markDegraded emits the pool-exhausted notification once per episode.
func (s *Scheduler) markDegraded(ctx context.Context, t tasks.Task) {
	s.mu.Lock()
	first := !s.degraded[t.UserID]
	s.degraded[t.UserID] = true
	s.mu.Unlock()
	if !first {
		return
	}
	log.Printf("[scheduler] user=%d credential pool exhausted, skipping ticks", t.UserID)
	s.sink.Notify(ctx, t.UserID, notify.Event{
		Type:   notify.PoolExhausted,
		TaskID: t.ID,
		Detail: "no usable credentials, monitoring degraded",
		At:     s.now(),
	})
}

func (s *Scheduler) clearDegraded(userID int64) {
	s.mu.Lock()
	delete(s.degraded, userID)
	s.mu.Unlock()
}
