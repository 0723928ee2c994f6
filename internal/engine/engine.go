// Package engine assembles the monitoring core: credential pools, the
// shared opportunity cache, the claim registry, the booking executor and
// the scheduler, behind a small task-facing API.
package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/example/slotwatch/internal/booking"
	"github.com/example/slotwatch/internal/claims"
	"github.com/example/slotwatch/internal/db"
	"github.com/example/slotwatch/internal/keypool"
	"github.com/example/slotwatch/internal/notify"
	"github.com/example/slotwatch/internal/opportunity"
	"github.com/example/slotwatch/internal/scheduler"
	"github.com/example/slotwatch/internal/tasks"
)

// TaskRepo is the task persistence the engine drives. *tasks.Repo
// implements it against Postgres.
type TaskRepo interface {
	Create(ctx context.Context, t tasks.Task) (int64, error)
	GetByID(ctx context.Context, id int64) (tasks.Task, error)
	LoadActive(ctx context.Context) ([]tasks.Task, error)
	SetPaused(ctx context.Context, id int64, paused bool) error
	Deactivate(ctx context.Context, id int64) error
	Delete(ctx context.Context, id int64) error
	MarkChecked(ctx context.Context, id int64, slotsFound int) error
}

// CredentialSource decrypts a user's stored API keys. *vault.Vault
// implements it.
type CredentialSource interface {
	Decrypt(ctx context.Context, userID int64) ([]keypool.Credential, error)
}

type Options struct {
	CacheTTL   time.Duration
	ClaimLease time.Duration
	Workers    int
	PoolOpts   keypool.Options

	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.CacheTTL <= 0 {
		o.CacheTTL = 5 * time.Second
	}
	if o.ClaimLease <= 0 {
		o.ClaimLease = claims.DefaultLease
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Engine is the long-lived coordinating object constructed at process
// start.
type Engine struct {
	tasks   TaskRepo
	creds   CredentialSource
	results booking.Store
	claims  claims.Coordinator
	cache   *opportunity.Cache
	sched   *scheduler.Scheduler
	sink    notify.Sink

	poolOpts keypool.Options
	now      func() time.Time

	mu    sync.Mutex
	pools map[int64]*keypool.Pool
}

// New wires the engine. The coordinator defaults to the in-process
// registry when cc is nil.
func New(repo TaskRepo, creds CredentialSource, poller scheduler.Poller, booker booking.Booker, results booking.Store, cc claims.Coordinator, sink notify.Sink, opts Options) *Engine {
	opts = opts.withDefaults()
	if cc == nil {
		cc = claims.NewMemoryWithClock(opts.ClaimLease, opts.Now)
	}
	if sink == nil {
		sink = notify.LogSink{}
	}

	cache := opportunity.NewCacheWithClock(opts.CacheTTL, opts.Now)
	e := &Engine{
		tasks:    repo,
		creds:    creds,
		results:  results,
		claims:   cc,
		cache:    cache,
		sink:     sink,
		poolOpts: opts.PoolOpts,
		now:      opts.Now,
		pools:    make(map[int64]*keypool.Pool),
	}
	e.poolOpts.Now = opts.Now

	exec := booking.NewExecutor(booker, cc, results, sink, booking.ExecutorOptions{
		Invalidate: cache.Invalidate,
		Now:        opts.Now,
	})
	e.sched = scheduler.New(poller, cache, cc, exec, repo, e, sink, scheduler.Options{
		Workers: opts.Workers,
		Now:     opts.Now,
	})
	return e
}

// Pool returns the credential pool for a user, building it from the
// vault on first use. An empty pool is not an error; ticks degrade.
func (e *Engine) Pool(userID int64) (*keypool.Pool, error) {
	e.mu.Lock()
	if p, ok := e.pools[userID]; ok {
		e.mu.Unlock()
		return p, nil
	}
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	creds, err := e.creds.Decrypt(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("engine: decrypt credentials for user %d: %w", userID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.pools[userID]; ok {
		return p, nil
	}
	p := keypool.New(creds, e.poolOpts)
	e.pools[userID] = p
	return p, nil
}

// RefreshPool drops the cached pool so the next tick rebuilds it from
// the vault. Called after key changes.
func (e *Engine) RefreshPool(userID int64) {
	e.mu.Lock()
	delete(e.pools, userID)
	e.mu.Unlock()
}

// SubmitTask validates and persists a task, then starts monitoring it.
// Validation failures are synchronous and nothing is persisted.
func (e *Engine) SubmitTask(ctx context.Context, t tasks.Task) (int64, error) {
	if err := t.Validate(); err != nil {
		return 0, err
	}
	t.Active = true
	id, err := e.tasks.Create(ctx, t)
	if err != nil {
		return 0, fmt.Errorf("engine: create task: %w", err)
	}
	t.ID = id
	e.sched.Add(t)
	return id, nil
}

func (e *Engine) PauseTask(ctx context.Context, id int64) error {
	if err := e.tasks.SetPaused(ctx, id, true); err != nil {
		return err
	}
	e.sched.Pause(id)
	return nil
}

func (e *Engine) ResumeTask(ctx context.Context, id int64) error {
	if err := e.tasks.SetPaused(ctx, id, false); err != nil {
		return err
	}
	t, err := e.tasks.GetByID(ctx, id)
	if err != nil {
		return err
	}
	t.Paused = false
	e.sched.Add(t) // re-adds if evicted, requeues if known
	return nil
}

// CancelTask deletes the task and releases every claim it holds.
func (e *Engine) CancelTask(ctx context.Context, id int64) error {
	if err := e.tasks.Delete(ctx, id); err != nil {
		return err
	}
	e.sched.Remove(ctx, id)
	return nil
}

// Status is the task-level view exposed to users.
type Status struct {
	Task         tasks.Task
	LastPoll     *time.Time
	LastResult   *booking.Result
	ActiveClaims int
}

func (e *Engine) Status(ctx context.Context, id int64) (Status, error) {
	t, err := e.tasks.GetByID(ctx, id)
	if err != nil {
		return Status{}, err
	}
	st := Status{Task: t, LastPoll: t.LastCheck}

	res, err := e.results.LatestByTask(ctx, id)
	switch {
	case err == nil:
		st.LastResult = res
	case db.IsNotFound(err):
	default:
		return Status{}, err
	}

	n, err := e.claims.ActiveByOwner(ctx, id)
	if err != nil {
		return Status{}, err
	}
	st.ActiveClaims = n
	return st, nil
}

// Run resumes persisted active tasks and drives the scheduler until ctx
// is cancelled. Failure to load tasks at startup is fatal.
func (e *Engine) Run(ctx context.Context) error {
	active, err := e.tasks.LoadActive(ctx)
	if err != nil {
		return fmt.Errorf("engine: load active tasks: %w", err)
	}
	for _, t := range active {
		e.sched.Add(t)
	}
	log.Printf("[engine] monitoring %d active task(s)", len(active))
	return e.sched.Run(ctx)
}
