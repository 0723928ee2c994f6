package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/example/slotwatch/internal/booking"
	"github.com/example/slotwatch/internal/claims"
	"github.com/example/slotwatch/internal/keypool"
	"github.com/example/slotwatch/internal/notify"
	"github.com/example/slotwatch/internal/opportunity"
	"github.com/example/slotwatch/internal/tasks"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakePoller struct {
	mu    sync.Mutex
	opps  []opportunity.Opportunity
	err   error
	calls int
	// hook runs inside Poll before returning, with the lock released
	hook func()
	// block, when set, stalls Poll until it is closed
	block chan struct{}
}

func (p *fakePoller) Poll(_ context.Context, _ opportunity.Target, _ string) ([]opportunity.Opportunity, error) {
	p.mu.Lock()
	p.calls++
	opps, err, hook, block := p.opps, p.err, p.hook, p.block
	p.mu.Unlock()
	if block != nil {
		<-block
	}
	if hook != nil {
		hook()
	}
	return opps, err
}

type fakeExecutor struct {
	mu     sync.Mutex
	status booking.Status
	execs  []opportunity.Opportunity
}

func (e *fakeExecutor) Execute(_ context.Context, _ *keypool.Pool, t tasks.Task, c *claims.Claim, opp opportunity.Opportunity) (*booking.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.execs = append(e.execs, opp)
	return &booking.Result{TaskID: t.ID, Status: e.status, ExternalID: "WB-1"}, nil
}

type fakeTaskStore struct {
	mu          sync.Mutex
	checked     map[int64]int
	deactivated []int64
}

func (s *fakeTaskStore) MarkChecked(_ context.Context, id int64, slotsFound int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checked == nil {
		s.checked = make(map[int64]int)
	}
	s.checked[id] = slotsFound
	return nil
}

func (s *fakeTaskStore) Deactivate(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deactivated = append(s.deactivated, id)
	return nil
}

type fakePools struct {
	mu   sync.Mutex
	pool *keypool.Pool
}

func (p *fakePools) Pool(int64) (*keypool.Pool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pool, nil
}

func (p *fakePools) swap(pool *keypool.Pool) {
	p.mu.Lock()
	p.pool = pool
	p.mu.Unlock()
}

type captureSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (s *captureSink) Notify(_ context.Context, _ int64, ev notify.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *captureSink) count(t notify.EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type harness struct {
	clock  *fakeClock
	poller *fakePoller
	exec   *fakeExecutor
	store  *fakeTaskStore
	pools  *fakePools
	sink   *captureSink
	reg    *claims.Memory
	sched  *Scheduler
}

func newHarness(t *testing.T, workers int) *harness {
	t.Helper()
	h := &harness{
		clock:  &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		poller: &fakePoller{},
		exec:   &fakeExecutor{status: booking.StatusConfirmed},
		store:  &fakeTaskStore{},
		sink:   &captureSink{},
	}
	h.pools = &fakePools{pool: keypool.New([]keypool.Credential{{ID: 1, Name: "main", Secret: "sk"}}, keypool.Options{Now: h.clock.Now})}
	h.reg = claims.NewMemoryWithClock(30*time.Second, h.clock.Now)
	cache := opportunity.NewCacheWithClock(5*time.Second, h.clock.Now)
	h.sched = New(h.poller, cache, h.reg, h.exec, h.store, h.pools, h.sink, Options{
		Workers: workers,
		Now:     h.clock.Now,
	})
	return h
}

func testTask(id int64, cadence int, mode string) tasks.Task {
	return tasks.Task{
		ID:             id,
		UserID:         3,
		WarehouseID:    500 + id,
		WarehouseName:  "Koledino",
		DateFrom:       time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		DateTo:         time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		MaxCoefficient: 1,
		SupplyType:     tasks.SupplyBox,
		DeliveryType:   tasks.DeliveryDirect,
		Mode:           mode,
		CadenceSec:     cadence,
		Active:         true,
	}
}

func matchingOpp(warehouseID int64) opportunity.Opportunity {
	return opportunity.Opportunity{
		WarehouseID: warehouseID,
		Date:        time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC),
		Slot:        "10:00-12:00",
		Coefficient: 0,
		Quota:       2,
	}
}

func TestTickNotifyModeEmitsSlotsFound(t *testing.T) {
	h := newHarness(t, 4)
	task := testTask(1, 5, tasks.ModeNotify)
	h.poller.opps = []opportunity.Opportunity{matchingOpp(task.WarehouseID)}
	h.sched.Add(task)

	if booked := h.sched.tick(context.Background(), task); booked {
		t.Fatal("notify mode must never finish a task")
	}
	if got := h.sink.count(notify.SlotsFound); got != 1 {
		t.Fatalf("slots-found events = %d, want 1", got)
	}
	if len(h.exec.execs) != 0 {
		t.Fatalf("executor ran %d times in notify mode, want 0", len(h.exec.execs))
	}
	if h.store.checked[task.ID] != 1 {
		t.Fatalf("recorded slots found = %d, want 1", h.store.checked[task.ID])
	}
}

func TestTickAutobookConfirmsAndDeactivates(t *testing.T) {
	h := newHarness(t, 4)
	task := testTask(1, 5, tasks.ModeAutobook)
	h.poller.opps = []opportunity.Opportunity{matchingOpp(task.WarehouseID)}
	h.sched.Add(task)

	if booked := h.sched.tick(context.Background(), task); !booked {
		t.Fatal("confirmed booking must finish the task")
	}
	if len(h.store.deactivated) != 1 || h.store.deactivated[0] != task.ID {
		t.Fatalf("deactivated = %v, want [%d]", h.store.deactivated, task.ID)
	}
	if len(h.exec.execs) != 1 {
		t.Fatalf("executor ran %d times, want 1", len(h.exec.execs))
	}
}

func TestTickDiscardsFindingsAfterPause(t *testing.T) {
	h := newHarness(t, 4)
	task := testTask(1, 5, tasks.ModeAutobook)
	h.poller.opps = []opportunity.Opportunity{matchingOpp(task.WarehouseID)}
	h.sched.Add(task)

	// pause lands while the poll is in flight; its findings must be
	// discarded before any claim is taken
	h.poller.hook = func() { h.sched.Pause(task.ID) }

	if booked := h.sched.tick(context.Background(), task); booked {
		t.Fatal("paused task must not book")
	}
	if len(h.exec.execs) != 0 {
		t.Fatalf("executor ran %d times after pause, want 0", len(h.exec.execs))
	}
	if _, err := h.reg.TryClaim(context.Background(), matchingOpp(task.WarehouseID).Key(), 99); err != nil {
		t.Fatalf("opportunity should be unclaimed after discarded tick: %v", err)
	}
}

func TestTickSkipsAlreadyClaimedOpportunities(t *testing.T) {
	h := newHarness(t, 4)
	task := testTask(1, 5, tasks.ModeAutobook)
	first := matchingOpp(task.WarehouseID)
	second := first
	second.Slot = "12:00-14:00"
	h.poller.opps = []opportunity.Opportunity{first, second}
	h.sched.Add(task)

	// another task already holds the cheapest slot
	if _, err := h.reg.TryClaim(context.Background(), first.Key(), 99); err != nil {
		t.Fatalf("pre-claim: %v", err)
	}

	if booked := h.sched.tick(context.Background(), task); !booked {
		t.Fatal("second opportunity should have been booked")
	}
	if len(h.exec.execs) != 1 || h.exec.execs[0].Slot != second.Slot {
		t.Fatalf("executed opps = %+v, want only %q", h.exec.execs, second.Slot)
	}
}

func TestDegradedLatchNotifiesOncePerEpisode(t *testing.T) {
	h := newHarness(t, 4)
	task := testTask(1, 5, tasks.ModeAutobook)
	h.sched.Add(task)
	h.pools.swap(keypool.New(nil, keypool.Options{Now: h.clock.Now})) // empty pool

	ctx := context.Background()
	h.sched.tick(ctx, task)
	h.clock.Advance(6 * time.Second)
	h.sched.tick(ctx, task)
	if got := h.sink.count(notify.PoolExhausted); got != 1 {
		t.Fatalf("pool-exhausted events = %d, want exactly 1 per episode", got)
	}

	// a working credential ends the episode silently
	h.pools.swap(keypool.New([]keypool.Credential{{ID: 2, Name: "new", Secret: "sk2"}}, keypool.Options{Now: h.clock.Now}))
	h.clock.Advance(6 * time.Second)
	h.sched.tick(ctx, task)
	if got := h.sink.count(notify.PoolExhausted); got != 1 {
		t.Fatalf("recovery must not notify, events = %d", got)
	}

	// a fresh exhaustion is a new episode
	h.pools.swap(keypool.New(nil, keypool.Options{Now: h.clock.Now}))
	h.clock.Advance(6 * time.Second)
	h.sched.tick(ctx, task)
	if got := h.sink.count(notify.PoolExhausted); got != 2 {
		t.Fatalf("pool-exhausted events = %d, want 2 after second episode", got)
	}
}

func TestDispatchDefersWhenWorkersBusy(t *testing.T) {
	h := newHarness(t, 1)
	block := make(chan struct{})
	h.poller.block = block

	short := testTask(1, 1, tasks.ModeNotify)
	long := testTask(2, 60, tasks.ModeNotify)
	h.sched.Add(short)
	h.sched.Add(long)

	h.sched.dispatch(context.Background())

	// the single worker went to the short-cadence task; the long one was
	// requeued, not dropped
	h.sched.mu.Lock()
	if len(h.sched.q) != 1 || h.sched.q[0].id != long.ID {
		h.sched.mu.Unlock()
		close(block)
		t.Fatalf("queue after dispatch = %+v, want deferred task %d", h.sched.q, long.ID)
	}
	deferredDue := h.sched.q[0].due
	h.sched.mu.Unlock()
	if !deferredDue.After(h.clock.Now()) {
		t.Fatal("deferred task should be due in the future")
	}

	close(block)
	h.sched.wg.Wait()

	// both tasks remain registered
	if h.sched.Size() != 2 {
		t.Fatalf("registered tasks = %d, want 2", h.sched.Size())
	}
}

func TestTickRequeuesAtCadence(t *testing.T) {
	h := newHarness(t, 4)
	task := testTask(1, 5, tasks.ModeNotify)
	h.sched.Add(task)

	h.sched.dispatch(context.Background())
	h.sched.wg.Wait()

	h.sched.mu.Lock()
	defer h.sched.mu.Unlock()
	if len(h.sched.q) != 1 {
		t.Fatalf("queue length = %d, want 1", len(h.sched.q))
	}
	want := h.clock.Now().Add(5 * time.Second)
	if !h.sched.q[0].due.Equal(want) {
		t.Fatalf("next due = %v, want %v", h.sched.q[0].due, want)
	}
}

func TestPauseResumeScheduling(t *testing.T) {
	h := newHarness(t, 4)
	task := testTask(1, 5, tasks.ModeNotify)
	h.sched.Add(task)
	h.sched.Pause(task.ID)

	h.sched.dispatch(context.Background())
	h.sched.wg.Wait()
	if h.poller.calls != 0 {
		t.Fatalf("paused task polled %d times, want 0", h.poller.calls)
	}

	h.sched.Resume(task.ID)
	h.sched.dispatch(context.Background())
	h.sched.wg.Wait()
	if h.poller.calls != 1 {
		t.Fatalf("resumed task polled %d times, want 1", h.poller.calls)
	}
}

func TestRemoveReleasesOwnedClaims(t *testing.T) {
	h := newHarness(t, 4)
	task := testTask(1, 5, tasks.ModeAutobook)
	h.sched.Add(task)

	opp := matchingOpp(task.WarehouseID)
	if _, err := h.reg.TryClaim(context.Background(), opp.Key(), task.ID); err != nil {
		t.Fatalf("TryClaim: %v", err)
	}

	h.sched.Remove(context.Background(), task.ID)
	if h.sched.Size() != 0 {
		t.Fatalf("size after remove = %d, want 0", h.sched.Size())
	}
	if _, err := h.reg.TryClaim(context.Background(), opp.Key(), 99); err != nil {
		t.Fatalf("claim should be released after remove: %v", err)
	}
}
