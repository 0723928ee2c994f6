package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/slotwatch/internal/booking"
	"github.com/example/slotwatch/internal/db"
	"github.com/example/slotwatch/internal/inventory"
	"github.com/example/slotwatch/internal/keypool"
	"github.com/example/slotwatch/internal/notify"
	"github.com/example/slotwatch/internal/opportunity"
	"github.com/example/slotwatch/internal/tasks"
)

type memRepo struct {
	mu    sync.Mutex
	seq   int64
	tasks map[int64]tasks.Task
}

func newMemRepo() *memRepo {
	return &memRepo{tasks: make(map[int64]tasks.Task)}
}

func (r *memRepo) Create(_ context.Context, t tasks.Task) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	t.ID = r.seq
	r.tasks[t.ID] = t
	return t.ID, nil
}

func (r *memRepo) GetByID(_ context.Context, id int64) (tasks.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return tasks.Task{}, db.ErrNotFound
	}
	return t, nil
}

func (r *memRepo) LoadActive(_ context.Context) ([]tasks.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []tasks.Task
	for _, t := range r.tasks {
		if t.Active && !t.Paused {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *memRepo) SetPaused(_ context.Context, id int64, paused bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tasks[id]; ok {
		t.Paused = paused
		r.tasks[id] = t
	}
	return nil
}

func (r *memRepo) Deactivate(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tasks[id]; ok {
		t.Active = false
		r.tasks[id] = t
	}
	return nil
}

func (r *memRepo) Delete(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, id)
	return nil
}

func (r *memRepo) MarkChecked(_ context.Context, id int64, slotsFound int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tasks[id]; ok {
		now := time.Now()
		t.LastCheck = &now
		t.TotalChecks++
		t.SlotsFound += int64(slotsFound)
		r.tasks[id] = t
	}
	return nil
}

type memCreds struct {
	byUser map[int64][]keypool.Credential
}

func (c memCreds) Decrypt(_ context.Context, userID int64) ([]keypool.Credential, error) {
	return c.byUser[userID], nil
}

// fakeUpstream answers polls per credential and always accepts bookings.
type fakeUpstream struct {
	mu         sync.Mutex
	badSecrets map[string]bool
	slots      []opportunity.Opportunity
	polls      int
	books      int
}

func (u *fakeUpstream) Poll(_ context.Context, _ opportunity.Target, secret string) ([]opportunity.Opportunity, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.polls++
	if u.badSecrets[secret] {
		return nil, inventory.ErrAuthRejected
	}
	return u.slots, nil
}

func (u *fakeUpstream) Book(_ context.Context, _ opportunity.Target, _ opportunity.Opportunity, secret string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.badSecrets[secret] {
		return "", inventory.ErrAuthRejected
	}
	u.books++
	return "WB-500", nil
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

func autobookTask(userID int64) tasks.Task {
	return tasks.Task{
		UserID:         userID,
		WarehouseID:    507,
		WarehouseName:  "Koledino",
		DateFrom:       time.Now().AddDate(0, 0, 1).Truncate(24 * time.Hour),
		DateTo:         time.Now().AddDate(0, 0, 7).Truncate(24 * time.Hour),
		MaxCoefficient: 1,
		SupplyType:     tasks.SupplyBox,
		DeliveryType:   tasks.DeliveryDirect,
		Mode:           tasks.ModeAutobook,
		CadenceSec:     1,
	}
}

// End to end: a revoked credential fails over to the remaining one, the
// matching slot gets booked exactly once, the task deactivates, and a
// user with no usable keys degrades with a single notification.
func TestEngineBooksWithFailoverAndDegradesOnce(t *testing.T) {
	repo := newMemRepo()
	creds := memCreds{byUser: map[int64][]keypool.Credential{
		1: {
			{ID: 1, Name: "stale", Secret: "sk-stale"},
			{ID: 2, Name: "fresh", Secret: "sk-fresh"},
		},
		2: nil, // exhausted from the start
	}}
	upstream := &fakeUpstream{
		badSecrets: map[string]bool{"sk-stale": true},
		slots: []opportunity.Opportunity{{
			WarehouseID: 507,
			Date:        time.Now().AddDate(0, 0, 2),
			Slot:        "10:00-12:00",
			Coefficient: 0,
			Quota:       1,
		}},
	}
	sink := &captureSink{}
	store := booking.NewMemoryStore()

	eng := New(repo, creds, upstream, upstream, store, nil, sink, Options{Workers: 4})

	ctx := context.Background()
	bookID, err := eng.SubmitTask(ctx, autobookTask(1))
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}
	if _, err := eng.SubmitTask(ctx, autobookTask(2)); err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- eng.Run(runCtx) }()

	// give the degraded user at least two ticks to prove the latch
	deadline := time.Now().Add(6 * time.Second)
	var confirmed *booking.Result
	for time.Now().Before(deadline) {
		st, err := eng.Status(ctx, bookID)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if st.LastResult != nil && st.LastResult.Status == booking.StatusConfirmed {
			confirmed = st.LastResult
			if time.Now().Add(3 * time.Second).After(deadline) {
				break
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}

	if confirmed == nil {
		t.Fatal("no confirmed booking within the deadline")
	}
	if confirmed.ExternalID != "WB-500" {
		t.Fatalf("external id = %q, want WB-500", confirmed.ExternalID)
	}
	if upstream.books != 1 {
		t.Fatalf("upstream bookings = %d, want exactly 1", upstream.books)
	}

	booked, err := repo.GetByID(ctx, bookID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if booked.Active {
		t.Fatal("task still active after a confirmed booking")
	}

	if got := sink.count(notify.KeyInvalidated); got < 1 {
		t.Fatalf("key-invalidated events = %d, want at least 1", got)
	}
	if got := sink.count(notify.BookingConfirmed); got != 1 {
		t.Fatalf("booking-confirmed events = %d, want 1", got)
	}
	if got := sink.count(notify.PoolExhausted); got != 1 {
		t.Fatalf("pool-exhausted events = %d, want exactly 1", got)
	}
}

func TestSubmitTaskRejectsInvalidDescriptorSynchronously(t *testing.T) {
	repo := newMemRepo()
	eng := New(repo, memCreds{}, &fakeUpstream{}, &fakeUpstream{}, booking.NewMemoryStore(), nil, &captureSink{}, Options{})

	bad := autobookTask(1)
	bad.CadenceSec = 0
	if _, err := eng.SubmitTask(context.Background(), bad); err == nil {
		t.Fatal("invalid cadence accepted")
	}
	if len(repo.tasks) != 0 {
		t.Fatal("invalid task was persisted")
	}
}

func TestStatusReportsEmptyHistory(t *testing.T) {
	repo := newMemRepo()
	eng := New(repo, memCreds{}, &fakeUpstream{}, &fakeUpstream{}, booking.NewMemoryStore(), nil, &captureSink{}, Options{})

	id, err := eng.SubmitTask(context.Background(), autobookTask(1))
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}
	st, err := eng.Status(context.Background(), id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.LastResult != nil || st.ActiveClaims != 0 || st.LastPoll != nil {
		t.Fatalf("fresh task status = %+v, want empty history", st)
	}
}

func TestCancelTaskReleasesAndForgets(t *testing.T) {
	repo := newMemRepo()
	eng := New(repo, memCreds{}, &fakeUpstream{}, &fakeUpstream{}, booking.NewMemoryStore(), nil, &captureSink{}, Options{})

	ctx := context.Background()
	id, err := eng.SubmitTask(ctx, autobookTask(1))
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}
	if err := eng.CancelTask(ctx, id); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	if _, err := eng.Status(ctx, id); !db.IsNotFound(err) {
		t.Fatalf("Status after cancel: err = %v, want not-found", err)
	}
}
