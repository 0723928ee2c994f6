package claims_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/slotwatch/internal/claims"
)

func TestTryClaim_ExactlyOneWinner(t *testing.T) {
	m := claims.NewMemory(30 * time.Second)
	ctx := context.Background()

	const n = 32
	var won, conflicts int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(owner int64) {
			defer wg.Done()
			_, err := m.TryClaim(ctx, "507|2026-09-01|09:00-12:00", owner)
			switch {
			case err == nil:
				atomic.AddInt32(&won, 1)
			case errors.Is(err, claims.ErrAlreadyClaimed):
				atomic.AddInt32(&conflicts, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(int64(i))
	}
	wg.Wait()

	if won != 1 {
		t.Errorf("winners = %d, want exactly 1", won)
	}
	if conflicts != n-1 {
		t.Errorf("conflicts = %d, want %d", conflicts, n-1)
	}
}

func TestTryClaim_ExpiredLeaseClaimableAgain(t *testing.T) {
	now := time.Unix(1000, 0)
	m := claims.NewMemoryWithClock(10*time.Second, func() time.Time { return now })
	ctx := context.Background()

	if _, err := m.TryClaim(ctx, "k", 1); err != nil {
		t.Fatal(err)
	}
	if _, err := m.TryClaim(ctx, "k", 2); !errors.Is(err, claims.ErrAlreadyClaimed) {
		t.Fatalf("live lease should block reclaim, got %v", err)
	}

	now = now.Add(11 * time.Second)
	c, err := m.TryClaim(ctx, "k", 2)
	if err != nil {
		t.Fatalf("expired lease should be claimable: %v", err)
	}
	if c.Owner != 2 {
		t.Errorf("new claim owner = %d, want 2", c.Owner)
	}
}

func TestResolve_KeyNeverClaimableAgain(t *testing.T) {
	now := time.Unix(1000, 0)
	m := claims.NewMemoryWithClock(10*time.Second, func() time.Time { return now })
	ctx := context.Background()

	c, err := m.TryClaim(ctx, "k", 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Resolve(ctx, c); err != nil {
		t.Fatal(err)
	}

	now = now.Add(time.Hour)
	if _, err := m.TryClaim(ctx, "k", 2); !errors.Is(err, claims.ErrAlreadyClaimed) {
		t.Fatalf("resolved key should stay claimed forever, got %v", err)
	}
}

func TestRelease_MakesKeyClaimable(t *testing.T) {
	m := claims.NewMemory(time.Minute)
	ctx := context.Background()

	c, err := m.TryClaim(ctx, "k", 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Release(ctx, c); err != nil {
		t.Fatal(err)
	}
	if _, err := m.TryClaim(ctx, "k", 2); err != nil {
		t.Fatalf("released key should be claimable: %v", err)
	}
}

func TestRelease_StaleClaimDoesNotEvictNewOwner(t *testing.T) {
	now := time.Unix(1000, 0)
	m := claims.NewMemoryWithClock(10*time.Second, func() time.Time { return now })
	ctx := context.Background()

	old, _ := m.TryClaim(ctx, "k", 1)
	now = now.Add(11 * time.Second)
	if _, err := m.TryClaim(ctx, "k", 2); err != nil {
		t.Fatal(err)
	}

	// the crashed executor comes back and releases its lapsed claim
	if err := m.Release(ctx, old); err != nil {
		t.Fatal(err)
	}
	if _, err := m.TryClaim(ctx, "k", 3); !errors.Is(err, claims.ErrAlreadyClaimed) {
		t.Fatalf("stale release must not evict the new claim, got %v", err)
	}
}

func TestReleaseOwner_DropsOnlyThatOwner(t *testing.T) {
	m := claims.NewMemory(time.Minute)
	ctx := context.Background()

	_, _ = m.TryClaim(ctx, "a", 1)
	_, _ = m.TryClaim(ctx, "b", 1)
	_, _ = m.TryClaim(ctx, "c", 2)

	if err := m.ReleaseOwner(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := m.TryClaim(ctx, "a", 9); err != nil {
		t.Errorf("owner-1 claim a not released: %v", err)
	}
	if _, err := m.TryClaim(ctx, "b", 9); err != nil {
		t.Errorf("owner-1 claim b not released: %v", err)
	}
	if _, err := m.TryClaim(ctx, "c", 9); !errors.Is(err, claims.ErrAlreadyClaimed) {
		t.Errorf("owner-2 claim c should survive, got %v", err)
	}

	n, err := m.ActiveByOwner(ctx, 2)
	if err != nil || n != 1 {
		t.Errorf("ActiveByOwner(2) = %d, %v; want 1", n, err)
	}
}
