package keypool_test

import (
	"testing"
	"time"

	"github.com/example/slotwatch/internal/keypool"
)

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	now := time.Now()
	b := keypool.NewBreaker(3, 10*time.Second, time.Minute)

	for i := 0; i < 2; i++ {
		b.RecordFailure(now)
		if got := b.State(); got != keypool.Closed {
			t.Fatalf("after %d failures state = %v, want closed", i+1, got)
		}
	}
	b.RecordFailure(now)
	if got := b.State(); got != keypool.Open {
		t.Fatalf("after 3 failures state = %v, want open", got)
	}
	if b.Allow(now) {
		t.Error("Allow should short-circuit while open")
	}
}

func TestBreaker_HalfOpenSingleProbe(t *testing.T) {
	now := time.Now()
	b := keypool.NewBreaker(1, 10*time.Second, time.Minute)
	b.RecordFailure(now)

	if b.Allow(now.Add(5 * time.Second)) {
		t.Fatal("Allow before cooldown should be refused")
	}

	after := now.Add(10 * time.Second)
	if !b.Allow(after) {
		t.Fatal("first call after cooldown should be admitted as probe")
	}
	if got := b.State(); got != keypool.HalfOpen {
		t.Fatalf("state = %v, want half-open", got)
	}
	if b.Allow(after) {
		t.Error("second call while probe in flight should be refused")
	}
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	now := time.Now()
	b := keypool.NewBreaker(1, 10*time.Second, time.Minute)
	b.RecordFailure(now)

	after := now.Add(10 * time.Second)
	if !b.Allow(after) {
		t.Fatal("probe should be admitted")
	}
	b.RecordSuccess()
	if got := b.State(); got != keypool.Closed {
		t.Fatalf("state after probe success = %v, want closed", got)
	}
	if !b.Allow(after) {
		t.Error("closed breaker should admit calls")
	}
}

func TestBreaker_ProbeFailureReopensLonger(t *testing.T) {
	now := time.Now()
	b := keypool.NewBreaker(1, 10*time.Second, time.Minute)
	b.RecordFailure(now)

	probeAt := now.Add(10 * time.Second)
	if !b.Allow(probeAt) {
		t.Fatal("probe should be admitted")
	}
	b.RecordFailure(probeAt)
	if got := b.State(); got != keypool.Open {
		t.Fatalf("state after probe failure = %v, want open", got)
	}
	// cooldown doubled to 20s: still refused at +19s, admitted at +20s
	if b.Allow(probeAt.Add(19 * time.Second)) {
		t.Error("reopened breaker should hold for the doubled cooldown")
	}
	if !b.Allow(probeAt.Add(20 * time.Second)) {
		t.Error("reopened breaker should admit a probe after the doubled cooldown")
	}
}
