package backoff_test

import (
	"testing"
	"time"

	"github.com/example/slotwatch/internal/backoff"
)

func TestDelay_ExponentialGrowth(t *testing.T) {
	p := backoff.Policy{Base: time.Second, Cap: 5 * time.Minute, Multiplier: 2.0}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
	}
	for _, c := range cases {
		if got := p.Delay(c.attempt); got != c.want {
			t.Errorf("Delay(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestDelay_Capped(t *testing.T) {
	p := backoff.Policy{Base: time.Second, Cap: 5 * time.Minute, Multiplier: 2.0}
	if got := p.Delay(100); got != 5*time.Minute {
		t.Errorf("Delay(100) = %v, want cap %v", got, 5*time.Minute)
	}
}

func TestDelay_NegativeAttempt(t *testing.T) {
	p := backoff.Policy{Base: time.Second, Cap: time.Minute, Multiplier: 2.0}
	if got := p.Delay(-3); got != time.Second {
		t.Errorf("Delay(-3) = %v, want base %v", got, time.Second)
	}
}

func TestDelay_JitterStaysInRange(t *testing.T) {
	p := backoff.Policy{Base: 4 * time.Second, Cap: time.Minute, Multiplier: 2.0, Jitter: 0.5}
	for i := 0; i < 200; i++ {
		d := p.Delay(0)
		if d < 2*time.Second || d > 4*time.Second {
			t.Fatalf("jittered delay %v outside [2s, 4s]", d)
		}
	}
}
