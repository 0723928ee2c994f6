package claims

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is the in-process claim registry. It is the default backend;
// every claim operation is a mutex-guarded compare-and-set.
type Memory struct {
	lease time.Duration
	now   func() time.Time

	mu      sync.Mutex
	records map[string]*record
}

type record struct {
	claim    *Claim
	resolved bool
}

func NewMemory(lease time.Duration) *Memory {
	return NewMemoryWithClock(lease, time.Now)
}

func NewMemoryWithClock(lease time.Duration, now func() time.Time) *Memory {
	if lease <= 0 {
		lease = DefaultLease
	}
	return &Memory{lease: lease, now: now, records: make(map[string]*record)}
}

func (m *Memory) TryClaim(_ context.Context, key string, owner int64) (*Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if r, ok := m.records[key]; ok {
		if r.resolved || !r.claim.Expired(now) {
			return nil, ErrAlreadyClaimed
		}
		// lease lapsed without resolution: claimable again
	}
	c := &Claim{
		ID:       uuid.NewString(),
		Key:      key,
		Owner:    owner,
		Deadline: now.Add(m.lease),
	}
	m.records[key] = &record{claim: c}
	return c, nil
}

func (m *Memory) Resolve(_ context.Context, c *Claim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[c.Key]; ok && r.claim.ID == c.ID {
		r.resolved = true
	}
	return nil
}

func (m *Memory) Release(_ context.Context, c *Claim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[c.Key]; ok && r.claim.ID == c.ID && !r.resolved {
		delete(m.records, c.Key)
	}
	return nil
}

func (m *Memory) ReleaseOwner(_ context.Context, owner int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, r := range m.records {
		if r.claim.Owner == owner && !r.resolved {
			delete(m.records, key)
		}
	}
	return nil
}

func (m *Memory) ActiveByOwner(_ context.Context, owner int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for _, r := range m.records {
		if r.claim.Owner == owner && !r.resolved && !r.claim.Expired(now) {
			n++
		}
	}
	return n, nil
}
