package booking

import (
	"context"
	"sync"

	"github.com/example/slotwatch/internal/db"
)

// Store is what the executor and engine need from result persistence.
// Repo implements it against Postgres; MemoryStore backs tests and
// ephemeral runs.
type Store interface {
	Create(ctx context.Context, res *Result) error
	MarkConfirmed(ctx context.Context, id, externalID string) error
	MarkFailed(ctx context.Context, id, reason string) error
	LatestByTask(ctx context.Context, taskID int64) (*Result, error)
}

type MemoryStore struct {
	mu      sync.Mutex
	results map[string]*Result
	order   []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{results: make(map[string]*Result)}
}

func (m *MemoryStore) Create(_ context.Context, res *Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *res
	m.results[res.ID] = &cp
	m.order = append(m.order, res.ID)
	return nil
}

func (m *MemoryStore) MarkConfirmed(_ context.Context, id, externalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if res, ok := m.results[id]; ok && res.Status == StatusPending {
		res.Status = StatusConfirmed
		res.ExternalID = externalID
	}
	return nil
}

func (m *MemoryStore) MarkFailed(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if res, ok := m.results[id]; ok && res.Status == StatusPending {
		res.Status = StatusFailed
		res.Error = reason
	}
	return nil
}

func (m *MemoryStore) LatestByTask(_ context.Context, taskID int64) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.order) - 1; i >= 0; i-- {
		if res := m.results[m.order[i]]; res.TaskID == taskID {
			cp := *res
			return &cp, nil
		}
	}
	return nil, db.ErrNotFound
}

// All returns every stored result, oldest first.
func (m *MemoryStore) All() []*Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Result, 0, len(m.order))
	for _, id := range m.order {
		cp := *m.results[id]
		out = append(out, &cp)
	}
	return out
}
