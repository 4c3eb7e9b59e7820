package store

import (
	"context"
	"sync"
	"time"

	"chemd/pkg/types"
)

// MemoryStore keeps records in process memory. It is the default store
// and the test double for the durable one; records do not survive a
// restart.
type MemoryStore struct {
	mu      sync.Mutex
	tasks   map[string]types.TaskRecord
	batches map[string]types.BatchRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:   make(map[string]types.TaskRecord),
		batches: make(map[string]types.BatchRecord),
	}
}

func (m *MemoryStore) CreateTask(_ context.Context, rec types.TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[rec.ID] = rec
	return nil
}

func (m *MemoryStore) GetTask(_ context.Context, id string) (types.TaskRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tasks[id]
	return rec, ok, nil
}

func (m *MemoryStore) UpdateTask(_ context.Context, rec types.TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[rec.ID] = rec
	return nil
}

func (m *MemoryStore) ListTasks(_ context.Context) ([]types.TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.TaskRecord, 0, len(m.tasks))
	for _, rec := range m.tasks {
		out = append(out, rec)
	}
	sortTasksBySubmission(out)
	return out, nil
}

func (m *MemoryStore) CreateBatch(_ context.Context, rec types.BatchRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[rec.ID] = rec
	return nil
}

func (m *MemoryStore) GetBatch(_ context.Context, id string) (types.BatchRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.batches[id]
	return rec, ok, nil
}

func (m *MemoryStore) UpdateBatch(_ context.Context, rec types.BatchRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[rec.ID] = rec
	return nil
}

func (m *MemoryStore) PurgeTerminalBefore(_ context.Context, cutoff time.Time) ([]types.TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed []types.TaskRecord
	for id, rec := range m.tasks {
		if rec.State.Terminal() && !rec.CompletedAt.IsZero() && rec.CompletedAt.Before(cutoff) {
			removed = append(removed, rec)
			delete(m.tasks, id)
		}
	}
	for id, b := range m.batches {
		if b.State != types.BatchQueued && !b.CompletedAt.IsZero() && b.CompletedAt.Before(cutoff) {
			delete(m.batches, id)
		}
	}
	return removed, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
func (m *MemoryStore) Close() error               { return nil }
