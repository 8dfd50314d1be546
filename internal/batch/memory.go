package batch

import (
	"context"
	"errors"
	"sync"
)

type memoryBatch struct {
	total     int
	processed int
	fired     bool
	seen      map[string]bool
}

// Memory is an in-process Tracker with the same semantics as Redis.
type Memory struct {
	mu   sync.Mutex
	jobs map[string]map[string]*memoryBatch
}

func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]map[string]*memoryBatch)}
}

func (m *Memory) batch(jobID, batchType string) *memoryBatch {
	batches := m.jobs[jobID]
	if batches == nil {
		batches = make(map[string]*memoryBatch)
		m.jobs[jobID] = batches
	}
	b := batches[batchType]
	if b == nil {
		b = &memoryBatch{total: -1, seen: make(map[string]bool)}
		batches[batchType] = b
	}
	return b
}

func (b *memoryBatch) tryFire() bool {
	if b.total < 0 || b.fired || b.processed < b.total {
		return false
	}
	b.fired = true
	return true
}

func (m *Memory) Open(_ context.Context, jobID, batchType string, total int) (bool, error) {
	if total < 0 {
		return false, errInvalidTotal
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.batch(jobID, batchType)
	if b.total < 0 {
		b.total = total
	}
	return b.tryFire(), nil
}

func (m *Memory) Increment(_ context.Context, jobID, batchType, assetKey string) (bool, error) {
	if assetKey == "" {
		return false, errors.New("batch asset key is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.batch(jobID, batchType)
	if !b.seen[assetKey] {
		b.seen[assetKey] = true
		b.processed++
	}
	return b.tryFire(), nil
}

func (m *Memory) Rearm(_ context.Context, jobID, batchType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.jobs[jobID][batchType]
	if b == nil {
		return ErrBatchNotOpen
	}
	b.fired = false
	return nil
}

func (m *Memory) Progress(_ context.Context, jobID, batchType string) (Progress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.jobs[jobID][batchType]
	if b == nil {
		return Progress{Total: -1}, nil
	}
	return Progress{Total: b.total, Processed: b.processed, Fired: b.fired}, nil
}

func (m *Memory) Clear(_ context.Context, jobID string) error {
	m.mu.Lock()
	delete(m.jobs, jobID)
	m.mu.Unlock()
	return nil
}

var _ Tracker = (*Memory)(nil)
