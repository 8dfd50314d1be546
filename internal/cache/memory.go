package cache

import (
	"context"
	"sync"
	"time"

	"github.com/kiranshivaraju/matchflow/pkg/models"
)

type entry struct {
	value   string
	count   int64
	expires time.Time
}

func (e entry) live(now time.Time) bool {
	return e.expires.IsZero() || now.Before(e.expires)
}

// Memory is an in-process Cache for tests and single-process runs.
type Memory struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]entry), now: time.Now}
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) SetJobPhase(_ context.Context, jobID string, phase models.Phase, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := entry{value: string(phase)}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.entries[JobPhaseKey(jobID)] = e
	return nil
}

func (m *Memory) GetJobPhase(_ context.Context, jobID string) (models.Phase, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[JobPhaseKey(jobID)]
	if !ok || !e.live(m.now()) {
		return "", false, nil
	}
	return models.Phase(e.value), true, nil
}

func (m *Memory) DeleteJobPhase(_ context.Context, jobID string) error {
	m.mu.Lock()
	delete(m.entries, JobPhaseKey(jobID))
	m.mu.Unlock()
	return nil
}

func (m *Memory) IncrWithExpiry(_ context.Context, key string, expiry time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	e, ok := m.entries[key]
	if !ok || !e.live(now) {
		e = entry{}
	}
	e.count++
	e.expires = now.Add(expiry)
	m.entries[key] = e
	return e.count, nil
}

func (m *Memory) Close() error { return nil }

var _ Cache = (*Memory)(nil)
