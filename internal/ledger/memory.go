package ledger

import (
	"context"
	"sync"
)

// Memory is an in-process Ledger.
type Memory struct {
	mu      sync.Mutex
	claimed map[string]bool
}

func NewMemory() *Memory {
	return &Memory{claimed: make(map[string]bool)}
}

// id mirrors the Postgres uniqueness rules: (type, dedup key) when a dedup
// key is present, (type, event id) otherwise.
func (k Key) id() string {
	if k.DedupKey != "" {
		return "k\x00" + k.EventType + "\x00" + k.DedupKey
	}
	return "e\x00" + k.EventType + "\x00" + k.EventID
}

func (l *Memory) Claim(_ context.Context, key Key) (bool, error) {
	if err := key.validate(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	id := key.id()
	if l.claimed[id] {
		return false, nil
	}
	l.claimed[id] = true
	return true, nil
}

func (l *Memory) WithClaim(ctx context.Context, key Key, fn func(ctx context.Context) error) (bool, error) {
	ok, err := l.Claim(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := fn(ctx); err != nil {
		l.release(key)
		return false, err
	}
	return true, nil
}

func (l *Memory) release(key Key) {
	l.mu.Lock()
	delete(l.claimed, key.id())
	l.mu.Unlock()
}

// Len returns the number of recorded claims.
func (l *Memory) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.claimed)
}

var _ Ledger = (*Memory)(nil)
