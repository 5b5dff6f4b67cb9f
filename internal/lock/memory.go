package lock

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	gen       uint64
	expiresAt time.Time
}

// MemoryLocker is a process-local Locker.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]memoryEntry
	gen   uint64
	now   func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]memoryEntry), now: time.Now}
}

func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.locks[key]; ok && now.Before(e.expiresAt) {
		return nil, false, nil
	}

	l.gen++
	gen := l.gen
	l.locks[key] = memoryEntry{gen: gen, expiresAt: now.Add(ttl)}

	release := func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if e, ok := l.locks[key]; ok && e.gen == gen {
			delete(l.locks, key)
		}
		return nil
	}
	return release, true, nil
}
