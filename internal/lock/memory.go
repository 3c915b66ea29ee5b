package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryLocker keeps locks in process memory. It only provides exclusion
// between sessions of a single relay instance.
type MemoryLocker struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryLocker returns an empty in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{entries: make(map[string]memoryEntry), now: time.Now}
}

func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (string, error) {
	if err := validate(key, ttl); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if entry, ok := l.entries[key]; ok && now.Before(entry.expiresAt) {
		return "", ErrHeld
	}
	token := uuid.NewString()
	l.entries[key] = memoryEntry{token: token, expiresAt: now.Add(ttl)}
	return token, nil
}

func (l *MemoryLocker) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.live(key)
	if !ok || entry.token != token {
		return ErrNotHeld
	}
	delete(l.entries, key)
	return nil
}

func (l *MemoryLocker) Extend(_ context.Context, key, token string, ttl time.Duration) error {
	if err := validate(key, ttl); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.live(key)
	if !ok || entry.token != token {
		return ErrNotHeld
	}
	entry.expiresAt = l.now().Add(ttl)
	l.entries[key] = entry
	return nil
}

func (l *MemoryLocker) Ping(context.Context) error { return nil }

// live returns the entry for key if it has not expired. Expired entries are
// dropped. Callers must hold mu.
func (l *MemoryLocker) live(key string) (memoryEntry, bool) {
	entry, ok := l.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !l.now().Before(entry.expiresAt) {
		delete(l.entries, key)
		return memoryEntry{}, false
	}
	return entry, true
}
