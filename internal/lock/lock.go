// Package lock provides the per-channel mutual exclusion used to keep a
// single relay process per channel across every relay instance.
//
// A lock is a key holding an opaque token with a finite expiry. Acquire is a
// single non-blocking attempt; Release and Extend only act when the caller
// still owns the token, so a holder whose lock expired and was re-acquired
// elsewhere can never disturb the new owner.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrHeld reports that another holder owns an unexpired lock.
	ErrHeld = errors.New("lock held elsewhere")
	// ErrNotHeld reports that the key is missing or owned by another token.
	ErrNotHeld = errors.New("lock not held by token")
)

// DefaultKeyPrefix namespaces channel locks in the shared store.
const DefaultKeyPrefix = "lock:channel:"

// Locker is implemented by the shared lock stores.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (string, error)
	Release(ctx context.Context, key, token string) error
	Extend(ctx context.Context, key, token string, ttl time.Duration) error
	Ping(ctx context.Context) error
}

// ChannelKey derives the lock key for a channel.
func ChannelKey(prefix string, channelID int64) string {
	if strings.TrimSpace(prefix) == "" {
		prefix = DefaultKeyPrefix
	}
	return fmt.Sprintf("%s%d", prefix, channelID)
}

func validate(key string, ttl time.Duration) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("lock key is required")
	}
	if ttl <= 0 {
		return fmt.Errorf("lock ttl must be positive, got %s", ttl)
	}
	return nil
}
