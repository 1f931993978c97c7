// Package lock provides a TTL-based mutual-exclusion primitive over a
// shared kv.Store. It serializes cluster-wide singleton work
// (reconciliation runs, kill-switch engagement) across instances: the
// owner holds a random token, renewal extends the TTL, and a crashed
// holder's lock self-clears when the TTL lapses.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"execution-core/pkg/kv"
)

// ErrNotHeld is returned by Renew when the lock expired or was taken
// over by another owner.
var ErrNotHeld = errors.New("lock: not held")

const keyPrefix = "lock:"

// Lock is a held lock. Zero value is not usable; obtain via Manager.Acquire.
type Lock struct {
	Name       string
	OwnerToken string
	ExpiresAt  time.Time

	ttl time.Duration
}

// Manager acquires and releases named locks on a Store.
type Manager struct {
	store kv.Store
}

func NewManager(store kv.Store) *Manager {
	return &Manager{store: store}
}

// Acquire makes a single non-blocking attempt to take the named lock.
// It returns (nil, nil) when another holder owns it; callers decide
// whether to skip the cycle or retry later.
func (m *Manager) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lock, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("lock %q: ttl must be positive", name)
	}

	token := uuid.NewString()
	ok, err := m.store.SetNX(ctx, keyPrefix+name, token, ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire lock %q: %w", name, err)
	}
	if !ok {
		return nil, nil
	}

	return &Lock{
		Name:       name,
		OwnerToken: token,
		ExpiresAt:  time.Now().Add(ttl),
		ttl:        ttl,
	}, nil
}

// Renew extends the TTL of a held lock. Long-running holders call it
// periodically; ErrNotHeld means the lock lapsed and the critical
// section is no longer exclusive.
func (m *Manager) Renew(ctx context.Context, l *Lock) error {
	if l == nil {
		return ErrNotHeld
	}

	cur, err := m.store.Get(ctx, keyPrefix+l.Name)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return ErrNotHeld
		}
		return fmt.Errorf("renew lock %q: %w", l.Name, err)
	}
	if cur != l.OwnerToken {
		return ErrNotHeld
	}

	ok, err := m.store.Expire(ctx, keyPrefix+l.Name, l.ttl)
	if err != nil {
		return fmt.Errorf("renew lock %q: %w", l.Name, err)
	}
	if !ok {
		return ErrNotHeld
	}
	l.ExpiresAt = time.Now().Add(l.ttl)
	return nil
}

// Release frees the lock if this owner still holds it. It is idempotent
// and safe to call after expiry: a lock that lapsed and was re-acquired
// by someone else is left alone.
func (m *Manager) Release(ctx context.Context, l *Lock) error {
	if l == nil {
		return nil
	}
	_, err := m.store.DeleteIfEquals(ctx, keyPrefix+l.Name, l.OwnerToken)
	if err != nil {
		return fmt.Errorf("release lock %q: %w", l.Name, err)
	}
	return nil
}
