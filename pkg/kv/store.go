// Package kv defines the narrow key-value surface the core uses for all
// cross-cutting mutable state (anti-churn windows, locks, the kill-switch
// flag). A single-instance deployment runs on the in-memory store; a
// multi-instance deployment swaps in a shared backend with identical
// semantics.
package kv

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("kv: key not found")

// Store is the minimal contract: get/set with per-key expiry plus the
// conditional primitives the distributed lock needs.
type Store interface {
	// Get returns the value for key, or ErrNotFound if absent/expired.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value under key. ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores value only if key is absent; reports whether it was set.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// DeleteIfEquals removes key only when its current value matches expect;
	// reports whether a delete happened.
	DeleteIfEquals(ctx context.Context, key, expect string) (bool, error)
	// Expire resets the ttl of an existing key; reports whether key existed.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}
