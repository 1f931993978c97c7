package risk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"execution-core/pkg/kv"
)

// churnKeyPrefix namespaces anti-churn entries in the shared store.
const churnKeyPrefix = "anti_churn"

// ChurnGuard blocks re-entry into a (symbol, direction) pair for a cooling
// window after an admission. Entries self-expire; closing the position clears
// the entry early.
type ChurnGuard struct {
	store  kv.Store
	window time.Duration
}

// NewChurnGuard creates a guard over the shared key-value store.
func NewChurnGuard(store kv.Store, window time.Duration) *ChurnGuard {
	return &ChurnGuard{store: store, window: window}
}

func churnKey(symbol, direction string) string {
	return fmt.Sprintf("%s:%s:%s", churnKeyPrefix, strings.ToUpper(symbol), direction)
}

// Blocked reports whether the pair is still cooling down and how long until
// it frees up. Store failures report blocked: admission must fail closed.
func (g *ChurnGuard) Blocked(ctx context.Context, symbol, direction string) (bool, time.Duration, error) {
	val, err := g.store.Get(ctx, churnKey(symbol, direction))
	if errors.Is(err, kv.ErrNotFound) {
		return false, 0, nil
	}
	if err != nil {
		return true, 0, fmt.Errorf("anti-churn lookup: %w", err)
	}

	admittedAt, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return true, 0, fmt.Errorf("anti-churn entry corrupt: %w", err)
	}
	remaining := g.window - time.Since(admittedAt)
	if remaining < 0 {
		remaining = 0
	}
	return true, remaining, nil
}

// Mark records an admission timestamp with the window as TTL.
func (g *ChurnGuard) Mark(ctx context.Context, symbol, direction string, at time.Time) error {
	if err := g.store.Set(ctx, churnKey(symbol, direction), at.UTC().Format(time.RFC3339Nano), g.window); err != nil {
		return fmt.Errorf("anti-churn mark: %w", err)
	}
	return nil
}

// Clear removes the entry when the position closes, freeing the pair before
// the window elapses.
func (g *ChurnGuard) Clear(ctx context.Context, symbol, direction string) error {
	if err := g.store.Delete(ctx, churnKey(symbol, direction)); err != nil {
		return fmt.Errorf("anti-churn clear: %w", err)
	}
	return nil
}
