// Package ratelimit implements a per-user fixed-window counter backed by
// the ephemeral store's atomic increment-with-first-write-TTL primitive.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nimbus-chat/hub-server/internal/ephemeral"
)

// Limiter enforces a fixed-window request count per user.
type Limiter struct {
	store *ephemeral.Store
}

// NewLimiter creates a Limiter backed by store.
func NewLimiter(store *ephemeral.Store) *Limiter {
	return &Limiter{store: store}
}

// Allow reports whether a user may perform one more action within the
// current window. If the counter is absent it is created at 1 with the
// given window as its TTL and true is returned. If present and already at
// or above limit, false is returned and the counter is left untouched. If
// present and below limit, it is incremented (without resetting its TTL)
// and true is returned. The window is therefore fixed, not sliding; this
// is the intended contract, not a bug.
func (l *Limiter) Allow(ctx context.Context, userID uuid.UUID, limit int64, window time.Duration) (bool, error) {
	allowed, _, err := l.store.TryIncrement(ctx, key(userID), limit, window)
	if err != nil {
		return false, fmt.Errorf("rate limit check for %s: %w", userID, err)
	}
	return allowed, nil
}

func key(userID uuid.UUID) string {
	return "ratelimit:" + userID.String()
}
