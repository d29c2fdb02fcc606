// Package typing implements the per-room typing set:
// a short-lived, self-expiring set of user ids currently composing
// in a room. Membership is strictly advisory and may be
// stale up to the configured timeout.
package typing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nimbus-chat/hub-server/internal/ephemeral"
)

// Set tracks who is currently typing in which room.
type Set struct {
	store   *ephemeral.Store
	timeout time.Duration
}

// New creates a Set whose entries self-expire after timeout
// (TYPING_TIMEOUT, default 10s).
func New(store *ephemeral.Store, timeout time.Duration) *Set {
	return &Set{store: store, timeout: timeout}
}

// Start adds userID to roomID's typing set, (re)setting its TTL.
func (s *Set) Start(ctx context.Context, roomID, userID uuid.UUID) error {
	if err := s.store.SetAdd(ctx, key(roomID), s.timeout, userID.String()); err != nil {
		return fmt.Errorf("start typing for %s in %s: %w", userID, roomID, err)
	}
	return nil
}

// Stop removes userID from roomID's typing set immediately, ahead of its
// natural TTL expiry.
func (s *Set) Stop(ctx context.Context, roomID, userID uuid.UUID) error {
	if err := s.store.SetRem(ctx, key(roomID), userID.String()); err != nil {
		return fmt.Errorf("stop typing for %s in %s: %w", userID, roomID, err)
	}
	return nil
}

// IsTyping reports whether userID is currently present in roomID's typing
// set.
func (s *Set) IsTyping(ctx context.Context, roomID, userID uuid.UUID) (bool, error) {
	ok, err := s.store.SetIsMember(ctx, key(roomID), userID.String())
	if err != nil {
		return false, fmt.Errorf("check typing for %s in %s: %w", userID, roomID, err)
	}
	return ok, nil
}

func key(roomID uuid.UUID) string {
	return "typing:" + roomID.String()
}
