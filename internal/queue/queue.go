// Package queue implements the offline message queue:
// a per-user list of serialized message envelopes, appended at the tail
// while the user has no live connection and fully drained on their next
// successful handshake.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nimbus-chat/hub-server/internal/ephemeral"
)

// defaultTTL is the queue:{user_id} retention used when New is given a
// non-positive retention.
const defaultTTL = 24 * time.Hour

// Queue manages per-user offline envelope lists.
type Queue struct {
	store *ephemeral.Store
	ttl   time.Duration
}

// New creates a Queue backed by store, retaining envelopes for ttl
// (MESSAGE_QUEUE_RETENTION).
func New(store *ephemeral.Store, ttl time.Duration) *Queue {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Queue{store: store, ttl: ttl}
}

// Push appends a serialized envelope to userID's queue. Push is the one
// non-idempotent ephemeral operation; a failed push is dropped (the
// offline path is at-most-once) rather than retried by the queue itself.
func (q *Queue) Push(ctx context.Context, userID uuid.UUID, envelope string) error {
	if err := q.store.ListPush(ctx, key(userID), envelope, q.ttl); err != nil {
		return fmt.Errorf("enqueue offline envelope for %s: %w", userID, err)
	}
	return nil
}

// Drain atomically reads and deletes the full contents of userID's queue,
// returning the envelopes in insertion order. A queue is consumed exactly
// once, on the next successful handshake.
func (q *Queue) Drain(ctx context.Context, userID uuid.UUID) ([]string, error) {
	envelopes, err := q.store.DrainList(ctx, key(userID))
	if err != nil {
		return nil, fmt.Errorf("drain offline queue for %s: %w", userID, err)
	}
	return envelopes, nil
}

func key(userID uuid.UUID) string {
	return "queue:" + userID.String()
}
