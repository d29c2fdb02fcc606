package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nimbus-chat/hub-server/internal/ephemeral"
)

// ttl is the lifetime of a session:{user_id}:{connection_id} mirror key.
// Heartbeats renew it via Refresh.
const ttl = 24 * time.Hour

// mirror is the JSON payload stored at a session key: a snapshot of the
// claims that authenticated the connection.
type mirror struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role,omitempty"`
}

// Store mirrors session existence into the ephemeral store so that other
// hub instances (or a restarted process) could enumerate a user's live
// connections. The in-process Registry remains authoritative for this
// process's own routing decisions.
type Store struct {
	store *ephemeral.Store
}

// NewStore creates a session mirror Store.
func NewStore(store *ephemeral.Store) *Store {
	return &Store{store: store}
}

// Create writes the session:{user_id}:{connection_id} mirror key.
func (s *Store) Create(ctx context.Context, userID, connectionID uuid.UUID, email, role string) error {
	payload, err := json.Marshal(mirror{UserID: userID.String(), Email: email, Role: role})
	if err != nil {
		return fmt.Errorf("marshal session mirror: %w", err)
	}
	if err := s.store.SetTTL(ctx, key(userID, connectionID), string(payload), ttl); err != nil {
		return fmt.Errorf("write session mirror: %w", err)
	}
	return nil
}

// Refresh extends a session mirror key's TTL, used on heartbeat.
func (s *Store) Refresh(ctx context.Context, userID, connectionID uuid.UUID) error {
	val, ok, err := s.store.Get(ctx, key(userID, connectionID))
	if err != nil {
		return fmt.Errorf("read session mirror for refresh: %w", err)
	}
	if !ok {
		return nil
	}
	if err := s.store.SetTTL(ctx, key(userID, connectionID), val, ttl); err != nil {
		return fmt.Errorf("refresh session mirror: %w", err)
	}
	return nil
}

// Delete removes the session mirror key on disconnect.
func (s *Store) Delete(ctx context.Context, userID, connectionID uuid.UUID) error {
	if err := s.store.Del(ctx, key(userID, connectionID)); err != nil {
		return fmt.Errorf("delete session mirror: %w", err)
	}
	return nil
}

// Exists reports whether a session mirror key is present, used by tests
// and diagnostics to inspect the store directly.
func (s *Store) Exists(ctx context.Context, userID, connectionID uuid.UUID) (bool, error) {
	ok, err := s.store.Exists(ctx, key(userID, connectionID))
	if err != nil {
		return false, fmt.Errorf("check session mirror existence: %w", err)
	}
	return ok, nil
}

func key(userID, connectionID uuid.UUID) string {
	return "session:" + userID.String() + ":" + connectionID.String()
}
