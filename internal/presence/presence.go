// Package presence reconciles a user's
// online/away/busy/offline status between the ephemeral store
// (authoritative for "is this user online right now") and a best-effort
// durable write used only for cold reads of a user who is offline.
package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nimbus-chat/hub-server/internal/ephemeral"
)

// Status values. StatusOffline is never written to the ephemeral store;
// its absence is what offline means.
const (
	StatusOnline  = "online"
	StatusAway    = "away"
	StatusBusy    = "busy"
	StatusOffline = "offline"
)

// ttl is the lifetime of a presence:{user_id} key; absence of the key
// means offline.
const ttl = 5 * time.Minute

// ErrInvalidStatus is returned by UpdateStatus for any value outside the
// four recognized statuses.
var ErrInvalidStatus = errors.New("invalid presence status")

// ValidStatus reports whether status is one of the four recognized values.
func ValidStatus(status string) bool {
	switch status {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return true
	default:
		return false
	}
}

// ProfileUpdater is the durable, best-effort side of a presence
// transition: an asynchronous update to the profile row's status/last_seen
// columns, used only as a cold-read fallback.
type ProfileUpdater interface {
	UpdateStatus(ctx context.Context, userID uuid.UUID, status string) error
	GetStatus(ctx context.Context, userID uuid.UUID) (string, error)
}

// Service reads and writes presence state, backed by the ephemeral store
// adapter and an optional durable ProfileUpdater.
type Service struct {
	store   *ephemeral.Store
	durable ProfileUpdater
	log     zerolog.Logger
}

// NewService creates a presence Service. durable may be nil, in which case
// cold reads for an offline user always report StatusOffline.
func NewService(store *ephemeral.Store, durable ProfileUpdater, logger zerolog.Logger) *Service {
	return &Service{
		store:   store,
		durable: durable,
		log:     logger.With().Str("component", "presence").Logger(),
	}
}

// SetOnline marks userID online: writes the ephemeral key with the
// standard TTL and fires a best-effort durable update.
func (s *Service) SetOnline(ctx context.Context, userID uuid.UUID) error {
	return s.setStatus(ctx, userID, StatusOnline)
}

// SetOffline deletes the ephemeral presence key and fires a best-effort
// durable update. A user is offline exactly when no
// ephemeral key exists, so SetOffline never writes one.
func (s *Service) SetOffline(ctx context.Context, userID uuid.UUID) error {
	if err := s.store.Del(ctx, presenceKey(userID)); err != nil {
		return fmt.Errorf("delete presence for %s: %w", userID, err)
	}
	s.updateDurable(userID, StatusOffline)
	return nil
}

// UpdateStatus validates status against the four recognized values and
// routes to SetOnline/SetOffline or a direct ephemeral write for
// away/busy.
func (s *Service) UpdateStatus(ctx context.Context, userID uuid.UUID, status string) error {
	if !ValidStatus(status) {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	if status == StatusOffline {
		return s.SetOffline(ctx, userID)
	}
	return s.setStatus(ctx, userID, status)
}

func (s *Service) setStatus(ctx context.Context, userID uuid.UUID, status string) error {
	if err := s.store.SetTTL(ctx, presenceKey(userID), status, ttl); err != nil {
		return fmt.Errorf("set presence for %s: %w", userID, err)
	}
	s.updateDurable(userID, status)
	return nil
}

// GetStatus reads the ephemeral key first; on miss it falls back to the
// durable store, and finally to StatusOffline if neither yields a value.
func (s *Service) GetStatus(ctx context.Context, userID uuid.UUID) (string, error) {
	val, ok, err := s.store.Get(ctx, presenceKey(userID))
	if err != nil {
		s.log.Warn().Err(err).Stringer("user_id", userID).Msg("Ephemeral presence read failed, falling back to durable store")
	} else if ok {
		return val, nil
	}

	if s.durable == nil {
		return StatusOffline, nil
	}
	status, err := s.durable.GetStatus(ctx, userID)
	if err != nil {
		s.log.Warn().Err(err).Stringer("user_id", userID).Msg("Durable presence fallback failed")
		return StatusOffline, nil
	}
	if status == "" {
		return StatusOffline, nil
	}
	return status, nil
}

// Exists reports whether a live ephemeral presence key is present for
// userID, regardless of its value. The fan-out engine uses this to decide
// whether a room member will receive a message via live broadcast.
func (s *Service) Exists(ctx context.Context, userID uuid.UUID) (bool, error) {
	ok, err := s.store.Exists(ctx, presenceKey(userID))
	if err != nil {
		return false, fmt.Errorf("check presence existence for %s: %w", userID, err)
	}
	return ok, nil
}

// Refresh extends the TTL of an existing presence key without changing its
// stored value. It reads the current value first so the refresh does not
// clobber it; a miss is a silent no-op since there is nothing to refresh.
func (s *Service) Refresh(ctx context.Context, userID uuid.UUID) error {
	current, found, err := s.store.Get(ctx, presenceKey(userID))
	if err != nil {
		return fmt.Errorf("read presence for refresh %s: %w", userID, err)
	}
	if !found {
		return nil
	}
	if err := s.store.SetTTL(ctx, presenceKey(userID), current, ttl); err != nil {
		return fmt.Errorf("refresh presence for %s: %w", userID, err)
	}
	return nil
}

// updateDurable fires the best-effort asynchronous durable write.
// Failures are logged, never surfaced to the caller.
func (s *Service) updateDurable(userID uuid.UUID, status string) {
	if s.durable == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.durable.UpdateStatus(ctx, userID, status); err != nil {
			s.log.Warn().Err(err).Stringer("user_id", userID).Str("status", status).
				Msg("Best-effort durable presence update failed")
		}
	}()
}

func presenceKey(userID uuid.UUID) string {
	return "presence:" + userID.String()
}
