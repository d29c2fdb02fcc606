package room

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nimbus-chat/hub-server/internal/ephemeral"
)

// cacheTTL is the lifetime of a room_members:{room_id} cache entry.
const cacheTTL = 5 * time.Minute

// Service combines the durable Repository with the ephemeral membership
// cache. The cache is never trusted when it would grant
// access it doesn't evidence: a cache hit for membership is trusted and
// short-circuits the repository read, but a cache miss or a cache-negative
// always falls back to the repository, and a repository-positive result
// found after a cache miss rebuilds the cache for next time.
type Service struct {
	repo  Repository
	store *ephemeral.Store
	log   zerolog.Logger
}

// NewService creates a room Service.
func NewService(repo Repository, store *ephemeral.Store, logger zerolog.Logger) *Service {
	return &Service{
		repo:  repo,
		store: store,
		log:   logger.With().Str("component", "room").Logger(),
	}
}

// IsMember reports whether userID belongs to roomID, consulting the
// membership cache first and only falling back to the authoritative
// repository on a miss.
func (s *Service) IsMember(ctx context.Context, roomID, userID uuid.UUID) (bool, error) {
	cacheKey := membersKey(roomID)

	isMember, err := s.store.SetIsMember(ctx, cacheKey, userID.String())
	if err != nil {
		s.log.Warn().Err(err).Stringer("room_id", roomID).Msg("Membership cache read failed, falling back to repository")
	} else if isMember {
		return true, nil
	}

	// Cache miss, cache-negative, or cache read failure: the repository's
	// verdict wins and the cache is rebuilt from it.
	member, err := s.repo.IsMember(ctx, roomID, userID)
	if err != nil {
		return false, fmt.Errorf("check room membership for %s in %s: %w", userID, roomID, err)
	}
	if member {
		s.rebuildCache(ctx, roomID)
	}
	return member, nil
}

// ListMembers returns every member of roomID. This is always an
// authoritative repository read: the fan-out engine's offline-notification
// path must never short-circuit via the cache.
func (s *Service) ListMembers(ctx context.Context, roomID uuid.UUID) ([]uuid.UUID, error) {
	members, err := s.repo.ListMembers(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("list members of %s: %w", roomID, err)
	}
	s.rebuildCacheWith(ctx, roomID, members)
	return members, nil
}

// FetchSenderProfile passes through to the repository.
func (s *Service) FetchSenderProfile(ctx context.Context, userID uuid.UUID) (*Profile, error) {
	p, err := s.repo.FetchSenderProfile(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("fetch sender profile for %s: %w", userID, err)
	}
	return p, nil
}

// InsertNotification passes through to the repository.
func (s *Service) InsertNotification(ctx context.Context, params NotificationParams) error {
	if err := s.repo.InsertNotification(ctx, params); err != nil {
		return fmt.Errorf("insert notification for %s: %w", params.UserID, err)
	}
	return nil
}

// rebuildCache re-fetches the full member list and repopulates the cache.
// Failures are logged, never surfaced: the cache is advisory.
func (s *Service) rebuildCache(ctx context.Context, roomID uuid.UUID) {
	members, err := s.repo.ListMembers(ctx, roomID)
	if err != nil {
		s.log.Warn().Err(err).Stringer("room_id", roomID).Msg("Membership cache rebuild failed")
		return
	}
	s.rebuildCacheWith(ctx, roomID, members)
}

func (s *Service) rebuildCacheWith(ctx context.Context, roomID uuid.UUID, members []uuid.UUID) {
	if len(members) == 0 {
		return
	}
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.String()
	}
	if err := s.store.SetAdd(ctx, membersKey(roomID), cacheTTL, ids...); err != nil {
		s.log.Warn().Err(err).Stringer("room_id", roomID).Msg("Membership cache write failed")
	}
}

func membersKey(roomID uuid.UUID) string {
	return "room_members:" + roomID.String()
}
