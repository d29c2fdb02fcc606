package room

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db *pgxpool.Pool
}

// NewPGRepository creates a new PostgreSQL-backed room repository.
func NewPGRepository(db *pgxpool.Pool) *PGRepository {
	return &PGRepository{db: db}
}

// IsMember reports whether userID belongs to roomID. This is the
// authoritative check room.Service falls back to whenever its membership
// cache cannot prove membership.
func (r *PGRepository) IsMember(ctx context.Context, roomID, userID uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM room_members WHERE room_id = $1 AND user_id = $2)",
		roomID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check room membership: %w", err)
	}
	return exists, nil
}

// ListMembers returns every user id belonging to roomID.
func (r *PGRepository) ListMembers(ctx context.Context, roomID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx, "SELECT user_id FROM room_members WHERE room_id = $1", roomID)
	if err != nil {
		return nil, fmt.Errorf("list room members: %w", err)
	}
	defer rows.Close()

	var members []uuid.UUID
	for rows.Next() {
		var userID uuid.UUID
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan room member: %w", err)
		}
		members = append(members, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate room members: %w", err)
	}
	return members, nil
}

// FetchSenderProfile returns the denormalized profile fields for userID,
// or nil if no such profile exists.
func (r *PGRepository) FetchSenderProfile(ctx context.Context, userID uuid.UUID) (*Profile, error) {
	var p Profile
	err := r.db.QueryRow(ctx,
		"SELECT username, display_name, avatar_url FROM profiles WHERE id = $1", userID,
	).Scan(&p.Username, &p.DisplayName, &p.AvatarURL)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch sender profile: %w", err)
	}
	return &p, nil
}

// InsertNotification persists a notifications row for the offline fan-out
// path.
func (r *PGRepository) InsertNotification(ctx context.Context, params NotificationParams) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO notifications (user_id, title, body, notification_type, reference_id)
		 VALUES ($1, $2, $3, $4, $5)`,
		params.UserID, params.Title, params.Body, params.NotificationType, params.ReferenceID,
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// UpdateStatus best-effort writes the profile row's status/last_seen
// columns, satisfying presence.ProfileUpdater.
func (r *PGRepository) UpdateStatus(ctx context.Context, userID uuid.UUID, status string) error {
	_, err := r.db.Exec(ctx,
		"UPDATE profiles SET status = $1, last_seen = NOW() WHERE id = $2", status, userID,
	)
	if err != nil {
		return fmt.Errorf("update profile status: %w", err)
	}
	return nil
}

// GetStatus reads the profile row's durable status column, satisfying
// presence.ProfileUpdater's cold-read fallback.
func (r *PGRepository) GetStatus(ctx context.Context, userID uuid.UUID) (string, error) {
	var status string
	err := r.db.QueryRow(ctx, "SELECT status FROM profiles WHERE id = $1", userID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("get profile status: %w", err)
	}
	return status, nil
}
