// Package room implements the membership, profile, and notification slice
// of the durable repository (the operations the message package does not
// already own), plus the room-membership fan-out cache.
package room

import (
	"context"

	"github.com/google/uuid"
)

// Profile is the denormalized sender/profile projection returned by
// fetch_sender_profile.
type Profile struct {
	Username    string
	DisplayName *string
	AvatarURL   *string
}

// NotificationParams describes a row inserted by insert_notification.
type NotificationParams struct {
	UserID           uuid.UUID
	Title            string
	Body             string
	NotificationType string
	ReferenceID      *uuid.UUID
}

// Repository is the durable-store side of membership, profile, and
// notification operations. PGRepository is the production implementation;
// tests substitute a hand-written fake.
type Repository interface {
	IsMember(ctx context.Context, roomID, userID uuid.UUID) (bool, error)
	ListMembers(ctx context.Context, roomID uuid.UUID) ([]uuid.UUID, error)
	FetchSenderProfile(ctx context.Context, userID uuid.UUID) (*Profile, error)
	InsertNotification(ctx context.Context, params NotificationParams) error

	// UpdateStatus and GetStatus satisfy presence.ProfileUpdater, the
	// best-effort durable side of a presence transition.
	UpdateStatus(ctx context.Context, userID uuid.UUID, status string) error
	GetStatus(ctx context.Context, userID uuid.UUID) (string, error)
}
