// Package message persists chat messages and attachments via the
// repository adapter and enriches them with the sender's denormalized
// profile before they are handed to the fan-out engine.
package message

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
)

// Sentinel errors for the message package.
var (
	ErrNotFound       = errors.New("message not found")
	ErrContentTooLong = errors.New("message content exceeds the maximum length")
	ErrEmptyContent   = errors.New("message content must not be empty")
	ErrReplyNotFound  = errors.New("reply target message not found")
	ErrConflict       = errors.New("attachment already recorded for this message")
	ErrRoomNotFound   = errors.New("room does not exist")
)

// MaxContentRunes bounds message body length.
const MaxContentRunes = 4000

// sanitizer strips HTML/script markup from message content before it is
// persisted and fanned out verbatim to every other client in the room.
var sanitizer = bluemonday.StrictPolicy()

// Sender is the denormalized profile attached to a message on emit.
type Sender struct {
	Username    string
	DisplayName *string
	AvatarURL   *string
}

// Attachment holds file metadata for a non-text message.
type Attachment struct {
	FileName      string
	FileType      string
	FileSize      int64
	StoragePath   string
	MimeType      *string
	ThumbnailPath *string
	Width         *int
	Height        *int
	Duration      *int
}

// Message is the persisted record, enriched with sender and optional
// attachment information for emission to clients.
type Message struct {
	ID          uuid.UUID
	RoomID      uuid.UUID
	SenderID    uuid.UUID
	Content     *string
	MessageType string
	ReplyTo     *uuid.UUID
	IsEdited    bool
	IsDeleted   bool
	CreatedAt   time.Time
	UpdatedAt   time.Time

	Sender     *Sender
	Attachment *Attachment
}

// CreateParams groups the inputs for creating a new text/typed message.
type CreateParams struct {
	RoomID      uuid.UUID
	SenderID    uuid.UUID
	Content     *string
	MessageType string
	ReplyTo     *uuid.UUID
}

// CreateAttachmentParams groups the inputs for a file_uploaded message.
type CreateAttachmentParams struct {
	RoomID      uuid.UUID
	SenderID    uuid.UUID
	FileName    string
	FileType    string
	FileSize    int64
	StoragePath string

	MimeType      *string
	ThumbnailPath *string
	Width         *int
	Height        *int
	Duration      *int
}

// SanitizeContent trims and strips markup from content, enforcing the
// length bound.
func SanitizeContent(content string) (string, error) {
	cleaned := strings.TrimSpace(sanitizer.Sanitize(content))
	if cleaned == "" {
		return "", ErrEmptyContent
	}
	if utf8.RuneCountInString(cleaned) > MaxContentRunes {
		return "", ErrContentTooLong
	}
	return cleaned, nil
}

// ValidMessageType reports whether t is a usable message type. The field
// is free-form: any non-empty value passes through to storage and clients
// unchanged.
func ValidMessageType(t string) bool {
	return t != ""
}

// Repository defines the message-related data-access contract consumed by
// the hub.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*Message, error)
	CreateWithAttachment(ctx context.Context, params CreateAttachmentParams) (*Message, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Message, error)
	UpdateContent(ctx context.Context, id, senderID uuid.UUID, newContent string) (*Message, error)
	SoftDelete(ctx context.Context, id, senderID uuid.UUID) (roomID uuid.UUID, ok bool, err error)
}

// Service wraps a Repository with sanitization and validation. Ownership
// enforcement (sender_id matching) lives in the repository's WHERE
// clause.
type Service struct {
	repo Repository
}

// NewService creates a message Service over the given repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Create validates and sanitizes content (when present) then persists a
// new message.
func (s *Service) Create(ctx context.Context, params CreateParams) (*Message, error) {
	if params.MessageType == "" {
		params.MessageType = "text"
	}
	if params.Content != nil {
		cleaned, err := SanitizeContent(*params.Content)
		if err != nil {
			return nil, err
		}
		params.Content = &cleaned
	}
	return s.repo.Create(ctx, params)
}

// CreateWithAttachment persists a message carrying an already-uploaded
// file's metadata (the file_uploaded event).
func (s *Service) CreateWithAttachment(ctx context.Context, params CreateAttachmentParams) (*Message, error) {
	return s.repo.CreateWithAttachment(ctx, params)
}

// Edit enforces ownership (only the sender may edit, via the repository's
// WHERE clause) and returns the updated, re-enriched message.
func (s *Service) Edit(ctx context.Context, messageID, senderID uuid.UUID, content string) (*Message, error) {
	cleaned, err := SanitizeContent(content)
	if err != nil {
		return nil, err
	}
	return s.repo.UpdateContent(ctx, messageID, senderID, cleaned)
}

// Delete soft-deletes a message, enforcing ownership, and returns the room
// id for fan-out when the delete actually happened.
func (s *Service) Delete(ctx context.Context, messageID, senderID uuid.UUID) (roomID uuid.UUID, ok bool, err error) {
	return s.repo.SoftDelete(ctx, messageID, senderID)
}
