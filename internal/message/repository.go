package message

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/nimbus-chat/hub-server/internal/postgres"
)

// selectColumns lists the columns returned by queries that produce a
// *Message, including the profiles join and an optional left-joined
// attachment.
const selectColumns = `m.id, m.room_id, m.sender_id, m.content, m.message_type, m.reply_to,
	m.is_edited, m.is_deleted, m.created_at, m.updated_at,
	p.username, p.display_name, p.avatar_url,
	a.file_name, a.file_type, a.file_size, a.storage_path, a.mime_type, a.thumbnail_path, a.width, a.height, a.duration`

const baseJoin = `FROM messages m
	JOIN profiles p ON p.id = m.sender_id
	LEFT JOIN message_attachments a ON a.message_id = m.id`

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed message repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Create inserts a new message and returns it enriched with the sender's
// profile. When ReplyTo is set, the referenced message must exist, be in
// the same room, and not be deleted.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Message, error) {
	var msg *Message
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		if params.ReplyTo != nil {
			var exists bool
			err := tx.QueryRow(ctx,
				"SELECT EXISTS(SELECT 1 FROM messages WHERE id = $1 AND room_id = $2 AND is_deleted = false)",
				*params.ReplyTo, params.RoomID,
			).Scan(&exists)
			if err != nil {
				return fmt.Errorf("check reply target: %w", err)
			}
			if !exists {
				return ErrReplyNotFound
			}
		}

		var id uuid.UUID
		row := tx.QueryRow(ctx,
			`INSERT INTO messages (room_id, sender_id, content, message_type, reply_to)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING id`,
			params.RoomID, params.SenderID, params.Content, params.MessageType, params.ReplyTo,
		)
		if err := row.Scan(&id); err != nil {
			if postgres.IsForeignKeyViolation(err) {
				return ErrRoomNotFound
			}
			return fmt.Errorf("insert message: %w", err)
		}

		if _, err := tx.Exec(ctx, "UPDATE rooms SET last_message_at = NOW() WHERE id = $1", params.RoomID); err != nil {
			return fmt.Errorf("touch room last_message_at: %w", err)
		}

		var err error
		msg, err = r.getByIDTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// CreateWithAttachment persists a message row plus its attachment row in a
// single transaction, then returns the enriched result (the file_uploaded
// event path). A unique-constraint violation on the attachment's
// message_id (idx_message_attachments_message_id) surfaces as ErrConflict
// rather than a generic wrapped error.
func (r *PGRepository) CreateWithAttachment(ctx context.Context, params CreateAttachmentParams) (*Message, error) {
	var msg *Message
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		var id uuid.UUID
		row := tx.QueryRow(ctx,
			`INSERT INTO messages (room_id, sender_id, message_type)
			 VALUES ($1, $2, $3)
			 RETURNING id`,
			params.RoomID, params.SenderID, params.FileType,
		)
		if err := row.Scan(&id); err != nil {
			if postgres.IsForeignKeyViolation(err) {
				return ErrRoomNotFound
			}
			return fmt.Errorf("insert message: %w", err)
		}

		_, err := tx.Exec(ctx,
			`INSERT INTO message_attachments
				(message_id, file_name, file_type, file_size, storage_path, mime_type, thumbnail_path, width, height, duration)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			id, params.FileName, params.FileType, params.FileSize, params.StoragePath,
			params.MimeType, params.ThumbnailPath, params.Width, params.Height, params.Duration,
		)
		if err != nil {
			if postgres.IsUniqueViolation(err) {
				return ErrConflict
			}
			return fmt.Errorf("insert attachment: %w", err)
		}

		if _, err := tx.Exec(ctx, "UPDATE rooms SET last_message_at = NOW() WHERE id = $1", params.RoomID); err != nil {
			return fmt.Errorf("touch room last_message_at: %w", err)
		}

		msg, err = r.getByIDTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// GetByID returns a single message (deleted or not) with joined sender and
// optional attachment information.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*Message, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s %s WHERE m.id = $1", selectColumns, baseJoin), id,
	)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query message by id: %w", err)
	}
	return msg, nil
}

func (r *PGRepository) getByIDTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*Message, error) {
	row := tx.QueryRow(ctx,
		fmt.Sprintf("SELECT %s %s WHERE m.id = $1", selectColumns, baseJoin), id,
	)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query message by id: %w", err)
	}
	return msg, nil
}

// UpdateContent sets new content on a message and marks it edited, but
// only when senderID matches the row's sender_id. Mismatches return
// ErrNotFound rather than silently succeeding.
func (r *PGRepository) UpdateContent(ctx context.Context, id, senderID uuid.UUID, newContent string) (*Message, error) {
	row := r.db.QueryRow(ctx,
		`UPDATE messages SET content = $1, is_edited = true, updated_at = NOW()
		 WHERE id = $2 AND sender_id = $3 AND is_deleted = false
		 RETURNING id`, newContent, id, senderID,
	)

	var updatedID uuid.UUID
	if err := row.Scan(&updatedID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update message content: %w", err)
	}

	return r.GetByID(ctx, updatedID)
}

// SoftDelete marks a message deleted and clears its content, enforcing
// sender ownership. ok is false (with no error) when the message does not
// exist, is already deleted, or senderID does not match.
func (r *PGRepository) SoftDelete(ctx context.Context, id, senderID uuid.UUID) (roomID uuid.UUID, ok bool, err error) {
	row := r.db.QueryRow(ctx,
		`UPDATE messages SET is_deleted = true, content = NULL
		 WHERE id = $1 AND sender_id = $2 AND is_deleted = false
		 RETURNING room_id`, id, senderID,
	)
	if err := row.Scan(&roomID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, false, nil
		}
		return uuid.Nil, false, fmt.Errorf("soft delete message: %w", err)
	}
	return roomID, true, nil
}

// scanMessage scans a single row into a Message, assembling the
// denormalized Sender and optional Attachment sub-records.
func scanMessage(row pgx.Row) (*Message, error) {
	var (
		msg Message

		sender Sender

		attFileName, attFileType, attStoragePath *string
		attFileSize                               *int64
		attMimeType, attThumbnailPath             *string
		attWidth, attHeight, attDuration          *int
	)

	err := row.Scan(
		&msg.ID, &msg.RoomID, &msg.SenderID, &msg.Content, &msg.MessageType, &msg.ReplyTo,
		&msg.IsEdited, &msg.IsDeleted, &msg.CreatedAt, &msg.UpdatedAt,
		&sender.Username, &sender.DisplayName, &sender.AvatarURL,
		&attFileName, &attFileType, &attFileSize, &attStoragePath, &attMimeType, &attThumbnailPath,
		&attWidth, &attHeight, &attDuration,
	)
	if err != nil {
		return nil, err
	}

	msg.Sender = &sender

	if attFileName != nil {
		msg.Attachment = &Attachment{
			FileName:      *attFileName,
			FileType:      *attFileType,
			FileSize:      *attFileSize,
			StoragePath:   *attStoragePath,
			MimeType:      attMimeType,
			ThumbnailPath: attThumbnailPath,
			Width:         attWidth,
			Height:        attHeight,
			Duration:      attDuration,
		}
	}

	return &msg, nil
}
