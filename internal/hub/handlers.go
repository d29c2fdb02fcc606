package hub

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/nimbus-chat/hub-server/internal/message"
	"github.com/nimbus-chat/hub-server/internal/presence"
)

// handleJoinRoom verifies membership (repository, with cache), adds the
// connection to the transport room, broadcasts user_joined_room to the
// room excluding self, and confirms room_joined back to the connecting
// client only.
func (h *Hub) handleJoinRoom(ctx context.Context, client *Client, data json.RawMessage) {
	var p joinRoomPayload
	_ = json.Unmarshal(data, &p)

	roomID, ok := parseUUIDField(client, "room_id", p.RoomID)
	if !ok {
		return
	}

	member, err := h.rooms.IsMember(ctx, roomID, client.UserID())
	if err != nil {
		h.log.Error().Err(err).Stringer("room_id", roomID).Msg("Membership check failed during join_room")
		client.sendError("Failed to join room")
		return
	}
	if !member {
		client.sendError("Not a member of this room")
		return
	}

	h.addToRoom(roomID, client)

	h.Broadcast(ctx, roomID, "user_joined_room", map[string]string{
		"user_id": client.UserID().String(),
		"room_id": roomID.String(),
	}, client.connectionID)

	client.sendEvent("room_joined", map[string]string{"room_id": roomID.String()})
}

// handleLeaveRoom removes the connection from the transport room and
// broadcasts user_left_room to the room.
func (h *Hub) handleLeaveRoom(ctx context.Context, client *Client, data json.RawMessage) {
	var p leaveRoomPayload
	_ = json.Unmarshal(data, &p)

	roomID, ok := parseUUIDField(client, "room_id", p.RoomID)
	if !ok {
		return
	}

	h.removeFromRoom(roomID, client)

	h.Broadcast(ctx, roomID, "user_left_room", map[string]string{
		"user_id": client.UserID().String(),
		"room_id": roomID.String(),
	}, uuid.Nil)
}

// handleSendMessage rate-limits, verifies membership, persists via the
// message service, then fans out. The resulting message event reaches
// everyone in the room, including each of the sender's own connections.
func (h *Hub) handleSendMessage(ctx context.Context, client *Client, data json.RawMessage) {
	var p sendMessagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		client.sendError("invalid payload")
		return
	}

	roomID, ok := parseUUIDField(client, "room_id", p.RoomID)
	if !ok {
		return
	}

	allowed, err := h.limiter.Allow(ctx, client.UserID(), int64(h.cfg.MaxMessagesPerMinute), rateLimitWindow)
	if err != nil {
		h.log.Error().Err(err).Stringer("user_id", client.UserID()).Msg("Rate limit check failed")
		client.sendError("Failed to send message")
		return
	}
	if !allowed {
		client.sendError("Rate limit exceeded")
		return
	}

	member, err := h.rooms.IsMember(ctx, roomID, client.UserID())
	if err != nil {
		h.log.Error().Err(err).Stringer("room_id", roomID).Msg("Membership check failed during send_message")
		client.sendError("Failed to send message")
		return
	}
	if !member {
		client.sendError("Not a member of this room")
		return
	}

	replyTo, ok := parseOptionalUUID(client, "reply_to", p.ReplyTo)
	if !ok {
		return
	}

	msgType := p.MessageType
	if msgType == "" {
		msgType = "text"
	}

	msg, err := h.messages.Create(ctx, message.CreateParams{
		RoomID:      roomID,
		SenderID:    client.UserID(),
		Content:     p.Content,
		MessageType: msgType,
		ReplyTo:     replyTo,
	})
	if err != nil {
		h.log.Error().Err(err).Stringer("room_id", roomID).Msg("Failed to persist message")
		client.sendError("Failed to send message")
		return
	}

	if err := h.fanoutEngine.FanOutMessage(ctx, msg); err != nil {
		h.log.Error().Err(err).Stringer("message_id", msg.ID).Msg("Failed to fan out message")
	}
}

// handleEditMessage edits a message, with ownership enforced by the
// repository's WHERE clause; on success, message_edited is broadcast to
// the message's room.
func (h *Hub) handleEditMessage(ctx context.Context, client *Client, data json.RawMessage) {
	var p editMessagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		client.sendError("invalid payload")
		return
	}

	messageID, ok := parseUUIDField(client, "message_id", p.MessageID)
	if !ok {
		return
	}
	if p.Content == "" {
		client.sendError("content is required")
		return
	}

	msg, err := h.messages.Edit(ctx, messageID, client.UserID(), p.Content)
	if err != nil {
		if isOwnershipOrValidation(err) {
			client.sendError("Not authorized to edit this message")
			return
		}
		h.log.Error().Err(err).Stringer("message_id", messageID).Msg("Failed to edit message")
		client.sendError("Failed to edit message")
		return
	}

	h.Broadcast(ctx, msg.RoomID, "message_edited", msg, uuid.Nil)
}

// handleDeleteMessage soft-deletes a message the caller owns; on success,
// message_deleted is broadcast to the room.
func (h *Hub) handleDeleteMessage(ctx context.Context, client *Client, data json.RawMessage) {
	var p deleteMessagePayload
	_ = json.Unmarshal(data, &p)

	messageID, ok := parseUUIDField(client, "message_id", p.MessageID)
	if !ok {
		return
	}

	roomID, deleted, err := h.messages.Delete(ctx, messageID, client.UserID())
	if err != nil {
		h.log.Error().Err(err).Stringer("message_id", messageID).Msg("Failed to delete message")
		client.sendError("Failed to delete message")
		return
	}
	if !deleted {
		client.sendError("Not authorized to delete this message")
		return
	}

	h.Broadcast(ctx, roomID, "message_deleted", map[string]string{
		"message_id": messageID.String(),
		"room_id":    roomID.String(),
	}, uuid.Nil)
}

// handleTypingStart adds the user to the room's typing set and broadcasts
// user_typing, skipping the originating connection only. The same user's
// other connections still observe their own typing state from peers.
func (h *Hub) handleTypingStart(ctx context.Context, client *Client, data json.RawMessage) {
	var p typingPayload
	_ = json.Unmarshal(data, &p)

	roomID, ok := parseUUIDField(client, "room_id", p.RoomID)
	if !ok {
		return
	}

	if err := h.typingSet.Start(ctx, roomID, client.UserID()); err != nil {
		h.log.Warn().Err(err).Stringer("room_id", roomID).Msg("Failed to record typing_start")
		return
	}

	h.Broadcast(ctx, roomID, "user_typing", map[string]string{
		"user_id": client.UserID().String(),
		"room_id": roomID.String(),
	}, client.connectionID)
}

// handleTypingStop removes the user from the room's typing set immediately
// (ahead of its TTL) and broadcasts user_stopped_typing, excluding self.
func (h *Hub) handleTypingStop(ctx context.Context, client *Client, data json.RawMessage) {
	var p typingPayload
	_ = json.Unmarshal(data, &p)

	roomID, ok := parseUUIDField(client, "room_id", p.RoomID)
	if !ok {
		return
	}

	if err := h.typingSet.Stop(ctx, roomID, client.UserID()); err != nil {
		h.log.Warn().Err(err).Stringer("room_id", roomID).Msg("Failed to record typing_stop")
		return
	}

	h.Broadcast(ctx, roomID, "user_stopped_typing", map[string]string{
		"user_id": client.UserID().String(),
		"room_id": roomID.String(),
	}, client.connectionID)
}

// handleUpdateStatus validates the requested status, routes it through the
// presence service, and broadcasts user_status_changed to every connection
// except the originator (not room-scoped: presence is process-wide).
func (h *Hub) handleUpdateStatus(ctx context.Context, client *Client, data json.RawMessage) {
	var p updateStatusPayload
	_ = json.Unmarshal(data, &p)

	if !presence.ValidStatus(p.Status) {
		client.sendError("Invalid status value")
		return
	}

	if err := h.presenceSvc.UpdateStatus(ctx, client.UserID(), p.Status); err != nil {
		h.log.Error().Err(err).Stringer("user_id", client.UserID()).Msg("Failed to update status")
		client.sendError("Failed to update status")
		return
	}

	h.broadcastAll(ctx, "user_status_changed", map[string]string{
		"user_id": client.UserID().String(),
		"status":  p.Status,
	}, client.connectionID)
}

// handleFileUploaded records an attachment a client already uploaded to
// object storage: verify membership, persist a message row plus its
// attachment metadata, then fan out like any other message.
func (h *Hub) handleFileUploaded(ctx context.Context, client *Client, data json.RawMessage) {
	var p fileUploadedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		client.sendError("invalid payload")
		return
	}

	roomID, ok := parseUUIDField(client, "room_id", p.RoomID)
	if !ok {
		return
	}
	if p.FileName == "" || p.StoragePath == "" || p.FileType == "" {
		client.sendError("file_name, storage_path, and file_type are required")
		return
	}

	member, err := h.rooms.IsMember(ctx, roomID, client.UserID())
	if err != nil {
		h.log.Error().Err(err).Stringer("room_id", roomID).Msg("Membership check failed during file_uploaded")
		client.sendError("Failed to send file")
		return
	}
	if !member {
		client.sendError("Not a member of this room")
		return
	}

	msg, err := h.messages.CreateWithAttachment(ctx, message.CreateAttachmentParams{
		RoomID:        roomID,
		SenderID:      client.UserID(),
		FileName:      p.FileName,
		FileType:      p.FileType,
		FileSize:      p.FileSize,
		StoragePath:   p.StoragePath,
		MimeType:      p.MimeType,
		ThumbnailPath: p.Thumbnail,
		Width:         p.Width,
		Height:        p.Height,
		Duration:      p.Duration,
	})
	if err != nil {
		h.log.Error().Err(err).Stringer("room_id", roomID).Msg("Failed to persist file message")
		client.sendError("Failed to send file")
		return
	}

	if err := h.fanoutEngine.FanOutMessage(ctx, msg); err != nil {
		h.log.Error().Err(err).Stringer("message_id", msg.ID).Msg("Failed to fan out file message")
	}
}

// parseUUIDField extracts a required UUID field, sending a validation
// error to the client and returning ok=false when absent or malformed.
func parseUUIDField(client *Client, field, value string) (uuid.UUID, bool) {
	if value == "" {
		client.sendError(field + " is required")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(value)
	if err != nil {
		client.sendError(field + " is invalid")
		return uuid.Nil, false
	}
	return id, true
}

// parseOptionalUUID extracts an optional UUID field; an absent field
// yields (nil, true), a malformed one yields (nil, false) after sending a
// validation error.
func parseOptionalUUID(client *Client, field string, value *string) (*uuid.UUID, bool) {
	if value == nil || *value == "" {
		return nil, true
	}
	id, err := uuid.Parse(*value)
	if err != nil {
		client.sendError(field + " is invalid")
		return nil, false
	}
	return &id, true
}

// isOwnershipOrValidation reports whether err represents a message-edit
// rejection that should surface as an authorization error to the client
// (not found, or sender_id mismatch; the repository collapses both into
// ErrNotFound) rather than a downstream failure.
func isOwnershipOrValidation(err error) bool {
	return errors.Is(err, message.ErrNotFound) || errors.Is(err, message.ErrReplyNotFound) ||
		errors.Is(err, message.ErrEmptyContent) || errors.Is(err, message.ErrContentTooLong)
}
