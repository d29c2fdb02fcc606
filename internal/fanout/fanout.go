// Package fanout delivers newly created messages: room broadcast,
// offline-member detection, offline-queue enqueueing, and notification
// emission.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nimbus-chat/hub-server/internal/message"
	"github.com/nimbus-chat/hub-server/internal/room"
)

// Broadcaster delivers an event to every connection currently in a
// transport-level room, optionally skipping one connection (used for
// self-echo suppression on typing/presence events). The gateway package's
// Hub is the production implementation; room membership for delivery is
// owned by the transport layer, not by this engine.
type Broadcaster interface {
	Broadcast(ctx context.Context, roomID uuid.UUID, eventName string, payload any, skipConnection uuid.UUID) error
}

// PresenceChecker reports whether a user currently has a live connection.
type PresenceChecker interface {
	Exists(ctx context.Context, userID uuid.UUID) (bool, error)
}

// MemberNotifier is the subset of room.Service the offline fan-out path
// needs: an authoritative member listing plus durable notification
// inserts.
type MemberNotifier interface {
	ListMembers(ctx context.Context, roomID uuid.UUID) ([]uuid.UUID, error)
	InsertNotification(ctx context.Context, params room.NotificationParams) error
}

// Pusher enqueues a serialized envelope for an offline user.
type Pusher interface {
	Push(ctx context.Context, userID uuid.UUID, envelope string) error
}

// envelope is what gets JSON-serialized into a user's offline queue: the
// event name alongside the same payload a live connection would have
// received, so the gateway can replay it on reconnect without
// reconstructing the event.
type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// notificationTitle is fixed for every new-message notification.
const notificationTitle = "New message"

// Engine ties the transport-level broadcaster to the offline-delivery and
// notification machinery.
type Engine struct {
	broadcaster Broadcaster
	presence    PresenceChecker
	rooms       MemberNotifier
	queue       Pusher
	log         zerolog.Logger
}

// New creates a fan-out Engine.
func New(broadcaster Broadcaster, presence PresenceChecker, rooms MemberNotifier, queue Pusher, logger zerolog.Logger) *Engine {
	return &Engine{
		broadcaster: broadcaster,
		presence:    presence,
		rooms:       rooms,
		queue:       queue,
		log:         logger.With().Str("component", "fanout").Logger(),
	}
}

// Broadcast delivers eventName/payload to every connection in roomID.
// skipConnection may be uuid.Nil to address everyone.
func (e *Engine) Broadcast(ctx context.Context, roomID uuid.UUID, eventName string, payload any, skipConnection uuid.UUID) error {
	if err := e.broadcaster.Broadcast(ctx, roomID, eventName, payload, skipConnection); err != nil {
		return fmt.Errorf("broadcast %s to room %s: %w", eventName, roomID, err)
	}
	return nil
}

// FanOutMessage broadcasts a newly created message to its room (including
// the sender) and runs the offline-notification path for every other
// member who has no live connection.
func (e *Engine) FanOutMessage(ctx context.Context, msg *message.Message) error {
	if err := e.Broadcast(ctx, msg.RoomID, "message", msg, uuid.Nil); err != nil {
		return err
	}
	e.notifyOfflineMembers(ctx, msg)
	return nil
}

// notifyOfflineMembers queues the message and writes a notification row
// for every offline room member. Failures here are logged, never surfaced
// to the caller: the message is already durably persisted and broadcast to
// online members by the time this runs, and an offline member whose
// enqueue failed simply loses that envelope.
func (e *Engine) notifyOfflineMembers(ctx context.Context, msg *message.Message) {
	members, err := e.rooms.ListMembers(ctx, msg.RoomID)
	if err != nil {
		e.log.Error().Err(err).Stringer("room_id", msg.RoomID).Msg("Failed to list room members for offline fan-out")
		return
	}

	env, err := json.Marshal(envelope{Event: "message", Data: msg})
	if err != nil {
		e.log.Error().Err(err).Stringer("message_id", msg.ID).Msg("Failed to marshal offline envelope")
		return
	}

	for _, member := range members {
		if member == msg.SenderID {
			continue
		}

		online, err := e.presence.Exists(ctx, member)
		if err != nil {
			e.log.Warn().Err(err).Stringer("user_id", member).Msg("Presence check failed during offline fan-out, assuming online")
			continue
		}
		if online {
			continue
		}

		if err := e.queue.Push(ctx, member, string(env)); err != nil {
			e.log.Warn().Err(err).Stringer("user_id", member).Msg("Failed to enqueue offline envelope, dropping it")
		}

		body := notificationBody(msg)
		msgID := msg.ID
		if err := e.rooms.InsertNotification(ctx, room.NotificationParams{
			UserID:           member,
			Title:            notificationTitle,
			Body:             body,
			NotificationType: "new_message",
			ReferenceID:      &msgID,
		}); err != nil {
			e.log.Warn().Err(err).Stringer("user_id", member).Msg("Failed to insert offline notification")
		}
	}
}

func notificationBody(msg *message.Message) string {
	if msg.Content != nil && *msg.Content != "" {
		return *msg.Content
	}
	return "Attachment"
}
