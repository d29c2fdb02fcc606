package fanout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nimbus-chat/hub-server/internal/message"
	"github.com/nimbus-chat/hub-server/internal/room"
)

type broadcastCall struct {
	roomID         uuid.UUID
	event          string
	payload        any
	skipConnection uuid.UUID
}

type fakeBroadcaster struct {
	mu    sync.Mutex
	calls []broadcastCall
}

func (f *fakeBroadcaster) Broadcast(_ context.Context, roomID uuid.UUID, event string, payload any, skip uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, broadcastCall{roomID, event, payload, skip})
	return nil
}

type fakePresence struct {
	mu     sync.Mutex
	online map[uuid.UUID]bool
}

func newFakePresence() *fakePresence {
	return &fakePresence{online: make(map[uuid.UUID]bool)}
}

func (f *fakePresence) Exists(_ context.Context, userID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online[userID], nil
}

type fakeRooms struct {
	mu            sync.Mutex
	members       map[uuid.UUID][]uuid.UUID
	notifications []room.NotificationParams
}

func newFakeRooms() *fakeRooms {
	return &fakeRooms{members: make(map[uuid.UUID][]uuid.UUID)}
}

func (f *fakeRooms) ListMembers(_ context.Context, roomID uuid.UUID) ([]uuid.UUID, error) {
	return f.members[roomID], nil
}

func (f *fakeRooms) InsertNotification(_ context.Context, params room.NotificationParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications = append(f.notifications, params)
	return nil
}

type fakeQueue struct {
	mu     sync.Mutex
	pushed map[uuid.UUID][]string
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{pushed: make(map[uuid.UUID][]string)}
}

func (f *fakeQueue) Push(_ context.Context, userID uuid.UUID, envelope string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed[userID] = append(f.pushed[userID], envelope)
	return nil
}

func newTestMessage(roomID, senderID uuid.UUID, content string) *message.Message {
	return &message.Message{
		ID:          uuid.New(),
		RoomID:      roomID,
		SenderID:    senderID,
		Content:     &content,
		MessageType: "text",
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
}

func TestFanOutMessageBroadcastsToRoom(t *testing.T) {
	t.Parallel()
	bc := &fakeBroadcaster{}
	rooms := newFakeRooms()
	presence := newFakePresence()
	q := newFakeQueue()
	e := New(bc, presence, rooms, q, zerolog.Nop())

	roomID, senderID := uuid.New(), uuid.New()
	msg := newTestMessage(roomID, senderID, "hello")

	if err := e.FanOutMessage(context.Background(), msg); err != nil {
		t.Fatalf("FanOutMessage() error = %v", err)
	}

	if len(bc.calls) != 1 {
		t.Fatalf("broadcast calls = %d, want 1", len(bc.calls))
	}
	if bc.calls[0].event != "message" || bc.calls[0].roomID != roomID {
		t.Errorf("broadcast call = %+v", bc.calls[0])
	}
	if bc.calls[0].skipConnection != uuid.Nil {
		t.Error("message broadcast must not skip any connection (sender included)")
	}
}

func TestFanOutMessageEnqueuesOfflineMembersOnly(t *testing.T) {
	t.Parallel()
	bc := &fakeBroadcaster{}
	rooms := newFakeRooms()
	presence := newFakePresence()
	q := newFakeQueue()
	e := New(bc, presence, rooms, q, zerolog.Nop())

	roomID, sender, online, offline := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	rooms.members[roomID] = []uuid.UUID{sender, online, offline}
	presence.online[online] = true

	msg := newTestMessage(roomID, sender, "hi")
	if err := e.FanOutMessage(context.Background(), msg); err != nil {
		t.Fatalf("FanOutMessage() error = %v", err)
	}

	if len(q.pushed[offline]) != 1 {
		t.Errorf("offline member queue = %v, want 1 envelope", q.pushed[offline])
	}
	if len(q.pushed[online]) != 0 {
		t.Errorf("online member queue = %v, want empty", q.pushed[online])
	}
	if len(q.pushed[sender]) != 0 {
		t.Error("sender must never receive its own offline envelope")
	}
}

func TestFanOutMessageInsertsNotificationForOfflineMembers(t *testing.T) {
	t.Parallel()
	bc := &fakeBroadcaster{}
	rooms := newFakeRooms()
	presence := newFakePresence()
	q := newFakeQueue()
	e := New(bc, presence, rooms, q, zerolog.Nop())

	roomID, sender, offline := uuid.New(), uuid.New(), uuid.New()
	rooms.members[roomID] = []uuid.UUID{sender, offline}

	msg := newTestMessage(roomID, sender, "hello there")
	if err := e.FanOutMessage(context.Background(), msg); err != nil {
		t.Fatalf("FanOutMessage() error = %v", err)
	}

	if len(rooms.notifications) != 1 {
		t.Fatalf("notifications = %v, want 1", rooms.notifications)
	}
	n := rooms.notifications[0]
	if n.UserID != offline {
		t.Errorf("notification user = %v, want %v", n.UserID, offline)
	}
	if n.Title != "New message" {
		t.Errorf("notification title = %q, want %q", n.Title, "New message")
	}
	if n.Body != "hello there" {
		t.Errorf("notification body = %q, want %q", n.Body, "hello there")
	}
	if n.NotificationType != "new_message" {
		t.Errorf("notification type = %q, want %q", n.NotificationType, "new_message")
	}
	if n.ReferenceID == nil || *n.ReferenceID != msg.ID {
		t.Errorf("notification reference_id = %v, want %v", n.ReferenceID, msg.ID)
	}
}

func TestFanOutMessageNonTextBodyPlaceholder(t *testing.T) {
	t.Parallel()
	bc := &fakeBroadcaster{}
	rooms := newFakeRooms()
	presence := newFakePresence()
	q := newFakeQueue()
	e := New(bc, presence, rooms, q, zerolog.Nop())

	roomID, sender, offline := uuid.New(), uuid.New(), uuid.New()
	rooms.members[roomID] = []uuid.UUID{sender, offline}

	msg := &message.Message{
		ID:          uuid.New(),
		RoomID:      roomID,
		SenderID:    sender,
		Content:     nil,
		MessageType: "image",
	}
	if err := e.FanOutMessage(context.Background(), msg); err != nil {
		t.Fatalf("FanOutMessage() error = %v", err)
	}

	if len(rooms.notifications) != 1 || rooms.notifications[0].Body != "Attachment" {
		t.Errorf("notifications = %+v, want body %q", rooms.notifications, "Attachment")
	}
}

func TestBroadcastPassesThrough(t *testing.T) {
	t.Parallel()
	bc := &fakeBroadcaster{}
	e := New(bc, newFakePresence(), newFakeRooms(), newFakeQueue(), zerolog.Nop())

	roomID, skip := uuid.New(), uuid.New()
	if err := e.Broadcast(context.Background(), roomID, "user_typing", map[string]string{"user_id": "x"}, skip); err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	if len(bc.calls) != 1 || bc.calls[0].skipConnection != skip {
		t.Errorf("broadcast calls = %+v", bc.calls)
	}
}
