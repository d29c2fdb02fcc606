// Package hub implements the gateway's event core. A Hub owns every live
// connection, the transport-level room membership those connections are
// joined to, and the per-connection UNAUTH -> AUTH -> CLOSED lifecycle.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nimbus-chat/hub-server/internal/auth"
	"github.com/nimbus-chat/hub-server/internal/fanout"
	"github.com/nimbus-chat/hub-server/internal/message"
	"github.com/nimbus-chat/hub-server/internal/presence"
	"github.com/nimbus-chat/hub-server/internal/queue"
	"github.com/nimbus-chat/hub-server/internal/ratelimit"
	"github.com/nimbus-chat/hub-server/internal/room"
	"github.com/nimbus-chat/hub-server/internal/session"
	"github.com/nimbus-chat/hub-server/internal/typing"
)

// rateLimitWindow is the fixed window the per-user message counter
// lives in.
const rateLimitWindow = 60 * time.Second

// handshakeTimeout bounds how long a connection may stay in UNAUTH before
// the hub gives up and closes it. No session is created for a connection
// that never completes the handshake.
const handshakeTimeout = 10 * time.Second

// Config bundles the hub's tunables, all sourced from the environment.
type Config struct {
	MaxMessagesPerMinute int
	PingInterval         time.Duration
	PingTimeout          time.Duration
}

// envelope mirrors fanout's offline-queue wire shape so the hub can decode
// what it drains and replay it verbatim to a reconnecting client.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Hub is the process-wide session registry, transport-level room
// membership map, and event dispatcher. It is a process-scoped value
// constructed once at startup and passed by reference to the WebSocket
// upgrade handler.
type Hub struct {
	cfg Config

	verifier     *auth.Verifier
	sessions     *session.Registry
	sessionStore *session.Store
	presenceSvc  *presence.Service
	limiter      *ratelimit.Limiter
	messages     *message.Service
	rooms        *room.Service
	typingSet    *typing.Set
	offlineQueue *queue.Queue
	fanoutEngine *fanout.Engine

	mu          sync.RWMutex
	conns       map[uuid.UUID]*Client
	roomMembers map[uuid.UUID]map[uuid.UUID]*Client

	log zerolog.Logger
}

// New creates a Hub. The caller must call SetFanout before serving any
// connection: the fan-out engine depends on the Hub as its Broadcaster,
// so the two are wired together after construction to break the cycle.
func New(
	cfg Config,
	verifier *auth.Verifier,
	sessions *session.Registry,
	sessionStore *session.Store,
	presenceSvc *presence.Service,
	limiter *ratelimit.Limiter,
	messages *message.Service,
	rooms *room.Service,
	typingSet *typing.Set,
	offlineQueue *queue.Queue,
	logger zerolog.Logger,
) *Hub {
	return &Hub{
		cfg:          cfg,
		verifier:     verifier,
		sessions:     sessions,
		sessionStore: sessionStore,
		presenceSvc:  presenceSvc,
		limiter:      limiter,
		messages:     messages,
		rooms:        rooms,
		typingSet:    typingSet,
		offlineQueue: offlineQueue,
		conns:        make(map[uuid.UUID]*Client),
		roomMembers:  make(map[uuid.UUID]map[uuid.UUID]*Client),
		log:          logger.With().Str("component", "hub").Logger(),
	}
}

// SetFanout wires the fan-out engine built over this Hub (as a
// fanout.Broadcaster) back into it, so send_message/file_uploaded handlers
// can call FanOutMessage.
func (h *Hub) SetFanout(engine *fanout.Engine) {
	h.fanoutEngine = engine
}

// ConnectionCount returns the number of currently registered connections,
// that is, connections that completed the handshake and have not yet been
// torn down.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// ServeConn drives one connection's entire lifecycle: handshake, event
// dispatch, and teardown. It blocks until the connection closes. authHeader
// and queryToken are the Authorization header and "token" query parameter
// observed at HTTP upgrade time, consulted when the handshake payload
// itself carries no token.
func (h *Hub) ServeConn(conn Conn, authHeader, queryToken string) {
	client := newClient(h, conn, h.log)
	conn.SetReadLimit(maxMessageSize)

	pingInterval := h.cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = 25 * time.Second
	}
	go client.writePump(pingInterval)

	defer func() {
		h.handleDisconnect(client)
		client.closeSend()
	}()

	ctx := context.Background()
	if !h.handshake(ctx, client, authHeader, queryToken) {
		return
	}

	h.readLoop(ctx, client)
}

// handshake reads exactly one inbound frame within handshakeTimeout,
// requiring it to be an "authenticate" event; any other event from an
// unauthenticated connection disconnects it immediately. On success it
// registers the session, marks the user online, drains their offline
// queue, and broadcasts user_online. On any failure the connection is
// closed immediately with no event emitted.
func (h *Hub) handshake(ctx context.Context, client *Client, authHeader, queryToken string) bool {
	_ = client.conn.SetReadDeadline(time.Now().Add(handshakeTimeout))

	_, raw, err := client.conn.ReadMessage()
	if err != nil {
		h.log.Debug().Err(err).Msg("Handshake read failed or timed out")
		return false
	}

	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		h.log.Debug().Err(err).Msg("Handshake frame was not valid JSON")
		return false
	}
	if frame.Event != "authenticate" {
		h.log.Debug().Str("event", frame.Event).Msg("First frame was not the handshake")
		return false
	}

	var payload authPayload
	_ = json.Unmarshal(frame.Data, &payload)

	token := auth.ExtractToken(payload.Token, authHeader, queryToken)
	claims, err := h.verifier.Verify(token)
	if err != nil {
		h.log.Info().Err(err).Msg("Handshake authentication failed")
		return false
	}

	client.markAuthed(claims.UserID)
	h.armLiveness(client)

	h.mu.Lock()
	h.conns[client.connectionID] = client
	h.mu.Unlock()

	h.sessions.Attach(claims.UserID, client.connectionID)
	if err := h.sessionStore.Create(ctx, claims.UserID, client.connectionID, claims.Email, claims.Role); err != nil {
		h.log.Warn().Err(err).Stringer("user_id", claims.UserID).Msg("Failed to write session mirror")
	}
	if err := h.presenceSvc.SetOnline(ctx, claims.UserID); err != nil {
		h.log.Warn().Err(err).Stringer("user_id", claims.UserID).Msg("Failed to set presence online")
	}

	h.drainOfflineQueue(ctx, client)

	h.broadcastAll(ctx, "user_online", map[string]string{"user_id": claims.UserID.String()}, client.connectionID)

	h.log.Info().Stringer("user_id", claims.UserID).Stringer("connection_id", client.connectionID).
		Msg("Connection authenticated")
	return true
}

// armLiveness sets the read deadline that detects an unresponsive client
// once the handshake succeeds, and installs a pong handler that extends it every time
// writePump's ticker-driven ping is answered. A client that stops
// responding to pings has its next ReadMessage fail once the deadline
// elapses, ending readLoop and tearing the connection down like any other
// read error.
func (h *Hub) armLiveness(client *Client) {
	timeout := h.cfg.PingTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	_ = client.conn.SetReadDeadline(time.Now().Add(timeout))
	client.conn.SetPongHandler(func(string) error {
		_ = client.conn.SetReadDeadline(time.Now().Add(timeout))
		return nil
	})
}

// drainOfflineQueue performs a full-and-delete read of queue:{user_id},
// replayed as individual events to this connection only.
func (h *Hub) drainOfflineQueue(ctx context.Context, client *Client) {
	envelopes, err := h.offlineQueue.Drain(ctx, client.UserID())
	if err != nil {
		h.log.Warn().Err(err).Stringer("user_id", client.UserID()).Msg("Failed to drain offline queue")
		return
	}
	for _, raw := range envelopes {
		var env envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			h.log.Warn().Err(err).Msg("Failed to decode offline envelope")
			continue
		}
		frame, err := json.Marshal(Frame{Event: env.Event, Data: env.Data})
		if err != nil {
			h.log.Warn().Err(err).Msg("Failed to re-encode offline envelope")
			continue
		}
		client.enqueue(frame)
	}
}

// readLoop processes inbound frames for an authenticated connection until
// the read fails (remote close, transport error, or the connection being
// torn down from elsewhere).
func (h *Hub) readLoop(ctx context.Context, client *Client) {
	for {
		_, raw, err := client.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			client.sendError("invalid frame")
			continue
		}

		h.dispatch(ctx, client, frame)
	}
}

// dispatch routes one inbound event to its handler. Handler errors never
// close the connection; only auth failures do.
func (h *Hub) dispatch(ctx context.Context, client *Client, frame Frame) {
	switch frame.Event {
	case "join_room":
		h.handleJoinRoom(ctx, client, frame.Data)
	case "leave_room":
		h.handleLeaveRoom(ctx, client, frame.Data)
	case "send_message":
		h.handleSendMessage(ctx, client, frame.Data)
	case "edit_message":
		h.handleEditMessage(ctx, client, frame.Data)
	case "delete_message":
		h.handleDeleteMessage(ctx, client, frame.Data)
	case "typing_start":
		h.handleTypingStart(ctx, client, frame.Data)
	case "typing_stop":
		h.handleTypingStop(ctx, client, frame.Data)
	case "update_status":
		h.handleUpdateStatus(ctx, client, frame.Data)
	case "file_uploaded":
		h.handleFileUploaded(ctx, client, frame.Data)
	default:
		client.sendError(fmt.Sprintf("unknown event: %s", frame.Event))
	}
}

// handleDisconnect runs the AUTH -> CLOSED teardown:
// detach from the registry, delete the session mirror, tear the
// connection out of every room it joined, and, if the user now has zero
// connections, mark them offline and broadcast user_offline.
func (h *Hub) handleDisconnect(client *Client) {
	if !client.isAuthed() {
		return
	}

	h.mu.Lock()
	delete(h.conns, client.connectionID)
	h.mu.Unlock()

	for _, roomID := range client.joinedRooms() {
		h.removeFromRoom(roomID, client)
	}

	userID, ok := h.sessions.Detach(client.connectionID)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.sessionStore.Delete(ctx, userID, client.connectionID); err != nil {
		h.log.Warn().Err(err).Stringer("user_id", userID).Msg("Failed to delete session mirror")
	}

	if h.sessions.ConnectionCount(userID) == 0 {
		if err := h.presenceSvc.SetOffline(ctx, userID); err != nil {
			h.log.Warn().Err(err).Stringer("user_id", userID).Msg("Failed to set presence offline")
		}
		h.broadcastAll(ctx, "user_offline", map[string]string{"user_id": userID.String()}, client.connectionID)
	}

	h.log.Info().Stringer("user_id", userID).Stringer("connection_id", client.connectionID).Msg("Connection closed")
}

// addToRoom registers client as a transport-level member of roomID.
func (h *Hub) addToRoom(roomID uuid.UUID, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.roomMembers[roomID]
	if !ok {
		members = make(map[uuid.UUID]*Client)
		h.roomMembers[roomID] = members
	}
	members[client.connectionID] = client
	client.addRoom(roomID)
}

// removeFromRoom removes client from roomID's transport-level membership.
func (h *Hub) removeFromRoom(roomID uuid.UUID, client *Client) {
	h.mu.Lock()
	members, ok := h.roomMembers[roomID]
	if ok {
		delete(members, client.connectionID)
		if len(members) == 0 {
			delete(h.roomMembers, roomID)
		}
	}
	h.mu.Unlock()
	client.removeRoom(roomID)
}

// Broadcast implements fanout.Broadcaster: deliver eventName/payload to
// every connection currently joined to roomID, optionally skipping one
// connection (self-echo suppression for typing/presence events).
func (h *Hub) Broadcast(_ context.Context, roomID uuid.UUID, eventName string, payload any, skipConnection uuid.UUID) error {
	frame, err := encodeFrame(eventName, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", eventName, err)
	}

	h.mu.RLock()
	members := h.roomMembers[roomID]
	targets := make([]*Client, 0, len(members))
	for connID, c := range members {
		if connID == skipConnection {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(frame)
	}
	return nil
}

// broadcastAll delivers eventName/payload to every currently registered
// connection, optionally skipping one (used by user_online/user_offline
// and update_status, which are not room-scoped).
func (h *Hub) broadcastAll(_ context.Context, eventName string, payload any, skipConnection uuid.UUID) {
	frame, err := encodeFrame(eventName, payload)
	if err != nil {
		h.log.Error().Err(err).Str("event", eventName).Msg("Failed to encode broadcast-all frame")
		return
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.conns))
	for connID, c := range h.conns {
		if connID == skipConnection {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(frame)
	}
}
