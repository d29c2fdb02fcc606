package hub

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// maxMessageSize caps a single inbound frame. Framing itself belongs
	// to the WebSocket library; this only bounds our own reads.
	maxMessageSize = 32 * 1024

	// writeWait bounds how long a single outbound write may block.
	writeWait = 10 * time.Second

	// sendBuffer is the depth of a client's outbound queue. A client that
	// falls this far behind is disconnected rather than let block the
	// broadcaster for every other recipient.
	sendBuffer = 256

	// WebSocket opcodes, matching RFC 6455 and github.com/fasthttp/websocket's
	// (and gorilla/websocket's) message type constants.
	textMessage = 1
	pingMessage = 9
)

// Conn is the subset of a WebSocket connection the hub needs. *websocket.Conn
// (github.com/fasthttp/websocket, as used through
// github.com/gofiber/contrib/v3/websocket) satisfies it structurally; tests
// substitute a fake.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Client is a single live bidirectional connection:
// an opaque connection id, owned by the transport, carrying the
// authenticated user id from handshake until close. The hub holds a
// non-owning reference via this wrapper.
type Client struct {
	hub          *Hub
	conn         Conn
	connectionID uuid.UUID
	send         chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	log          zerolog.Logger

	// Handshake state, written once by the hub's handshake step and read
	// by every later handler; guarded because the read loop and writePump
	// (heartbeat-driven presence refresh) both touch it.
	mu     sync.RWMutex
	userID uuid.UUID
	authed bool
	rooms  map[uuid.UUID]struct{}
}

func newClient(h *Hub, conn Conn, logger zerolog.Logger) *Client {
	return &Client{
		hub:          h,
		conn:         conn,
		connectionID: uuid.New(),
		send:         make(chan []byte, sendBuffer),
		done:         make(chan struct{}),
		rooms:        make(map[uuid.UUID]struct{}),
		log:          logger,
	}
}

// markAuthed records the authenticated user for this connection. Called
// once, after a successful handshake.
func (c *Client) markAuthed(userID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
	c.authed = true
}

// UserID returns the authenticated user id, or uuid.Nil before handshake
// completes.
func (c *Client) UserID() uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// isAuthed reports whether the connection completed its handshake.
func (c *Client) isAuthed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authed
}

func (c *Client) addRoom(roomID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[roomID] = struct{}{}
}

func (c *Client) removeRoom(roomID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, roomID)
}

// joinedRooms returns a snapshot of the rooms this connection currently
// belongs to at the transport level, used to tear it out of every room on
// disconnect.
func (c *Client) joinedRooms() []uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]uuid.UUID, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	return out
}

// closeSend signals the write loop to stop. Safe to call more than once or
// concurrently; only the first call has effect.
func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.done) })
}

// enqueue queues a frame for delivery without blocking. A client whose send
// buffer is already full is disconnected rather than allowed to stall the
// broadcaster for every other recipient.
func (c *Client) enqueue(frame []byte) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- frame:
	case <-c.done:
	default:
		c.log.Warn().Stringer("connection_id", c.connectionID).Msg("Client send buffer full, closing connection")
		c.closeSend()
	}
}

// sendEvent is a convenience wrapper that encodes and enqueues a single
// event/payload pair to this connection only.
func (c *Client) sendEvent(event string, payload any) {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		c.log.Error().Err(err).Str("event", event).Msg("Failed to encode outbound frame")
		return
	}
	c.enqueue(frame)
}

// sendError emits a typed error{message} event to the originating
// connection. Handler errors never close the connection; only auth
// failures do.
func (c *Client) sendError(message string) {
	c.sendEvent("error", errorPayload{Message: message})
}

// writePump drains the send channel to the underlying connection and
// periodically pings it, running until done is closed or a write fails.
func (c *Client) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(textMessage, msg); err != nil {
				c.log.Debug().Err(err).Msg("WebSocket write error")
				return
			}
		case <-ticker.C:
			c.refreshHeartbeat()
			if err := c.conn.WriteControl(pingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Debug().Err(err).Msg("WebSocket ping failed")
				return
			}
		case <-c.done:
			c.drainSend()
			return
		}
	}
}

// refreshHeartbeat extends the ephemeral presence and session-mirror TTLs
// on every outbound ping, so a connection that outlives their 5-minute and
// 24h TTLs doesn't silently drop out of presence.Exists while
// still live. A no-op before handshake completes, since UserID is
// uuid.Nil until then.
func (c *Client) refreshHeartbeat() {
	userID := c.UserID()
	if userID == uuid.Nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.hub.presenceSvc.Refresh(ctx, userID); err != nil {
		c.log.Warn().Err(err).Stringer("user_id", userID).Msg("Failed to refresh presence heartbeat")
	}
	if err := c.hub.sessionStore.Refresh(ctx, userID, c.connectionID); err != nil {
		c.log.Warn().Err(err).Stringer("user_id", userID).Msg("Failed to refresh session mirror heartbeat")
	}
}

// drainSend flushes any frames already queued so a client that is
// disconnecting still receives messages handed to it before the close
// signal, best-effort.
func (c *Client) drainSend() {
	for {
		select {
		case msg := <-c.send:
			_ = c.conn.WriteMessage(textMessage, msg)
		default:
			return
		}
	}
}
