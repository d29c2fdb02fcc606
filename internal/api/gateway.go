package api

import (
	"sync"

	"github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"

	"github.com/nimbus-chat/hub-server/internal/hub"
)

// connServer is the subset of *hub.Hub the gateway handler needs to drive
// a connection's lifecycle.
type connServer interface {
	ServeConn(conn hub.Conn, authHeader, queryToken string)
}

// ipCounter tracks concurrent gateway connections per client IP so a
// single host cannot exhaust the hub (MAX_CONNECTIONS_PER_IP).
type ipCounter struct {
	mu    sync.Mutex
	max   int
	conns map[string]int
}

func newIPCounter(max int) *ipCounter {
	return &ipCounter{max: max, conns: make(map[string]int)}
}

// acquire reserves a connection slot for ip, reporting false when the ip
// is already at its limit. A non-positive max disables the check.
func (c *ipCounter) acquire(ip string) bool {
	if c.max <= 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conns[ip] >= c.max {
		return false
	}
	c.conns[ip]++
	return true
}

func (c *ipCounter) release(ip string) {
	if c.max <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := c.conns[ip]; n <= 1 {
		delete(c.conns, ip)
	} else {
		c.conns[ip] = n - 1
	}
}

// GatewayHandler serves the WebSocket upgrade endpoint.
type GatewayHandler struct {
	hub   connServer
	perIP *ipCounter
}

// NewGatewayHandler creates a gateway handler over the given hub,
// admitting at most maxConnsPerIP concurrent connections per client IP
// (non-positive disables the cap).
func NewGatewayHandler(h connServer, maxConnsPerIP int) *GatewayHandler {
	return &GatewayHandler{hub: h, perIP: newIPCounter(maxConnsPerIP)}
}

// Upgrade handles GET /gateway. It upgrades the HTTP connection to a
// WebSocket and hands it to the hub, along with the Authorization header
// and "token" query parameter observed at upgrade time. Those are the
// fallback token sources; the auth-frame payload, which takes precedence,
// only exists after the handshake begins.
func (h *GatewayHandler) Upgrade(c fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	ip := c.IP()
	if !h.perIP.acquire(ip) {
		return fiber.ErrTooManyRequests
	}

	authHeader := c.Get("Authorization")
	queryToken := c.Query("token")

	return websocket.New(func(conn *websocket.Conn) {
		defer h.perIP.release(ip)
		h.hub.ServeConn(conn.Conn, authHeader, queryToken)
	})(c)
}
