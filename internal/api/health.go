// Package api exposes the HTTP-facing surface of the hub: a welcome
// banner, a health check, and the WebSocket upgrade endpoint. Everything else in the system is
// reached only over the event protocol handled by internal/hub.
package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/nimbus-chat/hub-server/internal/httputil"
)

// HealthHandler serves the health check endpoint.
type HealthHandler struct {
	db         *pgxpool.Pool
	rdb        *redis.Client
	appName    string
	appVersion string
}

// NewHealthHandler creates a health handler backed by the given Postgres
// pool and Redis client, reporting appName/appVersion in its responses.
func NewHealthHandler(db *pgxpool.Pool, rdb *redis.Client, appName, appVersion string) *HealthHandler {
	return &HealthHandler{db: db, rdb: rdb, appName: appName, appVersion: appVersion}
}

// Health pings Postgres and Redis, returning 503 if either dependency is
// unreachable. The body reports
// {status, app, version, redis: "connected"|"disconnected"}.
func (h *HealthHandler) Health(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 3*time.Second)
	defer cancel()

	pgOK := h.db.Ping(ctx) == nil
	redisOK := h.rdb.Ping(ctx).Err() == nil

	redisStatus := "connected"
	if !redisOK {
		redisStatus = "disconnected"
	}

	overall := "ok"
	status := fiber.StatusOK
	if !pgOK || !redisOK {
		overall = "degraded"
		status = fiber.StatusServiceUnavailable
	}

	return httputil.SuccessStatus(c, status, fiber.Map{
		"status":  overall,
		"app":     h.appName,
		"version": h.appVersion,
		"redis":   redisStatus,
	})
}
