package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/limiter"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nimbus-chat/hub-server/internal/api"
	"github.com/nimbus-chat/hub-server/internal/auth"
	"github.com/nimbus-chat/hub-server/internal/config"
	"github.com/nimbus-chat/hub-server/internal/ephemeral"
	"github.com/nimbus-chat/hub-server/internal/fanout"
	"github.com/nimbus-chat/hub-server/internal/httputil"
	"github.com/nimbus-chat/hub-server/internal/hub"
	"github.com/nimbus-chat/hub-server/internal/message"
	"github.com/nimbus-chat/hub-server/internal/postgres"
	"github.com/nimbus-chat/hub-server/internal/presence"
	"github.com/nimbus-chat/hub-server/internal/queue"
	"github.com/nimbus-chat/hub-server/internal/ratelimit"
	"github.com/nimbus-chat/hub-server/internal/room"
	"github.com/nimbus-chat/hub-server/internal/session"
	"github.com/nimbus-chat/hub-server/internal/typing"
	"github.com/nimbus-chat/hub-server/internal/valkey"
)

// Build metadata injected via ldflags at compile time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

// apiErrorHandler converts a route handler's returned error into the
// service's standard JSON error envelope. Errors that aren't a *fiber.Error
// (panics recovered by Fiber, unexpected handler errors) are logged and
// reported as an opaque internal error rather than leaking details to the
// client.
func apiErrorHandler(c fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	msg := "An internal error occurred"
	code := httputil.CodeInternal

	var fe *fiber.Error
	if errors.As(err, &fe) {
		status = fe.Code
		msg = fe.Message
		code = statusToCode(status)
	} else {
		log.Error().Err(err).
			Str("method", c.Method()).
			Str("path", c.Path()).
			Msg("Unhandled error")
	}

	return c.Status(status).JSON(httputil.ErrorResponse{
		Error: httputil.ErrorBody{Code: code, Message: msg},
	})
}

// statusToCode maps an HTTP status to the service's error code vocabulary.
func statusToCode(status int) httputil.Code {
	switch status {
	case fiber.StatusNotFound:
		return httputil.CodeNotFound
	case fiber.StatusUnauthorized:
		return httputil.CodeUnauthorized
	case fiber.StatusInternalServerError, fiber.StatusBadGateway, fiber.StatusGatewayTimeout:
		return httputil.CodeInternal
	default:
		if status >= 400 && status < 500 {
			return httputil.CodeValidation
		}
		return httputil.CodeInternal
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}

	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("built", date).
		Str("env", cfg.Env).
		Msg("Starting chat hub")

	if cfg.CORSOrigins == "*" {
		log.Warn().Msg("CORS_ORIGINS is set to a wildcard. Set an explicit origin when in production.")
	}

	ctx := context.Background()

	db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns, cfg.DatabaseMinConns)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	log.Info().Msg("PostgreSQL connected")

	if err := postgres.Migrate(cfg.DatabaseURL, log.Logger); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Msg("Database migrations complete")

	rdb, err := valkey.Connect(ctx, cfg.RedisURL, cfg.RedisPassword, cfg.RedisDialTimeout)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer func() { _ = rdb.Close() }()
	log.Info().Msg("Redis connected")

	store := ephemeral.New(rdb)

	verifier := auth.NewVerifier(cfg.SupabaseJWTSecret)
	sessions := session.NewRegistry()
	sessionStore := session.NewStore(store)
	rateLimiter := ratelimit.NewLimiter(store)
	typingSet := typing.New(store, cfg.TypingTimeout)
	offlineQueue := queue.New(store, cfg.MessageQueueRetention)

	roomRepo := room.NewPGRepository(db)
	roomSvc := room.NewService(roomRepo, store, log.Logger)

	// roomRepo (not roomSvc) is the durable ProfileUpdater: presence's
	// cold-read fallback goes straight to the profiles table, bypassing
	// the membership cache that roomSvc layers on top.
	presenceSvc := presence.NewService(store, roomRepo, log.Logger)

	messageRepo := message.NewPGRepository(db, log.Logger)
	messageSvc := message.NewService(messageRepo)

	gatewayHub := hub.New(hub.Config{
		MaxMessagesPerMinute: cfg.MaxMessagesPerMinute,
		PingInterval:         cfg.SocketIOPingInterval,
		PingTimeout:          cfg.SocketIOPingTimeout,
	}, verifier, sessions, sessionStore, presenceSvc, rateLimiter, messageSvc, roomSvc, typingSet, offlineQueue, log.Logger)

	fanoutEngine := fanout.New(gatewayHub, presenceSvc, roomSvc, offlineQueue, log.Logger)
	gatewayHub.SetFanout(fanoutEngine)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ErrorHandler: apiErrorHandler,
	})

	app.Use(requestid.New())
	app.Use(httputil.RequestLogger(log.Logger))
	app.Use(cors.New(cors.Config{
		AllowOrigins:  strings.Split(cfg.CORSOrigins, ","),
		AllowMethods:  []string{"GET", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"X-Request-ID"},
	}))
	app.Use(limiter.New(limiter.Config{
		Max:        cfg.RateLimitAPIRequests,
		Expiration: time.Duration(cfg.RateLimitAPIWindowSeconds) * time.Second,
	}))

	welcomeHandler := api.NewWelcomeHandler(cfg.AppName, cfg.AppVersion)
	app.Get("/", welcomeHandler.Get)

	healthHandler := api.NewHealthHandler(db, rdb, cfg.AppName, cfg.AppVersion)
	app.Get("/health", healthHandler.Health)

	gatewayHandler := api.NewGatewayHandler(gatewayHub, cfg.MaxConnectionsPerIP)
	app.Get("/gateway", gatewayHandler.Upgrade)

	// Catch-all: Fiber v3 treats the app.Use() middleware registered above
	// as a route match, so without this handler an unmatched path would
	// fall through to a 200 with an empty body instead of a 404.
	app.Use(func(_ fiber.Ctx) error {
		return fiber.ErrNotFound
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down server")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
	}()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	log.Info().Str("addr", addr).Msg("Server listening")

	if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}
