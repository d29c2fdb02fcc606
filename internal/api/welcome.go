package api

import (
	"fmt"

	"github.com/gofiber/fiber/v3"

	"github.com/nimbus-chat/hub-server/internal/httputil"
)

// WelcomeHandler serves the GET / welcome banner.
type WelcomeHandler struct {
	appName    string
	appVersion string
}

// NewWelcomeHandler creates a welcome handler reporting appName/appVersion.
func NewWelcomeHandler(appName, appVersion string) *WelcomeHandler {
	return &WelcomeHandler{appName: appName, appVersion: appVersion}
}

// Get handles GET /.
func (h *WelcomeHandler) Get(c fiber.Ctx) error {
	return httputil.Success(c, fiber.Map{
		"message": fmt.Sprintf("Welcome to %s", h.appName),
		"version": h.appVersion,
	})
}
