package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"

	"github.com/nimbus-chat/hub-server/internal/httputil"
)

// TestUnknownRouteReturns404 verifies that requests to undefined paths
// receive a 404 JSON response. Fiber v3 treats app.Use() middleware as a
// route match, so without the catch-all handler registered at the end of
// run() the router would return 200 with an empty body for unmatched paths.
func TestUnknownRouteReturns404(t *testing.T) {
	t.Parallel()

	app := fiber.New(fiber.Config{ErrorHandler: apiErrorHandler})

	// Register middleware so the router has app.Use() handlers that match
	// all paths, reproducing the condition that causes Fiber v3 to treat
	// unmatched requests as handled.
	app.Use(func(c fiber.Ctx) error {
		return c.Next()
	})

	app.Get("/known", func(c fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	// Catch-all: mirrors the handler registered at the end of run().
	app.Use(func(_ fiber.Ctx) error {
		return fiber.ErrNotFound
	})

	tests := []struct {
		name string
		path string
		want int
	}{
		{"unknown path", "/no-such-route", fiber.StatusNotFound},
		{"favicon", "/favicon.ico", fiber.StatusNotFound},
		{"known path", "/known", fiber.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp, err := app.Test(httptest.NewRequest(http.MethodGet, tt.path, nil))
			if err != nil {
				t.Fatalf("app.Test() error = %v", err)
			}
			defer func() { _ = resp.Body.Close() }()

			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.want)
			}

			if tt.want == fiber.StatusNotFound {
				body, err := io.ReadAll(resp.Body)
				if err != nil {
					t.Fatalf("read body: %v", err)
				}
				var env httputil.ErrorResponse
				if err := json.Unmarshal(body, &env); err != nil {
					t.Fatalf("unmarshal error response: %v", err)
				}
				if env.Error.Code != httputil.CodeNotFound {
					t.Errorf("error code = %q, want %q", env.Error.Code, httputil.CodeNotFound)
				}
			}
		})
	}
}

func TestAPIErrorHandlerUnwrappedErrorIsInternal(t *testing.T) {
	t.Parallel()

	app := fiber.New(fiber.Config{ErrorHandler: apiErrorHandler})
	app.Get("/boom", func(_ fiber.Ctx) error {
		return io.ErrUnexpectedEOF
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/boom", nil))
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != fiber.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", resp.StatusCode, fiber.StatusInternalServerError)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var env httputil.ErrorResponse
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("unmarshal error response: %v", err)
	}
	if env.Error.Code != httputil.CodeInternal {
		t.Errorf("error code = %q, want %q", env.Error.Code, httputil.CodeInternal)
	}
	if env.Error.Message != "An internal error occurred" {
		t.Errorf("message = %q, want opaque internal-error message (no leaked detail)", env.Error.Message)
	}
}

func TestStatusToCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		want   httputil.Code
	}{
		{"not found", fiber.StatusNotFound, httputil.CodeNotFound},
		{"unauthorized", fiber.StatusUnauthorized, httputil.CodeUnauthorized},
		{"method not allowed", fiber.StatusMethodNotAllowed, httputil.CodeValidation},
		{"too many requests", fiber.StatusTooManyRequests, httputil.CodeValidation},
		{"generic 4xx falls back to validation error", fiber.StatusConflict, httputil.CodeValidation},
		{"another 4xx", fiber.StatusGone, httputil.CodeValidation},
		{"internal error", fiber.StatusInternalServerError, httputil.CodeInternal},
		{"bad gateway falls back to internal error", fiber.StatusBadGateway, httputil.CodeInternal},
		{"unknown status falls back to internal error", 600, httputil.CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := statusToCode(tt.status)
			if got != tt.want {
				t.Errorf("statusToCode(%d) = %q, want %q", tt.status, got, tt.want)
			}
		})
	}
}
