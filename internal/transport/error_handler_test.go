package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestErrorHandlerRendersEnvelope(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		wantError  string
	}{
		{
			name:       "api error",
			err:        NewError(fiber.StatusConflict, "conflict", "batch already open"),
			wantStatus: fiber.StatusConflict,
			wantCode:   "conflict",
			wantError:  "batch already open",
		},
		{
			name:       "wrapped api error",
			err:        fmt.Errorf("handler: %w", NewError(fiber.StatusUnprocessableEntity, "empty_batch", "batch has no scans")),
			wantStatus: fiber.StatusUnprocessableEntity,
			wantCode:   "empty_batch",
			wantError:  "batch has no scans",
		},
		{
			name:       "fiber error",
			err:        fiber.NewError(fiber.StatusTooManyRequests, "slow down"),
			wantStatus: fiber.StatusTooManyRequests,
			wantCode:   "too_many_requests",
			wantError:  "slow down",
		},
		{
			name:       "unclassified error is hidden",
			err:        errors.New("pq: connection refused"),
			wantStatus: fiber.StatusInternalServerError,
			wantCode:   "internal_error",
			wantError:  internalErrorMessage,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(nil)})
			app.Get("/boom", func(c *fiber.Ctx) error { return tt.err })

			resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/boom", nil))
			if err != nil {
				t.Fatalf("app.Test() error = %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			raw, _ := io.ReadAll(resp.Body)
			var body map[string]any
			if err := json.Unmarshal(raw, &body); err != nil {
				t.Fatalf("json unmarshal error = %v, body=%s", err, raw)
			}
			if body["success"] != false || body["code"] != tt.wantCode || body["error"] != tt.wantError {
				t.Fatalf("body = %v", body)
			}
		})
	}
}

func TestErrorHandlerLogLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(zap.New(core))})
	app.Get("/bad", func(c *fiber.Ctx) error { return fiber.ErrBadRequest })
	app.Get("/down", func(c *fiber.Ctx) error { return errors.New("db down") })

	for _, path := range []string{"/bad", "/down"} {
		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, path, nil))
		if err != nil {
			t.Fatalf("app.Test() error = %v", err)
		}
		_ = resp.Body.Close()
	}

	if logs.FilterMessage("request rejected").Len() != 1 {
		t.Fatalf("expected one warn entry, got %v", logs.All())
	}
	if logs.FilterMessage("request error").Len() != 1 {
		t.Fatalf("expected one error entry, got %v", logs.All())
	}
}

func TestCodeForStatus(t *testing.T) {
	t.Parallel()

	if got := CodeForStatus(fiber.StatusNotFound); got != "not_found" {
		t.Fatalf("CodeForStatus(404) = %q", got)
	}
	if got := CodeForStatus(999); got != "error" {
		t.Fatalf("CodeForStatus(999) = %q", got)
	}
}
