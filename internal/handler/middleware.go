package handler

import (
	"context"
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/kursadbilgin/despacho-tracker/internal/observability"
	"github.com/kursadbilgin/despacho-tracker/internal/transport"
	"go.uber.org/zap"
)

const (
	HeaderAPIKey    = "X-API-Key"
	HeaderCSRFToken = "X-CSRF-Token"
	HeaderStationID = "X-Station-ID"

	defaultStationID = "default"
)

// TokenIssuer issues and checks the anti-forgery tokens required by mutating routes.
type TokenIssuer interface {
	Issue(ctx context.Context) (string, error)
	Validate(ctx context.Context, token string) (bool, error)
}

// ScanLimiter reports whether a station may submit one more scan in the current window.
type ScanLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// RequestContextMiddleware echoes the request id (generating one when absent) and carries it,
// along with the scanning station, in the user context for logging.
func RequestContextMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := requestCorrelationID(c)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(fiber.HeaderXRequestID, id)

		ctx := observability.WithCorrelationID(c.UserContext(), id)
		ctx = observability.WithStationID(ctx, stationID(c))
		c.SetUserContext(ctx)
		return c.Next()
	}
}

func APIKeyMiddleware(secret string) fiber.Handler {
	expected := []byte(secret)
	return func(c *fiber.Ctx) error {
		if len(expected) == 0 {
			return transport.NewError(fiber.StatusInternalServerError, "misconfigured", "api secret is not configured")
		}
		provided := []byte(strings.TrimSpace(c.Get(HeaderAPIKey)))
		if len(provided) == 0 || subtle.ConstantTimeCompare(provided, expected) != 1 {
			return transport.NewError(fiber.StatusUnauthorized, "unauthorized", "invalid or missing api key")
		}
		return c.Next()
	}
}

func CSRFMiddleware(tokens TokenIssuer, logger *zap.Logger) fiber.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *fiber.Ctx) error {
		token := strings.TrimSpace(c.Get(HeaderCSRFToken))
		if token == "" {
			return csrfRejected()
		}
		ok, err := tokens.Validate(c.UserContext(), token)
		if err != nil {
			observability.WithContextLogger(logger, c.UserContext()).Error("csrf token lookup failed", zap.Error(err))
			return err
		}
		if !ok {
			return csrfRejected()
		}
		return c.Next()
	}
}

func StationRateLimitMiddleware(limiter ScanLimiter, logger *zap.Logger) fiber.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *fiber.Ctx) error {
		station := stationID(c)
		allowed, err := limiter.Allow(c.UserContext(), "station:"+station)
		if err != nil {
			// Scanning must keep working when redis is unavailable.
			observability.WithContextLogger(logger, c.UserContext()).Warn("scan rate limiter unavailable",
				zap.String("station", station),
				zap.Error(err),
			)
			return c.Next()
		}
		if !allowed {
			return transport.NewError(fiber.StatusTooManyRequests, "rate_limited", "too many scans from this station")
		}
		return c.Next()
	}
}

func csrfRejected() error {
	return transport.NewError(fiber.StatusForbidden, "csrf_invalid", "invalid or missing csrf token")
}

func stationID(c *fiber.Ctx) string {
	if value := strings.TrimSpace(c.Get(HeaderStationID)); value != "" {
		return value
	}
	return defaultStationID
}

func requestCorrelationID(c *fiber.Ctx) string {
	if value := strings.TrimSpace(c.Get(fiber.HeaderXRequestID)); value != "" {
		return value
	}
	if value, ok := c.Locals("requestid").(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}
