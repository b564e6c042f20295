package transport

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"go.uber.org/zap"
)

const internalErrorMessage = "internal server error"

// Error is an HTTP failure with a machine readable code rendered next to the message.
type Error struct {
	Status  int
	Code    string
	Message string
}

func NewError(status int, code string, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) HTTPStatus() int {
	return e.Status
}

// ErrorHandler renders every failed request as {"success":false,"error":...,"code":...}.
// Unclassified errors are logged in full but answered with a generic 500.
func ErrorHandler(logger *zap.Logger) fiber.ErrorHandler {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(c *fiber.Ctx, err error) error {
		status := fiber.StatusInternalServerError
		code := "internal_error"
		message := internalErrorMessage

		var apiErr *Error
		var fiberErr *fiber.Error
		switch {
		case errors.As(err, &apiErr):
			status, code, message = apiErr.Status, apiErr.Code, apiErr.Message
		case errors.As(err, &fiberErr):
			status, code, message = fiberErr.Code, CodeForStatus(fiberErr.Code), fiberErr.Message
		}

		fields := []zap.Field{
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.String("code", code),
			zap.Error(err),
		}
		if requestID := c.GetRespHeader(fiber.HeaderXRequestID); requestID != "" {
			fields = append(fields, zap.String("correlationId", requestID))
		}
		if status >= fiber.StatusInternalServerError {
			logger.Error("request error", fields...)
		} else {
			logger.Warn("request rejected", fields...)
		}

		return c.Status(status).JSON(fiber.Map{
			"success": false,
			"error":   message,
			"code":    code,
		})
	}
}

// CodeForStatus turns a status line such as "Too Many Requests" into "too_many_requests".
func CodeForStatus(status int) string {
	text := utils.StatusMessage(status)
	if text == "" {
		return "error"
	}
	return strings.ToLower(strings.ReplaceAll(text, " ", "_"))
}
