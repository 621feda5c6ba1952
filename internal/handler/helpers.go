package handler

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/roomchat-api/internal/apperror"
	"github.com/noah-isme/roomchat-api/internal/middleware"
	"github.com/noah-isme/roomchat-api/internal/utils"
)

func parseUintParam(c *fiber.Ctx, key string) (uint64, error) {
	value := strings.TrimSpace(c.Params(key))
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil || parsed == 0 {
		return 0, apperror.InvalidArgument("invalid %s", key)
	}
	return parsed, nil
}

func userIDFromContext(c *fiber.Ctx) string {
	if v := c.Locals("user_id"); v != nil {
		if id, ok := v.(string); ok {
			return strings.TrimSpace(id)
		}
	}
	return ""
}

func requestLogger(base zerolog.Logger, c *fiber.Ctx) *zerolog.Logger {
	logger := base
	if c != nil {
		if correlation := middleware.GetCorrelationID(c); correlation != "" {
			logger = base.With().Str("correlation_id", correlation).Logger()
		}
	}
	return &logger
}

func isValidationError(err error) bool {
	var validationErrors validator.ValidationErrors
	return errors.As(err, &validationErrors)
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case isValidationError(err), errors.Is(err, apperror.ErrValidation):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, apperror.ErrInvalidArgument):
		return fiber.StatusBadRequest
	case errors.Is(err, apperror.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, apperror.ErrAccessDenied):
		return fiber.StatusForbidden
	case errors.Is(err, apperror.ErrTransientStore):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

// sendServiceError renders err with the status it maps to. Internal errors
// are logged and replaced with a generic message.
func sendServiceError(c *fiber.Ctx, base zerolog.Logger, err error) error {
	status := statusFor(err)
	message := err.Error()
	switch status {
	case fiber.StatusInternalServerError:
		requestLogger(base, c).Error().Err(err).Str("path", c.Path()).Msg("request failed")
		message = "internal server error"
	case fiber.StatusServiceUnavailable:
		requestLogger(base, c).Warn().Err(err).Str("path", c.Path()).Msg("store busy")
		return utils.SendUnavailable(c, time.Second, message)
	}
	return utils.SendError(c, status, message)
}
