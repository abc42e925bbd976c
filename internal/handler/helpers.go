package handler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-lab-api/internal/middleware"
	"github.com/noah-isme/gema-lab-api/internal/service"
	"github.com/noah-isme/gema-lab-api/internal/utils"
)

func parseUintParam(c *fiber.Ctx, key string) (uint, error) {
	raw := strings.TrimSpace(c.Params(key))
	if raw == "" {
		return 0, fmt.Errorf("missing %s", key)
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || value == 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return uint(value), nil
}

func parseQueryUint(c *fiber.Ctx, key string) (uint, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return uint(value), nil
}

func userIDFromContext(c *fiber.Ctx) uint {
	switch v := c.Locals(middleware.LocalUserID).(type) {
	case uint:
		return v
	case int:
		if v > 0 {
			return uint(v)
		}
	}
	return 0
}

func userRoleFromContext(c *fiber.Ctx) string {
	if role, ok := c.Locals(middleware.LocalUserRole).(string); ok {
		return strings.ToLower(strings.TrimSpace(role))
	}
	return ""
}

func actorFromContext(c *fiber.Ctx) service.Actor {
	return service.Actor{ID: userIDFromContext(c), Role: userRoleFromContext(c)}
}

func isInstructor(actor service.Actor) bool {
	return actor.Role == service.RoleTeacher || actor.Role == service.RoleAdmin
}

// requestContext carries the correlation id into the service layer.
func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}
	return middleware.ContextWithCorrelation(ctx, middleware.GetCorrelationID(c))
}

func validationDetails(errs validator.ValidationErrors) map[string]string {
	details := make(map[string]string, len(errs))
	for _, fieldErr := range errs {
		details[fieldErr.Field()] = fieldErr.Tag()
	}
	return details
}

// writeError maps service errors onto HTTP statuses.
func writeError(c *fiber.Ctx, base zerolog.Logger, err error) error {
	logger := middleware.RequestLogger(base, c)
	var (
		validationErrors validator.ValidationErrors
		targetErr        *service.TargetExecutionError
	)

	switch {
	case errors.As(err, &validationErrors):
		return utils.Fail(c, fiber.StatusBadRequest, "validation failed", validationDetails(validationErrors))
	case errors.Is(err, service.ErrValidation):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrNotFound):
		return utils.SendError(c, fiber.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrForbidden):
		return utils.SendError(c, fiber.StatusForbidden, "forbidden")
	case errors.Is(err, service.ErrSubmissionWindowClosed),
		errors.Is(err, service.ErrLateRequestNotAllowed),
		errors.Is(err, service.ErrLateRequestDenied),
		errors.Is(err, service.ErrLateRequestMissing),
		errors.Is(err, service.ErrLabInUse):
		return utils.SendError(c, fiber.StatusConflict, err.Error())
	case errors.As(err, &targetErr):
		logger.Warn().Err(err).Uint("target_code_id", targetErr.TargetCodeID).Msg("target code failed to run")
		return utils.SendError(c, fiber.StatusUnprocessableEntity, "target code could not be executed, contact your instructor")
	case errors.Is(err, service.ErrRunnerUnavailable), errors.Is(err, service.ErrPublisherUnavailable):
		logger.Warn().Err(err).Msg("dependency unavailable")
		return utils.SendError(c, fiber.StatusServiceUnavailable, err.Error())
	default:
		logger.Error().Err(err).Msg("internal server error")
		return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
	}
}
