package handler

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-lab-api/internal/dto"
	"github.com/noah-isme/gema-lab-api/internal/middleware"
	"github.com/noah-isme/gema-lab-api/internal/service"
	"github.com/noah-isme/gema-lab-api/internal/utils"
)

// ClassHandler exposes class assignment management, late decisions and
// progress exports.
type ClassHandler struct {
	assignments service.ClassAssignmentService
	late        service.LateSubmissionService
	exports     service.ProgressExportService
	logger      zerolog.Logger
}

// NewClassHandler builds a class handler.
func NewClassHandler(assignments service.ClassAssignmentService, late service.LateSubmissionService, exports service.ProgressExportService, logger zerolog.Logger) *ClassHandler {
	return &ClassHandler{
		assignments: assignments,
		late:        late,
		exports:     exports,
		logger:      logger.With().Str("component", "class_handler").Logger(),
	}
}

// Register wires the routes below /classes/:classID.
func (h *ClassHandler) Register(router fiber.Router) {
	instructor := middleware.RequireInstructor()

	classes := router.Group("/classes/:classID")
	classes.Get("/assignments", h.listAssignments)
	classes.Post("/assignments", instructor, h.assign)
	classes.Delete("/assignments/:assignmentID", instructor, h.unassign)
	classes.Patch("/assignments/:assignmentID/expiry", instructor, h.setExpiry)
	classes.Post("/assignments/:assignmentID/late/approve", instructor, h.approveLate)
	classes.Post("/assignments/:assignmentID/late/deny", instructor, h.denyLate)

	classes.Get("/progress", instructor, h.progress)
	classes.Get("/progress.csv", instructor, h.progressCSV)
	classes.Post("/progress/publish", instructor, h.publishProgress)
}

func (h *ClassHandler) listAssignments(c *fiber.Ctx) error {
	classID, err := parseUintParam(c, "classID")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	items, err := h.assignments.ListForClass(requestContext(c), actorFromContext(c), classID)
	if err != nil {
		return writeError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "assignments retrieved", items)
}

func (h *ClassHandler) assign(c *fiber.Ctx) error {
	classID, err := parseUintParam(c, "classID")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.AssignChallengesRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	result, err := h.assignments.AssignChallenges(requestContext(c), actorFromContext(c), classID, payload)
	if err != nil {
		return writeError(c, h.logger, err)
	}

	status := fiber.StatusCreated
	if len(result.Created) == 0 {
		status = fiber.StatusOK
	}
	return utils.SendSuccessWithStatus(c, status, "challenges assigned", result)
}

func (h *ClassHandler) unassign(c *fiber.Ctx) error {
	classID, assignmentID, err := classAssignmentParams(c)
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	if err := h.assignments.UnassignChallenge(requestContext(c), actorFromContext(c), classID, assignmentID); err != nil {
		return writeError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "assignment removed", nil)
}

func (h *ClassHandler) setExpiry(c *fiber.Ctx) error {
	classID, assignmentID, err := classAssignmentParams(c)
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.ExpiryRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	updated, err := h.assignments.SetExpiry(requestContext(c), actorFromContext(c), classID, assignmentID, payload.ExpiresAt)
	if err != nil {
		return writeError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "expiry updated", updated)
}

func (h *ClassHandler) approveLate(c *fiber.Ctx) error {
	return h.decideLate(c, "late submission approved", h.late.ApproveLate)
}

func (h *ClassHandler) denyLate(c *fiber.Ctx) error {
	return h.decideLate(c, "late submission denied", h.late.DenyLate)
}

type lateDecision func(ctx context.Context, actor service.Actor, classID uint, assignmentID string, payload dto.LateDecisionRequest) (dto.AttemptResponse, error)

func (h *ClassHandler) decideLate(c *fiber.Ctx, message string, decide lateDecision) error {
	classID, assignmentID, err := classAssignmentParams(c)
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.LateDecisionRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	attempt, err := decide(requestContext(c), actorFromContext(c), classID, assignmentID, payload)
	if err != nil {
		return writeError(c, h.logger, err)
	}
	return utils.SendSuccess(c, message, attempt)
}

func (h *ClassHandler) progress(c *fiber.Ctx) error {
	classID, err := parseUintParam(c, "classID")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	export, err := h.exports.ExportClassProgress(requestContext(c), actorFromContext(c), classID)
	if err != nil {
		return writeError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "class progress", export)
}

func (h *ClassHandler) progressCSV(c *fiber.Ctx) error {
	classID, err := parseUintParam(c, "classID")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var buf bytes.Buffer
	if err := h.exports.WriteCSV(requestContext(c), actorFromContext(c), classID, &buf); err != nil {
		return writeError(c, h.logger, err)
	}

	return utils.SendAttachment(c, "text/csv; charset=utf-8", fmt.Sprintf("class-%d-progress.csv", classID), buf.Bytes())
}

func (h *ClassHandler) publishProgress(c *fiber.Ctx) error {
	classID, err := parseUintParam(c, "classID")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	published, err := h.exports.PublishExport(requestContext(c), actorFromContext(c), classID)
	if err != nil {
		return writeError(c, h.logger, err)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "progress export published", published)
}

func classAssignmentParams(c *fiber.Ctx) (uint, string, error) {
	classID, err := parseUintParam(c, "classID")
	if err != nil {
		return 0, "", err
	}
	assignmentID := strings.TrimSpace(c.Params("assignmentID"))
	if assignmentID == "" {
		return 0, "", fmt.Errorf("missing assignmentID")
	}
	return classID, assignmentID, nil
}
