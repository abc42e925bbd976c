package handler

import (
	"errors"
	"io"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-lab-api/internal/dto"
	"github.com/noah-isme/gema-lab-api/internal/middleware"
	"github.com/noah-isme/gema-lab-api/internal/service"
	"github.com/noah-isme/gema-lab-api/internal/utils"
)

// MaxSourceBytes caps an uploaded or posted submission.
const MaxSourceBytes = 64 * 1024

var (
	errSourceTooLarge   = errors.New("source exceeds the 64 KB limit")
	errSourceNotText    = errors.New("source must be a plain text file")
	errSourceIsRequired = errors.New("source is required")
)

// SubmissionLimits throttles the submit endpoint per student.
type SubmissionLimits struct {
	Max    int
	Window time.Duration
}

// SubmissionHandler exposes the student submission and late request flow.
type SubmissionHandler struct {
	evaluations service.EvaluationService
	assignments service.ClassAssignmentService
	late        service.LateSubmissionService
	validator   *validator.Validate
	limits      SubmissionLimits
	logger      zerolog.Logger
}

// NewSubmissionHandler builds a submission handler.
func NewSubmissionHandler(evaluations service.EvaluationService, assignments service.ClassAssignmentService, late service.LateSubmissionService, validate *validator.Validate, limits SubmissionLimits, logger zerolog.Logger) *SubmissionHandler {
	return &SubmissionHandler{
		evaluations: evaluations,
		assignments: assignments,
		late:        late,
		validator:   validate,
		limits:      limits,
		logger:      logger.With().Str("component", "submission_handler").Logger(),
	}
}

// Register wires the routes below /assignments/:assignmentID.
func (h *SubmissionHandler) Register(router fiber.Router) {
	student := middleware.RequireStudent()

	assignments := router.Group("/assignments/:assignmentID")
	assignments.Post("/targets/:targetID/submit", student, middleware.RateLimit("lab-submit", h.limits.Max, h.limits.Window), h.submit)
	assignments.Post("/targets/:targetID/late-request", student, h.requestLate)
	assignments.Get("/progress", h.progress)
}

func (h *SubmissionHandler) submit(c *fiber.Ctx) error {
	assignmentID := strings.TrimSpace(c.Params("assignmentID"))
	targetID, err := parseUintParam(c, "targetID")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	source, err := h.readSource(c)
	if err != nil {
		switch {
		case errors.Is(err, errSourceTooLarge):
			return utils.SendError(c, fiber.StatusRequestEntityTooLarge, err.Error())
		case errors.Is(err, errSourceNotText), errors.Is(err, errSourceIsRequired):
			return utils.SendError(c, fiber.StatusBadRequest, err.Error())
		default:
			return writeError(c, h.logger, err)
		}
	}

	attempt, err := h.evaluations.Evaluate(requestContext(c), service.EvaluateInput{
		AssignmentID: assignmentID,
		TargetCodeID: targetID,
		StudentID:    userIDFromContext(c),
		Source:       source,
	})
	if err != nil {
		return writeError(c, h.logger, err)
	}

	return utils.SendSuccess(c, "submission evaluated", dto.NewAttemptResponse(attempt))
}

// readSource accepts either a JSON body or a multipart "file" field.
func (h *SubmissionHandler) readSource(c *fiber.Ctx) (string, error) {
	if strings.HasPrefix(c.Get(fiber.HeaderContentType), fiber.MIMEMultipartForm) {
		return readSourceFile(c)
	}

	var payload dto.SubmissionRequest
	if err := c.BodyParser(&payload); err != nil {
		return "", errSourceIsRequired
	}
	if len(payload.Source) > MaxSourceBytes {
		return "", errSourceTooLarge
	}
	if err := h.validator.Struct(payload); err != nil {
		return "", err
	}
	return payload.Source, nil
}

func readSourceFile(c *fiber.Ctx) (string, error) {
	header, err := c.FormFile("file")
	if err != nil {
		return "", errSourceIsRequired
	}
	if header.Size > MaxSourceBytes {
		return "", errSourceTooLarge
	}

	file, err := header.Open()
	if err != nil {
		return "", err
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, MaxSourceBytes+1))
	if err != nil {
		return "", err
	}
	if len(data) > MaxSourceBytes {
		return "", errSourceTooLarge
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return "", errSourceIsRequired
	}
	if !isPlainText(data) {
		return "", errSourceNotText
	}
	return string(data), nil
}

// isPlainText accepts every detected type that descends from text/plain,
// which covers source files such as text/x-c or text/x-python.
func isPlainText(data []byte) bool {
	for mime := mimetype.Detect(data); mime != nil; mime = mime.Parent() {
		if mime.Is("text/plain") {
			return true
		}
	}
	return false
}

func (h *SubmissionHandler) requestLate(c *fiber.Ctx) error {
	assignmentID := strings.TrimSpace(c.Params("assignmentID"))
	targetID, err := parseUintParam(c, "targetID")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	attempt, err := h.late.RequestLate(requestContext(c), userIDFromContext(c), assignmentID, targetID)
	if err != nil {
		return writeError(c, h.logger, err)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "late submission requested", attempt)
}

func (h *SubmissionHandler) progress(c *fiber.Ctx) error {
	actor := actorFromContext(c)
	studentID := actor.ID

	if isInstructor(actor) {
		requested, err := parseQueryUint(c, "student_id")
		if err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, err.Error())
		}
		if requested == 0 {
			return utils.SendError(c, fiber.StatusBadRequest, "student_id is required")
		}
		studentID = requested
	}

	items, err := h.assignments.ProgressFor(requestContext(c), actor, strings.TrimSpace(c.Params("assignmentID")), studentID)
	if err != nil {
		return writeError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "progress retrieved", items)
}
