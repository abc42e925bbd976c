package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-lab-api/internal/dto"
	"github.com/noah-isme/gema-lab-api/internal/middleware"
	"github.com/noah-isme/gema-lab-api/internal/service"
	"github.com/noah-isme/gema-lab-api/internal/utils"
)

// CatalogHandler exposes lab, challenge and target code authoring.
type CatalogHandler struct {
	service service.CatalogService
	logger  zerolog.Logger
}

// NewCatalogHandler builds a catalog handler.
func NewCatalogHandler(service service.CatalogService, logger zerolog.Logger) *CatalogHandler {
	return &CatalogHandler{
		service: service,
		logger:  logger.With().Str("component", "catalog_handler").Logger(),
	}
}

// Register wires the catalog routes. Reads are open to any authenticated
// user; writes require an instructor.
func (h *CatalogHandler) Register(router fiber.Router) {
	instructor := middleware.RequireInstructor()

	router.Get("/labs", h.listLabs)
	router.Post("/labs", instructor, h.createLab)
	router.Get("/labs/:id", h.getLab)
	router.Delete("/labs/:id", instructor, h.deleteLab)
	router.Post("/labs/:id/challenges", instructor, h.addChallenge)

	router.Get("/challenges/:id", h.getChallenge)
	router.Delete("/challenges/:id", instructor, h.deleteChallenge)
	router.Post("/challenges/:id/targets", instructor, h.addTargetCode)

	router.Get("/targets/:id", h.getTargetCode)
	router.Put("/targets/:id", instructor, h.updateTargetCode)
	router.Delete("/targets/:id", instructor, h.deleteTargetCode)
}

func (h *CatalogHandler) listLabs(c *fiber.Ctx) error {
	var filter dto.LabFilter
	if err := c.QueryParser(&filter); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid query parameters")
	}

	labs, err := h.service.ListLabs(requestContext(c), actorFromContext(c), filter)
	if err != nil {
		return writeError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "labs retrieved", labs)
}

func (h *CatalogHandler) createLab(c *fiber.Ctx) error {
	var payload dto.LabCreateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	lab, err := h.service.CreateLab(requestContext(c), actorFromContext(c), payload)
	if err != nil {
		return writeError(c, h.logger, err)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "lab created", lab)
}

func (h *CatalogHandler) getLab(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	lab, err := h.service.GetLab(requestContext(c), actorFromContext(c), id)
	if err != nil {
		return writeError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "lab retrieved", lab)
}

func (h *CatalogHandler) deleteLab(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	if err := h.service.DeleteLab(requestContext(c), actorFromContext(c), id); err != nil {
		return writeError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "lab deleted", nil)
}

func (h *CatalogHandler) addChallenge(c *fiber.Ctx) error {
	labID, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.ChallengeCreateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	challenge, err := h.service.AddChallenge(requestContext(c), actorFromContext(c), labID, payload)
	if err != nil {
		return writeError(c, h.logger, err)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "challenge created", challenge)
}

func (h *CatalogHandler) getChallenge(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	challenge, err := h.service.GetChallenge(requestContext(c), actorFromContext(c), id)
	if err != nil {
		return writeError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "challenge retrieved", challenge)
}

func (h *CatalogHandler) deleteChallenge(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	if err := h.service.DeleteChallenge(requestContext(c), actorFromContext(c), id); err != nil {
		return writeError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "challenge deleted", nil)
}

func (h *CatalogHandler) addTargetCode(c *fiber.Ctx) error {
	challengeID, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.TargetCodeRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	target, err := h.service.AddTargetCode(requestContext(c), actorFromContext(c), challengeID, payload)
	if err != nil {
		return writeError(c, h.logger, err)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "target code created", target)
}

func (h *CatalogHandler) getTargetCode(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	target, err := h.service.GetTargetCode(requestContext(c), actorFromContext(c), id)
	if err != nil {
		return writeError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "target code retrieved", target)
}

func (h *CatalogHandler) updateTargetCode(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.TargetCodeRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	target, err := h.service.UpdateTargetCode(requestContext(c), actorFromContext(c), id, payload)
	if err != nil {
		return writeError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "target code updated", target)
}

func (h *CatalogHandler) deleteTargetCode(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	if err := h.service.DeleteTargetCode(requestContext(c), actorFromContext(c), id); err != nil {
		return writeError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "target code deleted", nil)
}
