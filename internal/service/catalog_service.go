package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-lab-api/internal/dto"
	"github.com/noah-isme/gema-lab-api/internal/models"
	"github.com/noah-isme/gema-lab-api/internal/repository"
	"github.com/noah-isme/gema-lab-api/pkg/statement"
)

// CatalogService authors labs, challenges and target codes.
type CatalogService interface {
	CreateLab(ctx context.Context, actor Actor, payload dto.LabCreateRequest) (dto.LabResponse, error)
	GetLab(ctx context.Context, actor Actor, id uint) (dto.LabResponse, error)
	ListLabs(ctx context.Context, actor Actor, filter dto.LabFilter) (dto.LabListResponse, error)
	DeleteLab(ctx context.Context, actor Actor, id uint) error

	AddChallenge(ctx context.Context, actor Actor, labID uint, payload dto.ChallengeCreateRequest) (dto.ChallengeResponse, error)
	GetChallenge(ctx context.Context, actor Actor, id uint) (dto.ChallengeResponse, error)
	DeleteChallenge(ctx context.Context, actor Actor, id uint) error

	AddTargetCode(ctx context.Context, actor Actor, challengeID uint, payload dto.TargetCodeRequest) (dto.TargetCodeResponse, error)
	GetTargetCode(ctx context.Context, actor Actor, id uint) (dto.TargetCodeResponse, error)
	UpdateTargetCode(ctx context.Context, actor Actor, id uint, payload dto.TargetCodeRequest) (dto.TargetCodeResponse, error)
	DeleteTargetCode(ctx context.Context, actor Actor, id uint) error
}

type catalogService struct {
	labs        repository.LabRepository
	assignments repository.ClassAssignmentRepository
	cache       ProgressCache
	validator   *validator.Validate
	text        *bluemonday.Policy
	rich        *bluemonday.Policy
	logger      zerolog.Logger
}

// NewCatalogService constructs the catalog service. cache may be nil.
func NewCatalogService(labs repository.LabRepository, assignments repository.ClassAssignmentRepository, cache ProgressCache, validate *validator.Validate, logger zerolog.Logger) CatalogService {
	if cache == nil {
		cache = noopProgressCache{}
	}
	return &catalogService{
		labs:        labs,
		assignments: assignments,
		cache:       cache,
		validator:   validate,
		text:        bluemonday.StrictPolicy(),
		rich:        bluemonday.UGCPolicy(),
		logger:      logger.With().Str("component", "catalog_service").Logger(),
	}
}

func (s *catalogService) CreateLab(ctx context.Context, actor Actor, payload dto.LabCreateRequest) (dto.LabResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.LabResponse{}, err
	}

	lab := models.Lab{
		Title:          s.cleanTitle(payload.Title),
		TitleAlt:       s.cleanTitle(payload.TitleAlt),
		Description:    s.cleanRich(payload.Description),
		DescriptionAlt: s.cleanRich(payload.DescriptionAlt),
		Visibility:     payload.Visibility,
		CreatorID:      actor.ID,
	}
	if lab.Title == "" {
		return dto.LabResponse{}, validationError("title is empty after sanitization")
	}

	if err := s.labs.CreateLab(ctx, &lab); err != nil {
		return dto.LabResponse{}, err
	}

	s.logger.Info().Uint("lab_id", lab.ID).Uint("creator_id", actor.ID).Msg("lab created")
	return dto.NewLabResponse(lab), nil
}

func (s *catalogService) GetLab(ctx context.Context, actor Actor, id uint) (dto.LabResponse, error) {
	lab, err := s.readableLab(ctx, actor, id)
	if err != nil {
		return dto.LabResponse{}, err
	}
	return dto.NewLabResponse(lab), nil
}

func (s *catalogService) ListLabs(ctx context.Context, actor Actor, filter dto.LabFilter) (dto.LabListResponse, error) {
	query := repository.LabFilter{
		Visibility: filter.Visibility,
		Search:     filter.Search,
		Page:       filter.Page,
		PageSize:   filter.PageSize,
	}
	if filter.Mine {
		query.CreatorID = actor.ID
	}
	if !actor.IsAdmin() {
		query.ViewerID = actor.ID
	}
	if query.PageSize <= 0 || query.PageSize > 100 {
		query.PageSize = 20
	}
	if query.Page <= 0 {
		query.Page = 1
	}

	labs, total, err := s.labs.ListLabs(ctx, query)
	if err != nil {
		return dto.LabListResponse{}, err
	}

	return dto.NewLabListResponse(labs, dto.Pagination{
		Page:       query.Page,
		PageSize:   query.PageSize,
		TotalItems: int(total),
	}), nil
}

func (s *catalogService) DeleteLab(ctx context.Context, actor Actor, id uint) error {
	lab, err := s.lab(ctx, id)
	if err != nil {
		return err
	}
	if !actor.Owns(lab.CreatorID) {
		return ErrForbidden
	}

	inUse, err := s.assignments.CountByLab(ctx, id)
	if err != nil {
		return err
	}
	if inUse > 0 {
		return ErrLabInUse
	}

	if err := s.labs.DeleteLab(ctx, id); err != nil {
		return translateNotFound(err, "lab", id)
	}
	s.logger.Info().Uint("lab_id", id).Msg("lab deleted")
	return nil
}

func (s *catalogService) AddChallenge(ctx context.Context, actor Actor, labID uint, payload dto.ChallengeCreateRequest) (dto.ChallengeResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.ChallengeResponse{}, err
	}

	language, ok := models.ParseLanguage(payload.Language)
	if !ok {
		return dto.ChallengeResponse{}, validationError("unsupported language %q", payload.Language)
	}

	lab, err := s.lab(ctx, labID)
	if err != nil {
		return dto.ChallengeResponse{}, err
	}
	if !actor.Owns(lab.CreatorID) {
		return dto.ChallengeResponse{}, ErrForbidden
	}

	position, err := s.labs.NextChallengePosition(ctx, labID)
	if err != nil {
		return dto.ChallengeResponse{}, err
	}

	challenge := models.Challenge{
		LabID:       labID,
		Position:    position,
		Title:       s.cleanTitle(payload.Title),
		Description: s.cleanRich(payload.Description),
		Language:    language,
	}
	if challenge.Title == "" {
		return dto.ChallengeResponse{}, validationError("title is empty after sanitization")
	}

	if err := s.labs.CreateChallenge(ctx, &challenge); err != nil {
		return dto.ChallengeResponse{}, err
	}
	return dto.NewChallengeResponse(challenge), nil
}

func (s *catalogService) GetChallenge(ctx context.Context, actor Actor, id uint) (dto.ChallengeResponse, error) {
	challenge, err := s.challenge(ctx, id)
	if err != nil {
		return dto.ChallengeResponse{}, err
	}
	if _, err := s.readableLab(ctx, actor, challenge.LabID); err != nil {
		return dto.ChallengeResponse{}, err
	}
	return dto.NewChallengeResponse(challenge), nil
}

func (s *catalogService) DeleteChallenge(ctx context.Context, actor Actor, id uint) error {
	challenge, err := s.challenge(ctx, id)
	if err != nil {
		return err
	}
	if err := s.ownLab(ctx, actor, challenge.LabID); err != nil {
		return err
	}

	inUse, err := s.assignments.CountByChallenge(ctx, id)
	if err != nil {
		return err
	}
	if inUse > 0 {
		return ErrLabInUse
	}

	if err := s.labs.DeleteChallenge(ctx, id); err != nil {
		return translateNotFound(err, "challenge", id)
	}
	return nil
}

func (s *catalogService) AddTargetCode(ctx context.Context, actor Actor, challengeID uint, payload dto.TargetCodeRequest) (dto.TargetCodeResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.TargetCodeResponse{}, err
	}

	challenge, err := s.challenge(ctx, challengeID)
	if err != nil {
		return dto.TargetCodeResponse{}, err
	}
	if err := s.ownLab(ctx, actor, challenge.LabID); err != nil {
		return dto.TargetCodeResponse{}, err
	}

	count, err := s.labs.CountTargetCodes(ctx, challengeID)
	if err != nil {
		return dto.TargetCodeResponse{}, err
	}
	if count >= models.MaxTargetCodesPerChallenge {
		return dto.TargetCodeResponse{}, validationError("a challenge holds at most %d target codes", models.MaxTargetCodesPerChallenge)
	}

	position, err := s.labs.NextTargetPosition(ctx, challengeID)
	if err != nil {
		return dto.TargetCodeResponse{}, err
	}

	target := models.TargetCode{ChallengeID: challengeID, Position: position}
	if err := s.applyTargetCode(&target, challenge.Language, payload); err != nil {
		return dto.TargetCodeResponse{}, err
	}

	if err := s.labs.CreateTargetCode(ctx, &target); err != nil {
		return dto.TargetCodeResponse{}, err
	}

	s.invalidateExports(ctx, challengeID)
	s.logger.Info().Uint("challenge_id", challengeID).Uint("target_code_id", target.ID).Msg("target code added")
	return dto.NewTargetCodeResponse(target), nil
}

func (s *catalogService) GetTargetCode(ctx context.Context, actor Actor, id uint) (dto.TargetCodeResponse, error) {
	target, err := s.labs.GetTargetCode(ctx, id)
	if err != nil {
		return dto.TargetCodeResponse{}, translateNotFound(err, "target code", id)
	}
	challenge, err := s.challenge(ctx, target.ChallengeID)
	if err != nil {
		return dto.TargetCodeResponse{}, err
	}
	if _, err := s.readableLab(ctx, actor, challenge.LabID); err != nil {
		return dto.TargetCodeResponse{}, err
	}
	return dto.NewTargetCodeResponse(target), nil
}

func (s *catalogService) UpdateTargetCode(ctx context.Context, actor Actor, id uint, payload dto.TargetCodeRequest) (dto.TargetCodeResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.TargetCodeResponse{}, err
	}

	target, err := s.labs.GetTargetCode(ctx, id)
	if err != nil {
		return dto.TargetCodeResponse{}, translateNotFound(err, "target code", id)
	}
	challenge, err := s.challenge(ctx, target.ChallengeID)
	if err != nil {
		return dto.TargetCodeResponse{}, err
	}
	if err := s.ownLab(ctx, actor, challenge.LabID); err != nil {
		return dto.TargetCodeResponse{}, err
	}

	if err := s.applyTargetCode(&target, challenge.Language, payload); err != nil {
		return dto.TargetCodeResponse{}, err
	}
	if err := s.labs.UpdateTargetCode(ctx, &target); err != nil {
		return dto.TargetCodeResponse{}, err
	}
	s.invalidateExports(ctx, challenge.ID)
	return dto.NewTargetCodeResponse(target), nil
}

func (s *catalogService) DeleteTargetCode(ctx context.Context, actor Actor, id uint) error {
	target, err := s.labs.GetTargetCode(ctx, id)
	if err != nil {
		return translateNotFound(err, "target code", id)
	}
	challenge, err := s.challenge(ctx, target.ChallengeID)
	if err != nil {
		return err
	}
	if err := s.ownLab(ctx, actor, challenge.LabID); err != nil {
		return err
	}

	inUse, err := s.assignments.CountByChallenge(ctx, challenge.ID)
	if err != nil {
		return err
	}
	if inUse > 0 {
		return ErrLabInUse
	}

	if err := s.labs.DeleteTargetCode(ctx, id); err != nil {
		return translateNotFound(err, "target code", id)
	}
	return nil
}

// invalidateExports drops the cached progress of every class the challenge
// is assigned to, since its target columns changed.
func (s *catalogService) invalidateExports(ctx context.Context, challengeID uint) {
	classIDs, err := s.assignments.ClassIDsByChallenge(ctx, challengeID)
	if err != nil {
		s.logger.Warn().Err(err).Uint("challenge_id", challengeID).Msg("failed to list classes for export invalidation")
		return
	}
	for _, classID := range classIDs {
		if err := s.cache.Invalidate(ctx, classID); err != nil {
			s.logger.Warn().Err(err).Uint("class_id", classID).Msg("failed to invalidate progress export")
		}
	}
}

// applyTargetCode copies the payload onto target after enforcing the
// authoring rules of the challenge language.
func (s *catalogService) applyTargetCode(target *models.TargetCode, language models.Language, payload dto.TargetCodeRequest) error {
	if strings.TrimSpace(payload.Source) == "" {
		return validationError("source is required")
	}
	if payload.Points <= 0 {
		return validationError("points must be positive")
	}
	if len(payload.TestCases) > models.MaxTestCases {
		return validationError("at most %d test cases are allowed", models.MaxTestCases)
	}

	target.EnforcedStatement = nil
	if payload.EnforcedStatement != nil && strings.TrimSpace(*payload.EnforcedStatement) != "" {
		stmt := statement.Statement(strings.ToLower(strings.TrimSpace(*payload.EnforcedStatement)))
		if !statement.Valid(stmt) {
			return validationError("unknown enforced statement %q", stmt)
		}
		if !statement.Allowed(string(language), stmt) {
			return validationError("statement %q is not available for %s", stmt, language)
		}
		value := string(stmt)
		target.EnforcedStatement = &value
	}

	similarity := float64(models.DefaultRequiredSimilarity)
	if payload.RequiredSimilarity != nil {
		similarity = *payload.RequiredSimilarity
	}
	testCases := payload.TestCases
	if language.IsWeb() {
		similarity = 100
		testCases = nil
	}

	target.Source = payload.Source
	target.Description = s.cleanRich(payload.Description)
	target.RequiredSimilarity = similarity
	target.Points = payload.Points
	target.SetTestCases(testCases)
	return nil
}

func (s *catalogService) lab(ctx context.Context, id uint) (models.Lab, error) {
	lab, err := s.labs.GetLab(ctx, id)
	if err != nil {
		return models.Lab{}, translateNotFound(err, "lab", id)
	}
	return lab, nil
}

func (s *catalogService) readableLab(ctx context.Context, actor Actor, id uint) (models.Lab, error) {
	lab, err := s.lab(ctx, id)
	if err != nil {
		return models.Lab{}, err
	}
	if lab.Visibility == models.VisibilityPersonal && !actor.Owns(lab.CreatorID) {
		return models.Lab{}, ErrForbidden
	}
	return lab, nil
}

func (s *catalogService) ownLab(ctx context.Context, actor Actor, id uint) error {
	lab, err := s.lab(ctx, id)
	if err != nil {
		return err
	}
	if !actor.Owns(lab.CreatorID) {
		return ErrForbidden
	}
	return nil
}

func (s *catalogService) challenge(ctx context.Context, id uint) (models.Challenge, error) {
	challenge, err := s.labs.GetChallenge(ctx, id)
	if err != nil {
		return models.Challenge{}, translateNotFound(err, "challenge", id)
	}
	return challenge, nil
}

func (s *catalogService) cleanTitle(value string) string {
	return strings.TrimSpace(s.text.Sanitize(value))
}

func (s *catalogService) cleanRich(value string) string {
	return strings.TrimSpace(s.rich.Sanitize(value))
}

// translateNotFound maps gorm's missing-row error onto ErrNotFound.
func translateNotFound(err error, kind string, id interface{}) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %v: %w", kind, id, ErrNotFound)
	}
	return err
}
