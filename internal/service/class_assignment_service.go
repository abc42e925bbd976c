package service

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-lab-api/internal/dto"
	"github.com/noah-isme/gema-lab-api/internal/models"
	"github.com/noah-isme/gema-lab-api/internal/repository"
)

// ClassAssignmentService binds challenges to classes and exposes their
// progress ledgers.
type ClassAssignmentService interface {
	AssignChallenges(ctx context.Context, actor Actor, classID uint, payload dto.AssignChallengesRequest) (dto.AssignResultResponse, error)
	UnassignChallenge(ctx context.Context, actor Actor, classID uint, assignmentID string) error
	SetExpiry(ctx context.Context, actor Actor, classID uint, assignmentID string, expiresAt *time.Time) (dto.ClassAssignmentResponse, error)
	ListForClass(ctx context.Context, actor Actor, classID uint) ([]dto.ClassAssignmentResponse, error)
	IsExpired(assignment models.ClassAssignment, now time.Time) bool
	ProgressFor(ctx context.Context, actor Actor, assignmentID string, studentID uint) ([]dto.AttemptResponse, error)
	AttemptFor(ctx context.Context, key models.AttemptKey) (*models.Attempt, error)
}

type classAssignmentService struct {
	access      classAccess
	labs        repository.LabRepository
	assignments repository.ClassAssignmentRepository
	attempts    repository.AttemptRepository
	progress    ProgressCache
	validator   *validator.Validate
	logger      zerolog.Logger
	now         func() time.Time
}

// NewClassAssignmentService constructs the assignment manager.
func NewClassAssignmentService(classes repository.ClassRepository, labs repository.LabRepository, assignments repository.ClassAssignmentRepository, attempts repository.AttemptRepository, progress ProgressCache, validate *validator.Validate, logger zerolog.Logger) ClassAssignmentService {
	if progress == nil {
		progress = noopProgressCache{}
	}
	return &classAssignmentService{
		access:      classAccess{classes: classes},
		labs:        labs,
		assignments: assignments,
		attempts:    attempts,
		progress:    progress,
		validator:   validate,
		logger:      logger.With().Str("component", "class_assignment_service").Logger(),
		now:         time.Now,
	}
}

func (s *classAssignmentService) AssignChallenges(ctx context.Context, actor Actor, classID uint, payload dto.AssignChallengesRequest) (dto.AssignResultResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.AssignResultResponse{}, err
	}
	if _, err := s.access.ownedClass(ctx, actor, classID); err != nil {
		return dto.AssignResultResponse{}, err
	}

	// Resolve every pair before writing so a stale id creates nothing.
	for _, ref := range payload.Challenges {
		challenge, err := s.labs.GetChallenge(ctx, ref.ChallengeID)
		if err != nil {
			return dto.AssignResultResponse{}, translateNotFound(err, "challenge", ref.ChallengeID)
		}
		if challenge.LabID != ref.LabID {
			return dto.AssignResultResponse{}, translateNotFound(gorm.ErrRecordNotFound, "lab challenge", ref)
		}
	}

	now := s.now().UTC()
	result := dto.AssignResultResponse{
		Created: make([]dto.ClassAssignmentResponse, 0, len(payload.Challenges)),
		Skipped: make([]dto.LabChallengeRef, 0),
	}
	seen := make(map[dto.LabChallengeRef]struct{}, len(payload.Challenges))

	for _, ref := range payload.Challenges {
		if _, dup := seen[ref]; dup {
			result.Skipped = append(result.Skipped, ref)
			continue
		}
		seen[ref] = struct{}{}

		_, err := s.assignments.FindByChallenge(ctx, classID, ref.LabID, ref.ChallengeID)
		if err == nil {
			result.Skipped = append(result.Skipped, ref)
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.AssignResultResponse{}, err
		}

		assignment := models.ClassAssignment{
			ID:          uuid.NewString(),
			ClassID:     classID,
			LabID:       ref.LabID,
			ChallengeID: ref.ChallengeID,
			ExpiresAt:   utcPtr(payload.ExpiresAt),
		}
		created, err := s.assignments.CreateIfAbsent(ctx, &assignment)
		if err != nil {
			return dto.AssignResultResponse{}, err
		}
		if !created {
			// A concurrent request assigned the same pair first.
			result.Skipped = append(result.Skipped, ref)
			continue
		}
		result.Created = append(result.Created, dto.NewClassAssignmentResponse(assignment, now))
	}

	if len(result.Created) > 0 {
		s.invalidate(ctx, classID)
	}

	s.logger.Info().
		Uint("class_id", classID).
		Int("created", len(result.Created)).
		Int("skipped", len(result.Skipped)).
		Msg("challenges assigned")
	return result, nil
}

func (s *classAssignmentService) UnassignChallenge(ctx context.Context, actor Actor, classID uint, assignmentID string) error {
	if _, err := s.classAssignment(ctx, actor, classID, assignmentID); err != nil {
		return err
	}
	if err := s.assignments.DeleteWithAttempts(ctx, assignmentID); err != nil {
		return translateNotFound(err, "assignment", assignmentID)
	}

	s.invalidate(ctx, classID)
	s.logger.Info().Uint("class_id", classID).Str("assignment_id", assignmentID).Msg("challenge unassigned")
	return nil
}

func (s *classAssignmentService) SetExpiry(ctx context.Context, actor Actor, classID uint, assignmentID string, expiresAt *time.Time) (dto.ClassAssignmentResponse, error) {
	assignment, err := s.classAssignment(ctx, actor, classID, assignmentID)
	if err != nil {
		return dto.ClassAssignmentResponse{}, err
	}

	expiresAt = utcPtr(expiresAt)
	if err := s.assignments.UpdateExpiry(ctx, assignmentID, expiresAt); err != nil {
		return dto.ClassAssignmentResponse{}, translateNotFound(err, "assignment", assignmentID)
	}
	assignment.ExpiresAt = expiresAt

	return dto.NewClassAssignmentResponse(assignment, s.now().UTC()), nil
}

func (s *classAssignmentService) ListForClass(ctx context.Context, actor Actor, classID uint) ([]dto.ClassAssignmentResponse, error) {
	if _, err := s.access.ownedClass(ctx, actor, classID); err != nil {
		if !errors.Is(err, ErrForbidden) {
			return nil, err
		}
		if _, err := s.access.activeMember(ctx, classID, actor.ID); err != nil {
			return nil, err
		}
	}

	assignments, err := s.assignments.ListByClass(ctx, classID)
	if err != nil {
		return nil, err
	}
	return dto.NewClassAssignmentResponses(assignments, s.now().UTC()), nil
}

func (s *classAssignmentService) IsExpired(assignment models.ClassAssignment, now time.Time) bool {
	return assignment.IsExpired(now)
}

// ProgressFor returns the student's attempts in one assignment. Students see
// their own ledger; the class instructor sees everyone's.
func (s *classAssignmentService) ProgressFor(ctx context.Context, actor Actor, assignmentID string, studentID uint) ([]dto.AttemptResponse, error) {
	assignment, err := s.assignments.GetByID(ctx, assignmentID)
	if err != nil {
		return nil, translateNotFound(err, "assignment", assignmentID)
	}

	if actor.ID == studentID {
		if _, err := s.access.activeMember(ctx, assignment.ClassID, studentID); err != nil {
			return nil, err
		}
	} else if _, err := s.access.ownedClass(ctx, actor, assignment.ClassID); err != nil {
		return nil, err
	}

	attempts, err := s.attempts.ListForStudent(ctx, assignmentID, studentID)
	if err != nil {
		return nil, err
	}
	return dto.NewAttemptResponses(attempts), nil
}

// AttemptFor returns nil when the student never attempted the target.
func (s *classAssignmentService) AttemptFor(ctx context.Context, key models.AttemptKey) (*models.Attempt, error) {
	attempt, err := s.attempts.Get(ctx, key)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &attempt, nil
}

func (s *classAssignmentService) classAssignment(ctx context.Context, actor Actor, classID uint, assignmentID string) (models.ClassAssignment, error) {
	if _, err := s.access.ownedClass(ctx, actor, classID); err != nil {
		return models.ClassAssignment{}, err
	}
	assignment, err := s.assignments.GetByID(ctx, assignmentID)
	if err != nil {
		return models.ClassAssignment{}, translateNotFound(err, "assignment", assignmentID)
	}
	if assignment.ClassID != classID {
		return models.ClassAssignment{}, translateNotFound(gorm.ErrRecordNotFound, "assignment", assignmentID)
	}
	return assignment, nil
}

func (s *classAssignmentService) invalidate(ctx context.Context, classID uint) {
	if err := s.progress.Invalidate(ctx, classID); err != nil {
		s.logger.Warn().Err(err).Uint("class_id", classID).Msg("failed to invalidate progress cache")
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	value := t.UTC()
	return &value
}
