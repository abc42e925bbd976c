package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-lab-api/internal/dto"
	"github.com/noah-isme/gema-lab-api/internal/models"
	"github.com/noah-isme/gema-lab-api/internal/observability"
	"github.com/noah-isme/gema-lab-api/internal/repository"
)

// LateApproved is emitted once an instructor approves a late request.
type LateApproved struct {
	Key        models.AttemptKey
	MaxScore   float64
	ApprovedBy uint
}

// LateApprovalHandler consumes approvals, typically by re-grading.
type LateApprovalHandler interface {
	HandleLateApproved(ctx context.Context, event LateApproved) (models.Attempt, error)
}

// LateSubmissionConfig holds the late workflow policy.
type LateSubmissionConfig struct {
	AllowRequestAfterDenial bool
}

// LateSubmissionService drives the request, approve and deny transitions.
type LateSubmissionService interface {
	RequestLate(ctx context.Context, studentID uint, assignmentID string, targetCodeID uint) (dto.AttemptResponse, error)
	ApproveLate(ctx context.Context, actor Actor, classID uint, assignmentID string, payload dto.LateDecisionRequest) (dto.AttemptResponse, error)
	DenyLate(ctx context.Context, actor Actor, classID uint, assignmentID string, payload dto.LateDecisionRequest) (dto.AttemptResponse, error)
}

type lateSubmissionService struct {
	access      classAccess
	labs        repository.LabRepository
	assignments repository.ClassAssignmentRepository
	attempts    repository.AttemptRepository
	approvals   LateApprovalHandler
	locks       *KeyedLock
	notify      attemptNotifier
	validator   *validator.Validate
	config      LateSubmissionConfig
	logger      zerolog.Logger
	now         func() time.Time
}

// LateSubmissionDeps groups the collaborators of the late workflow.
type LateSubmissionDeps struct {
	Classes     repository.ClassRepository
	Labs        repository.LabRepository
	Assignments repository.ClassAssignmentRepository
	Attempts    repository.AttemptRepository
	Approvals   LateApprovalHandler
	Locks       *KeyedLock
	Notifiers   Notifiers
}

// NewLateSubmissionService constructs the late workflow. Locks must be the
// table shared with the evaluation service.
func NewLateSubmissionService(deps LateSubmissionDeps, validate *validator.Validate, cfg LateSubmissionConfig, logger zerolog.Logger) LateSubmissionService {
	if deps.Locks == nil {
		deps.Locks = NewKeyedLock()
	}
	logger = logger.With().Str("component", "late_submission_service").Logger()
	return &lateSubmissionService{
		access:      classAccess{classes: deps.Classes},
		labs:        deps.Labs,
		assignments: deps.Assignments,
		attempts:    deps.Attempts,
		approvals:   deps.Approvals,
		locks:       deps.Locks,
		notify:      attemptNotifier{Notifiers: deps.Notifiers, logger: logger},
		validator:   validate,
		config:      cfg,
		logger:      logger,
		now:         time.Now,
	}
}

func (s *lateSubmissionService) RequestLate(ctx context.Context, studentID uint, assignmentID string, targetCodeID uint) (dto.AttemptResponse, error) {
	assignment, challenge, _, err := s.scope(ctx, assignmentID, targetCodeID)
	if err != nil {
		return dto.AttemptResponse{}, err
	}
	if _, err := s.access.activeMember(ctx, assignment.ClassID, studentID); err != nil {
		return dto.AttemptResponse{}, err
	}
	if !assignment.IsExpired(s.now()) {
		return dto.AttemptResponse{}, fmt.Errorf("%w: assignment is still open", ErrLateRequestNotAllowed)
	}

	key := models.AttemptKey{AssignmentID: assignment.ID, StudentID: studentID, TargetCodeID: targetCodeID}
	unlock := s.locks.Lock(key.String())
	defer unlock()

	attempt, exists, err := s.load(ctx, key)
	if err != nil {
		return dto.AttemptResponse{}, err
	}
	if attempt.Completed {
		return dto.AttemptResponse{}, fmt.Errorf("%w: attempt already completed", ErrLateRequestNotAllowed)
	}

	switch attempt.LateStatus() {
	case models.LateRequestRequested, models.LateRequestApproved:
		return dto.NewAttemptResponse(attempt), nil
	case models.LateRequestDenied:
		if !s.config.AllowRequestAfterDenial {
			return dto.AttemptResponse{}, ErrLateRequestDenied
		}
	}

	if !exists {
		attempt.Language = challenge.Language
		attempt.Status = models.AttemptStatusFail
		attempt.Score = 0
		attempt.Completed = false
	}
	requested := models.LateRequestRequested
	attempt.LateRequestStatus = &requested

	if err := s.attempts.Upsert(ctx, &attempt); err != nil {
		return dto.AttemptResponse{}, err
	}

	observability.LateTransitions().WithLabelValues(requested).Inc()
	s.logger.Info().Str("attempt", key.String()).Msg("late submission requested")
	s.notify.written(ctx, assignment.ClassID, EventLateRequested, attempt)
	return dto.NewAttemptResponse(attempt), nil
}

// ApproveLate sets the late ceiling and re-grades the stored source. An
// already approved attempt may be approved again, which updates the ceiling
// and retries a re-grade that failed earlier.
func (s *lateSubmissionService) ApproveLate(ctx context.Context, actor Actor, classID uint, assignmentID string, payload dto.LateDecisionRequest) (dto.AttemptResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.AttemptResponse{}, err
	}

	assignment, target, err := s.instructorScope(ctx, actor, classID, assignmentID, payload.TargetCodeID)
	if err != nil {
		return dto.AttemptResponse{}, err
	}

	maxScore := float64(target.Points)
	if payload.NewMaxScore != nil {
		maxScore = *payload.NewMaxScore
		if maxScore <= 0 || maxScore > float64(target.Points) {
			return dto.AttemptResponse{}, validationError("new max score must be in (0, %d]", target.Points)
		}
	}

	key := models.AttemptKey{AssignmentID: assignment.ID, StudentID: payload.StudentID, TargetCodeID: target.ID}
	attempt, err := s.transition(ctx, key, models.LateRequestApproved, func(attempt *models.Attempt) error {
		switch attempt.LateStatus() {
		case models.LateRequestRequested, models.LateRequestDenied, models.LateRequestApproved:
		default:
			return ErrLateRequestMissing
		}
		attempt.LateSubmissionMaxScore = &maxScore
		return nil
	})
	if err != nil {
		return dto.AttemptResponse{}, err
	}
	s.notify.written(ctx, classID, EventLateApproved, attempt)

	if s.approvals != nil {
		rescored, err := s.approvals.HandleLateApproved(ctx, LateApproved{Key: key, MaxScore: maxScore, ApprovedBy: actor.ID})
		if err != nil {
			s.logger.Error().Err(err).Str("attempt", key.String()).Msg("re-evaluation after late approval failed")
			return dto.AttemptResponse{}, err
		}
		attempt = rescored
	}

	return dto.NewAttemptResponse(attempt), nil
}

func (s *lateSubmissionService) DenyLate(ctx context.Context, actor Actor, classID uint, assignmentID string, payload dto.LateDecisionRequest) (dto.AttemptResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.AttemptResponse{}, err
	}

	assignment, target, err := s.instructorScope(ctx, actor, classID, assignmentID, payload.TargetCodeID)
	if err != nil {
		return dto.AttemptResponse{}, err
	}

	key := models.AttemptKey{AssignmentID: assignment.ID, StudentID: payload.StudentID, TargetCodeID: target.ID}
	attempt, err := s.transition(ctx, key, models.LateRequestDenied, func(attempt *models.Attempt) error {
		switch attempt.LateStatus() {
		case models.LateRequestRequested, models.LateRequestDenied:
			return nil
		default:
			return ErrLateRequestMissing
		}
	})
	if err != nil {
		return dto.AttemptResponse{}, err
	}

	s.notify.written(ctx, classID, EventLateDenied, attempt)
	return dto.NewAttemptResponse(attempt), nil
}

// transition applies an instructor decision to an existing attempt under its
// key lock.
func (s *lateSubmissionService) transition(ctx context.Context, key models.AttemptKey, state string, apply func(*models.Attempt) error) (models.Attempt, error) {
	unlock := s.locks.Lock(key.String())
	defer unlock()

	attempt, exists, err := s.load(ctx, key)
	if err != nil {
		return models.Attempt{}, err
	}
	if !exists {
		return models.Attempt{}, ErrLateRequestMissing
	}
	if err := apply(&attempt); err != nil {
		return models.Attempt{}, err
	}
	attempt.LateRequestStatus = &state

	if err := s.attempts.Upsert(ctx, &attempt); err != nil {
		return models.Attempt{}, err
	}

	observability.LateTransitions().WithLabelValues(state).Inc()
	s.logger.Info().Str("attempt", key.String()).Str("state", state).Msg("late submission decided")
	return attempt, nil
}

func (s *lateSubmissionService) scope(ctx context.Context, assignmentID string, targetCodeID uint) (models.ClassAssignment, models.Challenge, models.TargetCode, error) {
	assignment, err := s.assignments.GetByID(ctx, assignmentID)
	if err != nil {
		return models.ClassAssignment{}, models.Challenge{}, models.TargetCode{}, translateNotFound(err, "assignment", assignmentID)
	}
	challenge, err := s.labs.GetChallenge(ctx, assignment.ChallengeID)
	if err != nil {
		return models.ClassAssignment{}, models.Challenge{}, models.TargetCode{}, translateNotFound(err, "challenge", assignment.ChallengeID)
	}
	target, err := s.labs.GetTargetCode(ctx, targetCodeID)
	if err != nil {
		return models.ClassAssignment{}, models.Challenge{}, models.TargetCode{}, translateNotFound(err, "target code", targetCodeID)
	}
	if target.ChallengeID != challenge.ID {
		return models.ClassAssignment{}, models.Challenge{}, models.TargetCode{}, fmt.Errorf("target code %d is not part of assignment %s: %w", targetCodeID, assignmentID, ErrNotFound)
	}
	return assignment, challenge, target, nil
}

func (s *lateSubmissionService) instructorScope(ctx context.Context, actor Actor, classID uint, assignmentID string, targetCodeID uint) (models.ClassAssignment, models.TargetCode, error) {
	if _, err := s.access.ownedClass(ctx, actor, classID); err != nil {
		return models.ClassAssignment{}, models.TargetCode{}, err
	}
	assignment, _, target, err := s.scope(ctx, assignmentID, targetCodeID)
	if err != nil {
		return models.ClassAssignment{}, models.TargetCode{}, err
	}
	if assignment.ClassID != classID {
		return models.ClassAssignment{}, models.TargetCode{}, fmt.Errorf("assignment %s: %w", assignmentID, ErrNotFound)
	}
	return assignment, target, nil
}

func (s *lateSubmissionService) load(ctx context.Context, key models.AttemptKey) (models.Attempt, bool, error) {
	attempt, err := s.attempts.Get(ctx, key)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Attempt{AssignmentID: key.AssignmentID, StudentID: key.StudentID, TargetCodeID: key.TargetCodeID}, false, nil
		}
		return models.Attempt{}, false, err
	}
	return attempt, true, nil
}
