package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-lab-api/internal/models"
	"github.com/noah-isme/gema-lab-api/internal/observability"
	"github.com/noah-isme/gema-lab-api/internal/repository"
	"github.com/noah-isme/gema-lab-api/internal/runner"
	"github.com/noah-isme/gema-lab-api/pkg/ai"
	"github.com/noah-isme/gema-lab-api/pkg/similarity"
	"github.com/noah-isme/gema-lab-api/pkg/statement"
)

// EvaluateInput is a student's submission for one target code.
type EvaluateInput struct {
	AssignmentID string
	TargetCodeID uint
	StudentID    uint
	Source       string
}

// EvaluationConfig tunes the evaluation pipeline.
type EvaluationConfig struct {
	RunTimeout    time.Duration
	TimeoutMargin time.Duration
	AssessTimeout time.Duration
}

// EvaluationService grades submissions and maintains the attempt ledger.
type EvaluationService interface {
	Evaluate(ctx context.Context, input EvaluateInput) (models.Attempt, error)
	HandleLateApproved(ctx context.Context, event LateApproved) (models.Attempt, error)
}

type evaluationService struct {
	access      classAccess
	labs        repository.LabRepository
	assignments repository.ClassAssignmentRepository
	attempts    repository.AttemptRepository
	students    runner.Runner
	targets     runner.Runner
	assessor    ai.Assessor
	locks       *KeyedLock
	notify      attemptNotifier
	config      EvaluationConfig
	tracer      trace.Tracer
	logger      zerolog.Logger
	now         func() time.Time
}

// EvaluationDeps groups the collaborators of the evaluation service. Targets
// defaults to Students and Assessor may be nil.
type EvaluationDeps struct {
	Classes     repository.ClassRepository
	Labs        repository.LabRepository
	Assignments repository.ClassAssignmentRepository
	Attempts    repository.AttemptRepository
	Students    runner.Runner
	Targets     runner.Runner
	Assessor    ai.Assessor
	Locks       *KeyedLock
	Notifiers   Notifiers
}

// NewEvaluationService constructs the submission evaluator.
func NewEvaluationService(deps EvaluationDeps, cfg EvaluationConfig, logger zerolog.Logger) EvaluationService {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 5 * time.Second
	}
	if cfg.TimeoutMargin <= 0 {
		cfg.TimeoutMargin = 5 * time.Second
	}
	if cfg.AssessTimeout <= 0 {
		cfg.AssessTimeout = 8 * time.Second
	}
	if deps.Targets == nil {
		deps.Targets = deps.Students
	}
	if deps.Locks == nil {
		deps.Locks = NewKeyedLock()
	}

	logger = logger.With().Str("component", "evaluation_service").Logger()
	return &evaluationService{
		access:      classAccess{classes: deps.Classes},
		labs:        deps.Labs,
		assignments: deps.Assignments,
		attempts:    deps.Attempts,
		students:    deps.Students,
		targets:     deps.Targets,
		assessor:    deps.Assessor,
		locks:       deps.Locks,
		notify:      attemptNotifier{Notifiers: deps.Notifiers, logger: logger},
		config:      cfg,
		tracer:      otel.Tracer("github.com/noah-isme/gema-lab-api/internal/service/evaluation"),
		logger:      logger,
		now:         time.Now,
	}
}

type evaluationScope struct {
	assignment models.ClassAssignment
	challenge  models.Challenge
	target     models.TargetCode
	key        models.AttemptKey
}

func (s *evaluationService) Evaluate(ctx context.Context, input EvaluateInput) (models.Attempt, error) {
	scope, err := s.resolve(ctx, input.AssignmentID, input.TargetCodeID, input.StudentID)
	if err != nil {
		return models.Attempt{}, err
	}
	if _, err := s.access.activeMember(ctx, scope.assignment.ClassID, input.StudentID); err != nil {
		return models.Attempt{}, err
	}

	unlock := s.locks.Lock(scope.key.String())
	defer unlock()

	prior, err := s.loadAttempt(ctx, scope.key)
	if err != nil {
		return models.Attempt{}, err
	}

	if scope.assignment.IsExpired(s.now()) && !prior.LateApproved() && !prior.Completed {
		return models.Attempt{}, ErrSubmissionWindowClosed
	}

	return s.evaluateLocked(ctx, scope, prior, input.Source)
}

// HandleLateApproved re-grades the stored source under the approved ceiling.
// Without a stored source the attempt waits for a fresh submission.
func (s *evaluationService) HandleLateApproved(ctx context.Context, event LateApproved) (models.Attempt, error) {
	scope, err := s.resolve(ctx, event.Key.AssignmentID, event.Key.TargetCodeID, event.Key.StudentID)
	if err != nil {
		return models.Attempt{}, err
	}

	unlock := s.locks.Lock(scope.key.String())
	defer unlock()

	prior, err := s.loadAttempt(ctx, scope.key)
	if err != nil {
		return models.Attempt{}, err
	}
	if prior.Source == "" {
		return prior, nil
	}
	return s.evaluateLocked(ctx, scope, prior, prior.Source)
}

func (s *evaluationService) resolve(ctx context.Context, assignmentID string, targetID, studentID uint) (evaluationScope, error) {
	assignment, err := s.assignments.GetByID(ctx, assignmentID)
	if err != nil {
		return evaluationScope{}, translateNotFound(err, "assignment", assignmentID)
	}
	challenge, err := s.labs.GetChallenge(ctx, assignment.ChallengeID)
	if err != nil {
		return evaluationScope{}, translateNotFound(err, "challenge", assignment.ChallengeID)
	}
	target, err := s.labs.GetTargetCode(ctx, targetID)
	if err != nil {
		return evaluationScope{}, translateNotFound(err, "target code", targetID)
	}
	if target.ChallengeID != challenge.ID {
		return evaluationScope{}, fmt.Errorf("target code %d is not part of assignment %s: %w", targetID, assignmentID, ErrNotFound)
	}

	return evaluationScope{
		assignment: assignment,
		challenge:  challenge,
		target:     target,
		key:        models.AttemptKey{AssignmentID: assignment.ID, StudentID: studentID, TargetCodeID: target.ID},
	}, nil
}

// loadAttempt returns the stored attempt or a fresh one carrying the key.
func (s *evaluationService) loadAttempt(ctx context.Context, key models.AttemptKey) (models.Attempt, error) {
	attempt, err := s.attempts.Get(ctx, key)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Attempt{AssignmentID: key.AssignmentID, StudentID: key.StudentID, TargetCodeID: key.TargetCodeID}, nil
		}
		return models.Attempt{}, err
	}
	return attempt, nil
}

func (s *evaluationService) evaluateLocked(ctx context.Context, scope evaluationScope, attempt models.Attempt, source string) (models.Attempt, error) {
	language := scope.challenge.Language
	ctx, span := s.tracer.Start(ctx, "lab.evaluate", trace.WithAttributes(
		attribute.String("lab.assignment_id", scope.key.AssignmentID),
		attribute.Int64("lab.target_code_id", int64(scope.key.TargetCodeID)),
		attribute.Int64("lab.student_id", int64(scope.key.StudentID)),
		attribute.String("lab.language", string(language)),
	))
	defer span.End()

	start := time.Now()
	comparisons, err := s.compare(ctx, language, scope.target, source)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return models.Attempt{}, err
	}

	passed := 0
	for _, comparison := range comparisons {
		if comparison.Passed {
			passed++
		}
	}

	penalty := false
	attempt.StatementRequired = nil
	attempt.StatementFound = nil
	if required := scope.target.Statement(); required != "" {
		found := statement.Contains(source, string(language), statement.Statement(required))
		attempt.StatementRequired = &required
		attempt.StatementFound = &found
		penalty = !found
	}

	effectiveMax := attempt.EffectiveMaxScore(scope.target.Points)
	score, status := scoreAttempt(passed, len(comparisons), effectiveMax, penalty)

	evaluatedAt := s.now().UTC()
	attempt.Source = source
	attempt.Language = language
	attempt.SetComparisons(comparisons)
	attempt.Score = score
	attempt.Status = status
	attempt.Completed = status != models.AttemptStatusFail
	attempt.EvaluatedAt = &evaluatedAt
	attempt.Feedback = s.assess(ctx, scope, attempt, effectiveMax)

	if err := s.attempts.Upsert(ctx, &attempt); err != nil {
		span.RecordError(err)
		return models.Attempt{}, err
	}

	observability.Evaluations().WithLabelValues(string(language), status).Inc()
	observability.EvaluationDuration().WithLabelValues(string(language)).Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.String("lab.status", status), attribute.Float64("lab.score", score))

	s.logger.Info().
		Str("attempt", scope.key.String()).
		Str("status", status).
		Float64("score", score).
		Float64("max_score", effectiveMax).
		Int("passed", passed).
		Int("comparisons", len(comparisons)).
		Msg("submission evaluated")

	s.notify.written(ctx, scope.assignment.ClassID, EventAttemptEvaluated, attempt)
	return attempt, nil
}

// compare runs every test case for the student and the target concurrently
// and returns one comparison per input. It fails only on target or
// infrastructure faults.
func (s *evaluationService) compare(ctx context.Context, language models.Language, target models.TargetCode, source string) ([]models.Comparison, error) {
	inputs := []string{""}
	threshold := target.RequiredSimilarity
	if language.IsWeb() {
		threshold = 100
	} else if cases := target.TestCaseList(); len(cases) > 0 {
		inputs = cases
	}

	budget := time.Duration(2*len(inputs))*s.config.RunTimeout + s.config.TimeoutMargin
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	studentResults := make([]runner.Result, len(inputs))
	targetResults := make([]runner.Result, len(inputs))

	group, groupCtx := errgroup.WithContext(ctx)
	for i, input := range inputs {
		i, input := i, input

		group.Go(func() error {
			result, err := s.targets.Run(groupCtx, runner.Request{Source: target.Source, Language: language, Stdin: input, Timeout: s.config.RunTimeout})
			if err != nil {
				if isDeadline(err) {
					result.TimedOut = true
				} else {
					return fmt.Errorf("%w: target run: %v", ErrRunnerUnavailable, err)
				}
			}
			if result.Failed() {
				observability.TargetFailures().WithLabelValues(string(language)).Inc()
				s.logger.Error().
					Uint("target_code_id", target.ID).
					Bool("timed_out", result.TimedOut).
					Int("exit_code", result.ExitCode).
					Str("stderr", result.Stderr).
					Msg("target code failed to execute")
				return &TargetExecutionError{TargetCodeID: target.ID, Input: input, Result: result}
			}
			targetResults[i] = result
			return nil
		})

		group.Go(func() error {
			result, err := s.students.Run(groupCtx, runner.Request{Source: source, Language: language, Stdin: input, Timeout: s.config.RunTimeout})
			if err != nil {
				if isDeadline(err) {
					studentResults[i] = runner.Result{TimedOut: true}
					return nil
				}
				return fmt.Errorf("%w: %v", ErrRunnerUnavailable, err)
			}
			studentResults[i] = result
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	comparisons := make([]models.Comparison, len(inputs))
	for i, input := range inputs {
		comparisons[i] = compareOutputs(input, targetResults[i], studentResults[i], threshold)
	}
	return comparisons, nil
}

func compareOutputs(input string, expected, actual runner.Result, threshold float64) models.Comparison {
	comparison := models.Comparison{Input: input}
	switch {
	case actual.TimedOut:
		comparison.TimedOut = true
		comparison.Error = "time limit exceeded"
	case actual.ExitCode != 0:
		comparison.Error = fmt.Sprintf("exited with status %d", actual.ExitCode)
	default:
		comparison.Similarity = similarity.Score(expected.Stdout, actual.Stdout)
		comparison.Passed = comparison.Similarity >= threshold
	}
	return comparison
}

// scoreAttempt derives the score and status. The enforced statement penalty
// halves the score and rules out well-done.
func scoreAttempt(passed, total int, effectiveMax float64, penalty bool) (float64, string) {
	if total <= 0 || effectiveMax <= 0 {
		return 0, models.AttemptStatusFail
	}

	ratio := float64(passed) / float64(total)
	score := ratio * effectiveMax
	if penalty {
		score /= 2
	}
	score = math.Round(score*100) / 100
	score = math.Max(0, math.Min(score, effectiveMax))

	switch {
	case ratio == 1 && !penalty:
		return score, models.AttemptStatusWellDone
	case ratio > 0:
		return score, models.AttemptStatusGood
	default:
		return score, models.AttemptStatusFail
	}
}

// assess asks the AI assessor for feedback. It never fails the evaluation.
func (s *evaluationService) assess(ctx context.Context, scope evaluationScope, attempt models.Attempt, maxScore float64) datatypes.JSONMap {
	if s.assessor == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.AssessTimeout)
	defer cancel()

	assessment, err := s.assessor.Assess(ctx, ai.AssessmentInput{
		Language:    string(attempt.Language),
		Source:      attempt.Source,
		Description: scope.target.Description,
		Score:       attempt.Score,
		MaxScore:    maxScore,
		Status:      attempt.Status,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("attempt", scope.key.String()).Msg("ai assessment skipped")
		return nil
	}

	feedback := datatypes.JSONMap{
		"summary": assessment.Summary,
		"model":   assessment.Model,
	}
	if len(assessment.Strengths) > 0 {
		feedback["strengths"] = assessment.Strengths
	}
	if len(assessment.Suggestions) > 0 {
		feedback["suggestions"] = assessment.Suggestions
	}
	return feedback
}

func isDeadline(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
