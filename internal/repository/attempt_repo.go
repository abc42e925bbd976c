package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-lab-api/internal/models"
)

// AttemptRepository stores one attempt per (assignment, student, target code).
type AttemptRepository interface {
	Get(ctx context.Context, key models.AttemptKey) (models.Attempt, error)
	Upsert(ctx context.Context, attempt *models.Attempt) error
	ListForStudent(ctx context.Context, assignmentID string, studentID uint) ([]models.Attempt, error)
	ListForAssignments(ctx context.Context, assignmentIDs []string) ([]models.Attempt, error)
}

type attemptRepository struct {
	db *gorm.DB
}

// NewAttemptRepository constructs an attempt repository.
func NewAttemptRepository(db *gorm.DB) AttemptRepository {
	return &attemptRepository{db: db}
}

func (r *attemptRepository) Get(ctx context.Context, key models.AttemptKey) (models.Attempt, error) {
	var attempt models.Attempt
	err := r.db.WithContext(ctx).
		Where("assignment_id = ? AND student_id = ? AND target_code_id = ?", key.AssignmentID, key.StudentID, key.TargetCodeID).
		First(&attempt).Error
	if err != nil {
		return models.Attempt{}, err
	}
	return attempt, nil
}

// Upsert writes the whole attempt, replacing any row with the same key.
func (r *attemptRepository) Upsert(ctx context.Context, attempt *models.Attempt) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "assignment_id"}, {Name: "student_id"}, {Name: "target_code_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"source", "language", "comparisons", "score", "completed", "status", "evaluated_at",
			"statement_required", "statement_found", "late_request_status", "late_submission_max_score",
			"feedback", "updated_at",
		}),
	}).Create(attempt).Error
}

func (r *attemptRepository) ListForStudent(ctx context.Context, assignmentID string, studentID uint) ([]models.Attempt, error) {
	var attempts []models.Attempt
	err := r.db.WithContext(ctx).
		Where("assignment_id = ? AND student_id = ?", assignmentID, studentID).
		Order("target_code_id ASC").
		Find(&attempts).Error
	if err != nil {
		return nil, err
	}
	return attempts, nil
}

func (r *attemptRepository) ListForAssignments(ctx context.Context, assignmentIDs []string) ([]models.Attempt, error) {
	if len(assignmentIDs) == 0 {
		return nil, nil
	}

	var attempts []models.Attempt
	err := r.db.WithContext(ctx).
		Where("assignment_id IN ?", assignmentIDs).
		Find(&attempts).Error
	if err != nil {
		return nil, err
	}
	return attempts, nil
}
