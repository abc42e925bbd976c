package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-lab-api/internal/models"
)

// ClassAssignmentRepository persists challenge assignments of classes.
type ClassAssignmentRepository interface {
	Create(ctx context.Context, assignment *models.ClassAssignment) error
	CreateIfAbsent(ctx context.Context, assignment *models.ClassAssignment) (bool, error)
	GetByID(ctx context.Context, id string) (models.ClassAssignment, error)
	FindByChallenge(ctx context.Context, classID, labID, challengeID uint) (models.ClassAssignment, error)
	ListByClass(ctx context.Context, classID uint) ([]models.ClassAssignment, error)
	UpdateExpiry(ctx context.Context, id string, expiresAt *time.Time) error
	DeleteWithAttempts(ctx context.Context, id string) error
	CountByLab(ctx context.Context, labID uint) (int64, error)
	CountByChallenge(ctx context.Context, challengeID uint) (int64, error)
	ClassIDsByChallenge(ctx context.Context, challengeID uint) ([]uint, error)
}

type classAssignmentRepository struct {
	db *gorm.DB
}

// NewClassAssignmentRepository constructs a class assignment repository.
func NewClassAssignmentRepository(db *gorm.DB) ClassAssignmentRepository {
	return &classAssignmentRepository{db: db}
}

func (r *classAssignmentRepository) Create(ctx context.Context, assignment *models.ClassAssignment) error {
	return r.db.WithContext(ctx).Create(assignment).Error
}

// CreateIfAbsent inserts the assignment unless the class already holds the
// same lab challenge, and reports whether a row was written.
func (r *classAssignmentRepository) CreateIfAbsent(ctx context.Context, assignment *models.ClassAssignment) (bool, error) {
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "class_id"}, {Name: "lab_id"}, {Name: "challenge_id"}},
		DoNothing: true,
	}).Create(assignment)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *classAssignmentRepository) GetByID(ctx context.Context, id string) (models.ClassAssignment, error) {
	var assignment models.ClassAssignment
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&assignment).Error; err != nil {
		return models.ClassAssignment{}, err
	}
	return assignment, nil
}

func (r *classAssignmentRepository) FindByChallenge(ctx context.Context, classID, labID, challengeID uint) (models.ClassAssignment, error) {
	var assignment models.ClassAssignment
	err := r.db.WithContext(ctx).
		Where("class_id = ? AND lab_id = ? AND challenge_id = ?", classID, labID, challengeID).
		First(&assignment).Error
	if err != nil {
		return models.ClassAssignment{}, err
	}
	return assignment, nil
}

// ListByClass returns assignments in creation order, ties broken by id.
func (r *classAssignmentRepository) ListByClass(ctx context.Context, classID uint) ([]models.ClassAssignment, error) {
	var assignments []models.ClassAssignment
	err := r.db.WithContext(ctx).
		Where("class_id = ?", classID).
		Order("created_at ASC, id ASC").
		Find(&assignments).Error
	if err != nil {
		return nil, err
	}
	return assignments, nil
}

func (r *classAssignmentRepository) UpdateExpiry(ctx context.Context, id string, expiresAt *time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&models.ClassAssignment{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"expires_at": expiresAt, "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// DeleteWithAttempts removes the assignment together with its progress ledger.
func (r *classAssignmentRepository) DeleteWithAttempts(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("assignment_id = ?", id).Delete(&models.Attempt{}).Error; err != nil {
			return err
		}
		result := tx.Where("id = ?", id).Delete(&models.ClassAssignment{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

func (r *classAssignmentRepository) CountByLab(ctx context.Context, labID uint) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.ClassAssignment{}).Where("lab_id = ?", labID).Count(&count).Error
	return count, err
}

func (r *classAssignmentRepository) CountByChallenge(ctx context.Context, challengeID uint) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.ClassAssignment{}).Where("challenge_id = ?", challengeID).Count(&count).Error
	return count, err
}

// ClassIDsByChallenge lists the classes the challenge is assigned to.
func (r *classAssignmentRepository) ClassIDsByChallenge(ctx context.Context, challengeID uint) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).
		Model(&models.ClassAssignment{}).
		Where("challenge_id = ?", challengeID).
		Distinct().
		Order("class_id ASC").
		Pluck("class_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}
