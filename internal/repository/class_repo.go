package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-lab-api/internal/models"
)

// ClassRepository reads classes and their rosters.
type ClassRepository interface {
	Create(ctx context.Context, class *models.Class) error
	GetByID(ctx context.Context, id uint) (models.Class, error)
	AddMember(ctx context.Context, member *models.ClassMember) error
	GetMember(ctx context.Context, classID, studentID uint) (models.ClassMember, error)
	ListActiveMembers(ctx context.Context, classID uint) ([]models.ClassMember, error)
}

type classRepository struct {
	db *gorm.DB
}

// NewClassRepository constructs a class repository.
func NewClassRepository(db *gorm.DB) ClassRepository {
	return &classRepository{db: db}
}

func (r *classRepository) Create(ctx context.Context, class *models.Class) error {
	return r.db.WithContext(ctx).Create(class).Error
}

func (r *classRepository) GetByID(ctx context.Context, id uint) (models.Class, error) {
	var class models.Class
	if err := r.db.WithContext(ctx).First(&class, id).Error; err != nil {
		return models.Class{}, err
	}
	return class, nil
}

func (r *classRepository) AddMember(ctx context.Context, member *models.ClassMember) error {
	return r.db.WithContext(ctx).Create(member).Error
}

func (r *classRepository) GetMember(ctx context.Context, classID, studentID uint) (models.ClassMember, error) {
	var member models.ClassMember
	err := r.db.WithContext(ctx).
		Where("class_id = ? AND student_id = ?", classID, studentID).
		First(&member).Error
	if err != nil {
		return models.ClassMember{}, err
	}
	return member, nil
}

func (r *classRepository) ListActiveMembers(ctx context.Context, classID uint) ([]models.ClassMember, error) {
	var members []models.ClassMember
	err := r.db.WithContext(ctx).
		Where("class_id = ? AND active = ?", classID, true).
		Order("alias ASC, student_id ASC").
		Find(&members).Error
	if err != nil {
		return nil, err
	}
	return members, nil
}
