package repository

import (
	"context"
	"strings"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-lab-api/internal/models"
)

// LabFilter narrows lab listings.
type LabFilter struct {
	Visibility string
	CreatorID  uint
	Search     string
	Page       int
	PageSize   int

	// ViewerID hides other creators' personal labs when set.
	ViewerID uint
}

// LabRepository persists labs, challenges and target codes.
type LabRepository interface {
	CreateLab(ctx context.Context, lab *models.Lab) error
	GetLab(ctx context.Context, id uint) (models.Lab, error)
	ListLabs(ctx context.Context, filter LabFilter) ([]models.Lab, int64, error)
	DeleteLab(ctx context.Context, id uint) error

	CreateChallenge(ctx context.Context, challenge *models.Challenge) error
	GetChallenge(ctx context.Context, id uint) (models.Challenge, error)
	DeleteChallenge(ctx context.Context, id uint) error
	NextChallengePosition(ctx context.Context, labID uint) (int, error)

	CreateTargetCode(ctx context.Context, target *models.TargetCode) error
	GetTargetCode(ctx context.Context, id uint) (models.TargetCode, error)
	UpdateTargetCode(ctx context.Context, target *models.TargetCode) error
	DeleteTargetCode(ctx context.Context, id uint) error
	CountTargetCodes(ctx context.Context, challengeID uint) (int64, error)
	NextTargetPosition(ctx context.Context, challengeID uint) (int, error)
}

type labRepository struct {
	db *gorm.DB
}

// NewLabRepository constructs a GORM-backed catalog repository.
func NewLabRepository(db *gorm.DB) LabRepository {
	return &labRepository{db: db}
}

func orderedTargets(db *gorm.DB) *gorm.DB {
	return db.Order("position ASC, id ASC")
}

func (r *labRepository) CreateLab(ctx context.Context, lab *models.Lab) error {
	return r.db.WithContext(ctx).Create(lab).Error
}

func (r *labRepository) GetLab(ctx context.Context, id uint) (models.Lab, error) {
	var lab models.Lab
	err := r.db.WithContext(ctx).
		Preload("Challenges", orderedTargets).
		Preload("Challenges.TargetCodes", orderedTargets).
		First(&lab, id).Error
	if err != nil {
		return models.Lab{}, err
	}
	return lab, nil
}

func (r *labRepository) ListLabs(ctx context.Context, filter LabFilter) ([]models.Lab, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.Lab{})

	if filter.Visibility != "" {
		query = query.Where("visibility = ?", filter.Visibility)
	}
	if filter.CreatorID != 0 {
		query = query.Where("creator_id = ?", filter.CreatorID)
	}
	if filter.ViewerID != 0 {
		query = query.Where("visibility <> ? OR creator_id = ?", models.VisibilityPersonal, filter.ViewerID)
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		pattern := "%" + strings.ToLower(search) + "%"
		query = query.Where("LOWER(title) LIKE ? OR LOWER(title_alt) LIKE ?", pattern, pattern)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if filter.PageSize > 0 {
		page := filter.Page
		if page <= 0 {
			page = 1
		}
		query = query.Offset((page - 1) * filter.PageSize).Limit(filter.PageSize)
	}

	var labs []models.Lab
	if err := query.Order("created_at DESC, id DESC").Find(&labs).Error; err != nil {
		return nil, 0, err
	}
	return labs, total, nil
}

func (r *labRepository) DeleteLab(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		challengeIDs := tx.Model(&models.Challenge{}).Select("id").Where("lab_id = ?", id)
		if err := tx.Where("challenge_id IN (?)", challengeIDs).Delete(&models.TargetCode{}).Error; err != nil {
			return err
		}
		if err := tx.Where("lab_id = ?", id).Delete(&models.Challenge{}).Error; err != nil {
			return err
		}
		result := tx.Delete(&models.Lab{}, id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

func (r *labRepository) CreateChallenge(ctx context.Context, challenge *models.Challenge) error {
	return r.db.WithContext(ctx).Create(challenge).Error
}

func (r *labRepository) GetChallenge(ctx context.Context, id uint) (models.Challenge, error) {
	var challenge models.Challenge
	err := r.db.WithContext(ctx).
		Preload("TargetCodes", orderedTargets).
		First(&challenge, id).Error
	if err != nil {
		return models.Challenge{}, err
	}
	return challenge, nil
}

func (r *labRepository) DeleteChallenge(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("challenge_id = ?", id).Delete(&models.TargetCode{}).Error; err != nil {
			return err
		}
		result := tx.Delete(&models.Challenge{}, id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

func (r *labRepository) NextChallengePosition(ctx context.Context, labID uint) (int, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.Challenge{}).Where("lab_id = ?", labID).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

func (r *labRepository) CreateTargetCode(ctx context.Context, target *models.TargetCode) error {
	return r.db.WithContext(ctx).Create(target).Error
}

func (r *labRepository) GetTargetCode(ctx context.Context, id uint) (models.TargetCode, error) {
	var target models.TargetCode
	if err := r.db.WithContext(ctx).First(&target, id).Error; err != nil {
		return models.TargetCode{}, err
	}
	return target, nil
}

func (r *labRepository) UpdateTargetCode(ctx context.Context, target *models.TargetCode) error {
	return r.db.WithContext(ctx).Save(target).Error
}

func (r *labRepository) DeleteTargetCode(ctx context.Context, id uint) error {
	result := r.db.WithContext(ctx).Delete(&models.TargetCode{}, id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *labRepository) CountTargetCodes(ctx context.Context, challengeID uint) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.TargetCode{}).Where("challenge_id = ?", challengeID).Count(&count).Error
	return count, err
}

// NextTargetPosition returns one past the highest position in the challenge,
// so deleted targets never cause a repeated position.
func (r *labRepository) NextTargetPosition(ctx context.Context, challengeID uint) (int, error) {
	var next int
	err := r.db.WithContext(ctx).
		Model(&models.TargetCode{}).
		Where("challenge_id = ?", challengeID).
		Select("COALESCE(MAX(position), -1) + 1").
		Scan(&next).Error
	return next, err
}
