package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-lab-api/internal/models"
	"github.com/noah-isme/gema-lab-api/internal/repository"
)

// Roles recognised by the lab services.
const (
	RoleAdmin   = "admin"
	RoleTeacher = "teacher"
	RoleStudent = "student"
)

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID   uint
	Role string
}

// IsAdmin reports whether the actor bypasses ownership checks.
func (a Actor) IsAdmin() bool {
	return strings.EqualFold(a.Role, RoleAdmin)
}

// Owns reports whether the actor may manage a resource owned by ownerID.
func (a Actor) Owns(ownerID uint) bool {
	return a.IsAdmin() || (a.ID != 0 && a.ID == ownerID)
}

type classAccess struct {
	classes repository.ClassRepository
}

// ownedClass loads the class and verifies the actor teaches it.
func (c classAccess) ownedClass(ctx context.Context, actor Actor, classID uint) (models.Class, error) {
	class, err := c.classes.GetByID(ctx, classID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Class{}, fmt.Errorf("class %d: %w", classID, ErrNotFound)
		}
		return models.Class{}, err
	}
	if !actor.Owns(class.InstructorID) {
		return models.Class{}, ErrForbidden
	}
	return class, nil
}

// activeMember verifies the student is currently enrolled in the class.
func (c classAccess) activeMember(ctx context.Context, classID, studentID uint) (models.ClassMember, error) {
	member, err := c.classes.GetMember(ctx, classID, studentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.ClassMember{}, ErrForbidden
		}
		return models.ClassMember{}, err
	}
	if !member.Active {
		return models.ClassMember{}, ErrForbidden
	}
	return member, nil
}
