package dto

import (
	"time"

	"github.com/noah-isme/gema-lab-api/internal/models"
)

// LabChallengeRef names one challenge of one lab.
type LabChallengeRef struct {
	LabID       uint `json:"lab_id" validate:"required"`
	ChallengeID uint `json:"challenge_id" validate:"required"`
}

// AssignChallengesRequest binds challenges to a class.
type AssignChallengesRequest struct {
	Challenges []LabChallengeRef `json:"challenges" validate:"required,min=1,dive"`
	ExpiresAt  *time.Time        `json:"expires_at"`
}

// ExpiryRequest replaces or clears an assignment expiry.
type ExpiryRequest struct {
	ExpiresAt *time.Time `json:"expires_at"`
}

// ClassAssignmentResponse represents an assignment of a class.
type ClassAssignmentResponse struct {
	ID          string     `json:"id"`
	ClassID     uint       `json:"class_id"`
	LabID       uint       `json:"lab_id"`
	ChallengeID uint       `json:"challenge_id"`
	ExpiresAt   *time.Time `json:"expires_at"`
	Expired     bool       `json:"expired"`
	CreatedAt   time.Time  `json:"created_at"`
}

// AssignResultResponse reports created and skipped pairs.
type AssignResultResponse struct {
	Created []ClassAssignmentResponse `json:"created"`
	Skipped []LabChallengeRef         `json:"skipped"`
}

// NewClassAssignmentResponse builds a response DTO from the model.
func NewClassAssignmentResponse(assignment models.ClassAssignment, now time.Time) ClassAssignmentResponse {
	return ClassAssignmentResponse{
		ID:          assignment.ID,
		ClassID:     assignment.ClassID,
		LabID:       assignment.LabID,
		ChallengeID: assignment.ChallengeID,
		ExpiresAt:   assignment.ExpiresAt,
		Expired:     assignment.IsExpired(now),
		CreatedAt:   assignment.CreatedAt,
	}
}

// NewClassAssignmentResponses converts a slice of assignments.
func NewClassAssignmentResponses(assignments []models.ClassAssignment, now time.Time) []ClassAssignmentResponse {
	items := make([]ClassAssignmentResponse, 0, len(assignments))
	for _, assignment := range assignments {
		items = append(items, NewClassAssignmentResponse(assignment, now))
	}
	return items
}
