package models

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// Attempt statuses.
const (
	AttemptStatusWellDone = "well-done"
	AttemptStatusGood     = "good"
	AttemptStatusFail     = "fail"
)

// Late request states.
const (
	LateRequestRequested = "requested"
	LateRequestApproved  = "approved"
	LateRequestDenied    = "denied"
)

// AttemptKey identifies the single attempt a student holds for one target
// code inside one class assignment.
type AttemptKey struct {
	AssignmentID string
	StudentID    uint
	TargetCodeID uint
}

// String renders the key for logs and lock names.
func (k AttemptKey) String() string {
	return fmt.Sprintf("%s/%d/%d", k.AssignmentID, k.StudentID, k.TargetCodeID)
}

// Comparison is the outcome of one output comparison.
type Comparison struct {
	Input      string  `json:"input"`
	Passed     bool    `json:"passed"`
	Similarity float64 `json:"similarity"`
	TimedOut   bool    `json:"timed_out,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// Attempt is a student's latest graded submission for a target code.
// Re-submissions overwrite the row identified by AttemptKey.
type Attempt struct {
	ID                     uint              `gorm:"primaryKey" json:"id"`
	AssignmentID           string            `gorm:"type:varchar(36);not null;uniqueIndex:idx_attempt_key" json:"assignment_id"`
	StudentID              uint              `gorm:"not null;uniqueIndex:idx_attempt_key" json:"student_id"`
	TargetCodeID           uint              `gorm:"not null;uniqueIndex:idx_attempt_key" json:"target_code_id"`
	Source                 string            `gorm:"type:text" json:"source"`
	Language               Language          `gorm:"size:32" json:"language"`
	Comparisons            datatypes.JSON    `gorm:"type:json" json:"-"`
	Score                  float64           `gorm:"not null;default:0" json:"score"`
	Completed              bool              `gorm:"not null;default:false" json:"completed"`
	Status                 string            `gorm:"size:16;not null" json:"status"`
	EvaluatedAt            *time.Time        `json:"evaluated_at"`
	StatementRequired      *string           `gorm:"size:32" json:"statement_required,omitempty"`
	StatementFound         *bool             `json:"statement_found,omitempty"`
	LateRequestStatus      *string           `gorm:"size:16" json:"late_request_status,omitempty"`
	LateSubmissionMaxScore *float64          `json:"late_submission_max_score,omitempty"`
	Feedback               datatypes.JSONMap `json:"feedback,omitempty"`
	CreatedAt              time.Time         `json:"created_at"`
	UpdatedAt              time.Time         `json:"updated_at"`
}

// Key returns the composite identity of the attempt.
func (a Attempt) Key() AttemptKey {
	return AttemptKey{AssignmentID: a.AssignmentID, StudentID: a.StudentID, TargetCodeID: a.TargetCodeID}
}

// SetComparisons stores the per-test-case results.
func (a *Attempt) SetComparisons(results []Comparison) {
	if results == nil {
		results = []Comparison{}
	}
	data, err := json.Marshal(results)
	if err != nil {
		a.Comparisons = datatypes.JSON([]byte("[]"))
		return
	}
	a.Comparisons = datatypes.JSON(data)
}

// ComparisonList returns the stored per-test-case results.
func (a Attempt) ComparisonList() []Comparison {
	if len(a.Comparisons) == 0 {
		return nil
	}

	var results []Comparison
	if err := json.Unmarshal(a.Comparisons, &results); err != nil {
		return nil
	}
	return results
}

// LateStatus returns the late request state or an empty string.
func (a Attempt) LateStatus() string {
	if a.LateRequestStatus == nil {
		return ""
	}
	return *a.LateRequestStatus
}

// LateApproved reports whether a late submission was approved.
func (a Attempt) LateApproved() bool {
	return a.LateStatus() == LateRequestApproved
}

// EffectiveMaxScore is the late ceiling when present, otherwise points.
func (a Attempt) EffectiveMaxScore(points int) float64 {
	if a.LateSubmissionMaxScore != nil {
		return *a.LateSubmissionMaxScore
	}
	return float64(points)
}
