package dto

import (
	"time"

	"github.com/noah-isme/gema-lab-api/internal/models"
)

// SubmissionRequest carries a student's source code.
type SubmissionRequest struct {
	Source string `json:"source" validate:"required,max=65536"`
}

// LateDecisionRequest identifies the attempt an instructor decides on.
type LateDecisionRequest struct {
	StudentID    uint     `json:"student_id" validate:"required"`
	TargetCodeID uint     `json:"target_code_id" validate:"required"`
	NewMaxScore  *float64 `json:"new_max_score" validate:"omitempty,gt=0"`
}

// StatementCheck reports the enforced statement outcome.
type StatementCheck struct {
	Required string `json:"required"`
	Found    bool   `json:"found"`
}

// AttemptResponse represents a graded attempt.
type AttemptResponse struct {
	AssignmentID           string                 `json:"assignment_id"`
	StudentID              uint                   `json:"student_id"`
	TargetCodeID           uint                   `json:"target_code_id"`
	Language               string                 `json:"language"`
	Comparisons            []models.Comparison    `json:"comparisons"`
	Score                  float64                `json:"score"`
	Completed              bool                   `json:"completed"`
	Status                 string                 `json:"status"`
	EvaluatedAt            *time.Time             `json:"evaluated_at"`
	StatementCheck         *StatementCheck        `json:"statement_check,omitempty"`
	LateRequestStatus      *string                `json:"late_request_status,omitempty"`
	LateSubmissionMaxScore *float64               `json:"late_submission_max_score,omitempty"`
	Feedback               map[string]interface{} `json:"feedback,omitempty"`
}

// NewAttemptResponse builds a response DTO from the model.
func NewAttemptResponse(attempt models.Attempt) AttemptResponse {
	comparisons := attempt.ComparisonList()
	if comparisons == nil {
		comparisons = []models.Comparison{}
	}

	response := AttemptResponse{
		AssignmentID:           attempt.AssignmentID,
		StudentID:              attempt.StudentID,
		TargetCodeID:           attempt.TargetCodeID,
		Language:               string(attempt.Language),
		Comparisons:            comparisons,
		Score:                  attempt.Score,
		Completed:              attempt.Completed,
		Status:                 attempt.Status,
		EvaluatedAt:            attempt.EvaluatedAt,
		LateRequestStatus:      attempt.LateRequestStatus,
		LateSubmissionMaxScore: attempt.LateSubmissionMaxScore,
	}
	if attempt.StatementRequired != nil {
		check := StatementCheck{Required: *attempt.StatementRequired}
		if attempt.StatementFound != nil {
			check.Found = *attempt.StatementFound
		}
		response.StatementCheck = &check
	}
	if len(attempt.Feedback) > 0 {
		response.Feedback = map[string]interface{}(attempt.Feedback)
	}
	return response
}

// NewAttemptResponses converts a slice of attempts.
func NewAttemptResponses(attempts []models.Attempt) []AttemptResponse {
	items := make([]AttemptResponse, 0, len(attempts))
	for _, attempt := range attempts {
		items = append(items, NewAttemptResponse(attempt))
	}
	return items
}

// ProgressColumn identifies one exported score column.
type ProgressColumn struct {
	AssignmentID string `json:"assignment_id"`
	LabID        uint   `json:"lab_id"`
	ChallengeID  uint   `json:"challenge_id"`
	TargetCodeID uint   `json:"target_code_id"`
	Label        string `json:"label"`
}

// ProgressRow holds one student's scores aligned with the columns.
type ProgressRow struct {
	StudentID uint       `json:"student_id"`
	Alias     string     `json:"alias"`
	Scores    []*float64 `json:"scores"`
}

// ProgressExport is the class progress report.
type ProgressExport struct {
	ClassID     uint             `json:"class_id"`
	GeneratedAt time.Time        `json:"generated_at"`
	Columns     []ProgressColumn `json:"columns"`
	Rows        []ProgressRow    `json:"rows"`
}

// PublishedExport describes an uploaded export snapshot.
type PublishedExport struct {
	URL         string    `json:"url"`
	GeneratedAt time.Time `json:"generated_at"`
}
