package ai

import "context"

// AssessmentInput contains the graded submission to comment on.
type AssessmentInput struct {
	Language    string
	Source      string
	Description string
	Score       float64
	MaxScore    float64
	Status      string
}

// Assessment is qualitative feedback. It never influences the score.
type Assessment struct {
	Summary     string   `json:"summary"`
	Strengths   []string `json:"strengths,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
	Model       string   `json:"model"`
}

// Assessor describes an AI model capable of reviewing student code.
type Assessor interface {
	Assess(ctx context.Context, input AssessmentInput) (Assessment, error)
}
