package dto

import (
	"time"

	"github.com/noah-isme/gema-lab-api/internal/models"
)

// LabFilter defines query parameters for listing labs.
type LabFilter struct {
	Visibility string `query:"visibility"`
	Search     string `query:"search"`
	Mine       bool   `query:"mine"`
	Page       int    `query:"page"`
	PageSize   int    `query:"page_size"`
}

// Pagination describes pagination metadata for list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalItems int `json:"total_items"`
}

// LabCreateRequest is the payload for authoring a lab.
type LabCreateRequest struct {
	Title          string `json:"title" validate:"required,max=255"`
	TitleAlt       string `json:"title_alt" validate:"omitempty,max=255"`
	Description    string `json:"description"`
	DescriptionAlt string `json:"description_alt"`
	Visibility     string `json:"visibility" validate:"required,oneof=personal institutional global"`
}

// ChallengeCreateRequest is the payload for adding a week to a lab.
type ChallengeCreateRequest struct {
	Title       string `json:"title" validate:"required,max=255"`
	Description string `json:"description"`
	Language    string `json:"language" validate:"required"`
}

// TargetCodeRequest creates or replaces a target code.
type TargetCodeRequest struct {
	Source             string   `json:"source" validate:"required"`
	Description        string   `json:"description"`
	EnforcedStatement  *string  `json:"enforced_statement"`
	RequiredSimilarity *float64 `json:"required_similarity" validate:"omitempty,gte=0,lte=100"`
	Points             int      `json:"points" validate:"required,gt=0"`
	TestCases          []string `json:"test_cases" validate:"max=3"`
}

// TargetCodeResponse represents a target code.
type TargetCodeResponse struct {
	ID                 uint     `json:"id"`
	ChallengeID        uint     `json:"challenge_id"`
	Position           int      `json:"position"`
	Source             string   `json:"source"`
	Description        string   `json:"description"`
	EnforcedStatement  *string  `json:"enforced_statement,omitempty"`
	RequiredSimilarity float64  `json:"required_similarity"`
	Points             int      `json:"points"`
	TestCases          []string `json:"test_cases"`
}

// ChallengeResponse represents a challenge with its target codes.
type ChallengeResponse struct {
	ID          uint                 `json:"id"`
	LabID       uint                 `json:"lab_id"`
	Position    int                  `json:"position"`
	Title       string               `json:"title"`
	Description string               `json:"description"`
	Language    string               `json:"language"`
	TargetCodes []TargetCodeResponse `json:"target_codes"`
}

// LabResponse represents a lab.
type LabResponse struct {
	ID             uint                `json:"id"`
	Title          string              `json:"title"`
	TitleAlt       string              `json:"title_alt"`
	Description    string              `json:"description"`
	DescriptionAlt string              `json:"description_alt"`
	Visibility     string              `json:"visibility"`
	CreatorID      uint                `json:"creator_id"`
	CreatedAt      time.Time           `json:"created_at"`
	Challenges     []ChallengeResponse `json:"challenges"`
}

// LabListResponse wraps labs and pagination metadata.
type LabListResponse struct {
	Items      []LabResponse `json:"items"`
	Pagination Pagination    `json:"pagination"`
}

// NewTargetCodeResponse builds a response DTO from the model.
func NewTargetCodeResponse(target models.TargetCode) TargetCodeResponse {
	testCases := target.TestCaseList()
	if testCases == nil {
		testCases = []string{}
	}
	return TargetCodeResponse{
		ID:                 target.ID,
		ChallengeID:        target.ChallengeID,
		Position:           target.Position,
		Source:             target.Source,
		Description:        target.Description,
		EnforcedStatement:  target.EnforcedStatement,
		RequiredSimilarity: target.RequiredSimilarity,
		Points:             target.Points,
		TestCases:          testCases,
	}
}

// NewChallengeResponse builds a response DTO from the model.
func NewChallengeResponse(challenge models.Challenge) ChallengeResponse {
	targets := make([]TargetCodeResponse, 0, len(challenge.TargetCodes))
	for _, target := range challenge.TargetCodes {
		targets = append(targets, NewTargetCodeResponse(target))
	}
	return ChallengeResponse{
		ID:          challenge.ID,
		LabID:       challenge.LabID,
		Position:    challenge.Position,
		Title:       challenge.Title,
		Description: challenge.Description,
		Language:    string(challenge.Language),
		TargetCodes: targets,
	}
}

// NewLabResponse builds a response DTO from the model.
func NewLabResponse(lab models.Lab) LabResponse {
	challenges := make([]ChallengeResponse, 0, len(lab.Challenges))
	for _, challenge := range lab.Challenges {
		challenges = append(challenges, NewChallengeResponse(challenge))
	}
	return LabResponse{
		ID:             lab.ID,
		Title:          lab.Title,
		TitleAlt:       lab.TitleAlt,
		Description:    lab.Description,
		DescriptionAlt: lab.DescriptionAlt,
		Visibility:     lab.Visibility,
		CreatorID:      lab.CreatorID,
		CreatedAt:      lab.CreatedAt,
		Challenges:     challenges,
	}
}

// NewLabListResponse builds a list response from models and pagination meta.
func NewLabListResponse(labs []models.Lab, pagination Pagination) LabListResponse {
	items := make([]LabResponse, 0, len(labs))
	for _, lab := range labs {
		items = append(items, NewLabResponse(lab))
	}
	return LabListResponse{Items: items, Pagination: pagination}
}
