package models

import (
	"encoding/json"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Language identifies the programming language of a challenge.
type Language string

// Supported languages.
const (
	LanguageC          Language = "c"
	LanguageCPP        Language = "cpp"
	LanguageJava       Language = "java"
	LanguagePython     Language = "python"
	LanguageJavaScript Language = "javascript"
	LanguageGo         Language = "go"
	LanguageHTML       Language = "html"
	LanguageCSS        Language = "css"
)

// Languages lists every supported language.
var Languages = []Language{
	LanguageC, LanguageCPP, LanguageJava, LanguagePython,
	LanguageJavaScript, LanguageGo, LanguageHTML, LanguageCSS,
}

// ParseLanguage normalises a language tag and reports whether it is supported.
func ParseLanguage(value string) (Language, bool) {
	lang := Language(strings.ToLower(strings.TrimSpace(value)))
	switch lang {
	case "c++":
		lang = LanguageCPP
	case "js":
		lang = LanguageJavaScript
	case "golang":
		lang = LanguageGo
	}
	for _, candidate := range Languages {
		if candidate == lang {
			return lang, true
		}
	}
	return "", false
}

// IsWeb reports whether the language is rendered rather than fed test input.
func (l Language) IsWeb() bool {
	return l == LanguageHTML || l == LanguageCSS
}

// Lab visibility scopes.
const (
	VisibilityPersonal      = "personal"
	VisibilityInstitutional = "institutional"
	VisibilityGlobal        = "global"
)

// Default grading parameters for target codes.
const (
	DefaultRequiredSimilarity  = 95
	MaxTargetCodesPerChallenge = 10
	MaxTestCases               = 3
)

// Lab is an instructor-authored course made of weekly challenges.
type Lab struct {
	ID             uint        `gorm:"primaryKey" json:"id"`
	Title          string      `gorm:"size:255;not null" json:"title"`
	TitleAlt       string      `gorm:"size:255" json:"title_alt"`
	Description    string      `gorm:"type:text" json:"description"`
	DescriptionAlt string      `gorm:"type:text" json:"description_alt"`
	Visibility     string      `gorm:"size:32;not null;index" json:"visibility"`
	CreatorID      uint        `gorm:"not null;index" json:"creator_id"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	Challenges     []Challenge `gorm:"foreignKey:LabID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"challenges,omitempty"`
}

// Challenge is one week of a lab. All of its target codes share a language.
type Challenge struct {
	ID          uint         `gorm:"primaryKey" json:"id"`
	LabID       uint         `gorm:"not null;index" json:"lab_id"`
	Position    int          `gorm:"not null;default:0" json:"position"`
	Title       string       `gorm:"size:255;not null" json:"title"`
	Description string       `gorm:"type:text" json:"description"`
	Language    Language     `gorm:"size:32;not null" json:"language"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	TargetCodes []TargetCode `gorm:"foreignKey:ChallengeID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"target_codes,omitempty"`
}

// TargetCode is the reference solution and grading parameters for one problem.
type TargetCode struct {
	ID                 uint           `gorm:"primaryKey" json:"id"`
	ChallengeID        uint           `gorm:"not null;index" json:"challenge_id"`
	Position           int            `gorm:"not null;default:0" json:"position"`
	Source             string         `gorm:"type:text;not null" json:"source"`
	Description        string         `gorm:"type:text" json:"description"`
	EnforcedStatement  *string        `gorm:"size:32" json:"enforced_statement,omitempty"`
	RequiredSimilarity float64        `gorm:"not null;default:95" json:"required_similarity"`
	Points             int            `gorm:"not null" json:"points"`
	TestCases          datatypes.JSON `gorm:"type:json" json:"-"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// SetTestCases stores the literal stdin inputs.
func (t *TargetCode) SetTestCases(inputs []string) {
	if inputs == nil {
		inputs = []string{}
	}
	data, err := json.Marshal(inputs)
	if err != nil {
		t.TestCases = datatypes.JSON([]byte("[]"))
		return
	}
	t.TestCases = datatypes.JSON(data)
}

// TestCaseList returns the stored stdin inputs.
func (t TargetCode) TestCaseList() []string {
	if len(t.TestCases) == 0 {
		return nil
	}

	var inputs []string
	if err := json.Unmarshal(t.TestCases, &inputs); err != nil {
		return nil
	}
	return inputs
}

// Statement returns the enforced statement or an empty string.
func (t TargetCode) Statement() string {
	if t.EnforcedStatement == nil {
		return ""
	}
	return *t.EnforcedStatement
}
