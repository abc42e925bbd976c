package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClassAssignmentExpiryIsInclusive(t *testing.T) {
	expiry := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	assignment := ClassAssignment{ExpiresAt: &expiry}

	require.False(t, assignment.IsExpired(expiry))
	require.True(t, assignment.IsExpired(expiry.Add(time.Millisecond)))
	require.False(t, ClassAssignment{}.IsExpired(expiry.Add(time.Hour)))
}

func TestAttemptEffectiveMaxScore(t *testing.T) {
	attempt := Attempt{}
	require.Equal(t, float64(100), attempt.EffectiveMaxScore(100))

	ceiling := 50.0
	attempt.LateSubmissionMaxScore = &ceiling
	require.Equal(t, float64(50), attempt.EffectiveMaxScore(100))
}

func TestParseLanguageAliases(t *testing.T) {
	lang, ok := ParseLanguage(" C++ ")
	require.True(t, ok)
	require.Equal(t, LanguageCPP, lang)

	_, ok = ParseLanguage("ruby")
	require.False(t, ok)
	require.True(t, LanguageHTML.IsWeb())
	require.False(t, LanguagePython.IsWeb())
}

func TestTargetCodeTestCasesRoundTrip(t *testing.T) {
	target := TargetCode{}
	target.SetTestCases([]string{"5", "1 2"})
	require.Equal(t, []string{"5", "1 2"}, target.TestCaseList())
}
