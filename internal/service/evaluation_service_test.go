package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-lab-api/internal/models"
	"github.com/noah-isme/gema-lab-api/internal/runner"
	"github.com/noah-isme/gema-lab-api/pkg/ai"
)

type stubAssessor struct {
	assessment ai.Assessment
	err        error
}

func (s stubAssessor) Assess(context.Context, ai.AssessmentInput) (ai.Assessment, error) {
	return s.assessment, s.err
}

func TestEvaluateMatchingProgramIsWellDone(t *testing.T) {
	f := newLabFixture(t, models.LanguageC, nil)
	svc := f.evaluator(&markerRunner{}, time.Now())

	attempt, err := f.submit(t, svc, "int main() { /* echo */ }")
	require.NoError(t, err)

	assert.Equal(t, models.AttemptStatusWellDone, attempt.Status)
	assert.Equal(t, 100.0, attempt.Score)
	assert.True(t, attempt.Completed)
	require.Len(t, attempt.ComparisonList(), 1)
	assert.Equal(t, "5", attempt.ComparisonList()[0].Input)
	assert.Equal(t, 100.0, attempt.ComparisonList()[0].Similarity)
	require.NotNil(t, attempt.EvaluatedAt)

	stored, err := f.attempts.Get(context.Background(), f.key(studentID))
	require.NoError(t, err)
	assert.Equal(t, attempt.Score, stored.Score)
	assert.Equal(t, "int main() { /* echo */ }", stored.Source)
}

func TestEvaluateTrailingNewlineStillPasses(t *testing.T) {
	f := newLabFixture(t, models.LanguageC, nil)
	svc := f.evaluator(&markerRunner{}, time.Now())

	attempt, err := f.submit(t, svc, "/* NEWLINE */")
	require.NoError(t, err)

	assert.Equal(t, models.AttemptStatusWellDone, attempt.Status)
	assert.Equal(t, 100.0, attempt.Score)
}

func TestEvaluateWrongOutputFails(t *testing.T) {
	f := newLabFixture(t, models.LanguageC, nil)
	svc := f.evaluator(&markerRunner{}, time.Now())

	attempt, err := f.submit(t, svc, "/* TWICE */")
	require.NoError(t, err)

	assert.Equal(t, models.AttemptStatusFail, attempt.Status)
	assert.Equal(t, 0.0, attempt.Score)
	assert.False(t, attempt.Completed)
	comparison := attempt.ComparisonList()[0]
	assert.False(t, comparison.Passed)
	assert.Equal(t, 50.0, comparison.Similarity)
}

func TestEvaluatePartialCreditAcrossTestCases(t *testing.T) {
	f := newLabFixture(t, models.LanguageC, func(target *models.TargetCode) {
		target.Points = 30
		target.SetTestCases([]string{"", "1", "2"})
	})
	svc := f.evaluator(&markerRunner{}, time.Now())

	// Doubling keeps the empty input intact and breaks the other two.
	attempt, err := f.submit(t, svc, "/* TWICE */")
	require.NoError(t, err)

	assert.Equal(t, models.AttemptStatusGood, attempt.Status)
	assert.Equal(t, 10.0, attempt.Score)
	assert.True(t, attempt.Completed)
	assert.Len(t, attempt.ComparisonList(), 3)
}

func TestEvaluateScoreIsRoundedToTwoDecimals(t *testing.T) {
	f := newLabFixture(t, models.LanguageC, func(target *models.TargetCode) {
		target.Points = 10
		target.SetTestCases([]string{"", "1", "2"})
	})
	svc := f.evaluator(&markerRunner{}, time.Now())

	attempt, err := f.submit(t, svc, "/* TWICE */")
	require.NoError(t, err)
	assert.Equal(t, 3.33, attempt.Score)
}

func TestEvaluateEnforcedStatementPenalty(t *testing.T) {
	loop := "for"
	f := newLabFixture(t, models.LanguageC, func(target *models.TargetCode) {
		target.EnforcedStatement = &loop
	})
	svc := f.evaluator(&markerRunner{}, time.Now())

	attempt, err := f.submit(t, svc, "int main() { puts(\"5\"); /* for later */ }")
	require.NoError(t, err)
	assert.Equal(t, 50.0, attempt.Score)
	assert.Equal(t, models.AttemptStatusGood, attempt.Status)
	require.NotNil(t, attempt.StatementFound)
	assert.False(t, *attempt.StatementFound)

	attempt, err = f.submit(t, svc, "int main() { for (int i = 0; i < 1; i++) {} }")
	require.NoError(t, err)
	assert.Equal(t, 100.0, attempt.Score)
	assert.Equal(t, models.AttemptStatusWellDone, attempt.Status)
	assert.True(t, *attempt.StatementFound)
}

func TestEvaluateIsIdempotent(t *testing.T) {
	f := newLabFixture(t, models.LanguageC, func(target *models.TargetCode) {
		target.SetTestCases([]string{"", "7"})
	})
	svc := f.evaluator(&markerRunner{}, time.Now())

	first, err := f.submit(t, svc, "/* TWICE */")
	require.NoError(t, err)
	second, err := f.submit(t, svc, "/* TWICE */")
	require.NoError(t, err)

	assert.Equal(t, first.Score, second.Score)
	assert.Equal(t, first.Status, second.Status)
	assert.JSONEq(t, string(first.Comparisons), string(second.Comparisons))

	var count int64
	require.NoError(t, f.db.Model(&models.Attempt{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestEvaluateSubmissionWindowBoundary(t *testing.T) {
	f := newLabFixture(t, models.LanguageC, nil)
	expiry := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.expire(t, expiry)

	_, err := f.submit(t, f.evaluator(&markerRunner{}, expiry), "/* TWICE */")
	require.NoError(t, err)

	_, err = f.submit(t, f.evaluator(&markerRunner{}, expiry.Add(time.Millisecond)), "/* TWICE */")
	assert.ErrorIs(t, err, ErrSubmissionWindowClosed)
}

func TestEvaluateCompletedAttemptMayImproveAfterExpiry(t *testing.T) {
	f := newLabFixture(t, models.LanguageC, func(target *models.TargetCode) {
		target.SetTestCases([]string{"", "1"})
	})
	expiry := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.expire(t, expiry)

	attempt, err := f.submit(t, f.evaluator(&markerRunner{}, expiry.Add(-time.Hour)), "/* TWICE */")
	require.NoError(t, err)
	require.True(t, attempt.Completed)

	attempt, err = f.submit(t, f.evaluator(&markerRunner{}, expiry.Add(time.Hour)), "echo")
	require.NoError(t, err)
	assert.Equal(t, models.AttemptStatusWellDone, attempt.Status)
}

func TestEvaluateStudentFaultsFailTheComparison(t *testing.T) {
	f := newLabFixture(t, models.LanguageC, nil)
	svc := f.evaluator(&markerRunner{}, time.Now())

	crashed, err := f.submit(t, svc, "/* CRASH */")
	require.NoError(t, err)
	assert.Equal(t, models.AttemptStatusFail, crashed.Status)
	assert.Equal(t, "exited with status 1", crashed.ComparisonList()[0].Error)

	looped, err := f.submit(t, svc, "/* LOOP */")
	require.NoError(t, err)
	comparison := looped.ComparisonList()[0]
	assert.True(t, comparison.TimedOut)
	assert.False(t, comparison.Passed)
	assert.Equal(t, 0.0, looped.Score)
}

func TestEvaluateStudentRunnerOutage(t *testing.T) {
	f := newLabFixture(t, models.LanguageC, nil)
	svc := f.evaluator(&markerRunner{}, time.Now())

	_, err := f.submit(t, svc, "/* INFRA */")
	assert.ErrorIs(t, err, ErrRunnerUnavailable)

	_, err = f.attempts.Get(context.Background(), f.key(studentID))
	assert.Error(t, err)
}

func TestEvaluateBrokenTargetIsReported(t *testing.T) {
	f := newLabFixture(t, models.LanguageC, func(target *models.TargetCode) {
		target.Source = "int main() { /* CRASH */ }"
	})
	svc := f.evaluator(&markerRunner{}, time.Now())

	_, err := f.submit(t, svc, "echo")
	var targetErr *TargetExecutionError
	require.True(t, errors.As(err, &targetErr))
	assert.Equal(t, f.target.ID, targetErr.TargetCodeID)
	assert.Equal(t, 1, targetErr.Result.ExitCode)

	_, err = f.attempts.Get(context.Background(), f.key(studentID))
	assert.Error(t, err)
}

func TestEvaluateRejectsOutsiders(t *testing.T) {
	f := newLabFixture(t, models.LanguageC, nil)
	f.addStudent(t, outsiderID, "Sari", false)
	svc := f.evaluator(&markerRunner{}, time.Now())

	_, err := svc.Evaluate(context.Background(), EvaluateInput{AssignmentID: f.assignment.ID, TargetCodeID: f.target.ID, StudentID: outsiderID, Source: "echo"})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = svc.Evaluate(context.Background(), EvaluateInput{AssignmentID: f.assignment.ID, TargetCodeID: f.target.ID, StudentID: 999, Source: "echo"})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestEvaluateUnknownReferences(t *testing.T) {
	f := newLabFixture(t, models.LanguageC, nil)
	svc := f.evaluator(&markerRunner{}, time.Now())

	_, err := svc.Evaluate(context.Background(), EvaluateInput{AssignmentID: "missing", TargetCodeID: f.target.ID, StudentID: studentID, Source: "echo"})
	assert.ErrorIs(t, err, ErrNotFound)

	other := models.Challenge{LabID: f.lab.ID, Title: "Week 2", Language: models.LanguageC}
	require.NoError(t, f.labs.CreateChallenge(context.Background(), &other))
	stray := models.TargetCode{ChallengeID: other.ID, Source: "echo", Points: 10, RequiredSimilarity: 95}
	require.NoError(t, f.labs.CreateTargetCode(context.Background(), &stray))

	_, err = svc.Evaluate(context.Background(), EvaluateInput{AssignmentID: f.assignment.ID, TargetCodeID: stray.ID, StudentID: studentID, Source: "echo"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEvaluateConcurrentSubmissionsKeepOneConsistentRow(t *testing.T) {
	f := newLabFixture(t, models.LanguageC, nil)
	svc := f.evaluator(&markerRunner{delay: 2 * time.Millisecond}, time.Now())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		source := "echo"
		if i%2 == 1 {
			source = "/* TWICE */"
		}
		wg.Add(1)
		go func(source string) {
			defer wg.Done()
			_, err := f.submit(t, svc, source)
			assert.NoError(t, err)
		}(source)
	}
	wg.Wait()

	var rows []models.Attempt
	require.NoError(t, f.db.Find(&rows).Error)
	require.Len(t, rows, 1)

	stored := rows[0]
	comparison := stored.ComparisonList()[0]
	if stored.Source == "echo" {
		assert.True(t, comparison.Passed)
		assert.Equal(t, 100.0, stored.Score)
		assert.Equal(t, models.AttemptStatusWellDone, stored.Status)
	} else {
		assert.False(t, comparison.Passed)
		assert.Equal(t, 0.0, stored.Score)
		assert.Equal(t, models.AttemptStatusFail, stored.Status)
	}
	assert.Equal(t, 0, svc.locks.size())
}

func TestEvaluateWebChallengeComparesRenderedText(t *testing.T) {
	f := newLabFixture(t, models.LanguageHTML, func(target *models.TargetCode) {
		target.Source = "<p>Hello</p>"
		target.RequiredSimilarity = 50
		target.SetTestCases([]string{"ignored"})
	})
	web := runner.NewDockerRunner(nil, runner.DockerConfig{}, zerolog.Nop())
	svc := f.evaluator(web, time.Now())

	attempt, err := f.submit(t, svc, "<div>Hello</div>")
	require.NoError(t, err)
	assert.Equal(t, models.AttemptStatusWellDone, attempt.Status)
	require.Len(t, attempt.ComparisonList(), 1)
	assert.Equal(t, "", attempt.ComparisonList()[0].Input)

	attempt, err = f.submit(t, svc, "<p>Hello!</p>")
	require.NoError(t, err)
	assert.Equal(t, models.AttemptStatusFail, attempt.Status)
}

func TestEvaluateStoresAssessorFeedback(t *testing.T) {
	f := newLabFixture(t, models.LanguageC, nil)
	assessor := stubAssessor{assessment: ai.Assessment{Summary: "Rapi", Suggestions: []string{"Tambah komentar"}, Model: "gpt-4o-mini"}}
	svc := f.evaluator(&markerRunner{}, time.Now(), func(deps *EvaluationDeps) { deps.Assessor = assessor })

	attempt, err := f.submit(t, svc, "echo")
	require.NoError(t, err)
	assert.Equal(t, "Rapi", attempt.Feedback["summary"])

	stored, err := f.attempts.Get(context.Background(), f.key(studentID))
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", stored.Feedback["model"])
}

func TestEvaluateIgnoresAssessorFailure(t *testing.T) {
	f := newLabFixture(t, models.LanguageC, nil)
	assessor := stubAssessor{err: fmt.Errorf("rate limited")}
	svc := f.evaluator(&markerRunner{}, time.Now(), func(deps *EvaluationDeps) { deps.Assessor = assessor })

	attempt, err := f.submit(t, svc, "echo")
	require.NoError(t, err)
	assert.Equal(t, 100.0, attempt.Score)
	assert.Nil(t, attempt.Feedback)
}

func TestEvaluateNotifiesAfterWrite(t *testing.T) {
	f := newLabFixture(t, models.LanguageC, nil)
	cache := &countingProgressCache{}
	stream := NewProgressStream(nil, NewEventPublisher(nil, "", zerolog.Nop()), zerolog.Nop())
	updates, cancel := stream.Subscribe(studentID)
	defer cancel()

	svc := f.evaluator(&markerRunner{}, time.Now(), func(deps *EvaluationDeps) {
		deps.Notifiers = Notifiers{Progress: cache, Stream: stream}
	})

	_, err := f.submit(t, svc, "echo")
	require.NoError(t, err)

	assert.Equal(t, 1, cache.count())
	select {
	case update := <-updates:
		assert.Equal(t, f.target.ID, update.TargetCodeID)
		assert.Equal(t, models.AttemptStatusWellDone, update.Status)
	case <-time.After(time.Second):
		t.Fatal("expected progress update")
	}
}

func TestScoreAttempt(t *testing.T) {
	cases := []struct {
		name    string
		passed  int
		total   int
		max     float64
		penalty bool
		score   float64
		status  string
	}{
		{"all passed", 3, 3, 100, false, 100, models.AttemptStatusWellDone},
		{"all passed with penalty", 3, 3, 100, true, 50, models.AttemptStatusGood},
		{"partial", 1, 3, 100, false, 33.33, models.AttemptStatusGood},
		{"partial with penalty", 2, 3, 10, true, 3.33, models.AttemptStatusGood},
		{"none", 0, 2, 100, false, 0, models.AttemptStatusFail},
		{"late ceiling", 1, 1, 50, false, 50, models.AttemptStatusWellDone},
		{"no comparisons", 0, 0, 100, false, 0, models.AttemptStatusFail},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			score, status := scoreAttempt(tc.passed, tc.total, tc.max, tc.penalty)
			assert.Equal(t, tc.score, score)
			assert.Equal(t, tc.status, status)
			assert.GreaterOrEqual(t, score, 0.0)
			assert.LessOrEqual(t, score, tc.max)
		})
	}
}
