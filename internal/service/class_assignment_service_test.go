package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-lab-api/internal/dto"
	"github.com/noah-isme/gema-lab-api/internal/models"
)

func (f *labFixture) assignmentService(cache ProgressCache) *classAssignmentService {
	return NewClassAssignmentService(f.classes, f.labs, f.assignments, f.attempts, cache, f.validate, zerolog.Nop()).(*classAssignmentService)
}

func TestAssignChallengesCreatesAndSkips(t *testing.T) {
	f := newLabFixture(t, models.LanguageC, nil)
	cache := &countingProgressCache{}
	svc := f.assignmentService(cache)
	ctx := context.Background()

	week2 := models.Challenge{LabID: f.lab.ID, Title: "Week 2", Language: models.LanguageC}
	require.NoError(t, f.labs.CreateChallenge(ctx, &week2))

	expiry := time.Date(2026, 5, 1, 10, 0, 0, 0, time.FixedZone("WIB", 7*3600))
	result, err := svc.AssignChallenges(ctx, f.instructor, f.class.ID, dto.AssignChallengesRequest{
		Challenges: []dto.LabChallengeRef{
			{LabID: f.lab.ID, ChallengeID: f.challenge.ID},
			{LabID: f.lab.ID, ChallengeID: week2.ID},
			{LabID: f.lab.ID, ChallengeID: week2.ID},
		},
		ExpiresAt: &expiry,
	})
	require.NoError(t, err)

	require.Len(t, result.Created, 1)
	assert.Equal(t, week2.ID, result.Created[0].ChallengeID)
	require.NotNil(t, result.Created[0].ExpiresAt)
	assert.Equal(t, time.UTC, result.Created[0].ExpiresAt.Location())
	assert.True(t, expiry.Equal(*result.Created[0].ExpiresAt))
	assert.Len(t, result.Skipped, 2)
	assert.Equal(t, 1, cache.count())

	count, err := f.assignments.CountByLab(ctx, f.lab.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestAssignChallengesConcurrentRequestsSkipInsteadOfFailing(t *testing.T) {
	f := newLabFixture(t, models.LanguageC, nil)
	svc := f.assignmentService(nil)
	ctx := context.Background()

	week2 := models.Challenge{LabID: f.lab.ID, Title: "Week 2", Language: models.LanguageC}
	require.NoError(t, f.labs.CreateChallenge(ctx, &week2))
	payload := dto.AssignChallengesRequest{Challenges: []dto.LabChallengeRef{{LabID: f.lab.ID, ChallengeID: week2.ID}}}

	const callers = 6
	results := make(chan dto.AssignResultResponse, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := svc.AssignChallenges(ctx, f.instructor, f.class.ID, payload)
			assert.NoError(t, err)
			results <- result
		}()
	}
	wg.Wait()
	close(results)

	created, skipped := 0, 0
	for result := range results {
		created += len(result.Created)
		skipped += len(result.Skipped)
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, callers-1, skipped)
}

func TestAssignChallengesRejectsMismatchedLab(t *testing.T) {
	f := newLabFixture(t, models.LanguageC, nil)
	svc := f.assignmentService(nil)
	ctx := context.Background()

	other := models.Lab{Title: "Struktur Data", Visibility: models.VisibilityGlobal, CreatorID: instructorID}
	require.NoError(t, f.labs.CreateLab(ctx, &other))
	week := models.Challenge{LabID: other.ID, Title: "Stack", Language: models.LanguageC}
	require.NoError(t, f.labs.CreateChallenge(ctx, &week))

	_, err := svc.AssignChallenges(ctx, f.instructor, f.class.ID, dto.AssignChallengesRequest{
		Challenges: []dto.LabChallengeRef{
			{LabID: other.ID, ChallengeID: week.ID},
			{LabID: other.ID, ChallengeID: f.challenge.ID},
		},
	})
	assert.ErrorIs(t, err, ErrNotFound)

	count, err := f.assignments.CountByLab(ctx, other.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestAssignChallengesRequiresOwnership(t *testing.T) {
	f := newLabFixture(t, models.LanguageC, nil)
	svc := f.assignmentService(nil)
	request := dto.AssignChallengesRequest{Challenges: []dto.LabChallengeRef{{LabID: f.lab.ID, ChallengeID: f.challenge.ID}}}

	_, err := svc.AssignChallenges(context.Background(), Actor{ID: outsiderID, Role: RoleTeacher}, f.class.ID, request)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = svc.AssignChallenges(context.Background(), f.instructor, f.class.ID, dto.AssignChallengesRequest{})
	var validationErrs validator.ValidationErrors
	assert.ErrorAs(t, err, &validationErrs)
}

func TestUnassignChallengeDropsAttempts(t *testing.T) {
	f := newLabFixture(t, models.LanguageC, nil)
	cache := &countingProgressCache{}
	svc := f.assignmentService(cache)
	ctx := context.Background()

	_, err := f.submit(t, f.evaluator(&markerRunner{}, time.Now()), "echo")
	require.NoError(t, err)

	require.NoError(t, svc.UnassignChallenge(ctx, f.instructor, f.class.ID, f.assignment.ID))
	assert.Equal(t, 1, cache.count())

	var count int64
	require.NoError(t, f.db.Model(&models.Attempt{}).Count(&count).Error)
	assert.Zero(t, count)

	err = svc.UnassignChallenge(ctx, f.instructor, f.class.ID, f.assignment.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetExpiryAndIsExpired(t *testing.T) {
	f := newLabFixture(t, models.LanguageC, nil)
	svc := f.assignmentService(nil)
	expiry := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return expiry.Add(time.Second) }

	updated, err := svc.SetExpiry(context.Background(), f.instructor, f.class.ID, f.assignment.ID, &expiry)
	require.NoError(t, err)
	assert.True(t, updated.Expired)

	stored, err := f.assignments.GetByID(context.Background(), f.assignment.ID)
	require.NoError(t, err)
	assert.False(t, svc.IsExpired(stored, expiry))
	assert.True(t, svc.IsExpired(stored, expiry.Add(time.Millisecond)))

	cleared, err := svc.SetExpiry(context.Background(), f.instructor, f.class.ID, f.assignment.ID, nil)
	require.NoError(t, err)
	assert.Nil(t, cleared.ExpiresAt)
	assert.False(t, cleared.Expired)

	_, err = svc.SetExpiry(context.Background(), f.student, f.class.ID, f.assignment.ID, nil)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestListForClassVisibleToMembers(t *testing.T) {
	f := newLabFixture(t, models.LanguageC, nil)
	svc := f.assignmentService(nil)
	f.addStudent(t, outsiderID, "Sari", false)

	items, err := svc.ListForClass(context.Background(), f.student, f.class.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, f.assignment.ID, items[0].ID)

	items, err = svc.ListForClass(context.Background(), f.instructor, f.class.ID)
	require.NoError(t, err)
	assert.Len(t, items, 1)

	_, err = svc.ListForClass(context.Background(), Actor{ID: outsiderID, Role: RoleStudent}, f.class.ID)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestProgressForScopesToStudent(t *testing.T) {
	f := newLabFixture(t, models.LanguageC, nil)
	svc := f.assignmentService(nil)
	f.addStudent(t, outsiderID, "Sari", true)
	ctx := context.Background()

	_, err := f.submit(t, f.evaluator(&markerRunner{}, time.Now()), "echo")
	require.NoError(t, err)

	own, err := svc.ProgressFor(ctx, f.student, f.assignment.ID, studentID)
	require.NoError(t, err)
	require.Len(t, own, 1)
	assert.Equal(t, 100.0, own[0].Score)

	viewed, err := svc.ProgressFor(ctx, f.instructor, f.assignment.ID, studentID)
	require.NoError(t, err)
	assert.Len(t, viewed, 1)

	_, err = svc.ProgressFor(ctx, Actor{ID: outsiderID, Role: RoleStudent}, f.assignment.ID, studentID)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = svc.ProgressFor(ctx, f.student, "missing", studentID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAttemptForReturnsNilWhenAbsent(t *testing.T) {
	f := newLabFixture(t, models.LanguageC, nil)
	svc := f.assignmentService(nil)

	attempt, err := svc.AttemptFor(context.Background(), f.key(studentID))
	require.NoError(t, err)
	assert.Nil(t, attempt)

	_, err = f.submit(t, f.evaluator(&markerRunner{}, time.Now()), "echo")
	require.NoError(t, err)

	attempt, err = svc.AttemptFor(context.Background(), f.key(studentID))
	require.NoError(t, err)
	require.NotNil(t, attempt)
	assert.Equal(t, models.AttemptStatusWellDone, attempt.Status)
}
