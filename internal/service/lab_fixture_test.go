package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-lab-api/internal/dto"
	"github.com/noah-isme/gema-lab-api/internal/models"
	"github.com/noah-isme/gema-lab-api/internal/repository"
	"github.com/noah-isme/gema-lab-api/internal/runner"
)

const (
	instructorID = uint(10)
	studentID    = uint(20)
	outsiderID   = uint(30)
)

// markerRunner interprets markers embedded in the source: the default program
// echoes stdin, TWICE echoes it twice, NEWLINE appends a newline, CRASH exits
// non-zero, LOOP times out and INFRA fails the runner itself.
type markerRunner struct {
	calls atomic.Int32
	delay time.Duration
}

func (r *markerRunner) Run(_ context.Context, req runner.Request) (runner.Result, error) {
	r.calls.Add(1)
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	switch {
	case strings.Contains(req.Source, "INFRA"):
		return runner.Result{}, errors.New("docker daemon unreachable")
	case strings.Contains(req.Source, "CRASH"):
		return runner.Result{ExitCode: 1, Stderr: "segmentation fault"}, nil
	case strings.Contains(req.Source, "LOOP"):
		return runner.Result{TimedOut: true}, nil
	case strings.Contains(req.Source, "TWICE"):
		return runner.Result{Stdout: req.Stdin + req.Stdin}, nil
	case strings.Contains(req.Source, "NEWLINE"):
		return runner.Result{Stdout: req.Stdin + "\n"}, nil
	default:
		return runner.Result{Stdout: req.Stdin}, nil
	}
}

type countingProgressCache struct {
	mu          sync.Mutex
	invalidated []uint
}

func (c *countingProgressCache) Get(context.Context, uint) (dto.ProgressExport, bool, error) {
	return dto.ProgressExport{}, false, nil
}

func (c *countingProgressCache) Set(context.Context, uint, dto.ProgressExport) error { return nil }

func (c *countingProgressCache) Invalidate(_ context.Context, classID uint) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = append(c.invalidated, classID)
	return nil
}

func (c *countingProgressCache) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.invalidated)
}

type labFixture struct {
	db          *gorm.DB
	labs        repository.LabRepository
	classes     repository.ClassRepository
	assignments repository.ClassAssignmentRepository
	attempts    repository.AttemptRepository
	validate    *validator.Validate

	class      models.Class
	lab        models.Lab
	challenge  models.Challenge
	target     models.TargetCode
	assignment models.ClassAssignment
	instructor Actor
	student    Actor
}

func newLabFixture(t *testing.T, language models.Language, configure func(*models.TargetCode)) *labFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&models.Lab{}, &models.Challenge{}, &models.TargetCode{},
		&models.Class{}, &models.ClassMember{}, &models.ClassAssignment{}, &models.Attempt{},
	))

	f := &labFixture{
		db:          db,
		labs:        repository.NewLabRepository(db),
		classes:     repository.NewClassRepository(db),
		assignments: repository.NewClassAssignmentRepository(db),
		attempts:    repository.NewAttemptRepository(db),
		validate:    validator.New(),
		instructor:  Actor{ID: instructorID, Role: RoleTeacher},
		student:     Actor{ID: studentID, Role: RoleStudent},
	}

	ctx := context.Background()
	f.class = models.Class{Name: "XI RPL 1", InstructorID: instructorID}
	require.NoError(t, f.classes.Create(ctx, &f.class))
	require.NoError(t, f.classes.AddMember(ctx, &models.ClassMember{ClassID: f.class.ID, StudentID: studentID, Alias: "Budi", Active: true}))

	f.lab = models.Lab{Title: "Dasar Pemrograman", Visibility: models.VisibilityInstitutional, CreatorID: instructorID}
	require.NoError(t, f.labs.CreateLab(ctx, &f.lab))
	f.challenge = models.Challenge{LabID: f.lab.ID, Title: "Week 1", Language: language}
	require.NoError(t, f.labs.CreateChallenge(ctx, &f.challenge))

	f.target = models.TargetCode{
		ChallengeID:        f.challenge.ID,
		Source:             "int main() { return 0; }",
		RequiredSimilarity: 95,
		Points:             100,
	}
	f.target.SetTestCases([]string{"5"})
	if configure != nil {
		configure(&f.target)
	}
	require.NoError(t, f.labs.CreateTargetCode(ctx, &f.target))

	f.assignment = models.ClassAssignment{ID: uuid.NewString(), ClassID: f.class.ID, LabID: f.lab.ID, ChallengeID: f.challenge.ID}
	require.NoError(t, f.assignments.Create(ctx, &f.assignment))

	return f
}

func (f *labFixture) addStudent(t *testing.T, id uint, alias string, active bool) {
	t.Helper()
	member := models.ClassMember{ClassID: f.class.ID, StudentID: id, Alias: alias, Active: true}
	require.NoError(t, f.classes.AddMember(context.Background(), &member))
	if !active {
		require.NoError(t, f.db.Model(&member).Update("active", false).Error)
	}
}

func (f *labFixture) expire(t *testing.T, at time.Time) {
	t.Helper()
	require.NoError(t, f.assignments.UpdateExpiry(context.Background(), f.assignment.ID, &at))
	f.assignment.ExpiresAt = &at
}

func (f *labFixture) key(student uint) models.AttemptKey {
	return models.AttemptKey{AssignmentID: f.assignment.ID, StudentID: student, TargetCodeID: f.target.ID}
}

type evaluatorOption func(*EvaluationDeps)

func (f *labFixture) evaluator(run runner.Runner, now time.Time, opts ...evaluatorOption) *evaluationService {
	deps := EvaluationDeps{
		Classes:     f.classes,
		Labs:        f.labs,
		Assignments: f.assignments,
		Attempts:    f.attempts,
		Students:    run,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	svc := NewEvaluationService(deps, EvaluationConfig{RunTimeout: time.Second}, zerolog.Nop()).(*evaluationService)
	svc.now = func() time.Time { return now }
	return svc
}

func (f *labFixture) submit(t *testing.T, svc EvaluationService, source string) (models.Attempt, error) {
	t.Helper()
	return svc.Evaluate(context.Background(), EvaluateInput{
		AssignmentID: f.assignment.ID,
		TargetCodeID: f.target.ID,
		StudentID:    studentID,
		Source:       source,
	})
}
