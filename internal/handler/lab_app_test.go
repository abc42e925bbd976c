package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-lab-api/internal/config"
	"github.com/noah-isme/gema-lab-api/internal/handler"
	"github.com/noah-isme/gema-lab-api/internal/middleware"
	"github.com/noah-isme/gema-lab-api/internal/models"
	"github.com/noah-isme/gema-lab-api/internal/repository"
	"github.com/noah-isme/gema-lab-api/internal/router"
	"github.com/noah-isme/gema-lab-api/internal/runner"
	"github.com/noah-isme/gema-lab-api/internal/service"
)

const (
	teacherID  = uint(10)
	studentID  = uint(20)
	strangerID = uint(30)

	headerUser = "X-Test-User"
	headerRole = "X-Test-Role"
)

// echoRunner prints its stdin back; sources containing CRASH exit non-zero
// and sources containing INFRA fail the runner.
type echoRunner struct{}

func (echoRunner) Run(_ context.Context, req runner.Request) (runner.Result, error) {
	switch {
	case strings.Contains(req.Source, "INFRA"):
		return runner.Result{}, errors.New("docker daemon unreachable")
	case strings.Contains(req.Source, "CRASH"):
		return runner.Result{ExitCode: 139}, nil
	default:
		return runner.Result{Stdout: req.Stdin}, nil
	}
}

type uploadCapture struct {
	name string
}

func (u *uploadCapture) Upload(_ context.Context, name string, body io.Reader) (string, error) {
	if _, err := io.Copy(io.Discard, body); err != nil {
		return "", err
	}
	u.name = name
	return "https://res.cloudinary.com/demo/raw/upload/" + name, nil
}

type labAppOptions struct {
	publisher service.ExportPublisher
	limits    handler.SubmissionLimits
}

type labApp struct {
	app    *fiber.App
	db     *gorm.DB
	stream service.ProgressStream

	class      models.Class
	lab        models.Lab
	challenge  models.Challenge
	target     models.TargetCode
	assignment models.ClassAssignment
}

// fakeJWT trusts the test headers instead of a signed token.
func fakeJWT(c *fiber.Ctx) error {
	if raw := c.Get(headerUser); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return fiber.ErrUnauthorized
		}
		c.Locals(middleware.LocalUserID, uint(id))
		c.Locals(middleware.LocalUserRole, c.Get(headerRole))
	}
	return c.Next()
}

func setupLabApp(t *testing.T, opts labAppOptions) *labApp {
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

	labs := repository.NewLabRepository(db)
	classes := repository.NewClassRepository(db)
	assignments := repository.NewClassAssignmentRepository(db)
	attempts := repository.NewAttemptRepository(db)

	ctx := context.Background()
	a := &labApp{db: db}
	a.class = models.Class{Name: "XI RPL 1", InstructorID: teacherID}
	require.NoError(t, classes.Create(ctx, &a.class))
	require.NoError(t, classes.AddMember(ctx, &models.ClassMember{ClassID: a.class.ID, StudentID: studentID, Alias: "Budi", Active: true}))

	a.lab = models.Lab{Title: "Dasar Pemrograman", Visibility: models.VisibilityInstitutional, CreatorID: teacherID}
	require.NoError(t, labs.CreateLab(ctx, &a.lab))
	a.challenge = models.Challenge{LabID: a.lab.ID, Title: "Week 1", Language: models.LanguageC}
	require.NoError(t, labs.CreateChallenge(ctx, &a.challenge))
	a.target = models.TargetCode{ChallengeID: a.challenge.ID, Source: "int main() { return 0; }", RequiredSimilarity: 95, Points: 100}
	a.target.SetTestCases([]string{"5"})
	require.NoError(t, labs.CreateTargetCode(ctx, &a.target))
	a.assignment = models.ClassAssignment{ID: uuid.NewString(), ClassID: a.class.ID, LabID: a.lab.ID, ChallengeID: a.challenge.ID}
	require.NoError(t, assignments.Create(ctx, &a.assignment))

	logger := zerolog.Nop()
	validate := validator.New(validator.WithRequiredStructEnabled())
	events := service.NewEventPublisher(nil, "", logger)
	a.stream = service.NewProgressStream(nil, events, logger)
	locks := service.NewKeyedLock()
	notifiers := service.Notifiers{Events: events, Stream: a.stream}

	catalogService := service.NewCatalogService(labs, assignments, nil, validate, logger)
	assignmentService := service.NewClassAssignmentService(classes, labs, assignments, attempts, nil, validate, logger)
	evaluationService := service.NewEvaluationService(service.EvaluationDeps{
		Classes:     classes,
		Labs:        labs,
		Assignments: assignments,
		Attempts:    attempts,
		Students:    echoRunner{},
		Locks:       locks,
		Notifiers:   notifiers,
	}, service.EvaluationConfig{RunTimeout: time.Second}, logger)
	lateService := service.NewLateSubmissionService(service.LateSubmissionDeps{
		Classes:     classes,
		Labs:        labs,
		Assignments: assignments,
		Attempts:    attempts,
		Approvals:   evaluationService,
		Locks:       locks,
		Notifiers:   notifiers,
	}, validate, service.LateSubmissionConfig{}, logger)
	exportService := service.NewProgressExportService(classes, assignments, labs, attempts, nil, opts.publisher, logger)

	limits := opts.limits
	if limits.Max == 0 {
		limits.Max = 100
	}

	a.app = fiber.New()
	router.Register(a.app, config.Config{AppName: "Test"}, router.Dependencies{
		CatalogHandler:    handler.NewCatalogHandler(catalogService, logger),
		ClassHandler:      handler.NewClassHandler(assignmentService, lateService, exportService, logger),
		SubmissionHandler: handler.NewSubmissionHandler(evaluationService, assignmentService, lateService, validate, limits, logger),
		StreamHandler:     handler.NewStreamHandler(a.stream, logger),
		JWTMiddleware:     fakeJWT,
	})

	return a
}

func (a *labApp) expire(t *testing.T, at time.Time) {
	t.Helper()
	require.NoError(t, a.db.Model(&models.ClassAssignment{}).Where("id = ?", a.assignment.ID).Update("expires_at", at).Error)
}

func (a *labApp) submitPath() string {
	return "/api/v1/lab/assignments/" + a.assignment.ID + "/targets/" + strconv.FormatUint(uint64(a.target.ID), 10)
}

func (a *labApp) classPath() string {
	return "/api/v1/lab/classes/" + strconv.FormatUint(uint64(a.class.ID), 10)
}

type caller struct {
	id   uint
	role string
}

var (
	asTeacher  = caller{id: teacherID, role: middleware.RoleTeacher}
	asStudent  = caller{id: studentID, role: middleware.RoleStudent}
	asStranger = caller{id: strangerID, role: middleware.RoleStudent}
	anonymous  = caller{}
)

func (a *labApp) do(t *testing.T, who caller, method, path string, body interface{}) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	who.apply(req.Header)

	resp, err := a.app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func (c caller) apply(header http.Header) {
	if c.id == 0 {
		return
	}
	header.Set(headerUser, strconv.FormatUint(uint64(c.id), 10))
	header.Set(headerRole, c.role)
}

type envelope struct {
	Success bool              `json:"success"`
	Message string            `json:"message"`
	Data    json.RawMessage   `json:"data"`
	Errors  map[string]string `json:"errors"`
}

func decodeEnvelope(t *testing.T, resp *http.Response, target interface{}) envelope {
	t.Helper()
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	if target != nil && len(env.Data) > 0 {
		require.NoError(t, json.Unmarshal(env.Data, target))
	}
	return env
}

func startFiberServer(t *testing.T, app *fiber.App) (string, func()) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		if err := app.Listener(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Logf("fiber listener stopped: %v", err)
		}
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)

	shutdown := func() {
		_ = app.Shutdown()
		_ = listener.Close()
		select {
		case <-done:
		case <-time.After(100 * time.Millisecond):
		}
	}

	return listener.Addr().String(), shutdown
}
