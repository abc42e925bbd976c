package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-lab-api/internal/config"
	"github.com/noah-isme/gema-lab-api/internal/database"
	"github.com/noah-isme/gema-lab-api/internal/handler"
	"github.com/noah-isme/gema-lab-api/internal/middleware"
	"github.com/noah-isme/gema-lab-api/internal/repository"
	"github.com/noah-isme/gema-lab-api/internal/router"
	"github.com/noah-isme/gema-lab-api/internal/runner"
	"github.com/noah-isme/gema-lab-api/internal/service"
	"github.com/noah-isme/gema-lab-api/pkg/ai"
	cloud "github.com/noah-isme/gema-lab-api/pkg/cloudinary"
	dockerexec "github.com/noah-isme/gema-lab-api/pkg/docker"
)

const targetMemoryCacheSize = 4096

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger = logger.With().Str("service", cfg.AppName).Str("env", cfg.AppEnv).Logger()

	db, err := database.Connect(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	if cfg.AutoMigrate {
		if err := database.Migrate(db); err != nil {
			logger.Fatal().Err(err).Msg("failed to migrate database")
		}
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = database.ConnectNATS(cfg.NATSURL, cfg.AppName, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to nats")
		}
		defer natsConn.Drain()
	}

	executor, err := dockerexec.NewDockerExecutor(dockerexec.Config{
		Host:          cfg.DockerHost,
		Timeout:       cfg.ExecutionTimeout,
		MemoryLimitMB: int64(cfg.CodeRunMemoryMB),
		CPUShares:     int64(cfg.CodeRunCPUShares),
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create docker executor")
	}
	defer executor.Close()

	studentRunner := runner.NewDockerRunner(executor, runner.DockerConfig{
		Timeout:       cfg.ExecutionTimeout,
		MemoryLimitMB: cfg.CodeRunMemoryMB,
		CPUShares:     cfg.CodeRunCPUShares,
		Images:        cfg.SandboxImages,
	}, logger)

	var outputCache runner.OutputCache = runner.NewMemoryOutputCache(targetMemoryCacheSize)
	if redisClient != nil {
		outputCache = runner.NewRedisOutputCache(redisClient, "", cfg.TargetCacheTTL)
	}
	targetRunner := runner.NewCachingRunner(studentRunner, outputCache, logger)

	var assessor ai.Assessor
	if cfg.AIProvider == "openai" {
		assessor, err = ai.NewOpenAIAssessor(ai.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAIModel,
			Logger:  logger,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create ai assessor")
		}
	}

	var publisher service.ExportPublisher
	if cfg.CloudinaryEnabled() {
		publisher, err = cloud.New(cloud.Config{
			CloudName: cfg.CloudinaryCloudName,
			APIKey:    cfg.CloudinaryAPIKey,
			APISecret: cfg.CloudinaryAPISecret,
			Folder:    cfg.CloudinaryUploadFolder,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create cloudinary publisher")
		}
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	labRepo := repository.NewLabRepository(db)
	classRepo := repository.NewClassRepository(db)
	assignmentRepo := repository.NewClassAssignmentRepository(db)
	attemptRepo := repository.NewAttemptRepository(db)

	events := service.NewEventPublisher(natsConn, cfg.EventPrefix, logger)
	stream := service.NewProgressStream(natsConn, events, logger)
	progressCache := service.NewRedisProgressCache(redisClient, "", cfg.ProgressCacheTTL)
	notifiers := service.Notifiers{Progress: progressCache, Events: events, Stream: stream}
	locks := service.NewKeyedLock()

	catalogService := service.NewCatalogService(labRepo, assignmentRepo, progressCache, validate, logger)
	assignmentService := service.NewClassAssignmentService(classRepo, labRepo, assignmentRepo, attemptRepo, progressCache, validate, logger)
	evaluationService := service.NewEvaluationService(service.EvaluationDeps{
		Classes:     classRepo,
		Labs:        labRepo,
		Assignments: assignmentRepo,
		Attempts:    attemptRepo,
		Students:    studentRunner,
		Targets:     targetRunner,
		Assessor:    assessor,
		Locks:       locks,
		Notifiers:   notifiers,
	}, service.EvaluationConfig{
		RunTimeout:    cfg.ExecutionTimeout,
		AssessTimeout: cfg.AITimeout,
	}, logger)
	lateService := service.NewLateSubmissionService(service.LateSubmissionDeps{
		Classes:     classRepo,
		Labs:        labRepo,
		Assignments: assignmentRepo,
		Attempts:    attemptRepo,
		Approvals:   evaluationService,
		Locks:       locks,
		Notifiers:   notifiers,
	}, validate, service.LateSubmissionConfig{
		AllowRequestAfterDenial: cfg.AllowLateRequestAfterDenial,
	}, logger)
	exportService := service.NewProgressExportService(classRepo, assignmentRepo, labRepo, attemptRepo, progressCache, publisher, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	stream.Start(ctx)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
		BodyLimit:    handler.MaxSourceBytes * 2,
	})

	middleware.Register(app, middleware.Config{Logger: &logger, AllowOrigins: cfg.AllowedOrigins})
	router.Register(app, cfg, router.Dependencies{
		CatalogHandler:    handler.NewCatalogHandler(catalogService, logger),
		ClassHandler:      handler.NewClassHandler(assignmentService, lateService, exportService, logger),
		SubmissionHandler: handler.NewSubmissionHandler(evaluationService, assignmentService, lateService, validate, handler.SubmissionLimits{Max: cfg.SubmitRateLimit, Window: cfg.SubmitRateWindow}, logger),
		StreamHandler:     handler.NewStreamHandler(stream, logger),
		HealthChecks:      healthChecks(db, redisClient, natsConn),
		JWTMiddleware:     middleware.JWTProtected(middleware.JWTConfig{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer}),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	<-ctx.Done()
	shutdown(app, logger)
}

func healthChecks(db *gorm.DB, redisClient *redis.Client, natsConn *nats.Conn) map[string]handler.DependencyCheck {
	checks := map[string]handler.DependencyCheck{
		"database": func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
	}
	if natsConn != nil {
		checks["nats"] = func(context.Context) error {
			if !natsConn.IsConnected() {
				return nats.ErrConnectionClosed
			}
			return nil
		}
	}
	return checks
}

func shutdown(app *fiber.App, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	logger.Info().Msg("server stopped")
}
