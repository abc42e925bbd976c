package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-lab-api/internal/models"
	dockerexec "github.com/noah-isme/gema-lab-api/pkg/docker"
)

// LanguageProfile tells the sandbox how to build and run one language.
type LanguageProfile struct {
	Image    string
	FileName string
	Command  []string
}

// DefaultProfiles maps every executable language to its container profile.
func DefaultProfiles() map[models.Language]LanguageProfile {
	return map[models.Language]LanguageProfile{
		models.LanguageC: {
			Image:    "gcc:13",
			FileName: "main.c",
			Command:  []string{"sh", "-c", "gcc -O2 -o /tmp/main main.c -lm && /tmp/main"},
		},
		models.LanguageCPP: {
			Image:    "gcc:13",
			FileName: "main.cpp",
			Command:  []string{"sh", "-c", "g++ -O2 -std=c++17 -o /tmp/main main.cpp && /tmp/main"},
		},
		models.LanguageJava: {
			Image:    "eclipse-temurin:21-jdk-alpine",
			FileName: "Main.java",
			Command:  []string{"sh", "-c", "javac -d /tmp Main.java && java -cp /tmp Main"},
		},
		models.LanguagePython: {
			Image:    "python:3.11-alpine",
			FileName: "main.py",
			Command:  []string{"python", "main.py"},
		},
		models.LanguageJavaScript: {
			Image:    "node:20-alpine",
			FileName: "main.js",
			Command:  []string{"node", "main.js"},
		},
		models.LanguageGo: {
			Image:    "golang:1.22-alpine",
			FileName: "main.go",
			Command:  []string{"sh", "-c", "GOCACHE=/tmp/gocache go run main.go"},
		},
	}
}

// DockerConfig holds sandbox limits for the Docker runner.
type DockerConfig struct {
	Timeout       time.Duration
	MemoryLimitMB int
	CPUShares     int
	OutputLimit   int
	WorkspaceRoot string
	// Images overrides the container image per language tag.
	Images map[string]string
}

// DockerRunner executes programs through a sandbox executor and renders web
// languages in-process.
type DockerRunner struct {
	executor dockerexec.Executor
	renderer *WebRenderer
	profiles map[models.Language]LanguageProfile
	config   DockerConfig
	logger   zerolog.Logger
}

// NewDockerRunner constructs a runner backed by the given executor.
func NewDockerRunner(executor dockerexec.Executor, cfg DockerConfig, logger zerolog.Logger) *DockerRunner {
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = os.TempDir()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	profiles := DefaultProfiles()
	for tag, image := range cfg.Images {
		lang, ok := models.ParseLanguage(tag)
		profile, known := profiles[lang]
		if !ok || !known || image == "" {
			continue
		}
		profile.Image = image
		profiles[lang] = profile
	}

	return &DockerRunner{
		executor: executor,
		renderer: NewWebRenderer(),
		profiles: profiles,
		config:   cfg,
		logger:   logger.With().Str("component", "docker_runner").Logger(),
	}
}

// Run executes the program. Timeouts and non-zero exits are returned as part
// of the result.
func (r *DockerRunner) Run(ctx context.Context, req Request) (Result, error) {
	if req.Language.IsWeb() {
		return r.renderer.Render(req.Language, req.Source)
	}

	profile, ok := r.profiles[req.Language]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, req.Language)
	}

	workspace, err := os.MkdirTemp(r.config.WorkspaceRoot, "lab-run-")
	if err != nil {
		return Result{}, fmt.Errorf("create workspace: %w", err)
	}
	defer os.RemoveAll(workspace)

	if err := os.WriteFile(filepath.Join(workspace, profile.FileName), []byte(req.Source), 0o600); err != nil {
		return Result{}, fmt.Errorf("write source: %w", err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.config.Timeout
	}

	execResult, execErr := r.executor.Run(ctx, dockerexec.ExecutionRequest{
		Image:         profile.Image,
		Cmd:           profile.Command,
		Stdin:         req.Stdin,
		Timeout:       timeout,
		Workspace:     workspace,
		WorkingDir:    "/workspace",
		MemoryLimitMB: int64(r.config.MemoryLimitMB),
		CPUShares:     int64(r.config.CPUShares),
		OutputLimit:   r.config.OutputLimit,
	})

	result := Result{
		Stdout:   execResult.Stdout,
		Stderr:   execResult.Stderr,
		ExitCode: execResult.ExitCode,
		TimedOut: execResult.TimedOut,
		Duration: execResult.Duration,
	}

	if execErr != nil {
		if execResult.TimedOut || errors.Is(execErr, dockerexec.ErrTimeout) {
			result.TimedOut = true
			return result, nil
		}
		r.logger.Error().Err(execErr).Str("language", string(req.Language)).Msg("sandbox execution failed")
		return result, execErr
	}

	return result, nil
}
