package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StdinFileName is the workspace file that is piped into the program.
const StdinFileName = ".stdin"

// DefaultOutputLimit caps each captured stream.
const DefaultOutputLimit = 64 * 1024

// ErrTimeout reports that the program exceeded its wall-clock budget.
var ErrTimeout = errors.New("execution timed out")

var (
	execDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gema_lab",
		Subsystem: "executor",
		Name:      "execution_duration_seconds",
		Help:      "Duration of sandboxed program executions",
		Buckets:   prometheus.DefBuckets,
	}, []string{"image"})

	execTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gema_lab",
		Subsystem: "executor",
		Name:      "execution_timeouts_total",
		Help:      "Number of executions that hit the wall-clock limit",
	}, []string{"image"})

	execFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gema_lab",
		Subsystem: "executor",
		Name:      "execution_failures_total",
		Help:      "Number of executions that failed before producing a result",
	}, []string{"image"})
)

// Executor runs a command inside a sandbox.
type Executor interface {
	Run(ctx context.Context, req ExecutionRequest) (ExecutionResult, error)
}

// ExecutionRequest describes one sandboxed program run. When Stdin is
// non-empty it is written to the workspace and redirected into Cmd, which is
// then executed through /bin/sh. Containers have no network unless
// AllowNetwork is set.
type ExecutionRequest struct {
	Image         string
	Cmd           []string
	Stdin         string
	Env           []string
	Timeout       time.Duration
	Workspace     string
	WorkingDir    string
	MemoryLimitMB int64
	CPUShares     int64
	PidsLimit     int64
	OutputLimit   int
	AllowNetwork  bool
}

// ExecutionResult summarises a finished run.
type ExecutionResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	TimedOut bool
}

// Config groups executor defaults applied when a request leaves a limit unset.
type Config struct {
	Host          string
	Timeout       time.Duration
	MemoryLimitMB int64
	CPUShares     int64
	PidsLimit     int64
	WorkingDir    string
	Logger        zerolog.Logger
}

const defaultPidsLimit = 64

// DockerExecutor runs programs in throwaway Docker containers.
type DockerExecutor struct {
	client *client.Client
	cfg    Config
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewDockerExecutor connects to the daemon named by cfg.Host or the
// DOCKER_* environment.
func NewDockerExecutor(cfg Config) (*DockerExecutor, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	if cfg.WorkingDir == "" {
		cfg.WorkingDir = "/workspace"
	}
	if cfg.PidsLimit <= 0 {
		cfg.PidsLimit = defaultPidsLimit
	}

	return &DockerExecutor{
		client: cli,
		cfg:    cfg,
		tracer: otel.Tracer("github.com/noah-isme/gema-lab-api/pkg/docker"),
		logger: cfg.Logger.With().Str("component", "docker_executor").Logger(),
	}, nil
}

// Run executes the request and always tears the container down. A run that
// exceeds its timeout returns a result with TimedOut set together with
// ErrTimeout.
func (e *DockerExecutor) Run(parent context.Context, req ExecutionRequest) (ExecutionResult, error) {
	if req.Image == "" {
		return ExecutionResult{}, errors.New("image is required")
	}
	if len(req.Cmd) == 0 {
		return ExecutionResult{}, errors.New("command is required")
	}

	ctx, span := e.tracer.Start(parent, "docker.executor.run", trace.WithAttributes(
		attribute.String("docker.image", req.Image),
	))
	defer span.End()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	spec, err := e.prepare(req)
	if err != nil {
		return ExecutionResult{}, e.fail(span, req.Image, err)
	}

	start := time.Now()
	created, err := e.client.ContainerCreate(ctx, spec.config, spec.host, &network.NetworkingConfig{}, nil, "")
	if err != nil {
		return ExecutionResult{}, e.fail(span, req.Image, fmt.Errorf("container create: %w", err))
	}
	id := created.ID
	defer e.remove(id)

	if err := e.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return ExecutionResult{}, e.fail(span, req.Image, fmt.Errorf("container start: %w", err))
	}

	result := ExecutionResult{}
	exitCode, waitErr := e.wait(ctx, id)
	result.ExitCode = exitCode
	result.Duration = time.Since(start)
	execDuration.WithLabelValues(req.Image).Observe(result.Duration.Seconds())

	if waitErr != nil {
		if !errors.Is(waitErr, context.DeadlineExceeded) && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return result, e.fail(span, req.Image, fmt.Errorf("container wait: %w", waitErr))
		}
		result.TimedOut = true
		execTimeouts.WithLabelValues(req.Image).Inc()
		span.SetStatus(codes.Error, "execution timed out")
		e.kill(id)
	}

	result.Stdout, result.Stderr = e.output(context.WithoutCancel(parent), id, req.OutputLimit)

	if result.TimedOut {
		return result, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
	return result, nil
}

type containerSpec struct {
	config *container.Config
	host   *container.HostConfig
}

// prepare writes the stdin file and derives the container settings, filling
// unset limits from the executor defaults.
func (e *DockerExecutor) prepare(req ExecutionRequest) (containerSpec, error) {
	workingDir := req.WorkingDir
	if workingDir == "" {
		workingDir = e.cfg.WorkingDir
	}

	cmd := req.Cmd
	if req.Stdin != "" {
		if req.Workspace == "" {
			return containerSpec{}, errors.New("stdin requires a workspace")
		}
		if err := os.WriteFile(filepath.Join(req.Workspace, StdinFileName), []byte(req.Stdin), 0o600); err != nil {
			return containerSpec{}, fmt.Errorf("write stdin: %w", err)
		}
		cmd = WithStdin(cmd, workingDir+"/"+StdinFileName)
	}

	memoryMB := firstPositive(req.MemoryLimitMB, e.cfg.MemoryLimitMB)
	pids := firstPositive(req.PidsLimit, e.cfg.PidsLimit)

	host := &container.HostConfig{
		Resources: container.Resources{
			Memory:    memoryMB * 1024 * 1024,
			CPUShares: firstPositive(req.CPUShares, e.cfg.CPUShares),
		},
		NetworkMode: "none",
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
	}
	if pids > 0 {
		host.Resources.PidsLimit = &pids
	}
	if req.AllowNetwork {
		host.NetworkMode = "bridge"
	}
	if req.Workspace != "" {
		host.Mounts = []mount.Mount{{
			Type:   mount.TypeBind,
			Source: req.Workspace,
			Target: workingDir,
		}}
	}

	return containerSpec{
		config: &container.Config{
			Image:           req.Image,
			Cmd:             cmd,
			Env:             req.Env,
			WorkingDir:      workingDir,
			AttachStdout:    true,
			AttachStderr:    true,
			NetworkDisabled: !req.AllowNetwork,
		},
		host: host,
	}, nil
}

func (e *DockerExecutor) wait(ctx context.Context, id string) (int, error) {
	statusCh, errCh := e.client.ContainerWait(ctx, id, container.WaitConditionNextExit)
	select {
	case err := <-errCh:
		return 0, err
	case status := <-statusCh:
		return int(status.StatusCode), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (e *DockerExecutor) kill(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.client.ContainerKill(ctx, id, "KILL"); err != nil {
		e.logger.Error().Err(err).Str("container_id", id).Msg("failed to kill timed out container")
	}
}

func (e *DockerExecutor) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		e.logger.Error().Err(err).Str("container_id", id).Msg("failed to remove container")
	}
}

// output collects the demultiplexed logs. Failures are logged and yield
// whatever was read so far.
func (e *DockerExecutor) output(parent context.Context, id string, limit int) (string, string) {
	if limit <= 0 {
		limit = DefaultOutputLimit
	}

	ctx, cancel := context.WithTimeout(parent, 5*time.Second)
	defer cancel()
	reader, err := e.client.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		e.logger.Error().Err(err).Str("container_id", id).Msg("failed to fetch container logs")
		return "", ""
	}
	defer reader.Close()

	stdout, stderr, err := splitDockerLogs(reader, limit)
	if err != nil {
		e.logger.Error().Err(err).Str("container_id", id).Msg("failed to read container logs")
	}
	return stdout, stderr
}

func (e *DockerExecutor) fail(span trace.Span, image string, err error) error {
	execFailures.WithLabelValues(image).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func firstPositive(values ...int64) int64 {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

// WithStdin rewrites cmd so that it reads standard input from path.
func WithStdin(cmd []string, path string) []string {
	if len(cmd) >= 3 && cmd[0] == "sh" && cmd[1] == "-c" {
		wrapped := append([]string{}, cmd[:2]...)
		wrapped = append(wrapped, fmt.Sprintf("(%s) < %s", cmd[2], shellQuote(path)))
		return wrapped
	}

	quoted := make([]string, len(cmd))
	for i, part := range cmd {
		quoted[i] = shellQuote(part)
	}
	return []string{"sh", "-c", fmt.Sprintf("%s < %s", strings.Join(quoted, " "), shellQuote(path))}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

type limitedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - b.buf.Len()
	if remaining > 0 {
		if len(p) > remaining {
			b.buf.Write(p[:remaining])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func splitDockerLogs(reader io.Reader, limit int) (string, string, error) {
	stdout := &limitedBuffer{limit: limit}
	stderr := &limitedBuffer{limit: limit}
	_, err := stdcopy.StdCopy(stdout, stderr, reader)
	return stdout.buf.String(), stderr.buf.String(), err
}

// Close shuts down the executor's underlying client.
func (e *DockerExecutor) Close() error {
	if e.client == nil {
		return nil
	}
	return e.client.Close()
}
