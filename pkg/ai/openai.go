package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	aiDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gema_lab",
		Subsystem: "ai",
		Name:      "assessment_duration_seconds",
		Help:      "Duration of AI assessment requests",
	}, []string{"model"})

	aiFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gema_lab",
		Subsystem: "ai",
		Name:      "assessment_failures_total",
		Help:      "Number of AI assessment failures",
	}, []string{"model"})
)

const maxPromptSource = 12000

// OpenAIConfig defines configuration options for the OpenAI assessor.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32
	Logger      zerolog.Logger
}

// OpenAIAssessor implements Assessor against the OpenAI chat completion API.
type OpenAIAssessor struct {
	client *openai.Client
	cfg    OpenAIConfig
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewOpenAIAssessor builds a new assessor using the provided configuration.
func NewOpenAIAssessor(cfg OpenAIConfig) (*OpenAIAssessor, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 400
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return &OpenAIAssessor{
		client: openai.NewClientWithConfig(config),
		cfg:    cfg,
		tracer: otel.Tracer("github.com/noah-isme/gema-lab-api/pkg/ai/openai"),
		logger: cfg.Logger.With().Str("component", "openai_assessor").Logger(),
	}, nil
}

// Assess sends the submission to OpenAI and parses the feedback.
func (a *OpenAIAssessor) Assess(parent context.Context, input AssessmentInput) (Assessment, error) {
	ctx, span := a.tracer.Start(parent, "openai.assess", trace.WithAttributes(
		attribute.String("model", a.cfg.Model),
		attribute.String("language", input.Language),
	))
	defer span.End()

	start := time.Now()
	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       a.cfg.Model,
		MaxTokens:   a.cfg.MaxTokens,
		Temperature: a.cfg.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: assessorSystemPrompt()},
			{Role: openai.ChatMessageRoleUser, Content: buildUserPrompt(input)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	aiDuration.WithLabelValues(a.cfg.Model).Observe(time.Since(start).Seconds())
	if err != nil {
		return Assessment{}, a.fail(span, fmt.Errorf("openai assess: %w", err))
	}
	if len(resp.Choices) == 0 {
		return Assessment{}, a.fail(span, fmt.Errorf("no choices returned from openai"))
	}

	assessment, err := parseAssessment(strings.TrimSpace(resp.Choices[0].Message.Content))
	if err != nil {
		return Assessment{}, a.fail(span, err)
	}
	assessment.Model = a.cfg.Model
	return assessment, nil
}

func (a *OpenAIAssessor) fail(span trace.Span, err error) error {
	aiFailures.WithLabelValues(a.cfg.Model).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func assessorSystemPrompt() string {
	return "You are a programming teacher reviewing a student's lab submission. The grade is already decided; do not " +
		"change it. Respond with a JSON object containing summary (string), strengths (array of strings) and " +
		"suggestions (array of strings). Keep each item short."
}

func buildUserPrompt(input AssessmentInput) string {
	source := input.Source
	if len(source) > maxPromptSource {
		source = source[:maxPromptSource]
	}

	builder := strings.Builder{}
	builder.WriteString("# Problem\n")
	builder.WriteString(input.Description)
	builder.WriteString("\n\n## Language\n")
	builder.WriteString(input.Language)
	builder.WriteString("\n\n## Result\n")
	builder.WriteString(fmt.Sprintf("%s, %.2f of %.2f points", input.Status, input.Score, input.MaxScore))
	builder.WriteString("\n\n## Submission\n")
	builder.WriteString(source)
	builder.WriteString("\nReturn JSON.")
	return builder.String()
}

func parseAssessment(content string) (Assessment, error) {
	var data Assessment
	if err := json.Unmarshal([]byte(content), &data); err != nil {
		return Assessment{}, fmt.Errorf("parse assessment json: %w", err)
	}
	data.Summary = strings.TrimSpace(data.Summary)
	if data.Summary == "" && len(data.Suggestions) == 0 && len(data.Strengths) == 0 {
		return Assessment{}, fmt.Errorf("empty assessment")
	}
	return data, nil
}
