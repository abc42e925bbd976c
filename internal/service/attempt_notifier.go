package service

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-lab-api/internal/dto"
	"github.com/noah-isme/gema-lab-api/internal/models"
)

// Notifiers bundles the side effects of an attempt write. Every field is
// optional.
type Notifiers struct {
	Progress ProgressCache
	Events   EventPublisher
	Stream   ProgressStream
}

type attemptNotifier struct {
	Notifiers
	logger zerolog.Logger
}

// written runs after an attempt was persisted. Failures are logged only; the
// attempt is already durable.
func (n attemptNotifier) written(ctx context.Context, classID uint, eventType string, attempt models.Attempt) {
	logger := n.logger.With().Str("attempt", attempt.Key().String()).Logger()

	if n.Progress != nil {
		if err := n.Progress.Invalidate(ctx, classID); err != nil {
			logger.Warn().Err(err).Uint("class_id", classID).Msg("failed to invalidate progress cache")
		}
	}

	update := dto.NewAttemptResponse(attempt)
	if n.Stream != nil {
		n.Stream.Broadcast(update)
	}
	if n.Events != nil {
		if err := n.Events.Publish(ctx, eventType, update); err != nil {
			logger.Warn().Err(err).Str("type", eventType).Msg("failed to publish attempt event")
		}
	}
}
