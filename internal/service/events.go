package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-lab-api/internal/observability"
)

// Domain event types, appended to the subject prefix.
const (
	EventAttemptEvaluated = "attempt.evaluated"
	EventLateRequested    = "late.requested"
	EventLateApproved     = "late.approved"
	EventLateDenied       = "late.denied"
)

// Event is the envelope put on the broker.
type Event struct {
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Source     string          `json:"source"`
	Payload    json.RawMessage `json:"payload"`
}

// EventPublisher hands domain events to the message broker.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, payload interface{}) error
	Subject(eventType string) string
	NodeID() string
}

type natsEventPublisher struct {
	conn   *nats.Conn
	prefix string
	nodeID string
	logger zerolog.Logger
}

// NewEventPublisher builds a NATS publisher. A nil connection turns publishing
// into a no-op.
func NewEventPublisher(conn *nats.Conn, prefix string, logger zerolog.Logger) EventPublisher {
	prefix = strings.Trim(strings.ReplaceAll(prefix, ":", "."), ".")
	if prefix == "" {
		prefix = "gema.lab"
	}
	return &natsEventPublisher{
		conn:   conn,
		prefix: prefix,
		nodeID: uuid.NewString(),
		logger: logger.With().Str("component", "event_publisher").Logger(),
	}
}

func (p *natsEventPublisher) NodeID() string {
	return p.nodeID
}

func (p *natsEventPublisher) Subject(eventType string) string {
	return p.prefix + "." + eventType
}

func (p *natsEventPublisher) Publish(_ context.Context, eventType string, payload interface{}) error {
	if p.conn == nil {
		return nil
	}

	data, err := encodeEvent(p.nodeID, eventType, payload, time.Now().UTC())
	if err != nil {
		return err
	}
	if err := p.conn.Publish(p.Subject(eventType), data); err != nil {
		return err
	}

	observability.EventsPublished().WithLabelValues(eventType).Inc()
	p.logger.Debug().Str("type", eventType).Msg("event published")
	return nil
}

func encodeEvent(source, eventType string, payload interface{}, at time.Time) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Event{
		Type:       eventType,
		OccurredAt: at,
		Source:     source,
		Payload:    body,
	})
}
