package service

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-lab-api/internal/dto"
	"github.com/noah-isme/gema-lab-api/internal/observability"
)

const progressBufferSize = 16

// ProgressStream pushes attempt updates to the student who owns them.
type ProgressStream interface {
	Subscribe(studentID uint) (<-chan dto.AttemptResponse, func())
	Broadcast(update dto.AttemptResponse)
	Start(ctx context.Context)
}

type progressStream struct {
	nats    *nats.Conn
	subject string
	nodeID  string
	broker  *progressBroker
	logger  zerolog.Logger
}

type progressBroker struct {
	mu          sync.RWMutex
	subscribers map[uint]map[chan dto.AttemptResponse]struct{}
}

// NewProgressStream builds the stream. Updates evaluated on other nodes are
// received through the publisher's attempt subject when a NATS connection is
// available.
func NewProgressStream(conn *nats.Conn, events EventPublisher, logger zerolog.Logger) ProgressStream {
	return &progressStream{
		nats:    conn,
		subject: events.Subject(EventAttemptEvaluated),
		nodeID:  events.NodeID(),
		broker: &progressBroker{
			subscribers: make(map[uint]map[chan dto.AttemptResponse]struct{}),
		},
		logger: logger.With().Str("component", "progress_stream").Logger(),
	}
}

func (s *progressStream) Start(ctx context.Context) {
	if s.nats == nil {
		return
	}

	sub, err := s.nats.Subscribe(s.subject, func(msg *nats.Msg) {
		s.handleEvent(msg.Data)
	})
	if err != nil {
		s.logger.Error().Err(err).Str("subject", s.subject).Msg("failed to subscribe to attempt events")
		return
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to drain attempt subscription")
		}
	}()
}

func (s *progressStream) Subscribe(studentID uint) (<-chan dto.AttemptResponse, func()) {
	channel := make(chan dto.AttemptResponse, progressBufferSize)

	s.broker.subscribe(studentID, channel)
	observability.StreamClientsActive().Inc()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			s.broker.unsubscribe(studentID, channel)
			observability.StreamClientsActive().Dec()
		})
	}

	return channel, cleanup
}

func (s *progressStream) Broadcast(update dto.AttemptResponse) {
	s.broker.broadcast(update.StudentID, update)
}

func (s *progressStream) handleEvent(payload []byte) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		s.logger.Warn().Err(err).Msg("invalid attempt event payload")
		return
	}
	if event.Source == s.nodeID {
		return
	}

	var update dto.AttemptResponse
	if err := json.Unmarshal(event.Payload, &update); err != nil {
		s.logger.Warn().Err(err).Msg("invalid attempt in event")
		return
	}
	s.Broadcast(update)
}

func (b *progressBroker) subscribe(studentID uint, ch chan dto.AttemptResponse) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[studentID]; !exists {
		b.subscribers[studentID] = make(map[chan dto.AttemptResponse]struct{})
	}
	b.subscribers[studentID][ch] = struct{}{}
}

func (b *progressBroker) unsubscribe(studentID uint, ch chan dto.AttemptResponse) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subscribers, ok := b.subscribers[studentID]; ok {
		delete(subscribers, ch)
		close(ch)
		if len(subscribers) == 0 {
			delete(b.subscribers, studentID)
		}
	}
}

func (b *progressBroker) broadcast(studentID uint, update dto.AttemptResponse) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers[studentID] {
		select {
		case ch <- update:
		default:
		}
	}
}
