package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-lab-api/internal/middleware"
	"github.com/noah-isme/gema-lab-api/internal/service"
)

const streamWriteTimeout = 10 * time.Second

// StreamHandler pushes a student's attempt updates over a websocket.
type StreamHandler struct {
	stream service.ProgressStream
	logger zerolog.Logger
}

// NewStreamHandler builds a stream handler.
func NewStreamHandler(stream service.ProgressStream, logger zerolog.Logger) *StreamHandler {
	return &StreamHandler{
		stream: stream,
		logger: logger.With().Str("component", "stream_handler").Logger(),
	}
}

// Register binds the websocket route below /stream.
func (h *StreamHandler) Register(router fiber.Router) {
	stream := router.Group("/stream")
	stream.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("correlation_id", middleware.GetCorrelationID(c))
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	stream.Get("/ws", websocket.New(h.handleConnection))
}

func (h *StreamHandler) handleConnection(conn *websocket.Conn) {
	studentID, _ := conn.Locals(middleware.LocalUserID).(uint)
	if studentID == 0 {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "user id missing"))
		_ = conn.Close()
		return
	}

	logger := h.logger.With().Uint("student_id", studentID).Interface("correlation_id", conn.Locals("correlation_id")).Logger()
	updates, cancel := h.stream.Subscribe(studentID)
	defer cancel()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	logger.Info().Msg("progress stream connected")
	defer logger.Info().Msg("progress stream disconnected")

	for {
		select {
		case <-closed:
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(update); err != nil {
				logger.Debug().Err(err).Msg("progress stream write failed")
				return
			}
		}
	}
}
