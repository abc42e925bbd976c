package handler_test

import (
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-lab-api/internal/dto"
	"github.com/noah-isme/gema-lab-api/internal/middleware"
	"github.com/noah-isme/gema-lab-api/internal/models"
	"github.com/noah-isme/gema-lab-api/internal/observability"
)

func dialStream(t *testing.T, addr string, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	dialer := websocket.Dialer{HandshakeTimeout: 3 * time.Second}
	return dialer.Dial("ws://"+addr+"/api/v1/lab/stream/ws", header)
}

func TestStreamHandlerPushesOwnAttempts(t *testing.T) {
	a := setupLabApp(t, labAppOptions{})
	addr, shutdown := startFiberServer(t, a.app)
	defer shutdown()

	baseline := testutil.ToFloat64(observability.StreamClientsActive())

	conn, resp, err := dialStream(t, addr, http.Header{
		headerUser:                  {strconv.FormatUint(uint64(studentID), 10)},
		headerRole:                  {middleware.RoleStudent},
		middleware.CorrelationHeader: {"stream-test"},
	})
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	defer conn.Close()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(observability.StreamClientsActive()) >= baseline+1
	}, 2*time.Second, 10*time.Millisecond)

	submit := a.do(t, asStudent, fiber.MethodPost, a.submitPath()+"/submit", dto.SubmissionRequest{Source: "int main() {}"})
	require.Equal(t, fiber.StatusOK, submit.StatusCode)
	_ = submit.Body.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var update dto.AttemptResponse
	require.NoError(t, conn.ReadJSON(&update))
	assert.Equal(t, a.assignment.ID, update.AssignmentID)
	assert.Equal(t, studentID, update.StudentID)
	assert.Equal(t, models.AttemptStatusWellDone, update.Status)
}

func TestStreamHandlerRejectsAnonymousSocket(t *testing.T) {
	a := setupLabApp(t, labAppOptions{})
	addr, shutdown := startFiberServer(t, a.app)
	defer shutdown()

	conn, resp, err := dialStream(t, addr, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "unexpected error: %v", err)
}

func TestStreamHandlerRequiresUpgrade(t *testing.T) {
	a := setupLabApp(t, labAppOptions{})

	resp := a.do(t, asStudent, fiber.MethodGet, "/api/v1/lab/stream/ws", nil)
	assert.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}
