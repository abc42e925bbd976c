package observability

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
)

func TestMetricsHandlerExposesLabCollectors(t *testing.T) {
	Evaluations().WithLabelValues("c", "well-done").Inc()
	LateTransitions().WithLabelValues("approved").Inc()

	app := fiber.New()
	app.Get("/metrics", MetricsHandler())

	resp, err := app.Test(httptest.NewRequest("GET", "/metrics", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `lab_evaluations_total{language="c",status="well-done"}`)
	require.Contains(t, string(body), "lab_late_transitions_total")
}
