package middleware

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-lab-api/internal/observability"
)

const labPathPrefix = "/api/v1/lab"

// Observability wraps lab routes in a server span, feeds the request
// collectors and writes one completion line per request.
func Observability(logger zerolog.Logger) fiber.Handler {
	observability.RegisterMetrics()
	tracer := otel.Tracer("github.com/noah-isme/gema-lab-api/http")

	return func(c *fiber.Ctx) error {
		if !strings.HasPrefix(c.Path(), labPathPrefix) {
			return c.Next()
		}

		ctx, span := tracer.Start(c.UserContext(), c.Method()+" "+c.Path(), trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()
		c.SetUserContext(ctx)

		start := time.Now()
		err := c.Next()
		elapsed := time.Since(start)

		route := routeTemplate(c)
		status := c.Response().StatusCode()
		code := strconv.Itoa(status)

		span.SetName(c.Method() + " " + route)
		span.SetAttributes(
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status),
			attribute.String("lab.correlation_id", GetCorrelationID(c)),
		)
		if status >= fiber.StatusInternalServerError {
			span.SetStatus(codes.Error, code)
		}

		observability.Requests().WithLabelValues(c.Method(), route, code).Inc()
		observability.Latency().WithLabelValues(c.Method(), route).Observe(elapsed.Seconds())
		if status >= fiber.StatusBadRequest {
			observability.Errors().WithLabelValues(c.Method(), route, code).Inc()
		}

		entry := logger.With().
			Str("correlation_id", GetCorrelationID(c)).
			Str("method", c.Method()).
			Str("route", route).
			Int("status", status).
			Dur("latency", elapsed).
			Logger()
		if id, ok := c.Locals(LocalUserID).(uint); ok {
			entry = entry.With().Uint("user_id", id).Logger()
		}

		switch {
		case status >= fiber.StatusInternalServerError:
			entry.Error().Msg("lab request failed")
		case status >= fiber.StatusBadRequest:
			entry.Warn().Msg("lab request rejected")
		default:
			entry.Debug().Msg("lab request completed")
		}

		return err
	}
}

// routeTemplate keeps metric cardinality bounded by labelling with the
// registered pattern rather than the concrete path.
func routeTemplate(c *fiber.Ctx) string {
	if route := c.Route(); route != nil && route.Path != "" {
		return route.Path
	}
	return c.Path()
}
