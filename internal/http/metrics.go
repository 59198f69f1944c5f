package http

import (
	"context"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const meterName = "github.com/fyrsmithlabs/repocontextd/internal/http"

// Rejection reasons recorded on repocontextd.http.rejections_total.
const (
	rejectNotReady     = "not_ready"
	rejectInvalid      = "invalid_request"
	rejectUnauthorized = "unauthorized"
	rejectRateLimited  = "rate_limited"
)

// metrics instruments the HTTP surface. An instrument that fails to
// register stays nil and is skipped.
type metrics struct {
	requests   metric.Int64Counter
	latency    metric.Float64Histogram
	inflight   metric.Int64UpDownCounter
	fragments  metric.Int64Histogram
	rejections metric.Int64Counter
}

func newMetrics(meter metric.Meter, logger *zap.Logger) *metrics {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	warn := func(name string, err error) {
		if err != nil {
			logger.Warn("failed to register http instrument", zap.String("instrument", name), zap.Error(err))
		}
	}

	m := &metrics{}
	var err error
	m.requests, err = meter.Int64Counter("repocontextd.http.requests_total",
		metric.WithDescription("HTTP requests by route, method and status"),
		metric.WithUnit("{request}"))
	warn("requests_total", err)

	m.latency, err = meter.Float64Histogram("repocontextd.http.request_duration_seconds",
		metric.WithDescription("HTTP request latency by route, method and status"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10))
	warn("request_duration_seconds", err)

	m.inflight, err = meter.Int64UpDownCounter("repocontextd.http.inflight_requests",
		metric.WithDescription("Requests currently being served"),
		metric.WithUnit("{request}"))
	warn("inflight_requests", err)

	m.fragments, err = meter.Int64Histogram("repocontextd.http.retrieve.fragments",
		metric.WithDescription("Fragments returned per successful retrieve"),
		metric.WithUnit("{fragment}"),
		metric.WithExplicitBucketBoundaries(0, 1, 3, 5, 10, 20, 50))
	warn("retrieve.fragments", err)

	m.rejections, err = meter.Int64Counter("repocontextd.http.rejections_total",
		metric.WithDescription("Query requests refused before search, by reason"),
		metric.WithUnit("{request}"))
	warn("rejections_total", err)

	return m
}

// middleware records request count, latency and in-flight requests. It must
// run outside the handler error resolution so the final status is seen.
func (m *metrics) middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			start := time.Now()
			if m.inflight != nil {
				m.inflight.Add(ctx, 1)
				defer m.inflight.Add(ctx, -1)
			}

			err := next(c)

			attrs := metric.WithAttributes(
				attribute.String("route", routeLabel(c.Path())),
				attribute.String("method", c.Request().Method),
				attribute.String("status", strconv.Itoa(c.Response().Status)),
			)
			if m.requests != nil {
				m.requests.Add(ctx, 1, attrs)
			}
			if m.latency != nil {
				m.latency.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			return err
		}
	}
}

func (m *metrics) recordFragments(ctx context.Context, n int) {
	if m.fragments != nil {
		m.fragments.Record(ctx, int64(n))
	}
}

func (m *metrics) recordRejection(ctx context.Context, reason string) {
	if m.rejections != nil {
		m.rejections.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

// routeLabel is the matched route pattern. Unmatched requests share one
// label.
func routeLabel(path string) string {
	if path == "" {
		return "unmatched"
	}
	return path
}
