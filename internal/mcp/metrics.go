package mcp

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/repocontextd/internal/query"
)

const meterName = "github.com/fyrsmithlabs/repocontextd/internal/mcp"

// Metrics instruments tool calls. Nil instruments are skipped.
type Metrics struct {
	calls     metric.Int64Counter
	latency   metric.Float64Histogram
	inflight  metric.Int64UpDownCounter
	fragments metric.Int64Histogram
}

// NewMetrics registers the tool instruments on meter, or on the global
// meter when nil.
func NewMetrics(meter metric.Meter, logger *zap.Logger) *Metrics {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	warn := func(name string, err error) {
		if err != nil {
			logger.Warn("failed to register mcp instrument", zap.String("instrument", name), zap.Error(err))
		}
	}

	m := &Metrics{}
	var err error
	m.calls, err = meter.Int64Counter("repocontextd.mcp.tool.calls_total",
		metric.WithDescription("MCP tool calls by tool and outcome"),
		metric.WithUnit("{call}"))
	warn("calls_total", err)

	m.latency, err = meter.Float64Histogram("repocontextd.mcp.tool.duration_seconds",
		metric.WithDescription("MCP tool call latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10))
	warn("duration_seconds", err)

	m.inflight, err = meter.Int64UpDownCounter("repocontextd.mcp.tool.inflight",
		metric.WithDescription("MCP tool calls in progress"),
		metric.WithUnit("{call}"))
	warn("inflight", err)

	m.fragments, err = meter.Int64Histogram("repocontextd.mcp.tool.fragments",
		metric.WithDescription("Fragments returned per successful retrieve call"),
		metric.WithUnit("{fragment}"),
		metric.WithExplicitBucketBoundaries(0, 1, 3, 5, 10, 20, 50))
	warn("fragments", err)

	return m
}

// begin marks a call to tool in flight. The returned func ends it and
// records the outcome; fragments is only recorded on success.
func (m *Metrics) begin(ctx context.Context, tool string) func(err error, fragments int) {
	start := time.Now()
	toolAttr := attribute.String("tool", tool)
	if m.inflight != nil {
		m.inflight.Add(ctx, 1, metric.WithAttributes(toolAttr))
	}
	return func(err error, fragments int) {
		if m.inflight != nil {
			m.inflight.Add(ctx, -1, metric.WithAttributes(toolAttr))
		}
		if m.latency != nil {
			m.latency.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(toolAttr))
		}
		if m.calls != nil {
			m.calls.Add(ctx, 1, metric.WithAttributes(toolAttr, attribute.String("outcome", outcome(err))))
		}
		if err == nil && m.fragments != nil {
			m.fragments.Record(ctx, int64(fragments), metric.WithAttributes(toolAttr))
		}
	}
}

// outcome maps err onto a low-cardinality label.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotReady):
		return "not_ready"
	case errors.Is(err, query.ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"):
		return "timeout"
	case strings.Contains(msg, "vectorstore"), strings.Contains(msg, "embedding"):
		return "backend_error"
	default:
		return "internal_error"
	}
}
