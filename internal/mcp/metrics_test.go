package mcp

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/fyrsmithlabs/repocontextd/internal/query"
)

func TestMetrics_ToolCalls(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter(meterName)

	idx := newReadyIndex()
	s, err := NewServer(&Config{Meter: meter}, idx)
	require.NoError(t, err)
	cs := connect(t, s)
	ctx := context.Background()

	for _, args := range []map[string]any{
		{"query": "login flow"},
		{"query": "token refresh", "top_k": 1},
		{"query": "no"},
	} {
		_, err := cs.CallTool(ctx, &mcp.CallToolParams{Name: toolRetrieve, Arguments: args})
		require.NoError(t, err)
	}

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	got := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			got[m.Name] = m
		}
	}

	require.Contains(t, got, "repocontextd.mcp.tool.calls_total")
	calls, ok := got["repocontextd.mcp.tool.calls_total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	byOutcome := map[string]int64{}
	for _, dp := range calls.DataPoints {
		v, _ := dp.Attributes.Value(attribute.Key("outcome"))
		byOutcome[v.AsString()] += dp.Value
	}
	assert.Equal(t, map[string]int64{"ok": 2, "invalid_request": 1}, byOutcome)

	require.Contains(t, got, "repocontextd.mcp.tool.fragments")
	frags, ok := got["repocontextd.mcp.tool.fragments"].Data.(metricdata.Histogram[int64])
	require.True(t, ok)
	require.Len(t, frags.DataPoints, 1)
	assert.Equal(t, uint64(2), frags.DataPoints[0].Count)
	assert.Equal(t, int64(3), frags.DataPoints[0].Sum)

	require.Contains(t, got, "repocontextd.mcp.tool.inflight")
	inflight, ok := got["repocontextd.mcp.tool.inflight"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	for _, dp := range inflight.DataPoints {
		assert.Zero(t, dp.Value)
	}
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"success", nil, "ok"},
		{"not ready", ErrNotReady, "not_ready"},
		{"validation", fmt.Errorf("%w: top_k too large", query.ErrInvalidRequest), "invalid_request"},
		{"deadline", fmt.Errorf("search: %w", context.DeadlineExceeded), "timeout"},
		{"canceled", context.Canceled, "canceled"},
		{"timeout text", errors.New("operation timeout"), "timeout"},
		{"vectorstore", errors.New("vectorstore connection failed"), "backend_error"},
		{"embedding", errors.New("embedding generation failed"), "backend_error"},
		{"other", errors.New("something went wrong"), "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, outcome(tt.err))
		})
	}
}
