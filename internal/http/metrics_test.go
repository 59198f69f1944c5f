package http

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/fyrsmithlabs/repocontextd/internal/config"
)

func meteredServer(t *testing.T, idx Index, cfg *Config) (*Server, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	cfg.Meter = sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter(meterName)
	return setupTestServer(t, idx, cfg), reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

// sumWhere totals an int64 counter over data points carrying key=value.
func sumWhere(t *testing.T, m metricdata.Metrics, key, value string) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "%s is not an int64 sum", m.Name)
	var total int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			total += dp.Value
		}
	}
	return total
}

func TestMetrics_Requests(t *testing.T) {
	server, reader := meteredServer(t, readyIndex(), &Config{Host: "localhost", Port: 8000})

	do(server, http.MethodGet, "/health", "")
	do(server, http.MethodGet, "/health", "")
	do(server, http.MethodPost, "/retrieve", `{"query":"login flow"}`)
	do(server, http.MethodGet, "/nope", "")

	got := collect(t, reader)
	require.Contains(t, got, "repocontextd.http.requests_total")
	requests := got["repocontextd.http.requests_total"]
	assert.Equal(t, int64(2), sumWhere(t, requests, "route", "/health"))
	assert.Equal(t, int64(1), sumWhere(t, requests, "route", "/retrieve"))
	assert.Equal(t, int64(1), sumWhere(t, requests, "status", "404"))
	assert.Equal(t, int64(3), sumWhere(t, requests, "status", "200"))

	require.Contains(t, got, "repocontextd.http.request_duration_seconds")
	hist, ok := got["repocontextd.http.request_duration_seconds"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(4), count)

	require.Contains(t, got, "repocontextd.http.retrieve.fragments")
	frags, ok := got["repocontextd.http.retrieve.fragments"].Data.(metricdata.Histogram[int64])
	require.True(t, ok)
	require.Len(t, frags.DataPoints, 1)
	assert.Equal(t, uint64(1), frags.DataPoints[0].Count)
	assert.Equal(t, int64(3), frags.DataPoints[0].Sum)
}

func TestMetrics_Rejections(t *testing.T) {
	idx := &fakeIndex{}
	server, reader := meteredServer(t, idx, &Config{
		Host:   "localhost",
		Port:   8000,
		APIKey: config.Secret("s3cret"),
	})

	do(server, http.MethodPost, "/retrieve", `{"query":"login"}`)
	do(server, http.MethodPost, "/retrieve", `{"query":"login"}`, APIKeyHeader, "s3cret")
	idx.setReady()
	do(server, http.MethodPost, "/retrieve", `{"query":"no"}`, APIKeyHeader, "s3cret")

	got := collect(t, reader)
	require.Contains(t, got, "repocontextd.http.rejections_total")
	rejections := got["repocontextd.http.rejections_total"]
	assert.Equal(t, int64(1), sumWhere(t, rejections, "reason", rejectUnauthorized))
	assert.Equal(t, int64(1), sumWhere(t, rejections, "reason", rejectNotReady))
	assert.Equal(t, int64(1), sumWhere(t, rejections, "reason", rejectInvalid))
	assert.NotContains(t, got, "repocontextd.http.retrieve.fragments")
}

func TestRouteLabel(t *testing.T) {
	assert.Equal(t, "unmatched", routeLabel(""))
	assert.Equal(t, "/api/v1/retrieve", routeLabel("/api/v1/retrieve"))
}
