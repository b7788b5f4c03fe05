package telemetry

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerLevels(t *testing.T) {
	buf := &bytes.Buffer{}
	l := NewLogger(buf, "json", "warn")

	l.Info().Msg("hidden")
	l.Warn().Str("tier", "conversation").Msg("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "conversation")
}

func TestNewLoggerConsole(t *testing.T) {
	buf := &bytes.Buffer{}
	l := NewLogger(buf, "console", "debug")
	l.Debug().Int("n", 3).Msg("debug line")
	assert.Contains(t, buf.String(), "debug line")
}

func TestStartSpan(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "test-span")
	require.NotNil(t, ctx)
	require.NotNil(t, span)
	span.End()
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	m.ObserveRequest("GET", "/health", "200", 5*time.Millisecond)
	m.TierOp("cache", "get", "miss")
	m.ReductionRun("ok", 3, 1, 2, 1)
	m.SlotsSwept(4)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.tierOps.WithLabelValues("cache", "get", "miss")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.reductionItems.WithLabelValues("messages_pruned")))
	assert.Equal(t, float64(4), testutil.ToFloat64(m.sweptSlots))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `agent_context_http_requests_total{code="200",method="GET",route="/health"} 1`)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveRequest("GET", "/", "200", time.Millisecond)
	m.TierOp("cache", "get", "ok")
	m.ReductionRun("ok", 0, 0, 0, 0)
	m.SlotsSwept(1)
}
