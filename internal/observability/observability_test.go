package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/3leaps/oceangrid/pkg/batch"
	"github.com/3leaps/oceangrid/pkg/fetch"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		format  string
		wantErr bool
	}{
		{"defaults", "", "", false},
		{"debug console", "debug", "console", false},
		{"warn json", "WARN", "json", false},
		{"bad level", "loud", "console", true},
		{"bad format", "info", "xml", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := NewLogger(tt.level, tt.format)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, l)
		})
	}
}

func TestInitCLILogger(t *testing.T) {
	orig := CLILogger
	defer func() { CLILogger = orig }()

	require.NoError(t, InitCLILogger("debug", "json"))
	assert.True(t, CLILogger.Core().Enabled(zapcore.DebugLevel))

	require.Error(t, InitCLILogger("nope", "json"))
}

func TestMetrics_ObserveJob(t *testing.T) {
	m := NewMetrics()

	m.ObserveJob("bin", batch.Outcome{Status: batch.StatusSuccess, Attempts: 1, Duration: time.Second})
	m.ObserveJob("bin", batch.Outcome{Status: batch.StatusFailure, Attempts: 3, Err: errors.New("boom")})
	m.ObserveJob("bin", batch.Skip("exists"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobs.WithLabelValues("bin", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobs.WithLabelValues("bin", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobs.WithLabelValues("bin", "skipped")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.jobAttempts.WithLabelValues("bin")))
}

func TestMetrics_ObserveFetch(t *testing.T) {
	m := NewMetrics()

	m.ObserveFetch("https", fetch.Outcome{Status: fetch.StatusSuccess, Attempts: 3, Bytes: 2048})
	m.ObserveFetch("https", fetch.Outcome{Status: fetch.StatusSkipped, Attempts: 0, Bytes: 99})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.fetches.WithLabelValues("https", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fetches.WithLabelValues("https", "skipped")))
	assert.Equal(t, 2048.0, testutil.ToFloat64(m.fetchBytes.WithLabelValues("https")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.fetchRetries.WithLabelValues("https")))
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.ObserveRun("success")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `oceangrid_runs_total{state="success"} 1`)
}

func TestInitTelemetry(t *testing.T) {
	origSys, origExp := TelemetrySystem, PrometheusExporter
	defer func() { TelemetrySystem, PrometheusExporter = origSys, origExp }()

	TelemetrySystem, PrometheusExporter = nil, nil
	first := InitTelemetry()
	require.NotNil(t, first)
	assert.NotNil(t, PrometheusExporter)
	assert.Same(t, first, InitTelemetry())
}
