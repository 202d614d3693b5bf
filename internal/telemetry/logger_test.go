package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	l, err := NewLogger("dev", "debug")
	require.NoError(t, err)
	require.NotNil(t, l)

	_, err = NewLogger("prod", "loud")
	require.Error(t, err)

	assert.NotNil(t, OrNop(nil))
}

func TestMetricsHandler(t *testing.T) {
	JobsAdmitted.WithLabelValues("publish_now").Inc()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "jobs_admitted_total")
	// Registration is idempotent.
	assert.NotPanics(t, Register)
}
