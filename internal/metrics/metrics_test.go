package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterDefaultIsIdempotent(t *testing.T) {
	RegisterDefault()
	RegisterDefault()
	mfs, err := Registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, mfs)
}

func TestSetSessionState(t *testing.T) {
	SetSessionState("reconnecting")
	assert.Equal(t, 1.0, testutil.ToFloat64(SessionState.WithLabelValues("reconnecting")))
	assert.Equal(t, 0.0, testutil.ToFloat64(SessionState.WithLabelValues("connected")))
	SetSessionState("connected")
	assert.Equal(t, 0.0, testutil.ToFloat64(SessionState.WithLabelValues("reconnecting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(SessionState.WithLabelValues("connected")))
}

func TestHandlerServesRegistry(t *testing.T) {
	RegisterDefault()
	ReconnectAttempts.Inc()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "driverlink_reconnect_attempts_total")
}
