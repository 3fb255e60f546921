package daemon

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthHandler_ReportsOkAndUptime(t *testing.T) {
	s := newTestStore(t)
	startedAt := time.Now().Add(-5 * time.Second)

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	HealthHandler(startedAt, s).ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "ok", resp.Store)
	assert.NotEmpty(t, resp.Uptime)
}

func TestHealthHandler_ReportsDegradedOnClosedStore(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Close())

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	HealthHandler(time.Now(), s).ServeHTTP(rec, req)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.NotEqual(t, "ok", resp.Store)
}
