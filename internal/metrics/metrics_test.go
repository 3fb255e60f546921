package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler_ExposesRegisteredCollectors(t *testing.T) {
	m := New()
	m.Ingested.WithLabelValues("mozilla-central").Inc()
	m.OutboxDeadLetters.Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "autoland_patchsets_ingested_total")
	assert.Contains(t, body, "autoland_outbox_dead_letters_total")
}
