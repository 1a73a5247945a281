package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRecordStoreOperation(t *testing.T) {
	r := NewRegistry()

	r.RecordStoreOperation("put", time.Millisecond, nil)
	r.RecordStoreOperation("put", time.Millisecond, errors.New("boom"))
	r.RecordStoreOperation("put", time.Millisecond, nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.storeOperationTotal.WithLabelValues("put", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.storeOperationTotal.WithLabelValues("put", "error")))
}

func TestRecordFrameStatus(t *testing.T) {
	r := NewRegistry()

	r.RecordFrame("record", true)
	r.RecordFrame("record", false)
	r.RecordFrame("record", false)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.frameTotal.WithLabelValues("record", "sent")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.frameTotal.WithLabelValues("record", "rejected")))
}

func TestPartitionGauges(t *testing.T) {
	r := NewRegistry()

	r.SetActiveSubscriptions(3, 5)
	r.SetActiveSubscriptions(3, 4)

	assert.Equal(t, 4.0, testutil.ToFloat64(r.activeSubscriptions.WithLabelValues("3")))
}

func TestReadyEndpoint(t *testing.T) {
	s := NewServer(ServerConfig{Port: 0, Timeout: time.Second}, NewRegistry(), zap.NewNop())

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	s.SetReady(true)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "logsub_start_time_seconds")
}
