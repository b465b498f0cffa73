package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecorderCounts(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	r, err := NewRecorder(reg)
	require.NoError(t, err)

	r.ObserveStored("product", OpInsert, 3)
	r.ObserveStored("product", OpUpsert, 1)
	r.ObserveStored("product", OpInsert, 0)
	r.ObserveDuplicates("product", 2)
	r.ObserveFlush("product", "threshold", 3)
	r.ObserveStopRequest("product")
	r.SetPending("product", 4)

	require.InDelta(t, 3.0, testutil.ToFloat64(r.recordsStored.WithLabelValues("product", OpInsert)), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(r.recordsStored.WithLabelValues("product", OpUpsert)), 1e-9)
	require.InDelta(t, 2.0, testutil.ToFloat64(r.duplicates.WithLabelValues("product")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(r.flushes.WithLabelValues("product", "threshold")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(r.stopRequests.WithLabelValues("product")), 1e-9)
	require.InDelta(t, 4.0, testutil.ToFloat64(r.pendingRecords.WithLabelValues("product")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(r.flushSize, "ingestsink_buffer_flush_size"))

	r.ObserveHTTPRequest(http.MethodGet, "/readyz", http.StatusServiceUnavailable, 5*time.Millisecond)
	require.Equal(t, 1, testutil.CollectAndCount(r.httpDuration, "ingestsink_http_request_duration_seconds"))
}

func TestNewRecorderRejectsDoubleRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewRecorder(reg)
	require.NoError(t, err)
	_, err = NewRecorder(reg)
	require.Error(t, err)
}

func TestHandlerServesRegistry(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	r, err := NewRecorder(reg)
	require.NoError(t, err)
	r.ObserveDuplicates("review", 1)

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(body), `ingestsink_duplicate_keys_total{type="review"} 1`))
}
