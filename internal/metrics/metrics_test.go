package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCanonicalPath(t *testing.T) {
	require.Equal(t, "/", canonicalPath(""))
	require.Equal(t, "/api/ping", canonicalPath("/api/ping"))
	require.Equal(t, "/api/cycles/:id/allocation", canonicalPath("/api/cycles/42/allocation"))
}

func TestInstrumentHandlerCountsRequests(t *testing.T) {
	h := InstrumentHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	before := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/api/cycles/:id", "418"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/cycles/7", nil))
	after := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/api/cycles/:id", "418"))

	require.Equal(t, before+1, after)
}

func TestRecordAllocation(t *testing.T) {
	before := testutil.ToFloat64(allocationRuns.WithLabelValues("test", "true"))
	RecordAllocation("test", 3*time.Millisecond, true)
	require.Equal(t, before+1, testutil.ToFloat64(allocationRuns.WithLabelValues("test", "true")))

	SetShortfall(9, 4)
	require.Equal(t, float64(4), testutil.ToFloat64(shortfall.WithLabelValues("9")))
}

func TestHandlerExposesRegistry(t *testing.T) {
	RecordTransition("offering")
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "coopcycle_cycle_transitions_total"))
}
