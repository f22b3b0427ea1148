package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "coopcycle",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coopcycle",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "coopcycle",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	allocationRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coopcycle",
			Subsystem: "allocation",
			Name:      "runs_total",
			Help:      "Total number of allocation runs by outcome.",
		},
		[]string{"trigger", "success"},
	)

	allocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "coopcycle",
			Subsystem: "allocation",
			Name:      "run_duration_seconds",
			Help:      "Duration of allocation runs.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"trigger"},
	)

	bindingChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coopcycle",
			Subsystem: "allocation",
			Name:      "binding_changes_total",
			Help:      "Binding rows written by allocation runs.",
		},
		[]string{"change"},
	)

	shortfall = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "coopcycle",
			Subsystem: "allocation",
			Name:      "shortfall_quantity",
			Help:      "Unmet demand quantity after the latest run of a cycle.",
		},
		[]string{"cycle"},
	)

	settlementsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coopcycle",
			Subsystem: "settlement",
			Name:      "created_total",
			Help:      "Settlement records created by type.",
		},
		[]string{"type"},
	)

	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coopcycle",
			Subsystem: "cycle",
			Name:      "transitions_total",
			Help:      "Cycle status transitions by target status.",
		},
		[]string{"to"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		allocationRuns,
		allocationDuration,
		bindingChanges,
		shortfall,
		settlementsCreated,
		transitions,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

// RecordAllocation records one allocation run. trigger is "api", "schedule" or "cli".
func RecordAllocation(trigger string, duration time.Duration, success bool) {
	if trigger == "" {
		trigger = "unknown"
	}
	allocationRuns.WithLabelValues(trigger, strconv.FormatBool(success)).Inc()
	allocationDuration.WithLabelValues(trigger).Observe(duration.Seconds())
}

// RecordBindingChanges adds the write counts of a run.
func RecordBindingChanges(created, updated, deleted int) {
	bindingChanges.WithLabelValues("created").Add(float64(created))
	bindingChanges.WithLabelValues("updated").Add(float64(updated))
	bindingChanges.WithLabelValues("deleted").Add(float64(deleted))
}

// SetShortfall publishes the unmet quantity of a cycle.
func SetShortfall(cycleID int64, qty float64) {
	shortfall.WithLabelValues(strconv.FormatInt(cycleID, 10)).Set(qty)
}

// RecordSettlement counts one created settlement record.
func RecordSettlement(typ string) {
	settlementsCreated.WithLabelValues(typ).Inc()
}

// RecordTransition counts a cycle status change.
func RecordTransition(to string) {
	transitions.WithLabelValues(to).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses numeric path segments so label cardinality stays bounded.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	for i, p := range parts {
		if _, err := strconv.ParseInt(p, 10, 64); err == nil {
			parts[i] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}
