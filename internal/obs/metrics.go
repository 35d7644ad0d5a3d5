package obs

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var initOnce sync.Once

// Метрики движка кодов доступа.
var (
	CodesIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accessgate_codes_issued_total",
			Help: "Access codes issued, by code type.",
		},
		[]string{"type"},
	)

	CodeValidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accessgate_code_validations_total",
			Help: "Code validation attempts, by outcome code.",
		},
		[]string{"outcome"},
	)

	ActiveCodes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "accessgate_active_codes",
		Help: "Codes in ACTIVE state as of the last sweep.",
	})

	RateLimitDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accessgate_ratelimit_decisions_total",
			Help: "Rate limiter decisions, by reason (allowed for pass).",
		},
		[]string{"reason"},
	)

	ThreatsDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accessgate_threats_detected_total",
			Help: "Attack signatures matched, by family.",
		},
		[]string{"family"},
	)

	AuditEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accessgate_audit_entries_total",
			Help: "Audit log entries written, by category and severity.",
		},
		[]string{"category", "severity"},
	)

	AlertsRaised = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accessgate_alerts_total",
			Help: "Alerts queued, by alert type and severity.",
		},
		[]string{"type", "severity"},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "accessgate_task_duration_seconds",
			Help:    "Background task run time in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task"},
	)

	TaskFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accessgate_task_failures_total",
			Help: "Background task runs that returned an error.",
		},
		[]string{"task"},
	)
)

// Общие HTTP-метрики служебного listener'а (/metrics, /healthz).
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"method", "path", "status"},
	)
)

// Init registers all metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			CodesIssued, CodeValidations, ActiveCodes,
			RateLimitDecisions, ThreatsDetected,
			AuditEntries, AlertsRaised,
			TaskDuration, TaskFailures,
			httpInFlight, httpRequestsTotal, httpRequestDuration,
		)
	})
}

// Хэндлер Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Обёртка для измерения RPS/latency/в полёте.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// ObserveTask records the duration of one background task run.
func ObserveTask(task string, started time.Time, err error) {
	TaskDuration.WithLabelValues(task).Observe(time.Since(started).Seconds())
	if err != nil {
		TaskFailures.WithLabelValues(task).Inc()
	}
}

// statusWriter: локальная копия, чтобы знать код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
