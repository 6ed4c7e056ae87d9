package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "combinepdf",
			Name:      "jobs_total",
			Help:      "Combine jobs by result (success, failed, cancelled, retried)",
		},
		[]string{"result"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "combinepdf",
			Name:      "job_duration_seconds",
			Help:      "Duration of combine jobs by result",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	pagesWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "combinepdf",
			Name:      "pages_written_total",
			Help:      "Total pages written to output documents",
		},
	)

	sourcesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "combinepdf",
			Name:      "sources_total",
			Help:      "Sources assembled by kind (pdf, image, blank)",
		},
		[]string{"kind"},
	)

	errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "combinepdf",
			Name:      "errors_total",
			Help:      "Failed jobs by error kind",
		},
		[]string{"kind"},
	)

	rangeValidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "combinepdf",
			Name:      "range_validations_total",
			Help:      "Page range validations by outcome",
		},
		[]string{"valid"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "combinepdf",
			Name:      "queue_depth",
			Help:      "Queue depth gauges for stream, delayed and dlq",
		},
		[]string{"type"},
	)

	initOnce sync.Once
)

// Init registers collectors. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(jobsTotal, jobDuration, pagesWritten, sourcesTotal, errorsTotal, rangeValidations, queueDepth)
	})
}

// Handler returns the http.Handler for /metrics
func Handler() http.Handler { return promhttp.Handler() }

func ObserveJob(result string, dur time.Duration) {
	jobsTotal.WithLabelValues(result).Inc()
	jobDuration.WithLabelValues(result).Observe(dur.Seconds())
}

func IncRetry() { jobsTotal.WithLabelValues("retried").Inc() }
func AddPages(n int) { pagesWritten.Add(float64(n)) }
func IncSource(kind string) { sourcesTotal.WithLabelValues(kind).Inc() }
func IncError(kind string) { errorsTotal.WithLabelValues(kind).Inc() }

func IncRangeValidation(valid bool) { rangeValidations.WithLabelValues(boolToStr(valid)).Inc() }

func SetQueueDepth(kind string, v int64) { queueDepth.WithLabelValues(kind).Set(float64(v)) }

func boolToStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
