package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "viva"

var (
	Registry = prometheus.NewRegistry()

	Predictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "screening",
		Name:      "predictions_total",
		Help:      "Number of model predictions served, by pipeline.",
	}, []string{"pipeline"})

	Flags = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "screening",
		Name:      "flags_total",
		Help:      "Number of patients classified, by screening status.",
	}, []string{"status"})

	ModelReloads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "serving",
		Name:      "model_reloads_total",
		Help:      "Number of times a model artifact was read from disk.",
	}, []string{"model"})

	Emails = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notify",
		Name:      "emails_total",
		Help:      "Number of patient emails attempted, by outcome.",
	}, []string{"outcome"})

	RequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	initOnce sync.Once
)

func init() {
	Registry.MustRegister(Predictions, Flags, ModelReloads, Emails, RequestDuration)
}

// Init adds the process and Go runtime collectors. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

func ObservePredictions(pipeline string, n int) {
	Predictions.WithLabelValues(pipeline).Add(float64(n))
}

func ObserveFlag(status string) {
	Flags.WithLabelValues(status).Inc()
}

func ObserveModelReload(model string) {
	ModelReloads.WithLabelValues(model).Inc()
}

func ObserveEmail(outcome string) {
	Emails.WithLabelValues(outcome).Inc()
}

func ObserveRequest(method, route string, status int, elapsed time.Duration) {
	RequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
