package metric

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are registered on a registry of their own, a session may be
// embedded in a process that exposes prometheus metrics itself.
type Metrics struct {
	Registry *prometheus.Registry

	TestsRunning      prometheus.Gauge
	ResultsTotal      *prometheus.CounterVec
	ArtifactsRejected prometheus.Counter
	DeliveryAttempts  *prometheus.CounterVec
	DeliveryFailures  *prometheus.CounterVec
	DeliveryDuration  *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		TestsRunning: factory.NewGauge(prometheus.GaugeOpts{
			Name: "testreport_tests_running",
			Help: "The number of tests that started but did not finish yet",
		}),

		ResultsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "testreport_results_total",
			Help: "The number of test results recorded",
		}, []string{"result"}),

		ArtifactsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "testreport_artifacts_rejected_total",
			Help: "The number of artifacts rejected for exceeding the upload limit",
		}),

		DeliveryAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "testreport_delivery_attempts_total",
			Help: "The number of network calls made to deliver runs, including retries",
		}, []string{"mode", "operation"}),

		DeliveryFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "testreport_delivery_failures_total",
			Help: "The number of deliveries that fell back to a local archive",
		}, []string{"mode"}),

		DeliveryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "testreport_delivery_duration_seconds",
			Help:    "The time it took to deliver a run",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"mode"}),
	}
}

// WriteToTextfile writes all metrics in the format of the node exporter
// textfile collector.
func (m *Metrics) WriteToTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.Registry)
}
