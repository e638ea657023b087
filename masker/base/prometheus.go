package base

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric label names and values.
const (
	LabelDB       = "db"
	LabelStrategy = "strategy"
	LabelStatus   = "status"

	LabelStatusFail    = "fail"
	LabelStatusSuccess = "success"
)

var (
	// MaskingCounter counts masked fields per strategy
	MaskingCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ironveil_maskings_total",
			Help: "number of masked field values per strategy",
		}, []string{LabelStrategy})

	// MaskingErrorCounter counts swallowed masking failures (bad UTF-8,
	// malformed JSON or array literals) that resulted in passthrough;
	// re-encoded sizes are not checked, so nothing is counted for them
	MaskingErrorCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ironveil_masking_errors_total",
			Help: "number of masking failures that fell back to passthrough",
		})

	// ConfigReloadCounter counts config reload attempts
	ConfigReloadCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ironveil_config_reloads_total",
			Help: "number of configuration reloads",
		}, []string{LabelStatus})

	// ResponseProcessingTimeHistogram collects metrics about response processing time
	ResponseProcessingTimeHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ironveil_response_processing_seconds",
		Help:    "Time of upstream response frame processing",
		Buckets: []float64{0.000001, 0.00001, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 1, 3, 5, 10},
	}, []string{LabelDB})

	// RequestProcessingTimeHistogram collects metrics about request processing time
	RequestProcessingTimeHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ironveil_request_processing_seconds",
		Help:    "Time of client request frame processing",
		Buckets: []float64{0.000001, 0.00001, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 1, 3, 5, 10},
	}, []string{LabelDB})

	// UpstreamHealthGauge exports the health checker's verdict
	UpstreamHealthGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ironveil_upstream_healthy",
		Help: "1 when the upstream database answers the health probe",
	})
)

var proxyMetricsRegisterLock = sync.Once{}

// RegisterProxyMetrics registers data-path metrics in the default prometheus registry.
func RegisterProxyMetrics() {
	proxyMetricsRegisterLock.Do(func() {
		prometheus.MustRegister(MaskingCounter)
		prometheus.MustRegister(MaskingErrorCounter)
		prometheus.MustRegister(ConfigReloadCounter)
		prometheus.MustRegister(ResponseProcessingTimeHistogram)
		prometheus.MustRegister(RequestProcessingTimeHistogram)
		prometheus.MustRegister(UpstreamHealthGauge)
	})
}
