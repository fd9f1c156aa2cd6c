package controller

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/srand/slicer/pkg/protocol"
)

const metricsNamespace = "slicer"

// Metrics exposes the execution analytics and slice timings to Prometheus.
type Metrics struct {
	registry *prometheus.Registry

	SlicesTotal      *prometheus.CounterVec
	SliceDuration    prometheus.Histogram
	OperationSeconds *prometheus.HistogramVec
	OperationBytes   *prometheus.HistogramVec
}

// Collector reporting the analytics counters as gauges.
type statsCollector struct {
	analytics *ExecutionAnalytics
	exID      string
	descs     map[string]*prometheus.Desc
}

func newStatsCollector(exID string, analytics *ExecutionAnalytics) *statsCollector {
	descs := map[string]*prometheus.Desc{}
	for _, name := range allStats {
		descs[name] = prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "execution", name),
			"Execution analytics counter "+name+".",
			[]string{"ex_id"}, nil,
		)
	}
	return &statsCollector{analytics: analytics, exID: exID, descs: descs}
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range c.descs {
		ch <- desc
	}
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	for name, value := range c.analytics.Snapshot() {
		desc, ok := c.descs[name]
		if !ok {
			continue
		}
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(value), c.exID)
	}
}

func NewMetrics(exID string, analytics *ExecutionAnalytics) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		SlicesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "slices_total",
			Help:      "Total number of slices reported by workers.",
		}, []string{"result"}),
		SliceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "slice_duration_seconds",
			Help:      "Time from dispatch to completion of a slice.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16),
		}),
		OperationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "operation_duration_seconds",
			Help:      "Time spent in each operation of a slice.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"op"}),
		OperationBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "operation_result_size",
			Help:      "Size of the result of each operation of a slice.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 12),
		}, []string{"op"}),
	}

	m.registry.MustRegister(
		m.SlicesTotal,
		m.SliceDuration,
		m.OperationSeconds,
		m.OperationBytes,
		newStatsCollector(exID, analytics),
	)
	return m
}

func (m *Metrics) observeCompletion(completion *protocol.SliceCompletion, elapsed time.Duration) {
	result := "success"
	if completion.Error != "" {
		result = "failure"
	}
	m.SlicesTotal.WithLabelValues(result).Inc()
	m.SliceDuration.Observe(elapsed.Seconds())

	if completion.Analytics == nil {
		return
	}
	for i, ms := range completion.Analytics.Time {
		m.OperationSeconds.WithLabelValues(strconv.Itoa(i)).Observe(float64(ms) / 1000)
	}
	for i, size := range completion.Analytics.Size {
		m.OperationBytes.WithLabelValues(strconv.Itoa(i)).Observe(float64(size))
	}
}

// Handler serving the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
