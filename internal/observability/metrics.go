package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolErrorsTotal       *prometheus.CounterVec
	dedupHitsTotal        *prometheus.CounterVec
	extractionFailures    *prometheus.CounterVec

	governorInUse       prometheus.Gauge
	resultBufferDepth   prometheus.Gauge
	backgroundProcesses prometheus.Gauge
	processStopsTotal   *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "toolrun_tool_execution_total",
					Help: "Total dispatched tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "toolrun_tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "toolrun_tool_errors_total",
					Help: "Total failed tool executions by tool.",
				},
				[]string{"tool"},
			),
			dedupHitsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "toolrun_dedup_hits_total",
					Help: "Submissions answered from the idempotency cache, by tool.",
				},
				[]string{"tool"},
			),
			extractionFailures: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "toolrun_extraction_failures_total",
					Help: "Submissions that arrived already marked as failed by the parser, by tool.",
				},
				[]string{"tool"},
			),
			governorInUse: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "toolrun_governor_slots_in_use",
					Help: "Concurrency slots currently held by dispatches.",
				},
			),
			resultBufferDepth: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "toolrun_result_buffer_depth",
					Help: "Outcomes waiting to be observed.",
				},
			),
			backgroundProcesses: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "toolrun_background_processes",
					Help: "Background processes currently tracked.",
				},
			),
			processStopsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "toolrun_process_stops_total",
					Help: "Background process stops by mode (graceful or forced).",
				},
				[]string{"mode"},
			),
		}

		prometheus.MustRegister(
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolErrorsTotal,
			m.dedupHitsTotal,
			m.extractionFailures,
			m.governorInUse,
			m.resultBufferDepth,
			m.backgroundProcesses,
			m.processStopsTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if !success {
		m.toolErrorsTotal.WithLabelValues(tool).Inc()
	}
}

func RecordDedupHit(tool string) {
	getMetrics().dedupHitsTotal.WithLabelValues(tool).Inc()
}

func RecordExtractionFailure(tool string) {
	getMetrics().extractionFailures.WithLabelValues(tool).Inc()
}

func SetGovernorInUse(n int) {
	getMetrics().governorInUse.Set(float64(n))
}

func SetResultBufferDepth(n int) {
	getMetrics().resultBufferDepth.Set(float64(n))
}

func SetBackgroundProcesses(n int) {
	getMetrics().backgroundProcesses.Set(float64(n))
}

func RecordProcessStop(mode string) {
	getMetrics().processStopsTotal.WithLabelValues(mode).Inc()
}
