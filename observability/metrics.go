package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the ingestion collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	reg *prometheus.Registry

	files          *prometheus.CounterVec
	rowsMerged     prometheus.Counter
	columnsAdded   prometheus.Counter
	mergeDuration  prometheus.Histogram
	mergeFailures  prometheus.Counter
	archiveFailure prometheus.Counter
	catchups       prometheus.Counter
}

// NewMetrics registers the collectors, plus the Go runtime and process
// collectors, on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		files: f.NewCounterVec(prometheus.CounterOpts{
			Name: "focusflow_files_total",
			Help: "Source files handled, by outcome",
		}, []string{"outcome"}),
		rowsMerged: f.NewCounter(prometheus.CounterOpts{
			Name: "focusflow_rows_merged_total",
			Help: "Rows appended to the dataset table",
		}),
		columnsAdded: f.NewCounter(prometheus.CounterOpts{
			Name: "focusflow_columns_added_total",
			Help: "Columns added to the dataset table",
		}),
		mergeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "focusflow_merge_duration_seconds",
			Help:    "Time spent in one accumulation merge",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		mergeFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "focusflow_merge_failures_total",
			Help: "Accumulation merges that failed",
		}),
		archiveFailure: f.NewCounter(prometheus.CounterOpts{
			Name: "focusflow_archive_failures_total",
			Help: "Archive or cleanup operations that failed",
		}),
		catchups: f.NewCounter(prometheus.CounterOpts{
			Name: "focusflow_catchup_passes_total",
			Help: "Completed catch-up passes",
		}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// File counts one ConvertFile outcome.
func (m *Metrics) File(outcome string) {
	if m == nil {
		return
	}
	m.files.WithLabelValues(outcome).Inc()
}

// Merge records one accumulation merge.
func (m *Metrics) Merge(rows, addedColumns int, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.mergeDuration.Observe(d.Seconds())
	if err != nil {
		m.mergeFailures.Inc()
		return
	}
	m.rowsMerged.Add(float64(rows))
	m.columnsAdded.Add(float64(addedColumns))
}

// ArchiveFailure counts one failed archive or cleanup.
func (m *Metrics) ArchiveFailure() {
	if m == nil {
		return
	}
	m.archiveFailure.Inc()
}

// CatchUp counts one completed catch-up pass.
func (m *Metrics) CatchUp() {
	if m == nil {
		return
	}
	m.catchups.Inc()
}

// Gauge registers a gauge read from fn at scrape time, e.g. queue depth.
func (m *Metrics) Gauge(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	promauto.With(m.reg).NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn)
}
