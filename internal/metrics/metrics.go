// Package metrics exports pipeline counters to Prometheus. The
// collector owns the hot-path counters and hands a snapshot function to
// the Exporter; per-category error counts live here in a concurrent map
// so the parse path never takes the stats mutex for them.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v4"
)

// Snapshot is a point-in-time view of the pipeline counters.
type Snapshot struct {
	NodeID string

	AccessLinesRead     uint64
	ErrorLinesRead      uint64
	ParseFailTotal      uint64
	EventsFiltered      uint64
	EventsWritten       uint64
	ErrorEventsWritten  uint64
	BatchesFlushed      uint64
	DBWriteFailTotal    uint64
	CacheWriteFailTotal uint64
	RetentionDeleted    uint64

	LastFlushUnix int64
	AccessOffset  int64
	ErrorOffset   int64
	LastError     string
}

// SnapshotFunc yields the current counters; called on every scrape.
type SnapshotFunc func() Snapshot

// ErrorCategories counts ingested error events per classification
// category. Safe for concurrent increment from the collector loop.
type ErrorCategories struct {
	counts *xsync.Map[string, *atomic.Uint64]
}

// NewErrorCategories returns an empty category counter set.
func NewErrorCategories() *ErrorCategories {
	return &ErrorCategories{counts: xsync.NewMap[string, *atomic.Uint64]()}
}

// Inc bumps the counter for category.
func (c *ErrorCategories) Inc(category string) {
	if category == "" {
		category = "other"
	}
	counter, _ := c.counts.LoadOrStore(category, &atomic.Uint64{})
	counter.Add(1)
}

// Each calls fn for every category with its current count.
func (c *ErrorCategories) Each(fn func(category string, count uint64)) {
	c.counts.Range(func(key string, value *atomic.Uint64) bool {
		fn(key, value.Load())
		return true
	})
}

// Exporter implements prometheus.Collector over a snapshot function.
type Exporter struct {
	snapshot   SnapshotFunc
	categories *ErrorCategories

	accessLinesRead    *prometheus.Desc
	errorLinesRead     *prometheus.Desc
	parseFailTotal     *prometheus.Desc
	eventsFiltered     *prometheus.Desc
	eventsWritten      *prometheus.Desc
	errorEventsWritten *prometheus.Desc
	batchesFlushed     *prometheus.Desc
	dbWriteFailTotal   *prometheus.Desc
	cacheWriteFail     *prometheus.Desc
	retentionDeleted   *prometheus.Desc
	lastFlushUnix      *prometheus.Desc
	tailOffset         *prometheus.Desc
	errorsByCategory   *prometheus.Desc
}

// NewExporter builds the Collector. categories may be nil.
func NewExporter(snapshot SnapshotFunc, categories *ErrorCategories) *Exporter {
	nodeLabel := []string{"node_id"}
	return &Exporter{
		snapshot:   snapshot,
		categories: categories,
		accessLinesRead: prometheus.NewDesc(
			"audit_access_lines_read_total",
			"Access log lines read from the tail position", nodeLabel, nil),
		errorLinesRead: prometheus.NewDesc(
			"audit_error_lines_read_total",
			"Error log lines read from the tail position", nodeLabel, nil),
		parseFailTotal: prometheus.NewDesc(
			"audit_parse_fail_total",
			"Lines that failed timestamp or grammar parsing", nodeLabel, nil),
		eventsFiltered: prometheus.NewDesc(
			"audit_events_filtered_total",
			"Access events dropped by the filter before batching", nodeLabel, nil),
		eventsWritten: prometheus.NewDesc(
			"audit_events_written_total",
			"Access/DNS events committed to the audit database", nodeLabel, nil),
		errorEventsWritten: prometheus.NewDesc(
			"audit_error_events_written_total",
			"Classified error events committed to the audit database", nodeLabel, nil),
		batchesFlushed: prometheus.NewDesc(
			"audit_batches_flushed_total",
			"Completed flush cycles", nodeLabel, nil),
		dbWriteFailTotal: prometheus.NewDesc(
			"audit_db_write_fail_total",
			"Failed database flush attempts", nodeLabel, nil),
		cacheWriteFail: prometheus.NewDesc(
			"audit_cache_write_fail_total",
			"Failed Redis projection attempts (non-fatal)", nodeLabel, nil),
		retentionDeleted: prometheus.NewDesc(
			"audit_retention_deleted_rows_total",
			"Rows removed by the retention job", nodeLabel, nil),
		lastFlushUnix: prometheus.NewDesc(
			"audit_last_flush_timestamp_seconds",
			"Unix time of the last successful flush", nodeLabel, nil),
		tailOffset: prometheus.NewDesc(
			"audit_tail_offset_bytes",
			"Persisted tail offset per followed log file", append(nodeLabel, "log"), nil),
		errorsByCategory: prometheus.NewDesc(
			"audit_error_events_by_category_total",
			"Classified error events per category", append(nodeLabel, "category"), nil),
	}
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.accessLinesRead
	ch <- e.errorLinesRead
	ch <- e.parseFailTotal
	ch <- e.eventsFiltered
	ch <- e.eventsWritten
	ch <- e.errorEventsWritten
	ch <- e.batchesFlushed
	ch <- e.dbWriteFailTotal
	ch <- e.cacheWriteFail
	ch <- e.retentionDeleted
	ch <- e.lastFlushUnix
	ch <- e.tailOffset
	ch <- e.errorsByCategory
}

// Collect implements prometheus.Collector.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	s := e.snapshot()
	counter := func(desc *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), append([]string{s.NodeID}, labels...)...)
	}
	gauge := func(desc *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v, append([]string{s.NodeID}, labels...)...)
	}

	counter(e.accessLinesRead, s.AccessLinesRead)
	counter(e.errorLinesRead, s.ErrorLinesRead)
	counter(e.parseFailTotal, s.ParseFailTotal)
	counter(e.eventsFiltered, s.EventsFiltered)
	counter(e.eventsWritten, s.EventsWritten)
	counter(e.errorEventsWritten, s.ErrorEventsWritten)
	counter(e.batchesFlushed, s.BatchesFlushed)
	counter(e.dbWriteFailTotal, s.DBWriteFailTotal)
	counter(e.cacheWriteFail, s.CacheWriteFailTotal)
	counter(e.retentionDeleted, s.RetentionDeleted)
	gauge(e.lastFlushUnix, float64(s.LastFlushUnix))
	gauge(e.tailOffset, float64(s.AccessOffset), "access")
	gauge(e.tailOffset, float64(s.ErrorOffset), "error")

	if e.categories != nil {
		e.categories.Each(func(category string, count uint64) {
			counter(e.errorsByCategory, count, category)
		})
	}
}
