package collector

import (
	"sync"
	"time"

	"github.com/proxyaudit/proxyaudit/internal/metrics"
)

// StatsSnapshot is a copy of the collector counters taken under the
// stats mutex.
type StatsSnapshot struct {
	NodeID    string
	StartedAt time.Time

	LinesReadTotal        uint64
	ParseFailTotal        uint64
	FilteredTotal         uint64
	ErrorLinesReadTotal   uint64
	ErrorParseFailTotal   uint64
	ErrorFilteredTotal    uint64
	BatchesFlushed        uint64
	RawWrittenTotal       uint64
	AccessWrittenTotal    uint64
	DNSWrittenTotal       uint64
	ErrorWrittenTotal     uint64
	RetentionDeletedTotal uint64
	DBWriteFailTotal      uint64
	CacheWriteFailTotal   uint64
	DBLastWriteLatencyMs  int64

	LastEventTime      *time.Time
	LastErrorEventTime *time.Time
	LastFlushTime      *time.Time
	LastRetentionTime  *time.Time
	LastError          string

	Inode       *int64
	Offset      int64
	ErrorInode  *int64
	ErrorOffset int64
}

// stats holds the live counters behind one mutex. Updates happen only
// on the collector worker, snapshots from the metrics and health
// surfaces.
type stats struct {
	mu sync.Mutex
	s  StatsSnapshot
}

func newStats(nodeID string) *stats {
	return &stats{s: StatsSnapshot{NodeID: nodeID, StartedAt: time.Now().UTC()}}
}

func (st *stats) update(fn func(s *StatsSnapshot)) {
	st.mu.Lock()
	fn(&st.s)
	st.mu.Unlock()
}

// Snapshot copies the counters under the lock.
func (st *stats) Snapshot() StatsSnapshot {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.s
}

// HealthPayload renders the snapshot as the heartbeat hash fields.
// Datetimes become ISO-8601 strings downstream; nil pointers become
// empty strings.
func (s StatsSnapshot) HealthPayload() map[string]any {
	payload := map[string]any{
		"node_id":                  s.NodeID,
		"started_at":               s.StartedAt,
		"lines_read_total":         s.LinesReadTotal,
		"parse_fail_total":         s.ParseFailTotal,
		"filtered_total":           s.FilteredTotal,
		"error_lines_read_total":   s.ErrorLinesReadTotal,
		"error_parse_fail_total":   s.ErrorParseFailTotal,
		"error_filtered_total":     s.ErrorFilteredTotal,
		"batches_flushed":          s.BatchesFlushed,
		"raw_written_total":        s.RawWrittenTotal,
		"access_written_total":     s.AccessWrittenTotal,
		"dns_written_total":        s.DNSWrittenTotal,
		"error_written_total":      s.ErrorWrittenTotal,
		"retention_deleted_total":  s.RetentionDeletedTotal,
		"db_write_fail_total":      s.DBWriteFailTotal,
		"db_last_write_latency_ms": s.DBLastWriteLatencyMs,
		"last_event_time":          s.LastEventTime,
		"last_error_event_time":    s.LastErrorEventTime,
		"last_flush_time":          s.LastFlushTime,
		"last_retention_time":      s.LastRetentionTime,
		"last_error":               s.LastError,
		"offset":                   s.Offset,
		"error_offset":             s.ErrorOffset,
	}
	if s.Inode != nil {
		payload["inode"] = *s.Inode
	} else {
		payload["inode"] = nil
	}
	if s.ErrorInode != nil {
		payload["error_inode"] = *s.ErrorInode
	} else {
		payload["error_inode"] = nil
	}
	return payload
}

// MetricsSnapshot maps the counters onto the Prometheus exporter view.
func (s StatsSnapshot) MetricsSnapshot() metrics.Snapshot {
	m := metrics.Snapshot{
		NodeID:              s.NodeID,
		AccessLinesRead:     s.LinesReadTotal,
		ErrorLinesRead:      s.ErrorLinesReadTotal,
		ParseFailTotal:      s.ParseFailTotal + s.ErrorParseFailTotal,
		EventsFiltered:      s.FilteredTotal + s.ErrorFilteredTotal,
		EventsWritten:       s.RawWrittenTotal,
		ErrorEventsWritten:  s.ErrorWrittenTotal,
		BatchesFlushed:      s.BatchesFlushed,
		DBWriteFailTotal:    s.DBWriteFailTotal,
		CacheWriteFailTotal: s.CacheWriteFailTotal,
		RetentionDeleted:    s.RetentionDeletedTotal,
		AccessOffset:        s.Offset,
		ErrorOffset:         s.ErrorOffset,
		LastError:           s.LastError,
	}
	if s.LastFlushTime != nil {
		m.LastFlushUnix = s.LastFlushTime.Unix()
	}
	return m
}
