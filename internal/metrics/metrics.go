// Package metrics exposes the §6.3 management/observation surface as a
// prometheus.Collector, grounded on cuemby/warren's pkg/metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	getsTotal = prometheus.NewDesc(
		"persistit_buffer_pool_gets_total", "Total buffer pool get() calls.", nil, nil)
	hitsTotal = prometheus.NewDesc(
		"persistit_buffer_pool_hits_total", "Total buffer pool cache hits.", nil, nil)
	hitRatio = prometheus.NewDesc(
		"persistit_buffer_pool_hit_ratio", "Cache hit ratio since last reset.", nil, nil)
	validPages = prometheus.NewDesc(
		"persistit_buffer_pool_valid_pages", "Buffers currently holding a valid page image.", nil, nil)
	dirtyPages = prometheus.NewDesc(
		"persistit_buffer_pool_dirty_pages", "Buffers with an unwritten modification.", nil, nil)
	readerClaimedPages = prometheus.NewDesc(
		"persistit_buffer_pool_reader_claimed_pages", "Buffers currently held under a reader claim.", nil, nil)
	writerClaimedPages = prometheus.NewDesc(
		"persistit_buffer_pool_writer_claimed_pages", "Buffers currently held under a writer claim.", nil, nil)
	permanentPages = prometheus.NewDesc(
		"persistit_buffer_pool_permanent_pages", "Buffers pinned on the permanent list.", nil, nil)
	journalBytesWritten = prometheus.NewDesc(
		"persistit_journal_bytes_written_total", "Total bytes appended to the journal.", nil, nil)
	pendingCheckpoints = prometheus.NewDesc(
		"persistit_journal_pending_checkpoint_proposals", "Checkpoint proposals not yet made durable.", nil, nil)
	rollbacksSinceCommit = prometheus.NewDesc(
		"persistit_session_rollbacks_since_commit", "Rollbacks observed since this session's last commit.", []string{"session"}, nil)
	writeLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "persistit_dirty_page_write_duration_seconds",
			Help:    "Latency of writing a dirty page to the journal.",
			Buckets: prometheus.DefBuckets,
		})
)

func init() {
	prometheus.MustRegister(writeLatency)
}

// PoolStats is the subset of buffer.Stats the collector needs; kept as a
// local struct so this package never imports internal/buffer, which itself
// imports metrics (ObserveWriteLatency) and would form an import cycle.
type PoolStats struct {
	Gets, Hits                                                   uint64
	ValidPages, DirtyPages, ReaderClaimed, WriterClaimed, Permanent int
}

// PoolSource is satisfied by the root package's *Database, which sums the
// buffer.Stats of every pool.
type PoolSource interface {
	Stats() PoolStats
}

// JournalSource is satisfied by *journal.Manager.
type JournalSource interface {
	BytesWritten() uint64
}

// SessionRollbacks reports rollback counts per active session, keyed by a
// caller-chosen session label (e.g. a stringified session ID).
type SessionRollbacks interface {
	RollbacksSinceCommit() map[string]uint64
}

// Collector implements prometheus.Collector, pulling live counters from the
// buffer pool and journal manager on every scrape instead of polling on a
// ticker (the teacher's Collector.Start pattern, adapted to pull-based
// collection since Prometheus already drives the cadence).
type Collector struct {
	pool               PoolSource
	journal            JournalSource
	sessions           SessionRollbacks
	pendingCheckpoints func() int
}

// NewCollector builds a Collector over the given sources. Any of journal,
// sessions, or pendingCheckpoints may be nil; their metrics are then
// omitted from each scrape.
func NewCollector(pool PoolSource, journal JournalSource, sessions SessionRollbacks, pendingCheckpoints func() int) *Collector {
	return &Collector{pool: pool, journal: journal, sessions: sessions, pendingCheckpoints: pendingCheckpoints}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- getsTotal
	ch <- hitsTotal
	ch <- hitRatio
	ch <- validPages
	ch <- dirtyPages
	ch <- readerClaimedPages
	ch <- writerClaimedPages
	ch <- permanentPages
	ch <- journalBytesWritten
	ch <- pendingCheckpoints
	ch <- rollbacksSinceCommit
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.pool != nil {
		s := c.pool.Stats()
		ch <- prometheus.MustNewConstMetric(getsTotal, prometheus.CounterValue, float64(s.Gets))
		ch <- prometheus.MustNewConstMetric(hitsTotal, prometheus.CounterValue, float64(s.Hits))
		ratio := 0.0
		if s.Gets > 0 {
			ratio = float64(s.Hits) / float64(s.Gets)
		}
		ch <- prometheus.MustNewConstMetric(hitRatio, prometheus.GaugeValue, ratio)
		ch <- prometheus.MustNewConstMetric(validPages, prometheus.GaugeValue, float64(s.ValidPages))
		ch <- prometheus.MustNewConstMetric(dirtyPages, prometheus.GaugeValue, float64(s.DirtyPages))
		ch <- prometheus.MustNewConstMetric(readerClaimedPages, prometheus.GaugeValue, float64(s.ReaderClaimed))
		ch <- prometheus.MustNewConstMetric(writerClaimedPages, prometheus.GaugeValue, float64(s.WriterClaimed))
		ch <- prometheus.MustNewConstMetric(permanentPages, prometheus.GaugeValue, float64(s.Permanent))
	}
	if c.journal != nil {
		ch <- prometheus.MustNewConstMetric(journalBytesWritten, prometheus.CounterValue, float64(c.journal.BytesWritten()))
	}
	if c.pendingCheckpoints != nil {
		ch <- prometheus.MustNewConstMetric(pendingCheckpoints, prometheus.GaugeValue, float64(c.pendingCheckpoints()))
	}
	if c.sessions != nil {
		for session, n := range c.sessions.RollbacksSinceCommit() {
			ch <- prometheus.MustNewConstMetric(rollbacksSinceCommit, prometheus.GaugeValue, float64(n), session)
		}
	}
}

// ObserveWriteLatency records one PageWriter write duration, called from
// internal/buffer's pageWriter after a successful journal write.
func ObserveWriteLatency(d time.Duration) {
	writeLatency.Observe(d.Seconds())
}
