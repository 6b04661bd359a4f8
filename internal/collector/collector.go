// Package collector runs the ingestion worker: it tails the access and
// error logs, parses and filters lines, batches events, flushes them
// transactionally, projects flushed batches into Redis and runs the
// retention cycle.
package collector

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/proxyaudit/proxyaudit/internal/cacheproj"
	"github.com/proxyaudit/proxyaudit/internal/config"
	"github.com/proxyaudit/proxyaudit/internal/filter"
	"github.com/proxyaudit/proxyaudit/internal/metrics"
	"github.com/proxyaudit/proxyaudit/internal/model"
	"github.com/proxyaudit/proxyaudit/internal/parse"
	"github.com/proxyaudit/proxyaudit/internal/store"
	"github.com/proxyaudit/proxyaudit/internal/tail"
)

// Options wires a Collector. Projector, Resolver and Categories may be
// nil.
type Options struct {
	Env        *config.EnvConfig
	Runtime    *config.Manager
	Store      *store.Ingestor
	Projector  *cacheproj.Projector
	Categories *metrics.ErrorCategories
}

// knobs is the per-iteration view of the runtime settings.
type knobs struct {
	batchSize      int
	flushInterval  time.Duration
	pollInterval   time.Duration
	errorMinRank   int
	errorDropNoise bool
	filterCfg      filter.Config
	retentionDays  int
	retentionEvery time.Duration
	retentionChunk int
	redisEnabled   bool
}

// Collector is the single ingestion worker for one node.
type Collector struct {
	env        *config.EnvConfig
	runtime    *config.Manager
	store      *store.Ingestor
	projector  *cacheproj.Projector
	categories *metrics.ErrorCategories

	accessTailer *tail.Tailer
	errorTailer  *tail.Tailer

	stats *stats

	accessBatch []*model.ParsedEvent
	errorBatch  []*model.ParsedErrorEvent
	batchSeen   map[uint64]struct{}

	lastFlush     time.Time
	lastRetention time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Collector from opts.
func New(opts Options) *Collector {
	c := &Collector{
		env:          opts.Env,
		runtime:      opts.Runtime,
		store:        opts.Store,
		projector:    opts.Projector,
		categories:   opts.Categories,
		accessTailer: tail.New(opts.Env.LogPath),
		stats:        newStats(opts.Env.NodeID),
		batchSeen:    make(map[uint64]struct{}),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	if opts.Env.ErrorLogEnabled {
		c.errorTailer = tail.New(opts.Env.ErrorLogPath)
	}
	return c
}

// Stats returns a copy of the current counters.
func (c *Collector) Stats() StatsSnapshot {
	return c.stats.Snapshot()
}

// Start seeds the tail positions from persistence and launches the
// worker goroutine.
func (c *Collector) Start() error {
	if err := c.seedTailer(c.accessTailer, c.env.LogPath); err != nil {
		return err
	}
	if c.errorTailer != nil {
		if err := c.seedTailer(c.errorTailer, c.env.ErrorLogPath); err != nil {
			return err
		}
	}

	now := time.Now()
	c.lastFlush = now
	c.lastRetention = now

	go c.run()
	log.Printf("[collector] started node=%s access=%s error=%s",
		c.env.NodeID, c.env.LogPath, c.env.ErrorLogPath)
	return nil
}

func (c *Collector) seedTailer(t *tail.Tailer, path string) error {
	st, err := c.store.LoadState(path)
	if err != nil {
		return fmt.Errorf("collector seed %s: %w", path, err)
	}
	if st != nil {
		t.SetState(st.Inode, st.LastOffset)
	}
	return nil
}

// Stop signals the worker and waits for the drain flush, up to the
// context deadline.
func (c *Collector) Stop(ctx context.Context) error {
	close(c.stopCh)
	select {
	case <-c.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("collector stop: %w", ctx.Err())
	}
}

func (c *Collector) run() {
	defer close(c.doneCh)

	for {
		select {
		case <-c.stopCh:
			c.drain()
			return
		default:
		}

		k := c.currentKnobs()
		if err := c.iterate(k); err != nil {
			c.stats.update(func(s *StatsSnapshot) {
				s.DBWriteFailTotal++
				s.LastError = err.Error()
			})
			log.Printf("[collector] iteration failed: %v", err)
			c.publishHealth(k.redisEnabled)
			c.sleep(time.Second)
		}
	}
}

func (c *Collector) currentKnobs() knobs {
	if err := c.runtime.Refresh(false); err != nil {
		log.Printf("[collector] %v", err)
	}
	m := c.runtime
	return knobs{
		batchSize:      m.GetInt("AUDIT_BATCH_SIZE"),
		flushInterval:  time.Duration(m.GetFloat("AUDIT_FLUSH_INTERVAL_SECONDS") * float64(time.Second)),
		pollInterval:   time.Duration(m.GetFloat("AUDIT_POLL_INTERVAL_SECONDS") * float64(time.Second)),
		errorMinRank:   parse.LevelRank(m.GetString("AUDIT_ERROR_MIN_LEVEL")),
		errorDropNoise: m.GetBool("AUDIT_ERROR_DROP_NOISE"),
		filterCfg: filter.Config{
			DropAPIToAPI:          m.GetBool("AUDIT_DROP_API_TO_API"),
			DropLoopbackTraffic:   m.GetBool("AUDIT_DROP_LOOPBACK_TRAFFIC"),
			DropInvalidVLESSProbe: m.GetBool("AUDIT_DROP_INVALID_VLESS_PROBE"),
			ExcludeDetours:        m.GetCSV("AUDIT_EXCLUDE_DETOURS"),
		},
		retentionDays:  m.GetInt("AUDIT_RETENTION_DAYS"),
		retentionEvery: time.Duration(m.GetInt("AUDIT_RETENTION_CLEANUP_INTERVAL_SECONDS")) * time.Second,
		retentionChunk: m.GetInt("AUDIT_RETENTION_DELETE_BATCH_SIZE"),
		redisEnabled:   m.GetBool("AUDIT_REDIS_ENABLED"),
	}
}

func (c *Collector) iterate(k knobs) error {
	accessLines, err := c.readAccess(k)
	if err != nil {
		return err
	}
	errorLines, err := c.readErrors(k)
	if err != nil {
		return err
	}

	now := time.Now()
	if (len(c.accessBatch) > 0 || len(c.errorBatch) > 0) &&
		(len(c.accessBatch) >= k.batchSize || len(c.errorBatch) >= k.batchSize ||
			now.Sub(c.lastFlush) >= k.flushInterval) {
		if err := c.flush(k); err != nil {
			return err
		}
	}

	if now.Sub(c.lastRetention) >= k.retentionEvery {
		if err := c.runRetention(k); err != nil {
			return err
		}
	}

	if accessLines == 0 && errorLines == 0 {
		c.publishHealth(k.redisEnabled)
		c.sleep(k.pollInterval)
	}
	return nil
}

func (c *Collector) readAccess(k knobs) (int, error) {
	maxLines := 4 * k.batchSize
	if maxLines < 64 {
		maxLines = 64
	}
	lines, err := c.accessTailer.ReadNewLines(maxLines)
	if err != nil {
		return 0, err
	}

	for _, line := range lines {
		c.stats.update(func(s *StatsSnapshot) { s.LinesReadTotal++ })

		ev := parse.ParseLine(line)
		if ev == nil {
			c.stats.update(func(s *StatsSnapshot) { s.ParseFailTotal++ })
			continue
		}
		if filter.ShouldDrop(ev, k.filterCfg) {
			c.stats.update(func(s *StatsSnapshot) { s.FilteredTotal++ })
			continue
		}

		key := xxh3.HashString(ev.RawHash)
		if _, dup := c.batchSeen[key]; dup {
			continue
		}
		c.batchSeen[key] = struct{}{}

		c.accessBatch = append(c.accessBatch, ev)
		eventTime := ev.EventTime
		c.stats.update(func(s *StatsSnapshot) { s.LastEventTime = &eventTime })
	}
	return len(lines), nil
}

func (c *Collector) readErrors(k knobs) (int, error) {
	if c.errorTailer == nil {
		return 0, nil
	}
	maxLines := 2 * k.batchSize
	if maxLines < 32 {
		maxLines = 32
	}
	lines, err := c.errorTailer.ReadNewLines(maxLines)
	if err != nil {
		return 0, err
	}

	for _, line := range lines {
		c.stats.update(func(s *StatsSnapshot) { s.ErrorLinesReadTotal++ })

		ev := parse.ParseErrorLine(line)
		if ev == nil {
			c.stats.update(func(s *StatsSnapshot) { s.ErrorParseFailTotal++ })
			continue
		}
		if parse.LevelRank(ev.Level) < k.errorMinRank || (k.errorDropNoise && ev.IsNoise) {
			c.stats.update(func(s *StatsSnapshot) { s.ErrorFilteredTotal++ })
			continue
		}

		key := xxh3.HashString(ev.RawHash)
		if _, dup := c.batchSeen[key]; dup {
			continue
		}
		c.batchSeen[key] = struct{}{}

		c.errorBatch = append(c.errorBatch, ev)
		eventTime := ev.EventTime
		c.stats.update(func(s *StatsSnapshot) { s.LastErrorEventTime = &eventTime })
	}
	return len(lines), nil
}

// flush commits both batches: access events in one transaction, then
// the cache projection (best effort), then the access offset in its own
// transaction; the error family follows the same order. A crash between
// event commit and offset save replays the bytes, which the raw_hash
// upsert dedupes.
func (c *Collector) flush(k knobs) error {
	start := time.Now()

	if len(c.accessBatch) > 0 {
		if _, err := c.store.IngestEvents(c.accessBatch); err != nil {
			return err
		}

		var accessN, dnsN uint64
		for _, ev := range c.accessBatch {
			switch {
			case ev.Access != nil:
				accessN++
			case ev.DNS != nil:
				dnsN++
			}
		}
		rawN := uint64(len(c.accessBatch))
		c.stats.update(func(s *StatsSnapshot) {
			s.RawWrittenTotal += rawN
			s.AccessWrittenTotal += accessN
			s.DNSWrittenTotal += dnsN
		})

		if k.redisEnabled && c.projector != nil {
			if err := c.projector.UpdateFromEvents(context.Background(), c.accessBatch); err != nil {
				c.stats.update(func(s *StatsSnapshot) { s.CacheWriteFailTotal++ })
				log.Printf("[collector] %v", err)
			}
		}
	}

	inode, offset := c.accessTailer.State()
	if err := c.store.SaveState(model.CollectorState{
		FilePath: c.env.LogPath, Inode: inode, LastOffset: offset,
	}); err != nil {
		return err
	}

	var errInode *int64
	var errOffset int64
	if len(c.errorBatch) > 0 {
		if _, err := c.store.IngestErrorEvents(c.errorBatch); err != nil {
			return err
		}
		if c.categories != nil {
			for _, ev := range c.errorBatch {
				c.categories.Inc(ev.Category)
			}
		}
		errN := uint64(len(c.errorBatch))
		c.stats.update(func(s *StatsSnapshot) { s.ErrorWrittenTotal += errN })
	}
	if c.errorTailer != nil {
		errInode, errOffset = c.errorTailer.State()
		if err := c.store.SaveState(model.CollectorState{
			FilePath: c.env.ErrorLogPath, Inode: errInode, LastOffset: errOffset,
		}); err != nil {
			return err
		}
	}

	now := time.Now()
	latencyMs := now.Sub(start).Milliseconds()
	c.stats.update(func(s *StatsSnapshot) {
		s.BatchesFlushed++
		s.DBLastWriteLatencyMs = latencyMs
		s.LastFlushTime = &now
		s.Inode = inode
		s.Offset = offset
		s.ErrorInode = errInode
		s.ErrorOffset = errOffset
		s.LastError = ""
	})

	c.accessBatch = c.accessBatch[:0]
	c.errorBatch = c.errorBatch[:0]
	c.batchSeen = make(map[uint64]struct{})
	c.lastFlush = now

	c.publishHealth(k.redisEnabled)
	return nil
}

func (c *Collector) runRetention(k knobs) error {
	deleted, err := c.store.PruneOldEvents(k.retentionDays, k.retentionChunk)
	if err != nil {
		return err
	}
	now := time.Now()
	c.stats.update(func(s *StatsSnapshot) {
		s.RetentionDeletedTotal += uint64(deleted)
		s.LastRetentionTime = &now
	})
	c.lastRetention = now
	c.publishHealth(k.redisEnabled)
	return nil
}

// drain runs the final flush on stop. Failures are logged; the offsets
// stay put so the next start replays safely.
func (c *Collector) drain() {
	k := c.currentKnobs()
	if len(c.accessBatch) == 0 && len(c.errorBatch) == 0 {
		c.publishHealth(k.redisEnabled)
		return
	}
	if err := c.flush(k); err != nil {
		log.Printf("[collector] drain flush failed: %v", err)
	}
	log.Printf("[collector] stopped node=%s", c.env.NodeID)
}

func (c *Collector) publishHealth(redisEnabled bool) {
	if !redisEnabled || c.projector == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.projector.PublishHealth(ctx, c.stats.Snapshot().HealthPayload()); err != nil {
		log.Printf("[collector] %v", err)
	}
}

func (c *Collector) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-c.stopCh:
	case <-time.After(d):
	}
}
