package collector

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/proxyaudit/proxyaudit/internal/cacheproj"
	"github.com/proxyaudit/proxyaudit/internal/config"
	"github.com/proxyaudit/proxyaudit/internal/metrics"
	"github.com/proxyaudit/proxyaudit/internal/model"
	"github.com/proxyaudit/proxyaudit/internal/store"
)

const (
	accessLine  = "2024/01/15 10:30:00.123456 from 203.0.113.5:51342 accepted tcp:example.com:443 [vless-in -> proxy] email: alice@node\n"
	dnsLine     = "2024/01/15 10:30:01.000000 localhost:53 got answer: example.com -> [93.184.216.34] 12ms\n"
	droppedLine = "2024/01/15 10:30:02.000000 from 198.51.100.7:1000 accepted tcp:cdn.net:443 [api -> api]\n"
	garbageLine = "not a log line\n"

	errorWarnLine = "2024/01/15 10:30:03.000000 [Warning] [123456] proxy/vless/inbound: connection ends from 203.0.113.5:51342 > websocket: close 1000\n"
	errorInfoLine = "2024/01/15 10:30:04.000000 [Info] transport/internet: listening on 0.0.0.0:443\n"
)

type testEnv struct {
	collector *Collector
	ingestor  *store.Ingestor
	runtime   *config.Manager
	cfg       *config.EnvConfig
	db        *sql.DB
	mr        *miniredis.Miniredis
}

func newTestEnv(t *testing.T, withRedis bool) *testEnv {
	t.Helper()
	dir := t.TempDir()

	cfg := &config.EnvConfig{
		NodeID:          "node-test",
		LogPath:         filepath.Join(dir, "access.log"),
		ErrorLogPath:    filepath.Join(dir, "error.log"),
		ErrorLogEnabled: true,

		RedisEnabled:                withRedis,
		RuntimeConfigRefreshSeconds: 3,

		BatchSize:                       300,
		FlushIntervalSeconds:            0.2,
		PollIntervalSeconds:             0.02,
		ErrorMinLevel:                   "warning",
		DropAPIToAPI:                    true,
		DropLoopbackTraffic:             true,
		RetentionDays:                   30,
		RetentionCleanupIntervalSeconds: 3600,
		RetentionDeleteBatchSize:        5000,
	}

	db, err := store.OpenDB(filepath.Join(dir, "audit.db"))
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := store.MigrateDB(db); err != nil {
		t.Fatalf("MigrateDB: %v", err)
	}

	env := &testEnv{
		ingestor: store.NewIngestor(db, cfg.NodeID),
		runtime:  config.NewManager(store.NewOverrideRepo(db), cfg),
		cfg:      cfg,
		db:       db,
	}

	var projector *cacheproj.Projector
	if withRedis {
		env.mr = miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: env.mr.Addr()})
		t.Cleanup(func() { client.Close() })
		projector = cacheproj.New(client, cfg.NodeID, nil)
	}

	env.collector = New(Options{
		Env:        cfg,
		Runtime:    env.runtime,
		Store:      env.ingestor,
		Projector:  projector,
		Categories: metrics.NewErrorCategories(),
	})
	env.collector.lastFlush = time.Now()
	env.collector.lastRetention = time.Now()
	return env
}

func appendFile(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func queryCount(t *testing.T, env *testEnv, query string) int {
	t.Helper()
	var n int
	if err := env.db.QueryRow(query).Scan(&n); err != nil {
		t.Fatalf("query %q: %v", query, err)
	}
	return n
}

func (e *testEnv) iterateAndFlush(t *testing.T) {
	t.Helper()
	e.collector.lastFlush = time.Now().Add(-time.Hour)
	k := e.collector.currentKnobs()
	if err := e.collector.iterate(k); err != nil {
		t.Fatalf("iterate: %v", err)
	}
}

func TestFlushPersistsEventsAndOffsets(t *testing.T) {
	env := newTestEnv(t, false)
	appendFile(t, env.cfg.LogPath, accessLine+dnsLine+droppedLine+garbageLine)
	appendFile(t, env.cfg.ErrorLogPath, errorWarnLine+errorInfoLine)

	env.iterateAndFlush(t)

	if got := queryCount(t, env, "SELECT COUNT(*) FROM audit_raw_events"); got != 2 {
		t.Errorf("raw rows = %d, want 2", got)
	}
	if got := queryCount(t, env, "SELECT COUNT(*) FROM audit_access_events"); got != 1 {
		t.Errorf("access rows = %d, want 1", got)
	}
	if got := queryCount(t, env, "SELECT COUNT(*) FROM audit_dns_events"); got != 1 {
		t.Errorf("dns rows = %d, want 1", got)
	}
	if got := queryCount(t, env, "SELECT COUNT(*) FROM audit_error_events"); got != 1 {
		t.Errorf("error rows = %d, want 1 (info below warning)", got)
	}

	st, err := env.ingestor.LoadState(env.cfg.LogPath)
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if st == nil {
		t.Fatal("access offset not persisted")
	}
	wantOffset := int64(len(accessLine) + len(dnsLine) + len(droppedLine) + len(garbageLine))
	if st.LastOffset != wantOffset {
		t.Errorf("access offset = %d, want %d", st.LastOffset, wantOffset)
	}

	s := env.collector.Stats()
	if s.LinesReadTotal != 4 {
		t.Errorf("LinesReadTotal = %d, want 4", s.LinesReadTotal)
	}
	if s.ParseFailTotal != 1 {
		t.Errorf("ParseFailTotal = %d, want 1", s.ParseFailTotal)
	}
	if s.FilteredTotal != 1 {
		t.Errorf("FilteredTotal = %d, want 1", s.FilteredTotal)
	}
	if s.ErrorFilteredTotal != 1 {
		t.Errorf("ErrorFilteredTotal = %d, want 1", s.ErrorFilteredTotal)
	}
	if s.BatchesFlushed != 1 {
		t.Errorf("BatchesFlushed = %d, want 1", s.BatchesFlushed)
	}
	if s.LastError != "" {
		t.Errorf("LastError = %q, want empty", s.LastError)
	}
}

func TestReplayAfterOffsetResetIsIdempotent(t *testing.T) {
	env := newTestEnv(t, false)
	appendFile(t, env.cfg.LogPath, accessLine+dnsLine)

	env.iterateAndFlush(t)
	if got := queryCount(t, env, "SELECT COUNT(*) FROM audit_raw_events"); got != 2 {
		t.Fatalf("raw rows = %d, want 2 after first flush", got)
	}

	// Simulate a crash between event commit and offset save: rewind and
	// re-read the same bytes.
	env.collector.accessTailer.Close()
	env.collector.accessTailer.SetState(nil, 0)
	env.iterateAndFlush(t)

	if got := queryCount(t, env, "SELECT COUNT(*) FROM audit_raw_events"); got != 2 {
		t.Errorf("raw rows = %d, want 2 after replay", got)
	}
	if got := queryCount(t, env, "SELECT COUNT(*) FROM audit_access_events"); got != 1 {
		t.Errorf("access rows = %d, want 1 after replay", got)
	}
}

func TestRuntimeOverrideChangesErrorLevel(t *testing.T) {
	env := newTestEnv(t, false)

	if err := env.runtime.UpdateItems(map[string]any{
		"AUDIT_ERROR_MIN_LEVEL": "error",
	}, "tester", "127.0.0.1"); err != nil {
		t.Fatalf("UpdateItems: %v", err)
	}

	appendFile(t, env.cfg.ErrorLogPath, errorWarnLine+errorInfoLine)
	env.iterateAndFlush(t)

	if got := queryCount(t, env, "SELECT COUNT(*) FROM audit_error_events"); got != 0 {
		t.Errorf("error rows = %d, want 0 with min level error", got)
	}
	if s := env.collector.Stats(); s.ErrorFilteredTotal != 2 {
		t.Errorf("ErrorFilteredTotal = %d, want 2", s.ErrorFilteredTotal)
	}
}

func TestInBatchDuplicateLinesCollapse(t *testing.T) {
	env := newTestEnv(t, false)
	appendFile(t, env.cfg.LogPath, accessLine+accessLine+accessLine)

	env.iterateAndFlush(t)

	if got := queryCount(t, env, "SELECT COUNT(*) FROM audit_raw_events"); got != 1 {
		t.Errorf("raw rows = %d, want 1 for identical lines", got)
	}
	if s := env.collector.Stats(); s.RawWrittenTotal != 1 {
		t.Errorf("RawWrittenTotal = %d, want 1", s.RawWrittenTotal)
	}
}

func TestRetentionCyclePrunes(t *testing.T) {
	env := newTestEnv(t, false)

	old := time.Now().AddDate(0, 0, -60)
	if _, err := env.ingestor.IngestEvents([]*model.ParsedEvent{{
		EventTime: old, EventType: model.EventTypeUnknown,
		RawLine: "ancient", RawHash: "ancient-hash",
	}}); err != nil {
		t.Fatalf("IngestEvents: %v", err)
	}

	env.collector.lastRetention = time.Now().Add(-2 * time.Hour)
	k := env.collector.currentKnobs()
	if err := env.collector.iterate(k); err != nil {
		t.Fatalf("iterate: %v", err)
	}

	if got := queryCount(t, env, "SELECT COUNT(*) FROM audit_raw_events"); got != 0 {
		t.Errorf("raw rows = %d, want 0 after retention", got)
	}
	if s := env.collector.Stats(); s.RetentionDeletedTotal != 1 {
		t.Errorf("RetentionDeletedTotal = %d, want 1", s.RetentionDeletedTotal)
	}
}

func TestRedisProjectionAndHealthAfterFlush(t *testing.T) {
	env := newTestEnv(t, true)
	appendFile(t, env.cfg.LogPath, accessLine)

	env.iterateAndFlush(t)

	recent, err := env.mr.List("audit:recent_events:node-test")
	if err != nil {
		t.Fatalf("recent list: %v", err)
	}
	if len(recent) != 1 {
		t.Errorf("recent events = %d, want 1", len(recent))
	}

	health := env.mr.HGet("audit:health:node-test", "batches_flushed")
	if health != "1" {
		t.Errorf("health batches_flushed = %q, want 1", health)
	}
}

func TestStartStopDrainsBatches(t *testing.T) {
	env := newTestEnv(t, false)
	appendFile(t, env.cfg.LogPath, accessLine+dnsLine)

	if err := env.collector.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(600 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := env.collector.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if got := queryCount(t, env, "SELECT COUNT(*) FROM audit_raw_events"); got != 2 {
		t.Errorf("raw rows = %d, want 2 after drain", got)
	}
}
