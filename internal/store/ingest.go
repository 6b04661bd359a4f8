package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/proxyaudit/proxyaudit/internal/model"
)

// Ingestor is the single writer for the audit database. All methods are
// mutex-serialized; the collector and the retention job share one
// instance.
type Ingestor struct {
	mu     sync.Mutex
	db     *sql.DB
	nodeID string
}

// NewIngestor wraps db as the audit event writer for nodeID.
func NewIngestor(db *sql.DB, nodeID string) *Ingestor {
	return &Ingestor{db: db, nodeID: nodeID}
}

// LoadState returns the persisted tail position for filePath, or nil
// when the file has never been tracked.
func (s *Ingestor) LoadState(filePath string) (*model.CollectorState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(
		`SELECT file_path, inode, last_offset, updated_at_ns FROM collector_state WHERE file_path = ?`,
		filePath,
	)
	var st model.CollectorState
	var inode sql.NullInt64
	err := row.Scan(&st.FilePath, &inode, &st.LastOffset, &st.UpdatedAtNs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state %s: %w", filePath, err)
	}
	if inode.Valid {
		st.Inode = &inode.Int64
	}
	return &st, nil
}

// SaveState upserts the tail position for one file. Called after the
// event transaction covering that offset has committed.
func (s *Ingestor) SaveState(st model.CollectorState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var inode any
	if st.Inode != nil {
		inode = *st.Inode
	}
	_, err := s.db.Exec(`
		INSERT INTO collector_state (file_path, inode, last_offset, updated_at_ns)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(file_path) DO UPDATE SET
			inode = excluded.inode,
			last_offset = excluded.last_offset,
			updated_at_ns = excluded.updated_at_ns`,
		st.FilePath, inode, st.LastOffset, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save state %s: %w", st.FilePath, err)
	}
	return nil
}

// IngestEvents writes a batch of access/dns/unknown events in one
// transaction. Replayed lines dedup on raw_hash: the raw row survives
// and the child row is rewritten, so re-ingesting after a crash between
// commit and offset save is harmless. Returns the number of events
// processed.
func (s *Ingestor) IngestEvents(events []*model.ParsedEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("ingest begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	insertRaw, err := tx.Prepare(`
		INSERT INTO audit_raw_events (event_time_ns, event_type, raw_line, raw_hash, node_id, ingested_at_ns)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(raw_hash) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("ingest prepare raw: %w", err)
	}
	defer insertRaw.Close()

	selectRawID, err := tx.Prepare(`SELECT id FROM audit_raw_events WHERE raw_hash = ?`)
	if err != nil {
		return 0, fmt.Errorf("ingest prepare raw lookup: %w", err)
	}
	defer selectRawID.Close()

	insertAccess, err := tx.Prepare(`
		INSERT INTO audit_access_events (
			raw_event_id, event_time_ns, user_email, src, dest_raw, dest_host,
			dest_port, status, detour, reason, is_domain, confidence
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(raw_event_id) DO UPDATE SET
			event_time_ns = excluded.event_time_ns,
			user_email = excluded.user_email,
			src = excluded.src,
			dest_raw = excluded.dest_raw,
			dest_host = excluded.dest_host,
			dest_port = excluded.dest_port,
			status = excluded.status,
			detour = excluded.detour,
			reason = excluded.reason,
			is_domain = excluded.is_domain,
			confidence = excluded.confidence`)
	if err != nil {
		return 0, fmt.Errorf("ingest prepare access: %w", err)
	}
	defer insertAccess.Close()

	insertDNS, err := tx.Prepare(`
		INSERT INTO audit_dns_events (
			raw_event_id, event_time_ns, dns_server, domain, ips_json,
			dns_status, elapsed_ms, error_text
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(raw_event_id) DO UPDATE SET
			event_time_ns = excluded.event_time_ns,
			dns_server = excluded.dns_server,
			domain = excluded.domain,
			ips_json = excluded.ips_json,
			dns_status = excluded.dns_status,
			elapsed_ms = excluded.elapsed_ms,
			error_text = excluded.error_text`)
	if err != nil {
		return 0, fmt.Errorf("ingest prepare dns: %w", err)
	}
	defer insertDNS.Close()

	now := time.Now().UnixNano()
	processed := 0
	for _, ev := range events {
		if ev == nil {
			continue
		}
		if _, err := insertRaw.Exec(
			ev.EventTime.UnixNano(), ev.EventType, ev.RawLine, ev.RawHash, s.nodeID, now,
		); err != nil {
			return 0, fmt.Errorf("ingest raw row: %w", err)
		}

		var rawID int64
		if err := selectRawID.QueryRow(ev.RawHash).Scan(&rawID); err != nil {
			return 0, fmt.Errorf("ingest raw id lookup: %w", err)
		}

		switch {
		case ev.Access != nil:
			a := ev.Access
			_, err = insertAccess.Exec(
				rawID, a.EventTime.UnixNano(), a.UserEmail, a.Src, a.DestRaw, a.DestHost,
				nullableInt(a.DestPort), a.Status, a.Detour, a.Reason, boolToInt(a.IsDomain), a.Confidence,
			)
		case ev.DNS != nil:
			d := ev.DNS
			_, err = insertDNS.Exec(
				rawID, d.EventTime.UnixNano(), d.DNSServer, d.Domain, d.IPsJSON,
				d.DNSStatus, nullableInt64(d.ElapsedMs), d.ErrorText,
			)
		}
		if err != nil {
			return 0, fmt.Errorf("ingest child row: %w", err)
		}
		processed++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("ingest commit: %w", err)
	}
	return processed, nil
}

// IngestErrorEvents writes a batch of classified error-log events in one
// transaction, deduplicating on raw_hash.
func (s *Ingestor) IngestErrorEvents(events []*model.ParsedErrorEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("ingest errors begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`
		INSERT INTO audit_error_events (
			event_time_ns, level, session_id, component, message, src,
			dest_raw, dest_host, dest_port, category, signature_hash,
			is_noise, raw_line, raw_hash, node_id, ingested_at_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(raw_hash) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("ingest errors prepare: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixNano()
	processed := 0
	for _, ev := range events {
		if ev == nil {
			continue
		}
		if _, err := stmt.Exec(
			ev.EventTime.UnixNano(), ev.Level, nullableInt64(ev.SessionID), ev.Component,
			ev.Message, ev.Src, ev.DestRaw, ev.DestHost, nullableInt(ev.DestPort),
			ev.Category, ev.SignatureHash, boolToInt(ev.IsNoise), ev.RawLine, ev.RawHash,
			s.nodeID, now,
		); err != nil {
			return 0, fmt.Errorf("ingest error row: %w", err)
		}
		processed++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("ingest errors commit: %w", err)
	}
	return processed, nil
}

// PruneOldEvents deletes rows older than days from the audit tables in
// chunks of chunkSize rows, each chunk its own transaction so the
// writer is never blocked for long. Child access/dns rows go with their
// raw rows via ON DELETE CASCADE. Returns the total rows deleted from
// the parent tables.
func (s *Ingestor) PruneOldEvents(days, chunkSize int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	if chunkSize <= 0 {
		chunkSize = 5000
	}
	cutoff := time.Now().AddDate(0, 0, -days).UnixNano()

	targets := []struct {
		table  string
		column string
	}{
		{"audit_raw_events", "event_time_ns"},
		{"audit_error_events", "event_time_ns"},
		{"audit_auth_events", "event_time_ns"},
		{"audit_runtime_config_history", "changed_at_ns"},
	}

	var total int64
	for _, tgt := range targets {
		deleted, err := s.pruneTable(tgt.table, tgt.column, cutoff, chunkSize)
		if err != nil {
			return total, err
		}
		if deleted > 0 {
			log.Printf("[store] retention: pruned %d rows from %s", deleted, tgt.table)
		}
		total += deleted
	}
	return total, nil
}

func (s *Ingestor) pruneTable(table, column string, cutoff int64, chunkSize int) (int64, error) {
	query := fmt.Sprintf(
		`DELETE FROM %s WHERE id IN (SELECT id FROM %s WHERE %s < ? LIMIT ?)`,
		table, table, column,
	)

	var total int64
	for {
		s.mu.Lock()
		res, err := s.db.Exec(query, cutoff, chunkSize)
		s.mu.Unlock()
		if err != nil {
			return total, fmt.Errorf("prune %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("prune %s rows affected: %w", table, err)
		}
		total += n
		if n < int64(chunkSize) {
			return total, nil
		}
	}
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
