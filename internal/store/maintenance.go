package store

import (
	"database/sql"
	"fmt"
	"log"
	"time"
)

// Maintain compacts the WAL and refreshes the query planner statistics.
// Scheduled off-peak via cron; safe to run while the collector writes.
func Maintain(db *sql.DB) error {
	start := time.Now()

	if _, err := db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("maintenance: wal checkpoint: %w", err)
	}
	if _, err := db.Exec("PRAGMA optimize"); err != nil {
		return fmt.Errorf("maintenance: optimize: %w", err)
	}

	log.Printf("[store] maintenance done in %s", time.Since(start).Round(time.Millisecond))
	return nil
}
