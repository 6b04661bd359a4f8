package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/proxyaudit/proxyaudit/internal/model"
)

// OverrideRepo persists runtime-config overrides and their change
// history. It satisfies the config package's OverrideStore interface.
type OverrideRepo struct {
	mu sync.Mutex
	db *sql.DB
}

// NewOverrideRepo wraps db as the runtime-config override store.
func NewOverrideRepo(db *sql.DB) *OverrideRepo {
	return &OverrideRepo{db: db}
}

// LoadOverrides returns every persisted override row.
func (r *OverrideRepo) LoadOverrides() ([]model.RuntimeOverride, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.db.Query(
		`SELECT config_key, value_json, value_type, updated_by, updated_at_ns FROM audit_runtime_config`,
	)
	if err != nil {
		return nil, fmt.Errorf("load overrides: %w", err)
	}
	defer rows.Close()

	var out []model.RuntimeOverride
	for rows.Next() {
		var row model.RuntimeOverride
		if err := rows.Scan(&row.ConfigKey, &row.ValueJSON, &row.ValueType, &row.UpdatedBy, &row.UpdatedAtNs); err != nil {
			return nil, fmt.Errorf("scan override: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// SaveOverrides upserts a validated batch and appends one history row
// per key, all in a single transaction.
func (r *OverrideRepo) SaveOverrides(overrides []model.RuntimeOverride, changedBy, sourceIP string) error {
	if len(overrides) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("save overrides begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	selectOld, err := tx.Prepare(`SELECT value_json FROM audit_runtime_config WHERE config_key = ?`)
	if err != nil {
		return fmt.Errorf("save overrides prepare lookup: %w", err)
	}
	defer selectOld.Close()

	upsert, err := tx.Prepare(`
		INSERT INTO audit_runtime_config (config_key, value_json, value_type, updated_by, updated_at_ns)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(config_key) DO UPDATE SET
			value_json = excluded.value_json,
			value_type = excluded.value_type,
			updated_by = excluded.updated_by,
			updated_at_ns = excluded.updated_at_ns`)
	if err != nil {
		return fmt.Errorf("save overrides prepare upsert: %w", err)
	}
	defer upsert.Close()

	history, err := tx.Prepare(`
		INSERT INTO audit_runtime_config_history (
			config_key, old_value_json, new_value_json, changed_by, source_ip, changed_at_ns
		) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("save overrides prepare history: %w", err)
	}
	defer history.Close()

	now := time.Now().UnixNano()
	for _, row := range overrides {
		var oldValue sql.NullString
		err := selectOld.QueryRow(row.ConfigKey).Scan(&oldValue)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("save overrides lookup %s: %w", row.ConfigKey, err)
		}

		if _, err := upsert.Exec(row.ConfigKey, row.ValueJSON, row.ValueType, changedBy, now); err != nil {
			return fmt.Errorf("save overrides upsert %s: %w", row.ConfigKey, err)
		}

		var old any
		if oldValue.Valid {
			old = oldValue.String
		}
		if _, err := history.Exec(row.ConfigKey, old, row.ValueJSON, changedBy, sourceIP, now); err != nil {
			return fmt.Errorf("save overrides history %s: %w", row.ConfigKey, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save overrides commit: %w", err)
	}
	return nil
}
