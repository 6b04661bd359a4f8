package config

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/proxyaudit/proxyaudit/internal/model"
)

// OverrideStore is the persistence the Manager reads overrides from and
// writes admin updates to.
type OverrideStore interface {
	LoadOverrides() ([]model.RuntimeOverride, error)
	SaveOverrides(overrides []model.RuntimeOverride, changedBy, sourceIP string) error
}

// Item is one schema entry with its effective value, for the admin
// config surface.
type Item struct {
	ConfigKey   string   `json:"config_key"`
	Group       string   `json:"group"`
	GroupLabel  string   `json:"group_label"`
	Label       string   `json:"label"`
	Description string   `json:"description"`
	ValueType   string   `json:"value_type"`
	MinValue    *float64 `json:"min_value,omitempty"`
	MaxValue    *float64 `json:"max_value,omitempty"`
	Options     []string `json:"options,omitempty"`
	Default     any      `json:"default"`
	Value       any      `json:"value"`
	Overridden  bool     `json:"overridden"`
}

// Manager serves effective runtime settings: env defaults shadowed by
// persisted overrides, re-read from the store at most once per TTL.
// Reads between refreshes are served from the cached snapshot, so the
// collector can consult it every iteration without hitting the DB.
type Manager struct {
	store    OverrideStore
	defaults map[string]any
	ttl      time.Duration

	mu        sync.Mutex
	effective map[string]any
	overrides map[string]bool
	loadedAt  time.Time
}

// NewManager builds a Manager over store with defaults derived from cfg.
func NewManager(store OverrideStore, cfg *EnvConfig) *Manager {
	ttl := time.Duration(cfg.RuntimeConfigRefreshSeconds * float64(time.Second))
	if ttl < time.Second {
		ttl = time.Second
	}
	return &Manager{
		store:    store,
		defaults: Defaults(cfg),
		ttl:      ttl,
	}
}

// Refresh reloads overrides from the store when the cached snapshot is
// older than the TTL, or unconditionally when force is set. A store
// error keeps the previous snapshot and is returned for logging; the
// defaults still apply when no snapshot has ever loaded.
func (m *Manager) Refresh(force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !force && m.effective != nil && time.Since(m.loadedAt) < m.ttl {
		return nil
	}

	rows, err := m.store.LoadOverrides()
	if err != nil {
		if m.effective == nil {
			m.applyLocked(nil)
		}
		return fmt.Errorf("runtime config refresh: %w", err)
	}
	m.applyLocked(rows)
	return nil
}

func (m *Manager) applyLocked(rows []model.RuntimeOverride) {
	effective := make(map[string]any, len(m.defaults))
	overridden := make(map[string]bool, len(rows))
	for key, value := range m.defaults {
		effective[key] = value
	}

	for _, row := range rows {
		field, ok := EditableFields[row.ConfigKey]
		if !ok {
			continue
		}
		var raw any
		if err := json.Unmarshal([]byte(row.ValueJSON), &raw); err != nil {
			log.Printf("[config] bad stored value for %s: %v", row.ConfigKey, err)
			continue
		}
		value, err := NormalizeValue(field, raw)
		if err != nil {
			log.Printf("[config] stored value rejected for %s: %v", row.ConfigKey, err)
			continue
		}
		effective[row.ConfigKey] = value
		overridden[row.ConfigKey] = true
	}

	m.effective = effective
	m.overrides = overridden
	m.loadedAt = time.Now()
}

func (m *Manager) get(key string) any {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.effective != nil {
		if v, ok := m.effective[key]; ok {
			return v
		}
	}
	return m.defaults[key]
}

// Get returns the effective value for key, or nil for unknown keys.
func (m *Manager) Get(key string) any { return m.get(key) }

// GetBool returns the effective bool for key, false when absent or
// mistyped.
func (m *Manager) GetBool(key string) bool {
	v, _ := m.get(key).(bool)
	return v
}

// GetInt returns the effective int for key.
func (m *Manager) GetInt(key string) int {
	switch v := m.get(key).(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// GetFloat returns the effective float for key.
func (m *Manager) GetFloat(key string) float64 {
	switch v := m.get(key).(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// GetString returns the effective string for key.
func (m *Manager) GetString(key string) string {
	if v, ok := m.get(key).(string); ok {
		return v
	}
	return ""
}

// GetCSV splits the effective comma-separated string for key into
// trimmed non-empty items.
func (m *Manager) GetCSV(key string) []string {
	var out []string
	for _, part := range strings.Split(m.GetString(key), ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// CurrentItems returns the effective value for every editable key.
func (m *Manager) CurrentItems() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]any, len(m.defaults))
	for key, value := range m.defaults {
		out[key] = value
	}
	for key, value := range m.effective {
		out[key] = value
	}
	return out
}

// SchemaItems returns the full schema with effective values, sorted by
// group then key, for the admin config endpoint.
func (m *Manager) SchemaItems() []Item {
	m.mu.Lock()
	effective := m.effective
	overridden := m.overrides
	m.mu.Unlock()

	items := make([]Item, 0, len(EditableFields))
	for key, field := range EditableFields {
		value := m.defaults[key]
		if effective != nil {
			if v, ok := effective[key]; ok {
				value = v
			}
		}
		items = append(items, Item{
			ConfigKey:   key,
			Group:       field.Group,
			GroupLabel:  GroupLabels[field.Group],
			Label:       field.Label,
			Description: field.Description,
			ValueType:   field.ValueType,
			MinValue:    field.MinValue,
			MaxValue:    field.MaxValue,
			Options:     field.Options,
			Default:     m.defaults[key],
			Value:       value,
			Overridden:  overridden[key],
		})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Group != items[j].Group {
			return items[i].Group < items[j].Group
		}
		return items[i].ConfigKey < items[j].ConfigKey
	})
	return items
}

// UpdateItems validates the whole batch against the schema, persists it
// atomically, and force-refreshes the snapshot. Nothing is written when
// any entry fails validation.
func (m *Manager) UpdateItems(values map[string]any, changedBy, sourceIP string) error {
	if len(values) == 0 {
		return fmt.Errorf("runtime config update: empty payload")
	}

	now := time.Now().UnixNano()
	overrides := make([]model.RuntimeOverride, 0, len(values))
	var errs []string
	for key, raw := range values {
		field, ok := EditableFields[key]
		if !ok {
			errs = append(errs, fmt.Sprintf("unknown config key %q", key))
			continue
		}
		value, err := NormalizeValue(field, raw)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
			continue
		}
		overrides = append(overrides, model.RuntimeOverride{
			ConfigKey:   key,
			ValueJSON:   string(encoded),
			ValueType:   field.ValueType,
			UpdatedBy:   changedBy,
			UpdatedAtNs: now,
		})
	}
	if len(errs) > 0 {
		sort.Strings(errs)
		return fmt.Errorf("runtime config update rejected:\n  %s", strings.Join(errs, "\n  "))
	}

	if err := m.store.SaveOverrides(overrides, changedBy, sourceIP); err != nil {
		return fmt.Errorf("runtime config update: %w", err)
	}
	return m.Refresh(true)
}
