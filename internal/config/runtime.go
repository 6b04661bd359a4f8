package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Value types accepted by the runtime-config schema.
const (
	TypeBool  = "bool"
	TypeInt   = "int"
	TypeFloat = "float"
	TypeEnum  = "enum"
	TypeCSV   = "csv"
)

// Field describes one hot-updatable setting: its type, bounds and the
// admin-surface metadata. Only keys present in EditableFields may be
// written through the override path.
type Field struct {
	ConfigKey   string
	Group       string
	Label       string
	Description string
	ValueType   string
	MinValue    *float64
	MaxValue    *float64
	Options     []string
}

// GroupLabels maps schema groups to display names.
var GroupLabels = map[string]string{
	"collector": "Collector",
	"filter":    "Filter",
	"retention": "Retention",
	"geoip":     "GeoIP",
	"cache":     "Cache",
}

func bounds(min, max float64) (*float64, *float64) { return &min, &max }

// EditableFields is the fixed schema of runtime-updatable keys.
var EditableFields = map[string]Field{
	"AUDIT_BATCH_SIZE": {
		ConfigKey: "AUDIT_BATCH_SIZE", Group: "collector", Label: "Batch Size",
		Description: "Maximum parsed rows buffered before flush.",
		ValueType:   TypeInt,
	},
	"AUDIT_FLUSH_INTERVAL_SECONDS": {
		ConfigKey: "AUDIT_FLUSH_INTERVAL_SECONDS", Group: "collector", Label: "Flush Interval Seconds",
		Description: "Maximum flush interval even if batch is not full.",
		ValueType:   TypeFloat,
	},
	"AUDIT_POLL_INTERVAL_SECONDS": {
		ConfigKey: "AUDIT_POLL_INTERVAL_SECONDS", Group: "collector", Label: "Poll Interval Seconds",
		Description: "Tailer sleep interval when no new lines.",
		ValueType:   TypeFloat,
	},
	"AUDIT_ERROR_MIN_LEVEL": {
		ConfigKey: "AUDIT_ERROR_MIN_LEVEL", Group: "filter", Label: "Error Min Level",
		Description: "Minimum level to ingest from error log.",
		ValueType:   TypeEnum, Options: []string{"debug", "info", "warning", "error"},
	},
	"AUDIT_ERROR_DROP_NOISE": {
		ConfigKey: "AUDIT_ERROR_DROP_NOISE", Group: "filter", Label: "Drop Error Noise",
		Description: "Drop known noisy error categories at collector side.",
		ValueType:   TypeBool,
	},
	"AUDIT_DROP_API_TO_API": {
		ConfigKey: "AUDIT_DROP_API_TO_API", Group: "filter", Label: "Drop API->API",
		Description: "Drop access events with detour exactly 'api -> api'.",
		ValueType:   TypeBool,
	},
	"AUDIT_DROP_LOOPBACK_TRAFFIC": {
		ConfigKey: "AUDIT_DROP_LOOPBACK_TRAFFIC", Group: "filter", Label: "Drop Loopback Traffic",
		Description: "Drop loopback source/destination access traffic.",
		ValueType:   TypeBool,
	},
	"AUDIT_DROP_INVALID_VLESS_PROBE": {
		ConfigKey: "AUDIT_DROP_INVALID_VLESS_PROBE", Group: "filter", Label: "Drop Invalid VLESS Probe",
		Description: "Drop rejected invalid-request-version VLESS probe noise.",
		ValueType:   TypeBool,
	},
	"AUDIT_EXCLUDE_DETOURS": {
		ConfigKey: "AUDIT_EXCLUDE_DETOURS", Group: "filter", Label: "Exclude Detours",
		Description: "Comma separated detours to drop.",
		ValueType:   TypeCSV,
	},
	"AUDIT_RETENTION_DAYS": {
		ConfigKey: "AUDIT_RETENTION_DAYS", Group: "retention", Label: "Retention Days",
		Description: "Keep at most this many days in audit tables.",
		ValueType:   TypeInt,
	},
	"AUDIT_RETENTION_CLEANUP_INTERVAL_SECONDS": {
		ConfigKey: "AUDIT_RETENTION_CLEANUP_INTERVAL_SECONDS", Group: "retention", Label: "Retention Cleanup Interval Seconds",
		Description: "How often retention cleanup job runs.",
		ValueType:   TypeInt,
	},
	"AUDIT_RETENTION_DELETE_BATCH_SIZE": {
		ConfigKey: "AUDIT_RETENTION_DELETE_BATCH_SIZE", Group: "retention", Label: "Retention Delete Batch Size",
		Description: "Rows deleted per retention SQL batch.",
		ValueType:   TypeInt,
	},
	"AUDIT_GEOIP_ENABLED": {
		ConfigKey: "AUDIT_GEOIP_ENABLED", Group: "geoip", Label: "GeoIP Enabled",
		Description: "Enable source-IP country enrichment of cache projections.",
		ValueType:   TypeBool,
	},
	"AUDIT_REDIS_ENABLED": {
		ConfigKey: "AUDIT_REDIS_ENABLED", Group: "cache", Label: "Redis Enabled",
		Description: "Enable redis-backed realtime cache paths.",
		ValueType:   TypeBool,
	},
}

func init() {
	setBounds := func(key string, min, max float64) {
		f := EditableFields[key]
		f.MinValue, f.MaxValue = bounds(min, max)
		EditableFields[key] = f
	}
	setBounds("AUDIT_BATCH_SIZE", 1, 20000)
	setBounds("AUDIT_FLUSH_INTERVAL_SECONDS", 0.1, 30)
	setBounds("AUDIT_POLL_INTERVAL_SECONDS", 0.05, 10)
	setBounds("AUDIT_RETENTION_DAYS", 1, 3650)
	setBounds("AUDIT_RETENTION_CLEANUP_INTERVAL_SECONDS", 60, 86400)
	setBounds("AUDIT_RETENTION_DELETE_BATCH_SIZE", 100, 200000)
}

// Defaults maps every editable key to its compile-time default derived
// from the environment config.
func Defaults(cfg *EnvConfig) map[string]any {
	return map[string]any{
		"AUDIT_BATCH_SIZE":                         cfg.BatchSize,
		"AUDIT_FLUSH_INTERVAL_SECONDS":             cfg.FlushIntervalSeconds,
		"AUDIT_POLL_INTERVAL_SECONDS":              cfg.PollIntervalSeconds,
		"AUDIT_ERROR_MIN_LEVEL":                    cfg.ErrorMinLevel,
		"AUDIT_ERROR_DROP_NOISE":                   cfg.ErrorDropNoise,
		"AUDIT_DROP_API_TO_API":                    cfg.DropAPIToAPI,
		"AUDIT_DROP_LOOPBACK_TRAFFIC":              cfg.DropLoopbackTraffic,
		"AUDIT_DROP_INVALID_VLESS_PROBE":           cfg.DropInvalidVLESSProbe,
		"AUDIT_EXCLUDE_DETOURS":                    strings.Join(cfg.ExcludeDetours, ","),
		"AUDIT_RETENTION_DAYS":                     cfg.RetentionDays,
		"AUDIT_RETENTION_CLEANUP_INTERVAL_SECONDS": cfg.RetentionCleanupIntervalSeconds,
		"AUDIT_RETENTION_DELETE_BATCH_SIZE":        cfg.RetentionDeleteBatchSize,
		"AUDIT_GEOIP_ENABLED":                      cfg.GeoIPEnabled,
		"AUDIT_REDIS_ENABLED":                      cfg.RedisEnabled,
	}
}

// NormalizeValue validates and coerces a raw override value against its
// field schema. Bool accepts 1/true/yes/on and 0/false/no/off; int and
// float are range-checked; enum values are lowercased and matched
// against options; csv lists collapse to a trimmed comma-joined string.
func NormalizeValue(field Field, raw any) (any, error) {
	switch field.ValueType {
	case TypeBool:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case int:
			return v != 0, nil
		case float64:
			return v != 0, nil
		}
		switch strings.ToLower(strings.TrimSpace(fmt.Sprint(raw))) {
		case "1", "true", "yes", "on":
			return true, nil
		case "0", "false", "no", "off":
			return false, nil
		}
		return nil, fmt.Errorf("%s expects bool", field.ConfigKey)

	case TypeInt:
		value, err := coerceInt(raw)
		if err != nil {
			return nil, fmt.Errorf("%s expects int: %v", field.ConfigKey, err)
		}
		if err := checkRange(field, float64(value)); err != nil {
			return nil, err
		}
		return value, nil

	case TypeFloat:
		value, err := coerceFloat(raw)
		if err != nil {
			return nil, fmt.Errorf("%s expects float: %v", field.ConfigKey, err)
		}
		if err := checkRange(field, value); err != nil {
			return nil, err
		}
		return value, nil

	case TypeEnum:
		value := strings.ToLower(strings.TrimSpace(fmt.Sprint(raw)))
		for _, opt := range field.Options {
			if value == opt {
				return value, nil
			}
		}
		opts := append([]string(nil), field.Options...)
		sort.Strings(opts)
		return nil, fmt.Errorf("%s expects one of %v", field.ConfigKey, opts)

	case TypeCSV:
		var parts []string
		if list, ok := raw.([]any); ok {
			for _, item := range list {
				if v := strings.TrimSpace(fmt.Sprint(item)); v != "" {
					parts = append(parts, v)
				}
			}
		} else {
			for _, item := range strings.Split(fmt.Sprint(raw), ",") {
				if v := strings.TrimSpace(item); v != "" {
					parts = append(parts, v)
				}
			}
		}
		return strings.Join(parts, ","), nil
	}

	return fmt.Sprint(raw), nil
}

func coerceInt(raw any) (int64, error) {
	switch v := raw.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	}
	return strconv.ParseInt(strings.TrimSpace(fmt.Sprint(raw)), 10, 64)
}

func coerceFloat(raw any) (float64, error) {
	switch v := raw.(type) {
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case float64:
		return v, nil
	}
	return strconv.ParseFloat(strings.TrimSpace(fmt.Sprint(raw)), 64)
}

func checkRange(field Field, value float64) error {
	if field.MinValue != nil && value < *field.MinValue {
		return fmt.Errorf("%s must be >= %v", field.ConfigKey, *field.MinValue)
	}
	if field.MaxValue != nil && value > *field.MaxValue {
		return fmt.Errorf("%s must be <= %v", field.ConfigKey, *field.MaxValue)
	}
	return nil
}
