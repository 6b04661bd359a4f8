// Package config handles environment-based configuration loading, the
// runtime-config field schema, and the TTL-cached override manager.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// EnvConfig holds all environment-driven settings. Everything here is
// fixed for the process lifetime; the knobs below the "Collector
// defaults" marker are only the defaults that the runtime override
// table can shadow.
type EnvConfig struct {
	NodeID          string
	LogPath         string
	ErrorLogPath    string
	ErrorLogEnabled bool

	DBPath                string
	DBMaintenanceSchedule string

	RedisURL     string
	RedisEnabled bool

	ListenAddress string
	APIPort       int

	RuntimeConfigRefreshSeconds float64

	GeoIPEnabled      bool
	GeoIPMMDBPath     string
	GeoIPCacheEntries int

	// Collector defaults (hot-updatable via runtime config).
	BatchSize                       int
	FlushIntervalSeconds            float64
	PollIntervalSeconds             float64
	ErrorMinLevel                   string
	ErrorDropNoise                  bool
	DropAPIToAPI                    bool
	DropLoopbackTraffic             bool
	DropInvalidVLESSProbe           bool
	ExcludeDetours                  []string
	RetentionDays                   int
	RetentionCleanupIntervalSeconds int
	RetentionDeleteBatchSize        int
}

// LoadEnvConfig reads environment variables (optionally seeded from a
// YAML file named by AUDIT_CONFIG_FILE) and returns a validated
// EnvConfig. All validation problems are collected and reported at once.
func LoadEnvConfig() (*EnvConfig, error) {
	if err := loadConfigFileIfPresent(); err != nil {
		return nil, err
	}

	cfg := &EnvConfig{}
	var errs []string

	cfg.NodeID = strings.TrimSpace(envStr("AUDIT_NODE_ID", ""))
	if cfg.NodeID == "" {
		cfg.NodeID = "node-" + uuid.NewString()[:8]
	}
	cfg.LogPath = envStr("AUDIT_LOG_PATH", "/var/log/proxy/access.log")
	cfg.ErrorLogPath = envStr("AUDIT_ERROR_LOG_PATH", "/var/log/proxy/error.log")
	cfg.ErrorLogEnabled = envBool("AUDIT_ERROR_LOG_ENABLED", true)

	cfg.DBPath = envStr("AUDIT_DB_PATH", "/var/lib/proxyaudit/audit.db")
	cfg.DBMaintenanceSchedule = envStr("AUDIT_DB_MAINTENANCE_SCHEDULE", "0 4 * * *")

	cfg.RedisURL = envStr("AUDIT_REDIS_URL", "redis://127.0.0.1:6379/0")
	cfg.RedisEnabled = envBool("AUDIT_REDIS_ENABLED", true)

	cfg.ListenAddress = strings.TrimSpace(envStr("AUDIT_LISTEN_ADDRESS", "127.0.0.1"))
	cfg.APIPort = envInt("AUDIT_API_PORT", 8088, &errs)

	cfg.RuntimeConfigRefreshSeconds = envFloat("AUDIT_RUNTIME_CONFIG_REFRESH_SECONDS", 3, &errs)

	cfg.GeoIPEnabled = envBool("AUDIT_GEOIP_ENABLED", false)
	cfg.GeoIPMMDBPath = envStr("AUDIT_GEOIP_MMDB_PATH", "")
	cfg.GeoIPCacheEntries = envInt("AUDIT_GEOIP_CACHE_ENTRIES", 4096, &errs)

	cfg.BatchSize = envInt("AUDIT_BATCH_SIZE", 300, &errs)
	cfg.FlushIntervalSeconds = envFloat("AUDIT_FLUSH_INTERVAL_SECONDS", 1.0, &errs)
	cfg.PollIntervalSeconds = envFloat("AUDIT_POLL_INTERVAL_SECONDS", 0.2, &errs)
	cfg.ErrorMinLevel = strings.ToLower(strings.TrimSpace(envStr("AUDIT_ERROR_MIN_LEVEL", "warning")))
	cfg.ErrorDropNoise = envBool("AUDIT_ERROR_DROP_NOISE", false)
	cfg.DropAPIToAPI = envBool("AUDIT_DROP_API_TO_API", true)
	cfg.DropLoopbackTraffic = envBool("AUDIT_DROP_LOOPBACK_TRAFFIC", true)
	cfg.DropInvalidVLESSProbe = envBool("AUDIT_DROP_INVALID_VLESS_PROBE", false)
	cfg.ExcludeDetours = envCSV("AUDIT_EXCLUDE_DETOURS", "")
	cfg.RetentionDays = envInt("AUDIT_RETENTION_DAYS", 30, &errs)
	cfg.RetentionCleanupIntervalSeconds = envInt("AUDIT_RETENTION_CLEANUP_INTERVAL_SECONDS", 3600, &errs)
	cfg.RetentionDeleteBatchSize = envInt("AUDIT_RETENTION_DELETE_BATCH_SIZE", 5000, &errs)

	// --- Validation ---
	if cfg.LogPath == "" {
		errs = append(errs, "AUDIT_LOG_PATH must not be empty")
	}
	if cfg.ErrorLogEnabled && cfg.ErrorLogPath == "" {
		errs = append(errs, "AUDIT_ERROR_LOG_PATH must not be empty when error log is enabled")
	}
	if cfg.DBPath == "" {
		errs = append(errs, "AUDIT_DB_PATH must not be empty")
	}
	if cfg.ListenAddress == "" {
		errs = append(errs, "AUDIT_LISTEN_ADDRESS must not be empty")
	}
	validatePort("AUDIT_API_PORT", cfg.APIPort, &errs)
	if _, err := cron.ParseStandard(cfg.DBMaintenanceSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("AUDIT_DB_MAINTENANCE_SCHEDULE: invalid cron expression %q: %v", cfg.DBMaintenanceSchedule, err))
	}
	if cfg.RuntimeConfigRefreshSeconds < 1 {
		errs = append(errs, "AUDIT_RUNTIME_CONFIG_REFRESH_SECONDS must be >= 1")
	}
	if cfg.GeoIPEnabled && cfg.GeoIPMMDBPath == "" {
		errs = append(errs, "AUDIT_GEOIP_MMDB_PATH required when AUDIT_GEOIP_ENABLED is on")
	}
	validatePositive("AUDIT_GEOIP_CACHE_ENTRIES", cfg.GeoIPCacheEntries, &errs)

	// Defaults must pass the same schema the runtime override path uses.
	for key, value := range Defaults(cfg) {
		field, ok := EditableFields[key]
		if !ok {
			continue
		}
		if _, err := NormalizeValue(field, value); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return cfg, nil
}

// loadConfigFileIfPresent reads AUDIT_CONFIG_FILE (a YAML map of
// variable name to scalar) and applies entries not already set in the
// environment, so real env vars always win.
func loadConfigFileIfPresent() error {
	path := os.Getenv("AUDIT_CONFIG_FILE")
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}

	values := map[string]string{}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}

	for key, value := range values {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if _, exists := os.LookupEnv(key); !exists {
			os.Setenv(key, value)
		}
	}
	return nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envFloat(key string, defaultVal float64, errs *[]string) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid number %q", key, v))
		return defaultVal
	}
	return f
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return defaultVal
}

func envCSV(key, defaultVal string) []string {
	raw := envStr(key, defaultVal)
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
