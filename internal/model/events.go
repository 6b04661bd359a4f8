// Package model defines the parsed event structs shared across the
// ingestion pipeline and the persistence layer.
package model

import "time"

// Event type tags carried by ParsedEvent.
const (
	EventTypeAccess  = "access"
	EventTypeDNS     = "dns"
	EventTypeUnknown = "unknown"
)

// AccessEvent is one accepted/rejected client connection line from the
// proxy access log.
type AccessEvent struct {
	EventTime time.Time `json:"event_time"`
	UserEmail string    `json:"user_email"`
	Src       string    `json:"src"`
	DestRaw   string    `json:"dest_raw"`
	DestHost  string    `json:"dest_host"`
	DestPort  *int      `json:"dest_port"`
	Status    string    `json:"status"`
	Detour    string    `json:"detour"`
	Reason    string    `json:"reason"`
	IsDomain  bool      `json:"is_domain"`
	// Confidence is "high" when DestHost is a domain, "low" for bare IPs.
	Confidence string `json:"confidence"`
}

// DNSEvent is one DNS resolution outcome line from the proxy access log.
type DNSEvent struct {
	EventTime time.Time `json:"event_time"`
	DNSServer string    `json:"dns_server"`
	Domain    string    `json:"domain"`
	IPsJSON   string    `json:"ips_json"`
	DNSStatus string    `json:"dns_status"`
	ElapsedMs *int64    `json:"elapsed_ms"`
	ErrorText string    `json:"error_text"`
}

// ParsedEvent wraps an access or DNS event together with the raw line
// and its dedup hash. Exactly one of Access/DNS is set for those event
// types; both are nil for EventTypeUnknown.
type ParsedEvent struct {
	EventTime time.Time    `json:"event_time"`
	EventType string       `json:"event_type"`
	RawLine   string       `json:"raw_line"`
	RawHash   string       `json:"raw_hash"`
	Access    *AccessEvent `json:"access,omitempty"`
	DNS       *DNSEvent    `json:"dns,omitempty"`
}

// ParsedErrorEvent is one classified entry from the proxy error log.
type ParsedErrorEvent struct {
	EventTime     time.Time `json:"event_time"`
	Level         string    `json:"level"`
	SessionID     *int64    `json:"session_id"`
	Component     string    `json:"component"`
	Message       string    `json:"message"`
	Src           string    `json:"src"`
	DestRaw       string    `json:"dest_raw"`
	DestHost      string    `json:"dest_host"`
	DestPort      *int      `json:"dest_port"`
	Category      string    `json:"category"`
	SignatureHash string    `json:"signature_hash"`
	IsNoise       bool      `json:"is_noise"`
	RawLine       string    `json:"raw_line"`
	RawHash       string    `json:"raw_hash"`
}

// RuntimeOverride is one persisted runtime-config override row.
type RuntimeOverride struct {
	ConfigKey   string `json:"config_key"`
	ValueJSON   string `json:"value_json"`
	ValueType   string `json:"value_type"`
	UpdatedBy   string `json:"updated_by"`
	UpdatedAtNs int64  `json:"updated_at_ns"`
}

// CollectorState is the persisted tail position for one log file.
type CollectorState struct {
	FilePath    string `json:"file_path"`
	Inode       *int64 `json:"inode"`
	LastOffset  int64  `json:"last_offset"`
	UpdatedAtNs int64  `json:"updated_at_ns"`
}
