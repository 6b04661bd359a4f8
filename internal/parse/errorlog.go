package parse

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/proxyaudit/proxyaudit/internal/model"
)

var (
	errorLineRe = regexp.MustCompile(
		`^(\d{4}/\d{2}/\d{2})\s+` +
			`(\d{2}:\d{2}:\d{2}(?:\.\d{1,6})?)\s+` +
			`\[([A-Za-z]+)\]\s+` +
			`(?:(?:\[(\d+)\])\s+)?` +
			`(?:([A-Za-z0-9_./-]+):\s+)?` +
			`(.*)$`)
	srcRe    = regexp.MustCompile(`\bfrom\s+(\S+)`)
	destRe   = regexp.MustCompile(`\bfor\s+((?:tcp|udp):\S+)`)
	ipv4Re   = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	digitsRe = regexp.MustCompile(`\b\d+\b`)
)

// Level ranks used for threshold filtering. Unknown levels rank below
// debug so a min-level of debug still drops them.
const (
	RankUnknown = 0
	RankDebug   = 10
	RankInfo    = 20
	RankWarning = 30
	RankError   = 40
)

// LevelRank maps a level name to its numeric rank.
func LevelRank(level string) int {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return RankDebug
	case "info":
		return RankInfo
	case "warning":
		return RankWarning
	case "error":
		return RankError
	default:
		return RankUnknown
	}
}

// Noise categories dropped when ERROR_DROP_NOISE is on.
var noiseCategories = map[string]bool{
	"probe_invalid_vless": true,
	"api_loopback":        true,
	"scan_noise":          true,
}

// ParseErrorLine parses one error-log line into a classified event.
// Returns nil when the line does not match the error grammar.
func ParseErrorLine(rawLine string) *model.ParsedErrorEvent {
	normalized := strings.TrimRight(rawLine, "\r\n")
	m := errorLineRe.FindStringSubmatch(strings.TrimSpace(normalized))
	if m == nil {
		return nil
	}

	eventTime, err := time.Parse(timestampLayout, m[1]+" "+m[2])
	if err != nil {
		return nil
	}

	level := normalizeLevel(m[3])
	var sessionID *int64
	if m[4] != "" {
		if v, err := strconv.ParseInt(m[4], 10, 64); err == nil {
			sessionID = &v
		}
	}
	component := strings.TrimSpace(m[5])
	message := strings.TrimSpace(m[6])

	src := ""
	if sm := srcRe.FindStringSubmatch(message); sm != nil {
		src = strings.TrimSpace(sm[1])
	}

	destRaw, destHost := "", ""
	var destPort *int
	if dm := destRe.FindStringSubmatch(message); dm != nil {
		destRaw = strings.TrimSpace(dm[1])
		destHost, destPort = splitHostPort(destRaw)
	}

	category := Classify(component, message, level)

	return &model.ParsedErrorEvent{
		EventTime:     eventTime,
		Level:         level,
		SessionID:     sessionID,
		Component:     component,
		Message:       message,
		Src:           src,
		DestRaw:       destRaw,
		DestHost:      destHost,
		DestPort:      destPort,
		Category:      category,
		SignatureHash: SignatureHash(component, message),
		IsNoise:       noiseCategories[category],
		RawLine:       normalized,
		RawHash:       HashLine(normalized),
	}
}

func normalizeLevel(raw string) string {
	v := strings.ToLower(strings.TrimSpace(raw))
	switch v {
	case "debug", "info", "warning", "error":
		return v
	}
	return "unknown"
}

// Classify assigns an error category. Pure function; first match wins,
// compared on lowercased component and message.
func Classify(component, message, level string) string {
	c := strings.ToLower(component)
	m := strings.ToLower(message)

	switch {
	case (strings.Contains(c, "proxy/vless/encoding") || strings.Contains(m, "proxy/vless/encoding")) &&
		strings.Contains(m, "invalid request version"):
		return "probe_invalid_vless"
	case strings.Contains(m, "127.0.0.1") && strings.Contains(m, "detour [api]"):
		return "api_loopback"
	case strings.Contains(c, "dns") || strings.Contains(m, "dns"):
		if strings.Contains(m, "timeout") || strings.Contains(m, "failed") || strings.Contains(m, "error") {
			return "dns_error"
		}
		return "dns_info"
	case strings.Contains(m, "timeout") || strings.Contains(m, "deadline exceeded") || strings.Contains(m, "i/o timeout"):
		return "network_timeout"
	case strings.Contains(m, "refused") || strings.Contains(m, "connection reset"):
		return "network_refused"
	case strings.Contains(m, "invalid user") || strings.Contains(m, "failed to find user") || strings.Contains(m, "unauthorized"):
		return "auth_error"
	case strings.Contains(c, "dispatch") || strings.Contains(c, "dispatcher"):
		return "routing"
	}

	switch level {
	case "error":
		return "runtime_error"
	case "warning":
		return "runtime_warning"
	case "debug":
		return "debug_trace"
	}
	return "runtime_info"
}

// SignatureHash computes the grouping key for similar messages: IPv4
// literals become <ip>, decimal integers <num>, prefixed by the
// lowercased component, then SHA-256.
func SignatureHash(component, message string) string {
	norm := ipv4Re.ReplaceAllString(message, "<ip>")
	norm = digitsRe.ReplaceAllString(norm, "<num>")
	signature := strings.ToLower(component) + "|" + strings.ToLower(strings.TrimSpace(norm))
	return HashLine(signature)
}
