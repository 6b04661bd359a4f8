// Package parse converts proxy log lines into structured events. Two
// dialects are understood: the access log (connection + DNS lines) and
// the error log. Anything with a valid timestamp prefix that matches
// neither grammar is preserved as an "unknown" event.
package parse

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/proxyaudit/proxyaudit/internal/model"
)

var (
	accessRe = regexp.MustCompile(
		`^from\s+(\S+)\s+(accepted|rejected)\s+(\S+)(?:\s+\[([^\]]+)\])?(.*)$`)
	dnsRe = regexp.MustCompile(
		`^(.+?)\s+(got answer:|cache HIT:|cache OPTIMISTE:)\s+(\S+)\s+->\s+\[([^\]]*)\](.*)$`)
	emailTailRe = regexp.MustCompile(`(?:^|\s)email:\s*(\S+)\s*$`)
	angleErrRe  = regexp.MustCompile(`<([^>]*)>`)
	durationRe  = regexp.MustCompile(`^(\d+(?:\.\d+)?)(ns|us|ms|s|m|h)$`)
)

const timestampLayout = "2006/01/02 15:04:05.999999"

// ParseLine parses one access-log line. It returns nil when the line has
// no valid timestamp prefix; every other line yields an event, with
// EventTypeUnknown as the fallback.
func ParseLine(rawLine string) *model.ParsedEvent {
	eventTime, body, ok := parseTimestampPrefix(rawLine)
	if !ok {
		return nil
	}

	normalized := strings.TrimRight(rawLine, "\r\n")
	rawHash := HashLine(normalized)

	ev := &model.ParsedEvent{
		EventTime: eventTime,
		RawLine:   normalized,
		RawHash:   rawHash,
	}

	if access := parseAccess(eventTime, body); access != nil {
		ev.EventType = model.EventTypeAccess
		ev.Access = access
		return ev
	}
	if dns := parseDNS(eventTime, body); dns != nil {
		ev.EventType = model.EventTypeDNS
		ev.DNS = dns
		return ev
	}

	ev.EventType = model.EventTypeUnknown
	return ev
}

// HashLine returns the hex SHA-256 of a line with trailing CR/LF already
// stripped. This is the dedup key for raw and error events.
func HashLine(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

func parseTimestampPrefix(line string) (time.Time, string, bool) {
	parts := strings.SplitN(strings.TrimSpace(line), " ", 3)
	if len(parts) < 3 {
		return time.Time{}, "", false
	}
	stamp := parts[0] + " " + parts[1]
	t, err := time.Parse(timestampLayout, stamp)
	if err != nil {
		return time.Time{}, "", false
	}
	return t, strings.TrimSpace(parts[2]), true
}

func parseAccess(eventTime time.Time, body string) *model.AccessEvent {
	m := accessRe.FindStringSubmatch(body)
	if m == nil {
		return nil
	}

	src, status, destRaw := m[1], m[2], m[3]
	detour := strings.TrimSpace(m[4])
	tail := strings.TrimSpace(m[5])

	email := "unknown"
	reason := tail
	if em := emailTailRe.FindStringSubmatchIndex(tail); em != nil {
		reason = strings.TrimSpace(tail[:em[0]])
		if v := strings.TrimSpace(tail[em[2]:em[3]]); v != "" {
			email = v
		}
	}

	destHost, destPort := splitHostPort(destRaw)
	isDomain := destHost != "" && !isIP(destHost)
	confidence := "low"
	if isDomain {
		confidence = "high"
	}

	return &model.AccessEvent{
		EventTime:  eventTime,
		UserEmail:  email,
		Src:        src,
		DestRaw:    destRaw,
		DestHost:   destHost,
		DestPort:   destPort,
		Status:     status,
		Detour:     detour,
		Reason:     reason,
		IsDomain:   isDomain,
		Confidence: confidence,
	}
}

func parseDNS(eventTime time.Time, body string) *model.DNSEvent {
	m := dnsRe.FindStringSubmatch(body)
	if m == nil {
		return nil
	}

	ips := []string{}
	for _, part := range strings.Split(m[4], ",") {
		if v := strings.TrimSpace(part); v != "" {
			ips = append(ips, v)
		}
	}
	ipsJSON, _ := json.Marshal(ips)

	tail := strings.TrimSpace(m[5])
	errorText := ""
	if em := angleErrRe.FindStringSubmatch(tail); em != nil {
		errorText = strings.TrimSpace(em[1])
		tail = strings.TrimSpace(strings.Replace(tail, em[0], "", 1))
	}

	var elapsedMs *int64
	if tail != "" {
		elapsedMs = ParseDurationMs(tail)
	}

	return &model.DNSEvent{
		EventTime: eventTime,
		DNSServer: strings.TrimSpace(m[1]),
		Domain:    strings.TrimSpace(m[3]),
		IPsJSON:   string(ipsJSON),
		DNSStatus: strings.TrimSpace(m[2]),
		ElapsedMs: elapsedMs,
		ErrorText: errorText,
	}
}

// ParseDurationMs converts a duration token like "250us", "12ms" or
// "1.5s" to integer milliseconds, truncating toward zero. Returns nil for
// anything that is not a bare value+unit token.
func ParseDurationMs(raw string) *int64 {
	token := strings.ReplaceAll(strings.TrimSpace(raw), "µs", "us")
	if token == "" {
		return nil
	}
	m := durationRe.FindStringSubmatch(token)
	if m == nil {
		return nil
	}

	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return nil
	}

	var ms float64
	switch m[2] {
	case "ns":
		ms = value / 1e6
	case "us":
		ms = value / 1e3
	case "ms":
		ms = value
	case "s":
		ms = value * 1e3
	case "m":
		ms = value * 60e3
	case "h":
		ms = value * 3600e3
	default:
		return nil
	}
	out := int64(ms)
	return &out
}
