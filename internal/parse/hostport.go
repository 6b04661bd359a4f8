package parse

import (
	"net"
	"regexp"
	"strconv"
	"strings"
)

var bracketHostRe = regexp.MustCompile(`^\[(.+)\](?::(\d+))?$`)

// isIP reports whether value parses as an IPv4 or IPv6 address.
func isIP(value string) bool {
	return net.ParseIP(value) != nil
}

// splitHostPort splits a destination token into host and optional port.
// Accepted shapes, after stripping a single "tcp:" or "udp:" prefix:
//
//	[v6]:port, [v6], bare IPv4/IPv6, host:port, host
//
// A bare IP (including IPv6 with multiple colons) has no port.
func splitHostPort(dest string) (string, *int) {
	raw := strings.TrimSpace(dest)
	for _, prefix := range []string{"tcp:", "udp:"} {
		if strings.HasPrefix(raw, prefix) {
			raw = raw[len(prefix):]
			break
		}
	}

	if strings.HasPrefix(raw, "[") {
		if m := bracketHostRe.FindStringSubmatch(raw); m != nil {
			if m[2] == "" {
				return m[1], nil
			}
			port, _ := strconv.Atoi(m[2])
			return m[1], &port
		}
	}

	if isIP(raw) {
		return raw, nil
	}

	colons := strings.Count(raw, ":")
	if colons >= 1 {
		idx := strings.LastIndex(raw, ":")
		host, maybePort := raw[:idx], raw[idx+1:]
		if isDigits(maybePort) {
			port, _ := strconv.Atoi(maybePort)
			return host, &port
		}
	}

	return raw, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
