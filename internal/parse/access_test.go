package parse

import (
	"reflect"
	"testing"
	"time"

	"github.com/proxyaudit/proxyaudit/internal/model"
)

func TestParseLineAccessWithEmail(t *testing.T) {
	line := "2026/02/18 10:00:00.123456 from 1.2.3.4:12345 accepted tcp:example.com:443 [socks-in -> direct] email: user@example.com"

	ev := ParseLine(line)
	if ev == nil {
		t.Fatal("ParseLine returned nil")
	}
	if ev.EventType != model.EventTypeAccess {
		t.Fatalf("event type = %q, want access", ev.EventType)
	}

	a := ev.Access
	if a.UserEmail != "user@example.com" {
		t.Errorf("user_email = %q, want user@example.com", a.UserEmail)
	}
	if a.Src != "1.2.3.4:12345" {
		t.Errorf("src = %q", a.Src)
	}
	if a.DestHost != "example.com" {
		t.Errorf("dest_host = %q, want example.com", a.DestHost)
	}
	if a.DestPort == nil || *a.DestPort != 443 {
		t.Errorf("dest_port = %v, want 443", a.DestPort)
	}
	if !a.IsDomain || a.Confidence != "high" {
		t.Errorf("is_domain=%v confidence=%q, want true/high", a.IsDomain, a.Confidence)
	}
	if a.Status != "accepted" {
		t.Errorf("status = %q, want accepted", a.Status)
	}
	if a.Detour != "socks-in -> direct" {
		t.Errorf("detour = %q, want socks-in -> direct", a.Detour)
	}

	want := time.Date(2026, 2, 18, 10, 0, 0, 123456000, time.UTC)
	if !ev.EventTime.Equal(want) {
		t.Errorf("event_time = %v, want %v", ev.EventTime, want)
	}
}

func TestParseLineRejectedWithReason(t *testing.T) {
	line := "2026/02/18 10:00:02.000000 from 9.9.9.9:1000 rejected proxy/vless/encoding: > invalid request version email: unknown"

	ev := ParseLine(line)
	if ev == nil || ev.Access == nil {
		t.Fatalf("expected access event, got %+v", ev)
	}
	if ev.Access.Status != "rejected" {
		t.Errorf("status = %q, want rejected", ev.Access.Status)
	}
	if ev.Access.UserEmail != "unknown" {
		t.Errorf("user_email = %q, want unknown", ev.Access.UserEmail)
	}
}

func TestParseLineDNSCacheAnswer(t *testing.T) {
	line := "2026/02/18 10:00:01.000001 8.8.8.8 got answer: api.github.com. -> [1.1.1.1, 8.8.8.8] 0ms"

	ev := ParseLine(line)
	if ev == nil {
		t.Fatal("ParseLine returned nil")
	}
	if ev.EventType != model.EventTypeDNS {
		t.Fatalf("event type = %q, want dns", ev.EventType)
	}

	d := ev.DNS
	if d.Domain != "api.github.com." {
		t.Errorf("domain = %q, want api.github.com.", d.Domain)
	}
	if d.DNSServer != "8.8.8.8" {
		t.Errorf("dns_server = %q", d.DNSServer)
	}
	if d.IPsJSON != `["1.1.1.1","8.8.8.8"]` {
		t.Errorf("ips_json = %q", d.IPsJSON)
	}
	if d.ElapsedMs == nil || *d.ElapsedMs != 0 {
		t.Errorf("elapsed_ms = %v, want 0", d.ElapsedMs)
	}
	if d.ErrorText != "" {
		t.Errorf("error_text = %q, want empty", d.ErrorText)
	}
}

func TestParseLineDNSWithError(t *testing.T) {
	line := "2026/02/18 10:00:03.000000 1.1.1.1 got answer: bad.example -> [] <rcode 3> 5ms"

	ev := ParseLine(line)
	if ev == nil || ev.DNS == nil {
		t.Fatalf("expected dns event, got %+v", ev)
	}
	if ev.DNS.ErrorText != "rcode 3" {
		t.Errorf("error_text = %q, want rcode 3", ev.DNS.ErrorText)
	}
	if ev.DNS.IPsJSON != "[]" {
		t.Errorf("ips_json = %q, want []", ev.DNS.IPsJSON)
	}
	if ev.DNS.ElapsedMs == nil || *ev.DNS.ElapsedMs != 5 {
		t.Errorf("elapsed_ms = %v, want 5", ev.DNS.ElapsedMs)
	}
}

func TestParseLineUnknownFallback(t *testing.T) {
	ev := ParseLine("2026/02/18 10:00:04.000000 some unstructured runtime message")
	if ev == nil {
		t.Fatal("ParseLine returned nil for timestamped line")
	}
	if ev.EventType != model.EventTypeUnknown {
		t.Errorf("event type = %q, want unknown", ev.EventType)
	}
	if ev.Access != nil || ev.DNS != nil {
		t.Error("unknown event must carry no child payload")
	}
}

func TestParseLineNoTimestamp(t *testing.T) {
	for _, line := range []string{"", "garbage", "2026/02/18 only-date-part"} {
		if ev := ParseLine(line); ev != nil {
			t.Errorf("ParseLine(%q) = %+v, want nil", line, ev)
		}
	}
}

func TestParseLineRoundTrip(t *testing.T) {
	line := "2026/02/18 10:00:00.123456 from 1.2.3.4:12345 accepted tcp:example.com:443 [socks-in -> direct] email: user@example.com\n"

	first := ParseLine(line)
	if first == nil {
		t.Fatal("first parse returned nil")
	}
	second := ParseLine(first.RawLine)
	if second == nil {
		t.Fatal("re-parse returned nil")
	}
	if first.RawHash != second.RawHash {
		t.Errorf("raw_hash changed on round trip: %q vs %q", first.RawHash, second.RawHash)
	}
	if !reflect.DeepEqual(first.Access, second.Access) {
		t.Errorf("access event changed on round trip:\n%+v\n%+v", first.Access, second.Access)
	}
}

func TestParseDurationMs(t *testing.T) {
	cases := []struct {
		raw  string
		want int64
	}{
		{"250us", 0},
		{"12ms", 12},
		{"1.5s", 1500},
		{"2m", 120000},
		{"1h", 3600000},
		{"999ns", 0},
		{"800µs", 0},
	}
	for _, tc := range cases {
		got := ParseDurationMs(tc.raw)
		if got == nil {
			t.Errorf("ParseDurationMs(%q) = nil, want %d", tc.raw, tc.want)
			continue
		}
		if *got != tc.want {
			t.Errorf("ParseDurationMs(%q) = %d, want %d", tc.raw, *got, tc.want)
		}
	}

	for _, raw := range []string{"", "fast", "12 ms", "ms"} {
		if got := ParseDurationMs(raw); got != nil {
			t.Errorf("ParseDurationMs(%q) = %d, want nil", raw, *got)
		}
	}
}

func TestSplitHostPort(t *testing.T) {
	port := func(n int) *int { return &n }
	cases := []struct {
		dest     string
		wantHost string
		wantPort *int
	}{
		{"tcp:example.com:443", "example.com", port(443)},
		{"udp:8.8.8.8:53", "8.8.8.8", port(53)},
		{"tcp:[2001:db8::1]:443", "2001:db8::1", port(443)},
		{"[2001:db8::1]", "2001:db8::1", nil},
		{"2001:db8::1", "2001:db8::1", nil},
		{"10.0.0.1", "10.0.0.1", nil},
		{"example.com", "example.com", nil},
		{"example.com:notaport", "example.com:notaport", nil},
	}
	for _, tc := range cases {
		host, p := splitHostPort(tc.dest)
		if host != tc.wantHost {
			t.Errorf("splitHostPort(%q) host = %q, want %q", tc.dest, host, tc.wantHost)
		}
		switch {
		case tc.wantPort == nil && p != nil:
			t.Errorf("splitHostPort(%q) port = %d, want nil", tc.dest, *p)
		case tc.wantPort != nil && (p == nil || *p != *tc.wantPort):
			t.Errorf("splitHostPort(%q) port = %v, want %d", tc.dest, p, *tc.wantPort)
		}
	}
}
