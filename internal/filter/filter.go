// Package filter drops uninteresting access events before they enter a
// batch. All predicates are pure functions of the event and a Config
// rederived from runtime settings each collector iteration.
package filter

import (
	"strings"

	"github.com/proxyaudit/proxyaudit/internal/model"
)

// Config holds the access-side drop predicates. The error-side level and
// noise filtering happens in the collector loop.
type Config struct {
	DropAPIToAPI          bool
	DropLoopbackTraffic   bool
	DropInvalidVLESSProbe bool
	ExcludeDetours        []string
}

var loopbackHosts = map[string]bool{
	"127.0.0.1": true,
	"localhost": true,
	"::1":       true,
	"[::1]":     true,
}

// ShouldDrop reports whether the event should be discarded. DNS and
// unknown events are always kept.
func ShouldDrop(ev *model.ParsedEvent, cfg Config) bool {
	if ev == nil || ev.Access == nil {
		return false
	}
	a := ev.Access

	if cfg.DropAPIToAPI && a.Detour == "api -> api" {
		return true
	}

	for _, detour := range cfg.ExcludeDetours {
		if a.Detour == detour {
			return true
		}
	}

	if cfg.DropInvalidVLESSProbe &&
		a.Status == "rejected" &&
		a.DestRaw == "proxy/vless/encoding:" &&
		strings.Contains(strings.ToLower(a.Reason), "invalid request version") {
		return true
	}

	if cfg.DropLoopbackTraffic {
		src := strings.ToLower(a.Src)
		if strings.HasPrefix(src, "127.0.0.1") || strings.HasPrefix(src, "[::1]") || strings.HasPrefix(src, "::1") {
			return true
		}
		if loopbackHosts[strings.ToLower(a.DestHost)] {
			return true
		}
	}

	return false
}
