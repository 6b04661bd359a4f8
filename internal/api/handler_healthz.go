package api

import (
	"net/http"
	"time"
)

// HandleHealthz returns a handler for GET /healthz. No authentication
// is required; the payload mirrors the cache heartbeat fields.
func HandleHealthz(stats StatsSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s := stats()
		payload := s.HealthPayload()
		payload["status"] = "ok"
		payload["uptime_seconds"] = int64(time.Since(s.StartedAt).Seconds())
		WriteJSON(w, http.StatusOK, payload)
	}
}
