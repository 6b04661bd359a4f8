package api

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/proxyaudit/proxyaudit/internal/config"
)

// HandleGetConfig returns the runtime-config schema with effective
// values.
func HandleGetConfig(runtime *config.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := runtime.Refresh(false); err != nil {
			WriteError(w, http.StatusInternalServerError, "config_load_failed", err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"items": runtime.SchemaItems()})
	}
}

// updateConfigRequest is the PUT /api/v1/config body.
type updateConfigRequest struct {
	Values    map[string]any `json:"values"`
	ChangedBy string         `json:"changed_by"`
}

// HandleUpdateConfig validates and applies a batch of runtime
// overrides. The whole batch is rejected when any value fails the
// schema.
func HandleUpdateConfig(runtime *config.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req updateConfigRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}
		if len(req.Values) == 0 {
			WriteError(w, http.StatusBadRequest, "empty_payload", "no values to update")
			return
		}

		changedBy := req.ChangedBy
		if changedBy == "" {
			changedBy = "api"
		}
		sourceIP := clientIP(r)

		if err := runtime.UpdateItems(req.Values, changedBy, sourceIP); err != nil {
			WriteError(w, http.StatusBadRequest, "validation_failed", err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"items": runtime.SchemaItems()})
	}
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
